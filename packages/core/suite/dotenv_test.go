package suite

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadEnvFile(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected map[string]string
	}{
		{"simple", "API_KEY=secret", map[string]string{"API_KEY": "secret"}},
		{"double quoted", `NAME="with spaces"`, map[string]string{"NAME": "with spaces"}},
		{"single quoted", `NAME='with spaces'`, map[string]string{"NAME": "with spaces"}},
		{"mismatched quotes kept", `NAME="open'`, map[string]string{"NAME": `"open'`}},
		{"export prefix", "export DB_URL=sqlite://x.db", map[string]string{"DB_URL": "sqlite://x.db"}},
		{"comments and blanks", "# c\n\nA=1\nnot a pair\n=orphan", map[string]string{"A": "1"}},
		{"value with equals", "Q=a=b", map[string]string{"Q": "a=b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadEnvFile(writeEnvFile(t, tt.content))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	_, err := LoadEnvFile(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorContains(t, err, "cannot open env file")
}

func TestExportEnvFiles(t *testing.T) {
	t.Setenv("KESTREL_DOTENV_SET", "from-env")
	first := writeEnvFile(t, "KESTREL_DOTENV_SET=from-file\nKESTREL_DOTENV_NEW=first\n")
	second := writeEnvFile(t, "KESTREL_DOTENV_NEW=second\n")
	t.Cleanup(func() { os.Unsetenv("KESTREL_DOTENV_NEW") })

	n, err := ExportEnvFiles(first, second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "from-env", os.Getenv("KESTREL_DOTENV_SET"))
	assert.Equal(t, "first", os.Getenv("KESTREL_DOTENV_NEW"))
}

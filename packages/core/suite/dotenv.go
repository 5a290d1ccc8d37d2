package suite

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadEnvFile parses a dotenv file into key-value pairs. It accepts
// KEY=value, quoted values, an optional "export " prefix and # comments.
func LoadEnvFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open env file: %w", err)
	}
	defer file.Close()

	result := make(map[string]string)
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		result[key] = unquote(strings.TrimSpace(value))
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading env file: %w", err)
	}
	return result, nil
}

func unquote(value string) string {
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if (first == '"' || first == '\'') && first == last {
			return value[1 : len(value)-1]
		}
	}
	return value
}

// ExportEnvFiles loads each dotenv file in order and exports its variables
// to the process environment so every shell body and hook inherits them.
// Variables already set in the environment win, as do earlier files.
func ExportEnvFiles(paths ...string) (int, error) {
	exported := 0
	for _, path := range paths {
		vars, err := LoadEnvFile(path)
		if err != nil {
			return exported, err
		}
		for k, v := range vars {
			if _, ok := os.LookupEnv(k); ok {
				continue
			}
			if err := os.Setenv(k, v); err != nil {
				return exported, fmt.Errorf("%s: invalid variable %q: %w", path, k, err)
			}
			exported++
		}
	}
	return exported, nil
}

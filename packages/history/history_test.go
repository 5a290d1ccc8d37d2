package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
	"github.com/abdul-hamid-achik/kestrel/packages/core/runner"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func run(id string, offset time.Duration, outcomes map[string]descriptor.State) *runner.RunResult {
	result := &runner.RunResult{
		RunID:     id,
		StartedAt: base.Add(offset),
		Duration:  250 * time.Millisecond,
	}
	for _, testID := range []string{"A.one", "A.two", "B.three"} {
		state, ok := outcomes[testID]
		if !ok {
			state = descriptor.StatePassed
		}
		r := &runner.TestResult{ID: testID, Class: testID[:1], State: state, Attempts: 1, Duration: 10 * time.Millisecond}
		switch state {
		case descriptor.StatePassed:
			result.Passed++
		case descriptor.StateFailed:
			r.Error = errors.New("boom")
			result.Failed++
		}
		result.Results = append(result.Results, r)
	}
	return result
}

func TestOpen(t *testing.T) {
	t.Run("sqlite prefix", func(t *testing.T) {
		store, err := Open("sqlite://" + filepath.Join(t.TempDir(), "h.db"))
		require.NoError(t, err)
		assert.NoError(t, store.Close())
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := Open("")
		assert.Error(t, err)
	})

	t.Run("reopen keeps data", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "h.db")
		store, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, store.Record(context.Background(), run("r1", 0, nil)))
		require.NoError(t, store.Close())

		store, err = Open(path)
		require.NoError(t, err)
		defer store.Close()
		last, err := store.Last(context.Background())
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, "r1", last.ID)
	})
}

func TestRecordAndRecent(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	last, err := store.Last(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, store.Record(ctx, run("r1", 0, nil)))
	require.NoError(t, store.Record(ctx, run("r2", time.Minute, map[string]descriptor.State{"A.two": descriptor.StateFailed})))

	runs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "r2", runs[0].ID)
	assert.False(t, runs[0].Success)
	assert.Equal(t, 3, runs[0].Total)
	assert.Equal(t, 2, runs[0].Passed)
	assert.Equal(t, 1, runs[0].Failed)
	assert.Equal(t, 250*time.Millisecond, runs[0].Duration)
	assert.True(t, runs[0].StartedAt.Equal(base.Add(time.Minute)))

	assert.Equal(t, "r1", runs[1].ID)
	assert.True(t, runs[1].Success)

	// Duplicate run ids are rejected and leave nothing behind.
	assert.Error(t, store.Record(ctx, run("r1", 2*time.Minute, nil)))
	runs, err = store.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRecord_Invalid(t *testing.T) {
	store := openStore(t)
	assert.Error(t, store.Record(context.Background(), nil))
	assert.Error(t, store.Record(context.Background(), &runner.RunResult{}))
}

func TestTest(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, run("r1", 0, nil)))
	require.NoError(t, store.Record(ctx, run("r2", time.Minute, map[string]descriptor.State{"A.two": descriptor.StateFailed})))

	entries, err := store.Test(ctx, "A.two", 5)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "r2", entries[0].RunID)
	assert.Equal(t, descriptor.StateFailed, entries[0].State)
	assert.Equal(t, "boom", entries[0].Message)
	assert.Equal(t, "A", entries[0].Class)
	assert.Equal(t, descriptor.StatePassed, entries[1].State)
	assert.Empty(t, entries[1].Message)
}

func TestFlaky(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, run("r1", 0, map[string]descriptor.State{"B.three": descriptor.StateFailed})))
	require.NoError(t, store.Record(ctx, run("r2", time.Minute, map[string]descriptor.State{"A.two": descriptor.StateFailed})))
	require.NoError(t, store.Record(ctx, run("r3", 2*time.Minute, map[string]descriptor.State{"A.two": descriptor.StateFailed})))

	flaky, err := store.Flaky(ctx, 10)
	require.NoError(t, err)
	require.Len(t, flaky, 2)
	assert.Equal(t, Flaky{TestID: "A.two", Passed: 1, Failed: 2}, flaky[0])
	assert.Equal(t, Flaky{TestID: "B.three", Passed: 2, Failed: 1}, flaky[1])

	// The window only covers the newest two runs.
	flaky, err = store.Flaky(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, flaky)
}

func TestFlaky_Retried(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	result := run("r1", 0, nil)
	result.Results[0].Attempts = 3
	require.NoError(t, store.Record(ctx, result))

	flaky, err := store.Flaky(ctx, 10)
	require.NoError(t, err)
	require.Len(t, flaky, 1)
	assert.Equal(t, "A.one", flaky[0].TestID)
}

func TestPrune(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, store.Record(ctx, run(id, time.Duration(i)*time.Minute, nil)))
	}

	removed, err := store.Prune(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	runs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r3", runs[0].ID)

	entries, err := store.Test(ctx, "A.one", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

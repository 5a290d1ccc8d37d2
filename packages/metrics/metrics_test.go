package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
	"github.com/abdul-hamid-achik/kestrel/packages/core/events"
)

func TestRecorder_Record(t *testing.T) {
	r := New()
	r.Start()

	r.Record("Users", 100*time.Millisecond, descriptor.StatePassed, false)
	r.Record("Users", 300*time.Millisecond, descriptor.StateFailed, true)
	r.Record("Orders", 10*time.Millisecond, descriptor.StatePassed, false)
	r.Record("Orders", 0, descriptor.StateSkipped, false)
	r.Record("Orders", 0, descriptor.StateCancelled, false)

	r.Stop()

	s := r.GetSummary()
	assert.Equal(t, int64(2), s.Passed)
	assert.Equal(t, int64(1), s.Failed)
	assert.Equal(t, int64(1), s.Skipped)
	assert.Equal(t, int64(1), s.Cancelled)
	assert.Equal(t, int64(1), s.Timeouts)

	assert.InDelta(t, float64(10*time.Millisecond), float64(s.Min), float64(time.Millisecond))
	assert.InDelta(t, float64(300*time.Millisecond), float64(s.Max), float64(time.Millisecond))

	require.Len(t, s.Classes, 2)
	assert.Equal(t, "Users", s.Classes[0].Name, "slowest class first")
	assert.Equal(t, int64(2), s.Classes[0].Total)
	assert.Equal(t, int64(1), s.Classes[0].Failed)
	assert.Equal(t, int64(1), s.Classes[1].Total)
}

func TestRecorder_ClampsLongDurations(t *testing.T) {
	r := New()
	r.Record("Slow", 2*time.Hour, descriptor.StatePassed, false)

	s := r.GetSummary()
	assert.InDelta(t, float64(time.Hour), float64(s.Max), float64(time.Hour/100))
}

func TestRecorder_OnEventTracksPeak(t *testing.T) {
	r := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.OnEvent(ctx, events.Event{Kind: events.TestStart})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(8), r.Active())

	_ = r.OnEvent(ctx, events.Event{Kind: events.TestRetry})
	for i := 0; i < 7; i++ {
		_ = r.OnEvent(ctx, events.Event{Kind: events.TestEnd})
	}

	s := r.GetSummary()
	assert.Equal(t, int32(0), r.Active())
	assert.Equal(t, int32(8), s.Peak)
	assert.Equal(t, int64(1), s.Retries)
}

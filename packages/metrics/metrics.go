// Package metrics aggregates test durations and run concurrency.
package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
	"github.com/abdul-hamid-achik/kestrel/packages/core/events"
)

// Durations are recorded in microseconds, from 1us to one hour.
const (
	minValue = 1
	maxValue = int64(time.Hour / time.Microsecond)
)

// Recorder collects per-test durations and outcome counts. It also observes
// lifecycle events to track how many instances run at once.
type Recorder struct {
	mu sync.RWMutex

	histogram *hdrhistogram.Histogram
	classes   map[string]*ClassMetrics

	passed    atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	cancelled atomic.Int64
	timeouts  atomic.Int64
	retries   atomic.Int64

	active atomic.Int32
	peak   atomic.Int32

	startTime time.Time
	endTime   time.Time
}

// ClassMetrics holds the durations of one class.
type ClassMetrics struct {
	Name      string
	Total     atomic.Int64
	Failed    atomic.Int64
	Histogram *hdrhistogram.Histogram
	mu        sync.Mutex
}

var _ events.Receiver = (*Recorder)(nil)

// New creates a Recorder.
func New() *Recorder {
	return &Recorder{
		histogram: hdrhistogram.New(minValue, maxValue, 3),
		classes:   make(map[string]*ClassMetrics),
	}
}

// Start marks the beginning of the run.
func (r *Recorder) Start() {
	r.mu.Lock()
	r.startTime = time.Now()
	r.mu.Unlock()
}

// Stop marks the end of the run.
func (r *Recorder) Stop() {
	r.mu.Lock()
	r.endTime = time.Now()
	r.mu.Unlock()
}

func clamp(d time.Duration) int64 {
	us := d.Microseconds()
	if us < minValue {
		return minValue
	}
	if us > maxValue {
		return maxValue
	}
	return us
}

// Record records the terminal outcome of an instance. Only instances that
// ran contribute to the duration histograms.
func (r *Recorder) Record(class string, duration time.Duration, state descriptor.State, timedOut bool) {
	switch state {
	case descriptor.StatePassed:
		r.passed.Add(1)
	case descriptor.StateFailed:
		r.failed.Add(1)
	case descriptor.StateSkipped:
		r.skipped.Add(1)
		return
	case descriptor.StateCancelled:
		r.cancelled.Add(1)
	}
	if timedOut {
		r.timeouts.Add(1)
	}
	if duration <= 0 {
		return
	}

	v := clamp(duration)
	r.mu.Lock()
	_ = r.histogram.RecordValue(v)
	cm, ok := r.classes[class]
	if !ok {
		cm = &ClassMetrics{
			Name:      class,
			Histogram: hdrhistogram.New(minValue, maxValue, 3),
		}
		r.classes[class] = cm
	}
	r.mu.Unlock()

	cm.Total.Add(1)
	if state == descriptor.StateFailed {
		cm.Failed.Add(1)
	}
	cm.mu.Lock()
	_ = cm.Histogram.RecordValue(v)
	cm.mu.Unlock()
}

// OnEvent tracks the running gauge and retry count.
func (r *Recorder) OnEvent(_ context.Context, ev events.Event) error {
	switch ev.Kind {
	case events.TestStart:
		n := r.active.Add(1)
		for {
			peak := r.peak.Load()
			if n <= peak || r.peak.CompareAndSwap(peak, n) {
				break
			}
		}
	case events.TestRetry:
		r.retries.Add(1)
		r.active.Add(-1)
	case events.TestEnd:
		r.active.Add(-1)
	}
	return nil
}

// Active returns the number of instances currently running.
func (r *Recorder) Active() int32 {
	return r.active.Load()
}

// Summary is the final metrics report.
type Summary struct {
	Duration  time.Duration
	Passed    int64
	Failed    int64
	Skipped   int64
	Cancelled int64
	Timeouts  int64
	Retries   int64
	Peak      int32

	P50  time.Duration
	P95  time.Duration
	P99  time.Duration
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration

	// Classes is sorted by descending p95, the slowest class first.
	Classes []*ClassSummary
}

// ClassSummary holds the summary for one class.
type ClassSummary struct {
	Name   string
	Total  int64
	Failed int64
	P50    time.Duration
	P95    time.Duration
	Mean   time.Duration
}

func us(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}

// GetSummary returns the metrics summary.
func (r *Recorder) GetSummary() *Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	duration := r.endTime.Sub(r.startTime)
	if r.endTime.IsZero() {
		duration = time.Since(r.startTime)
	}

	summary := &Summary{
		Duration:  duration,
		Passed:    r.passed.Load(),
		Failed:    r.failed.Load(),
		Skipped:   r.skipped.Load(),
		Cancelled: r.cancelled.Load(),
		Timeouts:  r.timeouts.Load(),
		Retries:   r.retries.Load(),
		Peak:      r.peak.Load(),
		P50:       us(r.histogram.ValueAtQuantile(50)),
		P95:       us(r.histogram.ValueAtQuantile(95)),
		P99:       us(r.histogram.ValueAtQuantile(99)),
		Min:       us(r.histogram.Min()),
		Max:       us(r.histogram.Max()),
		Mean:      time.Duration(r.histogram.Mean() * float64(time.Microsecond)),
	}

	for name, cm := range r.classes {
		cm.mu.Lock()
		summary.Classes = append(summary.Classes, &ClassSummary{
			Name:   name,
			Total:  cm.Total.Load(),
			Failed: cm.Failed.Load(),
			P50:    us(cm.Histogram.ValueAtQuantile(50)),
			P95:    us(cm.Histogram.ValueAtQuantile(95)),
			Mean:   time.Duration(cm.Histogram.Mean() * float64(time.Microsecond)),
		})
		cm.mu.Unlock()
	}
	sort.Slice(summary.Classes, func(i, j int) bool {
		a, b := summary.Classes[i], summary.Classes[j]
		if a.P95 != b.P95 {
			return a.P95 > b.P95
		}
		return a.Name < b.Name
	})

	return summary
}

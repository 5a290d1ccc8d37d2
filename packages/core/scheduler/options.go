package scheduler

import (
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/time/rate"

	"github.com/abdul-hamid-achik/kestrel/packages/core/events"
)

// DefaultStallTimeout is how long the scheduler waits with nothing running
// and nothing admissible before it reports a stall.
const DefaultStallTimeout = time.Minute

// Option configures a Scheduler.
type Option func(*options)

type options struct {
	maxParallel   int
	stallTimeout  time.Duration
	admissionRate rate.Limit
	retryDelay    time.Duration
	failFast      bool
	bus           *events.Bus
	logger        *slog.Logger
}

func defaultOptions() options {
	return options{
		maxParallel:   runtime.NumCPU(),
		stallTimeout:  DefaultStallTimeout,
		admissionRate: rate.Inf,
		logger:        slog.New(slog.DiscardHandler),
	}
}

// WithMaxParallel caps the number of instances running at once. Values
// below one are ignored.
func WithMaxParallel(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxParallel = n
		}
	}
}

// WithStallTimeout sets the diagnostic wait. Zero or negative keeps the default.
func WithStallTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.stallTimeout = d
		}
	}
}

// WithAdmissionRate throttles how many instances may start per second.
// Zero or negative means unlimited.
func WithAdmissionRate(perSecond float64) Option {
	return func(o *options) {
		if perSecond > 0 {
			o.admissionRate = rate.Limit(perSecond)
		}
	}
}

// WithRetryDelay waits d before a retried instance is re-queued.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) { o.retryDelay = d }
}

// WithFailFast stops admitting new instances after the first failure.
func WithFailFast(enabled bool) Option {
	return func(o *options) { o.failFast = enabled }
}

// WithBus publishes retry and skip events on bus.
func WithBus(bus *events.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

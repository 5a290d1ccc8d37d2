package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/kestrel/packages/core/config"
	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
	"github.com/abdul-hamid-achik/kestrel/packages/core/events"
	"github.com/abdul-hamid-achik/kestrel/packages/core/failure"
	"github.com/abdul-hamid-achik/kestrel/packages/core/generics"
	"github.com/abdul-hamid-achik/kestrel/packages/core/graph"
	"github.com/abdul-hamid-achik/kestrel/packages/core/hooks"
	"github.com/abdul-hamid-achik/kestrel/packages/core/pipeline"
	"github.com/abdul-hamid-achik/kestrel/packages/core/scheduler"
	"github.com/abdul-hamid-achik/kestrel/packages/logging"
	"github.com/abdul-hamid-achik/kestrel/packages/metrics"
)

// ErrDiscoveryTimeout is returned when building the run plan takes longer
// than the discovery timeout.
var ErrDiscoveryTimeout = errors.New("runner: discovery timed out")

// Config holds the settings of a run.
type Config struct {
	MaxParallel        int
	RunTimeout         time.Duration
	DiscoveryTimeout   time.Duration
	DefaultTestTimeout time.Duration
	HookTimeout        time.Duration
	StallTimeout       time.Duration
	RetryDelay         time.Duration
	AdmissionRate      float64
	GenericStrategy    generics.Capability
	FailFast           bool
	Filter             Filter
}

// ConfigFrom converts a loaded configuration.
func ConfigFrom(c *config.Config) (*Config, error) {
	strategy, err := generics.ParseCapability(c.GenericStrategy)
	if err != nil {
		return nil, err
	}
	return &Config{
		MaxParallel:        c.MaxParallel,
		RunTimeout:         c.RunTimeout.Std(),
		DiscoveryTimeout:   c.DiscoveryTimeout.Std(),
		DefaultTestTimeout: c.DefaultTestTimeout.Std(),
		HookTimeout:        c.HookTimeout.Std(),
		StallTimeout:       c.StallTimeout.Std(),
		RetryDelay:         c.RetryDelay.Std(),
		AdmissionRate:      c.AdmissionRate,
		GenericStrategy:    strategy,
		FailFast:           c.GetFailFast(),
	}, nil
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger handed to every engine component.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithReceivers subscribes event receivers to every run.
func WithReceivers(receivers ...events.Receiver) Option {
	return func(r *Runner) {
		r.receivers = append(r.receivers, receivers...)
	}
}

// WithConstructor sets how test subjects are built.
func WithConstructor(c pipeline.Constructor) Option {
	return func(r *Runner) { r.constructor = c }
}

// WithRecorder feeds durations and concurrency into rec.
func WithRecorder(rec *metrics.Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithHardStop makes in-flight cleanup observe cancellation once ch is closed.
func WithHardStop(ch <-chan struct{}) Option {
	return func(r *Runner) { r.hardStop = ch }
}

type Runner struct {
	config      *Config
	logger      *slog.Logger
	receivers   []events.Receiver
	constructor pipeline.Constructor
	recorder    *metrics.Recorder
	hardStop    <-chan struct{}
}

func NewRunner(cfg *Config, opts ...Option) *Runner {
	if cfg == nil {
		cfg = &Config{}
	}
	r := &Runner{
		config: cfg,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Discovery is the validated plan of a run.
type Discovery struct {
	Catalog     *descriptor.Catalog
	Descriptors []*descriptor.TestDescriptor
	Instances   []*descriptor.Instance
	Graph       *graph.Graph
}

// Discover selects, resolves and expands the catalog's tests and builds the
// dependency graph. Nothing executes.
func (r *Runner) Discover(ctx context.Context, catalog *descriptor.Catalog) (*Discovery, error) {
	var disc *Discovery
	err := r.withDiscoveryTimeout(ctx, func() error {
		var err error
		disc, err = r.discover(catalog)
		return err
	})
	return disc, err
}

func (r *Runner) discover(catalog *descriptor.Catalog) (*Discovery, error) {
	if err := catalog.Validate(); err != nil {
		return nil, err
	}

	selected := Select(catalog.Tests, r.config.Filter)
	resolved, err := generics.New(r.config.GenericStrategy).Resolve(selected)
	if err != nil {
		return nil, err
	}

	instances := descriptor.Expand(resolved)
	g, err := graph.Build(instances)
	if err != nil {
		return nil, err
	}

	return &Discovery{
		Catalog:     catalog,
		Descriptors: resolved,
		Instances:   instances,
		Graph:       g,
	}, nil
}

// withDiscoveryTimeout runs fn, giving up after the discovery timeout.
// Discovery is synchronous work; on timeout fn is abandoned, not interrupted.
func (r *Runner) withDiscoveryTimeout(ctx context.Context, fn func() error) error {
	if r.config.DiscoveryTimeout <= 0 {
		return fn()
	}
	ctx, cancel := context.WithTimeout(ctx, r.config.DiscoveryTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrDiscoveryTimeout, r.config.DiscoveryTimeout)
		}
		return ctx.Err()
	}
}

// Run discovers and executes the catalog. A discovery error is returned with
// a nil result. Execution errors (stall, run timeout, cancellation) are
// returned together with the partial result.
func (r *Runner) Run(ctx context.Context, catalog *descriptor.Catalog) (*RunResult, error) {
	start := time.Now()
	runID := uuid.NewString()
	logger := logging.WithRun(r.logger, runID)

	bus := events.NewBus(r.receivers...)
	bus.SetRunID(runID)
	if r.recorder != nil {
		bus.Subscribe(r.recorder)
		r.recorder.Start()
	}

	var (
		disc *Discovery
		pipe *pipeline.Pipeline
	)
	err := r.withDiscoveryTimeout(ctx, func() error {
		var err error
		disc, err = r.discover(catalog)
		if err != nil {
			return err
		}
		orch := hooks.NewOrchestrator(catalog,
			hooks.WithBus(bus),
			hooks.WithHookTimeout(r.config.HookTimeout),
			hooks.WithLogger(logger),
		)
		opts := []pipeline.Option{
			pipeline.WithDefaultTimeout(r.config.DefaultTestTimeout),
			pipeline.WithLogger(logger),
			pipeline.WithConstructor(r.constructor),
		}
		if r.hardStop != nil {
			opts = append(opts, pipeline.WithHardStop(r.hardStop))
		}
		pipe = pipeline.New(orch, bus, opts...)
		return pipe.Prepare(disc.Instances)
	})
	if err != nil {
		logger.Warn("discovery failed", "error", err)
		return nil, err
	}

	for _, inst := range disc.Instances {
		for _, err := range bus.Publish(ctx, events.Event{Kind: events.TestRegistered, Instance: inst}) {
			inst.AddStanding(failure.SourceEventReceiver, string(events.TestRegistered), err)
		}
	}

	runCtx := ctx
	if r.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.config.RunTimeout)
		defer cancel()
	}

	logger.Info("run started", "instances", len(disc.Instances), "max_parallel", r.config.MaxParallel)
	bus.Publish(runCtx, events.Event{Kind: events.RunStart})

	sched := scheduler.New(
		scheduler.WithMaxParallel(r.config.MaxParallel),
		scheduler.WithStallTimeout(r.config.StallTimeout),
		scheduler.WithAdmissionRate(r.config.AdmissionRate),
		scheduler.WithRetryDelay(r.config.RetryDelay),
		scheduler.WithFailFast(r.config.FailFast),
		scheduler.WithBus(bus),
		scheduler.WithLogger(logger),
	)
	run := sched.Start(runCtx, disc.Graph, pipe)

	order := make(map[string]int, len(disc.Instances))
	for i, inst := range disc.Instances {
		order[inst.ID] = i
	}

	result := &RunResult{RunID: runID, StartedAt: start}
	for inst := range run.Completed() {
		res := newTestResult(inst, catalog.AssemblyOf(inst.Descriptor))
		result.Results = append(result.Results, res)
		if r.recorder != nil {
			r.recorder.Record(res.Class, res.Duration, res.State, res.TimedOut())
		}
	}
	summary, runErr := run.Wait()

	sort.SliceStable(result.Results, func(i, j int) bool {
		return order[result.Results[i].ID] < order[result.Results[j].ID]
	})
	result.Passed = summary.Passed
	result.Failed = summary.Failed
	result.Skipped = summary.Skipped
	result.Cancelled = summary.Cancelled
	result.Retries = summary.Retries
	result.MaxConcurrency = summary.MaxConcurrency
	result.Duration = time.Since(start)

	bus.Publish(context.WithoutCancel(ctx), events.Event{Kind: events.RunEnd, Err: runErr})
	if r.recorder != nil {
		r.recorder.Stop()
		result.Metrics = r.recorder.GetSummary()
	}

	logger.Info("run finished",
		"passed", result.Passed,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"cancelled", result.Cancelled,
		"duration", result.Duration,
	)

	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil {
			return result, fmt.Errorf("run timed out after %s: %w", r.config.RunTimeout, runErr)
		}
		return result, runErr
	}
	return result, nil
}

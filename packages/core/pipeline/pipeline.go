// Package pipeline runs a single test instance: construct, enter scopes,
// before hooks, body under timeout, after hooks, dispose. Every failure is
// recorded on the instance's aggregate; nothing is rethrown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
	"github.com/abdul-hamid-achik/kestrel/packages/core/events"
	"github.com/abdul-hamid-achik/kestrel/packages/core/failure"
	"github.com/abdul-hamid-achik/kestrel/packages/core/hooks"
	"github.com/abdul-hamid-achik/kestrel/packages/core/scheduler"
)

// Constructor builds the test subject handed to the body.
type Constructor interface {
	Construct(ctx context.Context, inst *descriptor.Instance) (any, error)
}

// ConstructorFunc adapts a function to Constructor.
type ConstructorFunc func(ctx context.Context, inst *descriptor.Instance) (any, error)

func (f ConstructorFunc) Construct(ctx context.Context, inst *descriptor.Instance) (any, error) {
	return f(ctx, inst)
}

// Disposer is implemented by subjects that hold resources.
type Disposer interface {
	Dispose(ctx context.Context) error
}

type noConstructor struct{}

func (noConstructor) Construct(context.Context, *descriptor.Instance) (any, error) {
	return nil, nil
}

// ErrNoPlan is returned for instances that were not passed to Prepare.
var ErrNoPlan = errors.New("pipeline: instance has no hook plan")

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConstructor sets the subject constructor.
func WithConstructor(c Constructor) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.constructor = c
		}
	}
}

// WithDefaultTimeout bounds bodies whose descriptor declares no timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.defaultTimeout = d }
}

// WithHardStop makes cleanup honour cancellation once ch is closed. Until
// then after hooks run even when the run context is cancelled.
func WithHardStop(ch <-chan struct{}) Option {
	return func(p *Pipeline) { p.hardStop = ch }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// Pipeline executes instances. It implements scheduler.Executor.
type Pipeline struct {
	orch           *hooks.Orchestrator
	bus            *events.Bus
	constructor    Constructor
	defaultTimeout time.Duration
	hardStop       <-chan struct{}
	logger         *slog.Logger

	mu    sync.RWMutex
	plans map[string]*hooks.Plan
}

var (
	_ scheduler.Executor = (*Pipeline)(nil)
	_ scheduler.Gate     = (*Pipeline)(nil)
)

// New returns a pipeline driving orch's hook plans.
func New(orch *hooks.Orchestrator, bus *events.Bus, opts ...Option) *Pipeline {
	p := &Pipeline{
		orch:        orch,
		bus:         bus,
		constructor: noConstructor{},
		logger:      slog.New(slog.DiscardHandler),
		plans:       make(map[string]*hooks.Plan),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Prepare builds the hook plan of every instance and registers it with its
// scopes. It must be called once, with every instance of the run, before
// the first Execute.
func (p *Pipeline) Prepare(instances []*descriptor.Instance) error {
	plans := make(map[string]*hooks.Plan, len(instances))
	for _, inst := range instances {
		plan, err := p.orch.BuildPlan(inst)
		if err != nil {
			return fmt.Errorf("planning %s: %w", inst.ID, err)
		}
		plans[inst.ID] = plan
	}
	for _, plan := range plans {
		p.orch.Admit(plan)
	}
	p.mu.Lock()
	for id, plan := range plans {
		p.plans[id] = plan
	}
	p.mu.Unlock()
	return nil
}

// Plan returns the prepared plan of an instance.
func (p *Pipeline) Plan(id string) (*hooks.Plan, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	plan, ok := p.plans[id]
	return plan, ok
}

// Reserve holds back an instance while another instance is still running
// before hooks of a scope it belongs to.
func (p *Pipeline) Reserve(inst *descriptor.Instance) bool {
	plan, ok := p.Plan(inst.ID)
	if !ok {
		return true
	}
	return p.orch.Reserve(plan)
}

// Release drops the scope reservations of an instance whose attempt ended.
func (p *Pipeline) Release(inst *descriptor.Instance) {
	if plan, ok := p.Plan(inst.ID); ok {
		p.orch.Release(plan)
	}
}

// Changed signals that a scope opened and held-back instances may start.
func (p *Pipeline) Changed() <-chan struct{} {
	return p.orch.Changed()
}

// Execute runs one attempt of inst.
func (p *Pipeline) Execute(ctx context.Context, inst *descriptor.Instance) scheduler.Attempt {
	d := inst.Descriptor
	p.publish(ctx, inst, events.Event{Kind: events.TestStart, Instance: inst, Attempt: inst.Attempt()})

	plan, ok := p.Plan(inst.ID)
	if !ok {
		inst.Failures.Add(failure.SourceConstruction, "plan", fmt.Errorf("%w: %s", ErrNoPlan, inst.ID))
		return scheduler.Attempt{Err: inst.Failures.Err()}
	}

	subject, err := p.constructor.Construct(ctx, inst)
	if err != nil {
		p.logger.Warn("construction failed", "test", inst.ID, "error", err)
		inst.Failures.Add(failure.SourceConstruction, d.ClassName, &failure.ConstructionError{TestID: inst.ID, Err: err})
		return scheduler.Attempt{Err: inst.Failures.Err()}
	}

	entered := p.orch.Enter(ctx, plan)
	inst.Failures.Append(entered...)
	proceed := !hasSource(entered, failure.SourceHook) && !hasSource(entered, failure.SourceCancellation)

	if proceed {
		before := p.orch.Before(ctx, plan)
		inst.Failures.Append(before...)
		proceed = len(before) == 0
	}

	if proceed {
		p.runBody(ctx, inst, subject)
	}

	cleanup, cancel := p.cleanupContext(ctx)
	defer cancel()
	inst.Failures.Append(p.orch.After(cleanup, plan)...)

	if disposer, ok := subject.(Disposer); ok {
		if err := disposer.Dispose(cleanup); err != nil {
			inst.Failures.Add(failure.SourceHook, "dispose", err)
		}
	}

	// Standing failures alone do not make another attempt worthwhile.
	retryable := inst.Failures.Len() > inst.Standing()
	return scheduler.Attempt{Err: inst.Failures.Err(), Retryable: retryable}
}

func (p *Pipeline) runBody(ctx context.Context, inst *descriptor.Instance, subject any) {
	d := inst.Descriptor
	timeout := d.Timeout
	if timeout == 0 {
		timeout = p.defaultTimeout
	}
	tc := &descriptor.TestContext{Instance: inst, Subject: subject}
	err := failure.Guard(ctx, timeout, func(ctx context.Context) error {
		return d.Body(ctx, tc)
	})
	if err == nil {
		return
	}

	src := failure.SourceTest
	switch {
	case failure.IsTimeout(err):
		src = failure.SourceTimeout
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		src = failure.SourceCancellation
	}
	p.logger.Debug("body failed", "test", inst.ID, "source", src.String(), "error", err)
	inst.Failures.Add(src, d.MethodName, err)
}

// Finalize leaves the instance's scopes, which may run after-scope hooks,
// and publishes TestEnd for instances that executed.
func (p *Pipeline) Finalize(ctx context.Context, inst *descriptor.Instance) {
	if plan, ok := p.Plan(inst.ID); ok {
		cleanup, cancel := p.cleanupContext(ctx)
		inst.Failures.Append(p.orch.Leave(cleanup, plan)...)
		cancel()
	}
	if inst.State() != descriptor.StateRunning {
		return
	}
	state := descriptor.StatePassed
	if !inst.Failures.Empty() {
		state = descriptor.StateFailed
	}
	p.publish(ctx, inst, events.Event{
		Kind:     events.TestEnd,
		Instance: inst,
		Attempt:  inst.Attempt(),
		State:    state,
		Err:      inst.Failures.Err(),
	})
}

// cleanupContext keeps after hooks running through a soft cancellation. The
// returned context is cancelled once the hard stop closes.
func (p *Pipeline) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.hardStop == nil {
		return context.WithoutCancel(ctx), func() {}
	}
	select {
	case <-p.hardStop:
		return ctx, func() {}
	default:
	}
	cleanup, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		select {
		case <-p.hardStop:
			cancel()
		case <-cleanup.Done():
		}
	}()
	return cleanup, cancel
}

func (p *Pipeline) publish(ctx context.Context, inst *descriptor.Instance, ev events.Event) {
	for _, err := range p.bus.Publish(ctx, ev) {
		inst.Failures.Add(failure.SourceEventReceiver, string(ev.Kind), err)
	}
}

func hasSource(fs []failure.Failure, src failure.Source) bool {
	for _, f := range fs {
		if f.Source == src {
			return true
		}
	}
	return false
}

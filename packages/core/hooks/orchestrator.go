package hooks

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
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBus publishes first/last-in-scope events on bus.
func WithBus(bus *events.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithHookTimeout bounds each individual hook call. Zero means no limit.
func WithHookTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.hookTimeout = d }
}

// WithLogger sets the logger used for hook tracing.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// Orchestrator builds hook plans and runs them.
type Orchestrator struct {
	catalog     *descriptor.Catalog
	bus         *events.Bus
	hookTimeout time.Duration
	logger      *slog.Logger
	tracker     *ScopeTracker

	mu         sync.Mutex
	chains     map[string]*chainPlan
	assemblies map[string]*ScopeHooks
	session    *ScopeHooks
}

// NewOrchestrator returns an orchestrator for the hooks and types in catalog.
func NewOrchestrator(catalog *descriptor.Catalog, opts ...Option) *Orchestrator {
	if catalog == nil {
		catalog = descriptor.NewCatalog()
	}
	o := &Orchestrator{
		catalog:    catalog,
		logger:     slog.New(slog.DiscardHandler),
		tracker:    NewScopeTracker(),
		chains:     make(map[string]*chainPlan),
		assemblies: make(map[string]*ScopeHooks),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Tracker returns the scope tracker shared by every plan of this orchestrator.
func (o *Orchestrator) Tracker() *ScopeTracker {
	return o.tracker
}

// BuildPlan computes the hook plan for inst. Plans of instances whose
// classes share a type chain reuse the same ordered hook lists.
func (o *Orchestrator) BuildPlan(inst *descriptor.Instance) (*Plan, error) {
	d := inst.Descriptor
	chain, err := o.catalog.Chain(d.ClassName)
	if err != nil {
		return nil, err
	}
	assembly := o.catalog.AssemblyOf(d)

	o.mu.Lock()
	cp, ok := o.chains[chainKey(chain)]
	if !ok {
		cp = compileChain(chain, o.catalog.Hooks)
		o.chains[chainKey(chain)] = cp
	}
	asm, ok := o.assemblies[assembly]
	if !ok {
		asm = compileScope(descriptor.ScopeAssembly, assembly, o.catalog.Hooks)
		o.assemblies[assembly] = asm
	}
	if o.session == nil {
		o.session = compileScope(descriptor.ScopeSession, SessionKey, o.catalog.Hooks)
	}
	session := o.session
	o.mu.Unlock()

	plan := &Plan{
		Instance: inst,
		Chain:    cp.chain,
		Before:   cp.before,
		After:    cp.after,
		Class:    cp.class,
		Assembly: asm,
		Session:  session,
	}

	// Hooks bound to the descriptor itself are innermost.
	if len(d.Hooks) > 0 {
		own := append([]descriptor.Hook(nil), d.Hooks...)
		sortByOrder(own)
		depth := len(chain)
		before := append([]BoundHook(nil), cp.before...)
		var after []BoundHook
		for _, h := range own {
			if h.Direction == descriptor.Before {
				before = append(before, BoundHook{Hook: h, Depth: depth})
			} else {
				after = append(after, BoundHook{Hook: h, Depth: depth})
			}
		}
		plan.Before = before
		plan.After = append(after, cp.after...)
	}
	return plan, nil
}

// Admit registers the plan's instance as a member of its class, assembly
// and session scopes. Every admitted plan must be passed to Leave once.
func (o *Orchestrator) Admit(plan *Plan) {
	for _, sh := range plan.Scopes() {
		o.tracker.Register(sh.Scope, sh.Key)
	}
}

// Reserve reports whether the plan's instance can enter its scopes without
// waiting on another instance's first-in-scope hooks, and if so reserves the
// scopes it would run those hooks for. Scopes without before hooks are never
// reserved. Reserve and Release must be called from a single goroutine.
func (o *Orchestrator) Reserve(plan *Plan) bool {
	holder := plan.Instance.ID
	for _, sh := range plan.Scopes() {
		if len(sh.Before) > 0 && !o.tracker.Reservable(sh.Scope, sh.Key, holder) {
			return false
		}
	}
	for _, sh := range plan.Scopes() {
		if len(sh.Before) > 0 {
			o.tracker.Reserve(sh.Scope, sh.Key, holder)
		}
	}
	return true
}

// Release drops the reservations Reserve made for the plan's instance.
func (o *Orchestrator) Release(plan *Plan) {
	for _, sh := range plan.Scopes() {
		o.tracker.Unreserve(sh.Scope, sh.Key, plan.Instance.ID)
	}
}

// Changed receives a value after a scope's first-in-scope work finished, so
// instances Reserve turned away may be reconsidered.
func (o *Orchestrator) Changed() <-chan struct{} {
	return o.tracker.Changed()
}

// Enter runs the first-in-scope work for session, assembly and class, in
// that order. The instance that wins a scope's claim publishes the
// first-in-scope event and runs the scope's before hooks; everyone else
// waits for it. A failed scope is reported to every member as a hook
// failure and inner scopes are not entered.
func (o *Orchestrator) Enter(ctx context.Context, plan *Plan) []failure.Failure {
	var out []failure.Failure
	for _, sh := range plan.Scopes() {
		var own []failure.Failure
		err := o.tracker.Enter(ctx, sh.Scope, sh.Key, func() error {
			own = o.publish(ctx, events.FirstKind(sh.Scope), plan.Instance, sh.Key)
			hc := descriptor.HookContext{Scope: sh.Scope, Key: sh.Key, Instance: plan.Instance}
			if fails := o.RunHooks(ctx, sh.Before, hc); len(fails) > 0 {
				return &failure.AggregateError{Failures: fails}
			}
			return nil
		})
		out = append(out, own...)
		if err != nil {
			src := failure.SourceHook
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				src = failure.SourceCancellation
			}
			out = append(out, failure.Failure{
				Source: src,
				Name:   fmt.Sprintf("before %s %s", sh.Scope, sh.Key),
				Err:    err,
			})
			return out
		}
	}
	return out
}

// Before runs the test-scoped before hooks, base type first. Every hook
// runs even after one fails; the caller skips the body on any failure.
func (o *Orchestrator) Before(ctx context.Context, plan *Plan) []failure.Failure {
	hc := descriptor.HookContext{Scope: descriptor.ScopeTest, Key: plan.Instance.ID, Instance: plan.Instance}
	return o.RunHooks(ctx, plan.Before, hc)
}

// After runs every test-scoped after hook, most-derived type first, and
// collects all of their failures.
func (o *Orchestrator) After(ctx context.Context, plan *Plan) []failure.Failure {
	hc := descriptor.HookContext{Scope: descriptor.ScopeTest, Key: plan.Instance.ID, Instance: plan.Instance}
	return o.RunHooks(ctx, plan.After, hc)
}

// Leave releases the instance from class, assembly and session, in that
// order. The last member of an entered scope runs its after hooks and
// publishes the last-in-scope event; those failures belong to that member.
func (o *Orchestrator) Leave(ctx context.Context, plan *Plan) []failure.Failure {
	var out []failure.Failure
	scopes := plan.Scopes()
	for i := len(scopes) - 1; i >= 0; i-- {
		sh := scopes[i]
		o.tracker.Leave(sh.Scope, sh.Key, func() {
			hc := descriptor.HookContext{Scope: sh.Scope, Key: sh.Key, Instance: plan.Instance}
			out = append(out, o.RunHooks(ctx, sh.After, hc)...)
			out = append(out, o.publish(ctx, events.LastKind(sh.Scope), plan.Instance, sh.Key)...)
		})
	}
	return out
}

// RunHooks calls every hook in order, each under the hook timeout and panic
// guard, and collects their failures.
func (o *Orchestrator) RunHooks(ctx context.Context, hooks []BoundHook, hc descriptor.HookContext) []failure.Failure {
	var out []failure.Failure
	for _, bh := range hooks {
		h := bh.Hook
		o.logger.Debug("running hook",
			"hook", h.Label(),
			"scope", hc.Scope.String(),
			"direction", h.Direction.String(),
			"key", hc.Key,
		)
		err := failure.Guard(ctx, o.hookTimeout, func(ctx context.Context) error {
			return h.Fn(ctx, hc)
		})
		if err == nil {
			continue
		}
		o.logger.Warn("hook failed", "hook", h.Label(), "key", hc.Key, "error", err)
		out = append(out, failure.Failure{Source: failure.SourceHook, Name: h.Label(), Err: err})
	}
	return out
}

func (o *Orchestrator) publish(ctx context.Context, kind events.Kind, inst *descriptor.Instance, key string) []failure.Failure {
	errs := o.bus.Publish(ctx, events.Event{Kind: kind, Instance: inst, Key: key})
	out := make([]failure.Failure, 0, len(errs))
	for _, err := range errs {
		out = append(out, failure.Failure{Source: failure.SourceEventReceiver, Name: string(kind), Err: err})
	}
	return out
}

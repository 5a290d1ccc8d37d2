package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
	"github.com/abdul-hamid-achik/kestrel/packages/core/events"
	"github.com/abdul-hamid-achik/kestrel/packages/core/failure"
	"github.com/abdul-hamid-achik/kestrel/packages/core/graph"
)

type msgKind int

const (
	msgFinished msgKind = iota
	msgRetry
	msgRequeue
	msgFinalized
)

type message struct {
	kind    msgKind
	node    *graph.Node
	attempt Attempt
}

type coordinator struct {
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	opts   options
	g      Graph
	exec   Executor
	gate   Gate
	run    *Run

	limiter   *rate.Limiter
	wake      <-chan time.Time
	wakeTimer *time.Timer

	order   []*graph.Node
	live    map[string]*graph.Node
	ready   []*graph.Node
	keys    map[string]string
	groups  map[string]int
	outcome map[string]descriptor.State

	running  int
	settling int
	delayed  int

	msgs    chan message
	wg      sync.WaitGroup
	summary Summary
	err     error
}

func newCoordinator(parent, ctx context.Context, cancel context.CancelFunc, opts options, g Graph, nodes []*graph.Node, exec Executor, run *Run) *coordinator {
	c := &coordinator{
		parent:  parent,
		ctx:     ctx,
		cancel:  cancel,
		opts:    opts,
		g:       g,
		exec:    exec,
		run:     run,
		order:   nodes,
		live:    make(map[string]*graph.Node, len(nodes)),
		keys:    make(map[string]string),
		groups:  make(map[string]int),
		outcome: make(map[string]descriptor.State, len(nodes)),
		msgs:    make(chan message, len(nodes)),
		summary: Summary{Total: len(nodes)},
	}
	if gate, ok := exec.(Gate); ok {
		c.gate = gate
	}
	if opts.admissionRate != rate.Inf {
		c.limiter = rate.NewLimiter(opts.admissionRate, 1)
	}
	for _, n := range nodes {
		c.live[n.ID()] = n
	}
	return c
}

func (c *coordinator) loop() {
	defer close(c.run.done)
	defer close(c.run.completed)
	defer c.cancel()

	for _, n := range c.order {
		if n.Instance.State().Terminal() {
			continue
		}
		if n.Remaining() == 0 {
			c.becomeReady(n)
		} else {
			c.transition(n, descriptor.StateBlocked)
		}
	}

	ctxDone := c.ctx.Done()
	var changed <-chan struct{}
	if c.gate != nil {
		changed = c.gate.Changed()
	}
	for len(c.live) > 0 {
		c.dispatch()

		var stall <-chan time.Time
		var stallTimer *time.Timer
		if c.idle() {
			stallTimer = time.NewTimer(c.opts.stallTimeout)
			stall = stallTimer.C
		}

		select {
		case m := <-c.msgs:
			c.handle(m)
		case <-ctxDone:
			ctxDone = nil
			c.cancelPending("run cancelled")
		case <-c.wake:
			c.wake = nil
		case <-changed:
		case <-stall:
			c.stalled()
		}
		if stallTimer != nil {
			stallTimer.Stop()
		}
	}

	c.wg.Wait()
	if c.wakeTimer != nil {
		c.wakeTimer.Stop()
	}
	if c.err == nil {
		c.err = c.parent.Err()
	}

	c.run.mu.Lock()
	c.run.summary = c.summary
	c.run.err = c.err
	c.run.mu.Unlock()
}

// idle reports whether no message can arrive except through cancellation.
func (c *coordinator) idle() bool {
	return c.running == 0 && c.settling == 0 && c.delayed == 0 && c.wake == nil
}

func (c *coordinator) dispatch() {
	if c.ctx.Err() != nil {
		return
	}
	for i := 0; i < len(c.ready) && c.running < c.opts.maxParallel; {
		n := c.ready[i]
		if !c.admissible(n.Instance.Descriptor) {
			i++
			continue
		}
		if c.gate != nil && !c.gate.Reserve(n.Instance) {
			i++
			continue
		}
		if !c.allow() {
			if c.gate != nil {
				c.gate.Release(n.Instance)
			}
			return
		}
		c.ready = append(c.ready[:i], c.ready[i+1:]...)
		c.start(n)
	}
}

func (c *coordinator) admissible(d *descriptor.TestDescriptor) bool {
	for _, k := range d.NotInParallel {
		if _, held := c.keys[k]; held {
			return false
		}
	}
	if d.ParallelGroup != "" && d.ParallelLimit > 0 && c.groups[d.ParallelGroup] >= d.ParallelLimit {
		return false
	}
	return true
}

// allow consumes an admission token, or arms the wake timer and reports false.
func (c *coordinator) allow() bool {
	if c.limiter == nil {
		return true
	}
	r := c.limiter.Reserve()
	delay := r.Delay()
	if delay == 0 {
		return true
	}
	r.Cancel()
	if c.wake == nil {
		c.wakeTimer = time.NewTimer(delay)
		c.wake = c.wakeTimer.C
	}
	return false
}

func (c *coordinator) start(n *graph.Node) {
	d := n.Instance.Descriptor
	for _, k := range d.NotInParallel {
		c.keys[k] = n.ID()
	}
	if d.ParallelGroup != "" {
		c.groups[d.ParallelGroup]++
	}
	c.transition(n, descriptor.StateRunning)
	c.running++
	if c.running > c.summary.MaxConcurrency {
		c.summary.MaxConcurrency = c.running
	}
	c.opts.logger.Debug("admitted", "test", n.ID(), "attempt", n.Instance.Attempt(), "running", c.running)

	c.wg.Add(1)
	go c.work(n)
}

func (c *coordinator) work(n *graph.Node) {
	defer c.wg.Done()
	inst := n.Instance
	att := c.exec.Execute(c.ctx, inst)
	if att.Failed() && att.Retryable && inst.Attempt() < inst.Descriptor.RetryLimit && c.ctx.Err() == nil {
		c.msgs <- message{kind: msgRetry, node: n, attempt: att}
		return
	}
	c.exec.Finalize(c.ctx, inst)
	c.msgs <- message{kind: msgFinished, node: n, attempt: att}
}

func (c *coordinator) free(n *graph.Node) {
	d := n.Instance.Descriptor
	for _, k := range d.NotInParallel {
		if c.keys[k] == n.ID() {
			delete(c.keys, k)
		}
	}
	if d.ParallelGroup != "" {
		c.groups[d.ParallelGroup]--
	}
	if c.gate != nil {
		c.gate.Release(n.Instance)
	}
	c.running--
}

func (c *coordinator) handle(m message) {
	n := m.node
	inst := n.Instance
	switch m.kind {
	case msgFinished:
		c.free(n)
		state := outcomeOf(inst)
		c.transition(n, state)
		c.outcome[n.ID()] = state
		if state == descriptor.StateFailed {
			c.opts.logger.Info("test failed", "test", n.ID(), "attempt", inst.Attempt())
			if c.opts.failFast {
				c.opts.logger.Info("fail fast: cancelling run", "test", n.ID())
				c.cancel()
			}
		}
		c.complete(n)
		c.propagate(n, state)

	case msgRetry:
		c.free(n)
		c.transition(n, descriptor.StatePending)
		attempt := inst.PrepareRetry()
		c.summary.Retries++
		c.opts.logger.Info("retrying", "test", n.ID(), "attempt", attempt, "error", m.attempt.Err)
		for _, err := range c.opts.bus.Publish(c.ctx, events.Event{
			Kind:     events.TestRetry,
			Instance: inst,
			Attempt:  attempt,
			State:    descriptor.StatePending,
			Err:      m.attempt.Err,
		}) {
			inst.AddStanding(failure.SourceEventReceiver, string(events.TestRetry), err)
		}
		if c.opts.retryDelay > 0 {
			c.delayed++
			time.AfterFunc(c.opts.retryDelay, func() {
				c.msgs <- message{kind: msgRequeue, node: n}
			})
			return
		}
		c.becomeReady(n)

	case msgRequeue:
		c.delayed--
		c.becomeReady(n)

	case msgFinalized:
		c.settling--
		c.complete(n)
	}
}

func (c *coordinator) becomeReady(n *graph.Node) {
	if c.ctx.Err() != nil {
		c.settle(n, descriptor.StateCancelled, "run cancelled")
		return
	}
	if reason := n.Instance.Descriptor.Skip; reason != "" {
		c.settle(n, descriptor.StateSkipped, reason)
		return
	}
	c.transition(n, descriptor.StateReady)
	c.ready = append(c.ready, n)
}

// settle moves an instance that will not execute (again) to a terminal
// state, finalizes it in the background and releases its dependents.
func (c *coordinator) settle(n *graph.Node, state descriptor.State, reason string) {
	inst := n.Instance
	inst.SetSkipReason(reason)
	c.transition(n, state)
	c.outcome[n.ID()] = state
	c.opts.logger.Debug("settled without running", "test", n.ID(), "state", state, "reason", reason)

	for _, err := range c.opts.bus.Publish(c.ctx, events.Event{
		Kind:     events.TestSkipped,
		Instance: inst,
		State:    state,
	}) {
		inst.Failures.Add(failure.SourceEventReceiver, string(events.TestSkipped), err)
	}

	c.settling++
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.exec.Finalize(c.ctx, inst)
		c.msgs <- message{kind: msgFinalized, node: n}
	}()

	c.propagate(n, state)
}

// propagate releases the dependents of a terminal instance. Dependents that
// cannot proceed past a failed, skipped or cancelled target are settled.
func (c *coordinator) propagate(n *graph.Node, state descriptor.State) {
	for _, u := range c.g.Release(n.ID()) {
		dep := u.Node
		if _, ok := c.live[dep.ID()]; !ok || dep.Instance.State().Terminal() {
			continue
		}
		if state != descriptor.StatePassed && !u.Edge.ProceedOnFailure {
			reason := fmt.Sprintf("dependency %s %s", n.ID(), state)
			dep.Instance.Failures.Add(failure.SourceDependency, n.ID(), fmt.Errorf("scheduler: %s", reason))
			next := descriptor.StateSkipped
			if c.ctx.Err() != nil {
				next = descriptor.StateCancelled
			}
			c.settle(dep, next, reason)
			continue
		}
		if u.Ready {
			c.becomeReady(dep)
		}
	}
}

func (c *coordinator) cancelPending(reason string) {
	queued := c.ready
	c.ready = nil
	for _, n := range queued {
		c.settle(n, descriptor.StateCancelled, reason)
	}
	for _, n := range c.order {
		if _, ok := c.live[n.ID()]; !ok {
			continue
		}
		if n.Instance.State() == descriptor.StateBlocked {
			c.settle(n, descriptor.StateCancelled, reason)
		}
	}
}

func (c *coordinator) stalled() {
	stuck := make(map[string]*graph.Node)
	for id, n := range c.live {
		if !n.Instance.State().Terminal() {
			stuck[id] = n
		}
	}
	c.err = &StallError{Stuck: sortedIDs(stuck)}
	c.opts.logger.Error("scheduler stalled", "stuck", len(stuck), "timeout", c.opts.stallTimeout)
	c.cancel()
	for _, n := range c.order {
		if _, ok := stuck[n.ID()]; ok && !n.Instance.State().Terminal() {
			n.Instance.Failures.Add(failure.SourceCancellation, "stall", c.err)
		}
	}
	c.cancelPending("scheduler stalled")
}

func (c *coordinator) complete(n *graph.Node) {
	delete(c.live, n.ID())
	switch n.Instance.State() {
	case descriptor.StatePassed:
		c.summary.Passed++
	case descriptor.StateFailed:
		c.summary.Failed++
	case descriptor.StateSkipped:
		c.summary.Skipped++
	case descriptor.StateCancelled:
		c.summary.Cancelled++
	}
	c.run.completed <- n.Instance
}

func (c *coordinator) transition(n *graph.Node, state descriptor.State) {
	if err := n.Instance.Transition(state); err != nil {
		c.opts.logger.Error("invalid transition", "test", n.ID(), "to", state, "error", err)
	}
}

// outcomeOf maps the instance's failures to its terminal state. An instance
// whose only failures are cancellations is Cancelled, not Failed.
func outcomeOf(inst *descriptor.Instance) descriptor.State {
	fails := inst.Failures.Failures()
	if len(fails) == 0 {
		return descriptor.StatePassed
	}
	for _, f := range fails {
		if f.Source != failure.SourceCancellation {
			return descriptor.StateFailed
		}
	}
	return descriptor.StateCancelled
}

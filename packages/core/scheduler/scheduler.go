// Package scheduler admits ready test instances under the concurrency
// constraints they declare and drives them to a terminal state.
//
// One coordinator goroutine owns the ready queue, the NotInParallel key
// table and the parallel-group counters. Workers report back over a channel;
// nothing else touches coordinator state. Dependency countdowns live in the
// graph as atomics.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
	"github.com/abdul-hamid-achik/kestrel/packages/core/graph"
)

// Attempt is the result of one execution of an instance.
type Attempt struct {
	// Err is the aggregate failure of the attempt, nil when it passed.
	Err error
	// Retryable reports whether the failure may be retried at all.
	Retryable bool
}

// Failed reports whether the attempt did not pass.
func (a Attempt) Failed() bool {
	return a.Err != nil
}

// Executor runs instances. Execute is called once per attempt. Finalize is
// called exactly once per instance after its last attempt, and also for
// instances that never ran (skipped or cancelled). Failures Finalize records
// on the instance count toward its outcome.
type Executor interface {
	Execute(ctx context.Context, inst *descriptor.Instance) Attempt
	Finalize(ctx context.Context, inst *descriptor.Instance)
}

// Gate is implemented by executors whose instances may have to wait on one
// another once started. The coordinator asks Reserve before admitting an
// instance and holds it back on false, so it never occupies a slot while
// waiting. Release is called after every attempt. Changed signals that held
// back instances should be reconsidered. Reserve and Release are only called
// from the coordinator goroutine.
type Gate interface {
	Reserve(inst *descriptor.Instance) bool
	Release(inst *descriptor.Instance)
	Changed() <-chan struct{}
}

// Graph is the view of the dependency graph the scheduler needs.
type Graph interface {
	Nodes() []*graph.Node
	Release(id string) []graph.Unblocked
}

// StallError is returned when instances remain but none can make progress.
type StallError struct {
	Stuck []string
}

func (e *StallError) Error() string {
	return fmt.Sprintf("scheduler: stalled with %d instance(s) unable to start: %s", len(e.Stuck), strings.Join(e.Stuck, ", "))
}

// Summary counts terminal outcomes of a run.
type Summary struct {
	Total          int
	Passed         int
	Failed         int
	Skipped        int
	Cancelled      int
	Retries        int
	MaxConcurrency int
}

// Scheduler runs dependency graphs.
type Scheduler struct {
	opts options
}

// New returns a scheduler.
func New(opts ...Option) *Scheduler {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Scheduler{opts: o}
}

// Run is one in-flight execution of a graph.
type Run struct {
	completed chan *descriptor.Instance
	done      chan struct{}
	cancel    context.CancelFunc

	mu      sync.Mutex
	summary Summary
	err     error
}

// Completed streams every instance once it reaches a terminal state. The
// channel is closed when the run ends.
func (r *Run) Completed() <-chan *descriptor.Instance {
	return r.completed
}

// Done is closed when the run has ended.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Cancel stops admitting new instances. In-flight instances observe a
// cancelled context.
func (r *Run) Cancel() {
	r.cancel()
}

// Wait blocks until the run ends. The error is a *StallError, the parent
// context's error, or nil.
func (r *Run) Wait() (Summary, error) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary, r.err
}

// Start begins executing g and returns immediately.
func (s *Scheduler) Start(ctx context.Context, g Graph, exec Executor) *Run {
	nodes := g.Nodes()
	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		completed: make(chan *descriptor.Instance, len(nodes)),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	c := newCoordinator(ctx, runCtx, cancel, s.opts, g, nodes, exec, run)
	go c.loop()
	return run
}

func sortedIDs(nodes map[string]*graph.Node) []string {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

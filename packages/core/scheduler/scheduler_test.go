package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
	"github.com/abdul-hamid-achik/kestrel/packages/core/events"
	"github.com/abdul-hamid-achik/kestrel/packages/core/failure"
	"github.com/abdul-hamid-achik/kestrel/packages/core/graph"
)

// fakeExec records calls and tracks concurrency per NotInParallel key and
// parallel group.
type fakeExec struct {
	body func(ctx context.Context, inst *descriptor.Instance) error

	mu        sync.Mutex
	calls     map[string]int
	finalized map[string]int
	order     []string
	active    map[string]int
	peak      map[string]int
}

func newFakeExec(body func(ctx context.Context, inst *descriptor.Instance) error) *fakeExec {
	if body == nil {
		body = func(context.Context, *descriptor.Instance) error { return nil }
	}
	return &fakeExec{
		body:      body,
		calls:     make(map[string]int),
		finalized: make(map[string]int),
		active:    make(map[string]int),
		peak:      make(map[string]int),
	}
}

func (f *fakeExec) slots(inst *descriptor.Instance) []string {
	d := inst.Descriptor
	out := append([]string{"*"}, d.NotInParallel...)
	if d.ParallelGroup != "" {
		out = append(out, "group:"+d.ParallelGroup)
	}
	return out
}

func (f *fakeExec) Execute(ctx context.Context, inst *descriptor.Instance) Attempt {
	f.mu.Lock()
	f.calls[inst.ID]++
	f.order = append(f.order, inst.ID)
	for _, s := range f.slots(inst) {
		f.active[s]++
		if f.active[s] > f.peak[s] {
			f.peak[s] = f.active[s]
		}
	}
	f.mu.Unlock()

	err := f.body(ctx, inst)

	f.mu.Lock()
	for _, s := range f.slots(inst) {
		f.active[s]--
	}
	f.mu.Unlock()

	if err != nil {
		src := failure.SourceTest
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			src = failure.SourceCancellation
		}
		inst.Failures.Add(src, inst.ID, err)
	}
	return Attempt{Err: inst.Failures.Err(), Retryable: true}
}

func (f *fakeExec) Finalize(_ context.Context, inst *descriptor.Instance) {
	f.mu.Lock()
	f.finalized[inst.ID]++
	f.mu.Unlock()
}

func (f *fakeExec) callsOf(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeExec) peakOf(slot string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak[slot]
}

func desc(id string, deps ...string) *descriptor.TestDescriptor {
	d := &descriptor.TestDescriptor{
		ID:         id,
		ClassName:  "Suite",
		MethodName: id,
		Body:       func(context.Context, *descriptor.TestContext) error { return nil },
	}
	for _, dep := range deps {
		d.Dependencies = append(d.Dependencies, descriptor.DependencyRef{TestID: dep})
	}
	return d
}

func buildGraph(t *testing.T, descs ...*descriptor.TestDescriptor) (*graph.Graph, map[string]*descriptor.Instance) {
	t.Helper()
	instances := descriptor.Expand(descs)
	g, err := graph.Build(instances)
	require.NoError(t, err)
	byID := make(map[string]*descriptor.Instance, len(instances))
	for _, inst := range instances {
		byID[inst.ID] = inst
	}
	return g, byID
}

func runGraph(t *testing.T, g Graph, exec Executor, opts ...Option) (Summary, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return New(opts...).Start(ctx, g, exec).Wait()
}

func TestRun_Terminates(t *testing.T) {
	g, insts := buildGraph(t, desc("a"), desc("b", "a"), desc("c", "b"), desc("d"))
	exec := newFakeExec(nil)

	summary, err := runGraph(t, g, exec, WithMaxParallel(4))
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 4, Passed: 4, MaxConcurrency: summary.MaxConcurrency}, summary)

	for id, inst := range insts {
		assert.Equal(t, descriptor.StatePassed, inst.State(), id)
		assert.Equal(t, 1, exec.finalized[id], id)
	}

	pos := make(map[string]int)
	for i, id := range exec.order {
		pos[id] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["b"], pos["c"])
}

func TestRun_EmptyGraph(t *testing.T) {
	g, _ := buildGraph(t)
	summary, err := runGraph(t, g, newFakeExec(nil))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
}

func TestRun_SkipsDependentsOfFailure(t *testing.T) {
	tolerant := desc("tolerant")
	tolerant.Dependencies = []descriptor.DependencyRef{{TestID: "a", ProceedOnFailure: true}}

	g, insts := buildGraph(t, desc("a"), desc("b", "a"), desc("c", "b"), tolerant)
	exec := newFakeExec(func(_ context.Context, inst *descriptor.Instance) error {
		if inst.ID == "a" {
			return errors.New("broken")
		}
		return nil
	})

	summary, err := runGraph(t, g, exec)
	require.NoError(t, err)

	assert.Equal(t, descriptor.StateFailed, insts["a"].State())
	assert.Equal(t, descriptor.StateSkipped, insts["b"].State())
	assert.Equal(t, descriptor.StateSkipped, insts["c"].State())
	assert.Equal(t, descriptor.StatePassed, insts["tolerant"].State())

	assert.Zero(t, exec.callsOf("b"))
	assert.Zero(t, exec.callsOf("c"))
	assert.Contains(t, insts["b"].SkipReason(), "dependency a failed")
	assert.Contains(t, insts["c"].SkipReason(), "dependency b skipped")
	assert.True(t, insts["b"].Failures.Has(failure.SourceDependency))
	assert.NotContains(t, insts["b"].Trail(), descriptor.StateReady)

	assert.Equal(t, 1, exec.finalized["b"])
	assert.Equal(t, 1, exec.finalized["c"])
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 1, summary.Passed)
}

func TestRun_NotInParallelKeysNeverOverlap(t *testing.T) {
	var descs []*descriptor.TestDescriptor
	for i := 0; i < 10; i++ {
		d := desc(fmt.Sprintf("db%d", i))
		d.NotInParallel = []string{"database"}
		descs = append(descs, d)
	}
	for i := 0; i < 6; i++ {
		descs = append(descs, desc(fmt.Sprintf("free%d", i)))
	}
	g, _ := buildGraph(t, descs...)
	exec := newFakeExec(func(context.Context, *descriptor.Instance) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})

	summary, err := runGraph(t, g, exec, WithMaxParallel(8))
	require.NoError(t, err)
	assert.Equal(t, 16, summary.Passed)
	assert.Equal(t, 1, exec.peakOf("database"))
	assert.Greater(t, exec.peakOf("*"), 1)
}

func TestRun_ParallelGroupLimit(t *testing.T) {
	var descs []*descriptor.TestDescriptor
	for i := 0; i < 8; i++ {
		d := desc(fmt.Sprintf("g%d", i))
		d.ParallelGroup = "browsers"
		d.ParallelLimit = 2
		descs = append(descs, d)
	}
	g, _ := buildGraph(t, descs...)
	exec := newFakeExec(func(context.Context, *descriptor.Instance) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	summary, err := runGraph(t, g, exec, WithMaxParallel(8))
	require.NoError(t, err)
	assert.Equal(t, 8, summary.Passed)
	assert.LessOrEqual(t, exec.peakOf("group:browsers"), 2)
	assert.LessOrEqual(t, summary.MaxConcurrency, 2)
}

func TestRun_RetryLimit(t *testing.T) {
	d := desc("flaky")
	d.RetryLimit = 2
	g, insts := buildGraph(t, d)

	var mu sync.Mutex
	var retries []int
	bus := events.NewBus(events.ReceiverFunc(func(_ context.Context, ev events.Event) error {
		if ev.Kind == events.TestRetry {
			mu.Lock()
			retries = append(retries, ev.Attempt)
			mu.Unlock()
		}
		return nil
	}))
	exec := newFakeExec(func(context.Context, *descriptor.Instance) error { return errors.New("nope") })

	summary, err := runGraph(t, g, exec, WithBus(bus))
	require.NoError(t, err)

	inst := insts["flaky"]
	assert.Equal(t, 3, exec.callsOf("flaky"))
	assert.Equal(t, descriptor.StateFailed, inst.State())
	assert.Equal(t, 2, inst.Attempt())
	assert.Equal(t, 2, summary.Retries)
	assert.Equal(t, []int{1, 2}, retries)
	assert.Equal(t, 1, exec.finalized["flaky"])
}

func TestRun_RetryThenPass(t *testing.T) {
	d := desc("flaky")
	d.RetryLimit = 3
	g, insts := buildGraph(t, d, desc("after", "flaky"))
	exec := newFakeExec(func(_ context.Context, inst *descriptor.Instance) error {
		if inst.ID == "flaky" && inst.Attempt() == 0 {
			return errors.New("first try fails")
		}
		return nil
	})

	_, err := runGraph(t, g, exec, WithRetryDelay(5*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, descriptor.StatePassed, insts["flaky"].State())
	assert.Equal(t, 2, exec.callsOf("flaky"))
	assert.True(t, insts["flaky"].Failures.Empty())
	assert.Equal(t, descriptor.StatePassed, insts["after"].State())
}

func TestRun_RetryReceiverErrorsAreRecorded(t *testing.T) {
	d := desc("flaky")
	d.RetryLimit = 1
	g, insts := buildGraph(t, d)

	bus := events.NewBus(events.ReceiverFunc(func(_ context.Context, ev events.Event) error {
		if ev.Kind == events.TestRetry {
			return errors.New("reporter rejected retry")
		}
		return nil
	}))
	exec := newFakeExec(func(_ context.Context, inst *descriptor.Instance) error {
		if inst.Attempt() == 0 {
			return errors.New("first try fails")
		}
		return nil
	})

	_, err := runGraph(t, g, exec, WithBus(bus))
	require.NoError(t, err)

	inst := insts["flaky"]
	assert.Equal(t, 2, exec.callsOf("flaky"))
	assert.Equal(t, descriptor.StateFailed, inst.State())
	require.True(t, inst.Failures.Has(failure.SourceEventReceiver))
	assert.Contains(t, inst.Failures.Err().Error(), "reporter rejected retry")
	assert.False(t, inst.Failures.Has(failure.SourceTest))
}

// gatedExec holds "waiter" back until "opener" has run.
type gatedExec struct {
	*fakeExec
	changed chan struct{}

	mu       sync.Mutex
	open     bool
	held     int
	released map[string]int
}

func (g *gatedExec) Reserve(inst *descriptor.Instance) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if inst.ID == "waiter" && !g.open {
		g.held++
		return false
	}
	return true
}

func (g *gatedExec) Release(inst *descriptor.Instance) {
	g.mu.Lock()
	g.released[inst.ID]++
	g.mu.Unlock()
}

func (g *gatedExec) Changed() <-chan struct{} { return g.changed }

func TestRun_GateHoldsBackWithoutTakingSlots(t *testing.T) {
	g, insts := buildGraph(t, desc("waiter"), desc("opener"), desc("other"))
	gate := &gatedExec{changed: make(chan struct{}, 1), released: make(map[string]int)}
	gate.fakeExec = newFakeExec(func(_ context.Context, inst *descriptor.Instance) error {
		if inst.ID == "opener" {
			time.Sleep(20 * time.Millisecond)
			gate.mu.Lock()
			gate.open = true
			gate.mu.Unlock()
			gate.changed <- struct{}{}
		}
		return nil
	})

	summary, err := runGraph(t, g, gate, WithMaxParallel(1), WithStallTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Passed)
	for id, inst := range insts {
		assert.Equal(t, descriptor.StatePassed, inst.State(), id)
	}

	gate.mu.Lock()
	defer gate.mu.Unlock()
	assert.Positive(t, gate.held)
	assert.Equal(t, map[string]int{"waiter": 1, "opener": 1, "other": 1}, gate.released)
	assert.Equal(t, "opener", gate.order[0], "a held back instance does not block the queue")
	assert.Less(t, indexOf(gate.order, "opener"), indexOf(gate.order, "waiter"))
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func TestRun_NonRetryableFailure(t *testing.T) {
	d := desc("ctor")
	d.RetryLimit = 5
	g, insts := buildGraph(t, d)
	exec := &nonRetryable{fakeExec: newFakeExec(func(context.Context, *descriptor.Instance) error {
		return errors.New("cannot construct")
	})}

	_, err := runGraph(t, g, exec)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.callsOf("ctor"))
	assert.Equal(t, descriptor.StateFailed, insts["ctor"].State())
}

type nonRetryable struct{ *fakeExec }

func (n *nonRetryable) Execute(ctx context.Context, inst *descriptor.Instance) Attempt {
	a := n.fakeExec.Execute(ctx, inst)
	a.Retryable = false
	return a
}

func TestRun_StateTrails(t *testing.T) {
	g, insts := buildGraph(t, desc("root"), desc("child", "root"))
	_, err := runGraph(t, g, newFakeExec(nil))
	require.NoError(t, err)

	assert.Equal(t, []descriptor.State{
		descriptor.StatePending, descriptor.StateReady, descriptor.StateRunning, descriptor.StatePassed,
	}, insts["root"].Trail())
	assert.Equal(t, []descriptor.State{
		descriptor.StatePending, descriptor.StateBlocked, descriptor.StateReady, descriptor.StateRunning, descriptor.StatePassed,
	}, insts["child"].Trail())
}

func TestRun_DeclaredSkip(t *testing.T) {
	skipped := desc("wip")
	skipped.Skip = "not implemented"
	g, insts := buildGraph(t, skipped, desc("uses", "wip"))
	exec := newFakeExec(nil)

	summary, err := runGraph(t, g, exec)
	require.NoError(t, err)
	assert.Equal(t, descriptor.StateSkipped, insts["wip"].State())
	assert.Equal(t, "not implemented", insts["wip"].SkipReason())
	assert.Equal(t, descriptor.StateSkipped, insts["uses"].State())
	assert.Zero(t, exec.callsOf("wip"))
	assert.Equal(t, 1, exec.finalized["wip"])
	assert.Equal(t, 2, summary.Skipped)
}

func TestRun_Cancellation(t *testing.T) {
	g, insts := buildGraph(t, desc("slow"), desc("queued"), desc("blocked", "slow"))
	started := make(chan struct{})
	exec := newFakeExec(func(ctx context.Context, inst *descriptor.Instance) error {
		if inst.ID == "slow" {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	run := New(WithMaxParallel(1)).Start(ctx, g, exec)
	<-started
	cancel()

	summary, err := run.Wait()
	assert.ErrorIs(t, err, context.Canceled)
	for id, inst := range insts {
		assert.Equal(t, descriptor.StateCancelled, inst.State(), id)
		assert.Equal(t, 1, exec.finalized[id], id)
	}
	assert.Zero(t, exec.callsOf("queued"))
	assert.Equal(t, 3, summary.Cancelled)
}

func TestRun_FailFast(t *testing.T) {
	g, insts := buildGraph(t, desc("a"), desc("b"), desc("c"))
	exec := newFakeExec(func(_ context.Context, inst *descriptor.Instance) error {
		if inst.ID == "a" {
			return errors.New("stop")
		}
		return nil
	})

	summary, err := runGraph(t, g, exec, WithMaxParallel(1), WithFailFast(true))
	require.NoError(t, err)
	assert.Equal(t, descriptor.StateFailed, insts["a"].State())
	assert.Equal(t, descriptor.StateCancelled, insts["b"].State())
	assert.Equal(t, descriptor.StateCancelled, insts["c"].State())
	assert.Equal(t, 2, summary.Cancelled)
}

func TestRun_AdmissionRate(t *testing.T) {
	g, _ := buildGraph(t, desc("a"), desc("b"), desc("c"))
	start := time.Now()
	summary, err := runGraph(t, g, newFakeExec(nil), WithAdmissionRate(50))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Passed)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRun_CompletedStream(t *testing.T) {
	g, _ := buildGraph(t, desc("a"), desc("b", "a"), desc("c", "a"))
	run := New().Start(context.Background(), g, newFakeExec(nil))

	var ids []string
	for inst := range run.Completed() {
		assert.True(t, inst.State().Terminal())
		ids = append(ids, inst.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, "a", ids[0])
}

// stuckGraph never releases dependents, which is what a resolver bug would
// look like from the scheduler's side.
type stuckGraph struct{ *graph.Graph }

func (stuckGraph) Release(string) []graph.Unblocked { return nil }

func TestRun_StallIsReported(t *testing.T) {
	g, insts := buildGraph(t, desc("a"), desc("b", "a"))
	exec := newFakeExec(nil)

	summary, err := runGraph(t, stuckGraph{g}, exec, WithStallTimeout(50*time.Millisecond))
	var stall *StallError
	require.True(t, errors.As(err, &stall), "got %v", err)
	assert.Equal(t, []string{"b"}, stall.Stuck)
	assert.Equal(t, descriptor.StatePassed, insts["a"].State())
	assert.Equal(t, descriptor.StateCancelled, insts["b"].State())
	assert.Equal(t, 1, summary.Cancelled)
	assert.Equal(t, 1, exec.finalized["b"])
}

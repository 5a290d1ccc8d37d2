package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
	"github.com/abdul-hamid-achik/kestrel/packages/core/events"
	"github.com/abdul-hamid-achik/kestrel/packages/core/failure"
	"github.com/abdul-hamid-achik/kestrel/packages/core/graph"
	"github.com/abdul-hamid-achik/kestrel/packages/core/hooks"
	"github.com/abdul-hamid-achik/kestrel/packages/core/scheduler"
)

type trace struct {
	mu    sync.Mutex
	steps []string
}

func (tr *trace) add(s string) {
	tr.mu.Lock()
	tr.steps = append(tr.steps, s)
	tr.mu.Unlock()
}

func (tr *trace) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.steps...)
}

func (tr *trace) hook(name string, scope descriptor.Scope, dir descriptor.Direction, err error) descriptor.Hook {
	return descriptor.Hook{
		Name:          name,
		Scope:         scope,
		Direction:     dir,
		DeclaringType: "Suite",
		Fn: func(context.Context, descriptor.HookContext) error {
			tr.add(name)
			return err
		},
	}
}

type subject struct {
	tr  *trace
	err error
}

func (s *subject) Dispose(context.Context) error {
	s.tr.add("dispose")
	return s.err
}

func testDesc(id string, body descriptor.BodyFunc) *descriptor.TestDescriptor {
	if body == nil {
		body = func(context.Context, *descriptor.TestContext) error { return nil }
	}
	return &descriptor.TestDescriptor{ID: id, ClassName: "Suite", MethodName: id, Body: body}
}

func setup(t *testing.T, c *descriptor.Catalog, opts ...Option) (*Pipeline, []*descriptor.Instance) {
	t.Helper()
	instances := descriptor.Expand(c.Tests)
	p := New(hooks.NewOrchestrator(c), nil, opts...)
	require.NoError(t, p.Prepare(instances))
	return p, instances
}

func running(t *testing.T, inst *descriptor.Instance) {
	t.Helper()
	require.NoError(t, inst.Transition(descriptor.StateReady))
	require.NoError(t, inst.Transition(descriptor.StateRunning))
}

func TestExecute_Order(t *testing.T) {
	tr := &trace{}
	c := descriptor.NewCatalog()
	c.AddHook(tr.hook("class-before", descriptor.ScopeClass, descriptor.Before, nil))
	c.AddHook(tr.hook("class-after", descriptor.ScopeClass, descriptor.After, nil))
	c.AddHook(tr.hook("before", descriptor.ScopeTest, descriptor.Before, nil))
	c.AddHook(tr.hook("after", descriptor.ScopeTest, descriptor.After, nil))
	c.AddTest(testDesc("t", func(_ context.Context, tc *descriptor.TestContext) error {
		tr.add("body")
		assert.NotNil(t, tc.Subject)
		return nil
	}))

	p, insts := setup(t, c, WithConstructor(ConstructorFunc(func(context.Context, *descriptor.Instance) (any, error) {
		tr.add("construct")
		return &subject{tr: tr}, nil
	})))
	inst := insts[0]
	running(t, inst)

	att := p.Execute(context.Background(), inst)
	assert.False(t, att.Failed())
	p.Finalize(context.Background(), inst)

	assert.Equal(t, []string{"construct", "class-before", "before", "body", "after", "dispose", "class-after"}, tr.list())
	assert.True(t, inst.Failures.Empty())
}

func TestExecute_ConstructionFailure(t *testing.T) {
	tr := &trace{}
	c := descriptor.NewCatalog()
	c.AddHook(tr.hook("before", descriptor.ScopeTest, descriptor.Before, nil))
	c.AddHook(tr.hook("after", descriptor.ScopeTest, descriptor.After, nil))
	c.AddTest(testDesc("t", func(context.Context, *descriptor.TestContext) error {
		tr.add("body")
		return nil
	}))

	p, insts := setup(t, c, WithConstructor(ConstructorFunc(func(context.Context, *descriptor.Instance) (any, error) {
		return nil, errors.New("no database")
	})))
	att := p.Execute(context.Background(), insts[0])

	require.True(t, att.Failed())
	assert.False(t, att.Retryable)
	var ce *failure.ConstructionError
	assert.True(t, errors.As(att.Err, &ce))
	assert.Equal(t, "t", ce.TestID)
	assert.Empty(t, tr.list())
}

func TestExecute_Timeout(t *testing.T) {
	c := descriptor.NewCatalog()
	d := testDesc("slow", func(ctx context.Context, _ *descriptor.TestContext) error {
		<-ctx.Done()
		return ctx.Err()
	})
	d.Timeout = 20 * time.Millisecond
	c.AddTest(d)

	p, insts := setup(t, c, WithDefaultTimeout(time.Hour))
	att := p.Execute(context.Background(), insts[0])

	require.True(t, att.Failed())
	assert.True(t, att.Retryable)
	assert.True(t, insts[0].Failures.Has(failure.SourceTimeout))
	var te *failure.TimeoutError
	require.True(t, errors.As(att.Err, &te))
	assert.Equal(t, 20*time.Millisecond, te.Duration)
}

func TestExecute_DefaultTimeout(t *testing.T) {
	c := descriptor.NewCatalog()
	c.AddTest(testDesc("slow", func(ctx context.Context, _ *descriptor.TestContext) error {
		<-ctx.Done()
		return nil
	}))
	p, insts := setup(t, c, WithDefaultTimeout(10*time.Millisecond))
	att := p.Execute(context.Background(), insts[0])
	assert.True(t, failure.IsTimeout(att.Err))
}

func TestExecute_BeforeHookFailureSkipsBody(t *testing.T) {
	tr := &trace{}
	c := descriptor.NewCatalog()
	c.AddHook(tr.hook("before", descriptor.ScopeTest, descriptor.Before, errors.New("setup broke")))
	c.AddHook(tr.hook("after1", descriptor.ScopeTest, descriptor.After, errors.New("cleanup broke")))
	c.AddHook(tr.hook("after2", descriptor.ScopeTest, descriptor.After, nil))
	c.AddTest(testDesc("t", func(context.Context, *descriptor.TestContext) error {
		tr.add("body")
		return nil
	}))

	p, insts := setup(t, c)
	att := p.Execute(context.Background(), insts[0])

	assert.Equal(t, []string{"before", "after1", "after2"}, tr.list())
	var agg *failure.AggregateError
	require.True(t, errors.As(att.Err, &agg))
	assert.Len(t, agg.Failures, 2)
	assert.Contains(t, att.Err.Error(), "setup broke")
	assert.Contains(t, att.Err.Error(), "cleanup broke")
	assert.True(t, att.Retryable)
}

func TestExecute_BodyPanicAndDisposeFailure(t *testing.T) {
	tr := &trace{}
	c := descriptor.NewCatalog()
	c.AddTest(testDesc("t", func(context.Context, *descriptor.TestContext) error { panic("boom") }))

	p, insts := setup(t, c, WithConstructor(ConstructorFunc(func(context.Context, *descriptor.Instance) (any, error) {
		return &subject{tr: tr, err: errors.New("leak")}, nil
	})))
	att := p.Execute(context.Background(), insts[0])

	var pe *failure.PanicError
	assert.True(t, errors.As(att.Err, &pe))
	assert.True(t, insts[0].Failures.Has(failure.SourceTest))
	assert.True(t, insts[0].Failures.Has(failure.SourceHook))
	assert.Equal(t, []string{"dispose"}, tr.list())
}

func cleanupHook(seen chan<- error) descriptor.Hook {
	return descriptor.Hook{
		Name: "after", Scope: descriptor.ScopeTest, Direction: descriptor.After, DeclaringType: "Suite",
		Fn: func(ctx context.Context, _ descriptor.HookContext) error {
			seen <- ctx.Err()
			return nil
		},
	}
}

func TestExecute_SoftCancelStillCleansUp(t *testing.T) {
	seen := make(chan error, 1)
	c := descriptor.NewCatalog()
	c.AddHook(cleanupHook(seen))
	ctx, cancel := context.WithCancel(context.Background())
	c.AddTest(testDesc("t", func(ctx context.Context, _ *descriptor.TestContext) error {
		cancel()
		return ctx.Err()
	}))

	p, insts := setup(t, c)
	att := p.Execute(ctx, insts[0])

	assert.True(t, insts[0].Failures.Has(failure.SourceCancellation))
	assert.False(t, insts[0].Failures.Has(failure.SourceTest))
	assert.True(t, att.Failed())
	select {
	case err := <-seen:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("after hook did not run")
	}
}

func TestExecute_HardStopCancelsCleanup(t *testing.T) {
	seen := make(chan error, 1)
	c := descriptor.NewCatalog()
	c.AddHook(cleanupHook(seen))
	c.AddTest(testDesc("t", nil))

	hard := make(chan struct{})
	close(hard)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, insts := setup(t, c, WithHardStop(hard))
	p.Execute(ctx, insts[0])
	select {
	case err := <-seen:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("after hook did not run")
	}
}

func TestExecute_HardStopDuringCleanup(t *testing.T) {
	hard := make(chan struct{})
	entered := make(chan struct{})
	seen := make(chan error, 1)
	c := descriptor.NewCatalog()
	c.AddHook(descriptor.Hook{
		Name: "drain", Scope: descriptor.ScopeTest, Direction: descriptor.After, DeclaringType: "Suite",
		Fn: func(ctx context.Context, _ descriptor.HookContext) error {
			close(entered)
			select {
			case <-ctx.Done():
				seen <- ctx.Err()
				return ctx.Err()
			case <-time.After(5 * time.Second):
				seen <- nil
				return nil
			}
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	c.AddTest(testDesc("t", func(context.Context, *descriptor.TestContext) error {
		cancel()
		return nil
	}))

	p, insts := setup(t, c, WithHardStop(hard))
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Execute(ctx, insts[0])
	}()

	<-entered
	close(hard)
	select {
	case err := <-seen:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("after hook did not observe the hard stop")
	}
	<-done
}

func TestExecute_ReceiverErrorsAreRecorded(t *testing.T) {
	c := descriptor.NewCatalog()
	c.AddTest(testDesc("t", nil))
	bus := events.NewBus(events.ReceiverFunc(func(_ context.Context, ev events.Event) error {
		if ev.Kind == events.TestEnd {
			return errors.New("reporter offline")
		}
		return nil
	}))
	instances := descriptor.Expand(c.Tests)
	p := New(hooks.NewOrchestrator(c), bus)
	require.NoError(t, p.Prepare(instances))
	inst := instances[0]
	running(t, inst)

	assert.False(t, p.Execute(context.Background(), inst).Failed())
	p.Finalize(context.Background(), inst)
	assert.True(t, inst.Failures.Has(failure.SourceEventReceiver))
}

func TestExecute_WithoutPrepare(t *testing.T) {
	c := descriptor.NewCatalog()
	d := testDesc("t", nil)
	p := New(hooks.NewOrchestrator(c), nil)
	att := p.Execute(context.Background(), descriptor.NewInstance("t", d))
	assert.ErrorIs(t, att.Err, ErrNoPlan)
	assert.False(t, att.Retryable)
}

func runAll(t *testing.T, c *descriptor.Catalog, bus *events.Bus, opts ...scheduler.Option) (scheduler.Summary, map[string]*descriptor.Instance) {
	t.Helper()
	instances := descriptor.Expand(c.Tests)
	g, err := graph.Build(instances)
	require.NoError(t, err)
	p := New(hooks.NewOrchestrator(c, hooks.WithBus(bus)), bus)
	require.NoError(t, p.Prepare(instances))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	opts = append([]scheduler.Option{scheduler.WithMaxParallel(4), scheduler.WithBus(bus)}, opts...)
	summary, err := scheduler.New(opts...).Start(ctx, g, p).Wait()
	require.NoError(t, err)

	byID := make(map[string]*descriptor.Instance)
	for _, inst := range instances {
		byID[inst.ID] = inst
	}
	return summary, byID
}

func TestPipeline_RetryThroughScheduler(t *testing.T) {
	var classSetups, bodies atomic.Int32
	c := descriptor.NewCatalog()
	c.AddHook(descriptor.Hook{Name: "setup", Scope: descriptor.ScopeClass, Direction: descriptor.Before, DeclaringType: "Suite",
		Fn: func(context.Context, descriptor.HookContext) error { classSetups.Add(1); return nil }})
	d := testDesc("flaky", func(context.Context, *descriptor.TestContext) error {
		bodies.Add(1)
		return errors.New("still broken")
	})
	d.RetryLimit = 2
	c.AddTest(d)
	c.AddTest(testDesc("other", nil))

	summary, insts := runAll(t, c, nil)
	assert.Equal(t, int32(3), bodies.Load())
	assert.Equal(t, int32(1), classSetups.Load())
	assert.Equal(t, descriptor.StateFailed, insts["flaky"].State())
	assert.Equal(t, 2, insts["flaky"].Attempt())
	assert.Equal(t, 1, summary.Passed)
	assert.Equal(t, 2, summary.Retries)
}

func TestPipeline_ScopeWaitersDoNotHoldSlots(t *testing.T) {
	var hookDone atomic.Int64
	c := descriptor.NewCatalog()
	c.AddHook(descriptor.Hook{Name: "warm", Scope: descriptor.ScopeClass, Direction: descriptor.Before, DeclaringType: "C",
		Fn: func(context.Context, descriptor.HookContext) error {
			time.Sleep(300 * time.Millisecond)
			hookDone.Store(time.Now().UnixNano())
			return nil
		}})

	var mu sync.Mutex
	started := make(map[string]int64)
	body := func(_ context.Context, tc *descriptor.TestContext) error {
		mu.Lock()
		started[tc.Instance.ID] = time.Now().UnixNano()
		mu.Unlock()
		return nil
	}
	for _, id := range []string{"C.One", "C.Two", "D.Solo"} {
		class, method, _ := strings.Cut(id, ".")
		c.AddTest(&descriptor.TestDescriptor{ID: id, ClassName: class, MethodName: method, Body: body})
	}

	summary, insts := runAll(t, c, nil, scheduler.WithMaxParallel(2))
	assert.Equal(t, 3, summary.Passed)
	for id, inst := range insts {
		assert.Equal(t, descriptor.StatePassed, inst.State(), id)
	}

	mu.Lock()
	defer mu.Unlock()
	done := hookDone.Load()
	assert.Less(t, started["D.Solo"], done, "an unrelated class starts while the class hook runs")
	assert.Greater(t, started["C.One"], done)
	assert.Greater(t, started["C.Two"], done)
	assert.Equal(t, 2, summary.MaxConcurrency)
}

func TestPipeline_AfterScopeFailureFailsLastInstance(t *testing.T) {
	c := descriptor.NewCatalog()
	c.AddHook(descriptor.Hook{Name: "teardown", Scope: descriptor.ScopeSession, Direction: descriptor.After,
		Fn: func(context.Context, descriptor.HookContext) error { return errors.New("teardown failed") }})
	c.AddTest(testDesc("a", nil))
	b := testDesc("b", nil)
	b.Dependencies = []descriptor.DependencyRef{{TestID: "a"}}
	c.AddTest(b)

	summary, insts := runAll(t, c, nil)
	assert.Equal(t, descriptor.StatePassed, insts["a"].State())
	assert.Equal(t, descriptor.StateFailed, insts["b"].State())
	assert.Contains(t, insts["b"].Failures.Err().Error(), "teardown failed")
	assert.Equal(t, 1, summary.Failed)
}

func TestPipeline_SkippedInstancesStillCloseScopes(t *testing.T) {
	var closed atomic.Int32
	c := descriptor.NewCatalog()
	c.AddHook(descriptor.Hook{Name: "teardown", Scope: descriptor.ScopeClass, Direction: descriptor.After, DeclaringType: "Suite",
		Fn: func(context.Context, descriptor.HookContext) error { closed.Add(1); return nil }})
	c.AddTest(testDesc("a", func(context.Context, *descriptor.TestContext) error { return errors.New("fail") }))
	b := testDesc("b", nil)
	b.Dependencies = []descriptor.DependencyRef{{TestID: "a"}}
	c.AddTest(b)

	var mu sync.Mutex
	counts := make(map[events.Kind]int)
	bus := events.NewBus(events.ReceiverFunc(func(_ context.Context, ev events.Event) error {
		mu.Lock()
		counts[ev.Kind]++
		mu.Unlock()
		return nil
	}))

	summary, insts := runAll(t, c, bus)
	assert.Equal(t, descriptor.StateSkipped, insts["b"].State())
	assert.Equal(t, int32(1), closed.Load())
	assert.Equal(t, 1, counts[events.LastTestInClass])
	assert.Equal(t, 1, counts[events.TestSkipped])
	assert.Equal(t, 1, counts[events.TestEnd])
	assert.Equal(t, 1, summary.Skipped)
}

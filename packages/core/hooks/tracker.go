package hooks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
)

type scopeID struct {
	scope descriptor.Scope
	key   string
}

type scopeEntry struct {
	members   atomic.Int32
	remaining atomic.Int32
	claimed   atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	err       error

	// holder is the instance allowed to claim the scope, guarded by
	// ScopeTracker.mu.
	holder string
}

func (e *scopeEntry) opened() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// ScopeTracker elects exactly one instance per scope key to run the
// first-in-scope work and exactly one to run the last-in-scope work.
type ScopeTracker struct {
	mu      sync.Mutex
	entries map[scopeID]*scopeEntry
	changed chan struct{}
}

// NewScopeTracker returns an empty tracker.
func NewScopeTracker() *ScopeTracker {
	return &ScopeTracker{
		entries: make(map[scopeID]*scopeEntry),
		changed: make(chan struct{}, 1),
	}
}

func (t *ScopeTracker) entry(scope descriptor.Scope, key string) *scopeEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := scopeID{scope: scope, key: key}
	e, ok := t.entries[id]
	if !ok {
		e = &scopeEntry{done: make(chan struct{})}
		t.entries[id] = e
	}
	return e
}

// Register adds one member to a scope. Every registered member must call
// Leave exactly once.
func (t *ScopeTracker) Register(scope descriptor.Scope, key string) {
	e := t.entry(scope, key)
	e.members.Add(1)
	e.remaining.Add(1)
}

// Members returns the number of registered members of a scope.
func (t *ScopeTracker) Members(scope descriptor.Scope, key string) int {
	return int(t.entry(scope, key).members.Load())
}

// Remaining returns how many members have not left the scope yet.
func (t *ScopeTracker) Remaining(scope descriptor.Scope, key string) int {
	return int(t.entry(scope, key).remaining.Load())
}

// Enter runs first for the one caller that wins the claim. Every other
// caller blocks until first has returned and then shares its error. A
// waiting caller gives up when ctx is done.
func (t *ScopeTracker) Enter(ctx context.Context, scope descriptor.Scope, key string, first func() error) error {
	e := t.entry(scope, key)
	if e.claimed.CompareAndSwap(false, true) {
		defer t.notify()
		defer close(e.done)
		e.err = first()
		return e.err
	}
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *ScopeTracker) notify() {
	select {
	case t.changed <- struct{}{}:
	default:
	}
}

// Changed receives a value after some scope's first-in-scope work has
// finished.
func (t *ScopeTracker) Changed() <-chan struct{} {
	return t.changed
}

// Open reports whether the first-in-scope work has finished.
func (t *ScopeTracker) Open(scope descriptor.Scope, key string) bool {
	return t.entry(scope, key).opened()
}

// Reservable reports whether holder may start work in the scope without
// waiting: the scope is open, or holder is or could become the only instance
// allowed to claim it.
func (t *ScopeTracker) Reservable(scope descriptor.Scope, key, holder string) bool {
	e := t.entry(scope, key)
	if e.opened() {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.holder != "" {
		return e.holder == holder
	}
	return !e.claimed.Load()
}

// Reserve makes holder the only instance expected to claim the scope. It
// reports false when another instance holds or has claimed it.
func (t *ScopeTracker) Reserve(scope descriptor.Scope, key, holder string) bool {
	e := t.entry(scope, key)
	if e.opened() {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case e.holder == holder:
		return true
	case e.holder != "" || e.claimed.Load():
		return false
	}
	e.holder = holder
	return true
}

// Unreserve drops holder's reservation. A scope holder never entered can then
// be reserved by another instance.
func (t *ScopeTracker) Unreserve(scope descriptor.Scope, key, holder string) {
	e := t.entry(scope, key)
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.holder == holder {
		e.holder = ""
	}
}

// Claimed reports whether the first-in-scope work has been started.
func (t *ScopeTracker) Claimed(scope descriptor.Scope, key string) bool {
	return t.entry(scope, key).claimed.Load()
}

// Leave records that one member is done with the scope. The caller that
// brings the count to zero runs last, but only if the scope was entered.
// It reports whether last ran.
func (t *ScopeTracker) Leave(scope descriptor.Scope, key string, last func()) bool {
	e := t.entry(scope, key)
	if e.remaining.Add(-1) != 0 {
		return false
	}
	if !e.claimed.Load() || !e.closed.CompareAndSwap(false, true) {
		return false
	}
	// The first-in-scope work must have finished before it is undone.
	<-e.done
	last()
	return true
}

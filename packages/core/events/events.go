// Package events carries lifecycle notifications from the engine to
// observers (reporters, loggers, custom receivers).
//
// Events are informational: the engine's correctness never depends on them.
// Receiver errors and panics are collected and handed back to the publisher
// so they can be attached to the instance that triggered them.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
)

// Kind identifies an event type.
type Kind string

const (
	RunStart            Kind = "run_start"
	RunEnd              Kind = "run_end"
	TestRegistered      Kind = "test_registered"
	TestStart           Kind = "test_start"
	TestRetry           Kind = "test_retry"
	TestEnd             Kind = "test_end"
	TestSkipped         Kind = "test_skipped"
	FirstTestInClass    Kind = "first_test_in_class"
	LastTestInClass     Kind = "last_test_in_class"
	FirstTestInAssembly Kind = "first_test_in_assembly"
	LastTestInAssembly  Kind = "last_test_in_assembly"
	FirstTestInSession  Kind = "first_test_in_session"
	LastTestInSession   Kind = "last_test_in_session"
)

// FirstKind returns the first-in-scope event kind for scope.
func FirstKind(scope descriptor.Scope) Kind {
	switch scope {
	case descriptor.ScopeClass:
		return FirstTestInClass
	case descriptor.ScopeAssembly:
		return FirstTestInAssembly
	default:
		return FirstTestInSession
	}
}

// LastKind returns the last-in-scope event kind for scope.
func LastKind(scope descriptor.Scope) Kind {
	switch scope {
	case descriptor.ScopeClass:
		return LastTestInClass
	case descriptor.ScopeAssembly:
		return LastTestInAssembly
	default:
		return LastTestInSession
	}
}

// Event is one notification.
type Event struct {
	Kind     Kind
	Time     time.Time
	RunID    string
	Instance *descriptor.Instance
	// Key is the class/assembly/session key for scope events.
	Key     string
	Attempt int
	State   descriptor.State
	Err     error
}

// Receiver observes events.
type Receiver interface {
	OnEvent(ctx context.Context, ev Event) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, ev Event) error

func (f ReceiverFunc) OnEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// ReceiverPanicError wraps a panic raised inside a receiver.
type ReceiverPanicError struct {
	Kind  Kind
	Value any
}

func (e *ReceiverPanicError) Error() string {
	return fmt.Sprintf("events: receiver panicked on %s: %v", e.Kind, e.Value)
}

// Bus fans events out to receivers in subscription order.
type Bus struct {
	mu        sync.RWMutex
	receivers []Receiver
	runID     string
}

// NewBus returns a bus with the given receivers.
func NewBus(receivers ...Receiver) *Bus {
	return &Bus{receivers: receivers}
}

// SetRunID stamps subsequent events with the run id.
func (b *Bus) SetRunID(id string) {
	b.mu.Lock()
	b.runID = id
	b.mu.Unlock()
}

// Subscribe adds a receiver.
func (b *Bus) Subscribe(r Receiver) {
	if r == nil {
		return
	}
	b.mu.Lock()
	b.receivers = append(b.receivers, r)
	b.mu.Unlock()
}

// Publish delivers ev to every receiver and returns the errors they produced.
// A nil bus drops the event.
func (b *Bus) Publish(ctx context.Context, ev Event) []error {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	receivers := append([]Receiver(nil), b.receivers...)
	if ev.RunID == "" {
		ev.RunID = b.runID
	}
	b.mu.RUnlock()

	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	var errs []error
	for _, r := range receivers {
		if err := deliver(ctx, r, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func deliver(ctx context.Context, r Receiver, ev Event) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &ReceiverPanicError{Kind: ev.Kind, Value: recovered}
		}
	}()
	return r.OnEvent(ctx, ev)
}

package descriptor

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/kestrel/packages/core/failure"
)

// ErrInvalidTransition indicates a state change the lifecycle does not allow.
var ErrInvalidTransition = errors.New("descriptor: invalid state transition")

// State is the lifecycle state of an Instance.
type State string

const (
	StatePending   State = "pending"
	StateBlocked   State = "blocked"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StatePassed    State = "passed"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StatePassed, StateFailed, StateSkipped, StateCancelled:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StatePending: {StateBlocked, StateReady, StateSkipped, StateCancelled},
	StateBlocked: {StateReady, StateSkipped, StateCancelled},
	StateReady:   {StateRunning, StateSkipped, StateCancelled},
	StateRunning: {StatePassed, StateFailed, StateSkipped, StateCancelled, StatePending},
}

// Instance is one runnable execution of a descriptor. Repeats and data rows
// produce several instances that share the descriptor but nothing else.
type Instance struct {
	ID         string
	Descriptor *TestDescriptor
	Row        *DataRow
	RowIndex   int
	Repetition int
	// Args are the method arguments followed by the data row values.
	Args []any

	// Failures accumulates everything that went wrong in the current attempt.
	Failures failure.Aggregate

	mu         sync.Mutex
	state      State
	trail      []State
	attempt    int
	startedAt  time.Time
	endedAt    time.Time
	skipReason string
	standing   []failure.Failure
}

// NewInstance creates a pending instance of d.
func NewInstance(id string, d *TestDescriptor) *Instance {
	return &Instance{
		ID:         id,
		Descriptor: d,
		RowIndex:   -1,
		Args:       append([]any(nil), d.MethodArgs...),
		state:      StatePending,
		trail:      []State{StatePending},
	}
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Trail returns every state the instance has been in, in order.
func (i *Instance) Trail() []State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]State(nil), i.trail...)
}

// Transition moves the instance to next if the lifecycle allows it.
func (i *Instance) Transition(next State) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, allowed := range transitions[i.state] {
		if allowed == next {
			i.state = next
			i.trail = append(i.trail, next)
			switch {
			case next == StateRunning:
				i.startedAt = time.Now()
				i.endedAt = time.Time{}
			case next.Terminal():
				i.endedAt = time.Now()
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, i.ID, i.state, next)
}

// Attempt returns the retry attempt counter (0 for the first execution).
func (i *Instance) Attempt() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.attempt
}

// PrepareRetry increments the attempt counter and discards the previous
// attempt's failures, keeping standing ones. The caller is responsible for
// the Running -> Pending transition.
func (i *Instance) PrepareRetry() int {
	i.mu.Lock()
	i.attempt++
	n := i.attempt
	standing := append([]failure.Failure(nil), i.standing...)
	i.mu.Unlock()
	i.Failures.Reset()
	i.Failures.Append(standing...)
	return n
}

// AddStanding records a failure raised outside any attempt, such as a
// receiver rejecting the registration event. Standing failures survive
// PrepareRetry. A nil err is ignored.
func (i *Instance) AddStanding(src failure.Source, name string, err error) {
	if err == nil {
		return
	}
	f := failure.Failure{Source: src, Name: name, Err: err}
	i.mu.Lock()
	i.standing = append(i.standing, f)
	i.mu.Unlock()
	i.Failures.Append(f)
}

// Standing returns the number of standing failures.
func (i *Instance) Standing() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.standing)
}

// SetSkipReason records why the instance did not run.
func (i *Instance) SetSkipReason(reason string) {
	i.mu.Lock()
	i.skipReason = reason
	i.mu.Unlock()
}

// SkipReason returns the recorded skip reason.
func (i *Instance) SkipReason() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.skipReason
}

// Timing returns when the last attempt started and when the instance ended.
func (i *Instance) Timing() (start, end time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.startedAt, i.endedAt
}

// Duration returns the wall time of the last attempt.
func (i *Instance) Duration() time.Duration {
	start, end := i.Timing()
	if start.IsZero() || end.IsZero() {
		return 0
	}
	return end.Sub(start)
}

// Name returns a human-readable label including the row and repetition.
func (i *Instance) Name() string {
	name := i.Descriptor.DisplayName()
	if i.Row != nil {
		label := i.Row.Label
		if label == "" {
			label = i.Row.JSON
		}
		name += "(" + label + ")"
	}
	if i.Repetition > 0 {
		name += " #" + strconv.Itoa(i.Repetition)
	}
	return name
}

// Expand creates the instances of every descriptor: one per data row (or one
// when the descriptor has none), times Repeat+1.
func Expand(descriptors []*TestDescriptor) []*Instance {
	var out []*Instance
	for _, d := range descriptors {
		rows := len(d.DataRows)
		if rows == 0 {
			rows = 1
		}
		for r := 0; r < rows; r++ {
			for rep := 0; rep <= d.Repeat; rep++ {
				id := d.ID
				if len(d.DataRows) > 0 {
					id += "[" + strconv.Itoa(r) + "]"
				}
				if rep > 0 {
					id += "#" + strconv.Itoa(rep)
				}
				inst := NewInstance(id, d)
				inst.Repetition = rep
				if len(d.DataRows) > 0 {
					row := d.DataRows[r]
					inst.Row = &row
					inst.RowIndex = r
					for _, v := range row.Values() {
						inst.Args = append(inst.Args, v.Value())
					}
				}
				out = append(out, inst)
			}
		}
	}
	return out
}

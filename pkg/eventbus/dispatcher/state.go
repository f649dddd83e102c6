package dispatcher

import (
	"fmt"
	"sync/atomic"
	"time"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
)

// DeliveryState is the state of one (event, handler) pair.
//
//	Pending -> Dispatched -> Succeeded
//	                      -> Failed -> Retrying -> Dispatched ...
//	                                -> DeadLettered
//
// Skipped, Discarded and Deferred end a delivery without running the handler
// to completion: the pair was already delivered, its sequence regressed, or
// the dispatcher stopped and the broker will deliver it again.
type DeliveryState int

const (
	StatePending DeliveryState = iota
	StateDispatched
	StateSucceeded
	StateFailed
	StateRetrying
	StateDeadLettered
	StateSkipped
	StateDiscarded
	StateDeferred
)

var stateNames = [...]string{
	StatePending:      "pending",
	StateDispatched:   "dispatched",
	StateSucceeded:    "succeeded",
	StateFailed:       "failed",
	StateRetrying:     "retrying",
	StateDeadLettered: "dead_lettered",
	StateSkipped:      "skipped",
	StateDiscarded:    "discarded",
	StateDeferred:     "deferred",
}

// String returns the state name.
func (s DeliveryState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s DeliveryState) Terminal() bool {
	switch s {
	case StateSucceeded, StateDeadLettered, StateSkipped, StateDiscarded, StateDeferred:
		return true
	}
	return false
}

var transitions = map[DeliveryState][]DeliveryState{
	StatePending:    {StateDispatched, StateSkipped, StateDiscarded, StateDeferred},
	StateDispatched: {StateSucceeded, StateFailed},
	StateFailed:     {StateRetrying, StateDeadLettered, StateDeferred},
	StateRetrying:   {StateDispatched, StateDeferred},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to DeliveryState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// delivery tracks one (event, handler) pair through the state machine.
type delivery struct {
	state   atomic.Int32
	history []buserrors.AttemptRecord
}

func (d *delivery) State() DeliveryState {
	return DeliveryState(d.state.Load())
}

// to moves the delivery to next. An illegal transition is a programming
// error in the dispatcher.
func (d *delivery) to(next DeliveryState) {
	cur := d.State()
	if !CanTransition(cur, next) {
		panic(fmt.Sprintf("dispatcher: illegal delivery transition %s -> %s", cur, next))
	}
	d.state.Store(int32(next))
}

func (d *delivery) fail(attempt int, started time.Time, err error) {
	d.history = append(d.history, buserrors.AttemptRecord{
		Number:    attempt,
		Error:     err.Error(),
		StartedAt: started,
		Duration:  time.Since(started),
	})
	d.to(StateFailed)
}

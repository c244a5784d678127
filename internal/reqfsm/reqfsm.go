// Package reqfsm is the request lifecycle state machine: pending to exactly
// one of fulfilled or rejected. It is a thin domain wrapper over
// internal/fsm, the way a connection or session state machine narrows that
// generic wrapper to a fixed set of named states and events.
package reqfsm

// file: internal/reqfsm/reqfsm.go

import (
	"github.com/helios-starling/helios/internal/fsm"
	"github.com/helios-starling/helios/internal/logging"
)

// The three states a request passes through. Pending is the only
// non-terminal one.
const (
	StatePending   fsm.State = "pending"
	StateFulfilled fsm.State = "fulfilled"
	StateRejected  fsm.State = "rejected"
)

// The two events that retire a pending request. There is no event back to
// Pending: termination is sticky, by design.
const (
	EventResolve fsm.Event = "resolve"
	EventReject  fsm.Event = "reject"
)

// New builds a request lifecycle FSM starting in StatePending. onFulfilled
// and onRejected run synchronously on the winning transition; either may be
// nil.
func New(logger logging.Logger, onFulfilled, onRejected fsm.TransitionAction) (fsm.FSM, error) {
	machine := fsm.NewFSM(StatePending, logger)
	machine.AddTransition(fsm.Transition{
		From:   []fsm.State{StatePending},
		To:     StateFulfilled,
		Event:  EventResolve,
		Action: onFulfilled,
	})
	machine.AddTransition(fsm.Transition{
		From:   []fsm.State{StatePending},
		To:     StateRejected,
		Event:  EventReject,
		Action: onRejected,
	})
	if err := machine.Build(); err != nil {
		return nil, err
	}
	return machine, nil
}

// IsTerminal reports whether state is a terminal request state.
func IsTerminal(state fsm.State) bool {
	return state == StateFulfilled || state == StateRejected
}

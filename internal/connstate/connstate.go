// Package connstate is the node-level connection state machine: connected
// or disconnected, driven by the transport collaborator's connect/disconnect
// events. It gates the send buffer's flush and the request queue's
// scheduler, and is another thin domain wrapper over internal/fsm.
package connstate

// file: internal/connstate/connstate.go

import (
	"context"

	"github.com/helios-starling/helios/internal/fsm"
	"github.com/helios-starling/helios/internal/logging"
)

// The two states a node's transport connection can be in.
const (
	StateDisconnected fsm.State = "disconnected"
	StateConnected    fsm.State = "connected"
)

// The two events a transport collaborator reports.
const (
	EventConnect    fsm.Event = "connect"
	EventDisconnect fsm.Event = "disconnect"
)

// Machine wraps the generic FSM with a bool convenience reader, since most
// callers (the queue scheduler, the send buffer) only need "am I connected"
// rather than the state name.
type Machine struct {
	fsm fsm.FSM
}

// New builds a connection state machine starting in StateDisconnected.
// onConnect and onDisconnect run synchronously on the winning transition;
// either may be nil.
func New(logger logging.Logger, onConnect, onDisconnect fsm.TransitionAction) (*Machine, error) {
	machine := fsm.NewFSM(StateDisconnected, logger)
	machine.AddTransition(fsm.Transition{
		From:   []fsm.State{StateDisconnected},
		To:     StateConnected,
		Event:  EventConnect,
		Action: onConnect,
	})
	machine.AddTransition(fsm.Transition{
		From:   []fsm.State{StateConnected},
		To:     StateDisconnected,
		Event:  EventDisconnect,
		Action: onDisconnect,
	})
	if err := machine.Build(); err != nil {
		return nil, err
	}
	return &Machine{fsm: machine}, nil
}

// Connected reports whether the machine is currently in StateConnected.
func (m *Machine) Connected() bool {
	return m.fsm.CurrentState() == StateConnected
}

// Connect fires EventConnect. Returns an error, and leaves the state
// unchanged, if already connected.
func (m *Machine) Connect() error {
	return m.fsm.Transition(context.Background(), EventConnect, nil)
}

// Disconnect fires EventDisconnect. Returns an error, and leaves the state
// unchanged, if already disconnected.
func (m *Machine) Disconnect() error {
	return m.fsm.Transition(context.Background(), EventDisconnect, nil)
}

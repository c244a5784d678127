// Package fsm adapts looplab/fsm to the two-phase shape the kernel's
// lifecycle machines share: declare a fixed transition table with typed
// states and events, build once, then fire events. Each transition may
// carry one synchronous action; actions run inside the transition, so a
// caller observing the new state also observes the action's effects.
//
// The wrapper is deliberately narrower than the underlying library: no
// guards, no manual state setting, no reset. The request lifecycle
// (pending to fulfilled or rejected) and the connection lifecycle
// (disconnected to connected and back) need exactly a static table with
// per-transition hooks.
package fsm

// file: internal/fsm/fsm.go

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	lfsm "github.com/looplab/fsm"

	"github.com/helios-starling/helios/internal/logging"
)

// State names one node in the machine's state graph.
type State string

// Event names a trigger that moves the machine between states.
type Event string

// TransitionAction runs synchronously inside the transition that fires it.
// data is whatever the caller passed to Transition. An action error is
// logged, not propagated: by the time the action runs the state has
// already moved, and the kernel's machines treat actions as notifications
// of the move, not as votes on it.
type TransitionAction func(ctx context.Context, event Event, data interface{}) error

// Transition is one row of the machine's table.
type Transition struct {
	From   []State
	To     State
	Event  Event
	Action TransitionAction
}

// FSM is the machine. CurrentState and Transition are safe for concurrent
// use once Build has returned; AddTransition is not valid after Build.
type FSM interface {
	AddTransition(t Transition) FSM
	Build() error
	CurrentState() State
	Transition(ctx context.Context, event Event, data interface{}) error
}

type machine struct {
	initial State
	logger  logging.Logger

	mu          sync.RWMutex
	transitions []Transition
	fsm         *lfsm.FSM
	buildErr    error
}

// NewFSM starts a machine definition at initial. Add transitions, then
// Build.
func NewFSM(initial State, logger logging.Logger) FSM {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	return &machine{initial: initial, logger: logger}
}

func (m *machine) AddTransition(t Transition) FSM {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.fsm != nil:
		m.fail(errors.New("fsm: AddTransition after Build"))
	case len(t.From) == 0:
		m.fail(errors.Newf("fsm: transition on %q has no source states", t.Event))
	case t.To == "":
		m.fail(errors.Newf("fsm: transition on %q has no destination state", t.Event))
	default:
		m.transitions = append(m.transitions, t)
	}
	return m
}

// fail records the first configuration error; Build surfaces it.
func (m *machine) fail(err error) {
	if m.buildErr == nil {
		m.buildErr = err
	}
}

// Build validates the accumulated table and constructs the underlying
// machine. Each event may lead to exactly one destination — looplab models
// events that way, and the kernel's machines never need more. Idempotent:
// a second Build returns the first outcome.
func (m *machine) Build() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fsm != nil || m.buildErr != nil {
		return m.buildErr
	}

	descs := make(map[Event]lfsm.EventDesc)
	order := make([]Event, 0, len(m.transitions))
	for _, t := range m.transitions {
		desc, seen := descs[t.Event]
		if !seen {
			desc = lfsm.EventDesc{Name: string(t.Event), Dst: string(t.To)}
			order = append(order, t.Event)
		} else if desc.Dst != string(t.To) {
			m.buildErr = errors.Newf("fsm: event %q leads to both %q and %q; define separate events", t.Event, desc.Dst, t.To)
			return m.buildErr
		}
		for _, s := range t.From {
			desc.Src = appendUnique(desc.Src, string(s))
		}
		descs[t.Event] = desc
	}

	callbacks := make(lfsm.Callbacks)
	for _, t := range m.transitions {
		if t.Action == nil {
			continue
		}
		action := t.Action
		name := "after_" + string(t.Event)
		prev := callbacks[name]
		callbacks[name] = func(ctx context.Context, e *lfsm.Event) {
			if prev != nil {
				prev(ctx, e)
			}
			var data interface{}
			if len(e.Args) > 0 {
				data = e.Args[0]
			}
			if err := action(ctx, Event(e.Event), data); err != nil {
				m.logger.Error("fsm: transition action failed", "event", e.Event, "error", err)
			}
		}
	}

	events := make([]lfsm.EventDesc, 0, len(order))
	for _, ev := range order {
		events = append(events, descs[ev])
	}
	m.fsm = lfsm.NewFSM(string(m.initial), events, callbacks)
	return nil
}

func appendUnique(ss []string, s string) []string {
	for _, existing := range ss {
		if existing == s {
			return ss
		}
	}
	return append(ss, s)
}

func (m *machine) CurrentState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fsm == nil {
		return m.initial
	}
	return State(m.fsm.Current())
}

// Transition fires event. Returns an error when the event is not defined
// for the current state; the caller decides whether that is a bug or an
// expected no-op, as with a double connect.
func (m *machine) Transition(ctx context.Context, event Event, data interface{}) error {
	m.mu.RLock()
	f := m.fsm
	buildErr := m.buildErr
	m.mu.RUnlock()
	if f == nil {
		if buildErr != nil {
			return buildErr
		}
		return errors.New("fsm: Transition before Build")
	}

	args := make([]interface{}, 0, 1)
	if data != nil {
		args = append(args, data)
	}
	if err := f.Event(ctx, string(event), args...); err != nil {
		return errors.Wrapf(err, "fsm: event %q from state %q", event, State(f.Current()))
	}
	return nil
}

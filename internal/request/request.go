// Package request implements the outbound call handle: one pending request
// from creation through exactly one terminal transition (fulfilled or
// rejected), with listener sets for correlated notifications and progress.
package request

// file: internal/request/request.go

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helios-starling/helios/internal/clock"
	"github.com/helios-starling/helios/internal/events"
	"github.com/helios-starling/helios/internal/framectx"
	"github.com/helios-starling/helios/internal/fsm"
	"github.com/helios-starling/helios/internal/herrors"
	"github.com/helios-starling/helios/internal/logging"
	"github.com/helios-starling/helios/internal/reqfsm"
)

// Options configures one outbound call. Zero value is valid: no timeout, no
// priority, responses expected.
type Options struct {
	Timeout    time.Duration
	NoResponse bool
	Priority   int
}

// NotificationListener receives every correlated notification that is not a
// progress update.
type NotificationListener func(ctx *framectx.NotificationContext)

// ProgressListener receives only notifications whose type is "progress".
type ProgressListener func(ctx *framectx.NotificationContext)

// Request is one outstanding outbound call. Mutated only by its owning
// manager, its own timer, and explicit cancellation — never directly by
// application code other than through the methods below.
type Request struct {
	ID        string
	CreatedAt time.Time
	Method    string
	Payload   json.RawMessage
	Opts      Options

	mu       sync.Mutex
	machine  fsm.FSM
	data     json.RawMessage
	cause    *herrors.CodedError
	doneCh   chan struct{}
	timer    clock.Timer
	executed bool
	notifyFn []NotificationListener
	progFn   []ProgressListener

	bus    *events.Bus
	logger logging.Logger
}

// New constructs a pending request. It does not arm the timeout timer;
// call Execute for that once the request has been handed to a queue.
func New(method string, payload json.RawMessage, opts Options, bus *events.Bus, logger logging.Logger) *Request {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	r := &Request{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Method:    method,
		Payload:   payload,
		Opts:      opts,
		doneCh:    make(chan struct{}),
		bus:       bus,
		logger:    logger,
	}
	machine, err := reqfsm.New(logger,
		func(ctx context.Context, event fsm.Event, data interface{}) error {
			close(r.doneCh)
			return nil
		},
		func(ctx context.Context, event fsm.Event, data interface{}) error {
			close(r.doneCh)
			return nil
		},
	)
	if err != nil {
		// Transition table is static and known-good; a build failure here is
		// a programmer error, not a runtime condition to recover from.
		panic(err)
	}
	r.machine = machine
	return r
}

// Execute arms the timeout timer (if configured and a response is
// expected), tracked by group so node shutdown can cancel it. The queue
// calls it when it actually dispatches the request to the transport, so a
// request sitting queued behind a disconnect or the concurrency cap does
// not burn its timeout budget. Idempotent: a retried send does not rearm.
func (r *Request) Execute(group *clock.Group) {
	if r.Opts.NoResponse || r.Opts.Timeout <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.executed {
		return
	}
	r.executed = true
	r.timer = group.AfterFunc(r.Opts.Timeout, func() {
		r.Reject(herrors.New(herrors.CodeRequestTimeout, "request timed out"))
	})
}

// Done returns a channel closed exactly once the request reaches a
// terminal state, for callers (like the queue) that need to free resources
// on termination without polling Terminal.
func (r *Request) Done() <-chan struct{} {
	return r.doneCh
}

// Terminal reports whether the request has reached fulfilled or rejected.
func (r *Request) Terminal() bool {
	return reqfsm.IsTerminal(r.machine.CurrentState())
}

// Resolve transitions a pending request to fulfilled with data. Ignored
// (not an error) if the request is already terminal, per the sticky
// terminal-state invariant.
func (r *Request) Resolve(data json.RawMessage) {
	if r.Terminal() {
		return
	}
	r.mu.Lock()
	r.data = data
	r.stopTimerLocked()
	r.mu.Unlock()
	_ = r.machine.Transition(context.Background(), reqfsm.EventResolve, data)
	r.emitEvent("request:completed", events.Fields{"requestId": r.ID, "method": r.Method})
}

// Reject transitions a pending request to rejected with cause. Ignored if
// already terminal.
func (r *Request) Reject(cause *herrors.CodedError) {
	if r.Terminal() {
		return
	}
	r.mu.Lock()
	r.cause = cause
	r.stopTimerLocked()
	r.mu.Unlock()
	_ = r.machine.Transition(context.Background(), reqfsm.EventReject, cause)
	r.emitEvent("request:error", events.Fields{"requestId": r.ID, "method": r.Method, "code": string(cause.Code)})
}

// Cancel rejects the request with REQUEST_CANCELLED and the given reason.
func (r *Request) Cancel(reason string) {
	r.Reject(herrors.New(herrors.CodeRequestCancelled, reason))
}

func (r *Request) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Wait blocks until the request reaches a terminal state or ctx is done,
// returning the resolved data or the rejection cause.
func (r *Request) Wait(ctx context.Context) (json.RawMessage, *herrors.CodedError) {
	select {
	case <-r.doneCh:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.data, r.cause
	case <-ctx.Done():
		return nil, herrors.New(herrors.CodeRequestTimeout, "wait cancelled by caller context")
	}
}

// OnNotification registers a listener for correlated, non-progress
// notifications. Exceptions inside fn are caught and logged; they never
// affect request state.
func (r *Request) OnNotification(fn NotificationListener) {
	r.mu.Lock()
	r.notifyFn = append(r.notifyFn, fn)
	r.mu.Unlock()
}

// OnProgress registers a listener for "progress"-typed notifications.
func (r *Request) OnProgress(fn ProgressListener) {
	r.mu.Lock()
	r.progFn = append(r.progFn, fn)
	r.mu.Unlock()
}

// Deliver routes an inbound correlated notification to the progress or
// general listener set, selected by the notification's type field. A
// terminated request silently drops deliveries: terminal is sticky.
func (r *Request) Deliver(ctx *framectx.NotificationContext) {
	if r.Terminal() {
		return
	}
	r.mu.Lock()
	listeners := r.progFn
	general := r.notifyFn
	r.mu.Unlock()

	if ctx.IsProgress() {
		for _, fn := range listeners {
			r.safeInvoke(func() { fn(ctx) })
		}
		return
	}
	for _, fn := range general {
		r.safeInvoke(func() { fn(ctx) })
	}
}

func (r *Request) emitEvent(name string, fields events.Fields) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(name, fields)
}

func (r *Request) safeInvoke(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("listener panicked", "requestId", r.ID, "recover", rec)
		}
	}()
	fn()
}

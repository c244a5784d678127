// Package methods is the named-handler registry: registration with
// validation and per-call timeout, dispatch that races a handler against
// its timeout, execution metrics, and the proxy fork for relayed requests.
package methods

// file: internal/methods/registry.go

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/helios-starling/helios/internal/clock"
	"github.com/helios-starling/helios/internal/config"
	"github.com/helios-starling/helios/internal/envelope"
	"github.com/helios-starling/helios/internal/events"
	"github.com/helios-starling/helios/internal/framectx"
	"github.com/helios-starling/helios/internal/herrors"
	"github.com/helios-starling/helios/internal/logging"
)

// Handler processes one inbound request, replying through ctx.
type Handler func(ctx *framectx.RequestContext)

// Options configures one method registration.
type Options struct {
	// Timeout overrides the registry's default per-call timeout. Zero uses
	// the default.
	Timeout time.Duration
	// Internal skips the reserved-namespace check, for the kernel's own
	// system:/internal: methods.
	Internal bool
	// PayloadSchema, if set, validates the request payload before the
	// handler runs.
	PayloadSchema *jsonschema.Schema
}

// WithPayloadSchema compiles schemaJSON once and returns a copy of opts
// carrying the compiled validator. The registry never recompiles; inbound
// payloads for the method are validated against the compiled schema before
// the handler runs, failing the call with VALIDATION_ERROR.
func WithPayloadSchema(opts Options, schemaJSON string) (Options, error) {
	compiled, err := jsonschema.CompileString("payload.schema.json", schemaJSON)
	if err != nil {
		return opts, herrors.Wrap(herrors.CodeValidationError, "payload schema does not compile", err)
	}
	opts.PayloadSchema = compiled
	return opts, nil
}

// Metrics is the per-method execution history the registry maintains.
type Metrics struct {
	Calls              int64
	Errors             int64
	TotalExecutionTime time.Duration
	LastExecutionTime  time.Duration
	LastError          string
}

// AverageExecutionTime returns TotalExecutionTime / Calls, or zero if the
// method has never been called.
func (m Metrics) AverageExecutionTime() time.Duration {
	if m.Calls == 0 {
		return 0
	}
	return m.TotalExecutionTime / time.Duration(m.Calls)
}

type entry struct {
	name    string
	handler Handler
	opts    Options

	mu      sync.Mutex
	metrics Metrics
}

// ProxyHooks are invoked instead of local dispatch when an inbound frame
// carries a relayed peer marker. Any field may be nil. A nil Request hook
// makes Dispatch reply PROXY_FORBIDDEN to a relayed request; for the other
// frame classes the node handles a relayed frame locally when its hook is
// nil.
type ProxyHooks struct {
	Request      func(ctx *framectx.RequestContext)
	Response     func(ctx *framectx.ResponseContext)
	Notification func(ctx *framectx.NotificationContext)
	ErrorMessage func(ctx *framectx.ErrorContext)
}

// Registry is one node's set of registered methods.
type Registry struct {
	cfg    config.NodeConfig
	group  *clock.Group
	bus    *events.Bus
	logger logging.Logger

	mu      sync.RWMutex
	methods map[string]*entry
	proxy   ProxyHooks
}

// New builds an empty registry.
func New(cfg config.NodeConfig, group *clock.Group, bus *events.Bus, logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	return &Registry{
		cfg:     cfg,
		group:   group,
		bus:     bus,
		logger:  logger,
		methods: make(map[string]*entry),
	}
}

// SetProxy installs the node's proxy hooks.
func (r *Registry) SetProxy(hooks ProxyHooks) {
	r.mu.Lock()
	r.proxy = hooks
	r.mu.Unlock()
}

// Register adds name to the registry. Rejects malformed names, reserved
// namespaces (unless opts.Internal), and duplicate registrations.
func (r *Registry) Register(name string, handler Handler, opts Options) error {
	if err := envelope.ValidateMethodName(name, opts.Internal); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[name]; exists {
		return herrors.Newf(herrors.CodeValidationError, "method %q is already registered", name)
	}
	r.methods[name] = &entry{name: name, handler: handler, opts: opts}
	r.emit("method:registered", name)
	return nil
}

// Unregister removes name from the registry, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	_, existed := r.methods[name]
	delete(r.methods, name)
	r.mu.Unlock()
	if existed {
		r.emit("method:unregistered", name)
	}
}

// Metrics returns a snapshot of name's execution metrics, if registered.
func (r *Registry) Metrics(name string) (Metrics, bool) {
	r.mu.RLock()
	e, ok := r.methods[name]
	r.mu.RUnlock()
	if !ok {
		return Metrics{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics, true
}

// Dispatch routes a validated inbound request to its registered handler,
// or to the proxy hook if the request is relayed. A missing method
// replies METHOD_NOT_FOUND; a handler that neither replies nor panics
// within its timeout is deemed to have timed out; a handler that returns
// without replying gets a synthesized METHOD_ERROR.
func (r *Registry) Dispatch(ctx *framectx.RequestContext) {
	if ctx.Peer().IsRelayed() {
		r.mu.RLock()
		hook := r.proxy.Request
		r.mu.RUnlock()
		if hook != nil {
			hook(ctx)
		} else {
			_ = ctx.Error(string(herrors.CodeProxyForbidden), "no proxy configured for relayed request", nil)
		}
		return
	}

	r.mu.RLock()
	e, ok := r.methods[ctx.Method()]
	r.mu.RUnlock()
	if !ok {
		_ = ctx.Error(string(herrors.CodeMethodNotFound), "method not found: "+ctx.Method(), nil)
		return
	}

	if e.opts.PayloadSchema != nil {
		var payload any
		if len(ctx.Payload()) > 0 {
			if err := json.Unmarshal(ctx.Payload(), &payload); err != nil {
				_ = ctx.Error(string(herrors.CodeValidationError), "payload is not valid JSON", nil)
				return
			}
		}
		if verr := e.opts.PayloadSchema.Validate(payload); verr != nil {
			_ = ctx.Error(string(herrors.CodeValidationError), verr.Error(), nil)
			return
		}
	}

	timeout := e.opts.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultMethodTimeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	done := make(chan struct{})
	timedOut := make(chan struct{})
	start := time.Now()

	go func() {
		defer close(done)
		defer r.recoverHandlerPanic(ctx, e, start)
		e.handler(ctx)
		r.recordSuccess(e, start)
	}()

	timer := r.group.AfterFunc(timeout, func() { close(timedOut) })

	select {
	case <-done:
		timer.Stop()
		if !ctx.Processed() {
			_ = ctx.Error(string(herrors.CodeMethodError), "Method did not provide a response", nil)
		}
	case <-timedOut:
		if !ctx.Processed() {
			_ = ctx.Error(string(herrors.CodeRequestTimeout), "method timed out", nil)
		}
	}
}

func (r *Registry) recoverHandlerPanic(ctx *framectx.RequestContext, e *entry, start time.Time) {
	rec := recover()
	if rec == nil {
		return
	}
	err, ok := rec.(error)
	if !ok {
		err = errors.Newf("handler panicked: %v", rec)
	}
	r.recordFailure(e, start, err.Error())
	if ctx.Processed() {
		return
	}
	if coded, ok := herrors.AsCoded(err); ok {
		_ = ctx.Error(coded.Code, coded.Message, coded.Details)
		return
	}
	_ = ctx.Error(string(herrors.CodeMethodError), err.Error(), nil)
}

func (r *Registry) recordSuccess(e *entry, start time.Time) {
	elapsed := time.Since(start)
	e.mu.Lock()
	e.metrics.Calls++
	e.metrics.TotalExecutionTime += elapsed
	e.metrics.LastExecutionTime = elapsed
	e.mu.Unlock()
}

func (r *Registry) recordFailure(e *entry, start time.Time, reason string) {
	elapsed := time.Since(start)
	e.mu.Lock()
	e.metrics.Calls++
	e.metrics.Errors++
	e.metrics.TotalExecutionTime += elapsed
	e.metrics.LastExecutionTime = elapsed
	e.metrics.LastError = reason
	e.mu.Unlock()
}

func (r *Registry) emit(name, method string) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(name, events.Fields{"method": method})
}

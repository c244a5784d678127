// Package resolver classifies one inbound frame and dispatches it to a
// fixed set of typed subscription handlers. It never blocks and never lets
// a handler panic escape to the caller, since the caller is the transport's
// read loop and a stalled or crashed resolver would take the whole
// connection down with it.
package resolver

// file: internal/resolver/resolver.go

import (
	"strings"

	"github.com/helios-starling/helios/internal/envelope"
	"github.com/helios-starling/helios/internal/events"
	"github.com/helios-starling/helios/internal/logging"
)

// Options tunes classification behavior.
type Options struct {
	// Strict, when true (the default), treats a frame carrying a foreign
	// protocol marker as a violation. Plain JSON with no marker at all is
	// handed to OnJSON either way.
	Strict bool
	// AllowCustomTypes, when true, skips the resolver's own unknown-type
	// check. Envelope validation still rejects a type outside the known
	// set, so such a frame is still reported as a violation. Off by default.
	AllowCustomTypes bool
	// MaxMessageSize caps the raw frame size in bytes. Zero disables the
	// check.
	MaxMessageSize int
}

// Handlers is the fixed set of typed subscriptions a resolver dispatches
// to. Any field may be left nil; a nil handler means the frame class is
// silently discarded after an observability event.
type Handlers struct {
	OnBinary       func(data []byte)
	OnText         func(text string)
	OnJSON         func(value any)
	OnRequest      func(msg envelope.Envelope)
	OnResponse     func(msg envelope.Envelope)
	OnNotification func(msg envelope.Envelope)
	OnAck          func(msg envelope.Envelope)
	OnPing         func(msg envelope.Envelope)
	OnErrorMessage func(msg envelope.Envelope)
	OnViolation    func(reasons []string, msg envelope.Envelope)
}

// Resolver is the stateless classify-then-dispatch stage between a
// transport's read loop and the rest of the kernel.
type Resolver struct {
	opts     Options
	handlers Handlers
	bus      *events.Bus
	logger   logging.Logger
}

// New builds a resolver. opts is stored as given; use DefaultOptions for
// the conventional strict, no-custom-types configuration.
func New(opts Options, handlers Handlers, bus *events.Bus, logger logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	return &Resolver{opts: opts, handlers: handlers, bus: bus, logger: logger}
}

// DefaultOptions returns the conventional resolver options: strict, no
// custom types, no size cap.
func DefaultOptions() Options {
	return Options{Strict: true}
}

// Resolve classifies raw and dispatches it to the matching handler. binary
// is true when the transport delivered this frame as a binary WebSocket
// message. A handler panic is recovered, logged and emitted as a
// resolver:handler_panic event rather than propagated.
func (r *Resolver) Resolve(raw []byte, binary bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("resolver: handler panicked", "recover", rec)
			r.emit("resolver:handler_panic", events.Fields{"recover": rec})
		}
	}()

	if r.opts.MaxMessageSize > 0 && len(raw) > r.opts.MaxMessageSize {
		r.violation([]string{"message exceeds configured maximum size"}, envelope.Envelope{})
		return
	}

	decoded := envelope.Decode(raw, binary)
	switch decoded.Format {
	case envelope.FormatBinary:
		if r.handlers.OnBinary == nil {
			r.emit("message:binary:dropped", nil)
			return
		}
		r.handlers.OnBinary(decoded.Binary)
		r.emit("message:binary", nil)
	case envelope.FormatText:
		if r.handlers.OnText == nil {
			r.emit("message:text:dropped", nil)
			return
		}
		r.handlers.OnText(decoded.Text)
		r.emit("message:text", nil)
	case envelope.FormatForeign:
		if r.opts.Strict && decoded.ForeignMarker {
			r.violation([]string{"protocol: frame carries a foreign protocol marker"}, envelope.Envelope{})
			return
		}
		if r.handlers.OnJSON == nil {
			r.emit("message:json:dropped", nil)
			return
		}
		r.handlers.OnJSON(decoded.Foreign)
		r.emit("message:json", nil)
	case envelope.FormatProtocol:
		r.resolveProtocol(decoded.Message, len(raw))
	}
}

func (r *Resolver) resolveProtocol(msg envelope.Envelope, rawSize int) {
	if !r.opts.AllowCustomTypes {
		if _, known := knownTypes[msg.Type]; !known {
			r.violation([]string{"type: unrecognized protocol frame type"}, msg)
			return
		}
	}

	result := envelope.ValidateByType(&msg, rawSize, r.opts.MaxMessageSize)
	if !result.Valid {
		r.violation(result.Errors, msg)
		return
	}

	var handler func(envelope.Envelope)
	var eventName string
	switch msg.Type {
	case envelope.TypeRequest:
		handler, eventName = r.handlers.OnRequest, "message:request"
	case envelope.TypeResponse:
		handler, eventName = r.handlers.OnResponse, "message:response"
	case envelope.TypeNotification:
		handler, eventName = r.handlers.OnNotification, "message:notification"
	case envelope.TypeAck:
		handler, eventName = r.handlers.OnAck, "message:ack"
	case envelope.TypePing:
		handler, eventName = r.handlers.OnPing, "message:ping"
	case envelope.TypeError:
		handler, eventName = r.handlers.OnErrorMessage, "message:error"
	default:
		return
	}
	if handler == nil {
		r.emit(eventName+":dropped", nil)
		return
	}
	handler(msg)
	r.emit(eventName, nil)
}

var knownTypes = map[envelope.Type]struct{}{
	envelope.TypeRequest:      {},
	envelope.TypeResponse:     {},
	envelope.TypeNotification: {},
	envelope.TypeError:        {},
	envelope.TypeAck:          {},
	envelope.TypePing:         {},
}

func (r *Resolver) violation(reasons []string, msg envelope.Envelope) {
	r.emit("message:violation", events.Fields{"reasons": strings.Join(reasons, "; ")})
	if r.handlers.OnViolation != nil {
		r.handlers.OnViolation(reasons, msg)
	}
}

func (r *Resolver) emit(name string, fields events.Fields) {
	if r.bus == nil {
		return
	}
	if fields == nil {
		fields = events.Fields{}
	}
	r.bus.Emit(name, fields)
}

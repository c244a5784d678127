// Package framectx defines the per-inbound-frame context objects handlers
// and registries operate on: request, response, notification, error, text,
// JSON, and binary. Every variant carries a "processed" latch that prevents
// a double reply, the central invariant this package exists to enforce.
package framectx

// file: internal/framectx/framectx.go

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/helios-starling/helios/internal/envelope"
	"github.com/helios-starling/helios/internal/events"
)

// Replier is the surface a request context needs to emit a response or a
// correlated notification. A node implements it; contexts never touch the
// transport directly.
type Replier interface {
	SendResponse(requestID string, success bool, data any, errPayload *envelope.Error) error
	SendNotification(topic string, data any, requestID string, notifType string) error
}

// base carries the fields every inbound-frame context shares.
type base struct {
	mu        sync.Mutex
	processed bool
	startedAt time.Time
	timestamp int64
	metadata  map[string]any
	peer      envelope.Peer
	bus       *events.Bus
}

func newBase(timestamp int64, peer envelope.Peer, metadata map[string]any, bus *events.Bus) base {
	return base{
		startedAt: time.Now(),
		timestamp: timestamp,
		peer:      peer,
		metadata:  metadata,
		bus:       bus,
	}
}

// Processed reports whether this context has already produced its terminal
// reply or acknowledgement.
func (b *base) Processed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processed
}

// markProcessed flips the latch exactly once, emitting message:processed on
// the winning call, and reports whether this call was the one that won.
func (b *base) markProcessed(requestID string, streaming bool, streamCount int) bool {
	b.mu.Lock()
	if b.processed {
		b.mu.Unlock()
		return false
	}
	b.processed = true
	b.mu.Unlock()

	if b.bus != nil {
		b.bus.Emit("message:processed", events.Fields{
			"requestId":   requestID,
			"duration":    time.Since(b.startedAt),
			"streaming":   streaming,
			"streamCount": streamCount,
		})
	}
	return true
}

// Peer returns the relay marker carried on the originating envelope.
func (b *base) Peer() envelope.Peer { return b.peer }

// Timestamp returns the originating envelope's timestamp in Unix ms.
func (b *base) Timestamp() int64 { return b.timestamp }

// Metadata returns the opaque metadata attached to this frame.
func (b *base) Metadata() map[string]any { return b.metadata }

// RequestContext is handed to a registered method handler. Exactly one of
// Success/Error may run; Notify/Progress may run any number of times before
// that, never after.
type RequestContext struct {
	base
	requestID   string
	method      string
	payload     json.RawMessage
	replier     Replier
	streamCount int
}

// NewRequestContext builds the context a methods registry dispatches to a
// handler for one inbound request frame.
func NewRequestContext(requestID, method string, payload json.RawMessage, timestamp int64, peer envelope.Peer, metadata map[string]any, replier Replier, bus *events.Bus) *RequestContext {
	return &RequestContext{
		base:      newBase(timestamp, peer, metadata, bus),
		requestID: requestID,
		method:    method,
		payload:   payload,
		replier:   replier,
	}
}

// RequestID returns the correlating id for this call.
func (c *RequestContext) RequestID() string { return c.requestID }

// Method returns the invoked method name.
func (c *RequestContext) Method() string { return c.method }

// Payload returns the request's raw JSON payload, possibly empty.
func (c *RequestContext) Payload() json.RawMessage { return c.payload }

// Success sends a successful response and marks the context processed. A
// second call, or a call after Error, is a usage error returned to the
// caller rather than sent twice on the wire.
func (c *RequestContext) Success(data any) error {
	if !c.markProcessed(c.requestID, c.streamCount > 0, c.streamCount) {
		return errAlreadyProcessed
	}
	return c.replier.SendResponse(c.requestID, true, data, nil)
}

// Error sends a failed response carrying code/message/details and marks the
// context processed.
func (c *RequestContext) Error(code, message string, details any) error {
	if !c.markProcessed(c.requestID, c.streamCount > 0, c.streamCount) {
		return errAlreadyProcessed
	}
	var raw json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err == nil {
			raw = b
		}
	}
	return c.replier.SendResponse(c.requestID, false, nil, &envelope.Error{
		Code:    code,
		Message: message,
		Details: raw,
	})
}

// Notify sends an intermediate correlated notification without terminating
// the context; marks the call as streaming for the eventual
// message:processed event.
func (c *RequestContext) Notify(topic string, data any) error {
	if c.Processed() {
		return errAlreadyProcessed
	}
	c.mu.Lock()
	c.streamCount++
	c.mu.Unlock()
	return c.replier.SendNotification(topic, data, c.requestID, "")
}

// Progress is a convenience over Notify that sends a "progress"-typed
// notification on the conventional {requestId}:progress topic.
func (c *RequestContext) Progress(pct int, status string, details any) error {
	if c.Processed() {
		return errAlreadyProcessed
	}
	c.mu.Lock()
	c.streamCount++
	c.mu.Unlock()
	payload := map[string]any{"progress": pct}
	if status != "" {
		payload["status"] = status
	}
	if details != nil {
		payload["details"] = details
	}
	return c.replier.SendNotification(c.requestID+":progress", payload, c.requestID, "progress")
}

// ResponseContext is a read-only carrier passed to the requests manager when
// a response frame arrives.
type ResponseContext struct {
	base
	RequestID string
	Success   bool
	Data      json.RawMessage
	Err       *envelope.Error
}

// NewResponseContext builds the read-only context for an inbound response
// frame.
func NewResponseContext(requestID string, success bool, data json.RawMessage, errPayload *envelope.Error, timestamp int64, peer envelope.Peer, bus *events.Bus) *ResponseContext {
	return &ResponseContext{
		base:      newBase(timestamp, peer, nil, bus),
		RequestID: requestID,
		Success:   success,
		Data:      data,
		Err:       errPayload,
	}
}

// Acknowledge marks the response context processed, emitting
// message:processed exactly once.
func (c *ResponseContext) Acknowledge() {
	c.markProcessed(c.RequestID, false, 0)
}

// NotificationContext is a read-only carrier passed to the requests manager
// (correlated) or the topics registry (topic-scoped).
type NotificationContext struct {
	base
	Topic     string
	Data      json.RawMessage
	RequestID string
	Type      string
}

// NewNotificationContext builds the read-only context for an inbound
// notification frame.
func NewNotificationContext(topic string, data json.RawMessage, requestID, notifType string, timestamp int64, peer envelope.Peer, bus *events.Bus) *NotificationContext {
	return &NotificationContext{
		base:      newBase(timestamp, peer, nil, bus),
		Topic:     topic,
		Data:      data,
		RequestID: requestID,
		Type:      notifType,
	}
}

// IsProgress reports whether this notification should be routed to a
// request's progress listeners rather than its general notification
// listeners.
func (c *NotificationContext) IsProgress() bool {
	return c.Type == "progress"
}

// Acknowledge marks the notification context processed.
func (c *NotificationContext) Acknowledge() {
	c.markProcessed(c.RequestID, false, 0)
}

// ErrorContext is a read-only carrier passed for an inbound top-level error
// frame.
type ErrorContext struct {
	base
	Severity envelope.Severity
	Code     string
	Message  string
	Details  json.RawMessage
}

// NewErrorContext builds the read-only context for an inbound top-level
// error frame.
func NewErrorContext(e envelope.Error, timestamp int64, peer envelope.Peer, bus *events.Bus) *ErrorContext {
	return &ErrorContext{
		base:     newBase(timestamp, peer, nil, bus),
		Severity: e.Severity,
		Code:     e.Code,
		Message:  e.Message,
		Details:  e.Details,
	}
}

// Acknowledge marks the error context processed.
func (c *ErrorContext) Acknowledge() {
	c.markProcessed("", false, 0)
}

// RawContext is shared by the text/JSON/binary variants: each carries raw
// content and the only mutation available is Acknowledge.
type RawContext struct {
	base
	Text   string
	JSON   any
	Binary []byte
}

// NewTextContext builds a context for an inbound frame that failed JSON
// parsing.
func NewTextContext(text string, bus *events.Bus) *RawContext {
	return &RawContext{base: newBase(0, envelope.Peer{}, nil, bus), Text: text}
}

// NewJSONContext builds a context for an inbound frame that parsed as JSON
// but lacked the protocol marker.
func NewJSONContext(value any, bus *events.Bus) *RawContext {
	return &RawContext{base: newBase(0, envelope.Peer{}, nil, bus), JSON: value}
}

// NewBinaryContext builds a context for an inbound binary frame.
func NewBinaryContext(data []byte, bus *events.Bus) *RawContext {
	return &RawContext{base: newBase(0, envelope.Peer{}, nil, bus), Binary: data}
}

// Acknowledge marks the raw context processed.
func (c *RawContext) Acknowledge() {
	c.markProcessed("", false, 0)
}

type usageError string

func (e usageError) Error() string { return string(e) }

const errAlreadyProcessed = usageError("framectx: context already processed")

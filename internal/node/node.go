// Package node wires the kernel's leaf components — resolver, send buffer,
// request queue, requests manager, methods registry, topics registry —
// into the single object an application and a transport collaborator both
// talk to. It owns no wire I/O itself: a Transport supplies that, and the
// node calls back into it through SendRaw.
package node

// file: internal/node/node.go

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/helios-starling/helios/internal/clock"
	"github.com/helios-starling/helios/internal/config"
	"github.com/helios-starling/helios/internal/connstate"
	"github.com/helios-starling/helios/internal/envelope"
	"github.com/helios-starling/helios/internal/events"
	"github.com/helios-starling/helios/internal/framectx"
	"github.com/helios-starling/helios/internal/fsm"
	"github.com/helios-starling/helios/internal/herrors"
	"github.com/helios-starling/helios/internal/logging"
	"github.com/helios-starling/helios/internal/methods"
	"github.com/helios-starling/helios/internal/queue"
	"github.com/helios-starling/helios/internal/request"
	"github.com/helios-starling/helios/internal/requests"
	"github.com/helios-starling/helios/internal/resolver"
	"github.com/helios-starling/helios/internal/sendbuffer"
	"github.com/helios-starling/helios/internal/topics"
)

// Transport is the collaborator a node writes outbound frames through.
// Connection state and the inbound feed are driven the other way: the
// transport calls Node.SetConnected and Node.Deliver as its own read loop
// observes them.
type Transport interface {
	SendRaw(frame []byte) error
}

// ProxyHooks are invoked instead of local handling when an inbound frame
// carries a relayed peer marker. Any field may be nil.
type ProxyHooks = methods.ProxyHooks

// Node is one endpoint of a helios-starling connection.
type Node struct {
	cfg       config.NodeConfig
	transport Transport
	bus       *events.Bus
	logger    logging.Logger
	group     *clock.Group

	connMachine *connstate.Machine
	buffer      *sendbuffer.Buffer
	queue       *queue.Queue
	requestsMgr *requests.Manager
	methods     *methods.Registry
	topics      *topics.Registry
	resolver    *resolver.Resolver

	mu       sync.RWMutex
	proxy    ProxyHooks
	onText   func(string)
	onJSON   func(any)
	onBinary func([]byte)
	onError  func(*framectx.ErrorContext)
}

// New builds a node bound to transport, with its own timer group and event
// bus. Call Run to start its background loops and SetConnected/Deliver as
// the transport observes connection state and inbound frames.
func New(cfg config.NodeConfig, transport Transport, logger logging.Logger) *Node {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	bus := events.New()
	group := clock.NewGroup(clock.Real{})

	n := &Node{
		cfg:         cfg,
		transport:   transport,
		bus:         bus,
		logger:      logger,
		group:       group,
		requestsMgr: requests.New(cfg, group, bus, logger),
		methods:     methods.New(cfg, group, bus, logger),
		topics:      topics.New(bus),
	}
	n.queue = queue.New(cfg, group, bus, n.sendQueuedRequest, logger)
	n.buffer = sendbuffer.New(cfg, group, bus, n.flushBatch, logger)

	n.resolver = resolver.New(resolver.Options{Strict: true, MaxMessageSize: cfg.MaxMessageSize}, resolver.Handlers{
		OnBinary:       n.handleBinary,
		OnText:         n.handleText,
		OnJSON:         n.handleJSON,
		OnRequest:      n.handleRequest,
		OnResponse:     n.handleResponse,
		OnNotification: n.handleNotification,
		OnAck:          n.handleAck,
		OnPing:         n.handlePing,
		OnErrorMessage: n.handleErrorMessage,
		OnViolation:    n.handleViolation,
	}, bus, logger)

	machine, err := connstate.New(logger,
		func(ctx context.Context, event fsm.Event, data interface{}) error {
			n.queue.SetConnected(true)
			n.buffer.SetConnected(true)
			n.emit("node:connected", nil)
			return nil
		},
		func(ctx context.Context, event fsm.Event, data interface{}) error {
			n.queue.SetConnected(false)
			n.buffer.SetConnected(false)
			n.topics.OnDisconnect()
			n.emit("node:disconnected", nil)
			return nil
		},
	)
	if err != nil {
		panic(err)
	}
	n.connMachine = machine

	return n
}

// Bus exposes the node's observability event stream.
func (n *Node) Bus() *events.Bus { return n.bus }

// SetTransport (re)binds the node's outbound collaborator. Needed for
// transports whose own construction requires a Deliverer (this node) to
// already exist, such as wstransport.Upgrade — call New with a nil
// transport, build the transport from the node, then SetTransport before
// any traffic flows.
func (n *Node) SetTransport(t Transport) {
	n.transport = t
}

// Run starts the queue scheduler and the requests manager's expired-table
// sweep. Call it once, in its own goroutine's lifetime; it returns when ctx
// is cancelled.
func (n *Node) Run(ctx context.Context) {
	if n.cfg.StatsInterval > 0 {
		var scheduleStats func()
		scheduleStats = func() {
			n.group.AfterFunc(n.cfg.StatsInterval, func() {
				select {
				case <-ctx.Done():
					return
				default:
				}
				n.emitStats()
				scheduleStats()
			})
		}
		scheduleStats()
	}
	go n.queue.Run(ctx)
	n.requestsMgr.Run(ctx)
}

func (n *Node) emitStats() {
	active, expired := n.requestsMgr.Counts()
	n.emit("system:stats", events.Fields{
		"queueSize":       n.queue.Len(),
		"bufferSize":      n.buffer.Len(),
		"activeRequests":  active,
		"expiredRequests": expired,
		"connected":       n.Connected(),
	})
}

// Close cancels every outstanding request, clears the queue, closes the
// send buffer (payloads still pending in it are not sent), and releases the
// node's timer group. The node is unusable after this returns.
func (n *Node) Close(reason string) {
	if reason == "" {
		reason = "node disposed"
	}
	n.requestsMgr.CancelAll(reason)
	n.queue.Clear(reason)
	n.queue.Close()
	n.buffer.Close()
	n.topics.OnDisconnect()
	n.group.Release()
}

// SetConnected is called by the transport as it observes connection state
// changes. Idempotent: re-announcing the same state is a no-op.
func (n *Node) SetConnected(connected bool) {
	if connected {
		if n.connMachine.Connected() {
			return
		}
		_ = n.connMachine.Connect()
		return
	}
	if !n.connMachine.Connected() {
		return
	}
	_ = n.connMachine.Disconnect()
}

// Connected reports the node's last-announced connection state.
func (n *Node) Connected() bool {
	return n.connMachine.Connected()
}

// Deliver is called by the transport's read loop for every raw inbound
// frame. binary is true for a binary WebSocket message.
func (n *Node) Deliver(raw []byte, binary bool) {
	defer n.recoverDispatch()
	n.resolver.Resolve(raw, binary)
}

// RegisterMethod adds name to the node's methods registry.
func (n *Node) RegisterMethod(name string, handler methods.Handler, opts methods.Options) error {
	return n.methods.Register(name, handler, opts)
}

// UnregisterMethod removes name from the node's methods registry.
func (n *Node) UnregisterMethod(name string) {
	n.methods.Unregister(name)
}

// Subscribe registers a topic handler. pattern may contain `*` segment
// wildcards.
func (n *Node) Subscribe(pattern string, handler topics.Handler, opts topics.Options) (topics.Handle, error) {
	return n.topics.Subscribe(pattern, handler, opts)
}

// SetProxy installs the node's proxy configuration, forwarding relayed
// inbound requests to hooks.Request and handling relayed responses,
// notifications, and top-level errors directly.
func (n *Node) SetProxy(hooks ProxyHooks) {
	n.mu.Lock()
	n.proxy = hooks
	n.mu.Unlock()
	n.methods.SetProxy(hooks)
}

// SetOnText registers the handler for frames that failed JSON parsing.
func (n *Node) SetOnText(fn func(string)) {
	n.mu.Lock()
	n.onText = fn
	n.mu.Unlock()
}

// SetOnJSON registers the handler for parseable JSON lacking the protocol
// marker.
func (n *Node) SetOnJSON(fn func(any)) {
	n.mu.Lock()
	n.onJSON = fn
	n.mu.Unlock()
}

// SetOnBinary registers the handler for binary frames.
func (n *Node) SetOnBinary(fn func([]byte)) {
	n.mu.Lock()
	n.onBinary = fn
	n.mu.Unlock()
}

// SetOnError registers the handler for inbound top-level error frames not
// claimed by the proxy configuration.
func (n *Node) SetOnError(fn func(*framectx.ErrorContext)) {
	n.mu.Lock()
	n.onError = fn
	n.mu.Unlock()
}

// Request originates an outbound call: builds a request object, tracks it
// with the requests manager, and hands it to the queue. The request's
// timeout timer is armed by the queue at dispatch time, not here — a
// request queued behind a disconnect stays pending at full budget until
// the scheduler actually sends it.
func (n *Node) Request(method string, payload any, opts request.Options) (*request.Request, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, errors.Wrap(err, "node: failed to marshal request payload")
	}
	r := request.New(method, raw, opts, n.bus, n.logger)
	n.requestsMgr.Track(r)

	ok, err := n.queue.Enqueue(r)
	if err != nil {
		return nil, err
	}
	if !ok {
		// The queue's onFull=drop policy: not an error, just no admission.
		return nil, nil
	}
	n.emit("request:queued", events.Fields{"requestId": r.ID, "method": method})
	return r, nil
}

// Notify sends a fire-and-forget notification. requestID, if non-empty,
// correlates it to an outstanding request on the peer's side (used for
// progress streaming from within a method handler via the request
// context instead — this is the free-standing, application-facing form).
func (n *Node) Notify(topic string, data any, requestID string) error {
	return n.SendNotification(topic, data, requestID, "")
}

// SendError sends a top-level application-severity error frame, not tied
// to any specific request.
func (n *Node) SendError(code, message string, details any) error {
	return n.sendErrorFrame(code, message, details, envelope.SeverityApplication)
}

// Send enqueues an arbitrary application payload on the send buffer,
// bypassing the protocol envelope entirely. Used for the rare case where
// an application wants to talk past the protocol to a counterpart that
// understands the raw bytes.
func (n *Node) Send(payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return n.writeRaw(raw)
}

// SendResponse implements framectx.Replier for the methods registry's
// request contexts.
func (n *Node) SendResponse(requestID string, success bool, data any, errPayload *envelope.Error) error {
	msg := envelope.NewBase(envelope.TypeResponse, nowMillis())
	msg.RequestID = requestID
	s := success
	msg.Success = &s
	if success {
		raw, err := marshalPayload(data)
		if err != nil {
			return err
		}
		msg.Data = raw
	} else {
		msg.Error = errPayload
	}
	return n.writeEnvelope(msg)
}

// SendNotification implements framectx.Replier for the methods registry's
// request contexts (progress/streaming) and is reused by Notify.
func (n *Node) SendNotification(topic string, data any, requestID, notifType string) error {
	raw, err := marshalPayload(data)
	if err != nil {
		return err
	}
	msg := envelope.NewBase(envelope.TypeNotification, nowMillis())
	msg.RequestID = requestID
	msg.NotificationPayload = &envelope.Notification{Topic: topic, Data: raw, Type: notifType}
	return n.writeEnvelope(msg)
}

func (n *Node) sendErrorFrame(code, message string, details any, severity envelope.Severity) error {
	var raw json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err == nil {
			raw = b
		}
	}
	msg := envelope.NewBase(envelope.TypeError, nowMillis())
	msg.Error = &envelope.Error{Severity: severity, Code: code, Message: message, Details: raw}
	return n.writeEnvelope(msg)
}

func (n *Node) sendQueuedRequest(r *request.Request) error {
	msg := envelope.NewBase(envelope.TypeRequest, nowMillis())
	msg.RequestID = r.ID
	msg.Method = r.Method
	msg.Payload = r.Payload
	data, err := envelope.Encode(msg)
	if err != nil {
		return err
	}
	return n.transport.SendRaw(data)
}

func (n *Node) writeEnvelope(msg envelope.Envelope) error {
	data, err := envelope.Encode(msg)
	if err != nil {
		return err
	}
	return n.writeRaw(data)
}

func (n *Node) writeRaw(data []byte) error {
	ok, err := n.buffer.Enqueue(data)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("node: frame dropped, send buffer is full")
	}
	return nil
}

func (n *Node) flushBatch(batch [][]byte) error {
	for _, frame := range batch {
		if err := n.transport.SendRaw(frame); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) handleBinary(data []byte) {
	ctx := framectx.NewBinaryContext(data, n.bus)
	n.mu.RLock()
	fn := n.onBinary
	n.mu.RUnlock()
	if fn != nil {
		fn(data)
	}
	ctx.Acknowledge()
}

func (n *Node) handleText(text string) {
	ctx := framectx.NewTextContext(text, n.bus)
	n.mu.RLock()
	fn := n.onText
	n.mu.RUnlock()
	if fn != nil {
		fn(text)
	}
	ctx.Acknowledge()
}

func (n *Node) handleJSON(value any) {
	ctx := framectx.NewJSONContext(value, n.bus)
	n.mu.RLock()
	fn := n.onJSON
	n.mu.RUnlock()
	if fn != nil {
		fn(value)
	}
	ctx.Acknowledge()
}

func (n *Node) handleRequest(msg envelope.Envelope) {
	ctx := framectx.NewRequestContext(msg.RequestID, msg.Method, msg.Payload, msg.Timestamp, msg.Peer, nil, n, n.bus)
	n.methods.Dispatch(ctx)
}

func (n *Node) handleResponse(msg envelope.Envelope) {
	success := msg.Success != nil && *msg.Success
	ctx := framectx.NewResponseContext(msg.RequestID, success, msg.Data, msg.Error, msg.Timestamp, msg.Peer, n.bus)

	if msg.Peer.IsRelayed() {
		n.mu.RLock()
		hook := n.proxy.Response
		n.mu.RUnlock()
		if hook != nil {
			hook(ctx)
			return
		}
	}

	if success {
		n.emit("response:received", events.Fields{"requestId": msg.RequestID})
	} else {
		n.emit("response:error", events.Fields{"requestId": msg.RequestID})
	}
	n.requestsMgr.HandleResponse(ctx)
}

func (n *Node) handleNotification(msg envelope.Envelope) {
	notif := msg.NotificationPayload
	if notif == nil {
		return
	}
	ctx := framectx.NewNotificationContext(notif.Topic, notif.Data, msg.RequestID, notif.Type, msg.Timestamp, msg.Peer, n.bus)

	if msg.Peer.IsRelayed() {
		n.mu.RLock()
		hook := n.proxy.Notification
		n.mu.RUnlock()
		if hook != nil {
			hook(ctx)
			return
		}
	}

	if msg.RequestID != "" {
		if n.requestsMgr.HandleNotification(ctx) {
			return
		}
	}
	n.topics.Dispatch(ctx)
}

func (n *Node) handleAck(msg envelope.Envelope) {
	// The resolver emits message:ack once this returns; acks carry no
	// further routing obligation for the kernel.
	n.logger.Debug("ack received", "messageId", msg.MessageID)
}

func (n *Node) handlePing(msg envelope.Envelope) {
	ack := envelope.NewBase(envelope.TypeAck, nowMillis())
	ack.MessageID = uuid.NewString()
	_ = n.writeEnvelope(ack)
}

func (n *Node) handleErrorMessage(msg envelope.Envelope) {
	if msg.Error == nil {
		return
	}
	ctx := framectx.NewErrorContext(*msg.Error, msg.Timestamp, msg.Peer, n.bus)

	if msg.Peer.IsRelayed() {
		n.mu.RLock()
		hook := n.proxy.ErrorMessage
		n.mu.RUnlock()
		if hook != nil {
			hook(ctx)
			return
		}
	}

	n.mu.RLock()
	fn := n.onError
	n.mu.RUnlock()
	if fn != nil {
		fn(ctx)
	}
	ctx.Acknowledge()
}

func (n *Node) handleViolation(reasons []string, msg envelope.Envelope) {
	n.emit("message:protocol_error", events.Fields{"violations": reasons})
	_ = n.sendErrorFrame(string(herrors.CodeProtocolViolation), "protocol violation: "+strings.Join(reasons, "; "), reasons, envelope.SeverityProtocol)
}

func (n *Node) recoverDispatch() {
	if rec := recover(); rec != nil {
		n.logger.Error("node: inbound dispatch panicked", "recover", rec)
		n.emit("message:internal_error", events.Fields{"recover": rec})
		_ = n.sendErrorFrame(string(herrors.CodeInternalError), "internal dispatcher error", nil, envelope.SeverityApplication)
	}
}

func (n *Node) emit(name string, fields events.Fields) {
	if fields == nil {
		fields = events.Fields{}
	}
	n.bus.Emit(name, fields)
}

func marshalPayload(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

package node

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-starling/helios/internal/config"
	"github.com/helios-starling/helios/internal/envelope"
	"github.com/helios-starling/helios/internal/events"
	"github.com/helios-starling/helios/internal/framectx"
	"github.com/helios-starling/helios/internal/methods"
	"github.com/helios-starling/helios/internal/request"
	"github.com/helios-starling/helios/internal/topics"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (t *fakeTransport) SendRaw(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, frame)
	return nil
}

func (t *fakeTransport) frames() []envelope.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]envelope.Envelope, 0, len(t.sent))
	for _, raw := range t.sent {
		var msg envelope.Envelope
		_ = json.Unmarshal(raw, &msg)
		out = append(out, msg)
	}
	return out
}

func newTestNode(t *testing.T, transport Transport) *Node {
	t.Helper()
	cfg := config.Default()
	cfg.SendBatchWindow = time.Millisecond
	cfg.DrainTimeout = time.Second
	n := New(cfg, transport, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go n.Run(ctx)
	return n
}

func requestFrame(method, requestID string, payload string) []byte {
	msg := envelope.NewBase(envelope.TypeRequest, 0)
	msg.RequestID = requestID
	msg.Method = method
	msg.Payload = json.RawMessage(payload)
	raw, _ := envelope.Encode(msg)
	return raw
}

func TestS1SuccessfulRequest(t *testing.T) {
	transport := &fakeTransport{}
	n := newTestNode(t, transport)
	n.SetConnected(true)

	require.NoError(t, n.RegisterMethod("users:getProfile", func(ctx *framectx.RequestContext) {
		_ = ctx.Success(map[string]any{"name": "John"})
	}, methods.Options{}))

	n.Deliver(requestFrame("users:getProfile", "123e4567-e89b-12d3-a456-426614174000", `{"userId":"123"}`), false)

	require.Eventually(t, func() bool { return len(transport.frames()) == 1 }, time.Second, time.Millisecond)
	frame := transport.frames()[0]
	assert.Equal(t, envelope.TypeResponse, frame.Type)
	require.NotNil(t, frame.Success)
	assert.True(t, *frame.Success)
	assert.JSONEq(t, `{"name":"John"}`, string(frame.Data))
}

func TestS2UnknownMethod(t *testing.T) {
	transport := &fakeTransport{}
	n := newTestNode(t, transport)
	n.SetConnected(true)

	n.Deliver(requestFrame("users:missing", "223e4567-e89b-12d3-a456-426614174000", `{}`), false)

	require.Eventually(t, func() bool { return len(transport.frames()) == 1 }, time.Second, time.Millisecond)
	frame := transport.frames()[0]
	require.NotNil(t, frame.Success)
	assert.False(t, *frame.Success)
	require.NotNil(t, frame.Error)
	assert.Equal(t, "METHOD_NOT_FOUND", frame.Error.Code)
}

func TestS3MethodTimeout(t *testing.T) {
	transport := &fakeTransport{}
	n := newTestNode(t, transport)
	n.SetConnected(true)

	unblock := make(chan struct{})
	require.NoError(t, n.RegisterMethod("slow:op", func(ctx *framectx.RequestContext) {
		<-unblock
	}, methods.Options{Timeout: 50 * time.Millisecond}))

	n.Deliver(requestFrame("slow:op", "323e4567-e89b-12d3-a456-426614174000", `{}`), false)

	require.Eventually(t, func() bool { return len(transport.frames()) == 1 }, 150*time.Millisecond, time.Millisecond)
	frame := transport.frames()[0]
	require.NotNil(t, frame.Error)
	assert.Equal(t, "REQUEST_TIMEOUT", frame.Error.Code)
	close(unblock)
}

func TestS4ProgressStreaming(t *testing.T) {
	transport := &fakeTransport{}
	n := newTestNode(t, transport)
	n.SetConnected(true)

	require.NoError(t, n.RegisterMethod("job:run", func(ctx *framectx.RequestContext) {
		_ = ctx.Progress(25, "", nil)
		_ = ctx.Progress(50, "", nil)
		_ = ctx.Progress(75, "", nil)
		_ = ctx.Success(map[string]any{"done": true})
	}, methods.Options{}))

	n.Deliver(requestFrame("job:run", "423e4567-e89b-12d3-a456-426614174000", `{}`), false)

	require.Eventually(t, func() bool { return len(transport.frames()) == 4 }, time.Second, time.Millisecond)
	frames := transport.frames()

	var progressCount int
	var finalSeen bool
	for _, f := range frames {
		if f.Type == envelope.TypeNotification {
			progressCount++
			assert.Equal(t, "progress", f.NotificationPayload.Type)
		}
		if f.Type == envelope.TypeResponse {
			finalSeen = true
			assert.JSONEq(t, `{"done":true}`, string(f.Data))
		}
	}
	assert.Equal(t, 3, progressCount)
	assert.True(t, finalSeen)
}

func TestS5TopicWildcard(t *testing.T) {
	n := newTestNode(t, &fakeTransport{})

	var order []string
	_, err := n.Subscribe("user:*", func(ctx *framectx.NotificationContext) { order = append(order, "H1") }, topics.Options{Priority: 10})
	require.NoError(t, err)
	_, err = n.Subscribe("user:presence", func(ctx *framectx.NotificationContext) { order = append(order, "H2") }, topics.Options{Priority: 0})
	require.NoError(t, err)

	notif := envelope.NewBase(envelope.TypeNotification, 0)
	notif.NotificationPayload = &envelope.Notification{Topic: "user:presence", Data: json.RawMessage(`{}`)}
	raw, _ := envelope.Encode(notif)
	n.Deliver(raw, false)

	assert.Equal(t, []string{"H1", "H2"}, order)

	order = nil
	other := envelope.NewBase(envelope.TypeNotification, 0)
	other.NotificationPayload = &envelope.Notification{Topic: "chat:message", Data: json.RawMessage(`{}`)}
	raw2, _ := envelope.Encode(other)
	n.Deliver(raw2, false)
	assert.Empty(t, order)
}

func TestS6LateResponse(t *testing.T) {
	var lateSeen bool
	transport := &fakeTransport{}
	n := newTestNode(t, transport)
	n.Bus().On(func(name string, fields events.Fields) {
		if name == "request:late_response" {
			lateSeen = true
		}
	})
	n.SetConnected(true)

	r, err := n.Request("remote:op", nil, request.Options{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NotNil(t, r)

	_, cause := r.Wait(context.Background())
	require.NotNil(t, cause)
	assert.Equal(t, "REQUEST_TIMEOUT", cause.Code)

	time.Sleep(20 * time.Millisecond)

	respMsg := envelope.NewBase(envelope.TypeResponse, 0)
	respMsg.RequestID = r.ID
	success := true
	respMsg.Success = &success
	respMsg.Data = json.RawMessage(`{}`)
	raw, _ := envelope.Encode(respMsg)
	n.Deliver(raw, false)

	require.Eventually(t, func() bool { return lateSeen }, time.Second, time.Millisecond)
}

func TestS7QueueOverflow(t *testing.T) {
	cfg := config.Default()
	cfg.QueueMaxSize = 2
	cfg.OnFull = config.FullDrop
	transport := &fakeTransport{}
	n := New(cfg, transport, nil)

	r1, err1 := n.Request("a:b", nil, request.Options{NoResponse: true})
	r2, err2 := n.Request("a:b", nil, request.Options{NoResponse: true})
	r3, err3 := n.Request("a:b", nil, request.Options{NoResponse: true})

	require.NoError(t, err1)
	require.NoError(t, err2)
	require.NoError(t, err3)
	assert.NotNil(t, r1)
	assert.NotNil(t, r2)
	assert.Nil(t, r3)
	assert.Equal(t, 2, n.queue.Len())
}

func TestS8ProtocolViolation(t *testing.T) {
	transport := &fakeTransport{}
	n := newTestNode(t, transport)
	n.SetConnected(true)

	var violationSeen bool
	var violationCount int
	n.Bus().On(func(name string, fields events.Fields) {
		if name == "message:protocol_error" {
			violationSeen = true
			if reasons, ok := fields["violations"].([]string); ok {
				violationCount = len(reasons)
			}
		}
	})

	malformed := []byte(`{"protocol":"helios-starling","version":"1.0","timestamp":0,"type":"request"}`)
	n.Deliver(malformed, false)

	assert.True(t, violationSeen)
	assert.GreaterOrEqual(t, violationCount, 3)

	require.Eventually(t, func() bool { return len(transport.frames()) == 1 }, time.Second, time.Millisecond)
	frame := transport.frames()[0]
	assert.Equal(t, envelope.TypeError, frame.Type)
	require.NotNil(t, frame.Error)
	assert.Equal(t, envelope.SeverityProtocol, frame.Error.Severity)
	assert.Equal(t, "PROTOCOL_VIOLATION", frame.Error.Code)
}

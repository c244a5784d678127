package framectx

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-starling/helios/internal/envelope"
	"github.com/helios-starling/helios/internal/events"
)

type recordingReplier struct {
	responses     []response
	notifications []notification
}

type response struct {
	requestID string
	success   bool
	data      any
	err       *envelope.Error
}

type notification struct {
	topic, requestID, notifType string
	data                        any
}

func (r *recordingReplier) SendResponse(requestID string, success bool, data any, errPayload *envelope.Error) error {
	r.responses = append(r.responses, response{requestID, success, data, errPayload})
	return nil
}

func (r *recordingReplier) SendNotification(topic string, data any, requestID string, notifType string) error {
	r.notifications = append(r.notifications, notification{topic, requestID, notifType, data})
	return nil
}

func TestRequestContextSuccessIsSingleShot(t *testing.T) {
	replier := &recordingReplier{}
	bus := events.New()
	var processed []string
	bus.On(func(name string, fields events.Fields) {
		if name == "message:processed" {
			processed = append(processed, name)
		}
	})

	ctx := NewRequestContext("req-1", "users:getProfile", json.RawMessage(`{}`), 1000, envelope.Peer{}, nil, replier, bus)
	require.NoError(t, ctx.Success(map[string]any{"name": "John"}))
	assert.Error(t, ctx.Success(map[string]any{"name": "Jane"}), "second reply must be rejected")
	assert.Len(t, replier.responses, 1)
	assert.True(t, replier.responses[0].success)
	assert.Len(t, processed, 1)
}

func TestRequestContextErrorAfterSuccessFails(t *testing.T) {
	replier := &recordingReplier{}
	ctx := NewRequestContext("req-1", "users:getProfile", nil, 0, envelope.Peer{}, nil, replier, nil)
	require.NoError(t, ctx.Success("ok"))
	assert.Error(t, ctx.Error("METHOD_ERROR", "too late", nil))
}

func TestProgressThenSuccess(t *testing.T) {
	replier := &recordingReplier{}
	ctx := NewRequestContext("req-1", "job:run", nil, 0, envelope.Peer{}, nil, replier, nil)
	require.NoError(t, ctx.Progress(25, "", nil))
	require.NoError(t, ctx.Progress(75, "", nil))
	require.NoError(t, ctx.Success(map[string]any{"done": true}))

	require.Len(t, replier.notifications, 2)
	assert.Equal(t, "progress", replier.notifications[0].notifType)
	assert.Equal(t, "req-1:progress", replier.notifications[0].topic)
	require.Len(t, replier.responses, 1)
}

func TestNotifyAfterProcessedFails(t *testing.T) {
	replier := &recordingReplier{}
	ctx := NewRequestContext("req-1", "job:run", nil, 0, envelope.Peer{}, nil, replier, nil)
	require.NoError(t, ctx.Success("done"))
	assert.Error(t, ctx.Notify("req-1:progress", map[string]any{"progress": 50}))
}

func TestResponseContextAcknowledgeIsIdempotent(t *testing.T) {
	ctx := NewResponseContext("req-1", true, json.RawMessage(`{}`), nil, 0, envelope.Peer{}, nil)
	assert.False(t, ctx.Processed())
	ctx.Acknowledge()
	assert.True(t, ctx.Processed())
	ctx.Acknowledge() // must not panic or double-emit
}

func TestNotificationContextIsProgress(t *testing.T) {
	progress := NewNotificationContext("req-1:progress", json.RawMessage(`{"progress":25}`), "req-1", "progress", 0, envelope.Peer{}, nil)
	assert.True(t, progress.IsProgress())

	plain := NewNotificationContext("user:presence", json.RawMessage(`{}`), "", "", 0, envelope.Peer{}, nil)
	assert.False(t, plain.IsProgress())
}

package requests

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-starling/helios/internal/clock"
	"github.com/helios-starling/helios/internal/config"
	"github.com/helios-starling/helios/internal/envelope"
	"github.com/helios-starling/helios/internal/events"
	"github.com/helios-starling/helios/internal/framectx"
	"github.com/helios-starling/helios/internal/herrors"
	"github.com/helios-starling/helios/internal/request"
)

func newManager() *Manager {
	return New(config.Default(), clock.NewGroup(clock.Real{}), events.New(), nil)
}

func TestHandleResponseResolvesActiveRequest(t *testing.T) {
	m := newManager()
	r := request.New("users:getProfile", nil, request.Options{}, nil, nil)
	m.Track(r)

	ctx := framectx.NewResponseContext(r.ID, true, json.RawMessage(`{"name":"John"}`), nil, 0, envelope.Peer{}, nil)
	m.HandleResponse(ctx)

	data, cause := r.Wait(context.Background())
	assert.Nil(t, cause)
	assert.JSONEq(t, `{"name":"John"}`, string(data))
}

func TestHandleResponseRejectsOnFailure(t *testing.T) {
	m := newManager()
	r := request.New("users:getProfile", nil, request.Options{}, nil, nil)
	m.Track(r)

	ctx := framectx.NewResponseContext(r.ID, false, nil, &envelope.Error{Code: "METHOD_NOT_FOUND", Message: "nope"}, 0, envelope.Peer{}, nil)
	m.HandleResponse(ctx)

	_, cause := r.Wait(context.Background())
	require.NotNil(t, cause)
	assert.Equal(t, "METHOD_NOT_FOUND", cause.Code)
}

func TestLateResponseEmitsEvent(t *testing.T) {
	bus := events.New()
	var lateSeen bool
	bus.On(func(name string, fields events.Fields) {
		if name == "request:late_response" {
			lateSeen = true
		}
	})
	m := New(config.Default(), clock.NewGroup(clock.Real{}), bus, nil)

	r := request.New("slow:op", nil, request.Options{Timeout: time.Millisecond}, nil, nil)
	m.Track(r)
	r.Reject(herrors.New(herrors.CodeRequestTimeout, "request timed out")) // simulate timeout firing directly (request already has its own timer path)
	time.Sleep(10 * time.Millisecond) // let Track's goroutine move it to expired

	ctx := framectx.NewResponseContext(r.ID, true, json.RawMessage(`{}`), nil, 0, envelope.Peer{}, nil)
	m.HandleResponse(ctx)

	assert.True(t, lateSeen)
}

func TestUnknownResponseEmitsEvent(t *testing.T) {
	bus := events.New()
	var unknownSeen bool
	bus.On(func(name string, fields events.Fields) {
		if name == "request:unknown_response" {
			unknownSeen = true
		}
	})
	m := New(config.Default(), clock.NewGroup(clock.Real{}), bus, nil)

	ctx := framectx.NewResponseContext("never-tracked-id", true, json.RawMessage(`{}`), nil, 0, envelope.Peer{}, nil)
	m.HandleResponse(ctx)

	assert.True(t, unknownSeen)
}

func TestHandleNotificationRoutesToRequest(t *testing.T) {
	m := newManager()
	r := request.New("job:run", nil, request.Options{}, nil, nil)
	m.Track(r)

	var progressSeen int
	r.OnProgress(func(ctx *framectx.NotificationContext) { progressSeen++ })

	ctx := framectx.NewNotificationContext(r.ID+":progress", json.RawMessage(`{"progress":25}`), r.ID, "progress", 0, envelope.Peer{}, nil)
	routed := m.HandleNotification(ctx)

	assert.True(t, routed)
	assert.Equal(t, 1, progressSeen)
}

func TestHandleNotificationUncorrelatedReturnsFalse(t *testing.T) {
	m := newManager()
	ctx := framectx.NewNotificationContext("user:presence", json.RawMessage(`{}`), "", "", 0, envelope.Peer{}, nil)
	assert.False(t, m.HandleNotification(ctx))
}

func TestCancelAllRejectsEveryActiveRequest(t *testing.T) {
	m := newManager()
	r1 := request.New("a:b", nil, request.Options{}, nil, nil)
	r2 := request.New("a:c", nil, request.Options{}, nil, nil)
	m.Track(r1)
	m.Track(r2)

	m.CancelAll("node disposed")

	_, c1 := r1.Wait(context.Background())
	_, c2 := r2.Wait(context.Background())
	require.NotNil(t, c1)
	require.NotNil(t, c2)
}

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-starling/helios/internal/clock"
	"github.com/helios-starling/helios/internal/config"
	"github.com/helios-starling/helios/internal/request"
)

func testConfig() config.NodeConfig {
	cfg := config.Default()
	cfg.QueueMaxSize = 2
	cfg.MaxConcurrent = 5
	cfg.DrainTimeout = 200 * time.Millisecond
	return cfg
}

func TestEnqueueDropsPastCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.OnFull = config.FullDrop
	group := clock.NewGroup(clock.Real{})
	q := New(cfg, group, nil, func(r *request.Request) error { return nil }, nil)

	ok1, err1 := q.Enqueue(request.New("m", nil, request.Options{}, nil, nil))
	ok2, err2 := q.Enqueue(request.New("m", nil, request.Options{}, nil, nil))
	ok3, err3 := q.Enqueue(request.New("m", nil, request.Options{}, nil, nil))

	require.NoError(t, err1)
	require.NoError(t, err2)
	require.NoError(t, err3)
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.False(t, ok3, "the (N+1)-th enqueue must be dropped")
	assert.Equal(t, 2, q.Len())
}

func TestEnqueueErrorsPastCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.OnFull = config.FullError
	group := clock.NewGroup(clock.Real{})
	q := New(cfg, group, nil, func(r *request.Request) error { return nil }, nil)

	_, _ = q.Enqueue(request.New("m", nil, request.Options{}, nil, nil))
	_, _ = q.Enqueue(request.New("m", nil, request.Options{}, nil, nil))
	_, err := q.Enqueue(request.New("m", nil, request.Options{}, nil, nil))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestDispatchSendsWhenConnected(t *testing.T) {
	cfg := testConfig()
	group := clock.NewGroup(clock.Real{})
	var mu sync.Mutex
	var sent []string
	q := New(cfg, group, nil, func(r *request.Request) error {
		mu.Lock()
		sent = append(sent, r.ID)
		mu.Unlock()
		r.Resolve(nil)
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.SetConnected(true)
	r := request.New("m", nil, request.Options{}, nil, nil)
	ok, err := q.Enqueue(r)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDisconnectedQueueDoesNotDispatch(t *testing.T) {
	cfg := testConfig()
	group := clock.NewGroup(clock.Real{})
	var called bool
	q := New(cfg, group, nil, func(r *request.Request) error {
		called = true
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	r := request.New("m", nil, request.Options{}, nil, nil)
	_, _ = q.Enqueue(r)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, called, "scheduler must not dispatch while disconnected")
}

func TestQueuedRequestKeepsTimeoutBudgetWhileDisconnected(t *testing.T) {
	cfg := testConfig()
	group := clock.NewGroup(clock.Real{})
	q := New(cfg, group, nil, func(r *request.Request) error {
		r.Resolve(nil)
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	r := request.New("m", nil, request.Options{Timeout: 20 * time.Millisecond}, nil, nil)
	ok, err := q.Enqueue(r)
	require.NoError(t, err)
	require.True(t, ok)

	// The timeout is armed at dispatch, not admission: well past the
	// request's own budget, it must still be pending.
	time.Sleep(60 * time.Millisecond)
	assert.False(t, r.Terminal(), "a queued request must not time out before it is dispatched")

	q.SetConnected(true)
	_, cause := r.Wait(context.Background())
	assert.Nil(t, cause)
}

func TestClearCancelsEverything(t *testing.T) {
	cfg := testConfig()
	group := clock.NewGroup(clock.Real{})
	q := New(cfg, group, nil, func(r *request.Request) error { return nil }, nil)

	r1 := request.New("m", nil, request.Options{}, nil, nil)
	r2 := request.New("m", nil, request.Options{}, nil, nil)
	_, _ = q.Enqueue(r1)
	_, _ = q.Enqueue(r2)

	q.Clear("shutting down")

	_, cause1 := r1.Wait(context.Background())
	_, cause2 := r2.Wait(context.Background())
	require.NotNil(t, cause1)
	require.NotNil(t, cause2)
	assert.Equal(t, 0, q.Len())
}

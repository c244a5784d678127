// Package queue implements the bounded, optionally-priority-ordered flow
// control over outbound requests: capacity, concurrency, retry with
// backoff, and a drain monitor for requests that sit too long.
package queue

// file: internal/queue/queue.go

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/helios-starling/helios/internal/clock"
	"github.com/helios-starling/helios/internal/config"
	"github.com/helios-starling/helios/internal/events"
	"github.com/helios-starling/helios/internal/herrors"
	"github.com/helios-starling/helios/internal/logging"
	"github.com/helios-starling/helios/internal/request"
	"github.com/helios-starling/helios/internal/retry"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity and the
// configured onFull policy is "error".
var ErrQueueFull = errors.New("queue: full")

// Sender performs the actual transport write for a queued request. A
// non-nil return is treated as a transient transport failure eligible for
// retry, never as an application-level rejection.
type Sender func(r *request.Request) error

type item struct {
	req        *request.Request
	priority   int
	addedAt    time.Time
	retryCount int
}

// Queue is one node's outbound request scheduler.
type Queue struct {
	cfg    config.NodeConfig
	group  *clock.Group
	bus    *events.Bus
	send   Sender
	logger logging.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []*item
	inflight  map[string]*item
	connected bool
	closed    bool
	wake      chan struct{}
}

// New builds a queue bound to cfg's limits, using group for every timer it
// schedules (retry backoff, drain ticks) and send to perform the actual
// per-attempt transport write.
func New(cfg config.NodeConfig, group *clock.Group, bus *events.Bus, send Sender, logger logging.Logger) *Queue {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	q := &Queue{
		cfg:      cfg,
		group:    group,
		bus:      bus,
		send:     send,
		logger:   logger,
		inflight: make(map[string]*item),
		wake:     make(chan struct{}, 1),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Len reports the total number of requests the queue currently owns,
// pending plus inflight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inflight)
}

// Enqueue admits req for scheduling. If the queue is at capacity, the
// configured onFull policy governs: block waits for space, drop returns
// (false, nil), error returns (false, ErrQueueFull).
func (q *Queue) Enqueue(r *request.Request) (bool, error) {
	q.mu.Lock()
	for !q.closed && len(q.pending)+len(q.inflight) >= q.cfg.QueueMaxSize {
		switch q.cfg.OnFull {
		case config.FullDrop:
			q.mu.Unlock()
			return false, nil
		case config.FullError:
			q.mu.Unlock()
			return false, ErrQueueFull
		default:
			q.cond.Wait()
		}
	}
	if q.closed {
		q.mu.Unlock()
		return false, errors.New("queue: closed")
	}
	it := &item{req: r, priority: r.Opts.Priority, addedAt: time.Now()}
	q.pending = append(q.pending, it)
	q.mu.Unlock()

	q.emit("queue:added", r.ID)
	q.emit("queue:size_changed", r.ID)
	q.poke()
	return true, nil
}

// SetConnected toggles the scheduler's gate. Connecting resumes dispatch;
// disconnecting suspends it — pending items remain queued, ready to resume
// on reconnect.
func (q *Queue) SetConnected(connected bool) {
	q.mu.Lock()
	q.connected = connected
	q.mu.Unlock()
	q.poke()
}

// Clear cancels every pending and inflight request with REQUEST_CANCELLED
// and empties the queue.
func (q *Queue) Clear(reason string) {
	q.mu.Lock()
	all := append(q.pending, itemsOf(q.inflight)...)
	q.pending = nil
	q.inflight = make(map[string]*item)
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, it := range all {
		it.req.Cancel(reason)
	}
	q.emit("requests:cancelled", reason)
}

func itemsOf(m map[string]*item) []*item {
	out := make([]*item, 0, len(m))
	for _, it := range m {
		out = append(out, it)
	}
	return out
}

// Close stops the scheduler and releases anyone blocked in Enqueue.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.poke()
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) emit(name string, requestID string) {
	if q.bus == nil {
		return
	}
	q.bus.Emit(name, events.Fields{"requestId": requestID, "size": q.Len()})
}

// Run drives the scheduler loop until ctx is cancelled or Close is called.
// Call it in its own goroutine.
func (q *Queue) Run(ctx context.Context) {
	drainInterval := q.cfg.DrainTimeout / 4
	if drainInterval <= 0 || drainInterval > time.Second {
		drainInterval = time.Second
	}

	var scheduleDrainCheck func()
	scheduleDrainCheck = func() {
		q.group.AfterFunc(drainInterval, func() {
			q.checkDrain()
			scheduleDrainCheck()
		})
	}
	scheduleDrainCheck()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
			q.mu.Lock()
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			q.dispatch()
		}
	}
}

func (q *Queue) checkDrain() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	now := time.Now()
	var kept []*item
	var timedOut []*item
	for _, it := range q.pending {
		if q.cfg.DrainTimeout > 0 && now.Sub(it.addedAt) > q.cfg.DrainTimeout {
			timedOut = append(timedOut, it)
			continue
		}
		kept = append(kept, it)
	}
	q.pending = kept
	if len(timedOut) > 0 {
		q.cond.Broadcast()
	}
	q.mu.Unlock()

	for _, it := range timedOut {
		it.req.Reject(herrors.New(herrors.CodeQueueDrainTimeout, "request exceeded drain timeout in queue"))
		q.emit("queue:removed", it.req.ID)
		q.emit("queue:size_changed", it.req.ID)
	}
}

// dispatch hands as many pending items to the sender as concurrency and
// connection state allow.
func (q *Queue) dispatch() {
	for {
		it := q.takeNext()
		if it == nil {
			return
		}
		go q.runItem(it)
	}
}

func (q *Queue) takeNext() *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || !q.connected || len(q.pending) == 0 || len(q.inflight) >= q.cfg.MaxConcurrent {
		return nil
	}
	idx := 0
	if q.cfg.QueuePriorityQueue {
		best := q.pending[0].priority
		for i, it := range q.pending {
			if it.priority > best {
				best = it.priority
				idx = i
			}
		}
	}
	it := q.pending[idx]
	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	q.inflight[it.req.ID] = it
	q.cond.Broadcast()
	return it
}

func (q *Queue) releaseInflight(it *item) {
	q.mu.Lock()
	delete(q.inflight, it.req.ID)
	q.cond.Broadcast()
	q.mu.Unlock()
	q.emit("queue:removed", it.req.ID)
	q.emit("queue:size_changed", it.req.ID)
	q.poke()
}

func (q *Queue) requeue(it *item) {
	q.mu.Lock()
	delete(q.inflight, it.req.ID)
	q.pending = append(q.pending, it)
	q.cond.Broadcast()
	q.mu.Unlock()
	q.poke()
}

func (q *Queue) runItem(it *item) {
	it.req.Execute(q.group)
	if err := q.send(it.req); err != nil {
		it.retryCount++
		if it.retryCount > q.cfg.QueueMaxRetries {
			q.releaseInflight(it)
			it.req.Reject(herrors.Wrap(herrors.CodeQueueRetryExceeded, "retry limit exceeded", err))
			return
		}
		delay := q.backoffDelay(it.retryCount)
		q.group.AfterFunc(delay, func() {
			q.requeue(it)
		})
		return
	}

	go func() {
		<-it.req.Done()
		q.releaseInflight(it)
	}()
}

func (q *Queue) backoffDelay(attempt int) time.Duration {
	if len(q.cfg.QueueRetryDelays) > 0 {
		return retry.AbsoluteDelays(q.cfg.QueueRetryDelays).Delay(attempt)
	}
	return retry.Backoff(q.cfg.QueueBaseDelay, attempt, retry.DefaultJitter)
}

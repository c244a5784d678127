// Package sendbuffer batches outbound payloads behind a small window and
// releases them as a single write once a transport is connected. It holds
// no opinion on retry: a batch that fails to send is reported and dropped,
// since request-level retry is the queue's job, not the buffer's.
package sendbuffer

// file: internal/sendbuffer/sendbuffer.go

import (
	"errors"
	"sync"
	"time"

	"github.com/helios-starling/helios/internal/clock"
	"github.com/helios-starling/helios/internal/config"
	"github.com/helios-starling/helios/internal/events"
	"github.com/helios-starling/helios/internal/logging"
)

// ErrBufferFull is returned by Enqueue under the error full-policy.
var ErrBufferFull = errors.New("sendbuffer: full")

// Sender writes one batch of already-encoded payloads to the transport, in
// order. An error means none of the batch is assumed delivered.
type Sender func(batch [][]byte) error

type pendingItem struct {
	payload []byte
	addedAt time.Time
}

// Buffer is one node's outbound batching stage.
type Buffer struct {
	cfg    config.NodeConfig
	group  *clock.Group
	bus    *events.Bus
	send   Sender
	logger logging.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []pendingItem
	connected bool
	closed    bool
	timer     clock.Timer
}

// New builds a buffer that calls send to release a batch once the window
// elapses, a flush is forced, or the transport becomes connected.
func New(cfg config.NodeConfig, group *clock.Group, bus *events.Bus, send Sender, logger logging.Logger) *Buffer {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	b := &Buffer{cfg: cfg, group: group, bus: bus, send: send, logger: logger}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Len returns the number of payloads currently waiting to be flushed.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Enqueue appends payload to the pending batch, applying the configured
// full-policy once MessageBufferSize is reached. Reports false (no error)
// under the drop policy. The payload is never released inline: items
// accumulate until the batching window elapses (or the transport
// reconnects), so adds landing within one window flush together in
// insertion order.
func (b *Buffer) Enqueue(payload []byte) (bool, error) {
	b.mu.Lock()
	for b.atCapacity() && b.cfg.OnFull == config.FullBlock && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		b.mu.Unlock()
		return false, errors.New("sendbuffer: closed")
	}
	if b.atCapacity() {
		switch b.cfg.OnFull {
		case config.FullDrop:
			b.mu.Unlock()
			b.emit("message:send:failed", "buffer full, dropped")
			return false, nil
		case config.FullError:
			b.mu.Unlock()
			return false, ErrBufferFull
		}
	}

	b.pending = append(b.pending, pendingItem{payload: payload, addedAt: time.Now()})
	armFlush := b.timer == nil
	connected := b.connected
	b.mu.Unlock()

	if armFlush {
		b.armFlushTimer()
	}
	if !connected {
		b.emit("message:buffered", "")
	}
	return true, nil
}

func (b *Buffer) atCapacity() bool {
	return b.cfg.MessageBufferSize > 0 && len(b.pending) >= b.cfg.MessageBufferSize
}

func (b *Buffer) armFlushTimer() {
	window := b.cfg.SendBatchWindow
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	b.mu.Lock()
	if b.timer != nil || b.closed {
		b.mu.Unlock()
		return
	}
	b.timer = b.group.AfterFunc(window, func() {
		b.mu.Lock()
		b.timer = nil
		b.mu.Unlock()
		b.Flush()
	})
	b.mu.Unlock()
}

// SetConnected toggles whether the buffer is allowed to release payloads.
// Flipping to true immediately attempts a flush of whatever has
// accumulated.
func (b *Buffer) SetConnected(connected bool) {
	b.mu.Lock()
	b.connected = connected
	b.mu.Unlock()
	if connected {
		b.Flush()
	}
}

// Connected reports the buffer's last-known transport state.
func (b *Buffer) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Flush releases every pending payload as one batch, in FIFO order. A
// disconnected buffer is a no-op: payloads remain pending until connected.
func (b *Buffer) Flush() {
	b.mu.Lock()
	if !b.connected || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := make([][]byte, len(b.pending))
	for i, it := range b.pending {
		batch[i] = it.payload
	}
	b.pending = nil
	b.cond.Broadcast()
	b.mu.Unlock()

	if err := b.send(batch); err != nil {
		b.emit("message:send:failed", err.Error())
		return
	}
	b.emit("message:send:success", "")
}

// Close stops accepting new work and releases anything blocked in Enqueue
// under the block policy.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *Buffer) emit(name, reason string) {
	if b.bus == nil {
		return
	}
	fields := events.Fields{}
	if reason != "" {
		fields["reason"] = reason
	}
	b.bus.Emit(name, fields)
}

// Package requests owns the active and expired request tables and routes
// inbound responses and correlated notifications to the outstanding
// request they belong to, classifying orphaned responses as late or
// unknown.
package requests

// file: internal/requests/manager.go

import (
	"context"
	"sync"
	"time"

	"github.com/helios-starling/helios/internal/clock"
	"github.com/helios-starling/helios/internal/config"
	"github.com/helios-starling/helios/internal/events"
	"github.com/helios-starling/helios/internal/framectx"
	"github.com/helios-starling/helios/internal/herrors"
	"github.com/helios-starling/helios/internal/logging"
	"github.com/helios-starling/helios/internal/request"
)

type expiredEntry struct {
	at      time.Time
	timeout time.Duration
}

// Manager owns every outstanding outbound request for one node.
type Manager struct {
	cfg    config.NodeConfig
	group  *clock.Group
	bus    *events.Bus
	logger logging.Logger

	mu      sync.Mutex
	active  map[string]*request.Request
	expired map[string]expiredEntry
}

// New builds an empty manager. Call Track for every request the node
// originates, and Run to start the periodic expired-table sweep.
func New(cfg config.NodeConfig, group *clock.Group, bus *events.Bus, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	return &Manager{
		cfg:     cfg,
		group:   group,
		bus:     bus,
		logger:  logger,
		active:  make(map[string]*request.Request),
		expired: make(map[string]expiredEntry),
	}
}

// Track adopts r into the active table and arranges for it to move to the
// expired table the instant it terminates, so a subsequently arriving
// response can still be recognized as late rather than unknown.
func (m *Manager) Track(r *request.Request) {
	m.mu.Lock()
	m.active[r.ID] = r
	m.mu.Unlock()

	go func() {
		<-r.Done()
		m.mu.Lock()
		delete(m.active, r.ID)
		m.expired[r.ID] = expiredEntry{at: time.Now(), timeout: r.Opts.Timeout}
		m.mu.Unlock()
	}()
}

// Active returns the tracked request for id, if still outstanding.
func (m *Manager) Active(id string) (*request.Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.active[id]
	return r, ok
}

// HandleResponse routes an inbound response to its request. A hit resolves
// or rejects the request; a miss is classified late (the id is in the
// expired table) or unknown, and is never propagated as an error to the
// transport.
func (m *Manager) HandleResponse(ctx *framectx.ResponseContext) {
	m.mu.Lock()
	r, ok := m.active[ctx.RequestID]
	m.mu.Unlock()

	if ok {
		if ctx.Success {
			r.Resolve(ctx.Data)
		} else {
			code := herrors.CodeMethodError
			message := "request failed"
			var details any
			if ctx.Err != nil {
				code = herrors.Code(ctx.Err.Code)
				message = ctx.Err.Message
				details = ctx.Err.Details
			}
			r.Reject(herrors.New(code, message).WithDetails(details))
		}
		ctx.Acknowledge()
		return
	}

	m.mu.Lock()
	entry, known := m.expired[ctx.RequestID]
	m.mu.Unlock()

	if known {
		m.emit("request:late_response", ctx.RequestID, events.Fields{
			"responseDelay": time.Since(entry.at),
		})
	} else {
		m.emit("request:unknown_response", ctx.RequestID, nil)
	}
	ctx.Acknowledge()
}

// HandleNotification routes a correlated notification (one carrying a
// requestId) to the owning request's progress or general listener set. It
// reports whether the notification was correlated at all; callers route
// uncorrelated notifications to the topics registry instead.
func (m *Manager) HandleNotification(ctx *framectx.NotificationContext) (routed bool) {
	if ctx.RequestID == "" {
		return false
	}
	m.mu.Lock()
	r, ok := m.active[ctx.RequestID]
	m.mu.Unlock()

	if !ok {
		m.emit("notification:error", ctx.RequestID, events.Fields{"reason": "no active request for correlated notification"})
		ctx.Acknowledge()
		return true
	}
	r.Deliver(ctx)
	m.emit("request:notification", ctx.RequestID, events.Fields{"type": ctx.Type})
	ctx.Acknowledge()
	return true
}

// CancelAll rejects every active request with REQUEST_CANCELLED and the
// given reason. Used on node shutdown.
func (m *Manager) CancelAll(reason string) {
	m.mu.Lock()
	all := make([]*request.Request, 0, len(m.active))
	for _, r := range m.active {
		all = append(all, r)
	}
	m.mu.Unlock()

	for _, r := range all {
		r.Cancel(reason)
	}
	m.emit("requests:cancelled", "", events.Fields{"reason": reason, "count": len(all)})
}

// Run sweeps the expired table on cfg.ExpiredCleanupInterval, dropping
// entries older than cfg.ExpiredRetention, until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.ExpiredCleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	var scheduleSweep func()
	scheduleSweep = func() {
		m.group.AfterFunc(interval, func() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			m.sweepExpired()
			scheduleSweep()
		})
	}
	scheduleSweep()
	<-ctx.Done()
}

// Counts reports the current sizes of the active and expired tables.
func (m *Manager) Counts() (active, expired int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active), len(m.expired)
}

func (m *Manager) sweepExpired() {
	retention := m.cfg.ExpiredRetention
	if retention <= 0 {
		retention = time.Hour
	}
	cutoff := time.Now().Add(-retention)

	m.mu.Lock()
	for id, entry := range m.expired {
		if entry.at.Before(cutoff) {
			delete(m.expired, id)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) emit(name, requestID string, fields events.Fields) {
	if m.bus == nil {
		return
	}
	if fields == nil {
		fields = events.Fields{}
	}
	if requestID != "" {
		fields["requestId"] = requestID
	}
	m.bus.Emit(name, fields)
}

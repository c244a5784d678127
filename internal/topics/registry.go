// Package topics is the pattern-subscribed notification dispatcher.
// Patterns support `*` as a single-segment wildcard; handlers run in
// descending priority order, ties broken by registration order.
package topics

// file: internal/topics/registry.go

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/helios-starling/helios/internal/envelope"
	"github.com/helios-starling/helios/internal/events"
	"github.com/helios-starling/helios/internal/framectx"
)

// Handler receives a matched, non-correlated notification.
type Handler func(ctx *framectx.NotificationContext)

// Filter gates delivery on the notification's data. A nil filter always
// admits.
type Filter func(data json.RawMessage) bool

// Options configures one subscription.
type Options struct {
	Persistent bool
	Priority   int
	Filter     Filter
}

// Handle is returned from Subscribe; Off removes the subscription.
type Handle struct {
	off func()
}

// Off unsubscribes. Safe to call more than once.
func (h Handle) Off() {
	if h.off != nil {
		h.off()
	}
}

var patternSegment = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9_]*|\*)$`)

// validatePattern checks a subscription pattern: the same length ceiling
// and segment grammar as a topic name, except any segment may also be the
// literal wildcard `*`.
func validatePattern(pattern string) error {
	if len(pattern) == 0 {
		return errors.New("topics: pattern must not be empty")
	}
	if len(pattern) > envelope.MaxNameLength {
		return errors.Newf("topics: pattern %q exceeds maximum length of %d characters", pattern, envelope.MaxNameLength)
	}
	for _, seg := range strings.Split(pattern, ":") {
		if !patternSegment.MatchString(seg) {
			return errors.Newf("topics: pattern %q has an invalid segment %q", pattern, seg)
		}
	}
	return nil
}

func compile(pattern string) *regexp.Regexp {
	replaced := strings.ReplaceAll(pattern, "*", "[^:]+")
	return regexp.MustCompile("^" + replaced + "$")
}

type subscription struct {
	seq     int
	pattern string
	re      *regexp.Regexp
	handler Handler
	opts    Options
}

// Registry is one node's topic subscription table.
type Registry struct {
	bus *events.Bus

	mu   sync.RWMutex
	subs []*subscription
	seq  int
}

// New builds an empty topics registry.
func New(bus *events.Bus) *Registry {
	return &Registry{bus: bus}
}

// Subscribe registers handler for pattern. Returns a Handle whose Off
// removes the subscription.
func (r *Registry) Subscribe(pattern string, handler Handler, opts Options) (Handle, error) {
	if err := validatePattern(pattern); err != nil {
		return Handle{}, err
	}
	sub := &subscription{
		pattern: pattern,
		re:      compile(pattern),
		handler: handler,
		opts:    opts,
	}

	r.mu.Lock()
	r.seq++
	sub.seq = r.seq
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	return Handle{off: func() { r.remove(sub) }}, nil
}

func (r *Registry) remove(target *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s == target {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

// OnDisconnect discards every non-persistent subscription. Persistent
// subscriptions survive.
func (r *Registry) OnDisconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.subs[:0]
	for _, s := range r.subs {
		if s.opts.Persistent {
			kept = append(kept, s)
		}
	}
	r.subs = kept
}

// Dispatch delivers ctx to every subscription whose pattern matches
// ctx.Topic, in descending priority order (ties by registration order). A
// handler panic is recovered and reported as topic:error; it never
// prevents siblings from running.
func (r *Registry) Dispatch(ctx *framectx.NotificationContext) {
	r.mu.RLock()
	matched := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if s.re.MatchString(ctx.Topic) {
			matched = append(matched, s)
		}
	}
	r.mu.RUnlock()

	sortByPriorityThenRegistration(matched)

	for _, s := range matched {
		if s.opts.Filter != nil && !s.opts.Filter(ctx.Data) {
			continue
		}
		r.invoke(s, ctx)
	}
}

func (r *Registry) invoke(s *subscription, ctx *framectx.NotificationContext) {
	defer func() {
		if rec := recover(); rec != nil {
			r.emit("topic:error", s.pattern, rec)
		}
	}()
	s.handler(ctx)
	r.emit("topic:handled", s.pattern, nil)
}

func sortByPriorityThenRegistration(subs []*subscription) {
	// Small N, stable insertion sort is plenty and keeps registration order
	// as the tiebreak without pulling in sort.Slice's reflection overhead.
	for i := 1; i < len(subs); i++ {
		j := i
		for j > 0 && less(subs[j], subs[j-1]) {
			subs[j], subs[j-1] = subs[j-1], subs[j]
			j--
		}
	}
}

func less(a, b *subscription) bool {
	if a.opts.Priority != b.opts.Priority {
		return a.opts.Priority > b.opts.Priority
	}
	return a.seq < b.seq
}

func (r *Registry) emit(name, pattern string, recovered any) {
	if r.bus == nil {
		return
	}
	fields := events.Fields{"pattern": pattern}
	if recovered != nil {
		fields["recover"] = recovered
	}
	r.bus.Emit(name, fields)
}

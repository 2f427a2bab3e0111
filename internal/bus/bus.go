// Package bus is the kernel event bus: hierarchical dot-separated topics,
// per-subscription bounded queues drained by a shared worker pool, priority
// selection within each subscriber's queue, and a bounded per-topic history.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/termclaw/internal/ids"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// Priority orders events within a single subscriber's queue. Across
// subscribers and across topics no ordering is implied.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "LOW"
	case Normal:
		return "NORMAL"
	case High:
		return "HIGH"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Event is one published record. Sequence is process-monotonic.
type Event struct {
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload,omitempty"`
	Priority  Priority  `json:"priority"`
	EmittedAt time.Time `json:"emitted_at"`
	Sequence  uint64    `json:"sequence_no"`
}

// OutputDelta is the payload of session.output.<id> events: the text appended
// since the previous poll, and whether scrollback dropped lines in between.
type OutputDelta struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Overflow  bool   `json:"overflow"`
}

// Handler consumes one event. Handlers run on pool workers; a slow handler
// delays only its own subscription.
type Handler func(Event)

type subscription struct {
	id      string
	pattern string
	handler Handler

	mu        sync.Mutex
	queues    [4][]Event // indexed by Priority, each FIFO
	queued    int
	scheduled bool
	closed    bool
}

// next pops the highest-priority pending event. Caller holds sub.mu.
func (s *subscription) next() (Event, bool) {
	for p := Critical; p >= Low; p-- {
		q := s.queues[p]
		if len(q) == 0 {
			continue
		}
		ev := q[0]
		s.queues[p] = q[1:]
		s.queued--
		return ev, true
	}
	return Event{}, false
}

// dropOldestLowest evicts the oldest event at the lowest non-empty priority.
// Caller holds sub.mu. Returns the victim for the bus.dropped event.
func (s *subscription) dropOldestLowest() (Event, bool) {
	for p := Low; p <= Critical; p++ {
		q := s.queues[p]
		if len(q) == 0 {
			continue
		}
		victim := q[0]
		s.queues[p] = q[1:]
		s.queued--
		return victim, true
	}
	return Event{}, false
}

// Bus routes events to subscribers. Publish never blocks on slow handlers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*subscription
	history map[string][]Event

	seq         atomic.Uint64
	queueSize   int
	historySize int
	clock       ids.Clock

	// runnable subscriptions awaiting a pool worker
	runMu    sync.Mutex
	runCond  *sync.Cond
	runQueue []*subscription
	stopped  bool

	wg sync.WaitGroup
}

// Options sizes the bus. Zero values take the defaults (256/256/8).
type Options struct {
	QueueSize   int
	HistorySize int
	Workers     int
}

// New starts the bus and its worker pool.
func New(opts Options, clock ids.Clock) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	b := &Bus{
		subs:        make(map[string]*subscription),
		history:     make(map[string][]Event),
		queueSize:   opts.QueueSize,
		historySize: opts.HistorySize,
		clock:       clock,
	}
	b.runCond = sync.NewCond(&b.runMu)

	b.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go b.worker()
	}
	return b
}

// matches reports whether a subscription pattern covers a topic. A pattern
// ending in ".*" matches the prefix and the whole subtree under it.
func matches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return topic == prefix || strings.HasPrefix(topic, prefix+".")
	}
	return false
}

// Publish enqueues the event for every matching subscription and appends it
// to the topic history. Non-blocking: queue overflow drops the oldest event
// at the subscriber's lowest priority and emits bus.dropped.
func (b *Bus) Publish(topic string, payload any, priority Priority) Event {
	ev := Event{
		Topic:     topic,
		Payload:   payload,
		Priority:  priority,
		EmittedAt: b.clock.Now(),
		Sequence:  b.seq.Add(1),
	}

	b.mu.Lock()
	h := append(b.history[topic], ev)
	if len(h) > b.historySize {
		h = h[len(h)-b.historySize:]
	}
	b.history[topic] = h

	var matched []*subscription
	for _, sub := range b.subs {
		if matches(sub.pattern, topic) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	var dropped []Event
	for _, sub := range matched {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		for sub.queued >= b.queueSize {
			if victim, ok := sub.dropOldestLowest(); ok {
				dropped = append(dropped, victim)
			} else {
				break
			}
		}
		sub.queues[priority] = append(sub.queues[priority], ev)
		sub.queued++
		need := !sub.scheduled
		sub.scheduled = true
		sub.mu.Unlock()

		if need {
			b.schedule(sub)
		}
	}

	// Report drops out of band. bus.dropped itself is exempt so a saturated
	// subscriber cannot generate an event storm.
	for _, victim := range dropped {
		if victim.Topic == protocol.TopicBusDropped {
			continue
		}
		slog.Warn("bus.event_dropped", "topic", victim.Topic, "sequence", victim.Sequence)
		b.Publish(protocol.TopicBusDropped, map[string]any{
			"topic":       victim.Topic,
			"sequence_no": victim.Sequence,
			"priority":    victim.Priority.String(),
		}, Low)
	}
	return ev
}

func (b *Bus) schedule(sub *subscription) {
	b.runMu.Lock()
	if !b.stopped {
		b.runQueue = append(b.runQueue, sub)
		b.runCond.Signal()
	}
	b.runMu.Unlock()
}

// worker drains one subscription at a time. The scheduled flag guarantees a
// subscription is held by at most one worker, preserving per-subscriber
// delivery order.
func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		b.runMu.Lock()
		for len(b.runQueue) == 0 && !b.stopped {
			b.runCond.Wait()
		}
		if b.stopped && len(b.runQueue) == 0 {
			b.runMu.Unlock()
			return
		}
		sub := b.runQueue[0]
		b.runQueue = b.runQueue[1:]
		b.runMu.Unlock()

		for {
			sub.mu.Lock()
			ev, ok := sub.next()
			if !ok || sub.closed {
				sub.scheduled = false
				sub.mu.Unlock()
				break
			}
			handler := sub.handler
			sub.mu.Unlock()

			handler(ev)
		}
	}
}

// Subscribe registers a handler for a topic or a ".*" prefix pattern.
func (b *Bus) Subscribe(topicOrPattern string, handler Handler) string {
	sub := &subscription{
		id:      ids.NewSubscriptionID(),
		pattern: topicOrPattern,
		handler: handler,
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub.id
}

// Unsubscribe removes a subscription. Pending events are discarded.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return &protocol.NotFoundError{What: "subscription", Key: id}
	}
	sub.mu.Lock()
	sub.closed = true
	for p := range sub.queues {
		sub.queues[p] = nil
	}
	sub.queued = 0
	sub.mu.Unlock()
	return nil
}

// History returns up to limit most recent events for an exact topic, oldest
// first. limit <= 0 returns the whole retained ring.
func (b *Bus) History(topic string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h := b.history[topic]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]Event, len(h))
	copy(out, h)
	return out
}

// Close stops the worker pool after the queued work drains.
func (b *Bus) Close() {
	b.runMu.Lock()
	b.stopped = true
	b.runCond.Broadcast()
	b.runMu.Unlock()
	b.wg.Wait()
}

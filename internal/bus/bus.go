package bus

import (
	"context"
	"sync"
	"time"

	"github.com/kihw/modhub-central-management-sub000/internal/util"
)

// Event is an immutable record emitted by the sampler, engine, or executor.
type Event struct {
	Type      string         `json:"type"`
	Severity  int            `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Details   map[string]any `json:"details,omitempty"`
}

// Channel delivers events to an external notification target.
type Channel interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

// Route restricts which events a channel receives. An empty type set
// matches every event type.
type Route struct {
	Types       map[string]struct{}
	MinSeverity int
}

// Matches reports whether the route accepts the event.
func (r Route) Matches(ev Event) bool {
	if ev.Severity < r.MinSeverity {
		return false
	}
	if len(r.Types) == 0 {
		return true
	}
	_, ok := r.Types[ev.Type]
	return ok
}

type registeredChannel struct {
	channel Channel
	route   *Route
}

const (
	defaultCapacity       = 256
	defaultHistoryLimit   = 2000
	defaultPublishTimeout = 50 * time.Millisecond
	deliveryTimeout       = 5 * time.Second
)

// Bus decouples event producers from notification channels through a
// bounded queue drained by a single goroutine. History retention is
// independent of delivery: every published event lands in the history
// even when the queue is saturated or every channel fails.
type Bus struct {
	logger         *util.Logger
	queue          chan Event
	publishTimeout time.Duration

	mu       sync.Mutex
	channels []registeredChannel
	history  *eventHistory
	dropped  uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option tweaks bus construction.
type Option func(*Bus)

// WithCapacity sets the queue capacity.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan Event, n)
		}
	}
}

// WithHistoryLimit caps the retained event history.
func WithHistoryLimit(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.history = newEventHistory(n)
		}
	}
}

// WithPublishTimeout bounds how long Publish blocks on a full queue.
func WithPublishTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.publishTimeout = d
		}
	}
}

// New creates a stopped bus; call Start to begin draining.
func New(logger *util.Logger, opts ...Option) *Bus {
	b := &Bus{
		logger:         logger,
		queue:          make(chan Event, defaultCapacity),
		publishTimeout: defaultPublishTimeout,
		history:        newEventHistory(defaultHistoryLimit),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddChannel registers a delivery channel. A nil route registers the
// channel globally: it receives events that no routed channel matched.
func (b *Bus) AddChannel(ch Channel, route *Route) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, registeredChannel{channel: ch, route: route})
}

// Publish appends the event to history and enqueues it for delivery.
// It blocks up to the publish timeout when the queue is full, then
// drops the event with a logged warning. Returns false on drop.
func (b *Bus) Publish(ev Event) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.Lock()
	b.history.add(ev)
	b.mu.Unlock()

	select {
	case b.queue <- ev:
		return true
	default:
	}
	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()
	select {
	case b.queue <- ev:
		return true
	case <-timer.C:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.logger.Warnf("event bus full, dropped %s event from %s", ev.Type, ev.Source)
		return false
	}
}

// Start launches the drain loop.
func (b *Bus) Start() {
	go b.drain()
}

// Stop signals the drain loop and waits up to the timeout for it to exit.
func (b *Bus) Stop(timeout time.Duration) error {
	b.stopOnce.Do(func() { close(b.stop) })
	select {
	case <-b.done:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}

func (b *Bus) drain() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return
		case ev := <-b.queue:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.Lock()
	channels := make([]registeredChannel, len(b.channels))
	copy(channels, b.channels)
	b.mu.Unlock()

	matched := false
	for _, rc := range channels {
		if rc.route == nil {
			continue
		}
		if rc.route.Matches(ev) {
			matched = true
			b.deliver(rc.channel, ev)
		}
	}
	if matched {
		return
	}
	for _, rc := range channels {
		if rc.route == nil {
			b.deliver(rc.channel, ev)
		}
	}
}

func (b *Bus) deliver(ch Channel, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	if err := ch.Notify(ctx, ev); err != nil {
		b.logger.Warnf("channel %s failed to deliver %s event: %v", ch.Name(), ev.Type, err)
	}
}

// History returns retained events, oldest first. A non-zero duration
// limits the result to events newer than now minus the duration.
func (b *Bus) History(since time.Duration) []Event {
	b.mu.Lock()
	events := b.history.snapshot()
	b.mu.Unlock()
	if since <= 0 {
		return events
	}
	cutoff := time.Now().Add(-since)
	filtered := events[:0]
	for _, ev := range events {
		if ev.Timestamp.After(cutoff) {
			filtered = append(filtered, ev)
		}
	}
	return filtered
}

// Dropped returns the count of events dropped on publish timeout.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

type eventHistory struct {
	buf      []Event
	start    int
	count    int
	capacity int
}

func newEventHistory(limit int) *eventHistory {
	return &eventHistory{buf: make([]Event, limit), capacity: limit}
}

func (h *eventHistory) add(ev Event) {
	if h.count < h.capacity {
		h.buf[(h.start+h.count)%h.capacity] = ev
		h.count++
		return
	}
	h.buf[h.start] = ev
	h.start = (h.start + 1) % h.capacity
}

func (h *eventHistory) snapshot() []Event {
	out := make([]Event, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.buf[(h.start+i)%h.capacity]
	}
	return out
}

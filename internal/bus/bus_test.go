package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kihw/modhub-central-management-sub000/internal/util"
)

type recordingChannel struct {
	mu     sync.Mutex
	name   string
	events []Event
	fail   bool
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Notify(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("delivery refused")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *recordingChannel) received() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func testLogger() *util.Logger {
	return util.NewLogger(util.LevelError)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestRoutedDeliveryWithGlobalFallback(t *testing.T) {
	b := New(testLogger())
	routed := &recordingChannel{name: "routed"}
	global := &recordingChannel{name: "global"}
	b.AddChannel(routed, &Route{Types: map[string]struct{}{"mod.activated": {}}, MinSeverity: 0})
	b.AddChannel(global, nil)
	b.Start()
	defer b.Stop(time.Second)

	b.Publish(Event{Type: "mod.activated", Severity: 3, Source: "test"})
	b.Publish(Event{Type: "rule.fired", Severity: 3, Source: "test"})

	waitFor(t, func() bool {
		return len(routed.received()) == 1 && len(global.received()) == 1
	})
	if got := routed.received()[0].Type; got != "mod.activated" {
		t.Fatalf("routed channel got %q", got)
	}
	if got := global.received()[0].Type; got != "rule.fired" {
		t.Fatalf("global channel got %q, want unrouted fallback", got)
	}
}

func TestMinSeverityFilters(t *testing.T) {
	b := New(testLogger())
	routed := &recordingChannel{name: "sev"}
	b.AddChannel(routed, &Route{MinSeverity: 5})
	b.Start()
	defer b.Stop(time.Second)

	b.Publish(Event{Type: "metric.critical", Severity: 2, Source: "test"})
	b.Publish(Event{Type: "metric.critical", Severity: 7, Source: "test"})

	waitFor(t, func() bool { return len(routed.received()) == 1 })
	if got := routed.received()[0].Severity; got != 7 {
		t.Fatalf("expected only severity 7 delivered, got %d", got)
	}
}

func TestChannelFailureDoesNotBlockSiblings(t *testing.T) {
	b := New(testLogger())
	failing := &recordingChannel{name: "failing", fail: true}
	healthy := &recordingChannel{name: "healthy"}
	b.AddChannel(failing, &Route{})
	b.AddChannel(healthy, &Route{})
	b.Start()
	defer b.Stop(time.Second)

	b.Publish(Event{Type: "rule.fired", Severity: 1, Source: "test"})

	waitFor(t, func() bool { return len(healthy.received()) == 1 })
}

func TestHistoryRetainedIndependentlyOfDelivery(t *testing.T) {
	// No drain loop running: queue fills, publishes time out, history keeps all.
	b := New(testLogger(), WithCapacity(1), WithPublishTimeout(5*time.Millisecond))

	for i := 0; i < 4; i++ {
		b.Publish(Event{Type: "metric.critical", Severity: i, Source: "test"})
	}

	if got := len(b.History(0)); got != 4 {
		t.Fatalf("history length = %d, want 4", got)
	}
	if b.Dropped() != 3 {
		t.Fatalf("dropped = %d, want 3", b.Dropped())
	}
}

func TestHistoryCapTruncatesOldest(t *testing.T) {
	b := New(testLogger(), WithHistoryLimit(3))
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "tick", Severity: i, Source: "test"})
	}
	events := b.History(0)
	if len(events) != 3 {
		t.Fatalf("history length = %d, want 3", len(events))
	}
	if events[0].Severity != 2 || events[2].Severity != 4 {
		t.Fatalf("expected oldest truncated, got severities %d..%d", events[0].Severity, events[2].Severity)
	}
}

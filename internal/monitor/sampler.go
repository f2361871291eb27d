package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kihw/modhub-central-management-sub000/internal/bus"
	"github.com/kihw/modhub-central-management-sub000/internal/util"
)

const (
	minInterval       = 100 * time.Millisecond
	maxInterval       = 60 * time.Second
	defaultInterval   = 2 * time.Second
	defaultHistoryLen = 300
	criticalCap       = 256
)

// Sampler periodically captures process-table and resource snapshots,
// maintaining bounded history, running peaks, and a capped critical-event
// list. It runs on its own schedule and shares state only through
// copy-out accessors.
type Sampler struct {
	logger     *util.Logger
	events     *bus.Bus
	interval   time.Duration
	historyLen int
	thresholds Thresholds

	// Swappable for tests.
	collectResources func(ctx context.Context, now time.Time) Snapshot
	scanProcesses    func(ctx context.Context, now time.Time) ([]ProcessRecord, error)

	mu        sync.Mutex
	history   *snapshotRing
	latest    *Snapshot
	tracked   map[int32]*trackedProcess
	peaks     PeakMetrics
	critical  []bus.Event
	critAbove map[string]bool
	nameCache map[string]bool
	cacheAt   time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Options configures a Sampler.
type Options struct {
	Interval      time.Duration
	HistoryLength int
	Thresholds    Thresholds
	DiskPath      string
}

// New creates a stopped sampler; call Start to begin sampling.
func New(logger *util.Logger, events *bus.Bus, opts Options) *Sampler {
	interval := opts.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	if interval < minInterval {
		interval = minInterval
	}
	if interval > maxInterval {
		interval = maxInterval
	}
	historyLen := opts.HistoryLength
	if historyLen <= 0 {
		historyLen = defaultHistoryLen
	}
	thresholds := opts.Thresholds
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}
	collector := newSystemCollector(opts.DiskPath)
	return &Sampler{
		logger:           logger,
		events:           events,
		interval:         interval,
		historyLen:       historyLen,
		thresholds:       thresholds,
		collectResources: collector.collect,
		scanProcesses:    listProcesses,
		history:          newSnapshotRing(historyLen),
		tracked:          make(map[int32]*trackedProcess),
		critAbove:        make(map[string]bool),
		nameCache:        make(map[string]bool),
		peaks:            PeakMetrics{Since: time.Now()},
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Interval returns the effective (clamped) sampling interval.
func (s *Sampler) Interval() time.Duration { return s.interval }

// Start launches the sampling loop.
func (s *Sampler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop signals the loop and waits up to the timeout for it to exit.
func (s *Sampler) Stop(timeout time.Duration) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}

func (s *Sampler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick runs one full sampling pass. Failures degrade per sub-metric;
// nothing here is fatal to the loop.
func (s *Sampler) tick(ctx context.Context, now time.Time) {
	snap := s.collectResources(ctx, now)

	var diff processDiff
	scan, err := s.scanProcesses(ctx, now)
	if err != nil {
		s.logger.Warnf("process scan failed: %v", err)
	}

	s.mu.Lock()
	if err == nil {
		diff = reconcile(s.tracked, scan)
	}
	snap.ProcessCount = len(s.tracked)
	s.history.add(snap)
	s.latest = &snap
	s.updatePeaksLocked(snap)
	crossings := s.recordCriticalLocked(snap)
	// Existence cache is valid for exactly one sampling window.
	s.nameCache = make(map[string]bool)
	s.cacheAt = now
	s.mu.Unlock()

	for _, rec := range diff.started {
		s.publish("process.detected", 1, map[string]any{"pid": rec.PID, "name": rec.Name})
	}
	for _, rec := range diff.ended {
		s.publish("process.ended", 1, map[string]any{"pid": rec.PID, "name": rec.Name})
	}
	for _, ev := range crossings {
		s.events.Publish(ev)
	}
}

func (s *Sampler) publish(kind string, severity int, details map[string]any) {
	s.events.Publish(bus.Event{
		Type:     kind,
		Severity: severity,
		Source:   "sampler",
		Details:  details,
	})
}

func (s *Sampler) updatePeaksLocked(snap Snapshot) {
	if snap.CPUPercent > s.peaks.CPUPercent {
		s.peaks.CPUPercent = snap.CPUPercent
	}
	if snap.MemoryPercent > s.peaks.MemoryPercent {
		s.peaks.MemoryPercent = snap.MemoryPercent
	}
	if snap.DiskPercent > s.peaks.DiskPercent {
		s.peaks.DiskPercent = snap.DiskPercent
	}
	for _, gpu := range snap.GPUs {
		if gpu.UtilizationPct > s.peaks.GPUPercent {
			s.peaks.GPUPercent = gpu.UtilizationPct
		}
	}
	for _, t := range snap.Temperatures {
		if t.Celsius > s.peaks.TemperatureC {
			s.peaks.TemperatureC = t.Celsius
		}
	}
}

// recordCriticalLocked appends rising threshold crossings to the capped
// critical list and returns them for bus publication outside the lock.
// Crossings are edge-triggered: a metric that stays above its threshold
// produces one entry until it drops below and crosses again.
func (s *Sampler) recordCriticalLocked(snap Snapshot) []bus.Event {
	checks := []struct {
		metric    string
		value     float64
		threshold float64
	}{
		{"cpu", snap.CPUPercent, s.thresholds.CPUPercent},
		{"memory", snap.MemoryPercent, s.thresholds.MemoryPercent},
		{"disk", snap.DiskPercent, s.thresholds.DiskPercent},
	}
	var events []bus.Event
	for _, c := range checks {
		if c.threshold <= 0 || c.value < c.threshold {
			s.critAbove[c.metric] = false
			continue
		}
		if s.critAbove[c.metric] {
			continue
		}
		s.critAbove[c.metric] = true
		ev := bus.Event{
			Type:      "metric.critical",
			Severity:  8,
			Timestamp: snap.Timestamp,
			Source:    "sampler",
			Details:   map[string]any{"metric": c.metric, "value": c.value, "threshold": c.threshold},
		}
		s.critical = append(s.critical, ev)
		if len(s.critical) > criticalCap {
			s.critical = s.critical[len(s.critical)-criticalCap:]
		}
		events = append(events, ev)
	}
	return events
}

// Latest returns the most recent snapshot, if any tick has completed.
func (s *Sampler) Latest() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return Snapshot{}, false
	}
	return *s.latest, true
}

// History returns retained snapshots oldest-first. A non-zero duration
// limits the result to snapshots newer than now minus the duration.
func (s *Sampler) History(since time.Duration) []Snapshot {
	s.mu.Lock()
	snaps := s.history.snapshot()
	s.mu.Unlock()
	if since <= 0 {
		return snaps
	}
	cutoff := time.Now().Add(-since)
	filtered := snaps[:0]
	for _, snap := range snaps {
		if snap.Timestamp.After(cutoff) {
			filtered = append(filtered, snap)
		}
	}
	return filtered
}

// Processes copies out the tracked process records.
func (s *Sampler) Processes() []ProcessRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProcessRecord, 0, len(s.tracked))
	for _, tp := range s.tracked {
		out = append(out, tp.record)
	}
	return out
}

// Peaks returns the running maximum metrics.
func (s *Sampler) Peaks() PeakMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peaks
}

// CriticalEvents returns recorded threshold crossings, oldest first.
func (s *Sampler) CriticalEvents(since time.Duration) []bus.Event {
	s.mu.Lock()
	events := make([]bus.Event, len(s.critical))
	copy(events, s.critical)
	s.mu.Unlock()
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

// ProcessExists reports whether a process with the given name (case
// folded, substring match) is currently tracked. Results are cached for
// the duration of one sampling interval.
func (s *Sampler) ProcessExists(name string) bool {
	needle := strings.ToLower(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.nameCache[needle]; ok && time.Since(s.cacheAt) < s.interval {
		return cached
	}
	found := false
	for _, tp := range s.tracked {
		if strings.Contains(strings.ToLower(tp.record.Name), needle) {
			found = true
			break
		}
	}
	s.nameCache[needle] = found
	return found
}

type snapshotRing struct {
	buf      []Snapshot
	start    int
	count    int
	capacity int
}

func newSnapshotRing(capacity int) *snapshotRing {
	return &snapshotRing{buf: make([]Snapshot, capacity), capacity: capacity}
}

func (r *snapshotRing) add(snap Snapshot) {
	if r.count < r.capacity {
		r.buf[(r.start+r.count)%r.capacity] = snap
		r.count++
		return
	}
	r.buf[r.start] = snap
	r.start = (r.start + 1) % r.capacity
}

func (r *snapshotRing) snapshot() []Snapshot {
	out := make([]Snapshot, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%r.capacity]
	}
	return out
}

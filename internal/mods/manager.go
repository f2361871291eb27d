package mods

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kihw/modhub-central-management-sub000/internal/bus"
	"github.com/kihw/modhub-central-management-sub000/internal/util"
)

// Strategy selects how conflicting mod activations are resolved.
type Strategy string

const (
	// StrategyPriority deactivates every lower-priority conflicting mod,
	// then activates.
	StrategyPriority Strategy = "priority"
	// StrategyLastActivated deactivates the most recently activated
	// conflicting mods, then activates.
	StrategyLastActivated Strategy = "lastActivated"
	// StrategyCumulative is accepted in config but not implemented:
	// activation of a conflicting mod fails.
	StrategyCumulative Strategy = "cumulative"
	// StrategyAskUser never auto-resolves: activation fails pending an
	// external decision.
	StrategyAskUser Strategy = "askUser"
)

// ParseStrategy maps a config string to a Strategy, defaulting to priority.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyLastActivated, StrategyCumulative, StrategyAskUser:
		return Strategy(s)
	default:
		return StrategyPriority
	}
}

// Mod declares an activatable behavior bundle.
type Mod struct {
	ID            string
	Type          string
	Priority      int
	ConflictsWith []string
	Config        map[string]any
}

// Hook is the mod's own activation side effect (device control, profile
// switches). Hooks run outside the manager's state lock.
type Hook interface {
	Activate(ctx context.Context, cfg map[string]any) error
	Deactivate(ctx context.Context) error
}

// HookFunc adapts a pair of functions into a Hook.
type HookFunc struct {
	OnActivate   func(ctx context.Context, cfg map[string]any) error
	OnDeactivate func(ctx context.Context) error
}

func (h HookFunc) Activate(ctx context.Context, cfg map[string]any) error {
	if h.OnActivate == nil {
		return nil
	}
	return h.OnActivate(ctx, cfg)
}

func (h HookFunc) Deactivate(ctx context.Context) error {
	if h.OnDeactivate == nil {
		return nil
	}
	return h.OnDeactivate(ctx)
}

type modState struct {
	def         Mod
	hook        Hook
	active      bool
	activatedAt time.Time
	config      map[string]any
}

// Manager owns the authoritative active/inactive state for every mod.
// All other components request transitions; nothing mutates mod state
// directly.
type Manager struct {
	logger   *util.Logger
	events   *bus.Bus
	strategy Strategy

	// opMu serializes whole transitions (conflict resolution plus hook
	// calls); mu guards the state map for short copy-out reads.
	opMu sync.Mutex
	mu   sync.Mutex
	mods map[string]*modState
}

// NewManager creates a manager using the given conflict strategy.
func NewManager(logger *util.Logger, events *bus.Bus, strategy Strategy) *Manager {
	return &Manager{
		logger:   logger,
		events:   events,
		strategy: strategy,
		mods:     make(map[string]*modState),
	}
}

// Register adds a mod definition with its activation hook. A nil hook
// registers a state-only mod.
func (m *Manager) Register(def Mod, hook Hook) error {
	if def.ID == "" {
		return fmt.Errorf("mod id cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.mods[def.ID]; exists {
		return fmt.Errorf("mod %q already registered", def.ID)
	}
	if hook == nil {
		hook = HookFunc{}
	}
	m.mods[def.ID] = &modState{def: def, hook: hook}
	return nil
}

// Unregister removes a mod. An active mod is deactivated first.
func (m *Manager) Unregister(id string) error {
	if err := m.Deactivate(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.mods[id]; !exists {
		return fmt.Errorf("unknown mod %q", id)
	}
	delete(m.mods, id)
	return nil
}

// Activate requests activation. It is idempotent: activating an active
// mod is a no-op success. Conflicts are resolved per the configured
// strategy before the mod's own hook runs; a hook failure leaves the
// mod inactive.
func (m *Manager) Activate(id string, cfg map[string]any) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	state, ok := m.mods[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown mod %q", id)
	}
	if state.active {
		m.mu.Unlock()
		return nil
	}
	conflicts, blockers := m.conflictsLocked(state.def)
	m.mu.Unlock()

	if len(conflicts) > 0 || len(blockers) > 0 {
		switch m.strategy {
		case StrategyPriority:
			if len(blockers) > 0 {
				return fmt.Errorf("mod %q conflicts with higher-priority active mods %v", id, blockers)
			}
			for _, other := range conflicts {
				if err := m.deactivateResolved(other, id); err != nil {
					return fmt.Errorf("resolve conflict with %q: %w", other, err)
				}
			}
		case StrategyLastActivated:
			for _, other := range conflicts {
				if err := m.deactivateResolved(other, id); err != nil {
					return fmt.Errorf("resolve conflict with %q: %w", other, err)
				}
			}
		case StrategyCumulative:
			return fmt.Errorf("mod %q conflicts with active mods: cumulative strategy is not supported", id)
		case StrategyAskUser:
			return fmt.Errorf("mod %q conflicts with active mods: user decision required", id)
		}
	}

	if cfg == nil {
		cfg = state.def.Config
	}
	if err := state.hook.Activate(context.Background(), cfg); err != nil {
		m.publish("mod.error", 6, map[string]any{"mod": id, "error": err.Error()})
		return fmt.Errorf("activate mod %q: %w", id, err)
	}

	m.mu.Lock()
	state.active = true
	state.activatedAt = time.Now()
	state.config = cfg
	m.mu.Unlock()

	m.logger.Infof("mod %s activated", id)
	m.publish("mod.activated", 3, map[string]any{"mod": id})
	return nil
}

// Deactivate requests deactivation; deactivating an inactive mod is a
// no-op success.
func (m *Manager) Deactivate(id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.deactivate(id, "")
}

// deactivateResolved deactivates a mod displaced during conflict
// resolution for winner. Caller holds opMu.
func (m *Manager) deactivateResolved(id, winner string) error {
	return m.deactivate(id, winner)
}

func (m *Manager) deactivate(id, displacedBy string) error {
	m.mu.Lock()
	state, ok := m.mods[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown mod %q", id)
	}
	if !state.active {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := state.hook.Deactivate(context.Background()); err != nil {
		// The underlying behavior could not be unwound; keep the state
		// authoritative and report.
		m.publish("mod.error", 6, map[string]any{"mod": id, "error": err.Error()})
		return fmt.Errorf("deactivate mod %q: %w", id, err)
	}

	m.mu.Lock()
	state.active = false
	state.config = nil
	m.mu.Unlock()

	details := map[string]any{"mod": id}
	if displacedBy != "" {
		details["displacedBy"] = displacedBy
	}
	m.logger.Infof("mod %s deactivated", id)
	m.publish("mod.deactivated", 3, details)
	return nil
}

// conflictsLocked returns the active mods conflicting with def, split
// into resolvable conflicts (ordered by the resolution strategy) and
// blockers that must not be displaced. Explicit exclusions apply in
// either direction; under the priority strategy any active mod of
// strictly lower priority also conflicts, and an explicitly conflicting
// mod of higher or equal priority blocks.
func (m *Manager) conflictsLocked(def Mod) (resolvable, blockers []string) {
	explicit := make(map[string]struct{}, len(def.ConflictsWith))
	for _, other := range def.ConflictsWith {
		explicit[other] = struct{}{}
	}
	type conflict struct {
		id          string
		priority    int
		activatedAt time.Time
	}
	var found []conflict
	for id, state := range m.mods {
		if id == def.ID || !state.active {
			continue
		}
		_, isExplicit := explicit[id]
		mutual := false
		for _, other := range state.def.ConflictsWith {
			if other == def.ID {
				mutual = true
				break
			}
		}
		lowerPriority := m.strategy == StrategyPriority && state.def.Priority < def.Priority
		if isExplicit || mutual || lowerPriority {
			found = append(found, conflict{id: id, priority: state.def.Priority, activatedAt: state.activatedAt})
		}
	}
	switch m.strategy {
	case StrategyLastActivated:
		sort.Slice(found, func(i, j int) bool { return found[i].activatedAt.After(found[j].activatedAt) })
		for _, c := range found {
			resolvable = append(resolvable, c.id)
		}
	default:
		sort.Slice(found, func(i, j int) bool { return found[i].priority < found[j].priority })
		for _, c := range found {
			if c.priority >= def.Priority {
				blockers = append(blockers, c.id)
				continue
			}
			resolvable = append(resolvable, c.id)
		}
	}
	return resolvable, blockers
}

// ActiveMods returns the ids of currently active mods, sorted.
func (m *Manager) ActiveMods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, state := range m.mods {
		if state.active {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// IsActive reports whether the given mod is active.
func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.mods[id]
	return ok && state.active
}

// ModInfo is a copy-out view of one mod's state.
type ModInfo struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Priority    int            `json:"priority"`
	Active      bool           `json:"active"`
	ActivatedAt time.Time      `json:"activatedAt,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// Mods returns a snapshot of every registered mod, sorted by id.
func (m *Manager) Mods() []ModInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ModInfo, 0, len(m.mods))
	for id, state := range m.mods {
		info := ModInfo{
			ID:       id,
			Type:     state.def.Type,
			Priority: state.def.Priority,
			Active:   state.active,
		}
		if state.active {
			info.ActivatedAt = state.activatedAt
			info.Config = state.config
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) publish(kind string, severity int, details map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Publish(bus.Event{Type: kind, Severity: severity, Source: "mods", Details: details})
}

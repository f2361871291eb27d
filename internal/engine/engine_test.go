package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kihw/modhub-central-management-sub000/internal/bus"
	"github.com/kihw/modhub-central-management-sub000/internal/config"
	"github.com/kihw/modhub-central-management-sub000/internal/executor"
	"github.com/kihw/modhub-central-management-sub000/internal/mods"
	"github.com/kihw/modhub-central-management-sub000/internal/monitor"
	"github.com/kihw/modhub-central-management-sub000/internal/rules"
	"github.com/kihw/modhub-central-management-sub000/internal/util"
)

type fakeSource struct {
	snapshot monitor.Snapshot
	ok       bool
	procs    []monitor.ProcessRecord
}

func (s *fakeSource) Latest() (monitor.Snapshot, bool)   { return s.snapshot, s.ok }
func (s *fakeSource) Processes() []monitor.ProcessRecord { return s.procs }

func (s *fakeSource) ProcessExists(name string) bool {
	needle := strings.ToLower(name)
	for _, rec := range s.procs {
		if strings.Contains(strings.ToLower(rec.Name), needle) {
			return true
		}
	}
	return false
}

type harness struct {
	engine *Engine
	mods   *mods.Manager
	events *bus.Bus
	source *fakeSource
	flags  map[string]bool
}

func newHarness(t *testing.T, strategy mods.Strategy) *harness {
	t.Helper()
	logger := util.NewLogger(util.LevelError)
	events := bus.New(logger)
	manager := mods.NewManager(logger, events, strategy)
	runner, err := executor.NewCommandRunner(time.Second, nil)
	if err != nil {
		t.Fatalf("NewCommandRunner: %v", err)
	}
	exec := executor.New(logger, manager, events, runner, executor.NewSettingsStore())
	source := &fakeSource{}
	eng := New(logger, source, manager, exec, events, nil, time.Second)

	h := &harness{engine: eng, mods: manager, events: events, source: source, flags: map[string]bool{}}
	return h
}

// flagCondition wires a rule condition to a test-controlled boolean.
func (h *harness) flagCondition(t *testing.T, id string) config.ConditionConfig {
	t.Helper()
	h.engine.Registry().RegisterCondition(id, func(rules.EvalContext) bool { return h.flags[id] })
	return config.ConditionConfig{Type: "custom", Params: map[string]any{"id": id}}
}

func activateAction(mod string) config.ActionConfig {
	return config.ActionConfig{Type: "mod_activate", Params: map[string]any{"mod": mod}}
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	h.engine.Tick(context.Background(), time.Now())
}

func TestEdgeTriggeredFiring(t *testing.T) {
	h := newHarness(t, mods.StrategyPriority)
	h.mods.Register(mods.Mod{ID: "gaming", Priority: 5}, nil)
	err := h.engine.RegisterRule(config.RuleConfig{
		ID:         "r1",
		Conditions: []config.ConditionConfig{h.flagCondition(t, "steam-running")},
		Actions:    []config.ActionConfig{activateAction("gaming")},
	})
	if err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	h.flags["steam-running"] = true
	for i := 0; i < 5; i++ {
		h.tick(t)
	}

	status := h.engine.RulesStatus()[0]
	if status.ExecutionCount != 1 {
		t.Fatalf("actions fired %d times over 5 satisfied ticks, want exactly 1", status.ExecutionCount)
	}
	if !h.mods.IsActive("gaming") {
		t.Fatalf("gaming mod should be active")
	}
}

func TestFallingEdgeDeactivatesMods(t *testing.T) {
	h := newHarness(t, mods.StrategyPriority)
	h.mods.Register(mods.Mod{ID: "gaming", Priority: 5}, nil)
	h.engine.RegisterRule(config.RuleConfig{
		ID:         "r1",
		Conditions: []config.ConditionConfig{h.flagCondition(t, "game")},
		Actions:    []config.ActionConfig{activateAction("gaming")},
	})

	h.flags["game"] = true
	h.tick(t)
	if !h.mods.IsActive("gaming") {
		t.Fatalf("mod should be active after rising edge")
	}

	h.flags["game"] = false
	h.tick(t)
	if h.mods.IsActive("gaming") {
		t.Fatalf("mod should be deactivated on falling edge")
	}

	// A later rising edge fires again.
	h.flags["game"] = true
	h.tick(t)
	if got := h.engine.RulesStatus()[0].ExecutionCount; got != 2 {
		t.Fatalf("execution count = %d, want 2", got)
	}

	history := h.engine.EvaluationHistory()
	if len(history) != 3 {
		t.Fatalf("evaluation history = %d entries, want 3", len(history))
	}
	if !history[0].Satisfied || history[1].Satisfied || !history[2].Satisfied {
		t.Fatalf("unexpected edge sequence: %+v", history)
	}
}

func TestStickyRuleKeepsModActive(t *testing.T) {
	h := newHarness(t, mods.StrategyPriority)
	h.mods.Register(mods.Mod{ID: "night", Priority: 3}, nil)
	h.engine.RegisterRule(config.RuleConfig{
		ID:         "r1",
		Sticky:     true,
		Conditions: []config.ConditionConfig{h.flagCondition(t, "late")},
		Actions:    []config.ActionConfig{activateAction("night")},
	})

	h.flags["late"] = true
	h.tick(t)
	h.flags["late"] = false
	h.tick(t)

	if !h.mods.IsActive("night") {
		t.Fatalf("sticky rule must leave its mod active")
	}
}

func TestPriorityOrderingResolvesConflicts(t *testing.T) {
	h := newHarness(t, mods.StrategyPriority)
	h.mods.Register(mods.Mod{ID: "mod-a", Priority: 8, ConflictsWith: []string{"mod-b"}}, nil)
	h.mods.Register(mods.Mod{ID: "mod-b", Priority: 2, ConflictsWith: []string{"mod-a"}}, nil)

	condA := h.flagCondition(t, "cond-a")
	condB := h.flagCondition(t, "cond-b")
	// Register the lower-priority rule first: evaluation order must
	// follow priority, not registration order.
	h.engine.RegisterRule(config.RuleConfig{
		ID: "r2", Priority: 5,
		Conditions: []config.ConditionConfig{condB},
		Actions:    []config.ActionConfig{activateAction("mod-b")},
	})
	h.engine.RegisterRule(config.RuleConfig{
		ID: "r1", Priority: 10,
		Conditions: []config.ConditionConfig{condA},
		Actions:    []config.ActionConfig{activateAction("mod-a")},
	})

	h.flags["cond-a"] = true
	h.flags["cond-b"] = true
	h.tick(t)

	if diff := cmp.Diff([]string{"mod-a"}, h.mods.ActiveMods()); diff != "" {
		t.Fatalf("active mods mismatch (-want +got):\n%s", diff)
	}
	statuses := h.engine.RulesStatus()
	if statuses[0].ID != "r1" || statuses[1].ID != "r2" {
		t.Fatalf("rules not in priority order: %v, %v", statuses[0].ID, statuses[1].ID)
	}
	// The losing rule fired but its activation failed.
	if len(statuses[1].LastResults) != 1 || statuses[1].LastResults[0].OK() {
		t.Fatalf("expected recorded activation failure for r2: %+v", statuses[1].LastResults)
	}
}

func TestRegisterRejectsMalformedRule(t *testing.T) {
	h := newHarness(t, mods.StrategyPriority)
	err := h.engine.RegisterRule(config.RuleConfig{
		ID:         "bad",
		Conditions: []config.ConditionConfig{{Type: "nope"}},
		Actions:    []config.ActionConfig{{Type: "notify", Params: map[string]any{"message": "x"}}},
	})
	if err == nil {
		t.Fatalf("expected registration error for unknown condition type")
	}
	if len(h.engine.RulesStatus()) != 0 {
		t.Fatalf("malformed rule must not be registered")
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	h := newHarness(t, mods.StrategyPriority)
	cfg := config.RuleConfig{
		ID:         "r1",
		Conditions: []config.ConditionConfig{h.flagCondition(t, "x")},
		Actions:    []config.ActionConfig{{Type: "notify", Params: map[string]any{"message": "x"}}},
	}
	if err := h.engine.RegisterRule(cfg); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}
	if err := h.engine.RegisterRule(cfg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestReplaceRulesPreservesSatisfiedState(t *testing.T) {
	h := newHarness(t, mods.StrategyPriority)
	h.mods.Register(mods.Mod{ID: "gaming", Priority: 5}, nil)
	cond := h.flagCondition(t, "game")
	h.engine.RegisterRule(config.RuleConfig{
		ID:         "r1",
		Conditions: []config.ConditionConfig{cond},
		Actions:    []config.ActionConfig{activateAction("gaming")},
	})

	h.flags["game"] = true
	h.tick(t)
	if got := h.engine.RulesStatus()[0].ExecutionCount; got != 1 {
		t.Fatalf("execution count = %d, want 1", got)
	}

	if err := h.engine.ReplaceRules([]config.RuleConfig{{
		ID:         "r1",
		Priority:   7,
		Conditions: []config.ConditionConfig{cond},
		Actions:    []config.ActionConfig{activateAction("gaming")},
	}}); err != nil {
		t.Fatalf("ReplaceRules: %v", err)
	}

	// Condition still holds: the reload must not produce a fresh edge.
	h.tick(t)
	status := h.engine.RulesStatus()[0]
	if status.ExecutionCount != 1 {
		t.Fatalf("reload re-fired the rule: count = %d", status.ExecutionCount)
	}
	if status.Priority != 7 {
		t.Fatalf("updated priority not applied: %d", status.Priority)
	}
}

func TestUnregisterRule(t *testing.T) {
	h := newHarness(t, mods.StrategyPriority)
	h.engine.RegisterRule(config.RuleConfig{
		ID:         "r1",
		Conditions: []config.ConditionConfig{h.flagCondition(t, "x")},
		Actions:    []config.ActionConfig{{Type: "notify", Params: map[string]any{"message": "x"}}},
	})
	if err := h.engine.UnregisterRule("r1"); err != nil {
		t.Fatalf("UnregisterRule: %v", err)
	}
	if err := h.engine.UnregisterRule("r1"); err == nil {
		t.Fatalf("expected error for unknown rule")
	}
}

func TestDisabledRuleSkipped(t *testing.T) {
	h := newHarness(t, mods.StrategyPriority)
	h.mods.Register(mods.Mod{ID: "gaming", Priority: 5}, nil)
	h.engine.RegisterRule(config.RuleConfig{
		ID:         "r1",
		Conditions: []config.ConditionConfig{h.flagCondition(t, "game")},
		Actions:    []config.ActionConfig{activateAction("gaming")},
	})
	if err := h.engine.SetRuleEnabled("r1", false); err != nil {
		t.Fatalf("SetRuleEnabled: %v", err)
	}

	h.flags["game"] = true
	h.tick(t)
	if h.mods.IsActive("gaming") {
		t.Fatalf("disabled rule must not fire")
	}
}

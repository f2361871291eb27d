package rules

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kihw/modhub-central-management-sub000/internal/config"
)

func TestCompileCollectsActivatedMods(t *testing.T) {
	cfg := config.RuleConfig{
		ID:       "gaming-on",
		Priority: 10,
		Conditions: []config.ConditionConfig{
			{Type: "process", Params: map[string]any{"name": "steam"}},
		},
		Actions: []config.ActionConfig{
			{Type: "mod_activate", Params: map[string]any{"mod": "gaming"}},
			{Type: "notify", Params: map[string]any{"message": "game on"}},
			{Type: "mod_activate", Params: map[string]any{"mod": "performance"}},
		},
	}
	rule, err := Compile(cfg, NewRegistry())
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	if diff := cmp.Diff([]string{"gaming", "performance"}, rule.ActivatedMods); diff != "" {
		t.Fatalf("activated mods mismatch (-want +got):\n%s", diff)
	}
	if !rule.Enabled {
		t.Fatalf("rule should be enabled by default")
	}
}

func TestCompileRejectsUnknownActionType(t *testing.T) {
	cfg := config.RuleConfig{
		ID: "bad",
		Conditions: []config.ConditionConfig{
			{Type: "idle", Params: map[string]any{"minutes": 1}},
		},
		Actions: []config.ActionConfig{{Type: "teleport"}},
	}
	if _, err := Compile(cfg, NewRegistry()); err == nil {
		t.Fatalf("expected error for unknown action type")
	}
}

func TestSatisfiedCombineSemantics(t *testing.T) {
	tr := func(t *testing.T, combine string, conds []config.ConditionConfig, want bool, ctx EvalContext) {
		t.Helper()
		rule, err := Compile(config.RuleConfig{
			ID:         "combo",
			Combine:    combine,
			Conditions: conds,
			Actions:    []config.ActionConfig{{Type: "notify", Params: map[string]any{"message": "x"}}},
		}, NewRegistry())
		if err != nil {
			t.Fatalf("Compile returned error: %v", err)
		}
		if got := rule.Satisfied(ctx); got != want {
			t.Fatalf("combine=%s got %v, want %v", combine, got, want)
		}
	}

	mixed := []config.ConditionConfig{
		{Type: "custom", Params: map[string]any{"id": "a", "default": true}},
		{Type: "custom", Params: map[string]any{"id": "b", "default": false}},
	}
	tr(t, "AND", mixed, false, EvalContext{})
	tr(t, "OR", mixed, true, EvalContext{})
	tr(t, "", mixed, false, EvalContext{}) // default AND
}

func TestCompileRejectsBadCombine(t *testing.T) {
	for _, combine := range []string{"or", "and", "XOR"} {
		cfg := config.RuleConfig{
			ID:      "combo",
			Combine: combine,
			Conditions: []config.ConditionConfig{
				{Type: "idle", Params: map[string]any{"minutes": 1}},
			},
			Actions: []config.ActionConfig{{Type: "notify", Params: map[string]any{"message": "x"}}},
		}
		if _, err := Compile(cfg, NewRegistry()); err == nil {
			t.Fatalf("combine %q must be rejected, not silently treated as AND", combine)
		}
	}
}

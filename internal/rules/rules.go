package rules

import (
	"fmt"

	"github.com/kihw/modhub-central-management-sub000/internal/config"
)

// Rule is a compiled rule ready for evaluation.
type Rule struct {
	ID       string
	Name     string
	Priority int
	Enabled  bool
	// Sticky rules leave their activated mods in place when the rule's
	// conditions stop holding.
	Sticky     bool
	CombineOr  bool
	Conditions []Condition
	Actions    []Action
	// ActivatedMods lists the mod ids this rule's actions activate, used
	// for automatic deactivation on the falling edge.
	ActivatedMods []string
}

// Compile validates and compiles a rule declaration. Unknown condition
// or action types are registration errors, never deferred to evaluation.
func Compile(cfg config.RuleConfig, reg *Registry) (Rule, error) {
	rule := Rule{
		ID:        cfg.ID,
		Name:      cfg.Name,
		Priority:  cfg.Priority,
		Enabled:   cfg.IsEnabled(),
		Sticky:    cfg.Sticky,
		CombineOr: cfg.Combine == "OR",
	}
	if rule.ID == "" {
		return Rule{}, fmt.Errorf("rule id cannot be empty")
	}
	switch cfg.Combine {
	case "", "AND", "OR":
	default:
		return Rule{}, fmt.Errorf("rule %s: combine must be AND or OR, got %q", cfg.ID, cfg.Combine)
	}
	if rule.Name == "" {
		rule.Name = rule.ID
	}
	if len(cfg.Conditions) == 0 {
		return Rule{}, fmt.Errorf("rule %s: must define conditions", cfg.ID)
	}
	if len(cfg.Actions) == 0 {
		return Rule{}, fmt.Errorf("rule %s: must define actions", cfg.ID)
	}
	for i, cc := range cfg.Conditions {
		cond, err := CompileCondition(cc, reg)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %s condition %d: %w", cfg.ID, i, err)
		}
		rule.Conditions = append(rule.Conditions, cond)
	}
	for i, ac := range cfg.Actions {
		action, err := CompileAction(ac, reg)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %s action %d: %w", cfg.ID, i, err)
		}
		rule.Actions = append(rule.Actions, action)
		if activate, ok := action.(*ModActivateAction); ok {
			rule.ActivatedMods = append(rule.ActivatedMods, activate.ModID)
		}
	}
	return rule, nil
}

// Satisfied evaluates every condition (no short-circuiting; conditions
// are side-effect free) and combines the results.
func (r Rule) Satisfied(ctx EvalContext) bool {
	results := make([]bool, len(r.Conditions))
	for i, cond := range r.Conditions {
		results[i] = cond.Eval(ctx)
	}
	if r.CombineOr {
		for _, res := range results {
			if res {
				return true
			}
		}
		return false
	}
	for _, res := range results {
		if !res {
			return false
		}
	}
	return true
}

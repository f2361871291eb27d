package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kihw/modhub-central-management-sub000/internal/bus"
	"github.com/kihw/modhub-central-management-sub000/internal/config"
	"github.com/kihw/modhub-central-management-sub000/internal/executor"
	"github.com/kihw/modhub-central-management-sub000/internal/monitor"
	"github.com/kihw/modhub-central-management-sub000/internal/rules"
	"github.com/kihw/modhub-central-management-sub000/internal/util"
)

const (
	defaultEvalInterval = time.Second
	evalHistoryCap      = 128
)

// StateSource provides the latest committed snapshot and process set.
// The sampler implements it; the engine never blocks the sampler.
type StateSource interface {
	Latest() (monitor.Snapshot, bool)
	Processes() []monitor.ProcessRecord
	// ProcessExists answers case-folded substring name lookups against
	// the tracked set, cached per sampling interval.
	ProcessExists(name string) bool
}

type ruleState struct {
	rule rules.Rule
	seq  int

	satisfied      bool
	lastTriggered  time.Time
	executionCount int
	lastResults    []executor.ActionResult
}

// RuleEvaluation records one edge transition for inspection.
type RuleEvaluation struct {
	Timestamp time.Time `json:"timestamp"`
	Rule      string    `json:"rule"`
	Satisfied bool      `json:"satisfied"`
	Failed    int       `json:"failedActions,omitempty"`
}

// RuleStatus is a copy-out view of one rule's runtime state.
type RuleStatus struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	Priority       int                     `json:"priority"`
	Enabled        bool                    `json:"enabled"`
	Satisfied      bool                    `json:"satisfied"`
	LastTriggered  time.Time               `json:"lastTriggered,omitempty"`
	ExecutionCount int                     `json:"executionCount"`
	LastResults    []executor.ActionResult `json:"lastResults,omitempty"`
}

// Engine evaluates prioritized rules against the latest snapshot on its
// own schedule, firing actions on rising edges only.
type Engine struct {
	logger   *util.Logger
	source   StateSource
	mods     rules.ModController
	exec     *executor.Executor
	events   *bus.Bus
	registry *rules.Registry
	interval time.Duration

	mu           sync.Mutex
	rules        []*ruleState
	seq          int
	lastActivity time.Time
	evalHistory  []RuleEvaluation
	evalStart    int

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a stopped engine; call Start to begin evaluating.
func New(logger *util.Logger, source StateSource, mods rules.ModController, exec *executor.Executor, events *bus.Bus, registry *rules.Registry, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = defaultEvalInterval
	}
	if registry == nil {
		registry = rules.NewRegistry()
	}
	return &Engine{
		logger:       logger,
		source:       source,
		mods:         mods,
		exec:         exec,
		events:       events,
		registry:     registry,
		interval:     interval,
		lastActivity: time.Now(),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Registry exposes the extension registry for custom conditions/actions.
func (e *Engine) Registry() *rules.Registry { return e.registry }

// RegisterRule compiles and adds a rule. Malformed definitions are
// rejected here, never silently dropped at evaluation time.
func (e *Engine) RegisterRule(cfg config.RuleConfig) error {
	rule, err := rules.Compile(cfg, e.registry)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.rules {
		if st.rule.ID == rule.ID {
			return fmt.Errorf("rule %q already registered", rule.ID)
		}
	}
	e.seq++
	e.rules = append(e.rules, &ruleState{rule: rule, seq: e.seq})
	e.sortLocked()
	return nil
}

// UpdateRule replaces a registered rule in place, preserving its
// satisfied state so the update itself does not produce an edge.
func (e *Engine) UpdateRule(cfg config.RuleConfig) error {
	rule, err := rules.Compile(cfg, e.registry)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.rules {
		if st.rule.ID == rule.ID {
			st.rule = rule
			e.sortLocked()
			return nil
		}
	}
	return fmt.Errorf("unknown rule %q", rule.ID)
}

// UnregisterRule removes a rule.
func (e *Engine) UnregisterRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, st := range e.rules {
		if st.rule.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unknown rule %q", id)
}

// SetRuleEnabled toggles evaluation of a rule without recompiling it.
func (e *Engine) SetRuleEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.rules {
		if st.rule.ID == id {
			st.rule.Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("unknown rule %q", id)
}

// ReplaceRules swaps the entire rule set, used on config reload. The
// satisfied state of surviving rule ids carries over so a reload does
// not re-fire rules whose conditions already hold.
func (e *Engine) ReplaceRules(cfgs []config.RuleConfig) error {
	compiled := make([]rules.Rule, 0, len(cfgs))
	for _, cfg := range cfgs {
		rule, err := rules.Compile(cfg, e.registry)
		if err != nil {
			return err
		}
		compiled = append(compiled, rule)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := make(map[string]*ruleState, len(e.rules))
	for _, st := range e.rules {
		prev[st.rule.ID] = st
	}
	e.rules = e.rules[:0]
	for _, rule := range compiled {
		e.seq++
		st := &ruleState{rule: rule, seq: e.seq}
		if old, ok := prev[rule.ID]; ok {
			st.satisfied = old.satisfied
			st.lastTriggered = old.lastTriggered
			st.executionCount = old.executionCount
		}
		e.rules = append(e.rules, st)
	}
	e.sortLocked()
	e.logger.Infof("replaced rule set with %d rules", len(compiled))
	return nil
}

// sortLocked orders rules by descending priority, stable on
// registration order for ties.
func (e *Engine) sortLocked() {
	sort.SliceStable(e.rules, func(i, j int) bool {
		if e.rules[i].rule.Priority == e.rules[j].rule.Priority {
			return e.rules[i].seq < e.rules[j].seq
		}
		return e.rules[i].rule.Priority > e.rules[j].rule.Priority
	})
}

// RecordActivity marks user activity for idle conditions.
func (e *Engine) RecordActivity() {
	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

// IdleFor returns the elapsed time since the last recorded activity.
func (e *Engine) IdleFor() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Since(e.lastActivity)
}

// Start launches the evaluation loop.
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop signals the loop and waits up to the timeout for it to exit.
func (e *Engine) Stop(timeout time.Duration) error {
	e.stopOnce.Do(func() { close(e.stop) })
	select {
	case <-e.done:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case now := <-ticker.C:
			e.Tick(ctx, now)
		}
	}
}

// Tick runs one evaluation pass over every enabled rule in priority
// order. Failures are contained per rule; the loop never dies on a tick.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	snapshot, ok := e.source.Latest()
	evalCtx := rules.EvalContext{
		Snapshot:      snapshot,
		HasSnapshot:   ok,
		Processes:     e.source.Processes(),
		Now:           now,
		IdleFor:       e.IdleFor(),
		ProcessExists: e.source.ProcessExists,
	}

	// Copy the ordered rule list under a short lock; evaluation and
	// side effects run outside it.
	e.mu.Lock()
	ordered := make([]*ruleState, len(e.rules))
	copy(ordered, e.rules)
	e.mu.Unlock()

	for _, st := range ordered {
		e.mu.Lock()
		rule := st.rule
		wasSatisfied := st.satisfied
		e.mu.Unlock()
		if !rule.Enabled {
			continue
		}

		satisfied := rule.Satisfied(evalCtx)
		if satisfied == wasSatisfied {
			continue
		}

		if satisfied {
			e.logger.Debugf("rule %s satisfied, firing %d actions", rule.ID, len(rule.Actions))
			results := e.exec.Run(ctx, rule.ID, rule.Actions)
			failed := 0
			for _, res := range results {
				if !res.OK() {
					failed++
				}
			}
			e.mu.Lock()
			st.satisfied = true
			st.lastTriggered = now
			st.executionCount++
			st.lastResults = results
			e.recordEvalLocked(RuleEvaluation{Timestamp: now, Rule: rule.ID, Satisfied: true, Failed: failed})
			e.mu.Unlock()
			details := map[string]any{"rule": rule.ID, "actions": len(results)}
			severity := 2
			if failed > 0 {
				details["failedActions"] = failed
				severity = 5
			}
			e.events.Publish(bus.Event{Type: "rule.fired", Severity: severity, Source: "engine", Details: details})
			continue
		}

		// Falling edge: undo this rule's mod activations unless sticky.
		e.mu.Lock()
		st.satisfied = false
		e.recordEvalLocked(RuleEvaluation{Timestamp: now, Rule: rule.ID, Satisfied: false})
		e.mu.Unlock()
		if rule.Sticky {
			continue
		}
		for _, modID := range rule.ActivatedMods {
			if err := e.mods.Deactivate(modID); err != nil {
				e.logger.Warnf("rule %s auto-deactivate %s: %v", rule.ID, modID, err)
			}
		}
	}
}

// recordEvalLocked appends to the bounded evaluation history,
// overwriting the oldest entry once full.
func (e *Engine) recordEvalLocked(entry RuleEvaluation) {
	if len(e.evalHistory) < evalHistoryCap {
		e.evalHistory = append(e.evalHistory, entry)
		return
	}
	e.evalHistory[e.evalStart] = entry
	e.evalStart = (e.evalStart + 1) % evalHistoryCap
}

// EvaluationHistory copies out recorded edge transitions, oldest first.
func (e *Engine) EvaluationHistory() []RuleEvaluation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RuleEvaluation, 0, len(e.evalHistory))
	for i := 0; i < len(e.evalHistory); i++ {
		out = append(out, e.evalHistory[(e.evalStart+i)%len(e.evalHistory)])
	}
	return out
}

// RulesStatus copies out the runtime state of every rule in evaluation
// order.
func (e *Engine) RulesStatus() []RuleStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RuleStatus, 0, len(e.rules))
	for _, st := range e.rules {
		status := RuleStatus{
			ID:             st.rule.ID,
			Name:           st.rule.Name,
			Priority:       st.rule.Priority,
			Enabled:        st.rule.Enabled,
			Satisfied:      st.satisfied,
			LastTriggered:  st.lastTriggered,
			ExecutionCount: st.executionCount,
		}
		if len(st.lastResults) > 0 {
			status.LastResults = append([]executor.ActionResult(nil), st.lastResults...)
		}
		out = append(out, status)
	}
	return out
}

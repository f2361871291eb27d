package executor

import (
	"context"
	"sync"
	"time"

	"github.com/kihw/modhub-central-management-sub000/internal/bus"
	"github.com/kihw/modhub-central-management-sub000/internal/rules"
	"github.com/kihw/modhub-central-management-sub000/internal/util"
)

// ActionResult reports the outcome of one action within a rule firing.
type ActionResult struct {
	Kind  string `json:"kind"`
	Error string `json:"error,omitempty"`
}

// OK reports whether the action succeeded.
func (r ActionResult) OK() bool { return r.Error == "" }

// Executor runs a rule's actions with per-action failure isolation: one
// action's failure never prevents its siblings from running.
type Executor struct {
	logger   *util.Logger
	mods     rules.ModController
	events   rules.Notifier
	commands rules.CommandRunner
	settings rules.SettingsWriter

	mu      sync.Mutex
	lastRun map[string]time.Time
}

// New wires an executor to its collaborators.
func New(logger *util.Logger, mods rules.ModController, events rules.Notifier, commands rules.CommandRunner, settings rules.SettingsWriter) *Executor {
	return &Executor{
		logger:   logger,
		mods:     mods,
		events:   events,
		commands: commands,
		settings: settings,
		lastRun:  make(map[string]time.Time),
	}
}

// Run executes every action in order, collecting per-action results.
// Failures are logged and isolated; the returned slice always has one
// entry per action.
func (e *Executor) Run(ctx context.Context, ruleID string, actions []rules.Action) []ActionResult {
	actionCtx := rules.ActionContext{
		Ctx:      ctx,
		RuleID:   ruleID,
		Mods:     e.mods,
		Events:   e.events,
		Commands: e.commands,
		Settings: e.settings,
	}
	results := make([]ActionResult, 0, len(actions))
	for _, action := range actions {
		result := ActionResult{Kind: action.Kind()}
		if err := action.Execute(actionCtx); err != nil {
			result.Error = err.Error()
			e.logger.Warnf("rule %s action %s failed: %v", ruleID, action.Kind(), err)
			e.events.Publish(bus.Event{
				Type:     "action.failed",
				Severity: 5,
				Source:   "executor",
				Details:  map[string]any{"rule": ruleID, "action": action.Kind(), "error": err.Error()},
			})
		}
		e.mu.Lock()
		e.lastRun[action.Kind()] = time.Now()
		e.mu.Unlock()
		results = append(results, result)
	}
	return results
}

// LastExecutions copies out the per-action-type last execution times.
func (e *Executor) LastExecutions() map[string]time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]time.Time, len(e.lastRun))
	for k, v := range e.lastRun {
		out[k] = v
	}
	return out
}

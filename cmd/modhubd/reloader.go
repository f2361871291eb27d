package main

import (
	"fmt"
	"os"

	"github.com/kihw/modhub-central-management-sub000/internal/config"
	"github.com/kihw/modhub-central-management-sub000/internal/engine"
	"github.com/kihw/modhub-central-management-sub000/internal/mods"
	"github.com/kihw/modhub-central-management-sub000/internal/util"
)

// configReloader applies config changes to the running daemon. Rules are
// swapped wholesale; mods are reconciled by id. Interval and channel
// changes require a restart and are logged when detected.
type configReloader struct {
	path       string
	logger     *util.Logger
	engine     *engine.Engine
	mods       *mods.Manager
	lastConfig *config.Config
}

func newConfigReloader(path string, logger *util.Logger, eng *engine.Engine, manager *mods.Manager) *configReloader {
	return &configReloader{
		path:   path,
		logger: logger,
		engine: eng,
		mods:   manager,
	}
}

func (r *configReloader) Reload(reason string) error {
	r.logger.Infof("%s, reloading config", reason)
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		return err
	}

	// Rules swap atomically (compile first, then replace), so apply them
	// before touching mod registrations. A bad config leaves both intact.
	if err := r.engine.ReplaceRules(cfg.Rules); err != nil {
		return fmt.Errorf("compile rules: %w", err)
	}
	if err := r.reconcileMods(cfg.Mods); err != nil {
		return err
	}

	if prev := r.lastConfig; prev != nil {
		if prev.SamplingIntervalMs != cfg.SamplingIntervalMs ||
			prev.EvaluationIntervalMs != cfg.EvaluationIntervalMs {
			r.logger.Warnf("interval changes take effect after restart")
		}
		if len(prev.Channels) != len(cfg.Channels) {
			r.logger.Warnf("channel changes take effect after restart")
		}
	}
	r.lastConfig = cfg
	r.logger.Infof("config reloaded: %d mods, %d rules", len(cfg.Mods), len(cfg.Rules))
	return nil
}

// reconcileMods registers newly declared mods and unregisters removed
// ones. Surviving mods keep their runtime state.
func (r *configReloader) reconcileMods(cfgs []config.ModConfig) error {
	desired := make(map[string]struct{}, len(cfgs))
	for _, cfg := range cfgs {
		desired[cfg.ID] = struct{}{}
	}
	for _, info := range r.mods.Mods() {
		if _, keep := desired[info.ID]; keep {
			continue
		}
		if err := r.mods.Unregister(info.ID); err != nil {
			return fmt.Errorf("unregister mod %q: %w", info.ID, err)
		}
		r.logger.Infof("mod %s removed by config reload", info.ID)
	}
	existing := make(map[string]struct{})
	for _, info := range r.mods.Mods() {
		existing[info.ID] = struct{}{}
	}
	var added []config.ModConfig
	for _, cfg := range cfgs {
		if _, ok := existing[cfg.ID]; !ok {
			added = append(added, cfg)
		}
	}
	if len(added) > 0 {
		if err := registerMods(r.mods, r.logger, added); err != nil {
			return err
		}
	}
	return nil
}

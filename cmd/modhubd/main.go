package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kihw/modhub-central-management-sub000/internal/bus"
	"github.com/kihw/modhub-central-management-sub000/internal/config"
	"github.com/kihw/modhub-central-management-sub000/internal/control"
	"github.com/kihw/modhub-central-management-sub000/internal/engine"
	"github.com/kihw/modhub-central-management-sub000/internal/executor"
	"github.com/kihw/modhub-central-management-sub000/internal/mods"
	"github.com/kihw/modhub-central-management-sub000/internal/monitor"
	"github.com/kihw/modhub-central-management-sub000/internal/util"
)

const stopTimeout = 5 * time.Second

func main() {
	home, _ := os.UserHomeDir()
	defaultConfig := filepath.Join(home, ".config", "modhub", "config.yaml")

	cfgPath := flag.String("config", defaultConfig, "path to YAML config")
	logLevel := flag.String("log-level", "", "log level (trace|debug|info|warn|error), overrides config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		exitErr(fmt.Errorf("load config: %w", err))
	}
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := util.NewLogger(util.ParseLogLevel(level))

	events := bus.New(logger, bus.WithHistoryLimit(cfg.EventHistoryLimit))
	if err := addChannels(events, logger, cfg.Channels); err != nil {
		exitErr(err)
	}
	events.Start()

	strategy := mods.ParseStrategy(cfg.ConflictStrategy)
	manager := mods.NewManager(logger, events, strategy)
	if err := registerMods(manager, logger, cfg.Mods); err != nil {
		exitErr(err)
	}

	sampler := monitor.New(logger, events, monitor.Options{
		Interval:      cfg.SamplingInterval(),
		HistoryLength: cfg.HistoryLength,
		Thresholds: monitor.Thresholds{
			CPUPercent:    cfg.Thresholds.CPUPercent,
			MemoryPercent: cfg.Thresholds.MemoryPercent,
			DiskPercent:   cfg.Thresholds.DiskPercent,
		},
	})

	runner, err := executor.NewCommandRunner(cfg.CommandTimeout(), cfg.Command.Denylist)
	if err != nil {
		exitErr(fmt.Errorf("configure command runner: %w", err))
	}
	settings := executor.NewSettingsStore()
	exec := executor.New(logger, manager, events, runner, settings)

	eng := engine.New(logger, sampler, manager, exec, events, nil, cfg.EvaluationInterval())
	for _, rule := range cfg.Rules {
		if err := eng.RegisterRule(rule); err != nil {
			exitErr(fmt.Errorf("compile rule %q: %w", rule.ID, err))
		}
	}

	cfgFullPath, err := filepath.Abs(*cfgPath)
	if err != nil {
		exitErr(fmt.Errorf("resolve config path: %w", err))
	}
	cfgFullPath = filepath.Clean(cfgFullPath)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		exitErr(fmt.Errorf("watch config: %w", err))
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(cfgFullPath)); err != nil {
		exitErr(fmt.Errorf("watch config dir: %w", err))
	}
	if err := watcher.Add(cfgFullPath); err != nil {
		logger.Debugf("unable to watch config file directly: %v", err)
	}
	reloadRequests := make(chan string, 1)
	go watchConfig(logger, watcher, cfgFullPath, reloadRequests)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloader := newConfigReloader(*cfgPath, logger, eng, manager)
	reload := func(reason string) error { return reloader.Reload(reason) }

	ctrlSrv, err := control.NewServer(control.Deps{
		Engine:   eng,
		Mods:     manager,
		Sampler:  sampler,
		Events:   events,
		Settings: settings,
		Strategy: strategy,
		Reload:   reload,
	}, logger)
	if err != nil {
		exitErr(fmt.Errorf("start control server: %w", err))
	}

	sampler.Start(ctx)
	eng.Start(ctx)
	ctrlErr := make(chan error, 1)
	go func() {
		ctrlErr <- ctrlSrv.Serve(ctx)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	logger.Infof("modhubd running (sampling %s, evaluating %s)", sampler.Interval(), cfg.EvaluationInterval())

	for {
		select {
		case err := <-ctrlErr:
			if err != nil {
				logger.Errorf("control server exited: %v", err)
			}
			shutdown(logger, cancel, eng, sampler, events)
			if err != nil {
				os.Exit(1)
			}
			return
		case reason := <-reloadRequests:
			if err := reload(reason); err != nil {
				logger.Errorf("reload failed: %v", err)
			}
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				if err := reload("received SIGHUP"); err != nil {
					logger.Errorf("reload failed: %v", err)
				}
			case os.Interrupt, syscall.SIGTERM:
				logger.Infof("received %s, shutting down", sig)
				shutdown(logger, cancel, eng, sampler, events)
				return
			}
		}
	}
}

func shutdown(logger *util.Logger, cancel context.CancelFunc, eng *engine.Engine, sampler *monitor.Sampler, events *bus.Bus) {
	cancel()
	if err := eng.Stop(stopTimeout); err != nil {
		logger.Warnf("engine stop: %v", err)
	}
	if err := sampler.Stop(stopTimeout); err != nil {
		logger.Warnf("sampler stop: %v", err)
	}
	if err := events.Stop(stopTimeout); err != nil {
		logger.Warnf("event bus stop: %v", err)
	}
	logger.Infof("modhubd stopped")
}

// addChannels wires configured notification channels into the bus. A
// global log channel is always present so events stay observable.
func addChannels(events *bus.Bus, logger *util.Logger, cfgs []config.ChannelConfig) error {
	events.AddChannel(bus.NewLogChannel("log", logger), nil)
	for _, cfg := range cfgs {
		var ch bus.Channel
		switch cfg.Type {
		case "log":
			ch = bus.NewLogChannel(cfg.Name, logger)
		case "webhook":
			ch = bus.NewWebhookChannel(cfg.Name, cfg.URL)
		default:
			return fmt.Errorf("channel %q: unknown type %q", cfg.Name, cfg.Type)
		}
		events.AddChannel(ch, routeFor(cfg))
	}
	return nil
}

func routeFor(cfg config.ChannelConfig) *bus.Route {
	if len(cfg.Types) == 0 && cfg.MinSeverity == 0 {
		return nil
	}
	route := &bus.Route{MinSeverity: cfg.MinSeverity}
	if len(cfg.Types) > 0 {
		route.Types = make(map[string]struct{}, len(cfg.Types))
		for _, t := range cfg.Types {
			route.Types[t] = struct{}{}
		}
	}
	return route
}

// registerMods installs configured mods with a logging hook. Hardware
// integrations would replace the hook per mod type.
func registerMods(manager *mods.Manager, logger *util.Logger, cfgs []config.ModConfig) error {
	for _, cfg := range cfgs {
		cfg := cfg
		hook := mods.HookFunc{
			OnActivate: func(_ context.Context, overrides map[string]any) error {
				logger.Infof("mod %s (%s) activated with config %v", cfg.ID, cfg.Type, overrides)
				return nil
			},
			OnDeactivate: func(context.Context) error {
				logger.Infof("mod %s (%s) deactivated", cfg.ID, cfg.Type)
				return nil
			},
		}
		def := mods.Mod{
			ID:            cfg.ID,
			Type:          cfg.Type,
			Priority:      cfg.Priority,
			ConflictsWith: cfg.ConflictsWith,
			Config:        cfg.Config,
		}
		if err := manager.Register(def, hook); err != nil {
			return fmt.Errorf("register mod %q: %w", cfg.ID, err)
		}
	}
	return nil
}

func watchConfig(logger *util.Logger, watcher *fsnotify.Watcher, target string, reloadRequests chan<- string) {
	const debounceWindow = 250 * time.Millisecond
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					<-timerCh
				}
				timer.Reset(debounceWindow)
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			select {
			case reloadRequests <- "config file updated":
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("config watcher error: %v", err)
		}
	}
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

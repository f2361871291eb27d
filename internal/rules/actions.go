package rules

import (
	"context"
	"fmt"

	"github.com/kihw/modhub-central-management-sub000/internal/bus"
	"github.com/kihw/modhub-central-management-sub000/internal/config"
)

// ModController requests mod state transitions. Implemented by the mod
// state manager; actions never mutate mod state directly.
type ModController interface {
	Activate(id string, cfg map[string]any) error
	Deactivate(id string) error
}

// Notifier publishes events to the alert bus.
type Notifier interface {
	Publish(ev bus.Event) bool
}

// CommandRunner executes a screened, time-bounded system command and
// returns its captured output.
type CommandRunner interface {
	Run(ctx context.Context, command string) (string, error)
}

// SettingsWriter applies settings_change actions.
type SettingsWriter interface {
	Set(key string, value any)
}

// ActionContext provides the collaborator handles an action may use.
type ActionContext struct {
	Ctx      context.Context
	RuleID   string
	Mods     ModController
	Events   Notifier
	Commands CommandRunner
	Settings SettingsWriter
}

// Action is a compiled side-effecting step. Kind identifies the variant
// for diagnostics and per-type bookkeeping.
type Action interface {
	Kind() string
	Execute(ctx ActionContext) error
}

// CustomHandler is an extension-point action implementation.
type CustomHandler func(ctx ActionContext, params map[string]any) error

// ActionTypes lists the supported action type tags for rule authoring UIs.
func ActionTypes() []string {
	return []string{"mod_activate", "mod_deactivate", "notify", "system_command", "settings_change", "custom"}
}

// CompileAction turns a raw declaration into a typed action, rejecting
// unknown types at registration time.
func CompileAction(cfg config.ActionConfig, reg *Registry) (Action, error) {
	switch cfg.Type {
	case "mod_activate":
		mod, err := requiredStringFrom(cfg.Params, "mod")
		if err != nil {
			return nil, err
		}
		modCfg, err := mapFrom(cfg.Params, "config")
		if err != nil {
			return nil, err
		}
		return &ModActivateAction{ModID: mod, Config: modCfg}, nil
	case "mod_deactivate":
		mod, err := requiredStringFrom(cfg.Params, "mod")
		if err != nil {
			return nil, err
		}
		return &ModDeactivateAction{ModID: mod}, nil
	case "notify":
		message, err := requiredStringFrom(cfg.Params, "message")
		if err != nil {
			return nil, err
		}
		severity, err := intFrom(cfg.Params, "severity", 3)
		if err != nil {
			return nil, err
		}
		if severity < 0 || severity > 10 {
			return nil, fmt.Errorf("severity must be within 0..10, got %d", severity)
		}
		eventType, err := stringFrom(cfg.Params, "eventType")
		if err != nil {
			return nil, err
		}
		if eventType == "" {
			eventType = "notify"
		}
		return &NotifyAction{EventType: eventType, Message: message, Severity: severity}, nil
	case "system_command":
		command, err := requiredStringFrom(cfg.Params, "command")
		if err != nil {
			return nil, err
		}
		return &SystemCommandAction{Command: command}, nil
	case "settings_change":
		key, err := requiredStringFrom(cfg.Params, "key")
		if err != nil {
			return nil, err
		}
		value, ok := cfg.Params["value"]
		if !ok {
			return nil, fmt.Errorf("settings_change requires value")
		}
		return &SettingsChangeAction{Key: key, Value: value}, nil
	case "custom":
		id, err := requiredStringFrom(cfg.Params, "id")
		if err != nil {
			return nil, err
		}
		params, err := mapFrom(cfg.Params, "params")
		if err != nil {
			return nil, err
		}
		return &CustomAction{ID: id, Params: params, registry: reg}, nil
	default:
		return nil, fmt.Errorf("unsupported action type %q", cfg.Type)
	}
}

// ModActivateAction requests activation of a mod through the manager.
type ModActivateAction struct {
	ModID  string
	Config map[string]any
}

func (a *ModActivateAction) Kind() string { return "mod_activate" }

func (a *ModActivateAction) Execute(ctx ActionContext) error {
	return ctx.Mods.Activate(a.ModID, a.Config)
}

// ModDeactivateAction requests deactivation of a mod.
type ModDeactivateAction struct {
	ModID string
}

func (a *ModDeactivateAction) Kind() string { return "mod_deactivate" }

func (a *ModDeactivateAction) Execute(ctx ActionContext) error {
	return ctx.Mods.Deactivate(a.ModID)
}

// NotifyAction publishes an event to the alert bus.
type NotifyAction struct {
	EventType string
	Message   string
	Severity  int
}

func (a *NotifyAction) Kind() string { return "notify" }

func (a *NotifyAction) Execute(ctx ActionContext) error {
	ctx.Events.Publish(bus.Event{
		Type:     a.EventType,
		Severity: a.Severity,
		Source:   "rule:" + ctx.RuleID,
		Details:  map[string]any{"message": a.Message},
	})
	return nil
}

// SystemCommandAction runs a screened shell command.
type SystemCommandAction struct {
	Command string
}

func (a *SystemCommandAction) Kind() string { return "system_command" }

func (a *SystemCommandAction) Execute(ctx ActionContext) error {
	_, err := ctx.Commands.Run(ctx.Ctx, a.Command)
	return err
}

// SettingsChangeAction writes a key into the settings store.
type SettingsChangeAction struct {
	Key   string
	Value any
}

func (a *SettingsChangeAction) Kind() string { return "settings_change" }

func (a *SettingsChangeAction) Execute(ctx ActionContext) error {
	ctx.Settings.Set(a.Key, a.Value)
	return nil
}

// CustomAction dispatches to a registered handler by id. Unlike custom
// conditions there is no default result: executing an unregistered
// action id is an error.
type CustomAction struct {
	ID       string
	Params   map[string]any
	registry *Registry
}

func (a *CustomAction) Kind() string { return "custom" }

func (a *CustomAction) Execute(ctx ActionContext) error {
	if a.registry != nil {
		if fn, ok := a.registry.action(a.ID); ok {
			return fn(ctx, a.Params)
		}
	}
	return fmt.Errorf("no custom action registered for id %q", a.ID)
}

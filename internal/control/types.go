package control

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/kihw/modhub-central-management-sub000/internal/bus"
	"github.com/kihw/modhub-central-management-sub000/internal/engine"
	"github.com/kihw/modhub-central-management-sub000/internal/mods"
	"github.com/kihw/modhub-central-management-sub000/internal/monitor"
)

const (
	// SocketFileName is the filename of the control socket within the runtime dir.
	SocketFileName = "control.sock"

	// Action names supported by the control protocol.
	ActionStatus         = "status"
	ActionReload         = "reload"
	ActionModsList       = "mods.list"
	ActionModActivate    = "mod.activate"
	ActionModDeactivate  = "mod.deactivate"
	ActionRulesStatus    = "rules.status"
	ActionRulesHistory   = "rules.history"
	ActionRuleRegister   = "rule.register"
	ActionRuleUpdate     = "rule.update"
	ActionRuleUnregister = "rule.unregister"
	ActionRuleEnable     = "rule.enable"
	ActionSnapshotGet    = "snapshot.get"
	ActionHistory        = "snapshot.history"
	ActionPeaks          = "metrics.peaks"
	ActionCritical       = "metrics.critical"
	ActionProcesses      = "processes.list"
	ActionEvents         = "events.history"
	ActionTypes          = "types.list"
	ActionActivity       = "activity.ping"
	ActionSettings       = "settings.get"

	// Response statuses.
	StatusOK    = "ok"
	StatusError = "error"
)

// Request represents a control API request.
type Request struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Response represents a control API response.
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// DaemonStatus summarizes the running daemon for status queries.
type DaemonStatus struct {
	UptimeSeconds    float64           `json:"uptimeSeconds"`
	ConflictStrategy string            `json:"conflictStrategy"`
	ActiveMods       []string          `json:"activeMods"`
	Rules            int               `json:"rules"`
	DroppedEvents    uint64            `json:"droppedEvents"`
	Snapshot         *monitor.Snapshot `json:"snapshot,omitempty"`
}

// TypesResult lists the condition and action vocabularies the daemon
// accepts in rule definitions.
type TypesResult struct {
	Conditions []string `json:"conditions"`
	Actions    []string `json:"actions"`
}

// HistoryResult carries snapshot history for a requested window.
type HistoryResult struct {
	Snapshots []monitor.Snapshot `json:"snapshots"`
}

// EventsResult carries event history for a requested window.
type EventsResult struct {
	Events []bus.Event `json:"events"`
}

// ProcessesResult carries the currently tracked process set.
type ProcessesResult struct {
	Processes []monitor.ProcessRecord `json:"processes"`
}

// ModsResult carries the registered mod inventory.
type ModsResult struct {
	Mods []mods.ModInfo `json:"mods"`
}

// RulesResult carries per-rule runtime state.
type RulesResult struct {
	Rules []engine.RuleStatus `json:"rules"`
}

// RuleEvalResult carries the engine's recorded edge transitions.
type RuleEvalResult struct {
	Evaluations []engine.RuleEvaluation `json:"evaluations"`
}

// DefaultSocketPath returns the expected location of the control socket.
func DefaultSocketPath() (string, error) {
	if env := os.Getenv("MODHUB_CONTROL_SOCKET"); env != "" {
		return env, nil
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	base := runtimeDir
	if base == "" {
		base = os.TempDir()
		if base == "" {
			return "", errors.New("no runtime directory available")
		}
	}
	return filepath.Join(base, "modhub", SocketFileName), nil
}

func sinceParam(params map[string]any) time.Duration {
	switch v := params["sinceSeconds"].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	default:
		return 0
	}
}

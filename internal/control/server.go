package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kihw/modhub-central-management-sub000/internal/bus"
	"github.com/kihw/modhub-central-management-sub000/internal/config"
	"github.com/kihw/modhub-central-management-sub000/internal/engine"
	"github.com/kihw/modhub-central-management-sub000/internal/executor"
	"github.com/kihw/modhub-central-management-sub000/internal/mods"
	"github.com/kihw/modhub-central-management-sub000/internal/monitor"
	"github.com/kihw/modhub-central-management-sub000/internal/rules"
	"github.com/kihw/modhub-central-management-sub000/internal/util"
)

// Deps collects the daemon components the control surface exposes.
type Deps struct {
	Engine   *engine.Engine
	Mods     *mods.Manager
	Sampler  *monitor.Sampler
	Events   *bus.Bus
	Settings *executor.SettingsStore
	Strategy mods.Strategy
	Reload   func(reason string) error
}

// Server hosts the control socket and serves requests.
type Server struct {
	deps       Deps
	logger     *util.Logger
	socketPath string
	started    time.Time

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a new control server on the default socket path.
func NewServer(deps Deps, logger *util.Logger) (*Server, error) {
	path, err := DefaultSocketPath()
	if err != nil {
		return nil, err
	}
	return &Server{
		deps:       deps,
		logger:     logger,
		socketPath: path,
		started:    time.Now(),
	}, nil
}

// Serve listens on the control socket until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.prepareSocket(); err != nil {
		return err
	}
	s.logger.Infof("control server listening on %s", s.socketPath)
	defer s.cleanup()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := s.accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Errorf("control accept error: %v", err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) accept(ctx context.Context) (net.Conn, error) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return nil, context.Canceled
	}
	conn, err := listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

func (s *Server) prepareSocket() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create control dir: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod control socket: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

func (s *Server) cleanup() {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warnf("remove control socket: %v", err)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	var req Request
	if err := dec.Decode(&req); err != nil {
		s.writeError(conn, fmt.Errorf("decode request: %w", err))
		return
	}
	switch req.Action {
	case ActionStatus:
		s.handleStatus(conn)
	case ActionReload:
		s.handleReload(conn)
	case ActionModsList:
		s.writeOK(conn, ModsResult{Mods: s.deps.Mods.Mods()})
	case ActionModActivate:
		s.handleModActivate(conn, req.Params)
	case ActionModDeactivate:
		s.handleModDeactivate(conn, req.Params)
	case ActionRulesStatus:
		s.writeOK(conn, RulesResult{Rules: s.deps.Engine.RulesStatus()})
	case ActionRulesHistory:
		s.writeOK(conn, RuleEvalResult{Evaluations: s.deps.Engine.EvaluationHistory()})
	case ActionRuleRegister:
		s.handleRuleChange(conn, req.Params, s.deps.Engine.RegisterRule)
	case ActionRuleUpdate:
		s.handleRuleChange(conn, req.Params, s.deps.Engine.UpdateRule)
	case ActionRuleUnregister:
		s.handleRuleUnregister(conn, req.Params)
	case ActionRuleEnable:
		s.handleRuleEnable(conn, req.Params)
	case ActionSnapshotGet:
		s.handleSnapshot(conn)
	case ActionHistory:
		s.writeOK(conn, HistoryResult{Snapshots: s.deps.Sampler.History(sinceParam(req.Params))})
	case ActionPeaks:
		s.writeOK(conn, s.deps.Sampler.Peaks())
	case ActionCritical:
		s.writeOK(conn, EventsResult{Events: s.deps.Sampler.CriticalEvents(sinceParam(req.Params))})
	case ActionProcesses:
		s.writeOK(conn, ProcessesResult{Processes: s.deps.Sampler.Processes()})
	case ActionEvents:
		s.writeOK(conn, EventsResult{Events: s.deps.Events.History(sinceParam(req.Params))})
	case ActionTypes:
		s.writeOK(conn, typesResult())
	case ActionActivity:
		s.deps.Engine.RecordActivity()
		s.writeOK(conn, nil)
	case ActionSettings:
		s.writeOK(conn, s.deps.Settings.Snapshot())
	default:
		s.writeError(conn, fmt.Errorf("unknown action %q", req.Action))
	}
}

func (s *Server) handleStatus(conn net.Conn) {
	status := DaemonStatus{
		UptimeSeconds:    time.Since(s.started).Seconds(),
		ConflictStrategy: string(s.deps.Strategy),
		ActiveMods:       s.deps.Mods.ActiveMods(),
		Rules:            len(s.deps.Engine.RulesStatus()),
		DroppedEvents:    s.deps.Events.Dropped(),
	}
	if snap, ok := s.deps.Sampler.Latest(); ok {
		status.Snapshot = &snap
	}
	s.writeOK(conn, status)
}

func (s *Server) handleReload(conn net.Conn) {
	if s.deps.Reload == nil {
		s.writeError(conn, errors.New("reload not supported"))
		return
	}
	if err := s.deps.Reload("control request"); err != nil {
		s.writeError(conn, err)
		return
	}
	s.writeOK(conn, nil)
}

func (s *Server) handleModActivate(conn net.Conn, params map[string]any) {
	id, _ := params["mod"].(string)
	if id == "" {
		s.writeError(conn, errors.New("missing mod id"))
		return
	}
	cfg, _ := params["config"].(map[string]any)
	if err := s.deps.Mods.Activate(id, cfg); err != nil {
		s.writeError(conn, err)
		return
	}
	s.writeOK(conn, nil)
}

func (s *Server) handleModDeactivate(conn net.Conn, params map[string]any) {
	id, _ := params["mod"].(string)
	if id == "" {
		s.writeError(conn, errors.New("missing mod id"))
		return
	}
	if err := s.deps.Mods.Deactivate(id); err != nil {
		s.writeError(conn, err)
		return
	}
	s.writeOK(conn, nil)
}

// handleRuleChange decodes the rule payload and applies it through the
// given engine operation (register or update).
func (s *Server) handleRuleChange(conn net.Conn, params map[string]any, apply func(config.RuleConfig) error) {
	raw, ok := params["rule"]
	if !ok {
		s.writeError(conn, errors.New("missing rule payload"))
		return
	}
	data, err := json.Marshal(raw)
	if err != nil {
		s.writeError(conn, fmt.Errorf("encode rule payload: %w", err))
		return
	}
	var cfg config.RuleConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.writeError(conn, fmt.Errorf("decode rule payload: %w", err))
		return
	}
	if cfg.ID == "" {
		s.writeError(conn, errors.New("rule id cannot be empty"))
		return
	}
	if err := apply(cfg); err != nil {
		s.writeError(conn, err)
		return
	}
	s.writeOK(conn, nil)
}

func (s *Server) handleRuleUnregister(conn net.Conn, params map[string]any) {
	id, _ := params["rule"].(string)
	if id == "" {
		s.writeError(conn, errors.New("missing rule id"))
		return
	}
	if err := s.deps.Engine.UnregisterRule(id); err != nil {
		s.writeError(conn, err)
		return
	}
	s.writeOK(conn, nil)
}

func (s *Server) handleRuleEnable(conn net.Conn, params map[string]any) {
	id, _ := params["rule"].(string)
	if id == "" {
		s.writeError(conn, errors.New("missing rule id"))
		return
	}
	enabled := true
	if v, ok := params["enabled"].(bool); ok {
		enabled = v
	}
	if err := s.deps.Engine.SetRuleEnabled(id, enabled); err != nil {
		s.writeError(conn, err)
		return
	}
	s.writeOK(conn, nil)
}

func (s *Server) handleSnapshot(conn net.Conn) {
	snap, ok := s.deps.Sampler.Latest()
	if !ok {
		s.writeError(conn, errors.New("no snapshot available yet"))
		return
	}
	s.writeOK(conn, snap)
}

func typesResult() TypesResult {
	return TypesResult{Conditions: rules.ConditionTypes(), Actions: rules.ActionTypes()}
}

func (s *Server) writeOK(conn net.Conn, data any) {
	resp := Response{Status: StatusOK}
	if data != nil {
		resp.Data = data
	}
	_ = json.NewEncoder(conn).Encode(resp)
}

func (s *Server) writeError(conn net.Conn, err error) {
	resp := Response{Status: StatusError}
	if err != nil {
		resp.Error = err.Error()
	}
	_ = json.NewEncoder(conn).Encode(resp)
}

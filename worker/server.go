package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/engine"
	"github.com/hupe1980/biomesh/flagpool"
	"github.com/hupe1980/biomesh/logging"
	"github.com/hupe1980/biomesh/tool"
)

// ErrBusy is returned when a chat arrives while a session is running.
var ErrBusy = errors.New("worker busy")

// Options configures a Server.
type Options struct {
	// Addr is the host:port published in the flag pool. Required.
	Addr string
	// Flags receives the worker's state. Required.
	Flags flagpool.Store
	// Registry is rescanned by /sync_toolset. Sync is refused when nil.
	Registry *tool.Registry
	// HealthTimeout bounds the host metrics collection of /health.
	HealthTimeout time.Duration
	Logger        logging.Logger
}

// Server exposes one orchestrator. It runs at most one session at a time.
type Server struct {
	orch *engine.Orchestrator
	opts Options

	mu      sync.Mutex
	current *engine.Run
	state   flagpool.State
}

// New creates a worker server for orch.
func New(orch *engine.Orchestrator, optFns ...func(o *Options)) (*Server, error) {
	opts := Options{
		HealthTimeout: 2 * time.Second,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if orch == nil {
		return nil, errors.New("orchestrator is required")
	}
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, errors.New("worker address is required")
	}
	if opts.Flags == nil {
		return nil, errors.New("flag store is required")
	}
	return &Server{orch: orch, opts: opts}, nil
}

// Addr returns the published address.
func (s *Server) Addr() string { return s.opts.Addr }

// Handler returns the worker's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /chat", s.chat)
	mux.HandleFunc("GET /ws/chat", s.wsChat)
	mux.HandleFunc("GET /change_tool_call", s.changeToolCall)
	mux.HandleFunc("GET /terminate", s.terminate)
	mux.HandleFunc("GET /sync_toolset", s.syncToolset)
	mux.HandleFunc("GET /health", s.health)
	return mux
}

// Publish announces the worker as idle.
func (s *Server) Publish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setState(ctx, flagpool.StateIdle)
}

// Shutdown terminates the running session and publishes stop. No further
// chats are accepted.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	run := s.current
	err := s.setState(ctx, flagpool.StateStop)
	s.mu.Unlock()

	if run != nil {
		run.Terminate()
		select {
		case <-run.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// State returns the last published state.
func (s *Server) State() flagpool.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the running session, if any.
func (s *Server) Current() (*engine.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != nil
}

// setState writes the flag. Callers hold s.mu.
func (s *Server) setState(ctx context.Context, state flagpool.State) error {
	if err := s.opts.Flags.Set(ctx, s.opts.Addr, state); err != nil {
		s.opts.Logger.Warn("publishing worker state failed", "addr", s.opts.Addr, "state", state, "error", err)
		return fmt.Errorf("publish %s: %w", state, err)
	}
	s.state = state
	s.opts.Logger.Debug("worker state published", "addr", s.opts.Addr, "state", state)
	return nil
}

// acquire starts a session unless one is running. The flag flips to busy
// before the session starts.
func (s *Server) acquire(ctx context.Context, req engine.ChatRequest) (*engine.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil || s.state == flagpool.StateStop {
		return nil, ErrBusy
	}
	if err := s.setState(context.WithoutCancel(ctx), flagpool.StateBusy); err != nil {
		return nil, err
	}
	run, err := s.orch.Start(ctx, req)
	if err != nil {
		_ = s.setState(context.WithoutCancel(ctx), flagpool.StateIdle)
		return nil, err
	}
	s.current = run
	s.opts.Logger.Info("session started", "session_id", run.Session().ID, "out_dir", req.OutDir)
	return run, nil
}

// release clears the running session and publishes idle again.
func (s *Server) release(run *engine.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != run {
		return
	}
	s.current = nil
	s.opts.Logger.Info("session finished", "session_id", run.Session().ID, "outcome", run.Wait().Kind)
	if s.state == flagpool.StateStop {
		return
	}
	_ = s.setState(context.Background(), flagpool.StateIdle)
}

// chatRequest reads out_dir, messages and the optional session_id.
func chatRequest(r *http.Request) (engine.ChatRequest, error) {
	q := r.URL.Query()
	req := engine.ChatRequest{
		OutDir:    q.Get("out_dir"),
		SessionID: q.Get("session_id"),
	}
	if strings.TrimSpace(req.OutDir) == "" {
		return req, errors.New("out_dir is required")
	}
	raw := q.Get("messages")
	if raw == "" {
		return req, errors.New("messages is required")
	}
	if err := json.Unmarshal([]byte(raw), &req.Messages); err != nil {
		return req, fmt.Errorf("messages must be a JSON array of {role, content}: %w", err)
	}
	if _, _, err := req.Split(); err != nil {
		return req, err
	}
	return req, nil
}

// startError answers a chat that could not start a session.
func startError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBusy):
		envelopeError(w, http.StatusConflict, core.KindInternal, err.Error())
	case errors.Is(err, engine.ErrNoRequest):
		envelopeError(w, http.StatusBadRequest, core.KindValidation, err.Error())
	default:
		envelopeError(w, http.StatusInternalServerError, core.KindInternal, err.Error())
	}
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	req, err := chatRequest(r)
	if err != nil {
		envelopeError(w, http.StatusBadRequest, core.KindValidation, err.Error())
		return
	}

	run, err := s.acquire(r.Context(), req)
	if err != nil {
		startError(w, err)
		return
	}
	defer s.release(run)

	w.Header().Set("Content-Type", ndjsonContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	broken := false
	for m := range run.Events() {
		if broken {
			continue
		}
		if err := core.EnvelopeOf(m).Encode(w); err != nil {
			s.opts.Logger.Warn("client stream broken", "session_id", run.Session().ID, "error", err)
			broken = true
			run.Terminate()
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// parseOverride builds the confirmation override. No tool name and no
// arguments confirm the proposed call unchanged.
func parseOverride(toolName, toolArgs string) (*core.ToolCall, error) {
	toolName = strings.TrimSpace(toolName)
	toolArgs = strings.TrimSpace(toolArgs)
	if toolName == "" && toolArgs == "" {
		return nil, nil
	}
	call := &core.ToolCall{Tool: toolName, Args: map[string]any{}}
	if toolArgs != "" {
		if err := json.Unmarshal([]byte(toolArgs), &call.Args); err != nil {
			return nil, fmt.Errorf("tool_args must be a JSON object: %w", err)
		}
	}
	return call, nil
}

// confirm releases the pending call of the running session.
func (s *Server) confirm(override *core.ToolCall) bool {
	run, ok := s.Current()
	if !ok {
		return false
	}
	return run.Confirm(override)
}

func (s *Server) changeToolCall(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	override, err := parseOverride(q.Get("tool_name"), q.Get("tool_args"))
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.confirm(override) {
		jsonResponse(w, http.StatusOK, statusBody{Status: "no_pending_call"})
		return
	}
	jsonResponse(w, http.StatusOK, statusBody{Status: "ok"})
}

func (s *Server) terminate(w http.ResponseWriter, _ *http.Request) {
	run, ok := s.Current()
	if !ok || !run.Terminate() {
		jsonResponse(w, http.StatusOK, statusBody{Status: "no_session"})
		return
	}
	jsonResponse(w, http.StatusOK, statusBody{Status: "ok"})
}

type syncBody struct {
	Status string `json:"status"`
	Tools  int    `json:"tools"`
	Digest string `json:"digest"`
}

func (s *Server) syncToolset(w http.ResponseWriter, r *http.Request) {
	if s.opts.Registry == nil {
		jsonError(w, http.StatusNotImplemented, "worker has no tool registry")
		return
	}
	// out_dir names the caller's session directory; the toolset always comes
	// from the registry root.
	outDir := r.URL.Query().Get("out_dir")
	snap, err := s.opts.Registry.Sync()
	if err != nil {
		s.opts.Logger.Warn("toolset sync failed", "out_dir", outDir, "error", err)
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.opts.Logger.Info("toolset synced", "out_dir", outDir, "tools", snap.Len(), "digest", snap.Digest())
	jsonResponse(w, http.StatusOK, syncBody{Status: "ok", Tools: snap.Len(), Digest: snap.Digest()})
}

// Health is the /health payload.
type Health struct {
	Addr           string         `json:"addr"`
	State          flagpool.State `json:"state"`
	SessionID      string         `json:"session_id,omitempty"`
	Lifecycle      core.Lifecycle `json:"lifecycle,omitempty"`
	Phase          string         `json:"phase,omitempty"`
	Load1          float64        `json:"load1"`
	CPUPercent     float64        `json:"cpu_percent"`
	MemUsedPercent float64        `json:"mem_used_percent"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := Health{Addr: s.opts.Addr, State: s.State()}
	if run, ok := s.Current(); ok {
		sess := run.Session()
		h.SessionID = sess.ID
		h.Lifecycle = sess.State()
		h.Phase = sess.Phase()
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.HealthTimeout)
	defer cancel()
	if avg, err := load.AvgWithContext(ctx); err == nil {
		h.Load1 = avg.Load1
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		h.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		h.MemUsedPercent = vm.UsedPercent
	}
	jsonResponse(w, http.StatusOK, h)
}

// Package api implements the HTTP control surface over the connection
// pool: server status, the merged tool catalog, routed tool calls, call
// usage, and a websocket stream of pool events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/toolhost/internal/buildinfo"
	"github.com/nugget/toolhost/internal/connwatch"
	"github.com/nugget/toolhost/internal/mcp"
	"github.com/nugget/toolhost/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// UsageSource is the read side of the tool call log.
type UsageSource interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByServer(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByTool(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	Recent(ctx context.Context, limit int) ([]usage.Record, error)
}

// RestartSource reports automatic restart state.
type RestartSource interface {
	Status() []connwatch.RestartStatus
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	pool     *mcp.Pool
	usage    UsageSource
	restarts RestartSource
	exclude []string
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server over pool.
func NewServer(address string, port int, pool *mcp.Pool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		pool:    pool,
		logger:  logger,
	}
}

// SetUsageSource configures the store behind the usage endpoints.
func (s *Server) SetUsageSource(u UsageSource) {
	s.usage = u
}

// SetRestartSource configures the supervisor behind /v1/restarts.
func (s *Server) SetRestartSource(r RestartSource) {
	s.restarts = r
}

// SetExcludeTools sets the tool names hidden from the exported catalog.
func (s *Server) SetExcludeTools(names []string) {
	s.exclude = names
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	// Servers
	mux.HandleFunc("GET /v1/servers", s.handleServerList)
	mux.HandleFunc("GET /v1/servers/{name}", s.handleServerGet)
	mux.HandleFunc("POST /v1/servers/{name}/refresh", s.handleServerRefresh)
	mux.HandleFunc("POST /v1/servers/{name}/restart", s.handleServerRestart)
	mux.HandleFunc("GET /v1/restarts", s.handleRestarts)

	// Tools
	mux.HandleFunc("GET /v1/tools", s.handleToolList)
	mux.HandleFunc("POST /v1/tools/call", s.handleToolCall)

	// Usage
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/usage/recent", s.handleUsageRecent)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns when the server is
// shut down; http.ErrServerClosed is reported as nil.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// statusFor maps pool errors onto HTTP status codes.
func statusFor(err error) int {
	var rpcErr *mcp.RPCError
	switch {
	case errors.Is(err, mcp.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, mcp.ErrNotReady), errors.Is(err, mcp.ErrStopping), errors.Is(err, mcp.ErrProcessExited):
		return http.StatusServiceUnavailable
	case errors.Is(err, mcp.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &rpcErr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.errorResponse(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    buildinfo.Name,
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth reports healthy when every server is ready, degraded
// otherwise. An empty pool is healthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	servers := s.pool.GetAllServers()
	ready := 0
	for _, st := range servers {
		if st.Status == mcp.StatusReady {
			ready++
		}
	}
	status := "healthy"
	if ready < len(servers) {
		status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":  status,
		"servers": len(servers),
		"ready":   ready,
	}, s.logger)
}

func (s *Server) handleServerList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"servers": s.pool.GetAllServers(),
	}, s.logger)
}

func (s *Server) handleServerGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	st, ok := s.pool.GetServerStatus(name)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "server not found: "+name)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

func (s *Server) handleServerRefresh(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.pool.RefreshTools(r.Context(), name); err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	st, _ := s.pool.GetServerStatus(name)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

// handleServerRestart starts a failed or exited server again.
func (s *Server) handleServerRestart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := s.pool.RestartServer(r.Context(), name)
	if errors.Is(err, mcp.ErrAlreadyRunning) {
		s.errorResponse(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	st, _ := s.pool.GetServerStatus(name)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

func (s *Server) handleRestarts(w http.ResponseWriter, r *http.Request) {
	if s.restarts == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "automatic restarts not enabled")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"servers": s.restarts.Status()}, s.logger)
}

// handleToolList returns the merged catalog. With ?format=export it
// returns the deduplicated catalog handed to a model, minus excluded
// tools.
func (s *Server) handleToolList(w http.ResponseWriter, r *http.Request) {
	tools := s.pool.GetAllTools()
	if tools == nil {
		tools = []mcp.ServerTool{}
	}

	switch r.URL.Query().Get("format") {
	case "", "servers":
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]any{"tools": tools}, s.logger)
	case "export":
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]any{"tools": mcp.ExportCatalog(tools, s.exclude)}, s.logger)
	default:
		s.errorResponse(w, http.StatusBadRequest, "unknown format: "+r.URL.Query().Get("format"))
	}
}

// ToolCallRequest is the body of POST /v1/tools/call. Server is
// optional; without it the call routes to the first ready server that
// offers the tool.
type ToolCallRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Server    string         `json:"server,omitempty"`
}

// ToolCallResponse carries a tool result plus its plain-text rendering.
type ToolCallResponse struct {
	Server  string              `json:"server,omitempty"`
	Result  *mcp.ToolCallResult `json:"result"`
	Text    string              `json:"text"`
	IsError bool                `json:"isError,omitempty"`
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req ToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "name is required")
		return
	}

	server, result, err := s.pool.CallToolRouted(r.Context(), req.Name, req.Arguments, req.Server)
	if err != nil {
		s.logger.Debug("routed tool call failed", "tool", req.Name, "server", req.Server, "error", err)
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ToolCallResponse{
		Server:  server,
		Result:  result,
		Text:    result.Text(),
		IsError: result.IsError,
	}, s.logger)
}

// handleUsage summarizes calls over the last ?hours (default 24),
// optionally grouped by server or tool.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage store not configured")
		return
	}

	hours := parseIntParam(r, "hours", 24)
	end := time.Now().UTC()
	start := end.Add(-time.Duration(hours) * time.Hour)

	var (
		result any
		err    error
	)
	switch group := r.URL.Query().Get("group"); group {
	case "":
		result, err = s.usage.Summary(r.Context(), start, end)
	case "server":
		result, err = s.usage.SummaryByServer(r.Context(), start, end)
	case "tool":
		result, err = s.usage.SummaryByTool(r.Context(), start, end)
	default:
		s.errorResponse(w, http.StatusBadRequest, "group must be server or tool")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"start":   start,
		"end":     end,
		"summary": result,
	}, s.logger)
}

func (s *Server) handleUsageRecent(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage store not configured")
		return
	}

	limit := parseIntParam(r, "limit", 50)
	if limit > 1000 {
		limit = 1000
	}
	records, err := s.usage.Recent(r.Context(), limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []usage.Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"calls": records}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

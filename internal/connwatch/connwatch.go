// Package connwatch restarts MCP servers whose process exits on its
// own, with exponential backoff between attempts.
//
// The supervisor listens on the pool's event bus. A disconnected event
// (an unexpected exit; deliberate stops never produce one) starts a
// restart loop for that server:
//  1. wait InitialDelay, then try to start the server again
//  2. on failure grow the delay (capped at MaxDelay) and retry
//  3. give up after MaxRetries attempts, leaving the server in error
//
// A server removed from the pool ends its loop on the next attempt.
// Requests that were in flight when the process exited are never
// replayed; callers already received their rejection.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/mcp"
)

// Restarter starts a pooled server again by name. [mcp.Pool]
// implements it.
type Restarter interface {
	RestartServer(ctx context.Context, name string) error
}

// BackoffConfig controls the restart schedule.
type BackoffConfig struct {
	// InitialDelay is the wait before the first restart (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each failed attempt (default: 2.0).
	Multiplier float64

	// MaxRetries is the number of restart attempts before giving up
	// (default: 10).
	MaxRetries int

	// AttemptTimeout bounds each restart, spawn plus handshake
	// (default: 30s).
	AttemptTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, 16s, 32s, 60s (capped) with
// 10 attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay:   2 * time.Second,
		MaxDelay:       60 * time.Second,
		Multiplier:     2.0,
		MaxRetries:     10,
		AttemptTimeout: 30 * time.Second,
	}
}

// withDefaults replaces zero-value fields with defaults.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.AttemptTimeout <= 0 {
		b.AttemptTimeout = d.AttemptTimeout
	}
	return b
}

// RestartStatus describes the supervisor's view of one server,
// suitable for JSON serialization.
type RestartStatus struct {
	Name        string    `json:"name"`
	Restarting  bool      `json:"restarting"`
	Attempts    int       `json:"attempts"`
	Restarts    int       `json:"restarts"`
	GaveUp      bool      `json:"gave_up,omitempty"`
	LastAttempt time.Time `json:"last_attempt,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// Supervisor restarts servers after unexpected exits.
type Supervisor struct {
	pool    Restarter
	bus     *events.Bus
	backoff BackoffConfig
	logger  *slog.Logger

	mu    sync.Mutex
	state map[string]*RestartStatus
	wg    sync.WaitGroup
}

// New creates a supervisor. Call [Supervisor.Run] to start it.
func New(pool Restarter, bus *events.Bus, backoff BackoffConfig, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		pool:    pool,
		bus:     bus,
		backoff: backoff.withDefaults(),
		logger:  logger,
		state:   make(map[string]*RestartStatus),
	}
}

// Run watches the bus until ctx is cancelled, then waits for restart
// loops in progress to return.
func (s *Supervisor) Run(ctx context.Context) {
	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Source != events.SourceMCP || ev.Kind != events.KindDisconnected {
				continue
			}
			if name := ev.Server(); name != "" {
				s.schedule(ctx, name)
			}
		}
	}
}

// schedule starts a restart loop for name unless one is running.
func (s *Supervisor) schedule(ctx context.Context, name string) {
	s.mu.Lock()
	st, ok := s.state[name]
	if !ok {
		st = &RestartStatus{Name: name}
		s.state[name] = st
	}
	if st.Restarting {
		s.mu.Unlock()
		return
	}
	st.Restarting = true
	st.Attempts = 0
	st.GaveUp = false
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.restartLoop(ctx, name)
	}()
}

func (s *Supervisor) restartLoop(ctx context.Context, name string) {
	cfg := s.backoff
	logger := s.logger.With("mcp_server", name)

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		logger.Info("restarting MCP server", "attempt", attempt, "delay", delay.String())
		if !sleepCtx(ctx, delay) {
			s.finish(name, false)
			return
		}

		err := s.attempt(ctx, name)
		s.record(name, attempt, err)

		switch {
		case err == nil, errors.Is(err, mcp.ErrAlreadyRunning):
			// Restarted here, or by someone else in the meantime.
			logger.Info("MCP server recovered", "attempts", attempt)
			s.finish(name, false)
			return
		case errors.Is(err, mcp.ErrNotFound):
			logger.Debug("server removed, abandoning restart")
			s.forget(name)
			return
		case ctx.Err() != nil:
			s.finish(name, false)
			return
		}

		logger.Warn("MCP server restart failed",
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"error", err,
		)

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	logger.Error("giving up on MCP server", "attempts", cfg.MaxRetries)
	s.finish(name, true)
}

// attempt runs one restart bounded by AttemptTimeout.
func (s *Supervisor) attempt(ctx context.Context, name string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, s.backoff.AttemptTimeout)
	defer cancel()
	return s.pool.RestartServer(attemptCtx, name)
}

func (s *Supervisor) record(name string, attempt int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[name]
	if !ok {
		return
	}
	st.Attempts = attempt
	st.LastAttempt = time.Now()
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	} else {
		st.Restarts++
	}
}

func (s *Supervisor) finish(name string, gaveUp bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state[name]; ok {
		st.Restarting = false
		st.GaveUp = gaveUp
	}
}

func (s *Supervisor) forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, name)
}

// Status returns the restart state of every server that has exited
// unexpectedly, sorted by name.
func (s *Supervisor) Status() []RestartStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RestartStatus, 0, len(s.state))
	for _, st := range s.state {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

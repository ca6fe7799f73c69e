package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nugget/toolhost/internal/events"
)

// Notifier receives pool lifecycle notifications tagged with the server
// name. Methods are called from the pool's forwarding goroutines and
// must not block for long: while they run, the connection's 32-event
// buffer fills and status_changed events beyond it are dropped. The
// most recent ready, error or disconnected event is always delivered;
// see [Conn.Events].
type Notifier interface {
	ServerReady(name string)
	ServerError(name string, err error)
	ServerDisconnected(name string, exit ExitInfo)
	ServerStatusChanged(name string, status ConnectionStatus)
}

// CallRecord describes one routed tool call.
type CallRecord struct {
	Server   string
	Tool     string
	Started  time.Time
	Duration time.Duration

	// OK is true when the call produced a result. IsError reports the
	// tool's own error flag on that result.
	OK      bool
	IsError bool
	Error   string
}

// CallRecorder persists routed tool calls. Recording failures are
// logged and never fail the call.
type CallRecorder interface {
	RecordCall(ctx context.Context, rec CallRecord) error
}

// PoolConfig holds the pool's collaborators. All fields are optional.
type PoolConfig struct {
	// Conn is applied to every connection the pool creates. A nil
	// Conn.Logger inherits Logger.
	Conn ConnOptions

	Logger   *slog.Logger
	Bus      *events.Bus
	Recorder CallRecorder
	Notifier Notifier
}

// Pool owns a named set of connections, aggregates their catalogs and
// routes tool calls. Connections keep their insertion order, which
// decides routing for unqualified calls.
type Pool struct {
	connOpts ConnOptions
	logger   *slog.Logger
	bus      *events.Bus
	recorder CallRecorder
	notifier Notifier

	mu      sync.RWMutex
	order   []string
	entries map[string]*poolEntry
}

type poolEntry struct {
	conn      *Conn
	done      chan struct{}
	forwarded chan struct{}
	closeOnce sync.Once
}

// close stops event forwarding after flushing whatever the connection
// already emitted.
func (e *poolEntry) close() {
	e.closeOnce.Do(func() { close(e.done) })
	<-e.forwarded
}

// NewPool returns an empty pool.
func NewPool(cfg PoolConfig) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Conn.Logger == nil {
		cfg.Conn.Logger = logger
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.New()
	}
	return &Pool{
		connOpts: cfg.Conn,
		logger:   logger,
		bus:      bus,
		recorder: cfg.Recorder,
		notifier: cfg.Notifier,
		entries:  make(map[string]*poolEntry),
	}
}

// Bus returns the bus the pool publishes on. Subscribing to it is the
// merged event stream for every connection in the pool.
func (p *Pool) Bus() *events.Bus {
	return p.bus
}

// AddServer creates a connection for cfg and starts it. It fails with
// ErrDuplicateServer if the name is taken, leaving the existing
// connection untouched. If Start fails the connection is discarded and
// the error returned.
func (p *Pool) AddServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: server name is required", ErrInvalidConfig)
	}

	p.mu.Lock()
	if _, ok := p.entries[cfg.Name]; ok {
		p.mu.Unlock()
		return fmt.Errorf("add server %s: %w", cfg.Name, ErrDuplicateServer)
	}
	entry := &poolEntry{
		conn:      NewConn(cfg, p.connOpts),
		done:      make(chan struct{}),
		forwarded: make(chan struct{}),
	}
	p.entries[cfg.Name] = entry
	p.order = append(p.order, cfg.Name)
	p.mu.Unlock()

	go p.forward(cfg.Name, entry)

	if err := entry.conn.Start(ctx); err != nil {
		p.detach(cfg.Name, entry)
		entry.close()
		return fmt.Errorf("add server %s: %w", cfg.Name, err)
	}
	return nil
}

// detach removes entry from the pool if it is still registered under
// name. Caller must not hold p.mu.
func (p *Pool) detach(name string, entry *poolEntry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entries[name] != entry {
		return false
	}
	delete(p.entries, name)
	p.order = slices.DeleteFunc(p.order, func(n string) bool { return n == name })
	return true
}

// RemoveServer stops the named connection and removes it. Unknown
// names are a no-op.
func (p *Pool) RemoveServer(ctx context.Context, name string) error {
	p.mu.RLock()
	entry, ok := p.entries[name]
	p.mu.RUnlock()
	if !ok || !p.detach(name, entry) {
		return nil
	}

	err := entry.conn.Stop(ctx)
	entry.close()
	p.logger.Info("MCP server removed", "mcp_server", name)
	if err != nil {
		return fmt.Errorf("remove server %s: %w", name, err)
	}
	return nil
}

// Shutdown stops every connection concurrently, waits for all of them,
// then clears the pool. Errors from individual stops are joined.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	names := p.order
	entries := p.entries
	p.order = nil
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	if len(names) == 0 {
		return nil
	}
	p.logger.Info("shutting down MCP servers", "count", len(names))

	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		entry := entries[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.conn.Stop(ctx); err != nil {
				errs[i] = fmt.Errorf("stop %s: %w", name, err)
			}
			entry.close()
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// snapshot returns the entries in insertion order.
func (p *Pool) snapshot() []*poolEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*poolEntry, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.entries[name])
	}
	return out
}

func (p *Pool) lookup(name string) (*poolEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[name]
	return e, ok
}

// GetAllTools concatenates the catalogs of ready connections in
// insertion order, each tool tagged with its server name.
func (p *Pool) GetAllTools() []ServerTool {
	var out []ServerTool
	for _, e := range p.snapshot() {
		tools, ready := e.conn.readyTools()
		if !ready {
			continue
		}
		for _, t := range tools {
			out = append(out, ServerTool{ToolDescriptor: t, Server: e.conn.Name()})
		}
	}
	return out
}

// GetTool finds a tool by name. With a server name it looks only at
// that server; otherwise the first ready server advertising the tool
// wins, as with CallTool.
func (p *Pool) GetTool(name, server string) (ServerTool, bool) {
	for _, t := range p.GetAllTools() {
		if t.Name != name {
			continue
		}
		if server == "" || t.Server == server {
			return t, true
		}
	}
	return ServerTool{}, false
}

// GetServerStatus returns the status of one server.
func (p *Pool) GetServerStatus(name string) (ServerStatus, bool) {
	e, ok := p.lookup(name)
	if !ok {
		return ServerStatus{}, false
	}
	return e.conn.Snapshot(), true
}

// GetAllServers returns the status of every server in insertion order.
func (p *Pool) GetAllServers() []ServerStatus {
	entries := p.snapshot()
	out := make([]ServerStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.conn.Snapshot())
	}
	return out
}

// Len returns the number of connections in the pool.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// RefreshTools re-runs tool discovery on the named server.
func (p *Pool) RefreshTools(ctx context.Context, server string) error {
	e, ok := p.lookup(server)
	if !ok {
		return &NotFoundError{Kind: "server", Name: server}
	}
	return e.conn.RefreshTools(ctx)
}

// RestartServer starts the named connection again after it failed or
// its process exited. Unlike AddServer, a failed start keeps the
// connection in the pool, in the error state.
func (p *Pool) RestartServer(ctx context.Context, name string) error {
	e, ok := p.lookup(name)
	if !ok {
		return &NotFoundError{Kind: "server", Name: name}
	}
	if err := e.conn.Start(ctx); err != nil {
		return fmt.Errorf("restart server %s: %w", name, err)
	}
	p.logger.Info("MCP server restarted", "mcp_server", name)
	return nil
}

// CallTool routes a tool call. With a server name the call goes to that
// server whether or not it advertises the tool. Without one, the first
// ready server in insertion order whose catalog has the tool is used.
func (p *Pool) CallTool(ctx context.Context, name string, args map[string]any, server string) (*ToolCallResult, error) {
	_, result, err := p.CallToolRouted(ctx, name, args, server)
	return result, err
}

// CallToolRouted is CallTool that also returns the name of the server
// the call was sent to. The name is empty when routing failed.
func (p *Pool) CallToolRouted(ctx context.Context, name string, args map[string]any, server string) (string, *ToolCallResult, error) {
	var conn *Conn
	if server != "" {
		e, ok := p.lookup(server)
		if !ok {
			return "", nil, &NotFoundError{Kind: "server", Name: server}
		}
		conn = e.conn
	} else {
		for _, e := range p.snapshot() {
			if e.conn.HasTool(name) {
				conn = e.conn
				break
			}
		}
		if conn == nil {
			return "", nil, &NotFoundError{Kind: "tool", Name: name}
		}
	}

	result, err := p.invoke(ctx, conn, name, args)
	return conn.Name(), result, err
}

// invoke calls the tool and reports the call to the bus and recorder.
func (p *Pool) invoke(ctx context.Context, conn *Conn, name string, args map[string]any) (*ToolCallResult, error) {
	server := conn.Name()
	p.bus.Publish(events.Event{
		Source: events.SourceMCP,
		Kind:   events.KindToolCall,
		Data:   map[string]any{"server": server, "tool": name},
	})

	started := time.Now()
	result, err := conn.CallTool(ctx, name, args)
	elapsed := time.Since(started)

	rec := CallRecord{
		Server:   server,
		Tool:     name,
		Started:  started,
		Duration: elapsed,
		OK:       err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	} else {
		rec.IsError = result.IsError
	}

	p.bus.Publish(events.Event{
		Source: events.SourceMCP,
		Kind:   events.KindToolDone,
		Data: map[string]any{
			"server":      server,
			"tool":        name,
			"ok":          rec.OK,
			"is_error":    rec.IsError,
			"duration_ms": elapsed.Milliseconds(),
		},
	})

	if p.recorder != nil {
		if rerr := p.recorder.RecordCall(context.WithoutCancel(ctx), rec); rerr != nil {
			p.logger.Warn("failed to record tool call", "mcp_server", server, "tool", name, "error", rerr)
		}
	}

	return result, err
}

// SetServers reconciles the pool with a desired server set: servers
// not in cfgs are removed, servers whose config changed are restarted
// and new servers are added in the order given. Failures are collected
// per server rather than aborting the rest.
func (p *Pool) SetServers(ctx context.Context, cfgs []ServerConfig) SetServersResult {
	var res SetServersResult
	fail := func(name string, err error) {
		if res.Errors == nil {
			res.Errors = make(map[string]string)
		}
		res.Errors[name] = err.Error()
		p.logger.Warn("failed to apply MCP server config", "mcp_server", name, "error", err)
	}

	desired := make(map[string]ServerConfig, len(cfgs))
	for _, cfg := range cfgs {
		desired[cfg.Name] = cfg
	}

	for _, e := range p.snapshot() {
		name := e.conn.Name()
		if _, keep := desired[name]; keep {
			continue
		}
		if err := p.RemoveServer(ctx, name); err != nil {
			fail(name, err)
		}
		res.Removed = append(res.Removed, name)
	}

	for _, cfg := range cfgs {
		restarted := false
		if e, ok := p.lookup(cfg.Name); ok {
			if e.conn.Config().Equal(cfg) {
				continue
			}
			if err := p.RemoveServer(ctx, cfg.Name); err != nil {
				fail(cfg.Name, err)
				continue
			}
			restarted = true
		}

		if err := p.AddServer(ctx, cfg); err != nil {
			fail(cfg.Name, err)
			continue
		}
		if restarted {
			res.Restarted = append(res.Restarted, cfg.Name)
		} else {
			res.Added = append(res.Added, cfg.Name)
		}
	}
	return res
}

// forward re-publishes a connection's events tagged with its pool name
// until the entry is closed, then flushes what is left.
func (p *Pool) forward(name string, e *poolEntry) {
	defer close(e.forwarded)
	ch := e.conn.Events()
	for {
		select {
		case ev := <-ch:
			p.publish(name, e.conn, ev)
		case <-e.done:
			for {
				select {
				case ev := <-ch:
					p.publish(name, e.conn, ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) publish(name string, conn *Conn, ev Event) {
	ev.Server = name
	data := map[string]any{"server": name}
	var kind string

	switch ev.Kind {
	case EventReady:
		kind = events.KindReady
		data["tools"] = len(conn.Tools())
		if p.notifier != nil {
			p.notifier.ServerReady(name)
		}
	case EventError:
		kind = events.KindError
		if ev.Err != nil {
			data["error"] = ev.Err.Error()
		}
		if p.notifier != nil {
			p.notifier.ServerError(name, ev.Err)
		}
	case EventDisconnected:
		kind = events.KindDisconnected
		var exit ExitInfo
		if ev.Exit != nil {
			exit = *ev.Exit
		}
		data["exit_code"] = exit.Code
		if exit.Signal != "" {
			data["signal"] = exit.Signal
		}
		if p.notifier != nil {
			p.notifier.ServerDisconnected(name, exit)
		}
	case EventStatusChanged:
		kind = events.KindStatusChanged
		data["status"] = string(ev.Status)
		if p.notifier != nil {
			p.notifier.ServerStatusChanged(name, ev.Status)
		}
	case EventToolsChanged:
		kind = events.KindToolsChanged
		data["tools"] = len(conn.Tools())
	default:
		return
	}

	p.bus.Publish(events.Event{
		Timestamp: ev.Time,
		Source:    events.SourceMCP,
		Kind:      kind,
		Data:      data,
	})
}

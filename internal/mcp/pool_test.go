package mcp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nugget/toolhost/internal/events"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) add(s string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, s)
}

func (n *recordingNotifier) ServerReady(name string) { n.add("ready:" + name) }
func (n *recordingNotifier) ServerError(name string, err error) {
	n.add("error:" + name)
}
func (n *recordingNotifier) ServerDisconnected(name string, exit ExitInfo) {
	n.add(fmt.Sprintf("disconnected:%s:%d", name, exit.Code))
}
func (n *recordingNotifier) ServerStatusChanged(name string, status ConnectionStatus) {
	n.add(fmt.Sprintf("status:%s:%s", name, status))
}

func (n *recordingNotifier) list() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.calls)
}

func (n *recordingNotifier) has(s string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Contains(n.calls, s)
}

type memRecorder struct {
	mu      sync.Mutex
	records []CallRecord
}

func (r *memRecorder) RecordCall(_ context.Context, rec CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *memRecorder) last() CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		return CallRecord{}
	}
	return r.records[len(r.records)-1]
}

func newTestPool(t *testing.T, cfg PoolConfig) *Pool {
	t.Helper()
	cfg.Logger = testLogger()
	if cfg.Conn.RequestTimeout == 0 {
		cfg.Conn.RequestTimeout = 5 * time.Second
	}
	if cfg.Conn.GracePeriod == 0 {
		cfg.Conn.GracePeriod = time.Second
	}
	p := NewPool(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})
	return p
}

// fakeServerWithTools limits the fake server's catalog to tools.
func fakeServerWithTools(t *testing.T, name, mode, tools string) ServerConfig {
	cfg := fakeServer(t, name, mode)
	cfg.Env[fakeToolsEnv] = tools
	return cfg
}

func toolNames(tools []ServerTool) []string {
	out := make([]string, len(tools))
	for i, tool := range tools {
		out[i] = tool.Server + "/" + tool.Name
	}
	return out
}

func TestPoolEndToEnd(t *testing.T) {
	p := newTestPool(t, PoolConfig{})
	ctx := context.Background()

	if err := p.AddServer(ctx, fakeServerWithTools(t, "echo", "normal", "sum")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	status, ok := p.GetServerStatus("echo")
	if !ok || status.Status != StatusReady {
		t.Fatalf("GetServerStatus(echo) = %+v, %v, want ready", status, ok)
	}

	tools := p.GetAllTools()
	if got, want := toolNames(tools), []string{"echo/sum"}; !slices.Equal(got, want) {
		t.Errorf("GetAllTools() = %v, want %v", got, want)
	}

	res, err := p.CallTool(ctx, "sum", map[string]any{"a": 2, "b": 3}, "")
	if err != nil {
		t.Fatalf("CallTool(sum): %v", err)
	}
	if got := res.Text(); got != "5" {
		t.Errorf("sum(2, 3) = %q, want %q", got, "5")
	}

	if err := p.RemoveServer(ctx, "echo"); err != nil {
		t.Fatalf("RemoveServer: %v", err)
	}
	if servers := p.GetAllServers(); len(servers) != 0 {
		t.Errorf("GetAllServers() after remove = %+v, want empty", servers)
	}
	if err := p.RemoveServer(ctx, "echo"); err != nil {
		t.Errorf("RemoveServer of absent name: %v", err)
	}
}

func TestPoolDuplicateServer(t *testing.T) {
	p := newTestPool(t, PoolConfig{})
	ctx := context.Background()

	if err := p.AddServer(ctx, fakeServer(t, "files", "normal")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	err := p.AddServer(ctx, fakeServer(t, "files", "normal"))
	if !errors.Is(err, ErrDuplicateServer) {
		t.Errorf("duplicate AddServer error = %v, want ErrDuplicateServer", err)
	}

	if got := p.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
	if s, _ := p.GetServerStatus("files"); s.Status != StatusReady {
		t.Errorf("existing server status = %s, want %s", s.Status, StatusReady)
	}
}

func TestPoolAddServerStartFailure(t *testing.T) {
	notifier := &recordingNotifier{}
	p := newTestPool(t, PoolConfig{Notifier: notifier})

	err := p.AddServer(context.Background(), fakeServer(t, "broken", "list-error"))
	if err == nil {
		t.Fatal("AddServer succeeded, want error")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Errorf("AddServer error = %v, want *RPCError in chain", err)
	}

	if got := p.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
	if _, ok := p.GetServerStatus("broken"); ok {
		t.Error("failed server retained in pool")
	}
	if !notifier.has("error:broken") {
		t.Errorf("notifier calls = %v, want error:broken", notifier.list())
	}

	if err := p.AddServer(context.Background(), ServerConfig{Command: "true"}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("AddServer without name error = %v, want ErrInvalidConfig", err)
	}
}

func TestPoolRouting(t *testing.T) {
	rec := &memRecorder{}
	p := newTestPool(t, PoolConfig{Recorder: rec})
	ctx := context.Background()

	if err := p.AddServer(ctx, fakeServerWithTools(t, "first", "normal", "echo sum")); err != nil {
		t.Fatalf("AddServer(first): %v", err)
	}
	if err := p.AddServer(ctx, fakeServerWithTools(t, "second", "normal", "echo fail")); err != nil {
		t.Fatalf("AddServer(second): %v", err)
	}

	want := []string{"first/echo", "first/sum", "second/echo", "second/fail"}
	if got := toolNames(p.GetAllTools()); !slices.Equal(got, want) {
		t.Errorf("GetAllTools() = %v, want %v", got, want)
	}

	tests := []struct {
		name       string
		tool       string
		server     string
		wantServer string
	}{
		{"first match in insertion order", "echo", "", "first"},
		{"only advertised by second", "fail", "", "second"},
		{"qualified", "echo", "second", "second"},
		{"qualified but not advertised", "sum", "second", "second"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			routed, _, err := p.CallToolRouted(ctx, tt.tool, map[string]any{"text": "hi"}, tt.server)
			if err != nil {
				t.Fatalf("CallToolRouted(%s, %q): %v", tt.tool, tt.server, err)
			}
			if routed != tt.wantServer {
				t.Errorf("CallToolRouted reported %q, want %q", routed, tt.wantServer)
			}
			if got := rec.last(); got.Server != tt.wantServer || got.Tool != tt.tool {
				t.Errorf("routed to %s/%s, want %s/%s", got.Server, got.Tool, tt.wantServer, tt.tool)
			}
		})
	}

	t.Run("unknown tool", func(t *testing.T) {
		_, err := p.CallTool(ctx, "nope", nil, "")
		var nf *NotFoundError
		if !errors.As(err, &nf) || nf.Kind != "tool" {
			t.Errorf("error = %v, want tool NotFoundError", err)
		}
		if !errors.Is(err, ErrNotFound) {
			t.Error("errors.Is(err, ErrNotFound) = false")
		}
	})

	t.Run("unknown server", func(t *testing.T) {
		routed, _, err := p.CallToolRouted(ctx, "echo", nil, "third")
		if routed != "" {
			t.Errorf("CallToolRouted reported %q for an unknown server", routed)
		}
		var nf *NotFoundError
		if !errors.As(err, &nf) || nf.Kind != "server" {
			t.Errorf("error = %v, want server NotFoundError", err)
		}
	})

	t.Run("tool error flag recorded", func(t *testing.T) {
		if _, err := p.CallTool(ctx, "fail", nil, ""); err != nil {
			t.Fatalf("CallTool(fail): %v", err)
		}
		if got := rec.last(); !got.OK || !got.IsError {
			t.Errorf("record = %+v, want OK and IsError", got)
		}
	})

	if got, ok := p.GetTool("echo", ""); !ok || got.Server != "first" {
		t.Errorf("GetTool(echo) = %+v, %v, want first", got, ok)
	}
	if got, ok := p.GetTool("echo", "second"); !ok || got.Server != "second" {
		t.Errorf("GetTool(echo, second) = %+v, %v, want second", got, ok)
	}
	if _, ok := p.GetTool("sum", "second"); ok {
		t.Error("GetTool(sum, second) found a tool second does not advertise")
	}

	// Once first stops, unqualified calls go to second and say so.
	first, _ := p.lookup("first")
	if err := first.conn.Stop(ctx); err != nil {
		t.Fatalf("Stop(first): %v", err)
	}
	routed, res, err := p.CallToolRouted(ctx, "echo", map[string]any{"text": "moved"}, "")
	if err != nil {
		t.Fatalf("CallToolRouted(echo) after stop: %v", err)
	}
	if routed != "second" || res.Text() != "moved" {
		t.Errorf("CallToolRouted(echo) = %q, %q, want second, moved", routed, res.Text())
	}
}

func TestPoolSkipsUnreadyServers(t *testing.T) {
	notifier := &recordingNotifier{}
	p := newTestPool(t, PoolConfig{Notifier: notifier})
	ctx := context.Background()

	if err := p.AddServer(ctx, fakeServerWithTools(t, "first", "normal", "echo crash")); err != nil {
		t.Fatalf("AddServer(first): %v", err)
	}
	if err := p.AddServer(ctx, fakeServerWithTools(t, "second", "normal", "echo")); err != nil {
		t.Fatalf("AddServer(second): %v", err)
	}

	if _, err := p.CallTool(ctx, "crash", nil, ""); !errors.Is(err, ErrProcessExited) {
		t.Fatalf("CallTool(crash) error = %v, want ErrProcessExited", err)
	}
	waitFor(t, "disconnect notification", func() bool { return notifier.has("disconnected:first:3") })

	if got, want := toolNames(p.GetAllTools()), []string{"second/echo"}; !slices.Equal(got, want) {
		t.Errorf("GetAllTools() = %v, want %v", got, want)
	}

	// The dead connection stays in the pool until removed.
	servers := p.GetAllServers()
	if len(servers) != 2 || servers[0].Name != "first" || servers[0].Status != StatusDisconnected {
		t.Errorf("GetAllServers() = %+v", servers)
	}

	// Unqualified routing falls through to the ready server.
	res, err := p.CallTool(ctx, "echo", map[string]any{"text": "still here"}, "")
	if err != nil {
		t.Fatalf("CallTool(echo): %v", err)
	}
	if got := res.Text(); got != "still here" {
		t.Errorf("echo = %q", got)
	}

	// Qualified routing to the dead server reports it unready.
	if _, err := p.CallTool(ctx, "echo", nil, "first"); !errors.Is(err, ErrNotReady) {
		t.Errorf("CallTool on dead server error = %v, want ErrNotReady", err)
	}
}

func TestPoolEventsTaggedWithServer(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	notifier := &recordingNotifier{}
	p := newTestPool(t, PoolConfig{Bus: bus, Notifier: notifier})

	if err := p.AddServer(context.Background(), fakeServer(t, "tagged", "normal")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	waitFor(t, "ready notification", func() bool { return notifier.has("ready:tagged") })
	for _, want := range []string{"status:tagged:initializing", "status:tagged:ready"} {
		if !notifier.has(want) {
			t.Errorf("notifier missing %q in %v", want, notifier.list())
		}
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Source != events.SourceMCP {
				t.Errorf("Source = %q, want %q", ev.Source, events.SourceMCP)
			}
			if ev.Server() != "tagged" {
				t.Errorf("event %s Server() = %q, want %q", ev.Kind, ev.Server(), "tagged")
			}
			if ev.Kind == events.KindReady {
				if n, _ := ev.Data["tools"].(int); n == 0 {
					t.Errorf("ready event tools = %v, want > 0", ev.Data["tools"])
				}
				return
			}
		case <-timeout:
			t.Fatal("no ready event on bus")
		}
	}
}

func TestPoolToolCallEvents(t *testing.T) {
	p := newTestPool(t, PoolConfig{})
	sub := p.Bus().Subscribe(64)
	defer p.Bus().Unsubscribe(sub)

	if err := p.AddServer(context.Background(), fakeServer(t, "calls", "normal")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if _, err := p.CallTool(context.Background(), "boom", nil, ""); err == nil {
		t.Fatal("CallTool(boom) succeeded, want error")
	}

	var kinds []string
	timeout := time.After(5 * time.Second)
	for !slices.Contains(kinds, events.KindToolDone) {
		select {
		case ev := <-sub:
			kinds = append(kinds, ev.Kind)
			if ev.Kind == events.KindToolDone {
				if ok, _ := ev.Data["ok"].(bool); ok {
					t.Error("tool_done ok = true for a failed call")
				}
				if ev.Data["tool"] != "boom" {
					t.Errorf("tool_done tool = %v, want boom", ev.Data["tool"])
				}
			}
		case <-timeout:
			t.Fatalf("no tool_done event; saw %v", kinds)
		}
	}
	if !slices.Contains(kinds, events.KindToolCall) {
		t.Errorf("no tool_call event before tool_done; saw %v", kinds)
	}
}

func TestPoolShutdownConcurrent(t *testing.T) {
	grace := 400 * time.Millisecond
	p := newTestPool(t, PoolConfig{Conn: ConnOptions{GracePeriod: grace}})
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		if err := p.AddServer(ctx, fakeServer(t, name, "ignore-term")); err != nil {
			t.Fatalf("AddServer(%s): %v", name, err)
		}
	}

	start := time.Now()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < grace {
		t.Errorf("Shutdown took %v, less than the %v grace period", elapsed, grace)
	}
	if elapsed >= 3*grace {
		t.Errorf("Shutdown took %v, want well under %v for concurrent stops", elapsed, 3*grace)
	}
	if got := p.Len(); got != 0 {
		t.Errorf("Len() after Shutdown = %d, want 0", got)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestPoolSetServers(t *testing.T) {
	p := newTestPool(t, PoolConfig{})
	ctx := context.Background()

	a := fakeServerWithTools(t, "a", "normal", "echo")
	b := fakeServerWithTools(t, "b", "normal", "echo")
	res := p.SetServers(ctx, []ServerConfig{a, b})
	if !slices.Equal(res.Added, []string{"a", "b"}) || len(res.Errors) != 0 {
		t.Fatalf("initial SetServers = %+v", res)
	}

	// Drop a, change b, add c and a broken d.
	b2 := fakeServerWithTools(t, "b", "normal", "echo sum")
	c := fakeServerWithTools(t, "c", "normal", "echo")
	d := fakeServer(t, "d", "list-error")
	res = p.SetServers(ctx, []ServerConfig{b2, c, d})

	if !slices.Equal(res.Removed, []string{"a"}) {
		t.Errorf("Removed = %v, want [a]", res.Removed)
	}
	if !slices.Equal(res.Restarted, []string{"b"}) {
		t.Errorf("Restarted = %v, want [b]", res.Restarted)
	}
	if !slices.Equal(res.Added, []string{"c"}) {
		t.Errorf("Added = %v, want [c]", res.Added)
	}
	if _, ok := res.Errors["d"]; !ok || len(res.Errors) != 1 {
		t.Errorf("Errors = %v, want only d", res.Errors)
	}

	want := []string{"b/echo", "b/sum", "c/echo"}
	if got := toolNames(p.GetAllTools()); !slices.Equal(got, want) {
		t.Errorf("GetAllTools() = %v, want %v", got, want)
	}

	// Unchanged configs are left alone.
	res = p.SetServers(ctx, []ServerConfig{b2, c})
	if len(res.Added)+len(res.Removed)+len(res.Restarted) != 0 {
		t.Errorf("no-op SetServers = %+v", res)
	}
}

func TestPoolRefreshToolsUnknownServer(t *testing.T) {
	p := newTestPool(t, PoolConfig{})
	if err := p.RefreshTools(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RefreshTools error = %v, want ErrNotFound", err)
	}
}

func TestPoolRestartServer(t *testing.T) {
	p := newTestPool(t, PoolConfig{})
	ctx := context.Background()

	if err := p.RestartServer(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RestartServer(ghost) error = %v, want ErrNotFound", err)
	}

	if err := p.AddServer(ctx, fakeServer(t, "a", "normal")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if err := p.RestartServer(ctx, "a"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("RestartServer on running server error = %v, want ErrAlreadyRunning", err)
	}

	if _, err := p.CallTool(ctx, "crash", nil, "a"); !errors.Is(err, ErrProcessExited) {
		t.Fatalf("CallTool(crash) error = %v, want ErrProcessExited", err)
	}
	waitFor(t, "disconnected status", func() bool {
		st, _ := p.GetServerStatus("a")
		return st.Status == StatusDisconnected
	})

	if err := p.RestartServer(ctx, "a"); err != nil {
		t.Fatalf("RestartServer after exit: %v", err)
	}
	res, err := p.CallTool(ctx, "sum", map[string]any{"a": 1, "b": 2}, "")
	if err != nil || res.Text() != "3" {
		t.Errorf("sum after restart = %v, %v", res, err)
	}
}

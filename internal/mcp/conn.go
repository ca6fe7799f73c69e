package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/toolhost/internal/buildinfo"
)

// levelTrace matches config.LevelTrace. Full wire payloads are logged
// at this level.
const levelTrace = slog.Level(-8)

// Defaults applied to zero-valued ConnOptions fields.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultGracePeriod    = 5 * time.Second
)

// eventBuffer is the capacity of a connection's event channel.
const eventBuffer = 32

// pipeDrainTimeout bounds how long output is read after the process
// has exited.
const pipeDrainTimeout = 500 * time.Millisecond

// ConnOptions tunes a connection. Zero values select the defaults.
type ConnOptions struct {
	// RequestTimeout is the deadline armed for every request.
	RequestTimeout time.Duration

	// GracePeriod is how long Stop waits after SIGTERM before killing
	// the process.
	GracePeriod time.Duration

	// MaxLineSize bounds a single inbound frame.
	MaxLineSize int

	// ClientInfo is sent in the initialize request.
	ClientInfo ClientInfo

	// Logger is the structured logger for connection diagnostics.
	Logger *slog.Logger
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.MaxLineSize <= 0 {
		o.MaxLineSize = DefaultMaxLineSize
	}
	if o.ClientInfo.Name == "" {
		o.ClientInfo = ClientInfo{Name: buildinfo.Name, Version: buildinfo.Version}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Conn manages one MCP server process: it spawns the process, runs the
// initialize and tools/list handshake, correlates requests with
// responses over newline-delimited JSON-RPC on stdin/stdout, and
// publishes lifecycle events.
//
// Request ids come from a counter that lives as long as the Conn, so
// ids are never reused even across restarts.
type Conn struct {
	cfg     ServerConfig
	opts    ConnOptions
	logger  *slog.Logger
	events  chan Event
	pending *pendingTable
	nextID  atomic.Int64

	// writeMu keeps each frame written to stdin contiguous.
	writeMu sync.Mutex

	mu         sync.RWMutex
	status     ConnectionStatus
	tools      []ToolDescriptor
	serverInfo *ServerInfo
	lastErr    error
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	exited     chan struct{} // closed once the current process is reaped
	stopping   bool
	refreshing bool
}

// NewConn creates a disconnected connection for cfg. Call Start to
// launch the process.
func NewConn(cfg ServerConfig, opts ConnOptions) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		cfg:     cfg,
		opts:    opts,
		logger:  opts.Logger.With("mcp_server", cfg.Name),
		events:  make(chan Event, eventBuffer),
		pending: newPendingTable(),
		status:  StatusDisconnected,
	}
}

// Name returns the server name.
func (c *Conn) Name() string {
	return c.cfg.Name
}

// Config returns the config the connection was created with.
func (c *Conn) Config() ServerConfig {
	return c.cfg
}

// Events returns the channel on which lifecycle events are published.
// The channel holds 32 events. When it is full, status_changed and
// tools_changed events are dropped with a warning; ready, error and
// disconnected events evict the oldest buffered event instead, so the
// latest of those is always delivered.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Status returns the last known connection status.
func (c *Conn) Status() ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Tools returns a copy of the tool catalog. It is empty unless the
// connection is ready.
func (c *Conn) Tools() []ToolDescriptor {
	tools, _ := c.readyTools()
	return tools
}

// readyTools returns the catalog and whether the connection is ready,
// read under a single lock so the two agree.
func (c *Conn) readyTools() ([]ToolDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status != StatusReady {
		return nil, false
	}
	return append([]ToolDescriptor(nil), c.tools...), true
}

// HasTool reports whether the connection is ready and advertises name.
func (c *Conn) HasTool(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status != StatusReady {
		return false
	}
	for _, t := range c.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Snapshot returns the external view of the connection.
func (c *Conn) Snapshot() ServerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := ServerStatus{
		Name:   c.cfg.Name,
		Status: c.status,
	}
	if c.serverInfo != nil {
		info := *c.serverInfo
		s.ServerInfo = &info
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	if c.status == StatusReady {
		s.Tools = append([]ToolDescriptor(nil), c.tools...)
	}
	return s
}

// Start launches the server process and performs the handshake:
// initialize, notifications/initialized, then tools/list. On success
// the connection is ready. On failure the status becomes error, an
// error event is published, any process that was started is torn down,
// and the failure is returned.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cmd != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, c.cfg.Name)
	}
	c.lastErr = nil
	c.setStatusLocked(StatusInitializing)
	cmd, err := c.spawnLocked()
	if err != nil {
		c.failLocked(err)
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	info, tools, err := c.handshake(ctx)
	if err != nil {
		c.abort(cmd, err)
		return err
	}

	c.mu.Lock()
	if c.cmd != cmd {
		// The process exited between the last response and now.
		c.mu.Unlock()
		err := fmt.Errorf("%s: %w", c.cfg.Name, ErrProcessExited)
		c.abort(cmd, err)
		return err
	}
	c.serverInfo = info
	c.tools = tools
	c.setStatusLocked(StatusReady)
	c.emit(Event{Kind: EventReady})
	c.mu.Unlock()

	c.logger.Info("MCP server ready", "tools", len(tools))
	return nil
}

// spawnLocked starts the process and its reader goroutines. Caller
// must hold c.mu.
func (c *Conn) spawnLocked() (*exec.Cmd, error) {
	if c.cfg.Command == "" {
		return nil, &SpawnError{Command: c.cfg.Name, Err: fmt.Errorf("%w: empty command", ErrInvalidConfig)}
	}

	session := uuid.NewString()
	c.logger.Info("starting MCP server process",
		"command", c.cfg.Command,
		"args", c.cfg.Args,
		"cwd", c.cfg.Cwd,
		"session", session,
	)

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Dir = c.cfg.Cwd
	cmd.Env = mergeEnv(os.Environ(), c.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: c.cfg.Command, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	// The read ends are ours rather than exec's so that reaping the
	// process does not close them before buffered output is read.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, &SpawnError{Command: c.cfg.Command, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}

	// stderr is diagnostics only, never protocol data.
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		stdoutW.Close()
		return nil, &SpawnError{Command: c.cfg.Command, Err: fmt.Errorf("create stderr pipe: %w", err)}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	setProcessGroup(cmd)

	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return nil, &SpawnError{Command: c.cfg.Command, Err: err}
	}

	exited := make(chan struct{})
	c.cmd = cmd
	c.stdin = stdin
	c.exited = exited
	c.stopping = false

	logger := c.logger.With("session", session, "pid", cmd.Process.Pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go c.readLoop(stdout, NewLineDecoder(c.opts.MaxLineSize), logger, &readers)
	go c.drainStderr(stderr, logger, &readers)
	go c.waitLoop(cmd, exited, logger, &readers, stdout, stderr)

	logger.Info("MCP server process started")
	return cmd, nil
}

// mergeEnv overlays overrides onto base, replacing existing keys rather
// than appending duplicates.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// readLoop feeds stdout into the connection's decoder and dispatches
// every complete frame. It owns the decoder; a partial frame left when
// the stream ends is discarded.
func (c *Conn) readLoop(r io.Reader, dec *LineDecoder, logger *slog.Logger, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			lines, ferr := dec.Feed(buf[:n])
			if ferr != nil {
				logger.Warn("discarding oversized frame from MCP server",
					"error", ferr,
					"max_bytes", c.opts.MaxLineSize,
				)
			}
			for _, line := range lines {
				c.dispatch(line, logger)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				logger.Debug("MCP server stdout read ended", "error", err)
			}
			if dec.Buffered() > 0 {
				logger.Warn("discarding incomplete frame at end of stream", "bytes", dec.Buffered())
			}
			dec.Reset()
			return
		}
	}
}

// drainStderr logs stderr lines. Nothing on stderr is parsed.
func (c *Conn) drainStderr(r io.Reader, logger *slog.Logger, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		logger.Warn("MCP server stderr", "line", scanner.Text())
	}
	// A line longer than the scanner buffer stops the scan; keep the
	// pipe drained so the child never blocks writing to it.
	_, _ = io.Copy(io.Discard, r)
}

// waitLoop observes the process exit. Anything left in its process
// group is killed, the readers get up to pipeDrainTimeout to deliver
// output written before the exit, and then the exit is handled. A
// descendant that escaped the group can keep the pipes open, so they
// are closed here rather than left to EOF.
func (c *Conn) waitLoop(cmd *exec.Cmd, exited chan struct{}, logger *slog.Logger, readers *sync.WaitGroup, pipes ...io.Closer) {
	err := cmd.Wait()
	info := exitInfo(cmd, err)

	if kerr := signalGroup(cmd, syscall.SIGKILL); kerr == nil {
		logger.Debug("killed processes left behind by MCP server")
	}

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	timer := time.NewTimer(pipeDrainTimeout)
	select {
	case <-drained:
	case <-timer.C:
		logger.Warn("MCP server output still open after exit, closing it", "timeout", pipeDrainTimeout)
	}
	timer.Stop()

	c.handleExit(cmd, info, logger)
	for _, p := range pipes {
		_ = p.Close()
	}
	close(exited)
}

// exitInfo extracts the exit code and terminating signal, if any.
func exitInfo(cmd *exec.Cmd, waitErr error) ExitInfo {
	state := cmd.ProcessState
	if state == nil {
		return ExitInfo{Code: -1, Signal: fmt.Sprint(waitErr)}
	}
	info := ExitInfo{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		info.Signal = ws.Signal().String()
	}
	return info
}

// handleExit runs when a process has been reaped. Exits caused by Stop
// or a failed Start are handled by those paths. Anything else is an
// unexpected exit: the connection becomes disconnected and every
// pending request is rejected with ErrProcessExited.
func (c *Conn) handleExit(cmd *exec.Cmd, info ExitInfo, logger *slog.Logger) {
	c.mu.Lock()
	if c.cmd != cmd || c.stopping {
		c.mu.Unlock()
		logger.Info("MCP server process exited", "exit_code", info.Code, "signal", info.Signal)
		return
	}

	logger.Warn("MCP server process exited unexpectedly",
		"exit_code", info.Code,
		"signal", info.Signal,
		"pending", c.pending.len(),
	)
	c.setStatusLocked(StatusDisconnected)
	c.emit(Event{Kind: EventDisconnected, Exit: &info})
	calls := c.cleanupLocked()
	c.mu.Unlock()

	rejectAll(calls, fmt.Errorf("%s: %w (exit code %d)", c.cfg.Name, ErrProcessExited, info.Code))
}

// Stop rejects all pending requests with ErrStopping, then terminates
// the process: stdin is closed and SIGTERM sent; if the signal cannot
// be delivered, or the process is still alive after the grace period,
// it is killed. Stop on a connection with no process is a no-op.
func (c *Conn) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.cmd == nil {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	cmd, stdin, exited := c.cmd, c.stdin, c.exited
	calls := c.pending.drain()
	c.mu.Unlock()

	rejectAll(calls, fmt.Errorf("%s: %w", c.cfg.Name, ErrStopping))

	c.logger.Info("stopping MCP server", "pid", cmd.Process.Pid, "rejected", len(calls))
	err := c.terminate(ctx, cmd, stdin, exited)

	c.mu.Lock()
	var leftover []*pendingCall
	if c.cmd == cmd {
		leftover = c.cleanupLocked()
	}
	c.mu.Unlock()
	rejectAll(leftover, fmt.Errorf("%s: %w", c.cfg.Name, ErrStopping))

	return err
}

// terminate shuts the process down and waits for it to be reaped.
func (c *Conn) terminate(ctx context.Context, cmd *exec.Cmd, stdin io.Closer, exited <-chan struct{}) error {
	if stdin != nil {
		_ = stdin.Close()
	}

	if err := signalGroup(cmd, syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.logger.Warn("graceful terminate failed, killing MCP server", "pid", cmd.Process.Pid, "error", err)
		_ = signalGroup(cmd, syscall.SIGKILL)
	}

	grace := time.NewTimer(c.opts.GracePeriod)
	defer grace.Stop()

	select {
	case <-exited:
		return nil
	case <-grace.C:
		c.logger.Warn("MCP server did not exit within grace period, killing",
			"pid", cmd.Process.Pid,
			"grace_period", c.opts.GracePeriod,
		)
	case <-ctx.Done():
		c.logger.Warn("stop cancelled, killing MCP server", "pid", cmd.Process.Pid)
	}

	_ = signalGroup(cmd, syscall.SIGKILL)
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abort tears down a process whose handshake failed. The status stays
// error until the next Start.
func (c *Conn) abort(cmd *exec.Cmd, cause error) {
	c.mu.Lock()
	current := c.cmd == cmd
	if current {
		c.stopping = true
	}
	stdin, exited := c.stdin, c.exited
	c.failLocked(cause)
	c.mu.Unlock()

	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.GracePeriod+time.Second)
	defer cancel()
	if err := c.terminate(ctx, cmd, stdin, exited); err != nil {
		c.logger.Warn("failed to reap MCP server after failed start", "error", err)
	}

	c.mu.Lock()
	var leftover []*pendingCall
	if c.cmd == cmd {
		c.cmd = nil
		c.stdin = nil
		c.exited = nil
		leftover = c.pending.drain()
	}
	c.mu.Unlock()
	rejectAll(leftover, cause)
}

// failLocked records err, moves to the error state and publishes an
// error event. Caller must hold c.mu.
func (c *Conn) failLocked(err error) {
	c.logger.Error("MCP server failed", "error", err)
	c.lastErr = err
	c.tools = nil
	c.setStatusLocked(StatusError)
	c.emit(Event{Kind: EventError, Err: err})
}

// cleanupLocked drops the process handle, resets the status to
// disconnected and clears the catalog and the pending table. It
// returns calls that were still pending so the caller can reject them
// outside the lock. Caller must hold c.mu.
func (c *Conn) cleanupLocked() []*pendingCall {
	c.cmd = nil
	c.stdin = nil
	c.exited = nil
	c.tools = nil
	c.serverInfo = nil
	c.setStatusLocked(StatusDisconnected)
	return c.pending.drain()
}

func rejectAll(calls []*pendingCall, err error) {
	for _, call := range calls {
		call.complete(callResult{err: err})
	}
}

// setStatusLocked changes the status and publishes a status event when
// it actually changed. Leaving ready clears the catalog. Caller must
// hold c.mu.
func (c *Conn) setStatusLocked(s ConnectionStatus) {
	if c.status == s {
		return
	}
	c.status = s
	if s != StatusReady {
		c.tools = nil
	}
	c.emit(Event{Kind: EventStatusChanged, Status: s})
}

// emit publishes ev without blocking.
func (c *Conn) emit(ev Event) {
	ev.Server = c.cfg.Name
	ev.Time = time.Now()
	for {
		select {
		case c.events <- ev:
			return
		default:
		}
		if !ev.Kind.lifecycle() {
			c.logger.Warn("dropping MCP connection event, consumer is not keeping up", "kind", ev.Kind)
			return
		}
		select {
		case old := <-c.events:
			c.logger.Warn("dropping oldest MCP connection event, consumer is not keeping up",
				"dropped", old.Kind,
				"kind", ev.Kind,
			)
		default:
		}
	}
}

// handshake performs initialize, notifications/initialized and
// tools/list on a freshly spawned process.
func (c *Conn) handshake(ctx context.Context) (*ServerInfo, []ToolDescriptor, error) {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ClientCapabilities{
			Roots: RootsCapability{ListChanged: true},
		},
		ClientInfo: c.opts.ClientInfo,
	}

	var init InitializeResult
	if err := c.request(ctx, MethodInitialize, params, &init); err != nil {
		return nil, nil, fmt.Errorf("initialize %s: %w", c.cfg.Name, err)
	}

	c.logger.Info("MCP server initialized",
		"server_name", init.ServerInfo.Name,
		"server_version", init.ServerInfo.Version,
		"protocol_version", init.ProtocolVersion,
	)

	if err := c.notify(MethodInitialized, nil); err != nil {
		return nil, nil, fmt.Errorf("send initialized notification to %s: %w", c.cfg.Name, err)
	}

	tools, err := c.listTools(ctx)
	if err != nil {
		return nil, nil, err
	}
	return &init.ServerInfo, tools, nil
}

func (c *Conn) listTools(ctx context.Context) ([]ToolDescriptor, error) {
	var result toolsListResult
	if err := c.request(ctx, MethodToolsList, struct{}{}, &result); err != nil {
		return nil, fmt.Errorf("tools/list %s: %w", c.cfg.Name, err)
	}

	names := make([]string, len(result.Tools))
	for i, t := range result.Tools {
		names[i] = t.Name
	}
	c.logger.Info("discovered MCP tools", "count", len(result.Tools), "tools", names)
	return result.Tools, nil
}

// RefreshTools re-runs tools/list and replaces the catalog wholesale.
func (c *Conn) RefreshTools(ctx context.Context) error {
	if s := c.Status(); s != StatusReady {
		return &NotReadyError{Server: c.cfg.Name, Status: s}
	}

	tools, err := c.listTools(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusReady {
		return &NotReadyError{Server: c.cfg.Name, Status: c.status}
	}
	c.tools = tools
	c.emit(Event{Kind: EventToolsChanged})
	return nil
}

// CallTool invokes a tool by name. It fails with a NotReadyError unless
// the connection is ready. A result with IsError set is returned as a
// result, not as an error.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	if s := c.Status(); s != StatusReady {
		return nil, &NotReadyError{Server: c.cfg.Name, Status: s}
	}
	if args == nil {
		args = map[string]any{}
	}

	c.logger.Debug("calling MCP tool", "tool", name)

	var result ToolCallResult
	if err := c.request(ctx, MethodToolsCall, ToolCallParams{Name: name, Arguments: args}, &result); err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return &result, nil
}

// request sends a request and decodes its result into out.
func (c *Conn) request(ctx context.Context, method string, params, out any) error {
	raw, err := c.send(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

// send writes one request frame and waits for the correlated response,
// the request deadline, or ctx. Only one of those can claim the
// pending entry.
func (c *Conn) send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.RLock()
	stdin, stopping, status := c.stdin, c.stopping, c.status
	c.mu.RUnlock()

	if stopping {
		return nil, fmt.Errorf("%s: %w", c.cfg.Name, ErrStopping)
	}
	if stdin == nil {
		return nil, &NotReadyError{Server: c.cfg.Name, Status: status}
	}

	id := c.nextID.Add(1)
	frame, err := Encode(NewRequest(id, method, params))
	if err != nil {
		return nil, err
	}

	call := c.pending.add(id, method, c.opts.RequestTimeout)

	c.logger.Log(ctx, levelTrace, "MCP request", "id", id, "method", method, "frame", string(frame))
	if err := c.write(stdin, frame); err != nil {
		if _, ok := c.pending.take(id); ok {
			return nil, fmt.Errorf("write %s request: %w", method, err)
		}
		// Already resolved by a deadline or shutdown.
	}

	select {
	case res := <-call.done:
		return res.result, res.err
	case <-ctx.Done():
		if _, ok := c.pending.take(id); ok {
			return nil, ctx.Err()
		}
		res := <-call.done
		return res.result, res.err
	}
}

// notify writes one notification frame.
func (c *Conn) notify(method string, params any) error {
	c.mu.RLock()
	stdin := c.stdin
	c.mu.RUnlock()
	if stdin == nil {
		return &NotReadyError{Server: c.cfg.Name, Status: c.Status()}
	}

	frame, err := Encode(NewNotification(method, params))
	if err != nil {
		return err
	}
	return c.write(stdin, frame)
}

func (c *Conn) write(w io.Writer, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := w.Write(frame)
	return err
}

// dispatch routes one decoded frame from stdout.
func (c *Conn) dispatch(line []byte, logger *slog.Logger) {
	logger.Log(context.Background(), levelTrace, "MCP frame received", "frame", string(line))

	msg, err := Decode(line)
	if err != nil {
		logger.Warn("discarding undecodable line from MCP server",
			"error", err,
			"line", truncate(line, 200),
		)
		return
	}

	switch {
	case msg.IsNotification():
		c.handleNotification(msg, logger)
	case msg.IsRequest():
		c.handleServerRequest(msg, logger)
	case msg.IsResponse():
		c.handleResponse(msg, logger)
	default:
		logger.Warn("discarding unrecognized message from MCP server", "line", truncate(line, 200))
	}
}

func (c *Conn) handleResponse(msg *Message, logger *slog.Logger) {
	id, ok := msg.NumericID()
	if !ok {
		logger.Warn("dropping response with non-numeric id", "id", string(msg.ID))
		return
	}

	call, ok := c.pending.take(id)
	if !ok {
		logger.Warn("dropping response for unknown request id", "id", id)
		return
	}

	if msg.Error != nil {
		logger.Debug("MCP request failed", "id", id, "method", call.method, "error", msg.Error)
		call.complete(callResult{err: msg.Error})
		return
	}
	logger.Debug("MCP request completed", "id", id, "method", call.method)
	call.complete(callResult{result: msg.Result})
}

func (c *Conn) handleNotification(msg *Message, logger *slog.Logger) {
	switch msg.Method {
	case MethodToolsListChanged:
		c.mu.Lock()
		if c.status != StatusReady || c.refreshing {
			c.mu.Unlock()
			return
		}
		c.refreshing = true
		c.mu.Unlock()

		logger.Info("MCP server tool list changed, refreshing")
		go func() {
			defer func() {
				c.mu.Lock()
				c.refreshing = false
				c.mu.Unlock()
			}()
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
			defer cancel()
			if err := c.RefreshTools(ctx); err != nil {
				logger.Warn("failed to refresh MCP tools", "error", err)
			}
		}()
	case MethodLogMessage:
		logger.Info("MCP server log message", "params", string(msg.Params))
	default:
		logger.Debug("ignoring MCP notification", "method", msg.Method)
	}
}

// handleServerRequest answers requests the server sends to us. Only
// ping is supported.
func (c *Conn) handleServerRequest(msg *Message, logger *slog.Logger) {
	resp := Response{JSONRPC: jsonrpcVersion, ID: msg.ID}
	if msg.Method == MethodPing {
		resp.Result = json.RawMessage(`{}`)
	} else {
		logger.Debug("rejecting unsupported MCP server request", "method", msg.Method)
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method}
	}

	frame, err := Encode(resp)
	if err != nil {
		logger.Warn("failed to encode reply to MCP server request", "error", err)
		return
	}

	c.mu.RLock()
	stdin := c.stdin
	c.mu.RUnlock()
	if stdin == nil {
		return
	}
	if err := c.write(stdin, frame); err != nil {
		logger.Debug("failed to reply to MCP server request", "error", err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

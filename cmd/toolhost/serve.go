package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/toolhost/internal/api"
	"github.com/nugget/toolhost/internal/buildinfo"
	"github.com/nugget/toolhost/internal/config"
	"github.com/nugget/toolhost/internal/connwatch"
	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/mcp"
	"github.com/nugget/toolhost/internal/mqtt"
	"github.com/nugget/toolhost/internal/usage"
)

type serveCmd struct {
	NoWatch bool `help:"Do not reload the server list when the config file changes."`
}

func (c *serveCmd) Run(env *runEnv) error {
	return runServe(env.ctx, env, c.NoWatch)
}

// runServe keeps the configured servers connected until SIGINT or
// SIGTERM, then shuts every surface down.
func runServe(ctx context.Context, env *runEnv, noWatch bool) error {
	logger := newLogger(env.stdout, slog.LevelInfo, "text")
	logger.Info("starting toolhost", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(env.cli.Config)
	if err != nil {
		return err
	}
	logger = newLogger(env.stdout, configLevel(cfg), cfg.LogFormat)
	logger.Info("config loaded",
		"path", cfgPath,
		"servers", len(cfg.Servers),
		"request_timeout", cfg.RequestTimeout,
		"stop_grace_period", cfg.StopGracePeriod,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Usage store ---
	var (
		store    *usage.Store
		recorder mcp.CallRecorder
	)
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
		}
		dbPath := filepath.Join(cfg.DataDir, "usage.db")
		store, err = usage.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("open usage store: %w", err)
		}
		defer store.Close()
		recorder = store
		logger.Info("usage store opened", "path", dbPath)
	} else {
		logger.Info("usage recording disabled (no data_dir)")
	}

	// --- Connection pool ---
	bus := events.New()
	pool := mcp.NewPool(mcp.PoolConfig{
		Conn:     cfg.ConnOptions(),
		Logger:   logger,
		Bus:      bus,
		Recorder: recorder,
		Notifier: &logNotifier{logger: logger},
	})
	logReconcile(logger, pool.SetServers(ctx, cfg.MCPServers()))

	var wg sync.WaitGroup

	// --- Restart supervisor ---
	var supervisor *connwatch.Supervisor
	if cfg.Restart.Enabled {
		supervisor = connwatch.New(pool, bus, connwatch.BackoffConfig{
			InitialDelay: cfg.Restart.InitialDelay,
			MaxDelay:     cfg.Restart.MaxDelay,
			MaxRetries:   cfg.Restart.MaxRetries,
		}, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			supervisor.Run(ctx)
		}()
		logger.Info("automatic restarts enabled")
	}

	// --- MQTT mirror ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled() {
		mqttPub = mqtt.New(cfg.MQTT, mqtt.ClientID(cfg.MQTT.ClientID, cfg.DataDir), bus, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt mirror enabled", "broker", cfg.MQTT.Broker, "topic_prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt mirror disabled (not configured)")
	}

	// --- Config hot reload ---
	if !noWatch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := config.Watch(ctx, cfgPath, logger, func(next *config.Config) {
				res := pool.SetServers(ctx, next.MCPServers())
				logReconcile(logger, res)
				bus.Publish(events.Event{
					Source: events.SourceConfig,
					Kind:   events.KindReloaded,
					Data: map[string]any{
						"path":      cfgPath,
						"added":     res.Added,
						"removed":   res.Removed,
						"restarted": res.Restarted,
						"errors":    res.Errors,
					},
				})
			})
			if err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	// --- API server ---
	var server *api.Server
	apiErr := make(chan error, 1)
	if cfg.Listen.Enabled() {
		server = api.NewServer(cfg.Listen.Address, cfg.Listen.Port, pool, logger)
		server.SetExcludeTools(cfg.ExcludeTools)
		if store != nil {
			server.SetUsageSource(store)
		}
		if supervisor != nil {
			server.SetRestartSource(supervisor)
		}
		go func() { apiErr <- server.Start(ctx) }()
	} else {
		logger.Info("API server disabled (listen.port is 0)")
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-apiErr:
		if err != nil {
			serveErr = fmt.Errorf("api server: %w", err)
			logger.Error("API server failed, shutting down", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.StopGracePeriod+5*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API server shutdown failed", "error", err)
		}
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pool shutdown reported errors", "error", err)
	}
	if mqttPub != nil {
		if err := mqttPub.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("mqtt shutdown failed", "error", err)
		}
	}

	cancel()
	wg.Wait()

	logger.Info("toolhost stopped")
	return serveErr
}

// logReconcile reports the outcome of applying a server set.
func logReconcile(logger *slog.Logger, res mcp.SetServersResult) {
	if len(res.Added)+len(res.Removed)+len(res.Restarted) > 0 {
		logger.Info("server set applied",
			"added", res.Added,
			"removed", res.Removed,
			"restarted", res.Restarted,
		)
	}
	for name, msg := range res.Errors {
		logger.Error("server failed to start", "mcp_server", name, "error", msg)
	}
}

// logNotifier turns pool lifecycle notifications into log lines.
type logNotifier struct {
	logger *slog.Logger
}

func (n *logNotifier) ServerReady(name string) {
	n.logger.Info("MCP server ready", "mcp_server", name)
}

func (n *logNotifier) ServerError(name string, err error) {
	n.logger.Error("MCP server error", "mcp_server", name, "error", err)
}

func (n *logNotifier) ServerDisconnected(name string, exit mcp.ExitInfo) {
	n.logger.Warn("MCP server disconnected", "mcp_server", name, "exit_code", exit.Code, "signal", exit.Signal)
}

func (n *logNotifier) ServerStatusChanged(name string, status mcp.ConnectionStatus) {
	n.logger.Debug("MCP server status changed", "mcp_server", name, "status", status)
}

// Toolhost launches local MCP tool servers, keeps them connected and
// exposes their merged tool catalog.
//
// Usage:
//
//	toolhost serve                   Run the pool with the optional API and MQTT mirror
//	toolhost tools                   List the tools every configured server offers
//	toolhost call <tool> [json]      Call one tool and print the result
//	toolhost init [dir]              Write an example toolhost.yaml
//	toolhost version                 Print version and build information
//	toolhost -o json version         Output version information as JSON
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/nugget/toolhost/internal/buildinfo"
	"github.com/nugget/toolhost/internal/config"
	"github.com/nugget/toolhost/internal/mcp"
)

// cli is the kong command tree.
type cli struct {
	Config string `short:"c" type:"path" help:"Path to config file (default: auto-discover)."`
	Output string `short:"o" default:"text" enum:"text,json" help:"Output format: text or json."`

	Serve   serveCmd   `cmd:"" help:"Run the connection pool, API server and MQTT mirror."`
	Tools   toolsCmd   `cmd:"" help:"List the tools offered by the configured servers."`
	Call    callCmd    `cmd:"" help:"Call a tool and print its result."`
	Init    initCmd    `cmd:"" help:"Write an example config file."`
	Version versionCmd `cmd:"" help:"Show version information."`
}

// runEnv carries the process environment into command Run methods.
type runEnv struct {
	ctx    context.Context
	stdout io.Writer
	stderr io.Writer
	cli    *cli
}

// main builds the OS-level environment and hands off to [run] so the
// whole command lifecycle can be driven from tests.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses args and executes the selected command. It returns nil on
// clean completion, including after printing help.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var c cli
	exitCode := -1
	parser, err := kong.New(&c,
		kong.Name(buildinfo.Name),
		kong.Description("Connect to local MCP tool servers and serve their merged tool catalog."),
		kong.Writers(stdout, stderr),
		kong.Exit(func(code int) { exitCode = code }),
	)
	if err != nil {
		return err
	}

	kctx, err := parser.Parse(args)
	switch {
	case exitCode == 0:
		return nil
	case exitCode > 0:
		return fmt.Errorf("exit status %d", exitCode)
	case err != nil:
		return err
	}

	return kctx.Run(&runEnv{ctx: ctx, stdout: stdout, stderr: stderr, cli: &c})
}

type versionCmd struct{}

func (versionCmd) Run(env *runEnv) error {
	return runVersion(env.stdout, env.cli.Output)
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format "json" selects the JSON handler; anything
// else is text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses and validates the configuration file.
// Returns the config and the path it was loaded from.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// configLevel returns the configured log level. Validate has already
// rejected unknown names.
func configLevel(cfg *config.Config) slog.Level {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return level
}

// startPool builds a pool for the one-shot commands and launches
// servers. Launch failures are reported on stderr and do not abort
// the command; the failed servers are simply absent.
func startPool(ctx context.Context, env *runEnv, cfg *config.Config, servers []mcp.ServerConfig) *mcp.Pool {
	// One-shot commands keep stderr quiet unless something goes wrong.
	logger := newLogger(env.stderr, max(configLevel(cfg), slog.LevelWarn), cfg.LogFormat)

	pool := mcp.NewPool(mcp.PoolConfig{
		Conn:   cfg.ConnOptions(),
		Logger: logger,
	})
	res := pool.SetServers(ctx, servers)
	for name, msg := range res.Errors {
		fmt.Fprintf(env.stderr, "warning: server %s: %s\n", name, msg)
	}
	return pool
}

// stopPool shuts the pool down with a deadline covering every
// server's grace period.
func stopPool(pool *mcp.Pool, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.StopGracePeriod+5*time.Second)
	defer cancel()
	pool.Shutdown(ctx)
}

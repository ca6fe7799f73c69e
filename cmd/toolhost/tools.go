package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nugget/toolhost/internal/config"
	"github.com/nugget/toolhost/internal/mcp"
)

type toolsCmd struct {
	Server string `short:"s" help:"Only launch and list this server."`
	Export bool   `help:"Print the deduplicated catalog handed to a model, without excluded tools."`
}

func (c *toolsCmd) Run(env *runEnv) error {
	cfg, _, err := loadConfig(env.cli.Config)
	if err != nil {
		return err
	}
	servers, err := selectServers(cfg, c.Server)
	if err != nil {
		return err
	}

	pool := startPool(env.ctx, env, cfg, servers)
	defer stopPool(pool, cfg)

	tools := pool.GetAllTools()
	for _, t := range mcp.Shadowed(tools) {
		fmt.Fprintf(env.stderr, "warning: tool %s on server %s is shadowed by an earlier server; call it with --server %s\n", t.Name, t.Server, t.Server)
	}

	if c.Export {
		return printJSON(env.stdout, mcp.ExportCatalog(tools, cfg.ExcludeTools))
	}
	if env.cli.Output == "json" {
		if tools == nil {
			tools = []mcp.ServerTool{}
		}
		return printJSON(env.stdout, tools)
	}

	w := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tTOOL\tQUALIFIED NAME\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Server, t.Name, mcp.ToolName(t.Server, t.Name), firstLine(t.Description))
	}
	return w.Flush()
}

type callCmd struct {
	Tool    string        `arg:"" help:"Tool name."`
	Args    string        `arg:"" optional:"" help:"Tool arguments as a JSON object."`
	Server  string        `short:"s" help:"Call the tool on this server instead of the first one offering it."`
	Timeout time.Duration `default:"0s" help:"Override the configured request timeout."`
}

func (c *callCmd) Run(env *runEnv) error {
	var args map[string]any
	if c.Args != "" {
		if err := json.Unmarshal([]byte(c.Args), &args); err != nil {
			return fmt.Errorf("tool arguments must be a JSON object: %w", err)
		}
	}

	cfg, _, err := loadConfig(env.cli.Config)
	if err != nil {
		return err
	}
	if c.Timeout > 0 {
		cfg.RequestTimeout = c.Timeout
	}
	servers, err := selectServers(cfg, c.Server)
	if err != nil {
		return err
	}

	pool := startPool(env.ctx, env, cfg, servers)
	defer stopPool(pool, cfg)

	result, err := pool.CallTool(env.ctx, c.Tool, args, c.Server)
	if err != nil {
		return fmt.Errorf("call %s: %w", c.Tool, err)
	}

	if env.cli.Output == "json" {
		if err := printJSON(env.stdout, result); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(env.stdout, result.Text())
	}
	if result.IsError {
		return fmt.Errorf("tool %s reported an error", c.Tool)
	}
	return nil
}

// selectServers returns the enabled servers, or only the named one.
func selectServers(cfg *config.Config, name string) ([]mcp.ServerConfig, error) {
	all := cfg.MCPServers()
	if name == "" {
		return all, nil
	}
	i := slices.IndexFunc(all, func(s mcp.ServerConfig) bool { return s.Name == name })
	if i < 0 {
		return nil, errors.New("no enabled server named " + name)
	}
	return all[i : i+1], nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

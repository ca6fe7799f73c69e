// Package config handles toolhost configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/toolhost/internal/mcp"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./toolhost.yaml, ~/.config/toolhost/toolhost.yaml, /etc/toolhost/toolhost.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"toolhost.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolhost", "toolhost.yaml"))
	}

	paths = append(paths, "/etc/toolhost/toolhost.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Defaults applied by Load and Default.
const (
	DefaultRequestTimeout  = mcp.DefaultRequestTimeout
	DefaultStopGracePeriod = mcp.DefaultGracePeriod
	DefaultTopicPrefix     = "toolhost"
)

// Config holds all toolhost configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json

	// DataDir holds the tool-call usage database. Empty disables
	// usage recording.
	DataDir string `yaml:"data_dir"`

	// RequestTimeout bounds every request sent to an MCP server.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// StopGracePeriod is how long a server gets to exit after SIGTERM
	// before it is killed.
	StopGracePeriod time.Duration `yaml:"stop_grace_period"`

	Servers []ServerConfig `yaml:"servers"`

	// ExcludeTools hides tools by name from the exported catalog.
	ExcludeTools []string `yaml:"exclude_tools"`

	// Restart controls automatic restarts after a server process exits
	// on its own.
	Restart RestartConfig `yaml:"restart"`

	Listen ListenConfig `yaml:"listen"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
}

// RestartConfig is the backoff schedule for automatic restarts. Zero
// values take the supervisor's defaults (2s doubling to 60s, 10 tries).
type RestartConfig struct {
	Enabled      bool          `yaml:"enabled"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxRetries   int           `yaml:"max_retries"`
}

// ServerConfig describes one MCP server to launch.
type ServerConfig struct {
	Name     string            `yaml:"name"`
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args"`
	Env      map[string]string `yaml:"env"`
	Cwd      string            `yaml:"cwd"`
	Disabled bool              `yaml:"disabled"`
}

// ListenConfig defines the HTTP API server settings. Port 0 disables
// the API.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Enabled reports whether the API server should run.
func (l ListenConfig) Enabled() bool {
	return l.Port > 0
}

// Addr returns the host:port the API server binds.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// MQTTConfig defines the optional MQTT status mirror. An empty broker
// disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Enabled reports whether the MQTT mirror should run.
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// Load reads configuration from a YAML file. ${VAR} references are
// expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with no servers and every optional
// surface disabled.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.StopGracePeriod == 0 {
		c.StopGracePeriod = DefaultStopGracePeriod
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request_timeout must not be negative"))
	}
	if c.StopGracePeriod < 0 {
		errs = append(errs, fmt.Errorf("stop_grace_period must not be negative"))
	}
	if c.Restart.InitialDelay < 0 || c.Restart.MaxDelay < 0 || c.Restart.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("restart settings must not be negative"))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if s.Command == "" {
			errs = append(errs, fmt.Errorf("servers[%d] %q: command is required", i, s.Name))
		}
	}

	return errors.Join(errs...)
}

// MCPServers returns launch configs for every enabled server, in file
// order.
func (c *Config) MCPServers() []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, 0, len(c.Servers))
	for _, s := range c.Servers {
		if s.Disabled {
			continue
		}
		out = append(out, mcp.ServerConfig{
			Name:    s.Name,
			Command: s.Command,
			Args:    s.Args,
			Env:     s.Env,
			Cwd:     s.Cwd,
		})
	}
	return out
}

// ConnOptions returns the connection tuning derived from the config.
func (c *Config) ConnOptions() mcp.ConnOptions {
	return mcp.ConnOptions{
		RequestTimeout: c.RequestTimeout,
		GracePeriod:    c.StopGracePeriod,
	}
}

package mcp

import (
	"slices"
	"time"
)

// ConnectionStatus is the lifecycle state of a server connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusInitializing ConnectionStatus = "initializing"
	StatusReady        ConnectionStatus = "ready"
	StatusError        ConnectionStatus = "error"
)

// ServerConfig describes how to launch one server process. It is
// supplied once when the connection is created.
type ServerConfig struct {
	// Name identifies the server within a pool.
	Name string `json:"name" yaml:"name"`

	// Command is the executable to run.
	Command string `json:"command" yaml:"command"`

	// Args are command-line arguments passed to the executable.
	Args []string `json:"args,omitempty" yaml:"args"`

	// Env overrides or extends the host environment for the process.
	Env map[string]string `json:"env,omitempty" yaml:"env"`

	// Cwd is the working directory. Empty means the host's.
	Cwd string `json:"cwd,omitempty" yaml:"cwd"`
}

// Equal reports whether two configs launch the same process.
func (c ServerConfig) Equal(o ServerConfig) bool {
	if c.Name != o.Name || c.Command != o.Command || c.Cwd != o.Cwd {
		return false
	}
	if !slices.Equal(c.Args, o.Args) || len(c.Env) != len(o.Env) {
		return false
	}
	for k, v := range c.Env {
		if ov, ok := o.Env[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// ExitInfo describes how a server process ended. Code is -1 when the
// process was terminated by a signal.
type ExitInfo struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// EventKind identifies a connection lifecycle notification.
type EventKind string

const (
	EventStatusChanged EventKind = "status_changed"
	EventReady         EventKind = "ready"
	EventError         EventKind = "error"
	EventDisconnected  EventKind = "disconnected"
	EventToolsChanged  EventKind = "tools_changed"
)

// lifecycle reports whether the kind changes what the connection can
// do: ready, error and disconnected.
func (k EventKind) lifecycle() bool {
	switch k {
	case EventReady, EventError, EventDisconnected:
		return true
	}
	return false
}

// Event is a lifecycle notification published by a connection.
type Event struct {
	Kind   EventKind
	Server string
	Time   time.Time

	// Status is set for EventStatusChanged.
	Status ConnectionStatus

	// Err is set for EventError.
	Err error

	// Exit is set for EventDisconnected.
	Exit *ExitInfo
}

// ServerStatus is an external view of a connection's state.
type ServerStatus struct {
	Name       string           `json:"name"`
	Status     ConnectionStatus `json:"status"`
	ServerInfo *ServerInfo      `json:"serverInfo,omitempty"`
	LastError  string           `json:"lastError,omitempty"`
	Tools      []ToolDescriptor `json:"tools,omitempty"`
}

// SetServersResult reports what changed after a SetServers call.
type SetServersResult struct {
	Added     []string          `json:"added,omitempty"`
	Removed   []string          `json:"removed,omitempty"`
	Restarted []string          `json:"restarted,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"`
}

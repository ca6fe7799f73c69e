package mqtt

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/toolhost/internal/config"
	"github.com/nugget/toolhost/internal/events"
)

func testPublisher() *Publisher {
	cfg := config.MQTTConfig{Broker: "mqtt://localhost:1883", TopicPrefix: "lab/toolhost"}
	return New(cfg, "toolhost-test", events.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if parts := strings.Split(first, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("file content = %q, want %q", got, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestClientID(t *testing.T) {
	if got := ClientID("explicit", ""); got != "explicit" {
		t.Errorf("ClientID(explicit) = %q", got)
	}

	dir := t.TempDir()
	a, b := ClientID("", dir), ClientID("", dir)
	if a != b {
		t.Errorf("ClientID with data dir not stable: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "toolhost-") || len(a) != len("toolhost-")+12 {
		t.Errorf("ClientID = %q, want toolhost- plus 12 characters", a)
	}

	if got := ClientID("", ""); !strings.HasPrefix(got, "toolhost-") {
		t.Errorf("ClientID without data dir = %q", got)
	}
}

func TestTopicPaths(t *testing.T) {
	p := testPublisher()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availability", p.availabilityTopic(), "lab/toolhost/availability"},
		{"status", p.statusTopic("files"), "lab/toolhost/servers/files/status"},
		{"events", p.eventsTopic("files"), "lab/toolhost/servers/files/events"},
		{"config", p.configTopic(), "lab/toolhost/config/events"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestDefaultTopicPrefix(t *testing.T) {
	p := New(config.MQTTConfig{Broker: "mqtt://localhost"}, "id", events.New(), nil)
	if got := p.availabilityTopic(); got != "toolhost/availability" {
		t.Errorf("availabilityTopic() = %q, want %q", got, "toolhost/availability")
	}
}

func TestMessagesFor(t *testing.T) {
	p := testPublisher()

	t.Run("status change", func(t *testing.T) {
		msgs := p.messagesFor(events.Event{
			Source: events.SourceMCP,
			Kind:   events.KindStatusChanged,
			Data:   map[string]any{"server": "files", "status": "ready"},
		})
		if len(msgs) != 2 {
			t.Fatalf("got %d messages, want 2", len(msgs))
		}
		if msgs[0].topic != "lab/toolhost/servers/files/events" || msgs[0].retain {
			t.Errorf("event message = %+v", msgs[0])
		}
		var decoded events.Event
		if err := json.Unmarshal(msgs[0].payload, &decoded); err != nil {
			t.Fatalf("event payload not JSON: %v", err)
		}
		if decoded.Kind != events.KindStatusChanged {
			t.Errorf("payload kind = %q", decoded.Kind)
		}

		status := msgs[1]
		if status.topic != "lab/toolhost/servers/files/status" || string(status.payload) != "ready" {
			t.Errorf("status message = %s %q", status.topic, status.payload)
		}
		if !status.retain || status.qos != 1 {
			t.Errorf("status message retain=%v qos=%d, want retained QoS 1", status.retain, status.qos)
		}
	})

	t.Run("tool call", func(t *testing.T) {
		msgs := p.messagesFor(events.Event{
			Source: events.SourceMCP,
			Kind:   events.KindToolDone,
			Data:   map[string]any{"server": "git", "tool": "log", "ok": true},
		})
		if len(msgs) != 1 || msgs[0].topic != "lab/toolhost/servers/git/events" {
			t.Errorf("messages = %+v", msgs)
		}
	})

	t.Run("config reload", func(t *testing.T) {
		msgs := p.messagesFor(events.Event{Source: events.SourceConfig, Kind: events.KindReloaded})
		if len(msgs) != 1 || msgs[0].topic != "lab/toolhost/config/events" {
			t.Errorf("messages = %+v", msgs)
		}
	})

	t.Run("ignored", func(t *testing.T) {
		if msgs := p.messagesFor(events.Event{Source: events.SourceMCP, Kind: events.KindReady}); len(msgs) != 0 {
			t.Errorf("event without server produced %d messages", len(msgs))
		}
		if msgs := p.messagesFor(events.Event{Source: "other", Kind: "x"}); len(msgs) != 0 {
			t.Errorf("unknown source produced %d messages", len(msgs))
		}
	})
}

func TestStatusMessagesRepublish(t *testing.T) {
	p := testPublisher()
	for _, s := range []struct{ server, status string }{
		{"web", "initializing"},
		{"files", "ready"},
		{"web", "error"},
	} {
		p.messagesFor(events.Event{
			Source: events.SourceMCP,
			Kind:   events.KindStatusChanged,
			Data:   map[string]any{"server": s.server, "status": s.status},
		})
	}

	msgs := p.statusMessages()
	if len(msgs) != 2 {
		t.Fatalf("got %d status messages, want 2", len(msgs))
	}
	if msgs[0].topic != "lab/toolhost/servers/files/status" || string(msgs[0].payload) != "ready" {
		t.Errorf("first = %s %q", msgs[0].topic, msgs[0].payload)
	}
	if msgs[1].topic != "lab/toolhost/servers/web/status" || string(msgs[1].payload) != "error" {
		t.Errorf("second = %s %q", msgs[1].topic, msgs[1].payload)
	}
}

func TestStopWithoutStart(t *testing.T) {
	if err := testPublisher().Stop(t.Context()); err != nil {
		t.Errorf("Stop() before Start = %v, want nil", err)
	}
}

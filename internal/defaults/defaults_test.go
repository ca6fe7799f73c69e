package defaults

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nugget/toolhost/internal/config"
)

func TestExampleConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolhost.yaml")
	if err := os.WriteFile(path, ConfigYAML, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(example) error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("example config does not validate: %v", err)
	}

	if len(cfg.Servers) != 3 {
		t.Errorf("example lists %d servers, want 3", len(cfg.Servers))
	}
	if got := cfg.MCPServers(); len(got) != 1 || got[0].Name != "files" {
		t.Errorf("enabled servers = %+v, want only files", got)
	}
	if cfg.Listen.Enabled() || cfg.MQTT.Enabled() || cfg.Restart.Enabled {
		t.Error("example config should leave optional surfaces disabled")
	}
}

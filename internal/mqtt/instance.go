package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateInstanceID reads the instance ID persisted in dataDir, or
// generates a UUIDv7 and writes it there. The ID keeps the MQTT client
// identity stable across restarts.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return id.String(), nil
}

// ClientID picks the MQTT client identifier: the configured one if set,
// otherwise "toolhost-" plus the tail of the persistent instance ID.
// Without a data dir a random suffix is used.
func ClientID(configured, dataDir string) string {
	if configured != "" {
		return configured
	}
	id := ""
	if dataDir != "" {
		id, _ = LoadOrCreateInstanceID(dataDir)
	}
	if id == "" {
		id = uuid.NewString()
	}
	if len(id) > 12 {
		id = id[len(id)-12:]
	}
	return "toolhost-" + id
}

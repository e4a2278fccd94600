package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/ohmpub/internal/topic"
)

// LoadOrCreateInstanceID reads the instance ID from a file in dataDir,
// or generates a new UUIDv7 and persists it if the file does not exist.
// The instance ID keeps the MQTT client id stable across restarts, so a
// broker holding session state recognizes the publisher.
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

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data directory %s: %w", dataDir, err)
	}
	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}

	return idStr, nil
}

// ClientID returns the MQTT client id. An explicitly configured id wins;
// otherwise it is "ohmpub-{node}-{last 12 hex digits of the instance id}".
// The tail of a UUIDv7 is random, the head is a timestamp.
func ClientID(configured, machine, instanceID string) string {
	if configured != "" {
		return configured
	}
	suffix := strings.ReplaceAll(instanceID, "-", "")
	if len(suffix) > 12 {
		suffix = suffix[len(suffix)-12:]
	}
	id := "ohmpub-" + topic.NodeID(machine)
	if suffix != "" {
		id += "-" + suffix
	}
	return id
}

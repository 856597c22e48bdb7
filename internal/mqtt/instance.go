package mqtt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// instanceFile holds the device identifier under the data directory.
const instanceFile = "mqtt_instance_id"

// LoadOrCreateInstanceID returns the persisted device identifier from
// dataDir, creating the directory and a fresh UUIDv7 on first use. Home
// Assistant keys entities on this id, so renaming device_name keeps
// their history. A present but unparsable file is an error rather than
// a silent regeneration, which would orphan every existing entity.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		raw := strings.TrimSpace(string(data))
		if raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				return "", fmt.Errorf("instance ID in %s: %w", path, err)
			}
			return id.String(), nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("read instance ID: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data directory %s: %w", dataDir, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	// Write then rename so a crash never leaves a truncated id behind.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return id.String(), nil
}

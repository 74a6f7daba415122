package modelstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ManifestFilename is the metadata file written into the model directory
// after each sync.
const ManifestFilename = "download_metadata.json"

// Manifest records the outcome of a model sync
type Manifest struct {
	DownloadedAt time.Time `json:"downloaded_at"`
	Bucket       string    `json:"bucket"`
	Endpoint     string    `json:"endpoint"`
	TotalObjects int       `json:"total_objects"`
	Succeeded    int       `json:"succeeded"`
	Failed       int       `json:"failed"`
	Skipped      int       `json:"skipped"`
	TotalBytes   int64     `json:"total_bytes"`
}

// WriteManifest writes the manifest into the model directory
func WriteManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	path := filepath.Join(dir, ManifestFilename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}

// ReadManifest reads the manifest from the model directory.
// Returns os.ErrNotExist wrapped if no sync has completed yet.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	return &m, nil
}

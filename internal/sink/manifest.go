package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const ManifestFile = "manifest.yaml"

// Manifest summarises one run next to its output files.
type Manifest struct {
	RunID       string          `yaml:"run_id"`
	GeneratedAt time.Time       `yaml:"generated_at"`
	Timeframe   string          `yaml:"timeframe"`
	Start       string          `yaml:"start"`
	End         string          `yaml:"end"`
	Policy      string          `yaml:"policy"`
	Format      string          `yaml:"format"`
	Elapsed     string          `yaml:"elapsed"`
	Error       string          `yaml:"error,omitempty"`
	Symbols     []ManifestEntry `yaml:"symbols"`
}

type ManifestEntry struct {
	Symbol   string `yaml:"symbol"`
	Rows     int    `yaml:"rows"`
	First    string `yaml:"first,omitempty"`
	Last     string `yaml:"last,omitempty"`
	Location string `yaml:"location,omitempty"`
	Error    string `yaml:"error,omitempty"`
}

func WriteManifest(dir string, m Manifest) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	raw, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	path := filepath.Join(dir, ManifestFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}

func ReadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return m, nil
}

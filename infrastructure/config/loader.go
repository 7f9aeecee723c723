package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader layers YAML files from one directory onto a Config. The layers,
// lowest priority first, are base.yaml, <environment>.yaml and, in
// development, local.yaml. Missing files are skipped.
type Loader struct {
	dir         string
	environment string
}

// NewLoader creates a loader for dir.
func NewLoader(dir, environment string) *Loader {
	return &Loader{dir: dir, environment: strings.ToLower(environment)}
}

// Files returns the paths the loader reads, in order.
func (l *Loader) Files() []string {
	names := []string{"base", l.environment}
	if l.environment == "development" {
		names = append(names, "local")
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != "" {
			out = append(out, filepath.Join(l.dir, n+".yaml"))
		}
	}
	return out
}

// Apply decodes every present layer onto cfg.
func (l *Loader) Apply(cfg *Config) error {
	for _, path := range l.Files() {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		cfg.LoadedFrom = append(cfg.LoadedFrom, path)
	}
	return nil
}

// Reconcile reloads only the timing knobs: defaults, then the layers, then
// the environment.
func (l *Loader) Reconcile() (ReconcileConfig, error) {
	cfg := Defaults()
	if err := l.Apply(cfg); err != nil {
		return ReconcileConfig{}, err
	}
	applyEnv(cfg)
	if err := cfg.Reconcile.Validate(); err != nil {
		return ReconcileConfig{}, err
	}
	return cfg.Reconcile, nil
}

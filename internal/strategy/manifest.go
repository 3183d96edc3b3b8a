package strategy

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ParamSpec describes one parameter a plugin.yaml manifest declares for
// its plugin, used to validate a Config.Parameters map before a strategy
// is loaded.
type ParamSpec struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	Min      *float64 `yaml:"min,omitempty"`
	Max      *float64 `yaml:"max,omitempty"`
	Required bool     `yaml:"required"`
}

// Manifest is one plugin.yaml: name/version/description plus the
// parameter schema LoadStrategy validates a Config against.
type Manifest struct {
	Name        string      `yaml:"name"`
	Version     string      `yaml:"version"`
	Description string      `yaml:"description"`
	Parameters  []ParamSpec `yaml:"parameters"`
}

// LoadManifests scans dir for one plugin.yaml per immediate
// subdirectory (pkg/plugins/<name>/plugin.yaml is the expected layout)
// and parses each into a Manifest keyed by its declared Name. A dir
// entry with no plugin.yaml is skipped rather than treated as an error,
// since not every subdirectory need carry a manifest.
func LoadManifests(dir string) (map[string]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("strategy.LoadManifests: %w", err)
	}

	out := make(map[string]Manifest)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), "plugin.yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("strategy.LoadManifests: %s: %w", path, err)
		}

		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("strategy.LoadManifests: %s: %w", path, err)
		}
		if m.Name == "" {
			return nil, fmt.Errorf("strategy.LoadManifests: %s: missing name", path)
		}
		out[m.Name] = m
	}
	return out, nil
}

// ReloadPlugins re-scans dir for plugin.yaml manifests and replaces the
// scheduler's manifest set, so the next LoadStrategy call for each
// plugin name validates against the current on-disk schema. It does not
// touch strategies already loaded.
func (s *Scheduler) ReloadPlugins(dir string) error {
	manifests, err := LoadManifests(dir)
	if err != nil {
		return fmt.Errorf("strategy.ReloadPlugins: %w", err)
	}
	s.mu.Lock()
	s.manifests = manifests
	s.mu.Unlock()
	return nil
}

// validateParameters checks cfg.Parameters against the manifest
// registered for pluginName, if any. A plugin with no manifest (e.g. a
// built-in with no plugin.yaml on disk) is not validated — manifests
// are advisory schema, not a precondition for every plugin.
func (s *Scheduler) validateParameters(pluginName string, cfg Config) error {
	s.mu.RLock()
	m, ok := s.manifests[pluginName]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	for _, spec := range m.Parameters {
		v, present := cfg.Parameters[spec.Name]
		if !present {
			if spec.Required {
				return fmt.Errorf("strategy.validateParameters: %s: missing required parameter %q", pluginName, spec.Name)
			}
			continue
		}
		f, ok := v.(float64)
		if !ok {
			continue
		}
		if spec.Min != nil && f < *spec.Min {
			return fmt.Errorf("strategy.validateParameters: %s: parameter %q = %v below minimum %v", pluginName, spec.Name, f, *spec.Min)
		}
		if spec.Max != nil && f > *spec.Max {
			return fmt.Errorf("strategy.validateParameters: %s: parameter %q = %v above maximum %v", pluginName, spec.Name, f, *spec.Max)
		}
	}
	return nil
}

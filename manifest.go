package ringside

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest declares the tables a client replicates:
//
//	version: 1
//	license: "akc-4417"
//	tables:
//	  - name: classes
//	    ttl: 60s
//	    prefetch: 8
//	  - name: entries
//	    ttl: 30s
//	    prefetch: 5
//	    realtime: true
type Manifest struct {
	Version int             `yaml:"version"`
	License string          `yaml:"license,omitempty"`
	Tables  []ManifestTable `yaml:"tables"`
}

// ManifestTable declares one replicated table.
type ManifestTable struct {
	// Name is the remote table name.
	Name string `yaml:"name"`

	// TTL is the cache freshness window for the table's resources, as a
	// duration string ("30s", "5m"). Empty uses the cache default.
	TTL string `yaml:"ttl,omitempty"`

	// Prefetch, when nonzero, schedules a warm-up fetch on open with this
	// priority.
	Prefetch int `yaml:"prefetch,omitempty"`

	// Realtime subscribes the table on the event feed.
	Realtime bool `yaml:"realtime,omitempty"`
}

// ParseManifest parses a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: invalid YAML: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest parses a YAML manifest from a file path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: cannot read %s: %w", path, err)
	}
	return ParseManifest(data)
}

// Validate checks the manifest for structural correctness.
func (m *Manifest) Validate() error {
	if m.Version != 1 {
		return fmt.Errorf("manifest: unsupported version %d", m.Version)
	}
	if len(m.Tables) == 0 {
		return fmt.Errorf("manifest: at least one table is required")
	}

	seen := make(map[string]bool, len(m.Tables))
	for _, t := range m.Tables {
		if err := ValidateTableName(t.Name); err != nil {
			return fmt.Errorf("manifest: table %q: %w", t.Name, err)
		}
		if seen[t.Name] {
			return fmt.Errorf("manifest: table %q declared twice", t.Name)
		}
		seen[t.Name] = true

		if _, err := t.ttl(); err != nil {
			return fmt.Errorf("manifest: table %q: %w", t.Name, err)
		}
	}
	return nil
}

// ttl parses the table's TTL string; zero means unset.
func (t ManifestTable) ttl() (time.Duration, error) {
	if t.TTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(t.TTL)
	if err != nil {
		return 0, fmt.Errorf("invalid ttl %q: %w", t.TTL, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid ttl %q: negative", t.TTL)
	}
	return d, nil
}

// apply folds the manifest into a client config: license, table
// registration order, per-table TTLs, prefetch priorities, and realtime
// subscriptions. Values already set on the config win over the manifest.
func (m *Manifest) apply(cfg *Config) {
	if m.License != "" && cfg.LicenseID == "" {
		cfg.LicenseID = m.License
	}

	for _, t := range m.Tables {
		if !slices.Contains(cfg.Sync.Tables, t.Name) {
			cfg.Sync.Tables = append(cfg.Sync.Tables, t.Name)
		}

		if d, _ := t.ttl(); d > 0 {
			if cfg.TableTTLs == nil {
				cfg.TableTTLs = make(map[string]time.Duration)
			}
			if _, ok := cfg.TableTTLs[t.Name]; !ok {
				cfg.TableTTLs[t.Name] = d
			}
		}

		if t.Prefetch != 0 {
			if cfg.PrefetchPriorities == nil {
				cfg.PrefetchPriorities = make(map[string]int)
			}
			if _, ok := cfg.PrefetchPriorities[t.Name]; !ok {
				cfg.PrefetchPriorities[t.Name] = t.Prefetch
			}
		}

		if t.Realtime && !slices.Contains(cfg.Realtime.Tables, t.Name) {
			cfg.Realtime.Tables = append(cfg.Realtime.Tables, t.Name)
		}
	}
}

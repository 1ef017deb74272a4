// Package config loads the mirrord daemon configuration.
//
// The config is a YAML file, /etc/mirrord/mirrord.yaml by default, naming the
// local cluster, the lab catalog and the peers to mirror from.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mirrord"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath      = "/etc/mirrord/mirrord.yaml"
	DefaultCatalog   = "/var/lib/mirrord/catalog.db"
	DefaultInitRetry = 30 * time.Second

	// PathEnv overrides DefaultPath when --config is not given.
	PathEnv = "MIRRORD_CONFIG"
)

// Peer is one remote cluster to mirror from.
type Peer struct {
	Connection string `yaml:"connection"`
	Cluster    string `yaml:"cluster"`
	UUID       string `yaml:"uuid"`
	// ConfigPath is handed to the remote session before connecting.
	ConfigPath string `yaml:"config_path,omitempty"`
}

type Config struct {
	LocalCluster string        `yaml:"local_cluster"`
	Catalog      string        `yaml:"catalog"`
	LogLevel     string        `yaml:"log_level,omitempty"`
	InitRetry    time.Duration `yaml:"init_retry,omitempty"`
	Peers        []Peer        `yaml:"peers"`
}

// ValidationError lists every problem found in a config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// Path resolves the config location: explicit flag value, then
// MIRRORD_CONFIG, then DefaultPath.
func Path(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(PathEnv); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads, defaults and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path, creating directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Catalog == "" {
		c.Catalog = DefaultCatalog
	}
	if c.InitRetry == 0 {
		c.InitRetry = DefaultInitRetry
	}
	for i := range c.Peers {
		c.Peers[i].UUID = strings.ToLower(strings.TrimSpace(c.Peers[i].UUID))
	}
}

func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.LocalCluster) == "" {
		problems = append(problems, "local_cluster is required")
	}
	if strings.TrimSpace(c.Catalog) == "" {
		problems = append(problems, "catalog is required")
	}
	if c.InitRetry <= 0 {
		problems = append(problems, "init_retry must be positive")
	}

	seen := make(map[string]int, len(c.Peers))
	for i, p := range c.Peers {
		if strings.TrimSpace(p.Connection) == "" {
			problems = append(problems, fmt.Sprintf("peers[%d]: connection is required", i))
		}
		if strings.TrimSpace(p.Cluster) == "" {
			problems = append(problems, fmt.Sprintf("peers[%d]: cluster is required", i))
		}
		if _, err := uuid.Parse(p.UUID); err != nil {
			problems = append(problems, fmt.Sprintf("peers[%d]: uuid %q: %v", i, p.UUID, err))
		}
		id := p.Cluster + "/" + p.UUID
		if j, ok := seen[id]; ok {
			problems = append(problems, fmt.Sprintf("peers[%d]: duplicates peers[%d]", i, j))
			continue
		}
		seen[id] = i
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// MirrordPeers converts the configured peers to their runtime identity.
func (c *Config) MirrordPeers() []mirrord.Peer {
	out := make([]mirrord.Peer, 0, len(c.Peers))
	for _, p := range c.Peers {
		out = append(out, mirrord.Peer{
			ConnectionName: p.Connection,
			ClusterName:    p.Cluster,
			ClusterUUID:    p.UUID,
		})
	}
	return out
}

// FindPeer returns the configured peer for cluster.
func (c *Config) FindPeer(cluster string) (Peer, error) {
	for _, p := range c.Peers {
		if p.Cluster == cluster {
			return p, nil
		}
	}
	return Peer{}, fmt.Errorf("peer %q is not configured", cluster)
}

// IsValidation reports whether err came from Validate.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// NodeProfile is a named YAML overlay for a node deployment: which
// backends it runs, its quota knobs, and its telemetry wiring.
type NodeProfile struct {
	Name          string              `yaml:"name" json:"name"`
	CommitLog     BackendConfig       `yaml:"commit_log" json:"commit_log"`
	Storage       BackendConfig       `yaml:"storage" json:"storage"`
	Keystore      BackendConfig       `yaml:"keystore" json:"keystore"`
	Limits        LimitsConfig        `yaml:"limits" json:"limits"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// BackendConfig selects one persistence backend.
type BackendConfig struct {
	Kind string `yaml:"kind" json:"kind"` // "memory" | "sqlite" | "postgres" | "redis"
	DSN  string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	Addr string `yaml:"addr,omitempty" json:"addr,omitempty"`
	DB   int    `yaml:"db,omitempty" json:"db,omitempty"`
}

// LimitsConfig holds node-level quota knobs.
type LimitsConfig struct {
	IORatePerSecond float64 `yaml:"io_rate_per_second,omitempty" json:"io_rate_per_second,omitempty"`
	IOBurst         int     `yaml:"io_burst,omitempty" json:"io_burst,omitempty"`
}

// ObservabilityConfig holds the telemetry overlay.
type ObservabilityConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`
	SampleRate   float64 `yaml:"sample_rate,omitempty" json:"sample_rate,omitempty"`
}

// LoadProfile loads a node profile YAML by name from the profiles
// directory, looking for profile_<name>.yaml.
func LoadProfile(profilesDir, name string) (*NodeProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile NodeProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	return &profile, nil
}

// Apply overlays the profile onto an environment-derived Config.
func (p *NodeProfile) Apply(cfg *Config) {
	if p.CommitLog.Kind != "" {
		cfg.CommitLogBackend = p.CommitLog.Kind
	}
	if p.CommitLog.DSN != "" {
		cfg.CommitLogDSN = p.CommitLog.DSN
	}
	if p.Storage.Kind != "" {
		cfg.StorageBackend = p.Storage.Kind
	}
	if p.Storage.DSN != "" {
		cfg.StorageDSN = p.Storage.DSN
	}
	if p.Keystore.Kind != "" {
		cfg.KeystoreBackend = p.Keystore.Kind
	}
	if p.Keystore.DSN != "" {
		cfg.KeystoreDSN = p.Keystore.DSN
	}
	if p.Storage.Addr != "" {
		cfg.RedisAddr = p.Storage.Addr
		cfg.RedisDB = p.Storage.DB
	}
	if p.Limits.IORatePerSecond > 0 {
		cfg.IORateLimit = p.Limits.IORatePerSecond
	}
	if p.Limits.IOBurst > 0 {
		cfg.IOBurst = p.Limits.IOBurst
	}
	if p.Observability.Enabled {
		cfg.TelemetryEnabled = true
	}
	if p.Observability.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = p.Observability.OTLPEndpoint
	}
}

// Package config provides configuration loading and validation for the
// router daemon.
//
// Configuration file: /etc/router/config.yaml (default)
// Schema version: 1
//
// The file is read once at startup. There is no hot-reload: the daemon
// does not handle SIGHUP, and a changed file takes effect on restart.
//
// Validation:
//   - All required fields must be present.
//   - File paths are checked for presence only; relative paths are
//     accepted.
//   - Invalid config on startup: the daemon refuses to start (fatal
//     error).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime hold placeholder values unless set at
// link time with -ldflags -X; no build script in this repository sets them.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// DefaultLedgerDBPath is the default BoltDB demotion-ledger path.
const DefaultLedgerDBPath = "/var/lib/router/ledger.db"

// Config is the root configuration structure for the router daemon.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is a unique identifier for this router instance, used
	// only in ledger entries and operator surface output. Default:
	// hostname.
	NodeID string `yaml:"node_id"`

	Spine     SpineConfig     `yaml:"spine"`
	Authority AuthorityConfig `yaml:"authority"`
	Kernel    KernelConfig    `yaml:"kernel"`
	Ledger    LedgerConfig    `yaml:"ledger"`

	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// SpineConfig configures the event spine reader/emitter.
type SpineConfig struct {
	// Path is the absolute path to event_spine.jsonl.
	Path string `yaml:"path"`

	// PollInterval is the tail poll interval. Default: 1s, floor 100ms.
	PollInterval time.Duration `yaml:"poll_interval"`

	// SkipExistingOnStart, when true, skips to end-of-file before
	// tailing instead of replaying full history at startup. Default:
	// false (full replay).
	SkipExistingOnStart bool `yaml:"skip_existing_on_start"`
}

// AuthorityConfig configures certificate-bound authority binding.
type AuthorityConfig struct {
	// CertPath is the path to the promotion certificate. Empty means
	// the daemon starts and stays at v0.1.
	CertPath string `yaml:"cert_path"`

	// BuildMetaPath is the path to the build-meta JSON file listing
	// critical source file hashes.
	BuildMetaPath string `yaml:"build_meta_path"`

	// PublicKeyB64 is the base64-encoded Ed25519 public key embedded
	// at build time, used to verify cert_sig.
	PublicKeyB64 string `yaml:"public_key_b64"`

	// AllowLegacyCert permits the deprecated self-hash fallback when
	// cert_sig is absent. Default: false. Dev-only.
	AllowLegacyCert bool `yaml:"allow_legacy_cert"`
}

// KernelConfig selects and configures the envelope kernel.
type KernelConfig struct {
	// Name selects a registered kernel: "mock" or "mc_local".
	// Default: "mc_local".
	Name string `yaml:"name"`

	// HorizonMinutes is the requested slice horizon for the mc_local
	// kernel. Default: 5.
	HorizonMinutes int `yaml:"horizon_minutes"`
}

// LedgerConfig configures the BoltDB demotion ledger.
type LedgerConfig struct {
	// DBPath is the absolute path to the ledger BoltDB file.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the demotion-entry retention period. Default: 90.
	RetentionDays int `yaml:"retention_days"`
}

// OperatorConfig holds the operator control-surface parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for the operator CLI.
	// Permissions: 0600. Default: /run/router/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active.
	// Default: true.
	Enabled bool `yaml:"enabled"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Spine: SpineConfig{
			Path:         "/var/lib/router/event_spine.jsonl",
			PollInterval: time.Second,
		},
		Authority: AuthorityConfig{
			AllowLegacyCert: false,
		},
		Kernel: KernelConfig{
			Name:           "mc_local",
			HorizonMinutes: 5,
		},
		Ledger: LedgerConfig{
			DBPath:        DefaultLedgerDBPath,
			RetentionDays: 90,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/router/operator.sock",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

var validKernels = map[string]bool{"mock": true, "mc_local": true}

// Validate checks all config fields for correctness. Returns a
// descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Spine.Path == "" {
		errs = append(errs, "spine.path must not be empty")
	}
	if cfg.Spine.PollInterval < 100*time.Millisecond {
		errs = append(errs, fmt.Sprintf("spine.poll_interval must be >= 100ms, got %s", cfg.Spine.PollInterval))
	}
	if !validKernels[cfg.Kernel.Name] {
		errs = append(errs, fmt.Sprintf("kernel.name must be one of mock, mc_local; got %q", cfg.Kernel.Name))
	}
	if cfg.Kernel.HorizonMinutes < 1 {
		errs = append(errs, fmt.Sprintf("kernel.horizon_minutes must be >= 1, got %d", cfg.Kernel.HorizonMinutes))
	}
	if cfg.Ledger.DBPath == "" {
		errs = append(errs, "ledger.db_path must not be empty")
	}
	if cfg.Ledger.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("ledger.retention_days must be >= 1, got %d", cfg.Ledger.RetentionDays))
	}
	if cfg.Authority.CertPath != "" && cfg.Authority.BuildMetaPath == "" {
		errs = append(errs, "authority.build_meta_path is required when authority.cert_path is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}

// Package config loads nodefleet's YAML configuration.
//
// The file is located by the --config flag or the NODEFLEET_CONFIG
// environment variable. Without either, Default() is used. Values in the
// file are merged over the defaults, so a file only needs the keys it
// changes. Path fields may reference ${NODEFLEET_ROOT}, ${HOME} or any
// environment variable, with ${VAR:-default} fallbacks.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "NODEFLEET_CONFIG"

type Config struct {
	Paths     PathsConfig     `yaml:"paths"`
	Allocator AllocatorConfig `yaml:"allocator"`
	Service   ServiceConfig   `yaml:"service"`
	Release   ReleaseConfig   `yaml:"release"`
	Health    HealthConfig    `yaml:"health"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Audit     AuditConfig     `yaml:"audit"`
	Log       LogConfig       `yaml:"log"`
}

type PathsConfig struct {
	// Root is the state directory referenced as ${NODEFLEET_ROOT}.
	Root string `yaml:"root"`

	// Registry is the JSON file holding instance records.
	Registry string `yaml:"registry"`

	// ServicesDir holds one data directory per instance, which also
	// contains the instance's copy of the node binary.
	ServicesDir string `yaml:"services_dir"`

	LogRoot string `yaml:"log_root"`

	ReleaseCache string `yaml:"release_cache"`

	AuditDB string `yaml:"audit_db"`

	// ControlSecret signs control-plane queries. Generated on first use.
	ControlSecret string `yaml:"control_secret"`
}

type AuditConfig struct {
	// Retention is how long lifecycle events are kept. Older events are
	// pruned by every mutating command. Zero keeps everything.
	Retention time.Duration `yaml:"retention"`
}

type AllocatorConfig struct {
	BasePort   int    `yaml:"base_port"`
	MaxPort    int    `yaml:"max_port"`
	Prefix     string `yaml:"prefix"`
	BinaryName string `yaml:"binary_name"`
}

type ServiceConfig struct {
	// DefaultUser runs instances when install is given no --user.
	DefaultUser string `yaml:"default_user"`
	UnitDir     string `yaml:"unit_dir"`
	UnitPrefix  string `yaml:"unit_prefix"`
	// Socket overrides the systemd private bus socket.
	Socket string `yaml:"socket"`
}

type ReleaseConfig struct {
	// RepositoryURL holds releases.json. Installs need either this or an
	// explicit --binary.
	RepositoryURL string        `yaml:"repository_url"`
	Platform      string        `yaml:"platform"`
	Timeout       time.Duration `yaml:"timeout"`
}

type HealthConfig struct {
	Attempts       int           `yaml:"attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type MetricsConfig struct {
	// Textfile is written after every invocation. Empty disables metrics.
	Textfile string `yaml:"textfile"`
}

type LogConfig struct {
	// Format is "text" or "json".
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			Root:          "/var/lib/nodefleet",
			Registry:      "${NODEFLEET_ROOT}/registry.json",
			ServicesDir:   "${NODEFLEET_ROOT}/services",
			LogRoot:       "/var/log/nodefleet",
			ReleaseCache:  "${NODEFLEET_ROOT}/releases",
			AuditDB:       "${NODEFLEET_ROOT}/audit.db",
			ControlSecret: "${NODEFLEET_ROOT}/control.key",
		},
		Allocator: AllocatorConfig{
			BasePort:   12001,
			MaxPort:    65535,
			Prefix:     "node",
			BinaryName: "node",
		},
		Service: ServiceConfig{
			DefaultUser: "nodefleet",
			UnitDir:     "/etc/systemd/system",
			UnitPrefix:  "nodefleet-",
		},
		Release: ReleaseConfig{
			Timeout: 5 * time.Minute,
		},
		Health: HealthConfig{
			Attempts:       10,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			RequestTimeout: 2 * time.Second,
		},
		Audit: AuditConfig{
			Retention: 90 * 24 * time.Hour,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load reads the file named by NODEFLEET_CONFIG, or returns the expanded
// defaults when it is unset.
func Load() (*Config, error) {
	if path := os.Getenv(EnvConfig); path != "" {
		return LoadFile(path)
	}
	cfg := Default()
	cfg.expandVariables()
	return cfg, cfg.Validate()
}

// LoadFile reads path over the defaults, expands variables and validates
// the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrators cannot work with.
func (c *Config) Validate() error {
	a := c.Allocator
	if a.BasePort < 1 || a.BasePort > 65535 {
		return fmt.Errorf("allocator.base_port %d out of range 1-65535", a.BasePort)
	}
	if a.MaxPort < a.BasePort || a.MaxPort > 65535 {
		return fmt.Errorf("allocator.max_port %d must be between base_port and 65535", a.MaxPort)
	}
	if a.Prefix == "" || strings.ContainsAny(a.Prefix, "/ \t") {
		return fmt.Errorf("allocator.prefix %q must be non-empty without slashes or spaces", a.Prefix)
	}
	if a.BinaryName == "" || strings.Contains(a.BinaryName, "/") {
		return fmt.Errorf("allocator.binary_name %q must be a plain file name", a.BinaryName)
	}

	for name, value := range map[string]string{
		"paths.registry":       c.Paths.Registry,
		"paths.services_dir":   c.Paths.ServicesDir,
		"paths.log_root":       c.Paths.LogRoot,
		"paths.release_cache":  c.Paths.ReleaseCache,
		"paths.control_secret": c.Paths.ControlSecret,
	} {
		if value == "" {
			return fmt.Errorf("%s must be set", name)
		}
	}

	h := c.Health
	if h.Attempts < 1 {
		return fmt.Errorf("health.attempts must be at least 1")
	}
	if h.InitialBackoff <= 0 || h.MaxBackoff < h.InitialBackoff {
		return fmt.Errorf("health backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if h.RequestTimeout <= 0 {
		return fmt.Errorf("health.request_timeout must be positive")
	}

	if c.Service.DefaultUser == "" {
		return fmt.Errorf("service.default_user must be set")
	}
	if c.Audit.Retention < 0 {
		return fmt.Errorf("audit.retention must not be negative")
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"NODEFLEET_ROOT": c.Paths.Root,
		"HOME":           os.Getenv("HOME"),
	}

	c.Paths.Root = filepath.Clean(expandVars(c.Paths.Root, vars))
	vars["NODEFLEET_ROOT"] = c.Paths.Root

	for _, p := range []*string{
		&c.Paths.Registry,
		&c.Paths.ServicesDir,
		&c.Paths.LogRoot,
		&c.Paths.ReleaseCache,
		&c.Paths.AuditDB,
		&c.Paths.ControlSecret,
		&c.Metrics.Textfile,
	} {
		*p = expandVars(*p, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

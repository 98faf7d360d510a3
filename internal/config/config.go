// Package config provides YAML-based configuration loading for Chorus.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Chorus configuration, loaded from config.yaml.
// The bot token is deliberately not part of the file; it comes from the
// BOT_TOKEN environment variable so config files stay shareable.
type Config struct {
	OperatorID     int64  `yaml:"operator_id"`
	SupportContact string `yaml:"support_contact"`

	// Default MTProto application credentials used when the operator picks
	// "use default api" during enrollment.
	APIID   int    `yaml:"api_id"`
	APIHash string `yaml:"api_hash"`

	PerClientCallCap        int `yaml:"per_client_call_cap"`
	IdleReconnectMinutes    int `yaml:"idle_reconnect_minutes"`
	AutoLeaveTimeoutMinutes int `yaml:"auto_leave_timeout_minutes"`
	EnrollmentTTLMinutes    int `yaml:"enrollment_ttl_minutes"`
	NotifyCoalesceSeconds   int `yaml:"notify_coalesce_seconds"`
	RequestTimeoutSeconds   int `yaml:"request_timeout_seconds"`

	Database  DatabaseConfig  `yaml:"database"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Loops     LoopsConfig     `yaml:"loops"`
}

// DatabaseConfig selects the storage backend. The default is an embedded
// SQLite file; mysql is available for deployments that share one server.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "mysql"
	Path   string `yaml:"path"`   // sqlite file path
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Name   string `yaml:"name"`
	User   string `yaml:"user"`
}

// DashboardConfig controls the HTTP status dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoopsConfig holds the cadences of the background lifecycle loops.
type LoopsConfig struct {
	HealthProbeMinutes int `yaml:"health_probe_minutes"`
	IdleCleanupMinutes int `yaml:"idle_cleanup_minutes"`
	SessionGCSeconds   int `yaml:"session_gc_seconds"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.PerClientCallCap == 0 {
		c.PerClientCallCap = 10
	}
	if c.IdleReconnectMinutes == 0 {
		c.IdleReconnectMinutes = 30
	}
	if c.AutoLeaveTimeoutMinutes == 0 {
		c.AutoLeaveTimeoutMinutes = 5
	}
	if c.EnrollmentTTLMinutes == 0 {
		c.EnrollmentTTLMinutes = 15
	}
	if c.NotifyCoalesceSeconds == 0 {
		c.NotifyCoalesceSeconds = 60
	}
	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = 15
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "chorus.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "chorus"
		}
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Loops.HealthProbeMinutes == 0 {
		c.Loops.HealthProbeMinutes = 3
	}
	if c.Loops.IdleCleanupMinutes == 0 {
		c.Loops.IdleCleanupMinutes = 30
	}
	if c.Loops.SessionGCSeconds == 0 {
		c.Loops.SessionGCSeconds = 60
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.OperatorID == 0 {
		errs = append(errs, "operator_id is required")
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}
	if c.PerClientCallCap < 1 {
		errs = append(errs, "per_client_call_cap must be at least 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

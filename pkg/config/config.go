// Package config holds the single typed configuration struct for
// gv50ingest, loaded from one YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete application configuration.
type Config struct {
	Application ApplicationConfig `yaml:"application"`
	Server      ServerConfig      `yaml:"server"`
	Device      DeviceConfig      `yaml:"device"`
	Migration   MigrationConfig   `yaml:"migration"`
	Battery     BatteryConfig     `yaml:"battery"`
	Storage     StorageConfig     `yaml:"storage"`
	Notify      NotifyConfig      `yaml:"notify"`
	Admin       AdminConfig       `yaml:"admin"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ApplicationConfig holds application identity.
type ApplicationConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ServerConfig holds the TCP listener settings for the device fleet.
type ServerConfig struct {
	ListenIP            string   `yaml:"listen_ip"`
	ListenPort          int      `yaml:"listen_port"`
	MaxConnections      int      `yaml:"max_connections"`
	AllowedIPs          []string `yaml:"allowed_ips"`
	ConnectionTimeoutS  int      `yaml:"connection_timeout_s"`
	SweepIntervalS      int      `yaml:"sweep_interval_s"`
	ShutdownGraceS      int      `yaml:"shutdown_grace_s"`
	KeepaliveIdleS      int      `yaml:"keepalive_idle_s"`
	KeepaliveIntervalS  int      `yaml:"keepalive_interval_s"`
	KeepaliveProbes     int      `yaml:"keepalive_probes"`
	MaxFrameBufferBytes int      `yaml:"max_frame_buffer_bytes"`
	PendingQueueDepth   int      `yaml:"pending_queue_depth"`
	CommandInFlightS    int      `yaml:"command_in_flight_s"`
}

// DeviceConfig carries the AT-command password the device fleet was
// provisioned with. It is a protocol constant, not a secret.
type DeviceConfig struct {
	Password string `yaml:"password"`
}

// MigrationConfig provides the GTSRI server-migration command operands.
type MigrationConfig struct {
	PrimaryServerIP   string `yaml:"primary_server_ip"`
	PrimaryServerPort int    `yaml:"primary_server_port"`
	BackupServerIP    string `yaml:"backup_server_ip"`
	BackupServerPort  int    `yaml:"backup_server_port"`
}

// BatteryConfig holds the low-battery threshold and notification dedup window.
type BatteryConfig struct {
	LowVolts          float64 `yaml:"low_volts"`
	AlertDedupMinutes int     `yaml:"alert_dedup_minutes"`
}

// StorageConfig is handed opaquely to pkg/storage.
type StorageConfig struct {
	URI          string `yaml:"uri"`
	Database     string `yaml:"database"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// NotifyConfig is handed opaquely to pkg/notify.
type NotifyConfig struct {
	Enabled            bool   `yaml:"enabled"`
	FCMCredentialsPath string `yaml:"fcm_credentials_path"`
	DefaultTopic       string `yaml:"default_topic"`
	ProjectID          string `yaml:"project_id"`
	RequestTimeoutS    int    `yaml:"request_timeout_s"`
}

// AdminConfig configures the admin HTTP surface (pkg/adminapi) through
// which operators request block/unblock and server migration.
type AdminConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ListenAddr      string `yaml:"listen_addr"`
	JWTSecret       string `yaml:"jwt_secret"`
	TokenTTLMinutes int    `yaml:"token_ttl_minutes"`
}

// MetricsConfig configures the Prometheus fleet-accounting endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig configures internal/logger.
type LoggingConfig struct {
	Path       string `yaml:"path"`
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads configuration from a YAML file and fills defaults for any
// zero-valued field that has one.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenIP == "" {
		c.Server.ListenIP = "0.0.0.0"
	}
	if c.Server.ListenPort == 0 {
		c.Server.ListenPort = 8000
	}
	if c.Server.ConnectionTimeoutS == 0 {
		c.Server.ConnectionTimeoutS = 3600
	}
	if c.Server.SweepIntervalS == 0 {
		c.Server.SweepIntervalS = 60
	}
	if c.Server.ShutdownGraceS == 0 {
		c.Server.ShutdownGraceS = 10
	}
	if c.Server.KeepaliveIdleS == 0 {
		c.Server.KeepaliveIdleS = 60
	}
	if c.Server.KeepaliveIntervalS == 0 {
		c.Server.KeepaliveIntervalS = 10
	}
	if c.Server.KeepaliveProbes == 0 {
		c.Server.KeepaliveProbes = 6
	}
	if c.Server.MaxFrameBufferBytes == 0 {
		c.Server.MaxFrameBufferBytes = 64 * 1024
	}
	if c.Server.PendingQueueDepth == 0 {
		c.Server.PendingQueueDepth = 4
	}
	if c.Server.CommandInFlightS == 0 {
		c.Server.CommandInFlightS = 60
	}
	if c.Device.Password == "" {
		c.Device.Password = "gv50"
	}
	if c.Battery.LowVolts == 0 {
		c.Battery.LowVolts = 11.5
	}
	if c.Battery.AlertDedupMinutes == 0 {
		c.Battery.AlertDedupMinutes = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate rejects a configuration the core cannot safely run with.
func (c *Config) Validate() error {
	if c.Server.ListenPort < 1 || c.Server.ListenPort > 65535 {
		return fmt.Errorf("invalid listen_port: %d", c.Server.ListenPort)
	}
	if c.Server.ConnectionTimeoutS < 1 {
		return fmt.Errorf("connection_timeout_s must be positive")
	}
	if c.Battery.LowVolts <= 0 {
		return fmt.Errorf("battery.low_volts must be positive")
	}
	return nil
}

// GetAddr returns the device-fleet listen address in host:port form.
func (c *Config) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.ListenIP, c.Server.ListenPort)
}

// AllowAll reports whether the allowlist permits every source IP: an
// empty list or an explicit 0.0.0.0/0 entry means allow-all.
func (c *ServerConfig) AllowAll() bool {
	if len(c.AllowedIPs) == 0 {
		return true
	}
	for _, ip := range c.AllowedIPs {
		if ip == "0.0.0.0/0" {
			return true
		}
	}
	return false
}

// IsIPAllowed matches a source IP against the allowlist, exact-string.
func (c *ServerConfig) IsIPAllowed(ip string) bool {
	if c.AllowAll() {
		return true
	}
	for _, allowed := range c.AllowedIPs {
		if allowed == ip {
			return true
		}
	}
	return false
}

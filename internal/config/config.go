// Package config loads the node configuration from YAML, a .env file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/agsys/irrigation-node/internal/actuator"
	"github.com/agsys/irrigation-node/internal/api"
	"github.com/agsys/irrigation-node/internal/broker"
	"github.com/agsys/irrigation-node/internal/cloud"
	"github.com/agsys/irrigation-node/internal/decision"
	"github.com/agsys/irrigation-node/internal/engine"
	"github.com/agsys/irrigation-node/internal/link"
	"github.com/agsys/irrigation-node/internal/sensors"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Environment variables that override the file
const (
	EnvLinkSSID     = "IRRIGATION_LINK_SSID"
	EnvLinkPassword = "IRRIGATION_LINK_PASSWORD"
	EnvMQTTHost     = "IRRIGATION_MQTT_HOST"
	EnvMQTTPort     = "IRRIGATION_MQTT_PORT"
	EnvMQTTUsername = "IRRIGATION_MQTT_USERNAME"
	EnvMQTTPassword = "IRRIGATION_MQTT_PASSWORD"
	EnvCloudAPIKey  = "IRRIGATION_CLOUD_API_KEY"
	EnvNodeRole     = "IRRIGATION_NODE_ROLE"
)

// NodeConfig identifies this node.
type NodeConfig struct {
	Role                 engine.Role `yaml:"role"`
	Site                 string      `yaml:"site"`
	ID                   string      `yaml:"id"`
	Peer                 string      `yaml:"peer"`
	AcceptLegacyDecision bool        `yaml:"accept_legacy_decision"`
}

// StorageConfig holds the local log settings.
type StorageConfig struct {
	Path          string        `yaml:"path"`
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Config represents the configuration file structure
type Config struct {
	Node     NodeConfig      `yaml:"node"`
	Link     link.Config     `yaml:"link"`
	MQTT     broker.Config   `yaml:"mqtt"`
	Engine   engine.Config   `yaml:"engine"`
	Sensors  sensors.Config  `yaml:"sensors"`
	Decision decision.Config `yaml:"decision"`
	Actuator actuator.Config `yaml:"actuator"`
	Storage  StorageConfig   `yaml:"storage"`
	Cloud    cloud.Config    `yaml:"cloud"`
	API      api.Config      `yaml:"api"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Role: engine.RoleSensing,
			Site: "site1",
			ID:   "nodeA",
		},
		Link:     link.DefaultConfig(),
		MQTT:     broker.DefaultConfig(),
		Engine:   engine.DefaultConfig(),
		Sensors:  sensors.DefaultConfig(),
		Decision: decision.DefaultConfig(),
		Actuator: actuator.DefaultConfig(),
		Storage: StorageConfig{
			Path:          "/var/lib/agsys/irrigation-node.db",
			Retention:     720 * time.Hour,
			PruneSchedule: "0 3 * * *",
		},
		Cloud: cloud.DefaultConfig(),
		API:   api.DefaultConfig(),
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path uses the defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillPeer()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads variables from a .env file without overriding the
// environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Link.SSID, EnvLinkSSID)
	setString(&c.Link.Password, EnvLinkPassword)
	setString(&c.MQTT.Host, EnvMQTTHost)
	setString(&c.MQTT.Username, EnvMQTTUsername)
	setString(&c.MQTT.Password, EnvMQTTPassword)
	setString(&c.Cloud.APIKey, EnvCloudAPIKey)

	if v, ok := os.LookupEnv(EnvNodeRole); ok && v != "" {
		c.Node.Role = engine.Role(v)
	}
	if v, ok := os.LookupEnv(EnvMQTTPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a port", ErrInvalid, EnvMQTTPort, v)
		}
		c.MQTT.Port = port
	}
	return nil
}

func setString(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		*dst = v
	}
}

// fillPeer defaults the peer to the other half of the pair.
func (c *Config) fillPeer() {
	if c.Node.Peer != "" {
		return
	}
	if c.Node.Role == engine.RoleActuation {
		c.Node.Peer = "nodeA"
	} else {
		c.Node.Peer = "nodeB"
	}
}

// Validate checks the configuration. Missing link credentials are left to
// the link manager.
func (c *Config) Validate() error {
	switch c.Node.Role {
	case engine.RoleSensing, engine.RoleActuation:
	default:
		return fmt.Errorf("%w: node.role must be %q or %q, got %q", ErrInvalid, engine.RoleSensing, engine.RoleActuation, c.Node.Role)
	}
	if c.Node.Site == "" || c.Node.ID == "" {
		return fmt.Errorf("%w: node.site and node.id are required", ErrInvalid)
	}
	if c.MQTT.Host == "" {
		return fmt.Errorf("%w: mqtt.host is required", ErrInvalid)
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("%w: mqtt.port %d out of range", ErrInvalid, c.MQTT.Port)
	}
	if c.MQTT.MaxSubscriptions < 1 || c.MQTT.MaxHandlers < 1 {
		return fmt.Errorf("%w: mqtt table sizes must be positive", ErrInvalid)
	}

	durations := map[string]time.Duration{
		"link.reconnect_interval":   c.Link.ReconnectInterval,
		"link.connect_timeout":      c.Link.ConnectTimeout,
		"link.stability_window":     c.Link.StabilityWindow,
		"link.cycle":                c.Link.Cycle,
		"mqtt.retry_interval":       c.MQTT.RetryInterval,
		"mqtt.service_interval":     c.MQTT.ServiceInterval,
		"engine.decision_interval":  c.Engine.DecisionInterval,
		"engine.telemetry_interval": c.Engine.TelemetryInterval,
		"engine.status_interval":    c.Engine.StatusInterval,
		"engine.health_interval":    c.Engine.HealthInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, name)
		}
	}

	if c.Sensors.QueueDepth < 1 {
		return fmt.Errorf("%w: sensors.queue_depth must be positive", ErrInvalid)
	}
	if err := c.Decision.Validate(); err != nil {
		return fmt.Errorf("%w: decision: %v", ErrInvalid, err)
	}
	if c.Actuator.Frequency <= 0 {
		return fmt.Errorf("%w: actuator.frequency must be positive", ErrInvalid)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("%w: storage.path is required", ErrInvalid)
	}
	if c.Cloud.Enabled() && c.Cloud.SyncInterval <= 0 {
		return fmt.Errorf("%w: cloud.sync_interval must be positive", ErrInvalid)
	}
	return nil
}

// EngineConfig assembles the engine configuration.
func (c *Config) EngineConfig() engine.Config {
	e := c.Engine
	e.Role = c.Node.Role
	e.Site = c.Node.Site
	e.NodeID = c.Node.ID
	e.PeerID = c.Node.Peer
	e.AcceptLegacyDecision = c.Node.AcceptLegacyDecision
	e.SyncInterval = c.Cloud.SyncInterval
	e.SyncBatch = c.Cloud.SyncBatch
	e.Retention = c.Storage.Retention
	e.PruneSchedule = c.Storage.PruneSchedule
	return e
}

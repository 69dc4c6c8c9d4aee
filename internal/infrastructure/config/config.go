package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Modes statesync can run in. A server instance exposes a curated subset
// of its entities; a client instance mirrors entities from a remote server.
const (
	ModeServer = "server"
	ModeClient = "client"
)

// Config is the root configuration structure for statesync.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Mode      string          `yaml:"mode"`
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains server-mode settings.
type ServerConfig struct {
	// ExposedEntities is the allow-list of entity identifiers visible to
	// clients. Entities not in this list are never served or broadcast.
	ExposedEntities []string `yaml:"exposed_entities"`
}

// ClientConfig contains client-mode settings.
type ClientConfig struct {
	// ServerURL is the base URL of the remote statesync server,
	// e.g. "http://192.168.1.100:8443".
	ServerURL string `yaml:"server_url"`

	// Token is the bearer token issued by the server at registration.
	// If empty and a JWT secret is configured, the client registers
	// itself at startup and logs the issued token.
	Token string `yaml:"token"`

	// Name identifies this client to the server at registration.
	Name string `yaml:"name"`

	// ImportedEntities is the subset of remote entities to mirror locally.
	ImportedEntities []string `yaml:"imported_entities"`

	// HealthCheckInterval is how often (seconds) the client verifies its
	// connection and reconnects if needed. Default: 30.
	HealthCheckInterval int `yaml:"health_check_interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings for the host bridge.
// The broker is optional; without it the sync core still runs, but host
// state reads and action invocations are unavailable.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket settings (shared by server and client).
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains token settings.
type JWTConfig struct {
	// Secret signs all tokens. Required in server mode; required in
	// client mode only when the client bootstraps its own registration.
	Secret string `yaml:"secret"`

	// ClientTokenTTLHours is the validity window for registered client
	// tokens. Default: 8760 (one year).
	ClientTokenTTLHours int `yaml:"client_token_ttl_hours"`

	// RegistrationTokenTTLMinutes is the validity window for the
	// short-lived registration tokens minted from the shared secret.
	// Default: 60.
	RegistrationTokenTTLMinutes int `yaml:"registration_token_ttl_minutes"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: STATESYNC_SECTION_KEY
// For example: STATESYNC_DATABASE_PATH, STATESYNC_JWT_SECRET
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Mode: ModeServer,
		Client: ClientConfig{
			Name:                "statesync-client",
			HealthCheckInterval: 30,
		},
		Database: DatabaseConfig{
			Path:        "./data/statesync.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "statesync",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8443,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 65536,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				ClientTokenTTLHours:         8760,
				RegistrationTokenTTLMinutes: 60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: STATESYNC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STATESYNC_MODE"); v != "" {
		cfg.Mode = v
	}

	// Database
	if v := os.Getenv("STATESYNC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("STATESYNC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("STATESYNC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("STATESYNC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("STATESYNC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// Client
	if v := os.Getenv("STATESYNC_SERVER_URL"); v != "" {
		cfg.Client.ServerURL = v
	}
	if v := os.Getenv("STATESYNC_CLIENT_TOKEN"); v != "" {
		cfg.Client.Token = v
	}

	// Security - JWT secret (IMPORTANT: always override in production)
	if v := os.Getenv("STATESYNC_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// minJWTSecretLength is the minimum accepted shared-secret length.
// Tokens signed with a short secret are trivially brute-forced, and a
// forged token grants control of physical devices.
const minJWTSecretLength = 32

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	switch c.Mode {
	case ModeServer:
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required in server mode")
		}
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required in server mode (set STATESYNC_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
		}
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
	case ModeClient:
		if c.Client.ServerURL == "" {
			errs = append(errs, "client.server_url is required in client mode")
		} else if _, err := url.Parse(c.Client.ServerURL); err != nil {
			errs = append(errs, fmt.Sprintf("client.server_url is not a valid URL: %v", err))
		}
		if c.Client.Token == "" && c.Security.JWT.Secret == "" {
			errs = append(errs, "client mode requires either client.token or security.jwt.secret for registration bootstrap")
		}
		if c.Security.JWT.Secret != "" && len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
		}
	default:
		errs = append(errs, fmt.Sprintf("mode must be %q or %q, got %q", ModeServer, ModeClient, c.Mode))
	}

	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// ClientTokenTTL returns the client token validity window as a Duration.
func (c *SecurityConfig) ClientTokenTTL() time.Duration {
	hours := c.JWT.ClientTokenTTLHours
	if hours <= 0 {
		hours = 8760
	}
	return time.Duration(hours) * time.Hour
}

// RegistrationTokenTTL returns the registration token validity window as a Duration.
func (c *SecurityConfig) RegistrationTokenTTL() time.Duration {
	minutes := c.JWT.RegistrationTokenTTLMinutes
	if minutes <= 0 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}

// GetHealthCheckInterval returns the client health check interval as a Duration.
func (c *ClientConfig) GetHealthCheckInterval() time.Duration {
	if c.HealthCheckInterval <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HealthCheckInterval) * time.Second
}

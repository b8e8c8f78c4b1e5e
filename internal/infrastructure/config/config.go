package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names accepted in service.environment.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Rate-limit store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Identity provider drivers.
const (
	IdentityLocal  = "local"
	IdentityRemote = "remote"
)

// Config is the root configuration structure for the Tableside auth service.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Security  SecurityConfig  `yaml:"security"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Redis     RedisConfig     `yaml:"redis"`
	Identity  IdentityConfig  `yaml:"identity"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServiceConfig identifies the running deployment.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host           string           `yaml:"host"`
	Port           int              `yaml:"port"`
	TLS            TLSConfig        `yaml:"tls"`
	Timeouts       APITimeoutConfig `yaml:"timeouts"`
	CORS           CORSConfig       `yaml:"cors"`
	TrustedProxies []string         `yaml:"trusted_proxies"`
	MaxBodyBytes   int64            `yaml:"max_body_bytes"`
	RateLimit      ThrottleConfig   `yaml:"rate_limit"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
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

// ThrottleConfig is the global per-IP request throttle applied to every route.
type ThrottleConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
	// AllowAnonymousDev lets unauthenticated sockets connect in development.
	// Production always rejects them.
	AllowAnonymousDev bool `yaml:"allow_anonymous_dev"`
}

// SecurityConfig contains token, PIN and device binding settings.
type SecurityConfig struct {
	Tokens TokenConfig         `yaml:"tokens"`
	PIN    PINConfig           `yaml:"pin"`
	Device DeviceBindingConfig `yaml:"device"`
	Demo   DemoConfig          `yaml:"demo"`
	// CleanupInterval is the maintenance loop period in seconds.
	CleanupInterval int `yaml:"cleanup_interval"`
}

// TokenConfig holds one signing secret per authentication method.
// Secrets must be distinct: there is no shared or fallback secret.
type TokenConfig struct {
	Issuer         string `yaml:"issuer"`
	PasswordSecret string `yaml:"password_secret"`
	PINSecret      string `yaml:"pin_secret"`
	StationSecret  string `yaml:"station_secret"`
	DemoSecret     string `yaml:"demo_secret"`
	PINTTL         int    `yaml:"pin_ttl"`     // minutes
	StationTTL     int    `yaml:"station_ttl"` // minutes
	DemoTTL        int    `yaml:"demo_ttl"`    // minutes
	StrictTenant   bool   `yaml:"strict_tenant"`
}

// PINConfig controls PIN hashing and account lockout.
type PINConfig struct {
	Peppers              map[int]string `yaml:"peppers"`
	CurrentPepperVersion int            `yaml:"current_pepper_version"`
	LockoutThreshold     int            `yaml:"lockout_threshold"`
	LockoutDuration      int            `yaml:"lockout_duration"` // minutes
}

// DeviceBindingConfig contains the server salt mixed into station fingerprints.
type DeviceBindingConfig struct {
	FingerprintSalt string `yaml:"fingerprint_salt"`
}

// DemoConfig enables ephemeral demo logins. Development only.
type DemoConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RateLimitConfig configures the per-class failure windows.
type RateLimitConfig struct {
	Store               string                 `yaml:"store"`
	Classes             map[string]ClassConfig `yaml:"classes"`
	SuspiciousThreshold int                    `yaml:"suspicious_threshold"`
	SuspiciousBlock     int                    `yaml:"suspicious_block"` // minutes
	DeviceHeader        string                 `yaml:"device_header"`
}

// ClassConfig overrides the limit and window (seconds) of one operation class.
type ClassConfig struct {
	Limit  int `yaml:"limit"`
	Window int `yaml:"window"`
}

// RedisConfig contains the shared rate-limit store connection.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// IdentityConfig selects the password identity provider.
type IdentityConfig struct {
	Driver          string `yaml:"driver"`
	URL             string `yaml:"url"`
	APIKey          string `yaml:"api_key"`
	Timeout         int    `yaml:"timeout"`           // seconds
	SignOutTimeout  int    `yaml:"sign_out_timeout"`  // milliseconds
	AccessTokenTTL  int    `yaml:"access_token_ttl"`  // minutes
	RefreshTokenTTL int    `yaml:"refresh_token_ttl"` // minutes

	// SeedAdminEmail is the super_admin created on first boot of the local
	// driver when the users table is empty.
	SeedAdminEmail string `yaml:"seed_admin_email"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
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

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
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
// Environment variables follow the pattern: TABLESIDE_SECTION_KEY
// For example: TABLESIDE_DATABASE_PATH, TABLESIDE_PIN_TOKEN_SECRET
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in defaults. Secrets, peppers and the fingerprint
// salt are left empty and must be supplied before Validate passes.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "tableside-auth",
			Environment: EnvProduction,
		},
		Database: DatabaseConfig{
			Path:        "./data/tableside-auth.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			MaxBodyBytes: 1 << 20,
			RateLimit: ThrottleConfig{
				Enabled:           true,
				RequestsPerMinute: 300,
				Burst:             50,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: SecurityConfig{
			Tokens: TokenConfig{
				Issuer:       "tableside-auth",
				PINTTL:       12 * 60,
				StationTTL:   4 * 60,
				DemoTTL:      60,
				StrictTenant: true,
			},
			PIN: PINConfig{
				Peppers:              map[int]string{},
				CurrentPepperVersion: 1,
				LockoutThreshold:     5,
				LockoutDuration:      15,
			},
			CleanupInterval: 300,
		},
		RateLimit: RateLimitConfig{
			Store: StoreMemory,
			Classes: map[string]ClassConfig{
				"login":   {Limit: 5, Window: 15 * 60},
				"pin":     {Limit: 3, Window: 5 * 60},
				"station": {Limit: 5, Window: 10 * 60},
				"refresh": {Limit: 10, Window: 60},
			},
			SuspiciousThreshold: 10,
			SuspiciousBlock:     24 * 60,
			DeviceHeader:        "X-Device-Fingerprint",
		},
		Redis: RedisConfig{
			KeyPrefix: "tableside:",
		},
		Identity: IdentityConfig{
			Driver:          IdentityLocal,
			Timeout:         5,
			SignOutTimeout:  2000,
			AccessTokenTTL:  60,
			RefreshTokenTTL: 7 * 24 * 60,
			SeedAdminEmail:  "admin@tableside.local",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "tableside-auth",
			},
			QoS:         1,
			TopicPrefix: "tableside",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "auth",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Secrets belong here rather than in the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TABLESIDE_ENVIRONMENT"); v != "" {
		cfg.Service.Environment = v
	}

	if v := os.Getenv("TABLESIDE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("TABLESIDE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("TABLESIDE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Token secrets, one per method
	if v := os.Getenv("TABLESIDE_PASSWORD_TOKEN_SECRET"); v != "" {
		cfg.Security.Tokens.PasswordSecret = v
	}
	if v := os.Getenv("TABLESIDE_PIN_TOKEN_SECRET"); v != "" {
		cfg.Security.Tokens.PINSecret = v
	}
	if v := os.Getenv("TABLESIDE_STATION_TOKEN_SECRET"); v != "" {
		cfg.Security.Tokens.StationSecret = v
	}
	if v := os.Getenv("TABLESIDE_DEMO_TOKEN_SECRET"); v != "" {
		cfg.Security.Tokens.DemoSecret = v
	}

	// The env pepper always lands on the current version.
	if v := os.Getenv("TABLESIDE_PIN_PEPPER"); v != "" {
		if cfg.Security.PIN.Peppers == nil {
			cfg.Security.PIN.Peppers = map[int]string{}
		}
		cfg.Security.PIN.Peppers[cfg.Security.PIN.CurrentPepperVersion] = v
	}
	if v := os.Getenv("TABLESIDE_FINGERPRINT_SALT"); v != "" {
		cfg.Security.Device.FingerprintSalt = v
	}

	if v := os.Getenv("TABLESIDE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TABLESIDE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("TABLESIDE_IDENTITY_URL"); v != "" {
		cfg.Identity.URL = v
	}
	if v := os.Getenv("TABLESIDE_IDENTITY_API_KEY"); v != "" {
		cfg.Identity.APIKey = v
	}

	if v := os.Getenv("TABLESIDE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("TABLESIDE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("TABLESIDE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("TABLESIDE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors and security issues.
// Every problem found is reported in a single error.
func (c *Config) Validate() error { //nolint:gocognit,gocyclo // flat list of independent checks
	var errs []string

	switch c.Service.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		errs = append(errs, "service.environment must be development or production")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Token secrets: required, long, and pairwise distinct.
	const minSecretLength = 32
	secrets := map[string]string{
		"security.tokens.password_secret": c.Security.Tokens.PasswordSecret,
		"security.tokens.pin_secret":      c.Security.Tokens.PINSecret,
		"security.tokens.station_secret":  c.Security.Tokens.StationSecret,
	}
	if c.Security.Demo.Enabled {
		secrets["security.tokens.demo_secret"] = c.Security.Tokens.DemoSecret
	}
	seen := make(map[string]string, len(secrets))
	for _, name := range sortedKeys(secrets) {
		secret := secrets[name]
		switch {
		case secret == "":
			errs = append(errs, name+" is required")
			continue
		case len(secret) < minSecretLength:
			errs = append(errs, name+" must be at least 32 characters")
		}
		if other, dup := seen[secret]; dup {
			errs = append(errs, name+" must differ from "+other)
		}
		seen[secret] = name
	}

	if c.Security.Tokens.PINTTL <= 0 || c.Security.Tokens.StationTTL <= 0 {
		errs = append(errs, "security.tokens ttl values must be positive")
	}

	if len(c.Security.PIN.Peppers) == 0 {
		errs = append(errs, "security.pin.peppers requires at least one pepper (set TABLESIDE_PIN_PEPPER)")
	} else if c.Security.PIN.Peppers[c.Security.PIN.CurrentPepperVersion] == "" {
		errs = append(errs, "security.pin.current_pepper_version must name a configured pepper")
	}
	if c.Security.PIN.LockoutThreshold < 1 {
		errs = append(errs, "security.pin.lockout_threshold must be at least 1")
	}
	if c.Security.PIN.LockoutDuration < 1 {
		errs = append(errs, "security.pin.lockout_duration must be at least 1 minute")
	}

	const minSaltLength = 16
	if len(c.Security.Device.FingerprintSalt) < minSaltLength {
		errs = append(errs, "security.device.fingerprint_salt must be at least 16 characters")
	}

	if c.IsProduction() {
		if c.WebSocket.AllowAnonymousDev {
			errs = append(errs, "websocket.allow_anonymous_dev is not permitted in production")
		}
		if c.Security.Demo.Enabled {
			errs = append(errs, "security.demo.enabled is not permitted in production")
		}
	}

	switch c.RateLimit.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required when ratelimit.store is redis")
		}
	default:
		errs = append(errs, "ratelimit.store must be memory or redis")
	}
	for name, class := range c.RateLimit.Classes {
		if class.Limit < 1 || class.Window < 1 {
			errs = append(errs, "ratelimit.classes."+name+" needs a positive limit and window")
		}
	}

	switch c.Identity.Driver {
	case IdentityLocal:
	case IdentityRemote:
		if c.Identity.URL == "" {
			errs = append(errs, "identity.url is required for the remote driver")
		}
	default:
		errs = append(errs, "identity.driver must be local or remote")
	}

	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsProduction reports whether the service runs with production safeguards.
func (c *Config) IsProduction() bool {
	return c.Service.Environment != EnvDevelopment
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

// GetCleanupInterval returns the maintenance loop period.
func (c *Config) GetCleanupInterval() time.Duration {
	return time.Duration(c.Security.CleanupInterval) * time.Second
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "relayrent/backend/libs/config"
	"relayrent/backend/services/relay-billing/internal/auth"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type ServerConfig struct {
	Port               string        `yaml:"port" toml:"port" env:"RELAY_HTTP_PORT"`
	ReadTimeout        time.Duration `yaml:"readTimeout" toml:"readTimeout" env:"RELAY_HTTP_READ_TIMEOUT"`
	WriteTimeout       time.Duration `yaml:"writeTimeout" toml:"writeTimeout" env:"RELAY_HTTP_WRITE_TIMEOUT"`
	WSWriteTimeoutSecs int           `yaml:"wsWriteTimeoutSeconds" toml:"wsWriteTimeoutSeconds" env:"RELAY_WS_WRITE_TIMEOUT"`
}

type DatabaseConfig struct {
	Driver  string `yaml:"driver" toml:"driver" env:"RELAY_DB_DRIVER"`
	DSN     string `yaml:"dsn" toml:"dsn" env:"RELAY_DB_DSN"`
	Migrate bool   `yaml:"migrate" toml:"migrate" env:"RELAY_DB_MIGRATE"`
}

type RedisConfig struct {
	Addr       string `yaml:"addr" toml:"addr" env:"RELAY_REDIS_ADDR"`
	Password   string `yaml:"password" toml:"password" env:"RELAY_REDIS_PASSWORD"`
	DB         int    `yaml:"db" toml:"db" env:"RELAY_REDIS_DB"`
	TTLSeconds int    `yaml:"ttlSeconds" toml:"ttlSeconds" env:"RELAY_REDIS_TTL_SECONDS"`
}

type BillingConfig struct {
	RequireOnline  bool          `yaml:"requireOnline" toml:"requireOnline" env:"RELAY_BILLING_REQUIRE_ONLINE"`
	LivenessWindow time.Duration `yaml:"livenessWindow" toml:"livenessWindow" env:"RELAY_LIVENESS_WINDOW"`
	// SnowflakeNode distinguishes replicas in generated session ids.
	SnowflakeNode int64 `yaml:"snowflakeNode" toml:"snowflakeNode" env:"RELAY_SNOWFLAKE_NODE"`
}

type RegistryConfig struct {
	AutoRegister bool  `yaml:"autoRegister" toml:"autoRegister" env:"RELAY_REGISTRY_AUTO_REGISTER"`
	DefaultPins  []int `yaml:"defaultPins" toml:"defaultPins" env:"RELAY_REGISTRY_DEFAULT_PINS"`
}

type SweeperConfig struct {
	Enabled          bool          `yaml:"enabled" toml:"enabled" env:"RELAY_SWEEPER_ENABLED"`
	LivenessInterval time.Duration `yaml:"livenessInterval" toml:"livenessInterval" env:"RELAY_SWEEPER_LIVENESS_INTERVAL"`
	ExpiryInterval   time.Duration `yaml:"expiryInterval" toml:"expiryInterval" env:"RELAY_SWEEPER_EXPIRY_INTERVAL"`
	JobTimeout       time.Duration `yaml:"jobTimeout" toml:"jobTimeout" env:"RELAY_SWEEPER_JOB_TIMEOUT"`
	SweepOnRead      bool          `yaml:"sweepOnRead" toml:"sweepOnRead" env:"RELAY_SWEEPER_SWEEP_ON_READ"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker" toml:"broker" env:"RELAY_MQTT_BROKER"`
	ClientID    string `yaml:"clientId" toml:"clientId" env:"RELAY_MQTT_CLIENT_ID"`
	Username    string `yaml:"username" toml:"username" env:"RELAY_MQTT_USERNAME"`
	Password    string `yaml:"password" toml:"password" env:"RELAY_MQTT_PASSWORD"`
	TopicPrefix string `yaml:"topicPrefix" toml:"topicPrefix" env:"RELAY_MQTT_TOPIC_PREFIX"`
	QoS         int    `yaml:"qos" toml:"qos" env:"RELAY_MQTT_QOS"`
	Retained    bool   `yaml:"retained" toml:"retained" env:"RELAY_MQTT_RETAINED"`
}

type GPIOConfig struct {
	Chip      string `yaml:"chip" toml:"chip" env:"RELAY_GPIO_CHIP"`
	DeviceID  string `yaml:"deviceId" toml:"deviceId" env:"RELAY_GPIO_DEVICE_ID"`
	Pins      []int  `yaml:"pins" toml:"pins" env:"RELAY_GPIO_PINS"`
	ActiveLow bool   `yaml:"activeLow" toml:"activeLow" env:"RELAY_GPIO_ACTIVE_LOW"`
}

type ModbusConfig struct {
	Port          string         `yaml:"port" toml:"port" env:"RELAY_MODBUS_PORT"`
	BaudRate      uint           `yaml:"baudRate" toml:"baudRate" env:"RELAY_MODBUS_BAUD_RATE"`
	TimeoutMillis uint           `yaml:"timeoutMillis" toml:"timeoutMillis" env:"RELAY_MODBUS_TIMEOUT_MILLIS"`
	Slaves        map[string]int `yaml:"slaves" toml:"slaves" env:"-"`
}

type ActuatorConfig struct {
	Driver         string       `yaml:"driver" toml:"driver" env:"RELAY_ACTUATOR_DRIVER"`
	TimeoutSeconds int          `yaml:"timeoutSeconds" toml:"timeoutSeconds" env:"RELAY_ACTUATOR_TIMEOUT_SECONDS"`
	MQTT           MQTTConfig   `yaml:"mqtt" toml:"mqtt"`
	GPIO           GPIOConfig   `yaml:"gpio" toml:"gpio"`
	Modbus         ModbusConfig `yaml:"modbus" toml:"modbus"`
}

type AuthConfig struct {
	JWTSecret string          `yaml:"jwtSecret" toml:"jwtSecret" env:"RELAY_JWT_SECRET"`
	TokenTTL  time.Duration   `yaml:"tokenTTL" toml:"tokenTTL" env:"RELAY_JWT_TTL"`
	Operators []auth.Operator `yaml:"operators" toml:"operators" env:"-"`
}

// Config defines relay billing configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Redis    RedisConfig    `yaml:"redis" toml:"redis"`
	Billing  BillingConfig  `yaml:"billing" toml:"billing"`
	Registry RegistryConfig `yaml:"registry" toml:"registry"`
	Sweeper  SweeperConfig  `yaml:"sweeper" toml:"sweeper"`
	Actuator ActuatorConfig `yaml:"actuator" toml:"actuator"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               "8080",
			ReadTimeout:        15 * time.Second,
			WriteTimeout:       15 * time.Second,
			WSWriteTimeoutSecs: 10,
		},
		Database: DatabaseConfig{Driver: DriverMemory, Migrate: true},
		Redis:    RedisConfig{TTLSeconds: 86400},
		Billing: BillingConfig{
			RequireOnline:  true,
			LivenessWindow: 30 * time.Second,
			SnowflakeNode:  1,
		},
		Registry: RegistryConfig{DefaultPins: []int{12, 13, 14, 15}},
		Sweeper: SweeperConfig{
			Enabled:          true,
			LivenessInterval: 30 * time.Second,
			ExpiryInterval:   time.Second,
			JobTimeout:       30 * time.Second,
		},
		Actuator: ActuatorConfig{Driver: "poll", TimeoutSeconds: 5},
		Auth:     AuthConfig{TokenTTL: 12 * time.Hour},
	}
}

// Load configuration via shared helper.
func Load() (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return errors.New("config: database dsn required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Billing.LivenessWindow <= 0 {
		return errors.New("config: billing livenessWindow must be positive")
	}
	if c.Billing.SnowflakeNode < 0 || c.Billing.SnowflakeNode > 1023 {
		return errors.New("config: billing snowflakeNode must be within 0-1023")
	}
	for _, pin := range c.Registry.DefaultPins {
		if pin <= 0 {
			return fmt.Errorf("config: registry defaultPins contains invalid pin %d", pin)
		}
	}
	if len(c.Auth.Operators) > 0 && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("config: auth jwtSecret required when operators are configured")
	}
	if err := auth.ValidateOperators(c.Auth.Operators); err != nil {
		return fmt.Errorf("config: auth operators: %w", err)
	}
	return nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.Server.Port)
	if port == "" {
		port = "8080"
	}
	if strings.Contains(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// ActiveSessionTTL bounds how long a cached active session survives without a stop.
func (c *Config) ActiveSessionTTL() time.Duration {
	if c.Redis.TTLSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Redis.TTLSeconds) * time.Second
}

// ActuatorTimeout bounds one relay command.
func (c *Config) ActuatorTimeout() time.Duration {
	if c.Actuator.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Actuator.TimeoutSeconds) * time.Second
}

// WSWriteTimeout bounds one websocket frame write.
func (c *Config) WSWriteTimeout() time.Duration {
	if c.Server.WSWriteTimeoutSecs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Server.WSWriteTimeoutSecs) * time.Second
}

// AuthEnabled reports whether operator routes require a bearer token.
func (c *Config) AuthEnabled() bool {
	return strings.TrimSpace(c.Auth.JWTSecret) != ""
}

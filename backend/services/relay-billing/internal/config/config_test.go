package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayrent/backend/services/relay-billing/internal/auth"
)

// testHash is a well-formed cost 4 bcrypt hash; Validate only checks the format.
const testHash = "$2a$04$QJ3kI7E1k1pIZ6yW8y7hBe0m1ZyQ6k5pBv0E8wC2nTq1bXkqv3Y8e"

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("ENV_FILE", writeFile(t, ".env", ""))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, ":8080", cfg.HTTPAddress())
	assert.Equal(t, 30*time.Second, cfg.Billing.LivenessWindow)
	assert.True(t, cfg.Billing.RequireOnline)
	assert.False(t, cfg.Registry.AutoRegister)
	assert.False(t, cfg.Sweeper.SweepOnRead)
	assert.False(t, cfg.AuthEnabled())
	assert.Equal(t, 5*time.Second, cfg.ActuatorTimeout())
	assert.Equal(t, 24*time.Hour, cfg.ActiveSessionTTL())
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	hash, err := auth.NewBcryptHasher(4).Hash("counter")
	require.NoError(t, err)

	path := writeFile(t, "relay.yaml", fmt.Sprintf(`
server:
  port: "9090"
database:
  driver: Postgres
  dsn: postgres://localhost/relay
billing:
  livenessWindow: 45s
registry:
  autoRegister: true
  defaultPins: [1, 2]
actuator:
  driver: modbus
  modbus:
    port: /dev/ttyUSB0
    slaves:
      esp-01: 3
auth:
  jwtSecret: s3cret
  operators:
    - username: desk
      passwordHash: %q
      role: operator
`, hash))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("ENV_FILE", writeFile(t, ".env", ""))
	t.Setenv("RELAY_REGISTRY_DEFAULT_PINS", "12,13, 14")
	t.Setenv("RELAY_SWEEPER_EXPIRY_INTERVAL", "2s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddress())
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 45*time.Second, cfg.Billing.LivenessWindow)
	assert.True(t, cfg.Registry.AutoRegister)
	assert.Equal(t, []int{12, 13, 14}, cfg.Registry.DefaultPins)
	assert.Equal(t, 2*time.Second, cfg.Sweeper.ExpiryInterval)
	assert.Equal(t, map[string]int{"esp-01": 3}, cfg.Actuator.Modbus.Slaves)
	require.Len(t, cfg.Auth.Operators, 1)
	assert.Equal(t, "desk", cfg.Auth.Operators[0].Username)
	assert.True(t, cfg.AuthEnabled())
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "relay.toml", `
[server]
port = "127.0.0.1:7000"

[sweeper]
sweepOnRead = true
`)
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("ENV_FILE", writeFile(t, ".env", ""))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.HTTPAddress())
	assert.True(t, cfg.Sweeper.SweepOnRead)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "postgres without dsn", mutate: func(c *Config) { c.Database.Driver = DriverPostgres }},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }},
		{name: "zero liveness window", mutate: func(c *Config) { c.Billing.LivenessWindow = 0 }},
		{name: "snowflake node out of range", mutate: func(c *Config) { c.Billing.SnowflakeNode = 1024 }},
		{name: "bad default pin", mutate: func(c *Config) { c.Registry.DefaultPins = []int{12, 0} }},
		{name: "operators without secret", mutate: func(c *Config) {
			c.Auth.Operators = []auth.Operator{{Username: "desk", PasswordHash: testHash}}
		}},
		{name: "operator hash is not bcrypt", mutate: func(c *Config) {
			c.Auth.JWTSecret = "s3cret"
			c.Auth.Operators = []auth.Operator{{Username: "desk", PasswordHash: "counter"}}
		}},
		{name: "duplicate operator", mutate: func(c *Config) {
			c.Auth.JWTSecret = "s3cret"
			c.Auth.Operators = []auth.Operator{
				{Username: "desk", PasswordHash: testHash},
				{Username: " DESK ", PasswordHash: testHash},
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())

	ok := Default()
	ok.Auth.JWTSecret = "s3cret"
	ok.Auth.Operators = []auth.Operator{{Username: "desk", PasswordHash: testHash}}
	assert.NoError(t, ok.Validate())
}

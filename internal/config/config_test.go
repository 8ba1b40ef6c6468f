package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Zereker/delimrpc/message"
)

func lookupMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Address)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout.Duration)
	assert.Zero(t, cfg.Server.IdleTimeout.Duration)
	assert.Equal(t, uint16(7000), cfg.Client.Port)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, "delimrpc.yaml", `
server:
  address: 0.0.0.0:9000
  metrics_address: 127.0.0.1:9100
  max_connections: 64
  idle_timeout: 2m
log:
  level: debug
  format: json
users:
  - name: x-company
    password_hash: "$2a$10$abcdefghijklmnopqrstuu"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Address)
	assert.Equal(t, "127.0.0.1:9100", cfg.Server.MetricsAddress)
	assert.Equal(t, 64, cfg.Server.MaxConnections)
	assert.Equal(t, 2*time.Minute, cfg.Server.IdleTimeout.Duration)
	// Unset keys keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout.Duration)
	assert.Equal(t, "json", cfg.Log.Format)
	require.Len(t, cfg.Users, 1)
	assert.Equal(t, "x-company", cfg.Users[0].Name)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "server: [1, 2"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "duration.yaml", "server:\n  idle_timeout: soon\n"))
	assert.ErrorContains(t, err, "invalid duration")

	_, err = Load(writeFile(t, "format.yaml", "log:\n  format: xml\n"))
	assert.ErrorContains(t, err, "log.format")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(lookupMap(map[string]string{
		"DELIMRPC_SERVER_ADDRESS":  ":7100",
		"DELIMRPC_MAX_CONNECTIONS": "8",
		"DELIMRPC_IDLE_TIMEOUT":    "30s",
		"DELIMRPC_CLIENT_PORT":     "7100",
		"DELIMRPC_CLIENT_USER":     "x-company",
		"DELIMRPC_LOG_LEVEL":       "warn",
		"DELIMRPC_USERS":           "a:hash-a, b:hash-b",
		"UNRELATED":                "ignored",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":7100", cfg.Server.Address)
	assert.Equal(t, 8, cfg.Server.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.Server.IdleTimeout.Duration)
	assert.Equal(t, uint16(7100), cfg.Client.Port)
	assert.Equal(t, "x-company", cfg.Client.User)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, []User{{"a", "hash-a"}, {"b", "hash-b"}}, cfg.Users)
}

func TestApplyEnv_Invalid(t *testing.T) {
	tests := map[string]string{
		"DELIMRPC_MAX_CONNECTIONS": "many",
		"DELIMRPC_CLIENT_PORT":     "70000",
		"DELIMRPC_IDLE_TIMEOUT":    "forever",
		"DELIMRPC_USERS":           "no-hash",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			err := Default().ApplyEnv(lookupMap(map[string]string{key: value}))
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "delimrpc.yaml", "server:\n  address: 0.0.0.0:9000\n")
	t.Setenv("DELIMRPC_SERVER_ADDRESS", "127.0.0.1:9001")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9001", cfg.Server.Address)
}

func TestLoadEnvFile(t *testing.T) {
	path := writeFile(t, ".env", "DELIMRPC_LOG_FORMAT=json\n")
	t.Setenv("DELIMRPC_LOG_FORMAT", "")
	os.Unsetenv("DELIMRPC_LOG_FORMAT")

	require.NoError(t, LoadEnvFile(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "json", os.Getenv("DELIMRPC_LOG_FORMAT"))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Users = []User{{Name: "a", PasswordHash: "x"}, {Name: "a", PasswordHash: "y"}}
	assert.ErrorContains(t, cfg.Validate(), "duplicate")

	cfg = Default()
	cfg.Server.MaxConnections = -1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Log.Level = "loud"
	assert.ErrorContains(t, cfg.Validate(), "log.level")
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}

func TestDuration_MarshalYAML(t *testing.T) {
	v, err := Duration{90 * time.Second}.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", v)
}

func TestCredentials(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("123592*123"), bcrypt.MinCost)
	require.NoError(t, err)

	creds := NewCredentials([]User{{Name: "x-company", PasswordHash: string(hash)}})
	assert.Equal(t, 1, creds.Len())

	assert.True(t, creds.Authenticate(&message.Auth{User: "x-company", Pass: "123592*123"}))
	assert.False(t, creds.Authenticate(&message.Auth{User: "x-company", Pass: "wrong password"}))
	assert.False(t, creds.Authenticate(&message.Auth{User: "nobody", Pass: "123592*123"}))
	assert.False(t, creds.Authenticate(&message.Auth{}))
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")))
}

// Package config loads the delimrpc command configuration from a YAML file,
// an optional .env file and DELIMRPC_* environment variables, in that order
// of increasing precedence.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DELIMRPC_"

type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Log    LogConfig    `yaml:"log"`
	Users  []User       `yaml:"users"`
}

type ServerConfig struct {
	Address         string   `yaml:"address"`
	MetricsAddress  string   `yaml:"metrics_address"` // empty disables /metrics
	MaxConnections  int      `yaml:"max_connections"` // 0 means unlimited
	MaxFrameSize    int      `yaml:"max_frame_size"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type ClientConfig struct {
	Host        string   `yaml:"host"`
	Port        uint16   `yaml:"port"`
	User        string   `yaml:"user"`
	Pass        string   `yaml:"pass"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug/info/warn/error
	Format string `yaml:"format"` // text/json
}

// User is an account the server accepts. PasswordHash is a bcrypt hash.
type User struct {
	Name         string `yaml:"name"`
	PasswordHash string `yaml:"password_hash"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	d.Duration = dd
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         "127.0.0.1:7000",
			MaxFrameSize:    4 * 1024 * 1024,
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Client: ClientConfig{
			Host:        "127.0.0.1",
			Port:        7000,
			DialTimeout: Duration{5 * time.Second},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies the
// environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return errors.Wrapf(err, "load %s", path)
		}
	}
	return nil
}

// ApplyEnv overrides fields from DELIMRPC_* variables found by lookup.
//
// DELIMRPC_USERS holds comma-separated name:bcrypt-hash pairs and replaces
// the configured users.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		return lookup(EnvPrefix + key)
	}

	if v, ok := get("SERVER_ADDRESS"); ok {
		c.Server.Address = v
	}
	if v, ok := get("METRICS_ADDRESS"); ok {
		c.Server.MetricsAddress = v
	}
	if v, ok := get("MAX_CONNECTIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, EnvPrefix+"MAX_CONNECTIONS")
		}
		c.Server.MaxConnections = n
	}
	if v, ok := get("MAX_FRAME_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, EnvPrefix+"MAX_FRAME_SIZE")
		}
		c.Server.MaxFrameSize = n
	}
	if v, ok := get("IDLE_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, EnvPrefix+"IDLE_TIMEOUT")
		}
		c.Server.IdleTimeout = Duration{d}
	}
	if v, ok := get("CLIENT_HOST"); ok {
		c.Client.Host = v
	}
	if v, ok := get("CLIENT_PORT"); ok {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return errors.Wrap(err, EnvPrefix+"CLIENT_PORT")
		}
		c.Client.Port = uint16(n)
	}
	if v, ok := get("CLIENT_USER"); ok {
		c.Client.User = v
	}
	if v, ok := get("CLIENT_PASS"); ok {
		c.Client.Pass = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := get("LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	if v, ok := get("USERS"); ok {
		users, err := parseUsers(v)
		if err != nil {
			return err
		}
		c.Users = users
	}
	return nil
}

func parseUsers(s string) ([]User, error) {
	var users []User
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, hash, ok := strings.Cut(pair, ":")
		if !ok || name == "" || hash == "" {
			return nil, errors.Errorf("%sUSERS: malformed entry %q", EnvPrefix, pair)
		}
		users = append(users, User{Name: name, PasswordHash: hash})
	}
	return users, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return errors.New("server.address is required")
	}
	if c.Server.MaxConnections < 0 {
		return errors.New("server.max_connections must not be negative")
	}
	if c.Server.MaxFrameSize < 0 {
		return errors.New("server.max_frame_size must not be negative")
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	seen := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.Name == "" {
			return errors.New("users: name is required")
		}
		if seen[u.Name] {
			return errors.Errorf("users: duplicate user %q", u.Name)
		}
		seen[u.Name] = true
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, errors.Wrap(err, "log.level")
	}
	return level, nil
}

// NewLogger builds a slog logger writing to w in the configured format.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := l.level()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

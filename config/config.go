// Package config loads and validates server configuration with Viper.
//
// Precedence, lowest first: built-in defaults, an optional .env file,
// SERVICE_ENGINE_* environment variables, command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment variable, e.g. SERVICE_ENGINE_LOG_LEVEL.
const EnvPrefix = "SERVICE_ENGINE"

// Config holds the server configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port int `mapstructure:"port"`
	// DB is the SQLite path; ":memory:" keeps everything in process.
	DB string `mapstructure:"db"`

	Log      LogConfig      `mapstructure:"log"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	Development bool   `mapstructure:"development"`
}

// SweepConfig controls the overdue sweep. Schedule is a standard 5-field cron spec.
type SweepConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

type CORSConfig struct {
	Origins []string `mapstructure:"origins"`
}

type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Addr is the listen address for net/http.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

var defaults = map[string]any{
	"port":             8080,
	"db":               "service-engine.db",
	"log.level":        "info",
	"log.format":       "json",
	"log.development":  false,
	"sweep.enabled":    true,
	"sweep.schedule":   "0 9 * * *",
	"cors.origins":     []string{"http://localhost:5173", "http://localhost:8080"},
	"shutdown.timeout": 30 * time.Second,
}

// flagNames maps config keys to command-line flags.
var flagNames = map[string]string{
	"port":             "port",
	"db":               "db",
	"log.level":        "log-level",
	"log.format":       "log-format",
	"log.development":  "log-development",
	"sweep.enabled":    "sweep-enabled",
	"sweep.schedule":   "sweep-schedule",
	"cors.origins":     "cors-origins",
	"shutdown.timeout": "shutdown-timeout",
}

// Load builds the configuration from args (without the program name),
// the environment and an optional .env file in the working directory.
func Load(args []string) (*Config, error) {
	return load(args, ".env")
}

func load(args []string, envFile string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	loadEnvFile(v, envFile)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	for key, name := range flagNames {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("service-engine", pflag.ContinueOnError)
	fs.Int("port", defaults["port"].(int), "HTTP port")
	fs.String("db", defaults["db"].(string), "SQLite database path (:memory: for in-memory)")
	fs.String("log-level", defaults["log.level"].(string), "debug, info, warn or error")
	fs.String("log-format", defaults["log.format"].(string), "json or console")
	fs.Bool("log-development", false, "development logging (colors, caller)")
	fs.Bool("sweep-enabled", true, "run the overdue sweep on a schedule")
	fs.String("sweep-schedule", defaults["sweep.schedule"].(string), "cron spec for the overdue sweep")
	fs.StringSlice("cors-origins", defaults["cors.origins"].([]string), "allowed CORS origins")
	fs.Duration("shutdown-timeout", defaults["shutdown.timeout"].(time.Duration), "graceful shutdown timeout")
	return fs
}

// loadEnvFile reads KEY=value pairs (SERVICE_ENGINE_LOG_LEVEL=debug) and
// installs them as defaults so real environment variables still win.
// A missing file is ignored.
func loadEnvFile(v *viper.Viper, path string) {
	if path == "" {
		return
	}
	file := viper.New()
	file.SetConfigFile(path)
	file.SetConfigType("env")
	if err := file.ReadInConfig(); err != nil {
		return
	}
	for key := range defaults {
		name := strings.ToLower(EnvPrefix + "_" + strings.ReplaceAll(key, ".", "_"))
		if file.IsSet(name) {
			v.SetDefault(key, file.Get(name))
		}
	}
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.DB == "" {
		return errors.New("config: db must be set")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("config: log.format must be json or console, got %q", c.Log.Format)
	}
	if c.Sweep.Enabled {
		if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
			return fmt.Errorf("config: sweep.schedule: %w", err)
		}
	}
	if c.Shutdown.Timeout <= 0 {
		return errors.New("config: shutdown.timeout must be positive")
	}
	return nil
}

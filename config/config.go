// Package config loads server settings from defaults, an optional YAML file,
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// DBConfig sizes the database connection pool.
type DBConfig struct {
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Config is the complete server configuration.
type Config struct {
	Addr        string `yaml:"addr"`
	APIPrefix   string `yaml:"api_prefix"`
	DatabaseURL string `yaml:"database_url"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
	Debug     bool   `yaml:"debug"`

	// RedisURL enables rate limiting and change events when set.
	RedisURL      string        `yaml:"redis_url"`
	EventsChannel string        `yaml:"events_channel"`
	RateLimit     int           `yaml:"rate_limit"`
	RateWindow    time.Duration `yaml:"rate_window"`

	DB DBConfig `yaml:"db"`

	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	TraceSampleRatio float64       `yaml:"trace_sample_ratio"`
	// TraceStdout writes finished spans to stderr.
	TraceStdout bool `yaml:"trace_stdout"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Addr:          ":8080",
		LogLevel:      "info",
		LogFormat:     "json",
		EventsChannel: "kanban.events",
		RateWindow:    time.Minute,
		DB: DBConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		ShutdownTimeout:  10 * time.Second,
		TraceSampleRatio: 1,
	}
}

// flag name -> environment variable
var envNames = map[string]string{
	"addr":                 "LISTEN_ADDR",
	"api-prefix":           "API_PREFIX",
	"database-url":         "DATABASE_URL",
	"log-level":            "LOG_LEVEL",
	"log-format":           "LOG_FORMAT",
	"log-file":             "LOG_FILE",
	"debug":                "DEBUG",
	"redis-url":            "REDIS_CONNECTION_STRING",
	"events-channel":       "EVENTS_CHANNEL",
	"rate-limit":           "RATE_LIMIT",
	"rate-window":          "RATE_WINDOW",
	"db-max-open-conns":    "DB_MAX_OPEN_CONNS",
	"db-max-idle-conns":    "DB_MAX_IDLE_CONNS",
	"db-conn-max-lifetime": "DB_CONN_MAX_LIFETIME",
	"shutdown-timeout":     "SHUTDOWN_TIMEOUT",
	"trace-sample-ratio":   "TRACE_SAMPLE_RATIO",
	"trace-stdout":         "TRACE_STDOUT",
}

const envConfigFile = "KANBAN_CONFIG"

// Load builds a Config from args (without the program name) and the
// environment as seen through getenv. The result is validated.
func Load(args []string, getenv func(string) string) (Config, error) {
	cfg := Default()
	var configFile string

	fs := pflag.NewFlagSet("kanban-api", pflag.ContinueOnError)
	fs.StringVar(&configFile, "config", "", "path to a YAML config file (env "+envConfigFile+")")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.APIPrefix, "api-prefix", cfg.APIPrefix, "path prefix for all API routes, e.g. /api")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "postgres:// or sqlite: database URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or text")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "also append logs to this file")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "force debug logging")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis URL or host:port[,password=...][,ssl=true]")
	fs.StringVar(&cfg.EventsChannel, "events-channel", cfg.EventsChannel, "redis channel for change events")
	fs.IntVar(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "requests per window per client, 0 disables")
	fs.DurationVar(&cfg.RateWindow, "rate-window", cfg.RateWindow, "rate limit window")
	fs.IntVar(&cfg.DB.MaxOpenConns, "db-max-open-conns", cfg.DB.MaxOpenConns, "maximum open database connections")
	fs.IntVar(&cfg.DB.MaxIdleConns, "db-max-idle-conns", cfg.DB.MaxIdleConns, "maximum idle database connections")
	fs.DurationVar(&cfg.DB.ConnMaxLifetime, "db-conn-max-lifetime", cfg.DB.ConnMaxLifetime, "maximum database connection lifetime")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown timeout")
	fs.Float64Var(&cfg.TraceSampleRatio, "trace-sample-ratio", cfg.TraceSampleRatio, "fraction of root traces sampled")
	fs.BoolVar(&cfg.TraceStdout, "trace-stdout", cfg.TraceStdout, "export spans as JSON to stderr")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	// remember explicit flags; they are re-applied on top of file and env
	explicit := map[string]string{}
	fs.Visit(func(f *pflag.Flag) { explicit[f.Name] = f.Value.String() })

	if configFile == "" {
		configFile = getenv(envConfigFile)
	}
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", configFile, err)
		}
	}

	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		env, ok := envNames[f.Name]
		if !ok {
			return
		}
		if v := getenv(env); v != "" {
			if err := f.Value.Set(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", env, err))
			}
		}
	})
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	for name, v := range explicit {
		if err := fs.Lookup(name).Value.Set(v); err != nil {
			return Config{}, fmt.Errorf("--%s: %w", name, err)
		}
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("database_url is required"))
	}
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}
	if c.DB.MaxOpenConns < 0 || c.DB.MaxIdleConns < 0 || c.DB.ConnMaxLifetime < 0 {
		errs = append(errs, errors.New("db pool settings must not be negative"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rate_limit must not be negative"))
	}
	if c.RateLimit > 0 && c.RateWindow <= 0 {
		errs = append(errs, errors.New("rate_window must be positive when rate_limit is set"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("trace_sample_ratio must be within [0,1], got %v", c.TraceSampleRatio))
	}
	return errors.Join(errs...)
}

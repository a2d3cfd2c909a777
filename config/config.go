/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package config loads layered configuration: defaults, an optional file
// (YAML, JSON, JSONC or TOML), CONDUIT_* environment variables, the legacy
// variables of earlier releases, and command line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"

	"github.com/PivotLLM/Conduit/global"
)

// Config provides access to application configuration
type Config struct {
	configPath string         // resolved path to config file, empty when none
	flags      *pflag.FlagSet // bound command line flags (optional)
	v          *viper.Viper
	data       *configData
}

// configData holds the parsed configuration (internal)
type configData struct {
	Server    Server    `mapstructure:"server"`
	Sessions  Sessions  `mapstructure:"sessions"`
	RateLimit RateLimit `mapstructure:"rate_limit"`
	Execution Execution `mapstructure:"execution"`
	Streaming Streaming `mapstructure:"streaming"`
	Logging   Logging   `mapstructure:"logging"`
	Tools     Tools     `mapstructure:"tools"`
}

// Server represents HTTP server configuration
type Server struct {
	Listen     string `mapstructure:"listen"`
	Endpoint   string `mapstructure:"endpoint"`
	LockFile   string `mapstructure:"lock_file"`
	Production bool   `mapstructure:"production"`
}

// Sessions represents session limits
type Sessions struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	HistoryLimit  int           `mapstructure:"history_limit"`
}

// RateLimit represents per-session rate limiting configuration
type RateLimit struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Period      time.Duration `mapstructure:"period"`
}

// Execution represents execution engine configuration
type Execution struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxOutputBytes  int64         `mapstructure:"max_output_bytes"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	ResultTTL       time.Duration `mapstructure:"result_ttl"`
	ResultCacheSize int           `mapstructure:"result_cache_size"`
	WorkingDir      string        `mapstructure:"working_dir"`
	AllowShell      bool          `mapstructure:"allow_shell"`
}

// Streaming represents SSE configuration
type Streaming struct {
	KeepAlive          time.Duration `mapstructure:"keep_alive"`
	CancelOnDisconnect bool          `mapstructure:"cancel_on_disconnect"`
}

// Logging represents logging configuration
type Logging struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// Tools represents tool catalog configuration
type Tools struct {
	Manifest string `mapstructure:"manifest"`
}

// flag name -> config key
var flagKeys = map[string]string{
	"listen":      "server.listen",
	"production":  "server.production",
	"log-level":   "logging.level",
	"log-file":    "logging.file",
	"tools":       "tools.manifest",
	"allow-shell": "execution.allow_shell",
}

// Option is a functional option for configuring Config
type Option func(*Config)

// New creates a new Config instance with optional configuration
func New(opts ...Option) *Config {
	c := &Config{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithConfigPath sets an explicit config file path
func WithConfigPath(path string) Option {
	return func(c *Config) {
		c.configPath = path
	}
}

// WithFlags binds command line flags registered by RegisterFlags
func WithFlags(fs *pflag.FlagSet) Option {
	return func(c *Config) {
		c.flags = fs
	}
}

// RegisterFlags defines the flags that override configuration keys
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to config file (YAML, JSON, JSONC or TOML); env "+global.ConfigEnvVar)
	fs.String("listen", global.DefaultListen, "address to listen on")
	fs.String("log-level", global.LogLevelInfo, "log level (DEBUG, INFO, WARN, ERROR)")
	fs.String("log-file", "", "log file path (default stderr)")
	fs.String("tools", "", "path to a tool manifest")
	fs.Bool("production", false, "hide internal error details from clients")
	fs.Bool("allow-shell", false, "register the run_command tool")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", global.DefaultListen)
	v.SetDefault("server.endpoint", global.DefaultEndpoint)
	v.SetDefault("server.lock_file", "")
	v.SetDefault("server.production", false)

	v.SetDefault("sessions.max_concurrent", global.DefaultMaxConcurrent)
	v.SetDefault("sessions.idle_timeout", global.DefaultIdleTimeout)
	v.SetDefault("sessions.sweep_interval", global.DefaultSweepInterval)
	v.SetDefault("sessions.history_limit", global.DefaultHistoryLimit)

	v.SetDefault("rate_limit.max_requests", global.DefaultRateLimitRequests)
	v.SetDefault("rate_limit.period", global.DefaultRateLimitPeriod)

	v.SetDefault("execution.timeout", global.DefaultTimeout)
	v.SetDefault("execution.max_output_bytes", global.DefaultMaxOutputBytes)
	v.SetDefault("execution.grace_period", global.DefaultGracePeriod)
	v.SetDefault("execution.result_ttl", global.DefaultResultTTL)
	v.SetDefault("execution.result_cache_size", global.DefaultResultCacheSize)
	v.SetDefault("execution.working_dir", "")
	v.SetDefault("execution.allow_shell", false)

	v.SetDefault("streaming.keep_alive", global.DefaultKeepAlive)
	v.SetDefault("streaming.cancel_on_disconnect", true)

	v.SetDefault("logging.file", "")
	v.SetDefault("logging.level", global.LogLevelInfo)

	v.SetDefault("tools.manifest", "")
}

// Load reads and validates configuration
func (c *Config) Load() error {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(global.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if c.flags != nil {
		if err := c.bindFlags(v); err != nil {
			return err
		}
	}

	c.configPath = c.resolveConfigPath()
	if c.configPath != "" {
		if err := readConfigFile(v, c.configPath); err != nil {
			return err
		}
	}

	if err := c.applyLegacyEnv(v); err != nil {
		return err
	}

	var cfg configData
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}
	c.v = v
	c.data = &cfg

	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) bindFlags(v *viper.Viper) error {
	for name, key := range flagKeys {
		f := c.flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// resolveConfigPath determines the config file path using precedence rules
func (c *Config) resolveConfigPath() string {
	// 1. Explicit path (from WithConfigPath option)
	if c.configPath != "" {
		return global.ExpandHomePath(c.configPath)
	}

	// 2. --config flag
	if c.flags != nil {
		if f := c.flags.Lookup("config"); f != nil && f.Value.String() != "" {
			return global.ExpandHomePath(f.Value.String())
		}
	}

	// 3. Environment variable
	if envPath := os.Getenv(global.ConfigEnvVar); envPath != "" {
		return global.ExpandHomePath(envPath)
	}

	// No file: defaults, environment and flags only
	return ""
}

func readConfigFile(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	format := global.FileFormat(path)
	switch format {
	case "jsonc":
		data = jsonc.ToJSON(data)
		format = "json"
	case "yaml", "json", "toml":
	default:
		return fmt.Errorf("unsupported config file format %q: %s", format, path)
	}

	v.SetConfigType(format)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyLegacyEnv honours the environment variables of earlier releases. They
// rank below CONDUIT_* variables and flags, above the config file.
func (c *Config) applyLegacyEnv(v *viper.Viper) error {
	legacy := []struct {
		env   string
		key   string
		flag  string
		parse func(string) (any, error)
	}{
		{global.LegacyPortEnvVar, "server.listen", "listen", func(s string) (any, error) {
			port, err := strconv.Atoi(s)
			if err != nil || port < 1 || port > 65535 {
				return nil, fmt.Errorf("invalid port %q", s)
			}
			return ":" + strconv.Itoa(port), nil
		}},
		{global.LegacyLogLevelEnvVar, "logging.level", "log-level", func(s string) (any, error) {
			return strings.ToUpper(s), nil
		}},
		{global.LegacyTimeoutEnvVar, "execution.timeout", "", func(s string) (any, error) {
			secs, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("invalid seconds %q", s)
			}
			return time.Duration(secs) * time.Second, nil
		}},
		{global.LegacyRateLimitEnvVar, "rate_limit.max_requests", "", func(s string) (any, error) {
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("invalid count %q", s)
			}
			return n, nil
		}},
	}

	for _, l := range legacy {
		raw, ok := os.LookupEnv(l.env)
		if !ok || raw == "" {
			continue
		}
		if _, set := os.LookupEnv(envName(l.key)); set {
			continue
		}
		if l.flag != "" && c.flags != nil {
			if f := c.flags.Lookup(l.flag); f != nil && f.Changed {
				continue
			}
		}
		val, err := l.parse(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%s: %w", l.env, err)
		}
		v.Set(l.key, val)
	}
	return nil
}

// envName returns the CONDUIT_* variable for a config key
func envName(key string) string {
	return global.EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// validate validates the configuration
func (c *Config) validate() error {
	d := c.data

	if strings.TrimSpace(d.Server.Listen) == "" {
		return errors.New("server.listen cannot be empty")
	}
	if !strings.HasPrefix(d.Server.Endpoint, "/") {
		return fmt.Errorf("server.endpoint must start with '/': %q", d.Server.Endpoint)
	}
	if d.Server.Endpoint == global.HealthPath {
		return fmt.Errorf("server.endpoint cannot be %s", global.HealthPath)
	}
	d.Server.LockFile = global.ExpandHomePath(d.Server.LockFile)

	if d.Sessions.MaxConcurrent < 1 {
		return fmt.Errorf("sessions.max_concurrent must be at least 1, got %d", d.Sessions.MaxConcurrent)
	}
	if d.Sessions.IdleTimeout <= 0 {
		return errors.New("sessions.idle_timeout must be positive")
	}
	if d.Sessions.SweepInterval <= 0 {
		return errors.New("sessions.sweep_interval must be positive")
	}
	if d.Sessions.HistoryLimit < 0 {
		return errors.New("sessions.history_limit cannot be negative")
	}

	if d.RateLimit.MaxRequests < 0 {
		return errors.New("rate_limit.max_requests cannot be negative")
	}
	if d.RateLimit.MaxRequests > 0 && d.RateLimit.Period <= 0 {
		return errors.New("rate_limit.period must be positive when rate limiting is enabled")
	}

	timeout, err := global.ValidateTimeout(d.Execution.Timeout, global.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("execution.timeout: %w", err)
	}
	d.Execution.Timeout = timeout
	if d.Execution.MaxOutputBytes <= 0 {
		return errors.New("execution.max_output_bytes must be positive")
	}
	if d.Execution.GracePeriod < 0 {
		return errors.New("execution.grace_period cannot be negative")
	}
	if d.Execution.ResultTTL < 0 {
		return errors.New("execution.result_ttl cannot be negative")
	}
	if d.Execution.ResultCacheSize < 0 {
		return errors.New("execution.result_cache_size cannot be negative")
	}
	if d.Execution.WorkingDir != "" {
		d.Execution.WorkingDir = global.ExpandHomePath(d.Execution.WorkingDir)
		if !global.DirExists(d.Execution.WorkingDir) {
			return fmt.Errorf("execution.working_dir does not exist: %s", d.Execution.WorkingDir)
		}
	}

	if d.Streaming.KeepAlive <= 0 {
		return errors.New("streaming.keep_alive must be positive")
	}

	d.Logging.Level = strings.ToUpper(strings.TrimSpace(d.Logging.Level))
	if !global.ValidLogLevel(d.Logging.Level) {
		return fmt.Errorf("invalid logging.level %q", d.Logging.Level)
	}

	if d.Tools.Manifest != "" {
		d.Tools.Manifest = global.ExpandHomePath(d.Tools.Manifest)
		if !global.FileExists(d.Tools.Manifest) {
			return fmt.Errorf("tools.manifest not found: %s", d.Tools.Manifest)
		}
	}
	return nil
}

// ConfigPath returns the config file in use, or "" when none was read
//
//goland:noinspection GoNameStartsWithPackageName
func (c *Config) ConfigPath() string {
	return c.configPath
}

// Server returns the HTTP server configuration
func (c *Config) Server() Server {
	return c.data.Server
}

// Sessions returns the session limits
func (c *Config) Sessions() Sessions {
	return c.data.Sessions
}

// RateLimit returns the rate limit configuration
func (c *Config) RateLimit() RateLimit {
	return c.data.RateLimit
}

// Execution returns the execution engine configuration
func (c *Config) Execution() Execution {
	return c.data.Execution
}

// Streaming returns the SSE configuration
func (c *Config) Streaming() Streaming {
	return c.data.Streaming
}

// LogFile returns the log file path ("" for stderr)
func (c *Config) LogFile() string {
	return c.data.Logging.File
}

// LogLevel returns the log level
func (c *Config) LogLevel() string {
	return c.data.Logging.Level
}

// ToolManifest returns the tool manifest path, if any
func (c *Config) ToolManifest() string {
	return c.data.Tools.Manifest
}

// Settings returns every effective key, for diagnostics
func (c *Config) Settings() map[string]any {
	if c.v == nil {
		return nil
	}
	return c.v.AllSettings()
}

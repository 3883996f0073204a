package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/urai-sidecar/internal/logger"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// URAI_SIDECAR_INSTALL_DIR or URAI_SIDECAR_LOG_LEVEL.
const EnvPrefix = "URAI_SIDECAR"

// Config represents the TOML configuration file.
type Config struct {
	InstallDir     string        `toml:"install_dir" mapstructure:"install_dir"`
	BinaryName     string        `toml:"binary_name" mapstructure:"binary_name"`
	LockFile       string        `toml:"lock_file" mapstructure:"lock_file"`
	StartupTimeout time.Duration `toml:"startup_timeout" mapstructure:"startup_timeout"`
	LockGuard      bool          `toml:"lock_guard" mapstructure:"lock_guard"`
	ScratchRoot    string        `toml:"scratch_root" mapstructure:"scratch_root"`

	// Worker environment: optional OS env as base, then env_files, then env.
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Credentials CredentialsConfig `toml:"credentials" mapstructure:"credentials"`
	Log         LogConfig         `toml:"log" mapstructure:"log"`
	History     HistoryConfig     `toml:"history" mapstructure:"history"`
	Metrics     MetricsConfig     `toml:"metrics" mapstructure:"metrics"`
	Server      ServerConfig      `toml:"server" mapstructure:"server"`
	Provision   ProvisionConfig   `toml:"provision" mapstructure:"provision"`
}

type CredentialsConfig struct {
	OpenAIAPIKey string `toml:"openai_api_key" mapstructure:"openai_api_key"`
	GeminiAPIKey string `toml:"gemini_api_key" mapstructure:"gemini_api_key"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	File       string `toml:"file" mapstructure:"file"` // host log file
	Dir        string `toml:"dir" mapstructure:"dir"`   // worker stdout/stderr files
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type MetricsConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

type ServerConfig struct {
	Listen   string     `toml:"listen" mapstructure:"listen"`
	BasePath string     `toml:"base_path" mapstructure:"base_path"`
	Auth     AuthConfig `toml:"auth" mapstructure:"auth"`
}

// AuthConfig protects the control API. SecretHash is a bcrypt hash as printed
// by "urai-sidecar hash-secret".
type AuthConfig struct {
	Enabled    bool          `toml:"enabled" mapstructure:"enabled"`
	SecretHash string        `toml:"secret_hash" mapstructure:"secret_hash"`
	JWTSecret  string        `toml:"jwt_secret" mapstructure:"jwt_secret"`
	TokenTTL   time.Duration `toml:"token_ttl" mapstructure:"token_ttl"`
}

type ProvisionConfig struct {
	Enabled  bool `toml:"enabled" mapstructure:"enabled"`
	Parallel int  `toml:"parallel" mapstructure:"parallel"`
}

var defaults = map[string]any{
	"install_dir":                "",
	"binary_name":                "urai-helper",
	"lock_file":                  ".urai-helper.lock",
	"startup_timeout":            "30s",
	"lock_guard":                 true,
	"scratch_root":               "",
	"use_os_env":                 true,
	"credentials.openai_api_key": "",
	"credentials.gemini_api_key": "",
	"log.level":                  "info",
	"log.format":                 "text",
	"log.file":                   "",
	"log.dir":                    "",
	"log.max_size_mb":            logger.DefaultMaxSizeMB,
	"log.max_backups":            logger.DefaultMaxBackups,
	"log.max_age_days":           logger.DefaultMaxAgeDays,
	"log.compress":               false,
	"history.dsn":                "",
	"metrics.listen":             "",
	"server.listen":              "127.0.0.1:8765",
	"server.base_path":           "/",
	"server.auth.enabled":        false,
	"server.auth.secret_hash":    "",
	"server.auth.jwt_secret":     "",
	"server.auth.token_ttl":      "1h",
	"provision.enabled":          true,
	"provision.parallel":         4,
}

// Load reads path (optional) and applies URAI_SIDECAR_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ApplyDefaults fills fields left empty by a hand-built Config.
func (c *Config) ApplyDefaults() {
	if c.BinaryName == "" {
		c.BinaryName = "urai-helper"
	}
	if c.LockFile == "" {
		c.LockFile = ".urai-helper.lock"
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/"
	}
	if c.Provision.Parallel <= 0 {
		c.Provision.Parallel = 4
	}
	if c.InstallDir != "" {
		c.InstallDir = filepath.Clean(c.InstallDir)
	}
}

// Validate rejects settings that would make the supervisor misbehave.
func (c *Config) Validate() error {
	if strings.ContainsAny(c.BinaryName, `/\`) {
		return fmt.Errorf("binary_name %q must be a file name", c.BinaryName)
	}
	if strings.ContainsAny(c.LockFile, `/\`) {
		return fmt.Errorf("lock_file %q must be a file name", c.LockFile)
	}
	if a := c.Server.Auth; a.Enabled && (a.SecretHash == "" || a.JWTSecret == "") {
		return errors.New("server.auth requires secret_hash and jwt_secret")
	}
	return nil
}

// RequireInstallDir returns the install dir or an error when none is configured.
func (c *Config) RequireInstallDir() (string, error) {
	if c.InstallDir == "" {
		return "", errors.New("install_dir is not set (use --install-dir or URAI_SIDECAR_INSTALL_DIR)")
	}
	return c.InstallDir, nil
}

// CredentialMap returns the configured provider keys, skipping empty ones.
func (c *Config) CredentialMap() map[string]string {
	m := make(map[string]string, 2)
	if c.Credentials.OpenAIAPIKey != "" {
		m["openai"] = c.Credentials.OpenAIAPIKey
	}
	if c.Credentials.GeminiAPIKey != "" {
		m["gemini"] = c.Credentials.GeminiAPIKey
	}
	return m
}

// LoggerConfig converts the [log] table.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		File: logger.FileConfig{
			Dir:        c.Log.Dir,
			HostPath:   c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// WorkerEnv merges the worker base environment.
// Precedence: OS env (when enabled) provides base; then apply file vars; then env list overrides last.
func (c *Config) WorkerEnv() ([]string, error) {
	m := make(map[string]string)
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				m[k] = v
			}
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}

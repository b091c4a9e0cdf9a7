// Package config loads the daemon configuration from TOML with viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/warden/internal/logger"
)

const EnvPrefix = "WARDEN"

type Config struct {
	DataDir    string           `mapstructure:"data_dir"`
	LogDir     string           `mapstructure:"log_dir"`
	Env        []string         `mapstructure:"env"`
	EnvFiles   []string         `mapstructure:"env_files"`
	UseOSEnv   bool             `mapstructure:"use_os_env"`
	Server     ServerConfig     `mapstructure:"server"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Stream     StreamConfig     `mapstructure:"stream"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Log        logger.Config    `mapstructure:"log"`
	History    HistoryConfig    `mapstructure:"history"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Download   DownloadConfig   `mapstructure:"download"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type SupervisorConfig struct {
	StartupTimeout    time.Duration `mapstructure:"startup_timeout"`
	PIDPollInterval   time.Duration `mapstructure:"pid_poll_interval"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`
	ControlTimeout    time.Duration `mapstructure:"control_timeout"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	Workers           int           `mapstructure:"workers"`
}

type StreamConfig struct {
	ThoughtPollCeiling int           `mapstructure:"thought_poll_ceiling"`
	ThoughtPollDelay   time.Duration `mapstructure:"thought_poll_delay"`
	MaxTokens          int           `mapstructure:"max_tokens"`
	APIKey             string        `mapstructure:"api_key"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

// OpenAIConfig is the OpenAI-compatible gateway serving model targets.
type OpenAIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type HistoryConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	DSNs    []string      `mapstructure:"dsns"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DownloadConfig struct {
	Dir      string        `mapstructure:"dir"`
	Interval time.Duration `mapstructure:"interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log_dir", "./logs")
	v.SetDefault("server.listen", ":8005")
	v.SetDefault("server.base_path", "")
	v.SetDefault("supervisor.startup_timeout", "30s")
	v.SetDefault("supervisor.pid_poll_interval", "500ms")
	v.SetDefault("supervisor.stop_timeout", "10s")
	v.SetDefault("supervisor.control_timeout", "2m")
	v.SetDefault("supervisor.reconcile_interval", "0s")
	v.SetDefault("supervisor.workers", 4)
	v.SetDefault("stream.thought_poll_ceiling", 60)
	v.SetDefault("stream.thought_poll_delay", "1s")
	v.SetDefault("stream.max_tokens", 4096)
	v.SetDefault("stream.api_key", "xxxx")
	v.SetDefault("stream.timeout", "30m")
	v.SetDefault("openai.host", "localhost")
	v.SetDefault("openai.port", 8000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.timeout", "5s")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("download.interval", "500ms")
}

// Default returns the configuration used when no file is given.
func Default() (*Config, error) {
	return Load("")
}

// Load reads path (TOML) over the defaults. An empty path uses defaults and
// the environment only. WARDEN_SERVER_LISTEN overrides server.listen and so
// on.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
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
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.LogDir == "" {
		return fmt.Errorf("log_dir is required")
	}
	if c.Supervisor.Workers < 0 {
		return fmt.Errorf("supervisor.workers must not be negative")
	}
	if c.Stream.ThoughtPollCeiling <= 0 {
		return fmt.Errorf("stream.thought_poll_ceiling must be positive")
	}
	if c.Stream.MaxTokens <= 0 {
		return fmt.Errorf("stream.max_tokens must be positive")
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		return fmt.Errorf("history.enabled requires at least one dsn")
	}
	return nil
}

// DownloadDir is where archives are fetched when a request names none.
func (c *Config) DownloadDir() string {
	if c.Download.Dir != "" {
		return c.Download.Dir
	}
	return filepath.Join(c.DataDir, "downloads")
}

// GlobalEnv merges the variables handed to every service: OS env when
// use_os_env is set, then env_files in order, then the env list.
func (c *Config) GlobalEnv() ([]string, error) {
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
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m, nil
}

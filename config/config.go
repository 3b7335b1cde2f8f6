// Package config loads promptflow settings from a YAML file and PROMPTFLOW_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/songzhibin97/promptflow/llm"
	"github.com/songzhibin97/promptflow/storage"
)

// EnvPrefix is prepended to every environment variable, e.g. PROMPTFLOW_LLM_API_KEY.
const EnvPrefix = "PROMPTFLOW"

// Config is the full configuration of the CLI and server.
type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	HTTP   HTTPConfig   `mapstructure:"http"`
	Redis  RedisConfig  `mapstructure:"redis"`
	LLM    LLMConfig    `mapstructure:"llm"`
	Engine EngineConfig `mapstructure:"engine"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// RedisConfig selects Redis-backed storage when Enabled is set; otherwise
// templates and runs live in memory.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	RunTTL   time.Duration `mapstructure:"run_ttl"`
}

type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type EngineConfig struct {
	EventBuffer int  `mapstructure:"event_buffer"`
	CountTokens bool `mapstructure:"count_tokens"`
	// ClearFinishedEvery drops finished run records periodically; 0 keeps them.
	ClearFinishedEvery time.Duration `mapstructure:"clear_finished_every"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.run_ttl", 24*time.Hour)
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 2*time.Minute)
	v.SetDefault("engine.event_buffer", 256)
	v.SetDefault("engine.count_tokens", false)
	v.SetDefault("engine.clear_finished_every", time.Duration(0))
}

// New returns a viper instance with defaults and environment binding set up.
// path may be empty, in which case only defaults and the environment apply.
func New(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

// Load reads the configuration file at path (if any) and decodes it.
func Load(path string) (Config, error) {
	return Decode(New(path))
}

// Decode reads v's config file, when one is set, and unmarshals the result.
func Decode(v *viper.Viper) (Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.Engine.EventBuffer <= 0 {
		errs = append(errs, errors.New("engine.event_buffer must be positive"))
	}
	if c.Engine.ClearFinishedEvery < 0 {
		errs = append(errs, errors.New("engine.clear_finished_every must not be negative"))
	}
	if c.LLM.Timeout < 0 {
		errs = append(errs, errors.New("llm.timeout must not be negative"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	return errors.Join(errs...)
}

// RedisOptions converts the Redis section to storage options.
func (c Config) RedisOptions() storage.RedisOptions {
	return storage.RedisOptions{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		RunTTL:   c.Redis.RunTTL,
	}
}

// OpenAIOptions converts the LLM section to caller options.
func (c Config) OpenAIOptions() llm.OpenAIOptions {
	return llm.OpenAIOptions{
		BaseURL:      c.LLM.BaseURL,
		APIKey:       c.LLM.APIKey,
		DefaultModel: c.LLM.Model,
		Timeout:      c.LLM.Timeout,
	}
}

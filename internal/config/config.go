// Package config loads runtime configuration for the service.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config mirrors the structure of config.yaml.
type Config struct {
	Server     ServerConfig              `mapstructure:"server"`
	Log        LogConfig                 `mapstructure:"log"`
	Database   DatabaseConfig            `mapstructure:"database"`
	Storage    StorageConfig             `mapstructure:"storage"`
	Redis      RedisConfig               `mapstructure:"redis"`
	Extractor  ExtractorConfig           `mapstructure:"extractor"`
	LLM        LLMConfig                 `mapstructure:"llm"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"`
	Dispatcher DispatcherConfig          `mapstructure:"dispatcher"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
	Mode    string `mapstructure:"mode"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// DatabaseConfig describes the relational database holding user accounts
// and, with the "sql" storage backend, chat sessions.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// StorageConfig selects the session store backend.
type StorageConfig struct {
	// Backend is "sql" or "file".
	Backend string `mapstructure:"backend"`
	// SessionsDir holds one JSON document per session for the file backend.
	SessionsDir string `mapstructure:"sessions_dir"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ExtractorConfig selects how uploaded documents are converted to text.
type ExtractorConfig struct {
	// Mode is "file" (local parser) or "tika" (Apache Tika server).
	Mode    string `mapstructure:"mode"`
	TikaURL string `mapstructure:"tika_url"`
}

type LLMConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
}

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

type DispatcherConfig struct {
	MinWorkers      int `mapstructure:"min_workers"`
	MaxWorkers      int `mapstructure:"max_workers"`
	QueueSize       int `mapstructure:"queue_size"`
	IdleTimeoutSecs int `mapstructure:"idle_timeout_secs"`
}

// Load reads configuration from the provided path (defaults to config.yaml).
// Values can be overridden through PDFTUTOR_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	v.SetEnvPrefix("pdftutor")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.address", ":8090")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("storage.backend", "sql")
	v.SetDefault("storage.sessions_dir", "./data/chat_sessions")
	v.SetDefault("extractor.mode", "file")
	v.SetDefault("dispatcher.min_workers", 2)
	v.SetDefault("dispatcher.max_workers", 16)
	v.SetDefault("dispatcher.queue_size", 64)
	v.SetDefault("dispatcher.idle_timeout_secs", 60)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn must be configured")
	}
	return &cfg, nil
}

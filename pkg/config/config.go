// Package config loads service settings from defaults, an optional config
// file under ./configs, and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/siteloom/backend/pkg/storage"
)

// StorageConfig selects the artifact store backend and its settings.
type StorageConfig struct {
	// Backend is one of fs, minio, sftp.
	Backend string              `mapstructure:"backend"`
	Root    string              `mapstructure:"root"`
	Minio   storage.MinioConfig `mapstructure:"minio"`
	SFTP    storage.SFTPConfig  `mapstructure:"sftp"`
}

// Open constructs the configured store.
func (c StorageConfig) Open() (storage.Store, error) {
	switch c.Backend {
	case "", "fs":
		return storage.NewFSStore(c.Root)
	case "minio":
		return storage.NewMinioStore(c.Minio)
	case "sftp":
		return storage.NewSFTPStore(c.SFTP)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.Backend)
	}
}

// GatewayConfig captures runtime settings for the gateway service.
type GatewayConfig struct {
	ListenAddr    string        `mapstructure:"listen_addr"`
	APIKey        string        `mapstructure:"api_key"`
	DatabaseDSN   string        `mapstructure:"database_dsn"`
	RedisURL      string        `mapstructure:"redis_url"`
	QueueName     string        `mapstructure:"queue_name"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	SourcePrefix  string        `mapstructure:"source_prefix"`
	BuildPrefix   string        `mapstructure:"build_prefix"`
	RenderTimeout time.Duration `mapstructure:"render_timeout"`
	PolicyFile    string        `mapstructure:"policy_file"`
	Storage       StorageConfig `mapstructure:"storage"`
}

// LoadGateway loads gateway configuration from defaults, files, and env vars.
func LoadGateway() (GatewayConfig, error) {
	v := newViper("GATEWAY")

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("queue_name", "builds")
	v.SetDefault("max_attempts", 3)
	v.SetDefault("retry_backoff", "30s")
	v.SetDefault("source_prefix", "sources")
	v.SetDefault("build_prefix", "builds")
	v.SetDefault("render_timeout", "5s")
	v.SetDefault("storage.backend", "fs")
	v.SetDefault("storage.root", "./data")

	if err := readIn(v); err != nil {
		return GatewayConfig{}, err
	}
	var cfg GatewayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return GatewayConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// WorkerConfig captures runtime settings for the build worker.
type WorkerConfig struct {
	DatabaseDSN     string        `mapstructure:"database_dsn"`
	RedisURL        string        `mapstructure:"redis_url"`
	QueueName       string        `mapstructure:"queue_name"`
	Concurrency     int           `mapstructure:"concurrency"`
	SourcePrefix    string        `mapstructure:"source_prefix"`
	BuildPrefix     string        `mapstructure:"build_prefix"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	PolicyFile      string        `mapstructure:"policy_file"`
	Storage         StorageConfig `mapstructure:"storage"`
}

// LoadWorker loads worker configuration from defaults, files, and env vars.
func LoadWorker() (WorkerConfig, error) {
	v := newViper("WORKER")

	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("queue_name", "builds")
	v.SetDefault("concurrency", 2)
	v.SetDefault("source_prefix", "sources")
	v.SetDefault("build_prefix", "builds")
	v.SetDefault("metrics_interval", "30s")
	v.SetDefault("storage.backend", "fs")
	v.SetDefault("storage.root", "./data")

	if err := readIn(v); err != nil {
		return WorkerConfig{}, err
	}
	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return WorkerConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func newViper(envPrefix string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readIn(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("load config: %w", err)
		}
	}
	return nil
}

// Package config handles configuration loading for the log management
// service.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fisheeesh/lms-sub000/internal/archive"
	"github.com/fisheeesh/lms-sub000/internal/cache"
	"github.com/fisheeesh/lms-sub000/internal/export"
	"github.com/fisheeesh/lms-sub000/internal/ingest"
	"github.com/fisheeesh/lms-sub000/internal/notify"
	"github.com/fisheeesh/lms-sub000/internal/pipeline"
	"github.com/fisheeesh/lms-sub000/internal/rules"
	"github.com/fisheeesh/lms-sub000/internal/storage"
)

// Config holds the complete application configuration.
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Ingest     IngestConfig            `yaml:"ingest"`
	Queue      QueueConfig             `yaml:"queue"`
	Logging    LoggingConfig           `yaml:"logging"`
	Storage    StorageConfig           `yaml:"storage"`
	Pipeline   pipeline.Config         `yaml:"pipeline"`
	Redis      notify.RedisConfig      `yaml:"redis"`
	Jobs       notify.QueueConfig      `yaml:"jobs"`
	SMTP       notify.SMTPConfig       `yaml:"smtp"`
	Dispatcher notify.DispatcherConfig `yaml:"dispatcher"`
	Rules      RulesConfig             `yaml:"rules"`
	Cache      CacheConfig             `yaml:"cache"`
	Export     export.Config           `yaml:"export"`
	Archive    archive.Config          `yaml:"archive"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	MaxBatchSize   int                    `yaml:"max_batch_size"`
	MaxPayloadSize int                    `yaml:"max_payload_size"`
	DefaultTenant  string                 `yaml:"default_tenant"`
	Syslog         SyslogListeners        `yaml:"syslog"`
	RateLimit      ingest.RateLimitConfig `yaml:"rate_limit"`
}

// SyslogListeners holds the UDP and TCP syslog listener settings. Both
// listeners share one address so firewalls can send over either
// transport.
type SyslogListeners struct {
	UDPEnabled bool                `yaml:"udp_enabled"`
	TCPEnabled bool                `yaml:"tcp_enabled"`
	Listener   ingest.SyslogConfig `yaml:"listener"`
}

// QueueConfig holds ingest queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	Enabled     bool                      `yaml:"enabled"`
	ClickHouse  storage.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter storage.BatchWriterConfig `yaml:"batch_writer"`
	Retention   storage.RetentionConfig   `yaml:"retention"`
}

// RulesConfig holds alert rule settings.
type RulesConfig struct {
	// Dir holds the YAML rule files loaded at startup.
	Dir    string             `yaml:"dir"`
	Engine rules.EngineConfig `yaml:"engine"`
}

// CacheConfig holds cache invalidation settings.
type CacheConfig struct {
	Invalidator cache.InvalidatorConfig `yaml:"invalidator"`
	Consumer    cache.ConsumerConfig    `yaml:"consumer"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024,
			DefaultTenant:  "default",
			Syslog: SyslogListeners{
				UDPEnabled: true,
				TCPEnabled: true,
				Listener:   ingest.DefaultSyslogConfig(),
			},
			RateLimit: ingest.DefaultRateLimitConfig(),
		},
		Queue: QueueConfig{
			Size: 100000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Enabled:     false,
			ClickHouse:  storage.DefaultClickHouseConfig(),
			BatchWriter: storage.DefaultBatchWriterConfig(),
			Retention:   storage.DefaultRetentionConfig(),
		},
		Pipeline:   pipeline.DefaultConfig(),
		Redis:      notify.DefaultRedisConfig(),
		Jobs:       notify.DefaultQueueConfig(),
		SMTP:       notify.DefaultSMTPConfig(),
		Dispatcher: notify.DefaultDispatcherConfig(),
		Rules: RulesConfig{
			Dir:    "configs/rules",
			Engine: rules.DefaultEngineConfig(),
		},
		Cache: CacheConfig{
			Invalidator: cache.DefaultInvalidatorConfig(),
			Consumer:    cache.DefaultConsumerConfig(),
		},
		Export:  export.DefaultConfig(),
		Archive: archive.DefaultConfig(),
	}
}

// Load reads configuration from LMS_CONFIG_PATH (falling back to
// configs/config.yaml) over the defaults, then applies environment
// overrides. A missing file is not an error.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("LMS_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("LMS_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}
	if level := os.Getenv("LMS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if tenant := os.Getenv("LMS_DEFAULT_TENANT"); tenant != "" {
		c.Ingest.DefaultTenant = tenant
	}

	if enabled := os.Getenv("LMS_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Export.Enabled = true
		c.Export.Brokers = splitAndTrim(brokers, ",")
	}

	if bucket := os.Getenv("LMS_ARCHIVE_BUCKET"); bucket != "" {
		c.Archive.Enabled = true
		c.Archive.Bucket = bucket
	}

	if host := os.Getenv("SMTP_HOST"); host != "" {
		c.SMTP.Host = host
	}
	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		c.SMTP.Username = user
	}
	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		c.SMTP.Password = pass
	}
	if to := os.Getenv("LMS_NOTIFY_TO"); to != "" {
		c.Rules.Engine.NotifyTo = to
		c.Dispatcher.DefaultTo = to
	}
}

// splitAndTrim splits a string by separator and drops empty parts.
func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}
	if c.Storage.Retention.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be positive")
	}
	if err := c.Export.Validate(); err != nil {
		return err
	}
	if err := c.Archive.Validate(); err != nil {
		return err
	}
	return nil
}

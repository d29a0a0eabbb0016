package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendRedis    = "redis"
	BackendLocal    = "local"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	AppPort       string
	InstanceID    string
	LogLevel      string
	LogFormat     string
	MigrationsDir string

	StorageBackend string
	DBHost         string
	DBPort         string
	DBUser         string
	DBPassword     string
	DBName         string
	DBSSLMode      string

	LockBackend     string
	LockWaitTimeout time.Duration
	LockLeaseTime   time.Duration

	RedisURL       string
	RedisKeyPrefix string

	AsyncEnabled        bool
	StreamKey           string
	StreamGroup         string
	StreamWorkers       int
	StreamBatchSize     int64
	StreamBlock         time.Duration
	StreamRetention     time.Duration
	VisibilityTimeout   time.Duration
	ReclaimInterval     time.Duration
	StreamMaxDeliveries int64

	EventsEnabled          bool
	KafkaBrokers           string
	KafkaClientID          string
	KafkaGroupID           string
	KafkaTopicPartitions   int
	KafkaDLQPartitions     int
	KafkaReplicationFactor int

	FallbackSweepInterval time.Duration
	FallbackStatsInterval time.Duration
	FallbackBatchSize     int
	FallbackMaxRetry      int
	FallbackMaxBackoff    time.Duration
}

func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	instanceID := v.GetString("instance_id")
	if instanceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			instanceID = "unknown"
		} else {
			instanceID = hostname
		}
	}

	cfg := &Config{
		AppPort:       v.GetString("app_port"),
		InstanceID:    instanceID,
		LogLevel:      v.GetString("log_level"),
		LogFormat:     v.GetString("log_format"),
		MigrationsDir: v.GetString("migrations_dir"),

		StorageBackend: strings.ToLower(v.GetString("storage_backend")),
		DBHost:         v.GetString("db_host"),
		DBPort:         v.GetString("db_port"),
		DBUser:         v.GetString("db_user"),
		DBPassword:     v.GetString("db_password"),
		DBName:         v.GetString("db_name"),
		DBSSLMode:      v.GetString("db_sslmode"),

		LockBackend:     strings.ToLower(v.GetString("lock_backend")),
		LockWaitTimeout: v.GetDuration("lock_wait_timeout"),
		LockLeaseTime:   v.GetDuration("lock_lease_time"),

		RedisURL:       v.GetString("redis_url"),
		RedisKeyPrefix: v.GetString("redis_key_prefix"),

		AsyncEnabled:        v.GetBool("async_enabled"),
		StreamKey:           v.GetString("stream_key"),
		StreamGroup:         v.GetString("stream_group"),
		StreamWorkers:       v.GetInt("stream_workers"),
		StreamBatchSize:     v.GetInt64("stream_batch_size"),
		StreamBlock:         v.GetDuration("stream_block"),
		StreamRetention:     v.GetDuration("stream_retention"),
		VisibilityTimeout:   v.GetDuration("stream_visibility_timeout"),
		ReclaimInterval:     v.GetDuration("stream_reclaim_interval"),
		StreamMaxDeliveries: v.GetInt64("stream_max_deliveries"),

		EventsEnabled:          v.GetBool("events_enabled"),
		KafkaBrokers:           v.GetString("kafka_brokers"),
		KafkaClientID:          v.GetString("kafka_client_id"),
		KafkaGroupID:           v.GetString("kafka_group_id"),
		KafkaTopicPartitions:   v.GetInt("kafka_topic_partitions"),
		KafkaDLQPartitions:     v.GetInt("kafka_dlq_partitions"),
		KafkaReplicationFactor: v.GetInt("kafka_replication_factor"),

		FallbackSweepInterval: v.GetDuration("fallback_sweep_interval"),
		FallbackStatsInterval: v.GetDuration("fallback_stats_interval"),
		FallbackBatchSize:     v.GetInt("fallback_batch_size"),
		FallbackMaxRetry:      v.GetInt("fallback_max_retry"),
		FallbackMaxBackoff:    v.GetDuration("fallback_max_backoff"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("migrations_dir", "db/migrations")

	v.SetDefault("storage_backend", BackendPostgres)
	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", "5432")
	v.SetDefault("db_user", "postgres")
	v.SetDefault("db_password", "postgres")
	v.SetDefault("db_name", "coupondb")
	v.SetDefault("db_sslmode", "disable")

	v.SetDefault("lock_backend", BackendRedis)
	v.SetDefault("lock_wait_timeout", 5*time.Second)
	v.SetDefault("lock_lease_time", 10*time.Second)

	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("redis_key_prefix", "coupon")

	v.SetDefault("async_enabled", true)
	v.SetDefault("stream_key", "stream:coupon:issue")
	v.SetDefault("stream_group", "coupon-issue-group")
	v.SetDefault("stream_workers", 4)
	v.SetDefault("stream_batch_size", 10)
	v.SetDefault("stream_block", 2*time.Second)
	v.SetDefault("stream_retention", 24*time.Hour)
	v.SetDefault("stream_visibility_timeout", 30*time.Second)
	v.SetDefault("stream_reclaim_interval", 15*time.Second)
	v.SetDefault("stream_max_deliveries", 5)

	v.SetDefault("events_enabled", true)
	v.SetDefault("kafka_brokers", "kafka:9092")
	v.SetDefault("kafka_client_id", "coupon-service")
	v.SetDefault("kafka_group_id", "coupon-issued-log")
	v.SetDefault("kafka_topic_partitions", 3)
	v.SetDefault("kafka_dlq_partitions", 1)
	v.SetDefault("kafka_replication_factor", 1)

	v.SetDefault("fallback_sweep_interval", time.Minute)
	v.SetDefault("fallback_stats_interval", time.Hour)
	v.SetDefault("fallback_batch_size", 100)
	v.SetDefault("fallback_max_retry", 3)
	v.SetDefault("fallback_max_backoff", time.Hour)
}

func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND %q", c.StorageBackend)
	}
	switch c.LockBackend {
	case BackendRedis, BackendLocal:
	default:
		return fmt.Errorf("unsupported LOCK_BACKEND %q", c.LockBackend)
	}
	if c.LockWaitTimeout < 0 {
		return fmt.Errorf("LOCK_WAIT_TIMEOUT must not be negative")
	}
	if c.LockLeaseTime <= 0 {
		return fmt.Errorf("LOCK_LEASE_TIME must be positive")
	}
	if c.AsyncEnabled && c.StreamWorkers <= 0 {
		return fmt.Errorf("STREAM_WORKERS must be positive when async issuance is enabled")
	}
	if c.StreamRetention < 0 {
		return fmt.Errorf("STREAM_RETENTION must not be negative")
	}
	if c.VisibilityTimeout <= 0 || c.ReclaimInterval <= 0 {
		return fmt.Errorf("stream visibility timeout and reclaim interval must be positive")
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func (c *Config) Brokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// NeedsRedis reports whether any enabled component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.LockBackend == BackendRedis || c.AsyncEnabled
}

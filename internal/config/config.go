// Package config defines the runtime configuration for the batch processing
// services and validation of its invariants.
package config

import (
	"fmt"
	"time"
)

// OrchestratorConfig carries the tunables for job execution.
type OrchestratorConfig struct {
	// MaxChunkSize is the maximum number of rows per chunk.
	MaxChunkSize int64 `mapstructure:"max_chunk_size"`

	// MaxConcurrentChunks bounds how many chunks are in flight at once.
	MaxConcurrentChunks int `mapstructure:"max_concurrent_chunks"`

	// ChunkTimeout is the per-attempt deadline for processing one chunk.
	ChunkTimeout time.Duration `mapstructure:"chunk_timeout"`

	// LeaseDuration is the lifetime of the job lock lease between renewals.
	LeaseDuration time.Duration `mapstructure:"lease_duration"`

	// JobTTL is how long a job record stays reclaimable after creation.
	JobTTL time.Duration `mapstructure:"job_ttl"`

	// MaxRetryAttempts caps retries for lock acquisition and chunk processing.
	MaxRetryAttempts int `mapstructure:"max_retry_attempts"`

	// RetryInitialInterval is the first backoff delay between retries.
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`

	// RetryMaxInterval caps the backoff delay between retries.
	RetryMaxInterval time.Duration `mapstructure:"retry_max_interval"`
}

// PostgresConfig locates the job registry database.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`

	MinConns int32 `mapstructure:"min_conns"`
	MaxConns int32 `mapstructure:"max_conns"`
}

// DSN renders the connection string pgx expects.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// KafkaConfig locates the event transport.
type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	FileTriggersTopic string   `mapstructure:"file_triggers_topic"`
	JobLifecycleTopic string   `mapstructure:"job_lifecycle_topic"`
	ChunkResultsTopic string   `mapstructure:"chunk_results_topic"`
	GroupID           string   `mapstructure:"group_id"`
	ClientID          string   `mapstructure:"client_id"`
}

// ObjectStoreConfig locates input and output objects.
type ObjectStoreConfig struct {
	// RootDir is the directory backing the local filesystem store.
	RootDir string `mapstructure:"root_dir"`

	// UploadBucket is where input files arrive.
	UploadBucket string `mapstructure:"upload_bucket"`
}

// Config is the top-level configuration for one service instance.
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Postgres     PostgresConfig     `mapstructure:"postgres"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	ObjectStore  ObjectStoreConfig  `mapstructure:"object_store"`

	// LogLevel selects the minimum level emitted: debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
}

// Validate rejects configurations that cannot produce a working service.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxChunkSize <= 0 {
		return fmt.Errorf("orchestrator.max_chunk_size must be positive, got %d", c.Orchestrator.MaxChunkSize)
	}
	if c.Orchestrator.MaxConcurrentChunks <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent_chunks must be positive, got %d", c.Orchestrator.MaxConcurrentChunks)
	}
	if c.Orchestrator.ChunkTimeout <= 0 {
		return fmt.Errorf("orchestrator.chunk_timeout must be positive, got %s", c.Orchestrator.ChunkTimeout)
	}
	if c.Orchestrator.LeaseDuration <= 0 {
		return fmt.Errorf("orchestrator.lease_duration must be positive, got %s", c.Orchestrator.LeaseDuration)
	}
	if c.Orchestrator.MaxRetryAttempts <= 0 {
		return fmt.Errorf("orchestrator.max_retry_attempts must be positive, got %d", c.Orchestrator.MaxRetryAttempts)
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers must not be empty")
	}
	if c.Kafka.FileTriggersTopic == "" || c.Kafka.JobLifecycleTopic == "" || c.Kafka.ChunkResultsTopic == "" {
		return fmt.Errorf("kafka topics must all be set")
	}
	if c.Postgres.Host == "" || c.Postgres.Database == "" {
		return fmt.Errorf("postgres host and database must be set")
	}
	if c.ObjectStore.RootDir == "" {
		return fmt.Errorf("object_store.root_dir must be set")
	}
	if c.ObjectStore.UploadBucket == "" {
		return fmt.Errorf("object_store.upload_bucket must be set")
	}
	return nil
}

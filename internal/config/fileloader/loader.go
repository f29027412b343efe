// Package fileloader loads service configuration from a file with environment
// variable overrides.
package fileloader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/config"
)

// FileLoader loads configuration from a file on disk, layering environment
// variables over file values. Environment keys mirror config paths with
// underscores, prefixed with APP (e.g. APP_ORCHESTRATOR_MAX_CHUNK_SIZE).
type FileLoader struct {
	// path is the filesystem path to the configuration file. Empty means
	// defaults plus environment only.
	path string
}

// NewFileLoader creates a new FileLoader that will load configuration from the
// specified file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and parses the configuration, applies defaults and environment
// overrides, and validates the result.
func (l *FileLoader) Load(ctx context.Context) (*config.Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
		}
	}

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("orchestrator.max_chunk_size", 1000)
	v.SetDefault("orchestrator.max_concurrent_chunks", 5)
	v.SetDefault("orchestrator.chunk_timeout", 5*time.Minute)
	v.SetDefault("orchestrator.lease_duration", time.Minute)
	v.SetDefault("orchestrator.job_ttl", 24*time.Hour)
	v.SetDefault("orchestrator.max_retry_attempts", 3)
	v.SetDefault("orchestrator.retry_initial_interval", 500*time.Millisecond)
	v.SetDefault("orchestrator.retry_max_interval", 30*time.Second)

	v.SetDefault("postgres.host", "postgres")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "postgres")
	v.SetDefault("postgres.database", "batchjobs")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.min_conns", 5)
	v.SetDefault("postgres.max_conns", 20)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.file_triggers_topic", "file-triggers")
	v.SetDefault("kafka.job_lifecycle_topic", "job-lifecycle")
	v.SetDefault("kafka.chunk_results_topic", "chunk-results")
	v.SetDefault("kafka.group_id", "orchestrator-group")
	v.SetDefault("kafka.client_id", "orchestrator")

	v.SetDefault("object_store.root_dir", "/var/lib/batchjobs/objects")
	v.SetDefault("object_store.upload_bucket", "uploads")
}

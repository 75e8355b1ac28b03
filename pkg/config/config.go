// Package config provides configuration file support for pixelsync.
// It handles loading, validation, and environment variable interpolation
// for pixelsync.yaml configuration files.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the full pixelsync configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	MLService   MLServiceConfig   `mapstructure:"ml_service"`
	VectorStore VectorStoreConfig `mapstructure:"vector_store"`
	Dedup       DedupConfig       `mapstructure:"dedup"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MLServiceConfig holds settings for the external embedding/captioning service.
type MLServiceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxBatchSize   int           `mapstructure:"max_batch_size"`
	CapabilityPoll time.Duration `mapstructure:"capability_poll"`
	VectorSize     int           `mapstructure:"vector_size"`
}

// VectorStoreConfig holds vector DB settings.
type VectorStoreConfig struct {
	Backend       string `mapstructure:"backend"` // qdrant or pinecone
	Host          string `mapstructure:"host"`
	GRPCPort      int    `mapstructure:"grpc_port"`
	APIKey        string `mapstructure:"api_key"`
	UseTLS        bool   `mapstructure:"use_tls"`
	Namespace     string `mapstructure:"namespace"`
	Cloud         string `mapstructure:"cloud"`
	Region        string `mapstructure:"region"`
	UpsertBatch   int    `mapstructure:"upsert_batch_size"`
	DefaultMetric string `mapstructure:"default_distance"`
}

// DedupConfig holds dedup cache settings.
type DedupConfig struct {
	Backend   string `mapstructure:"backend"` // bolt or redis
	BoltPath  string `mapstructure:"bolt_path"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
}

// IngestConfig holds pipeline sizing and file-handling settings.
type IngestConfig struct {
	MaxFileSizeBytes int64 `mapstructure:"max_file_size_bytes"`
	CPUWorkers       int   `mapstructure:"cpu_workers"`
	IOQueueSize      int   `mapstructure:"io_queue_size"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Exporter   string  `mapstructure:"exporter"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		MLService: MLServiceConfig{
			BaseURL:        "http://localhost:9000",
			Timeout:        300 * time.Second,
			MaxBatchSize:   128,
			CapabilityPoll: 10 * time.Second,
			VectorSize:     512,
		},
		VectorStore: VectorStoreConfig{
			Backend:       "qdrant",
			Host:          "localhost",
			GRPCPort:      6334,
			Cloud:         "aws",
			Region:        "us-east-1",
			UpsertBatch:   64,
			DefaultMetric: "Cosine",
		},
		Dedup: DedupConfig{
			Backend:  "bolt",
			BoltPath: "./pixelsync-dedup.db",
			RedisDB:  0,
		},
		Ingest: IngestConfig{
			MaxFileSizeBytes: 100 * 1024 * 1024,
			CPUWorkers:       4,
			IOQueueSize:      1000,
		},
		Telemetry: TelemetryConfig{
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "otlp",
				Endpoint:   "localhost:4317",
				SampleRate: 1.0,
				Insecure:   true,
			},
		},
	}
}

// Load reads configuration from the given viper instance and returns
// a validated Config. Environment variables in string values are
// interpolated using ${VAR} syntax.
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	interpolateConfig(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile reads a specific config file and returns a validated Config.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Load(v)
}

// Validate checks the configuration for errors and returns a descriptive
// error if any field is invalid.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port: must be between 0 and 65535, got %d", cfg.Server.Port))
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, "server.read_timeout: must be non-negative")
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, "server.write_timeout: must be non-negative")
	}

	if cfg.MLService.MaxBatchSize < 0 {
		errs = append(errs, "ml_service.max_batch_size: must be non-negative")
	}
	if cfg.MLService.VectorSize < 0 {
		errs = append(errs, "ml_service.vector_size: must be non-negative")
	}

	validBackends := map[string]bool{"qdrant": true, "pinecone": true, "": true}
	if !validBackends[cfg.VectorStore.Backend] {
		errs = append(errs, fmt.Sprintf("vector_store.backend: unsupported backend %q (supported: qdrant, pinecone)", cfg.VectorStore.Backend))
	}
	if cfg.VectorStore.UpsertBatch < 0 {
		errs = append(errs, "vector_store.upsert_batch_size: must be non-negative")
	}
	validMetrics := map[string]bool{"Cosine": true, "Euclid": true, "Dot": true, "": true}
	if !validMetrics[cfg.VectorStore.DefaultMetric] {
		errs = append(errs, fmt.Sprintf("vector_store.default_distance: unsupported metric %q (supported: Cosine, Euclid, Dot)", cfg.VectorStore.DefaultMetric))
	}

	validCacheBackends := map[string]bool{"bolt": true, "redis": true, "": true}
	if !validCacheBackends[cfg.Dedup.Backend] {
		errs = append(errs, fmt.Sprintf("dedup.backend: unsupported backend %q (supported: bolt, redis)", cfg.Dedup.Backend))
	}

	if cfg.Ingest.MaxFileSizeBytes < 0 {
		errs = append(errs, "ingest.max_file_size_bytes: must be non-negative")
	}
	if cfg.Ingest.CPUWorkers < 0 {
		errs = append(errs, "ingest.cpu_workers: must be non-negative")
	}
	if cfg.Ingest.IOQueueSize < 0 {
		errs = append(errs, "ingest.io_queue_size: must be non-negative")
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true, "": true}
	if !validExporters[cfg.Telemetry.Tracing.Exporter] {
		errs = append(errs, fmt.Sprintf("telemetry.tracing.exporter: unsupported exporter %q (supported: otlp, stdout, none)", cfg.Telemetry.Tracing.Exporter))
	}
	if cfg.Telemetry.Tracing.SampleRate < 0 || cfg.Telemetry.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("telemetry.tracing.sample_rate: must be between 0 and 1, got %f", cfg.Telemetry.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// envVarPattern matches ${VAR} or ${VAR:-default} syntax.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// InterpolateEnv replaces ${VAR} and ${VAR:-default} patterns in a string
// with the corresponding environment variable values.
func InterpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		if defaultVal != "" {
			return defaultVal
		}
		return match
	})
}

// interpolateConfig applies environment variable interpolation to all
// string fields in the config.
func interpolateConfig(cfg *Config) {
	cfg.Server.Host = InterpolateEnv(cfg.Server.Host)
	cfg.MLService.BaseURL = InterpolateEnv(cfg.MLService.BaseURL)
	cfg.VectorStore.Host = InterpolateEnv(cfg.VectorStore.Host)
	cfg.VectorStore.APIKey = InterpolateEnv(cfg.VectorStore.APIKey)
	cfg.VectorStore.Namespace = InterpolateEnv(cfg.VectorStore.Namespace)
	cfg.VectorStore.Cloud = InterpolateEnv(cfg.VectorStore.Cloud)
	cfg.VectorStore.Region = InterpolateEnv(cfg.VectorStore.Region)
	cfg.Dedup.BoltPath = InterpolateEnv(cfg.Dedup.BoltPath)
	cfg.Dedup.RedisAddr = InterpolateEnv(cfg.Dedup.RedisAddr)
	cfg.Telemetry.Tracing.Exporter = InterpolateEnv(cfg.Telemetry.Tracing.Exporter)
	cfg.Telemetry.Tracing.Endpoint = InterpolateEnv(cfg.Telemetry.Tracing.Endpoint)
}

// GenerateTemplate returns a YAML template string with all available
// configuration options and their defaults, suitable for writing to
// a pixelsync.yaml file.
func GenerateTemplate() string {
	return `# pixelsync configuration

server:
  port: 8080
  host: 0.0.0.0
  read_timeout: 30s
  write_timeout: 60s

ml_service:
  base_url: http://localhost:9000
  timeout: 300s
  max_batch_size: 128
  capability_poll: 10s
  vector_size: 512

vector_store:
  backend: qdrant      # qdrant or pinecone
  host: localhost
  grpc_port: 6334
  api_key: ${PIXELSYNC_VECTOR_STORE_API_KEY:-}
  use_tls: false
  namespace: ""        # pinecone only
  cloud: aws           # pinecone only
  region: us-east-1    # pinecone only
  upsert_batch_size: 64
  default_distance: Cosine

dedup:
  backend: bolt        # bolt or redis
  bolt_path: ./pixelsync-dedup.db
  redis_addr: ""
  redis_db: 0

ingest:
  max_file_size_bytes: 104857600
  cpu_workers: 4
  io_queue_size: 1000

telemetry:
  tracing:
    enabled: false
    exporter: otlp       # otlp, stdout, or none
    endpoint: localhost:4317
    sample_rate: 1.0     # 0.0 to 1.0
    insecure: true
`
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for the atlas service
type Config struct {
	// Listeners
	ListenAddr  string `yaml:"listen_addr" json:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	LogLevel    string `yaml:"log_level" json:"log_level"`

	// Stores and queries
	Shards          int `yaml:"shards" json:"shards"`
	DefaultPageSize int `yaml:"default_page_size" json:"default_page_size"`
	MaxPageSize     int `yaml:"max_page_size" json:"max_page_size"`
	ConflictRetries int `yaml:"conflict_retries" json:"conflict_retries"`

	// Ingestion
	IngestWorkers    int     `yaml:"ingest_workers" json:"ingest_workers"`
	IngestRatePerSec float64 `yaml:"ingest_rate_per_sec" json:"ingest_rate_per_sec"`
	IngestBurst      int     `yaml:"ingest_burst" json:"ingest_burst"`
	CoverageTTLSec   int     `yaml:"coverage_ttl_sec" json:"coverage_ttl_sec"`

	// Reports
	ReportsDB  string `yaml:"reports_db" json:"reports_db"`
	ReportSink string `yaml:"report_sink" json:"report_sink"`
	SpoolDir   string `yaml:"spool_dir" json:"spool_dir"`

	// Observability
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure" json:"otel_insecure"`
	OTELService  string `yaml:"otel_service" json:"otel_service"`

	// OTELSampleRatio keeps that fraction of root traces; 0 keeps all.
	OTELSampleRatio float64 `yaml:"otel_sample_ratio" json:"otel_sample_ratio"`

	// Redis
	RedisAddr      string `yaml:"redis_addr" json:"redis_addr"`
	RedisQueueAddr string `yaml:"redis_queue_addr" json:"redis_queue_addr"`
	RedisQueueKey  string `yaml:"redis_queue_key" json:"redis_queue_key"`
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Shards == 0 {
		c.Shards = 64
	}
	if c.DefaultPageSize == 0 {
		c.DefaultPageSize = 50
	}
	if c.MaxPageSize == 0 {
		c.MaxPageSize = 500
	}
	if c.ConflictRetries == 0 {
		c.ConflictRetries = 5
	}
	if c.IngestWorkers == 0 {
		c.IngestWorkers = 8
	}
	if c.IngestBurst == 0 {
		c.IngestBurst = 10
	}
	if c.CoverageTTLSec == 0 {
		c.CoverageTTLSec = int((24 * time.Hour).Seconds())
	}
	if c.ReportsDB == "" {
		c.ReportsDB = "atlas-reports.db"
	}
	if c.SpoolDir == "" {
		c.SpoolDir = "spool"
	}
	if c.OTELService == "" {
		c.OTELService = "spyder-atlas"
	}
	if c.RedisQueueKey == "" {
		c.RedisQueueKey = "atlas:batches"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.Shards < 1 {
		return fmt.Errorf("shards must be at least 1")
	}
	if c.MaxPageSize < 1 {
		return fmt.Errorf("max_page_size must be at least 1")
	}
	if c.DefaultPageSize < 1 || c.DefaultPageSize > c.MaxPageSize {
		return fmt.Errorf("default_page_size must be between 1 and max_page_size")
	}
	if c.ConflictRetries < 0 {
		return fmt.Errorf("conflict_retries cannot be negative")
	}
	if c.IngestWorkers < 1 {
		return fmt.Errorf("ingest_workers must be at least 1")
	}
	if c.OTELSampleRatio < 0 || c.OTELSampleRatio > 1 {
		return fmt.Errorf("otel_sample_ratio must be between 0 and 1")
	}
	if c.IngestRatePerSec < 0 {
		return fmt.Errorf("ingest_rate_per_sec cannot be negative")
	}
	if c.IngestBurst < 1 {
		return fmt.Errorf("ingest_burst must be at least 1")
	}
	if c.CoverageTTLSec < 1 {
		return fmt.Errorf("coverage_ttl_sec must be at least 1")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}
	return nil
}

// CoverageTTL is CoverageTTLSec as a duration
func (c *Config) CoverageTTL() time.Duration {
	return time.Duration(c.CoverageTTLSec) * time.Second
}

// LoadFromFile loads configuration from a YAML or JSON file
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// MergeWithFlags merges command-line flags with file configuration
// Command-line flags take precedence over file configuration
func (c *Config) MergeWithFlags(flags map[string]interface{}) {
	if v, ok := flags["listen_addr"].(string); ok && v != "" {
		c.ListenAddr = v
	}
	if v, ok := flags["metrics_addr"].(string); ok && v != "" {
		c.MetricsAddr = v
	}
	if v, ok := flags["log_level"].(string); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := flags["shards"].(int); ok && v > 0 {
		c.Shards = v
	}
	if v, ok := flags["default_page_size"].(int); ok && v > 0 {
		c.DefaultPageSize = v
	}
	if v, ok := flags["max_page_size"].(int); ok && v > 0 {
		c.MaxPageSize = v
	}
	if v, ok := flags["conflict_retries"].(int); ok && v > 0 {
		c.ConflictRetries = v
	}
	if v, ok := flags["ingest_workers"].(int); ok && v > 0 {
		c.IngestWorkers = v
	}
	if v, ok := flags["ingest_rate_per_sec"].(float64); ok && v > 0 {
		c.IngestRatePerSec = v
	}
	if v, ok := flags["ingest_burst"].(int); ok && v > 0 {
		c.IngestBurst = v
	}
	if v, ok := flags["reports_db"].(string); ok && v != "" {
		c.ReportsDB = v
	}
	if v, ok := flags["report_sink"].(string); ok && v != "" {
		c.ReportSink = v
	}
	if v, ok := flags["spool_dir"].(string); ok && v != "" {
		c.SpoolDir = v
	}
	if v, ok := flags["otel_endpoint"].(string); ok && v != "" {
		c.OTELEndpoint = v
	}
	if v, ok := flags["otel_insecure"].(bool); ok {
		c.OTELInsecure = v
	}
	if v, ok := flags["otel_service"].(string); ok && v != "" {
		c.OTELService = v
	}
}

// LoadDotEnv loads variables from a .env file into the process environment
// without overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
			*dst = v
		}
	}
	str("ATLAS_LISTEN_ADDR", &c.ListenAddr)
	str("ATLAS_METRICS_ADDR", &c.MetricsAddr)
	str("LOG_LEVEL", &c.LogLevel)
	num("ATLAS_SHARDS", &c.Shards)
	num("ATLAS_INGEST_WORKERS", &c.IngestWorkers)
	if v, err := strconv.ParseFloat(os.Getenv("ATLAS_INGEST_RATE_PER_SEC"), 64); err == nil {
		c.IngestRatePerSec = v
	}
	str("ATLAS_REPORTS_DB", &c.ReportsDB)
	str("ATLAS_REPORT_SINK", &c.ReportSink)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTELEndpoint)
	if v, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64); err == nil {
		c.OTELSampleRatio = v
	}
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_QUEUE_ADDR", &c.RedisQueueAddr)
	str("REDIS_QUEUE_KEY", &c.RedisQueueKey)
}

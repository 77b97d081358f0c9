package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Common contains OpenSearch parameters shared by every binary.
type Common struct {
	OpenSearchAddr     string
	OpenSearchUsername string
	OpenSearchPassword string
	OpenSearchInsecure bool
	ResultsIndex       string
}

// Runner configures the smoke suites.
type Runner struct {
	Common
	PerfAnalyzerAddr string
	MongoURI         string
	MongoDatabase    string
	LogstashAddr     string
	LogstashHTTPAddr string
	ProbeTimeout     time.Duration
	IngestTimeout    time.Duration
	KafkaBrokers     []string
	KafkaTopic       string
	Seed             uint64
}

// Worker holds configuration for the Kafka -> OpenSearch outcome worker.
type Worker struct {
	Common
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaConsumer  string
	DedupeCapacity int
	DedupeTTL      time.Duration
	BatchSize      int
	MetricsAddr    string
}

// API describes HTTP-layer configuration.
type API struct {
	Common
	BindAddr    string
	DefaultPage int
	MaxPage     int
}

// Retention configures the cleanup loop.
type Retention struct {
	Common
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
}

// PublishingEnabled reports whether outcomes should be sent to Kafka.
func (r *Runner) PublishingEnabled() bool {
	return len(r.KafkaBrokers) > 0
}

func loadCommon() Common {
	return Common{
		OpenSearchAddr:     getEnv("OPENSEARCH_ADDR", "https://localhost:9200"),
		OpenSearchUsername: getEnv("OPENSEARCH_USERNAME", "admin"),
		OpenSearchPassword: getEnv("OPENSEARCH_PASSWORD", "Kcb2025opSLabAi9"),
		OpenSearchInsecure: getBool("OPENSEARCH_INSECURE", true),
		ResultsIndex:       getEnv("OPENSEARCH_RESULTS_INDEX", "smoke-outcomes"),
	}
}

func (c Common) validate() error {
	if !strings.HasPrefix(c.OpenSearchAddr, "http://") && !strings.HasPrefix(c.OpenSearchAddr, "https://") {
		return fmt.Errorf("OPENSEARCH_ADDR must be an http(s) URL, got %q", c.OpenSearchAddr)
	}
	if c.ResultsIndex == "" {
		return fmt.Errorf("OPENSEARCH_RESULTS_INDEX cannot be empty")
	}
	return nil
}

// LoadRunner builds a Runner config from environment variables.
func LoadRunner() (*Runner, error) {
	c := &Runner{
		Common:           loadCommon(),
		PerfAnalyzerAddr: getEnv("PERF_ANALYZER_ADDR", "http://localhost:9600"),
		MongoURI:         getEnv("MONGODB_URI", "mongodb://localhost:27017/"),
		MongoDatabase:    getEnv("MONGODB_DATABASE", "opensearch_test"),
		LogstashAddr:     getEnv("LOGSTASH_ADDR", "http://localhost:9600"),
		LogstashHTTPAddr: getEnv("LOGSTASH_HTTP_ADDR", "http://localhost:8080"),
		ProbeTimeout:     getDuration("PROBE_TIMEOUT", "5s"),
		IngestTimeout:    getDuration("INGEST_TIMEOUT", "10s"),
		KafkaBrokers:     splitAndTrim(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:       getEnv("KAFKA_TOPIC", "smoke_outcomes"),
		Seed:             uint64(getInt("SMOKE_SEED", 42)),
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	if c.MongoDatabase == "" {
		return nil, fmt.Errorf("MONGODB_DATABASE cannot be empty")
	}
	if c.ProbeTimeout <= 0 {
		return nil, fmt.Errorf("PROBE_TIMEOUT must be positive")
	}
	if c.IngestTimeout <= 0 {
		return nil, fmt.Errorf("INGEST_TIMEOUT must be positive")
	}
	if c.PublishingEnabled() && c.KafkaTopic == "" {
		return nil, fmt.Errorf("KAFKA_TOPIC must be set when KAFKA_BROKERS is set")
	}

	return c, nil
}

// LoadWorker builds a Worker config from environment variables.
func LoadWorker() (*Worker, error) {
	c := &Worker{
		Common:         loadCommon(),
		KafkaBrokers:   splitAndTrim(getEnv("KAFKA_BROKERS", "kafka:9092")),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "smoke_outcomes"),
		KafkaConsumer:  getEnv("KAFKA_CONSUMER_GROUP", "smoke-outcome-worker"),
		DedupeCapacity: getInt("WORKER_DEDUPE_CAPACITY", 20000),
		DedupeTTL:      getDuration("WORKER_DEDUPE_TTL", "24h"),
		BatchSize:      getInt("WORKER_BATCH_SIZE", 10),
		MetricsAddr:    getEnv("WORKER_METRICS_ADDR", "0.0.0.0:9102"),
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	if len(c.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS must contain at least one broker")
	}
	if c.BatchSize <= 0 {
		return nil, fmt.Errorf("WORKER_BATCH_SIZE must be positive")
	}
	if c.DedupeCapacity <= 0 {
		return nil, fmt.Errorf("WORKER_DEDUPE_CAPACITY must be positive")
	}

	return c, nil
}

// LoadAPI builds an API config from environment variables.
func LoadAPI() (*API, error) {
	c := &API{
		Common:      loadCommon(),
		BindAddr:    getEnv("API_BIND_ADDR", "0.0.0.0:8080"),
		DefaultPage: getInt("API_PAGE_SIZE", 20),
		MaxPage:     getInt("API_MAX_PAGE_SIZE", 100),
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	if c.DefaultPage <= 0 {
		return nil, fmt.Errorf("API_PAGE_SIZE must be positive")
	}
	if c.MaxPage <= 0 {
		return nil, fmt.Errorf("API_MAX_PAGE_SIZE must be positive")
	}
	if c.DefaultPage > c.MaxPage {
		return nil, fmt.Errorf("API_PAGE_SIZE cannot exceed API_MAX_PAGE_SIZE")
	}

	return c, nil
}

// LoadRetention builds a Retention config from environment variables.
func LoadRetention() (*Retention, error) {
	c := &Retention{
		Common:    loadCommon(),
		Interval:  getDuration("RETENTION_CRON", "24h"),
		MaxAge:    getDuration("RETENTION_MAX_AGE", "720h"),
		BatchSize: getInt("RETENTION_BATCH_SIZE", 500),
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	if c.MaxAge <= 0 {
		return nil, fmt.Errorf("RETENTION_MAX_AGE must be positive")
	}
	if c.Interval <= 0 {
		return nil, fmt.Errorf("RETENTION_CRON must be positive")
	}
	if c.BatchSize <= 0 {
		return nil, fmt.Errorf("RETENTION_BATCH_SIZE must be positive")
	}

	return c, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key, fallback string) time.Duration {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		fd, ferr := time.ParseDuration(fallback)
		if ferr != nil {
			panic(fmt.Sprintf("invalid fallback duration %q: %v", fallback, ferr))
		}
		return fd
	}
	return d
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

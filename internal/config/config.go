package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// MongoDB Configuration
	MongoURI      string
	MongoDatabase string
	MongoTimeout  time.Duration

	// HTTP Server Configuration
	HTTPPort         string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration

	// CORS Configuration
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
	CORSMaxAge           int

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// Kafka Configuration
	KafkaBrokers       []string
	KafkaConsumerGroup string
	KafkaChangesTopic  string
	KafkaPollingTopic  string
	KafkaClientID      string

	// Consumer Configuration
	ConsumerWorkers    int
	ConsumerMaxRetries uint64

	// Lease Configuration
	LeaseMaxDuration   time.Duration
	LeaseReclaimPeriod time.Duration

	// Scheduler Configuration
	SchedulerReloadInterval time.Duration
	SchedulerFireTolerance  time.Duration
	SchedulerFireRate       float64

	// Processor Configuration
	ProcessorURL        string
	ProcessorTimeout    time.Duration
	ProcessorResultPath string

	// Identity
	PodID string
	Host  string
}

// SetDefaults registers every configuration key with its default value
func SetDefaults(v *viper.Viper) {
	// MongoDB
	v.SetDefault("mongo_uri", "mongodb://localhost:27017/cadence?authSource=admin")
	v.SetDefault("mongo_database", "cadence")
	v.SetDefault("mongo_timeout_sec", 10)

	// HTTP Server
	v.SetDefault("http_port", "8080")
	v.SetDefault("http_read_timeout_sec", 30)
	v.SetDefault("http_write_timeout_sec", 30)

	// CORS
	v.SetDefault("cors_allowed_origins", "*")
	v.SetDefault("cors_allowed_methods", "GET, POST, PUT, DELETE, OPTIONS")
	v.SetDefault("cors_allowed_headers", "*")
	v.SetDefault("cors_allow_credentials", false)
	v.SetDefault("cors_max_age", 3600)

	// Logging
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	// Kafka
	v.SetDefault("kafka_brokers", "localhost:9092")
	v.SetDefault("kafka_consumer_group", "cadence")
	v.SetDefault("kafka_changes_topic", "cadence.registry.datasource-changes")
	v.SetDefault("kafka_polling_topic", "cadence.scheduling.file-polling")
	v.SetDefault("kafka_client_id", "cadence")

	// Consumer
	v.SetDefault("consumer_workers", 8)
	v.SetDefault("consumer_max_retries", 5)

	// Lease
	v.SetDefault("lease_max_duration", "5m")
	v.SetDefault("lease_reclaim_period", "1m")

	// Scheduler
	v.SetDefault("scheduler_reload_interval", "30s")
	v.SetDefault("scheduler_fire_tolerance", "2s")
	v.SetDefault("scheduler_fire_rate", 50.0)

	// Processor
	v.SetDefault("processor_url", "http://localhost:8090/process")
	v.SetDefault("processor_timeout", "30s")
	v.SetDefault("processor_result_path", "")

	v.SetDefault("pod_id", "")
}

// NewViper returns a viper instance with defaults and environment binding.
// Keys map to upper-case environment variables (lease_max_duration -> LEASE_MAX_DURATION).
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile merges an optional configuration file into v
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// Load builds the configuration from v
func Load(v *viper.Viper) *Config {
	host, _ := os.Hostname()

	return &Config{
		// MongoDB
		MongoURI:      v.GetString("mongo_uri"),
		MongoDatabase: v.GetString("mongo_database"),
		MongoTimeout:  time.Duration(v.GetInt("mongo_timeout_sec")) * time.Second,

		// HTTP Server
		HTTPPort:         v.GetString("http_port"),
		HTTPReadTimeout:  time.Duration(v.GetInt("http_read_timeout_sec")) * time.Second,
		HTTPWriteTimeout: time.Duration(v.GetInt("http_write_timeout_sec")) * time.Second,

		// CORS
		CORSAllowedOrigins:   splitList(v.GetString("cors_allowed_origins")),
		CORSAllowedMethods:   splitList(v.GetString("cors_allowed_methods")),
		CORSAllowedHeaders:   splitList(v.GetString("cors_allowed_headers")),
		CORSAllowCredentials: v.GetBool("cors_allow_credentials"),
		CORSMaxAge:           v.GetInt("cors_max_age"),

		// Logging
		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),

		// Kafka
		KafkaBrokers:       splitList(v.GetString("kafka_brokers")),
		KafkaConsumerGroup: v.GetString("kafka_consumer_group"),
		KafkaChangesTopic:  v.GetString("kafka_changes_topic"),
		KafkaPollingTopic:  v.GetString("kafka_polling_topic"),
		KafkaClientID:      v.GetString("kafka_client_id"),

		// Consumer
		ConsumerWorkers:    v.GetInt("consumer_workers"),
		ConsumerMaxRetries: v.GetUint64("consumer_max_retries"),

		// Lease
		LeaseMaxDuration:   v.GetDuration("lease_max_duration"),
		LeaseReclaimPeriod: v.GetDuration("lease_reclaim_period"),

		// Scheduler
		SchedulerReloadInterval: v.GetDuration("scheduler_reload_interval"),
		SchedulerFireTolerance:  v.GetDuration("scheduler_fire_tolerance"),
		SchedulerFireRate:       v.GetFloat64("scheduler_fire_rate"),

		// Processor
		ProcessorURL:        v.GetString("processor_url"),
		ProcessorTimeout:    v.GetDuration("processor_timeout"),
		ProcessorResultPath: v.GetString("processor_result_path"),

		PodID: podID(v.GetString("pod_id"), host),
		Host:  host,
	}
}

// podID prefers the configured value, then HOSTNAME (the pod name on
// Kubernetes), then a random UUID.
func podID(configured, host string) string {
	if configured != "" {
		return configured
	}
	if h := os.Getenv("HOSTNAME"); h != "" {
		return h
	}
	if host != "" {
		return host
	}
	return uuid.New().String()
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

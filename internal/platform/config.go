package platform

import (
	"fmt"
	"strings"
	"time"

	"github.com/adred-codev/telemetry-relay/internal/types"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all relay configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr           string `env:"RELAY_ADDR" envDefault:":8080"`
	MaxConnections int    `env:"RELAY_MAX_CONNECTIONS" envDefault:"5000"` // 0 = size from the container memory limit
	SendBufferSize int    `env:"RELAY_SEND_BUFFER" envDefault:"256"`

	// Liveness: probe idle connections every SweepInterval, reap after LivenessDeadline
	SweepInterval    time.Duration `env:"RELAY_SWEEP_INTERVAL" envDefault:"30s"`
	LivenessDeadline time.Duration `env:"RELAY_LIVENESS_DEADLINE" envDefault:"120s"`

	// Slow consumers are disconnected after this many consecutive dropped deliveries (0 = never)
	SlowClientStrikes int `env:"RELAY_SLOW_CLIENT_STRIKES" envDefault:"3"`

	// Inbound frames per connection (0 rate = unlimited)
	ClientMessageRate  float64 `env:"RELAY_CLIENT_MSG_RATE" envDefault:"50"`
	ClientMessageBurst int     `env:"RELAY_CLIENT_MSG_BURST" envDefault:"100"`

	// Connection admission rate limiting
	ConnRateLimitEnabled     bool    `env:"RELAY_CONN_RATE_LIMIT_ENABLED" envDefault:"false"`
	ConnRateLimitIPBurst     int     `env:"RELAY_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"RELAY_CONN_RATE_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"RELAY_CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate  float64 `env:"RELAY_CONN_RATE_GLOBAL_RATE" envDefault:"50.0"`

	// Resource guard: refuse new connections under pressure (0 = check disabled)
	CPURejectThreshold float64 `env:"RELAY_CPU_REJECT_THRESHOLD" envDefault:"0"`
	MaxGoroutines      int     `env:"RELAY_MAX_GOROUTINES" envDefault:"0"`
	MemoryLimit        int64   `env:"RELAY_MEMORY_LIMIT" envDefault:"0"` // Bytes; 0 = read from cgroup

	// HTTP timeouts (REST endpoints; hijacked sockets are not affected)
	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Ingest bridges, empty address disables the bridge
	NATSURL             string `env:"NATS_URL" envDefault:""`
	NATSSubjectPrefix   string `env:"NATS_SUBJECT_PREFIX" envDefault:"relay"`
	KafkaBrokers        string `env:"KAFKA_BROKERS" envDefault:""`
	KafkaConsumerGroup  string `env:"KAFKA_CONSUMER_GROUP" envDefault:"telemetry-relay"`
	KafkaTelemetryTopic string `env:"KAFKA_TELEMETRY_TOPIC" envDefault:"telemetry"`
	KafkaAlarmTopic     string `env:"KAFKA_ALARM_TOPIC" envDefault:"alarms"`
	IngestWorkers       int    `env:"INGEST_WORKERS" envDefault:"4"`
	IngestQueueSize     int    `env:"INGEST_QUEUE_SIZE" envDefault:"1024"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, nothing is logged.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.MemoryLimit == 0 {
		limit, err := ReadMemoryLimit(CgroupRoot)
		if err != nil && logger != nil {
			logger.Warn().Err(err).Msg("Failed to read cgroup memory limit")
		}
		cfg.MemoryLimit = limit
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = MaxConnectionsFor(cfg.MemoryLimit, cfg.SendBufferSize)
		if logger != nil {
			logger.Info().
				Int64("memory_limit", cfg.MemoryLimit).
				Int("max_connections", cfg.MaxConnections).
				Msg("Sized max connections from memory limit")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RELAY_ADDR is required")
	}

	if c.MaxConnections < 1 {
		return fmt.Errorf("RELAY_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendBufferSize < 1 {
		return fmt.Errorf("RELAY_SEND_BUFFER must be > 0, got %d", c.SendBufferSize)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("RELAY_SWEEP_INTERVAL must be > 0, got %s", c.SweepInterval)
	}
	if c.LivenessDeadline < c.SweepInterval {
		return fmt.Errorf("RELAY_LIVENESS_DEADLINE (%s) must be >= RELAY_SWEEP_INTERVAL (%s)",
			c.LivenessDeadline, c.SweepInterval)
	}
	if c.SlowClientStrikes < 0 {
		return fmt.Errorf("RELAY_SLOW_CLIENT_STRIKES must be >= 0, got %d", c.SlowClientStrikes)
	}
	if c.ClientMessageRate < 0 {
		return fmt.Errorf("RELAY_CLIENT_MSG_RATE must be >= 0, got %.1f", c.ClientMessageRate)
	}
	if c.ClientMessageRate > 0 && c.ClientMessageBurst < 1 {
		return fmt.Errorf("RELAY_CLIENT_MSG_BURST must be > 0 when rate limiting is enabled, got %d", c.ClientMessageBurst)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("RELAY_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.MaxGoroutines < 0 {
		return fmt.Errorf("RELAY_MAX_GOROUTINES must be >= 0, got %d", c.MaxGoroutines)
	}
	if c.MemoryLimit < 0 {
		return fmt.Errorf("RELAY_MEMORY_LIMIT must be >= 0, got %d", c.MemoryLimit)
	}
	if c.IngestWorkers < 1 {
		return fmt.Errorf("INGEST_WORKERS must be > 0, got %d", c.IngestWorkers)
	}
	if c.IngestQueueSize < 1 {
		return fmt.Errorf("INGEST_QUEUE_SIZE must be > 0, got %d", c.IngestQueueSize)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// ServerConfig converts the flat environment config into the server's runtime config
func (c *Config) ServerConfig() types.ServerConfig {
	return types.ServerConfig{
		Addr:           c.Addr,
		MaxConnections: c.MaxConnections,
		SendBufferSize: c.SendBufferSize,

		SweepInterval:    c.SweepInterval,
		LivenessDeadline: c.LivenessDeadline,

		SlowClientStrikes: c.SlowClientStrikes,

		ClientMessageRate:  c.ClientMessageRate,
		ClientMessageBurst: c.ClientMessageBurst,

		ConnectionRateLimitEnabled: c.ConnRateLimitEnabled,
		ConnRateLimitIPBurst:       c.ConnRateLimitIPBurst,
		ConnRateLimitIPRate:        c.ConnRateLimitIPRate,
		ConnRateLimitGlobalBurst:   c.ConnRateLimitGlobalBurst,
		ConnRateLimitGlobalRate:    c.ConnRateLimitGlobalRate,

		CPURejectThreshold: c.CPURejectThreshold,
		MaxGoroutines:      c.MaxGoroutines,
		MemoryLimit:        c.MemoryLimit,

		HTTPReadTimeout:  c.HTTPReadTimeout,
		HTTPWriteTimeout: c.HTTPWriteTimeout,
		HTTPIdleTimeout:  c.HTTPIdleTimeout,

		NATSURL:             c.NATSURL,
		NATSSubjectPrefix:   c.NATSSubjectPrefix,
		KafkaBrokers:        SplitList(c.KafkaBrokers),
		KafkaConsumerGroup:  c.KafkaConsumerGroup,
		KafkaTelemetryTopic: c.KafkaTelemetryTopic,
		KafkaAlarmTopic:     c.KafkaAlarmTopic,
		IngestWorkers:       c.IngestWorkers,
		IngestQueueSize:     c.IngestQueueSize,

		MetricsInterval: c.MetricsInterval,

		LogLevel:  types.LogLevel(c.LogLevel),
		LogFormat: types.LogFormat(c.LogFormat),
	}
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Int("send_buffer", c.SendBufferSize).
		Dur("sweep_interval", c.SweepInterval).
		Dur("liveness_deadline", c.LivenessDeadline).
		Int("slow_client_strikes", c.SlowClientStrikes).
		Float64("client_msg_rate", c.ClientMessageRate).
		Int("client_msg_burst", c.ClientMessageBurst).
		Bool("conn_rate_limit_enabled", c.ConnRateLimitEnabled).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Int("max_goroutines", c.MaxGoroutines).
		Int64("memory_limit", c.MemoryLimit).
		Bool("nats_enabled", c.NATSURL != "").
		Str("kafka_brokers", c.KafkaBrokers).
		Int("ingest_workers", c.IngestWorkers).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Relay configuration loaded")
}

// SplitList splits a comma-separated list, dropping blanks
func SplitList(s string) []string {
	result := []string{}
	for _, part := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

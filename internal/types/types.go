package types

import (
	"sync"
	"time"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// ServerConfig contains the runtime configuration for the relay server.
// Built by cmd/relay from platform.Config.
type ServerConfig struct {
	Addr           string
	MaxConnections int
	SendBufferSize int // Outbound queue slots per connection

	// Liveness
	SweepInterval    time.Duration // How often idle connections are probed/reaped
	LivenessDeadline time.Duration // Max idle time before a connection is terminated

	// Slow consumer handling
	SlowClientStrikes int // Consecutive full-buffer drops before disconnect (0 = never)

	// Inbound frame rate limit per connection (0 = disabled)
	ClientMessageRate  float64
	ClientMessageBurst int

	// Connection admission rate limiting
	ConnectionRateLimitEnabled bool
	ConnRateLimitIPBurst       int
	ConnRateLimitIPRate        float64
	ConnRateLimitGlobalBurst   int
	ConnRateLimitGlobalRate    float64

	// Resource guard (0 disables each check)
	CPURejectThreshold float64 // Process CPU percent above which connections are refused
	MaxGoroutines      int
	MemoryLimit        int64 // Bytes; refuse connections above 90% of it

	// HTTP timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Ingest bridges (empty = disabled)
	NATSURL             string
	NATSSubjectPrefix   string
	KafkaBrokers        []string
	KafkaConsumerGroup  string
	KafkaTelemetryTopic string
	KafkaAlarmTopic     string
	IngestWorkers       int
	IngestQueueSize     int

	// Monitoring intervals
	MetricsInterval time.Duration

	// Logging configuration
	LogLevel  LogLevel
	LogFormat LogFormat
}

// Stats tracks server statistics surfaced by /health
type Stats struct {
	TotalConnections   int64
	CurrentConnections int64
	FramesReceived     int64
	BytesReceived      int64
	MessagesSent       int64
	BytesSent          int64
	MalformedFrames    int64
	RateLimitedFrames  int64
	StartTime          time.Time

	// Written by the system monitor
	Mu         sync.RWMutex
	CPUPercent float64
	MemoryMB   float64

	DisconnectsByReason map[string]int64
	DisconnectsMu       sync.RWMutex
}

// NewStats returns a Stats value ready for use
func NewStats() *Stats {
	return &Stats{
		StartTime:           time.Now(),
		DisconnectsByReason: make(map[string]int64),
	}
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// UpstreamURL is the recognition stream endpoint. Empty runs the engine
	// without an upstream; segments arrive through the ingest endpoint only.
	UpstreamURL string `env:"UPSTREAM_URL"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	MaxSegments       int           `env:"MAX_SEGMENTS" envDefault:"500"`
	RetentionLowWater int           `env:"RETENTION_LOW_WATER_MARK" envDefault:"400"`
	PersistentDisplay bool          `env:"PERSISTENT_DISPLAY" envDefault:"true"`
	DebounceDelay     time.Duration `env:"DEBOUNCE_DELAY" envDefault:"150ms"`

	GapDetectionThreshold time.Duration `env:"GAP_DETECTION_THRESHOLD" envDefault:"2s"`
	MaxAcceptableGap      time.Duration `env:"MAX_ACCEPTABLE_GAP" envDefault:"5s"`
	EstimationStrategy    string        `env:"ESTIMATION_STRATEGY" envDefault:"adaptive"`

	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	DialTimeout          time.Duration `env:"DIAL_TIMEOUT" envDefault:"10s"`
	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"10"`
	BaseReconnectDelay   time.Duration `env:"BASE_RECONNECT_DELAY" envDefault:"500ms"`
	MaxReconnectDelay    time.Duration `env:"MAX_RECONNECT_DELAY" envDefault:"30s"`
	ReconnectDecayFactor float64       `env:"RECONNECT_DECAY_FACTOR" envDefault:"2.0"`
	MaxQueueSize         int           `env:"MAX_QUEUE_SIZE" envDefault:"256"`

	KafkaEnabled    bool     `env:"KAFKA_ENABLED" envDefault:"false"`
	KafkaBrokers    []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopicFinal string   `env:"KAFKA_TOPIC_FINAL" envDefault:"lt-engine.segments.final"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	UpstreamURL string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	// Parse environment variables into config struct
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.UpstreamURL != "" {
		cfg.UpstreamURL = overrides.UpstreamURL
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxSegments < 1 {
		return fmt.Errorf("MAX_SEGMENTS must be positive, got %d", c.MaxSegments)
	}
	if c.RetentionLowWater < 1 || c.RetentionLowWater >= c.MaxSegments {
		return fmt.Errorf("RETENTION_LOW_WATER_MARK must be in [1, MAX_SEGMENTS), got %d", c.RetentionLowWater)
	}
	switch c.EstimationStrategy {
	case "linear", "adaptive":
	default:
		return fmt.Errorf("ESTIMATION_STRATEGY must be linear or adaptive, got %q", c.EstimationStrategy)
	}
	if c.ReconnectDecayFactor <= 1 {
		return fmt.Errorf("RECONNECT_DECAY_FACTOR must be > 1, got %g", c.ReconnectDecayFactor)
	}
	if c.KafkaEnabled && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_ENABLED requires KAFKA_BROKERS")
	}
	return nil
}

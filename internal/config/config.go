// Package config loads the process configuration once at start-up.
// Every component receives the values it needs from the Config built here;
// nothing reads the environment at call time.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Queue backends.
const (
	QueueMemory   = "memory"
	QueueRedpanda = "redpanda"
	QueuePostgres = "postgres"
)

// Content store backends.
const (
	ContentLevelDB = "leveldb"
	ContentIPFS    = "ipfs"
)

// Idempotency store backends.
const (
	InboxMemory   = "memory"
	InboxPostgres = "postgres"
	InboxRedis    = "redis"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	GatewayURL            string        `mapstructure:"GATEWAY_URL"`
	GatewayChannel        string        `mapstructure:"GATEWAY_CHANNEL"`
	GatewayChaincode      string        `mapstructure:"GATEWAY_CHAINCODE"`
	GatewayRequestTimeout time.Duration `mapstructure:"GATEWAY_REQUEST_TIMEOUT"`

	QueueBackend      string        `mapstructure:"QUEUE_BACKEND"`
	KafkaBrokers      []string      `mapstructure:"KAFKA_BROKERS"`
	ConsumerGroup     string        `mapstructure:"CONSUMER_GROUP"`
	LedgerLaneTopic   string        `mapstructure:"LEDGER_LANE_TOPIC"`
	UploadLaneTopic   string        `mapstructure:"UPLOAD_LANE_TOPIC"`
	DeadLetterTopic   string        `mapstructure:"DEAD_LETTER_TOPIC"`
	MaxDeliveries     int           `mapstructure:"MAX_DELIVERIES"`
	RedeliveryDelay   time.Duration `mapstructure:"REDELIVERY_DELAY"`
	QueuePollInterval time.Duration `mapstructure:"QUEUE_POLL_INTERVAL"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	WorkerConcurrency int           `mapstructure:"WORKER_CONCURRENCY"`

	ReaderInitialDelay     time.Duration `mapstructure:"READER_INITIAL_DELAY"`
	ReaderMaxRetries       int           `mapstructure:"READER_MAX_RETRIES"`
	ReaderNotFoundInterval time.Duration `mapstructure:"READER_NOT_FOUND_INTERVAL"`
	ReaderErrorInterval    time.Duration `mapstructure:"READER_ERROR_INTERVAL"`
	ReaderCeiling          time.Duration `mapstructure:"READER_CEILING"`

	ContentBackend string `mapstructure:"CONTENT_BACKEND"`
	LevelDBPath    string `mapstructure:"LEVELDB_PATH"`
	IPFSURL        string `mapstructure:"IPFS_URL"`

	InboxBackend string        `mapstructure:"INBOX_BACKEND"`
	InboxTTL     time.Duration `mapstructure:"INBOX_TTL"`
	RedisURL     string        `mapstructure:"REDIS_URL"`

	TracingEnabled    bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint      string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSampleRate float64 `mapstructure:"TRACING_SAMPLE_RATE"`
}

var defaults = map[string]interface{}{
	"PORT":      "8081",
	"ENV":       "development",
	"LOG_LEVEL": "info",

	"GATEWAY_URL":             "http://localhost:4000",
	"GATEWAY_CHANNEL":         "mychannel",
	"GATEWAY_CHAINCODE":       "basic",
	"GATEWAY_REQUEST_TIMEOUT": "10s",

	"QUEUE_BACKEND":       QueueMemory,
	"KAFKA_BROKERS":       "localhost:9092",
	"CONSUMER_GROUP":      "rxledger-workers",
	"LEDGER_LANE_TOPIC":   "rx.ledger-writes",
	"UPLOAD_LANE_TOPIC":   "rx.content-uploads",
	"DEAD_LETTER_TOPIC":   "rx.dead-letter",
	"MAX_DELIVERIES":      10,
	"REDELIVERY_DELAY":    "30s",
	"QUEUE_POLL_INTERVAL": "250ms",
	"WORKER_CONCURRENCY":  4,

	"READER_INITIAL_DELAY":      "5s",
	"READER_MAX_RETRIES":        5,
	"READER_NOT_FOUND_INTERVAL": "2s",
	"READER_ERROR_INTERVAL":     "1s",
	"READER_CEILING":            "20s",

	"CONTENT_BACKEND": ContentLevelDB,
	"LEVELDB_PATH":    "./data/content",
	"IPFS_URL":        "http://localhost:5001",

	"INBOX_BACKEND": InboxMemory,
	"INBOX_TTL":     "168h",

	"TRACING_ENABLED":     false,
	"OTLP_ENDPOINT":       "localhost:4317",
	"TRACING_SAMPLE_RATE": 1.0,
}

// Load reads the environment (and an optional .env file) into a Config.
func Load() (*Config, error) {
	return loadFrom(".env")
}

// loadFrom is Load with the dotenv path as a parameter. A missing file is
// fine; an unreadable or malformed one is an error.
func loadFrom(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
		// Unmarshal only sees keys viper knows about
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("DATABASE_URL")
	_ = v.BindEnv("REDIS_URL")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// viper hands back a single element for comma separated env values
	if len(cfg.KafkaBrokers) == 1 && strings.Contains(cfg.KafkaBrokers[0], ",") {
		cfg.KafkaBrokers = strings.Split(cfg.KafkaBrokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate rejects configurations that would break delivery guarantees.
func (c *Config) Validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("GATEWAY_URL is required")
	}
	if c.GatewayRequestTimeout <= 0 {
		return fmt.Errorf("GATEWAY_REQUEST_TIMEOUT must be positive")
	}
	// a hung gateway call must not outlive the redelivery window, or the
	// same task ends up in flight twice
	if c.GatewayRequestTimeout >= c.RedeliveryDelay {
		return fmt.Errorf("GATEWAY_REQUEST_TIMEOUT (%s) must be shorter than REDELIVERY_DELAY (%s)",
			c.GatewayRequestTimeout, c.RedeliveryDelay)
	}
	if c.MaxDeliveries < 1 {
		return fmt.Errorf("MAX_DELIVERIES must be at least 1, got %d", c.MaxDeliveries)
	}
	if c.ReaderMaxRetries < 0 || c.ReaderMaxRetries > 9 {
		return fmt.Errorf("READER_MAX_RETRIES must be between 0 and 9, got %d", c.ReaderMaxRetries)
	}
	if c.ReaderCeiling <= 0 {
		return fmt.Errorf("READER_CEILING must be positive")
	}
	if c.ReaderErrorInterval > c.ReaderNotFoundInterval {
		return fmt.Errorf("READER_ERROR_INTERVAL must not exceed READER_NOT_FOUND_INTERVAL")
	}

	switch c.QueueBackend {
	case QueueMemory:
	case QueueRedpanda:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for the redpanda queue")
		}
	case QueuePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres queue")
		}
	default:
		return fmt.Errorf("QUEUE_BACKEND must be %q, %q or %q, got %q",
			QueueMemory, QueueRedpanda, QueuePostgres, c.QueueBackend)
	}

	switch c.ContentBackend {
	case ContentLevelDB, ContentIPFS:
	default:
		return fmt.Errorf("CONTENT_BACKEND must be %q or %q, got %q", ContentLevelDB, ContentIPFS, c.ContentBackend)
	}

	switch c.InboxBackend {
	case InboxMemory:
	case InboxPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres inbox")
		}
	case InboxRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis inbox")
		}
	default:
		return fmt.Errorf("INBOX_BACKEND must be %q, %q or %q, got %q",
			InboxMemory, InboxPostgres, InboxRedis, c.InboxBackend)
	}
	return nil
}

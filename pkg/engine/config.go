package engine

import (
	"fmt"
	"os"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wehubfusion/Argus/pkg/concurrency"
	"github.com/wehubfusion/Argus/pkg/storage"
	"github.com/wehubfusion/Argus/pkg/transport"
)

// Config holds configuration for an Engine
type Config struct {
	// AppName identifies the engine in traces, NATS and error reports
	AppName string

	// Environment is reported with traces and errors (e.g. "uat", "prod")
	Environment string

	// LogLevel is a zap level name; ignored when Logger is set
	LogLevel string

	// NATSURL enables the NATS bridge when set
	NATSURL string

	// OTLPEndpoint enables span export when set (host:port)
	OTLPEndpoint string

	// SentryDSN enables error reporting when set
	SentryDSN string

	// ArchiveConnectionString and ArchiveContainer enable the blob archive
	ArchiveConnectionString string
	ArchiveContainer        string

	// Concurrency controls partition dispatch. Nil loads it from the environment
	Concurrency *concurrency.Config

	// Logger overrides the logger built from LogLevel
	Logger *zap.Logger

	// Conn overrides the NATS connection built from NATSURL
	Conn transport.Conn

	// BlobStore overrides the archive store built from the connection string
	BlobStore storage.BlobStore

	// SentryHub overrides the hub built from SentryDSN
	SentryHub *sentry.Hub
}

// DefaultConfig returns a configuration with every integration disabled
func DefaultConfig() Config {
	return Config{
		AppName:          "argus",
		Environment:      "development",
		LogLevel:         "info",
		ArchiveContainer: "argus-archive",
	}
}

// LoadConfig reads ARGUS_* environment variables over the defaults
func LoadConfig() Config {
	cfg := DefaultConfig()
	cfg.AppName = getEnv("ARGUS_APP_NAME", cfg.AppName)
	cfg.Environment = getEnv("ARGUS_ENVIRONMENT", cfg.Environment)
	cfg.LogLevel = getEnv("ARGUS_LOG_LEVEL", cfg.LogLevel)
	cfg.NATSURL = os.Getenv("ARGUS_NATS_URL")
	cfg.OTLPEndpoint = os.Getenv("ARGUS_OTLP_ENDPOINT")
	cfg.SentryDSN = os.Getenv("ARGUS_SENTRY_DSN")
	cfg.ArchiveConnectionString = os.Getenv("ARGUS_ARCHIVE_CONNECTION_STRING")
	cfg.ArchiveContainer = getEnv("ARGUS_ARCHIVE_CONTAINER", cfg.ArchiveContainer)
	cfg.Concurrency = concurrency.LoadConfig()
	return cfg
}

// Validate checks the configuration and applies defaults
func (c *Config) Validate() error {
	if c.AppName == "" {
		c.AppName = "argus"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	if c.ArchiveConnectionString != "" && c.ArchiveContainer == "" {
		return fmt.Errorf("archive container is required with an archive connection string")
	}
	if c.Concurrency == nil {
		c.Concurrency = concurrency.LoadConfig()
	}
	return nil
}

// WithAppName sets the application name
func (c Config) WithAppName(name string) Config {
	c.AppName = name
	return c
}

// WithLogger sets the logger
func (c Config) WithLogger(logger *zap.Logger) Config {
	c.Logger = logger
	return c
}

// WithNATSURL enables the NATS bridge
func (c Config) WithNATSURL(url string) Config {
	c.NATSURL = url
	return c
}

// WithConn sets an already established NATS connection
func (c Config) WithConn(conn transport.Conn) Config {
	c.Conn = conn
	return c
}

// WithBlobStore sets the archive store
func (c Config) WithBlobStore(store storage.BlobStore) Config {
	c.BlobStore = store
	return c
}

// WithSentryHub sets the hub errors are reported to
func (c Config) WithSentryHub(hub *sentry.Hub) Config {
	c.SentryHub = hub
	return c
}

// WithConcurrency sets the partition dispatch configuration
func (c Config) WithConcurrency(cfg *concurrency.Config) Config {
	c.Concurrency = cfg
	return c
}

func (c Config) buildLogger() (*zap.Logger, error) {
	if c.Logger != nil {
		return c.Logger, nil
	}
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.With(zap.String("app", c.AppName)), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

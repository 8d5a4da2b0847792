// Package config loads daemon configuration from the environment. Every
// knob has a default suitable for a local run with the in-memory store;
// values are read once at startup and never change afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store backend names accepted by LOGFLUME_STORE.
const (
	StoreMemory = "memory"
	StoreS3     = "s3"
	StoreGCS    = "gcs"
	StoreAzure  = "azure"
)

// Config holds everything the daemon needs to assemble the pipeline and
// its HTTP server.
type Config struct {
	// LogLevel is the slog level name: debug, info, warn, error.
	LogLevel string

	// HTTPAddr is the API listen address.
	HTTPAddr string

	// StoreBackend selects the batch store: memory, s3, gcs, or azure.
	StoreBackend string

	// Bucket is the bucket (or blob container) batches are written to.
	Bucket string

	// Prefix namespaces batch keys within the bucket.
	Prefix string

	// GroupName is the log group functions emit into.
	GroupName string

	// Codec names the batch compression: gzip or zstd.
	Codec string

	// FlushBytes and FlushInterval are the forwarder thresholds. Zero
	// takes the forwarder defaults.
	FlushBytes    int
	FlushInterval time.Duration

	// QueueName, VisibilityTimeout, Retention and MaxReceiveCount
	// configure the notification queue. Zero values take the relay
	// defaults; MaxReceiveCount zero disables dead-letter redrive.
	QueueName         string
	VisibilityTimeout time.Duration
	Retention         time.Duration
	MaxReceiveCount   int

	// SweepInterval is the queue retention sweep cadence.
	SweepInterval time.Duration

	// AgentEnabled runs the built-in consumer agent in-process.
	AgentEnabled bool

	// AgentWorkers, AgentIdentity and AgentHeartbeat configure the agent.
	AgentWorkers   int
	AgentIdentity  string
	AgentHeartbeat time.Duration

	// S3 backend settings. Region falls back to AWS_REGION; empty
	// AccessKey defers to the default AWS credential chain.
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	// GCS backend settings. Empty CredentialsFile defers to application
	// default credentials.
	GCSCredentialsFile string

	// Azure backend settings.
	AzureConnectionString string
}

// Load reads the configuration from the environment. Malformed values are
// an error; the caller is expected to fail fast.
func Load() (Config, error) {
	cfg := Config{
		LogLevel:              envStr("LOGFLUME_LOG_LEVEL", "info"),
		HTTPAddr:              envStr("LOGFLUME_HTTP_ADDR", ":8080"),
		StoreBackend:          envStr("LOGFLUME_STORE", StoreMemory),
		Bucket:                envStr("LOGFLUME_BUCKET", "logflume"),
		Prefix:                envStr("LOGFLUME_PREFIX", "firehose"),
		GroupName:             envStr("LOGFLUME_GROUP", "lambda"),
		Codec:                 envStr("LOGFLUME_CODEC", "gzip"),
		QueueName:             envStr("LOGFLUME_QUEUE", "notifications"),
		AgentIdentity:         envStr("LOGFLUME_AGENT_IDENTITY", ""),
		S3Region:              envStr("LOGFLUME_S3_REGION", os.Getenv("AWS_REGION")),
		S3Endpoint:            envStr("LOGFLUME_S3_ENDPOINT", ""),
		S3AccessKey:           envStr("LOGFLUME_S3_ACCESS_KEY", ""),
		S3SecretKey:           envStr("LOGFLUME_S3_SECRET_KEY", ""),
		GCSCredentialsFile:    envStr("LOGFLUME_GCS_CREDENTIALS_FILE", ""),
		AzureConnectionString: envStr("LOGFLUME_AZURE_CONNECTION_STRING", ""),
	}

	var err error
	if cfg.FlushBytes, err = envInt("LOGFLUME_FLUSH_BYTES", 0); err != nil {
		return Config{}, err
	}
	if cfg.FlushInterval, err = envDur("LOGFLUME_FLUSH_INTERVAL", 0); err != nil {
		return Config{}, err
	}
	if cfg.VisibilityTimeout, err = envDur("LOGFLUME_VISIBILITY_TIMEOUT", 0); err != nil {
		return Config{}, err
	}
	if cfg.Retention, err = envDur("LOGFLUME_RETENTION", 0); err != nil {
		return Config{}, err
	}
	if cfg.MaxReceiveCount, err = envInt("LOGFLUME_MAX_RECEIVE_COUNT", 0); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = envDur("LOGFLUME_SWEEP_INTERVAL", 0); err != nil {
		return Config{}, err
	}
	if cfg.AgentEnabled, err = envBool("LOGFLUME_AGENT", true); err != nil {
		return Config{}, err
	}
	if cfg.AgentWorkers, err = envInt("LOGFLUME_AGENT_WORKERS", 0); err != nil {
		return Config{}, err
	}
	if cfg.AgentHeartbeat, err = envDur("LOGFLUME_AGENT_HEARTBEAT", 0); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreGCS:
	case StoreS3:
		if c.S3Region == "" && c.S3Endpoint == "" {
			return fmt.Errorf("s3 store needs LOGFLUME_S3_REGION (or AWS_REGION) or LOGFLUME_S3_ENDPOINT")
		}
	case StoreAzure:
		if c.AzureConnectionString == "" {
			return fmt.Errorf("azure store needs LOGFLUME_AZURE_CONNECTION_STRING")
		}
	default:
		return fmt.Errorf("unknown store backend: %s", c.StoreBackend)
	}

	switch c.Codec {
	case "gzip", "zstd":
	default:
		return fmt.Errorf("unknown codec: %s", c.Codec)
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int env %s=%q: %w", key, v, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid bool env %s=%q: %w", key, v, err)
	}
	return b, nil
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration env %s=%q: %w", key, v, err)
	}
	return d, nil
}

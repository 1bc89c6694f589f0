// Package config loads scansync configuration from the environment.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// QueueConfig locates the durable scan queue.
type QueueConfig struct {
	DBPath string `envconfig:"SCANSYNC_QUEUE_DB_PATH" default:"scansync.db"`
}

// APIConfig points at the association backend.
type APIConfig struct {
	BaseURL        string `envconfig:"SCANSYNC_API_BASE_URL"`
	Key            string `envconfig:"SCANSYNC_API_KEY"`
	TimeoutSeconds int    `envconfig:"SCANSYNC_API_TIMEOUT_SECONDS" default:"15"`
}

// RedisConfig locates the shared read cache. An empty DNS disables
// cache invalidation.
type RedisConfig struct {
	Dns string `envconfig:"SCANSYNC_REDIS_DNS"`
}

// ProbeConfig tunes the connectivity probe. An empty URL falls back to
// the API base URL.
type ProbeConfig struct {
	URL             string `envconfig:"SCANSYNC_PROBE_URL"`
	IntervalSeconds int    `envconfig:"SCANSYNC_PROBE_INTERVAL_SECONDS" default:"10"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	DisableAutoSync    bool `envconfig:"SCANSYNC_DISABLE_AUTO_SYNC"`
	MaxRetries         int  `envconfig:"SCANSYNC_MAX_RETRIES" default:"3"`
	BaseRetryDelayMs   int  `envconfig:"SCANSYNC_BASE_RETRY_DELAY_MS" default:"1000"`
	MaxConcurrent      int  `envconfig:"SCANSYNC_MAX_CONCURRENT" default:"3"`
	AutoSyncDebounceMs int  `envconfig:"SCANSYNC_AUTO_SYNC_DEBOUNCE_MS" default:"2000"`
}

// Configuration is the full runtime configuration.
type Configuration struct {
	Queue QueueConfig
	API   APIConfig
	Redis RedisConfig
	Probe ProbeConfig
	Sync  SyncConfig
}

// Load reads the environment and validates the result.
func Load() (*Configuration, error) {
	cfg := &Configuration{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, errors.Wrap(err, "process environment")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Configuration) validate() error {
	if c.API.BaseURL == "" {
		return errors.New("SCANSYNC_API_BASE_URL is required")
	}
	if c.Probe.URL == "" {
		logrus.Debug("probe URL not set, probing the API base URL")
		c.Probe.URL = c.API.BaseURL
	}
	if c.Redis.Dns == "" {
		logrus.Warn("redis not configured, cache invalidation disabled")
	}
	return nil
}

// APITimeout returns the submission timeout as a duration.
func (c *Configuration) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// ProbeInterval returns the probe interval as a duration.
func (c *Configuration) ProbeInterval() time.Duration {
	return time.Duration(c.Probe.IntervalSeconds) * time.Second
}

// BaseRetryDelay returns the backoff base as a duration.
func (c *SyncConfig) BaseRetryDelay() time.Duration {
	return time.Duration(c.BaseRetryDelayMs) * time.Millisecond
}

// AutoSyncDebounce returns the reconnect debounce as a duration.
func (c *SyncConfig) AutoSyncDebounce() time.Duration {
	return time.Duration(c.AutoSyncDebounceMs) * time.Millisecond
}

// Package config carries the node's tunables, with defaults and an
// optional YAML override file, the way a settings struct plus a YAML
// loader typically works in this codebase — generalized here to the
// kernel's queue/buffer/timeout knobs.
package config

// file: internal/config/config.go

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// FullPolicy is the back-pressure policy a bounded structure applies once
// full.
type FullPolicy string

// The three policies the queue and send buffer support when at capacity.
const (
	FullBlock FullPolicy = "block"
	FullDrop  FullPolicy = "drop"
	FullError FullPolicy = "error"
)

// NodeConfig holds every tunable a node exposes. All durations are
// wire-friendly as YAML (e.g. "30s") via yaml.v3's native time.Duration
// support.
type NodeConfig struct {
	MessageBufferSize int           `yaml:"messageBufferSize"`
	MessageMaxAge     time.Duration `yaml:"messageMaxAge"`

	QueueMaxSize       int             `yaml:"queueMaxSize"`
	QueueMaxRetries    int             `yaml:"queueMaxRetries"`
	QueueRetryDelays   []time.Duration `yaml:"queueRetryDelays"`
	QueueBaseDelay     time.Duration   `yaml:"queueBaseDelay"`
	QueuePriorityQueue bool            `yaml:"queuePriorityQueuing"`

	MaxConcurrent int           `yaml:"maxConcurrent"`
	OnFull        FullPolicy    `yaml:"onFull"`
	DrainTimeout  time.Duration `yaml:"drainTimeout"`

	MaxMessageSize   int           `yaml:"maxMessageSize"`
	DisconnectionTTL time.Duration `yaml:"disconnectionTTL"`

	// SendBatchWindow is the send buffer's default batching window.
	SendBatchWindow time.Duration `yaml:"sendBatchWindow"`

	// DefaultMethodTimeout is applied to a registered method that does not
	// specify its own.
	DefaultMethodTimeout time.Duration `yaml:"defaultMethodTimeout"`

	// ExpiredRetention is how long a terminated request's id survives in the
	// expired table for late-response attribution.
	ExpiredRetention time.Duration `yaml:"expiredRetention"`

	// ExpiredCleanupInterval is how often the requests manager sweeps the
	// expired table.
	ExpiredCleanupInterval time.Duration `yaml:"expiredCleanupInterval"`

	// StatsInterval is how often the node emits a system:stats event.
	// Zero disables the emission.
	StatsInterval time.Duration `yaml:"statsInterval"`
}

// Default returns the conservative configuration a node starts from when
// nothing is overridden.
func Default() NodeConfig {
	return NodeConfig{
		MessageBufferSize: 1000,
		MessageMaxAge:     5 * time.Minute,

		QueueMaxSize:       1000,
		QueueMaxRetries:    3,
		QueueRetryDelays:   []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second},
		QueueBaseDelay:     1 * time.Second,
		QueuePriorityQueue: false,

		MaxConcurrent: 10,
		OnFull:        FullBlock,
		DrainTimeout:  30 * time.Second,

		MaxMessageSize:   1024 * 1024,
		DisconnectionTTL: 5 * time.Minute,

		SendBatchWindow: 100 * time.Millisecond,

		DefaultMethodTimeout: 30 * time.Second,

		ExpiredRetention:       1 * time.Hour,
		ExpiredCleanupInterval: 5 * time.Minute,

		StatsInterval: 1 * time.Minute,
	}
}

// LoadYAML reads path and merges it on top of Default(). A missing file is
// not an error: the defaults stand.
func LoadYAML(path string) (NodeConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "config: failed to read %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: failed to parse %s", path)
	}
	return cfg, nil
}

// Validate reports whether the configuration is internally consistent
// (positive sizes, known FullPolicy values), the way a config layer should
// check itself before wiring dependent components.
func (c NodeConfig) Validate() error {
	if c.QueueMaxSize <= 0 {
		return errors.New("config: queueMaxSize must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return errors.New("config: maxConcurrent must be positive")
	}
	switch c.OnFull {
	case FullBlock, FullDrop, FullError:
	default:
		return errors.Newf("config: unknown onFull policy %q", c.OnFull)
	}
	if c.MaxMessageSize <= 0 {
		return errors.New("config: maxMessageSize must be positive")
	}
	return nil
}

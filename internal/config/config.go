// Package config loads and validates registry configuration: the step
// intervals, publish/eval/subscription endpoints, HTTP timeouts, and tag
// normalization rules a Registry needs at construction time.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Defaults mirror a stock Atlas client: a one-minute publish step, a
// stream step equal to the publish step, HTTP disabled until a uri is
// set, and auto-start left off so embedding applications opt in
// explicitly.
const (
	DefaultStep                   = 60 * time.Second
	DefaultMeterTTL               = 15 * time.Minute
	DefaultConfigRefreshFrequency = 10 * time.Second
	DefaultConfigTTL              = 150 * time.Second
	DefaultConnectTimeout         = 1 * time.Second
	DefaultReadTimeout            = 10 * time.Second
	DefaultBatchSize              = 10000
	DefaultNumThreads             = 2
	DefaultValidTagCharacters     = "A-Za-z0-9._-"
	DefaultEnabled                = true
	DefaultLwcEnabled             = true
	DefaultAutoStart              = false
)

var (
	// ErrInvalidStep reports a non-positive publish step.
	ErrInvalidStep = errors.New("config: step must be positive")
	// ErrLwcStepDoesNotDivideStep reports a stream step that doesn't
	// evenly divide the publish step.
	ErrLwcStepDoesNotDivideStep = errors.New("config: lwcStep must divide step")
	// ErrInvalidMeterTTL reports a non-positive meter idle expiry.
	ErrInvalidMeterTTL = errors.New("config: meterTTL must be positive")
	// ErrInvalidBatchSize reports a non-positive publish batch size.
	ErrInvalidBatchSize = errors.New("config: batchSize must be positive")
	// ErrInvalidNumThreads reports a non-positive scheduler pool size.
	ErrInvalidNumThreads = errors.New("config: numThreads must be positive")
	// ErrInvalidTimeout reports a non-positive connect or read timeout.
	ErrInvalidTimeout = errors.New("config: connectTimeout and readTimeout must be positive")
)

// Config holds every tunable the registry, scheduler, publisher and
// subscription manager need. Zero-value fields are filled in by
// applyDefaults before Validate is ever consulted.
type Config struct {
	// Step is the publish interval: the period at which step cells
	// rotate and batches are sent to Uri.
	Step time.Duration `mapstructure:"step"`

	// LwcStep is the stream (low-walltime-consistency) interval at
	// which subscription evaluation happens. It must evenly divide
	// Step.
	LwcStep time.Duration `mapstructure:"lwcStep"`

	// MeterTTL is how long a meter may go unrecorded before the
	// registry drops it.
	MeterTTL time.Duration `mapstructure:"meterTTL"`

	// Uri is the publish endpoint. Empty disables publishing.
	Uri string `mapstructure:"uri"`

	// EvalUri is the streaming-eval endpoint. Empty disables eval
	// payload delivery.
	EvalUri string `mapstructure:"evalUri"`

	// ConfigUri is the subscription-list pull endpoint. Empty
	// disables the subscription manager.
	ConfigUri string `mapstructure:"configUri"`

	// ConfigRefreshFrequency is how often the subscription manager
	// polls ConfigUri.
	ConfigRefreshFrequency time.Duration `mapstructure:"configRefreshFrequency"`

	// ConfigTTL is how long a previously seen subscription survives
	// without reappearing in a refresh before it's dropped.
	ConfigTTL time.Duration `mapstructure:"configTTL"`

	// ConnectTimeout bounds establishing an HTTP connection to any
	// configured endpoint.
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`

	// ReadTimeout bounds reading an HTTP response body.
	ReadTimeout time.Duration `mapstructure:"readTimeout"`

	// BatchSize caps how many measurements ride in one publish or
	// eval payload.
	BatchSize int `mapstructure:"batchSize"`

	// NumThreads sizes the scheduler's fixed worker pool.
	NumThreads int `mapstructure:"numThreads"`

	// CommonTags are applied to every id before it's matched against
	// a query and again when it's emitted.
	CommonTags map[string]string `mapstructure:"commonTags"`

	// ValidTagCharacters names the allowed ASCII tag-character set as
	// a regexp character-class body, e.g. "A-Za-z0-9._-". Characters
	// outside it are rewritten to "_" on emit.
	ValidTagCharacters string `mapstructure:"validTagCharacters"`

	// Enabled toggles the publish pipeline entirely.
	Enabled bool `mapstructure:"enabled"`

	// LwcEnabled toggles the streaming-eval pipeline.
	LwcEnabled bool `mapstructure:"lwcEnabled"`

	// AutoStart starts the registry's scheduler as soon as it's
	// constructed, rather than waiting for an explicit Start call.
	AutoStart bool `mapstructure:"autoStart"`
}

func applyDefaults(cfg *Config) {
	if cfg.Step <= 0 {
		cfg.Step = DefaultStep
	}

	if cfg.LwcStep <= 0 {
		cfg.LwcStep = cfg.Step
	}

	if cfg.MeterTTL <= 0 {
		cfg.MeterTTL = DefaultMeterTTL
	}

	if cfg.ConfigRefreshFrequency <= 0 {
		cfg.ConfigRefreshFrequency = DefaultConfigRefreshFrequency
	}

	if cfg.ConfigTTL <= 0 {
		cfg.ConfigTTL = DefaultConfigTTL
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	if cfg.NumThreads <= 0 {
		cfg.NumThreads = DefaultNumThreads
	}

	if cfg.ValidTagCharacters == "" {
		cfg.ValidTagCharacters = DefaultValidTagCharacters
	}
}

// Validate checks the invariants Validate-time defaults can't enforce on
// their own, in particular that LwcStep evenly divides Step.
func (c *Config) Validate() error {
	if c.Step <= 0 {
		return ErrInvalidStep
	}

	if c.LwcStep <= 0 || c.Step%c.LwcStep != 0 {
		return fmt.Errorf("%w: step=%s lwcStep=%s", ErrLwcStepDoesNotDivideStep, c.Step, c.LwcStep)
	}

	if c.MeterTTL <= 0 {
		return ErrInvalidMeterTTL
	}

	if c.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}

	if c.NumThreads <= 0 {
		return ErrInvalidNumThreads
	}

	if c.ConnectTimeout <= 0 || c.ReadTimeout <= 0 {
		return ErrInvalidTimeout
	}

	return nil
}

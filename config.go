/* SPDX-License-Identifier: BSD-2-Clause */

package rangefs

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// Config holds the tunables of a Filesystem. All fields have defaults
// applied by NewConfig; a zero Config is not valid on its own.
type Config struct {
	// ChunkSize is the chunk granularity C in bytes. Immutable once the
	// filesystem is built.
	ChunkSize int64 `validate:"min=1" mapstructure:"chunk_size"`
	// CacheMaxBytes caps the sum of Ready buffer lengths held by the chunk cache.
	CacheMaxBytes int64 `validate:"min=1" mapstructure:"cache_max_bytes"`
	// ReadAhead enables the background prefetcher.
	ReadAhead bool `mapstructure:"read_ahead"`
	// ReadAheadChunks is the initial/maximum prefetch lookahead, in chunks.
	ReadAheadChunks uint `validate:"min=1" mapstructure:"read_ahead_chunks"`

	RetryMaxAttempts      uint          `validate:"min=1" mapstructure:"retry_max_attempts"`
	RetryInitialBackoff   time.Duration `validate:"min=0" mapstructure:"retry_initial_backoff"`
	RetryBackoffMultiplier float64      `validate:"min=1" mapstructure:"retry_backoff_multiplier"`
	RetryMaxBackoff       time.Duration `validate:"min=0" mapstructure:"retry_max_backoff"`
	RetryJitterFraction   float64       `validate:"min=0,max=1" mapstructure:"retry_jitter_fraction"`

	RequestTimeout time.Duration `validate:"min=0" mapstructure:"request_timeout"`

	// Logger receives debug/error output. Defaults to a no-op logger.
	Logger Logger `mapstructure:"-"`
}

// DefaultChunkSize is C, the default chunk granularity (§3).
const DefaultChunkSize = 256 * 1024

// DefaultConfig returns the configuration defaults enumerated in §4.1.
func DefaultConfig() Config {
	return Config{
		ChunkSize:              DefaultChunkSize,
		CacheMaxBytes:          16 * DefaultChunkSize,
		ReadAhead:              true,
		ReadAheadChunks:        4,
		RetryMaxAttempts:       3,
		RetryInitialBackoff:    100 * time.Millisecond,
		RetryBackoffMultiplier: 2.0,
		RetryMaxBackoff:        10 * time.Second,
		RetryJitterFraction:    0.2,
		RequestTimeout:         30 * time.Second,
		Logger:                NoopLogger(),
	}
}

// Option mutates a Config during construction.
type Option func(*Config)

func WithChunkSize(n int64) Option { return func(c *Config) { c.ChunkSize = n } }
func WithCacheMaxBytes(n int64) Option { return func(c *Config) { c.CacheMaxBytes = n } }
func WithReadAhead(enabled bool) Option { return func(c *Config) { c.ReadAhead = enabled } }
func WithReadAheadChunks(n uint) Option { return func(c *Config) { c.ReadAheadChunks = n } }
func WithRetryMaxAttempts(n uint) Option { return func(c *Config) { c.RetryMaxAttempts = n } }
func WithRetryInitialBackoff(d time.Duration) Option {
	return func(c *Config) { c.RetryInitialBackoff = d }
}
func WithRetryBackoffMultiplier(m float64) Option {
	return func(c *Config) { c.RetryBackoffMultiplier = m }
}
func WithRetryMaxBackoff(d time.Duration) Option { return func(c *Config) { c.RetryMaxBackoff = d } }
func WithRetryJitterFraction(f float64) Option {
	return func(c *Config) { c.RetryJitterFraction = f }
}
func WithRequestTimeout(d time.Duration) Option { return func(c *Config) { c.RequestTimeout = d } }
func WithLogger(l Logger) Option {
	return func(c *Config) {
		if l == nil {
			l = NoopLogger()
		}
		c.Logger = l
	}
}

var validate = validator.New()

// NewConfig builds a Config from defaults plus options, validating the
// result. Validation catches malformed tunables early rather than letting
// them surface as confusing cache or transport errors later.
func NewConfig(opts ...Option) (Config, error) {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	if c.Logger == nil {
		c.Logger = NoopLogger()
	}
	if err := validate.Struct(c); err != nil {
		return Config{}, errInvalidArgument(err.Error())
	}
	return c, nil
}

// ConfigFromMap decodes a generic key/value map (as might arrive from a
// host-language caller across the foreign-call boundary) into a Config,
// layered on top of the defaults.
func ConfigFromMap(m map[string]any) (Config, error) {
	c := DefaultConfig()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &c,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, errInvalidArgument(err.Error())
	}
	if err := dec.Decode(m); err != nil {
		return Config{}, errInvalidArgument(err.Error())
	}
	if err := validate.Struct(c); err != nil {
		return Config{}, errInvalidArgument(err.Error())
	}
	return c, nil
}

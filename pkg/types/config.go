package types

import (
	"errors"
	"log/slog"
	"time"
)

// Compression names accepted by Config.Compression.
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionZstd   = "zstd"
	CompressionLZ4    = "lz4"
)

// Delete policies for DeleteDataType.
const (
	DeleteCascade  = "cascade"
	DeleteRestrict = "restrict"
)

// Defaults applied by WithDefaults.
const (
	DefaultCompression = CompressionSnappy
	DefaultBatchSize   = 256
	DefaultBusyTimeout = 5 * time.Second
)

// Config holds the parameters for Initialize and Open.
type Config struct {
	// Path is the store file.
	Path string `json:"path" yaml:"path"`
	// Compression is applied to payloads on write. Reads decode whatever
	// codec a row was written with.
	Compression string `json:"compression" yaml:"compression"`
	// BatchSize is the number of rows BulkWrite commits per transaction.
	BatchSize int `json:"batch_size" yaml:"batch_size"`
	// BusyTimeout bounds how long a writer waits for the write lock.
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`
	// DeletePolicy governs DeleteDataType when services depend on the type.
	DeletePolicy string `json:"delete_policy" yaml:"delete_policy"`
	// VerifyIntegrity runs PRAGMA quick_check on Open.
	VerifyIntegrity bool `json:"verify_integrity" yaml:"verify_integrity"`
	// MaxOpenConns caps the connection pool; zero means unlimited.
	MaxOpenConns int `json:"max_open_conns" yaml:"max_open_conns"`
	// Logger receives lifecycle and registry events. Nil discards them.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// Config validation errors.
var (
	ErrPathEmpty            = errors.New("path must not be empty")
	ErrCompressionUnknown   = errors.New("unknown compression")
	ErrBatchSizeInvalid     = errors.New("batch size must be positive")
	ErrBusyTimeoutInvalid   = errors.New("busy timeout must not be negative")
	ErrDeletePolicyUnknown  = errors.New("unknown delete policy")
	ErrMaxOpenConnsNegative = errors.New("max open conns must not be negative")
)

var knownCompressions = map[string]bool{
	CompressionNone:   true,
	CompressionSnappy: true,
	CompressionZstd:   true,
	CompressionLZ4:    true,
}

var knownDeletePolicies = map[string]bool{
	DeleteCascade:  true,
	DeleteRestrict: true,
}

// WithDefaults returns a copy of c with zero-valued fields set to their
// defaults.
func (c Config) WithDefaults() Config {
	if c.Compression == "" {
		c.Compression = DefaultCompression
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = DefaultBusyTimeout
	}
	if c.DeletePolicy == "" {
		c.DeletePolicy = DeleteCascade
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Validate checks that the Config is well-formed after defaults are applied.
// It returns a sentinel error from this package on failure.
func (c Config) Validate() error {
	c = c.WithDefaults()
	if c.Path == "" {
		return ErrPathEmpty
	}
	if !knownCompressions[c.Compression] {
		return ErrCompressionUnknown
	}
	if c.BatchSize < 0 {
		return ErrBatchSizeInvalid
	}
	if c.BusyTimeout < 0 {
		return ErrBusyTimeoutInvalid
	}
	if !knownDeletePolicies[c.DeletePolicy] {
		return ErrDeletePolicyUnknown
	}
	if c.MaxOpenConns < 0 {
		return ErrMaxOpenConnsNegative
	}
	return nil
}

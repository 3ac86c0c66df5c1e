package memo

// config.go defines the internal configuration object and the two sets of
// functional options: Option (context-wide, passed to New) and CacheOption
// (per cached function, passed to Memory.Cache).
//
// Design notes
// ------------
// • All fields are initialised with sensible defaults in defaultConfig().
// • Options never allocate unless strictly necessary – they capture pointers
//   to external objects (registry, logger …).
// • The structs stay hidden from the public API: users can only influence
//   behaviour via options. This guarantees forward compatibility.
//
// © 2025 memo-cache authors. MIT License.

import (
	"fmt"

	units "github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Option configures a Memory context.
type Option func(*config)

type config struct {
	backend        string
	backendOptions map[string]any
	compress       int
	mmapMode       MmapMode
	verbose        int
	bytesLimit     int64
	logger         *zap.Logger
	registry       *prometheus.Registry

	// deferred option errors, surfaced by New
	err error
}

func defaultConfig() *config {
	return &config{
		backend: "local",
		verbose: 1,
		logger:  zap.NewNop(),
	}
}

// WithBackend selects a registered store backend by name. Default "local".
func WithBackend(name string) Option {
	return func(c *config) { c.backend = name }
}

// WithBackendOptions passes backend-specific named parameters through to the
// store backend.
func WithBackendOptions(opts map[string]any) Option {
	return func(c *config) { c.backendOptions = opts }
}

// WithCompress enables zlib compression of stored artifacts at the given
// level (1..9). Level 0 disables compression. Compressed artifacts cannot be
// memory-mapped.
func WithCompress(level int) Option {
	return func(c *config) {
		if level < 0 || level > 9 {
			c.fail(fmt.Sprintf("compress level %d out of range [0, 9]", level))
			return
		}
		c.compress = level
	}
}

// WithMmapMode sets the default memory-mapping mode for numeric-array
// artifacts loaded by every cached function of this context.
func WithMmapMode(mode MmapMode) Option {
	return func(c *config) {
		if !mode.valid() {
			c.fail(fmt.Sprintf("invalid mmap mode %q", string(mode)))
			return
		}
		c.mmapMode = mode
	}
}

// WithVerbose sets the verbosity threshold: >0 logs computations, >4 logs
// cache hits, >10 logs change-detection internals.
func WithVerbose(v int) Option {
	return func(c *config) { c.verbose = v }
}

// WithBytesLimit caps the total store size. The cap is enforced by
// Memory.ReduceSize, not continuously.
func WithBytesLimit(n int64) Option {
	return func(c *config) {
		if n <= 0 {
			c.fail("bytes limit must be > 0")
			return
		}
		c.bytesLimit = n
	}
}

// WithBytesLimitString is WithBytesLimit with a human-readable size such as
// "500M" or "1G".
func WithBytesLimitString(s string) Option {
	return func(c *config) {
		n, err := units.RAMInBytes(s)
		if err != nil {
			c.fail(fmt.Sprintf("invalid bytes limit %q: %v", s, err))
			return
		}
		WithBytesLimit(n)(c)
	}
}

// WithLogger plugs an external zap.Logger. The engine never logs on the hit
// path below the configured verbosity; warnings always go through.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection for this context.
// Passing nil disables metrics (default).
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

func (c *config) fail(msg string) {
	if c.err == nil {
		c.err = &ConfigError{Msg: msg}
	}
}

/* -------------------------------------------------------------------------
   Per-function options
   ------------------------------------------------------------------------- */

// CacheOption configures one cached function handle.
type CacheOption func(*cacheConfig)

type cacheConfig struct {
	ignore   []string
	verbose  *int
	mmapMode *MmapMode
}

// Ignore lists parameter names that must not influence the argument digest.
// Typical candidates: verbosity flags, progress callbacks, worker counts.
func Ignore(names ...string) CacheOption {
	return func(c *cacheConfig) { c.ignore = append(c.ignore, names...) }
}

// CacheVerbose overrides the context verbosity for this function.
func CacheVerbose(v int) CacheOption {
	return func(c *cacheConfig) { c.verbose = &v }
}

// CacheMmapMode overrides the context mapping mode for this function.
func CacheMmapMode(mode MmapMode) CacheOption {
	return func(c *cacheConfig) { c.mmapMode = &mode }
}

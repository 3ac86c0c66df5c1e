// Package memo is a persistent function-result memoization engine: given a
// pure (or near-pure) computation and its arguments it returns a previously
// stored result when one exists, otherwise it executes the computation,
// stores the result and returns it. Results survive process restarts and can
// be shared between processes through a pluggable store backend.
//
// The entry point is Memory:
//
//	m, _ := memo.New("/var/cache/app")
//	slow := m.MustCache(ComputeReport)
//	out, err := slow.Call(ctx, 2025)
//
// memory.go wires a store backend to cached-function handles and owns the
// context-wide policy: compression, memory-map mode, verbosity and the byte
// ceiling.
//
// © 2025 memo-cache authors. MIT License.
package memo

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"
)

// storeNamespace is the directory the context appends to a plain location so
// the engine's tree never collides with sibling data under the same root.
// This is the only place the namespace is composed; backends and result
// references always receive the final location.
const storeNamespace = "memo"

// Memory is the cache context. A zero location disables caching entirely:
// every handle produced by Cache becomes a transparent pass-through.
type Memory struct {
	location    string
	backendName string
	backend     StoreBackend // nil when caching is disabled
	compress    int
	mmapMode    MmapMode
	verbose     int
	bytesLimit  int64
	logger      *zap.Logger
	metrics     metricsSink
}

// New builds a context over location. An empty location yields a fully
// transparent context that never persists.
func New(location string, opts ...Option) (*Memory, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.err != nil {
		return nil, cfg.err
	}

	var sink metricsSink = noopMetrics{}
	if cfg.registry != nil {
		p, err := newPromMetrics(cfg.registry)
		if err != nil {
			return nil, &ConfigError{Msg: "registering metrics: " + err.Error()}
		}
		sink = p
	}

	m := &Memory{
		location:    location,
		backendName: cfg.backend,
		compress:    cfg.compress,
		mmapMode:    cfg.mmapMode,
		verbose:     cfg.verbose,
		bytesLimit:  cfg.bytesLimit,
		logger:      cfg.logger,
		metrics:     sink,
	}

	if cfg.compress > 0 && cfg.mmapMode != MmapNone {
		m.logger.Warn("compressed results cannot be memory-mapped")
	}

	if location == "" {
		return m, nil
	}

	backend, err := newStoreBackend(
		cfg.backend,
		filepath.Join(location, storeNamespace),
		cfg.verbose,
		BackendOptions{
			Compress: cfg.compress,
			MmapMode: cfg.mmapMode,
			Logger:   cfg.logger,
			Extra:    cfg.backendOptions,
			metrics:  sink,
		},
	)
	if err != nil {
		return nil, err
	}
	m.backend = backend
	return m, nil
}

// Location returns the root the context was built over ("" when caching is
// disabled).
func (m *Memory) Location() string { return m.location }

// Enabled reports whether this context persists anything.
func (m *Memory) Enabled() bool { return m.backend != nil }

// Cache wraps fn with the lookup/compute/persist pipeline. With caching
// disabled the returned handle has the same surface but never persists.
func (m *Memory) Cache(fn any, opts ...CacheOption) (Cached, error) {
	if m.backend == nil {
		f, err := newNotCachedFunc(fn)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	c, err := newCachedFunc(m, fn, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// MustCache is Cache for wiring done at program start, where a bad function
// shape is a programming error.
func (m *Memory) MustCache(fn any, opts ...CacheOption) Cached {
	c, err := m.Cache(fn, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Eval caches fn on demand and invokes it once: the call computes only when
// the cache is not already up to date.
func (m *Memory) Eval(ctx context.Context, fn any, args ...any) (any, error) {
	if m.backend == nil {
		f, err := newNotCachedFunc(fn)
		if err != nil {
			return nil, err
		}
		return f.Call(ctx, args...)
	}
	c, err := m.Cache(fn)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, args...)
}

// Clear erases the complete store.
func (m *Memory) Clear(warn bool) error {
	if warn && m.verbose > 0 {
		m.logger.Warn("flushing completely the cache",
			zap.String("location", m.location))
	}
	if m.backend == nil {
		return nil
	}
	// Live identity entries refer to wiped function code; force the next
	// call of every handle through the slow path.
	funcHashes.reset()
	return m.backend.Clear()
}

// ReduceSize evicts least-recently-used artifacts until the store fits the
// configured byte ceiling. A context without a ceiling is a no-op.
func (m *Memory) ReduceSize() error {
	if m.backend == nil || m.bytesLimit <= 0 {
		return nil
	}
	return m.backend.ReduceStoreSize(m.bytesLimit)
}

// Close releases the backend handle. The context must not be used
// afterwards.
func (m *Memory) Close() error {
	if m.backend == nil {
		return nil
	}
	return m.backend.Close()
}

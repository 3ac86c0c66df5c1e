package memo

// backend.go defines the store contract the engine consumes and the registry
// that maps backend names to constructors. The engine is agnostic to what
// sits behind the interface: the reference implementation is a plain
// filesystem tree (fsbackend.go), a BadgerDB variant ships alongside it
// (badgerbackend.go), and applications may register their own (object
// stores, blob DBs, …) at startup via RegisterStoreBackend.
//
// Concurrency contract: the engine performs no locking of its own around the
// store. A backend must make DumpItem atomic from a reader's perspective
// (finalize via rename or a transaction); a reader observing a partial write
// must fail with *LoadError, which the pipeline converts into recomputation.
//
// © 2025 memo-cache authors. MIT License.

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// CachePath locates one artifact: the function identifier plus the argument
// digest. FuncID components are joined with "/" regardless of platform; the
// backend owns the translation to its native separator.
type CachePath struct {
	FuncID string
	ArgsID string
}

// MmapMode selects how numeric-array artifacts are viewed on load.
type MmapMode string

const (
	MmapNone      MmapMode = ""   // plain heap load
	MmapRead      MmapMode = "r"  // read-only shared view
	MmapReadWrite MmapMode = "r+" // writable shared view
	MmapWrite     MmapMode = "w+" // writable shared view (created fresh)
	MmapCopy      MmapMode = "c"  // copy-on-write private view
)

func (m MmapMode) valid() bool {
	switch m {
	case MmapNone, MmapRead, MmapReadWrite, MmapWrite, MmapCopy:
		return true
	}
	return false
}

// BackendOptions carries the one-time configuration handed to
// StoreBackend.Configure.
type BackendOptions struct {
	// Compress enables zlib-style compression of artifacts: 0 disables,
	// 1..9 sets the level. Compressed artifacts cannot be memory-mapped.
	Compress int

	// MmapMode is the context-wide default mapping mode. LoadItem receives
	// the effective per-call mode, which may differ per cached function.
	MmapMode MmapMode

	// Logger receives backend-level events (evictions, failed evictions). Never nil
	// after Configure when built through a Memory context.
	Logger *zap.Logger

	// Extra carries backend-specific named parameters. Backends ignore keys
	// they do not recognize.
	Extra map[string]any

	// metrics is wired by the Memory context for the built-in backends.
	metrics metricsSink
}

// FuncInfo is the structured description of one cached function inside a
// store.
type FuncInfo struct {
	// Location is a human-readable place of the function's subtree, e.g. a
	// directory path or a key prefix.
	Location string
}

// StoreBackend is the byte-level persistence contract.
//
// All paths are (funcID, argsID) pairs. Absence is signalled with
// ErrNotFound, read faults with *LoadError; backends never panic on missing
// data.
type StoreBackend interface {
	// Configure performs one-time initialization. It is called exactly once,
	// before any other method.
	Configure(location string, verbose int, opts BackendOptions) error

	// Location returns the configured root, as a printable string.
	Location() string

	// ContainsItem reports whether an artifact exists for path.
	ContainsItem(path CachePath) bool

	// LoadItem deserializes the artifact at path. mmap overrides the
	// configured default mapping mode for this load. A missing artifact
	// yields ErrNotFound; any I/O or decoding fault yields *LoadError.
	LoadItem(path CachePath, mmap MmapMode) (any, error)

	// DumpItem serializes value and stores it at path, atomically from the
	// reader's perspective.
	DumpItem(path CachePath, value any) error

	// GetMetadata returns the metadata map stored next to the artifact, or
	// an empty map when absent.
	GetMetadata(path CachePath) map[string]any

	// StoreMetadata persists the metadata map. Best effort: the caller
	// treats failures as non-fatal.
	StoreMetadata(path CachePath, metadata map[string]any) error

	// GetCachedFuncCode returns the stored source text for funcID, or
	// ErrNotFound.
	GetCachedFuncCode(funcID string) (string, error)

	// StoreCachedFuncCode persists source for funcID. An empty source only
	// ensures the function's container exists. Idempotent.
	StoreCachedFuncCode(funcID, source string) error

	// GetCachedFuncInfo describes the function's place in the store.
	GetCachedFuncInfo(funcID string) FuncInfo

	// ClearItem removes one artifact together with its metadata.
	ClearItem(path CachePath) error

	// ClearPath removes everything stored under funcID.
	ClearPath(funcID string) error

	// Clear removes the whole store.
	Clear() error

	// ReduceStoreSize evicts least-recently-used artifacts until the total
	// stored size is at most byteLimit. Eviction granularity is a whole
	// artifact (value + metadata together).
	ReduceStoreSize(byteLimit int64) error

	// Close releases backend handles. The engine calls it once, from
	// Memory.Close.
	Close() error
}

/* -------------------------------------------------------------------------
   Registry
   ------------------------------------------------------------------------- */

// BackendFactory builds an unconfigured backend instance.
type BackendFactory func() StoreBackend

var backendRegistry = struct {
	sync.RWMutex
	m map[string]BackendFactory
}{m: make(map[string]BackendFactory)}

// RegisterStoreBackend extends the set of available store backends. The
// built-ins "local" and "badger" register themselves at init; applications
// should register additional backends at startup, before constructing Memory
// contexts.
func RegisterStoreBackend(name string, factory BackendFactory) error {
	if name == "" {
		return &ConfigError{Msg: "store backend name must not be empty"}
	}
	if factory == nil {
		return &ConfigError{Msg: "store backend factory must not be nil"}
	}
	backendRegistry.Lock()
	defer backendRegistry.Unlock()
	backendRegistry.m[name] = factory
	return nil
}

// newStoreBackend looks the name up and configures a fresh instance.
func newStoreBackend(name, location string, verbose int, opts BackendOptions) (StoreBackend, error) {
	backendRegistry.RLock()
	factory, ok := backendRegistry.m[name]
	backendRegistry.RUnlock()
	if !ok {
		return nil, &BackendUnavailableError{
			Name: name,
			Err:  fmt.Errorf("no such backend registered"),
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.metrics == nil {
		opts.metrics = noopMetrics{}
	}
	b := factory()
	if err := b.Configure(location, verbose, opts); err != nil {
		return nil, &BackendUnavailableError{Name: name, Err: err}
	}
	return b, nil
}

package memo

// result.go holds the two reference flavors returned by CallAndShelve and
// the pass-through function handle used when no cache location is
// configured.
//
// A CachedResult is deliberately small and serializable: it carries only the
// backend *configuration* (name + location) and the cache path. A reference
// decoded in another process rebuilds its live backend from the registry on
// first use, so shipping references between workers costs a few dozen bytes,
// not the artifact.
//
// © 2025 memo-cache authors. MIT License.

import (
	"context"
	"fmt"
	"sync"
)

// Result is a reference to a stored (or inlined) computation result.
type Result interface {
	// Get materializes the value.
	Get(ctx context.Context) (any, error)

	// Clear deletes the value behind the reference.
	Clear() error
}

/* -------------------------------------------------------------------------
   CachedResult
   ------------------------------------------------------------------------- */

// CachedResult points at one stored artifact. All identifying fields are
// exported so the reference survives gob/JSON round-trips; the live backend
// handle does not travel and is rebuilt lazily.
type CachedResult struct {
	Backend  string         `json:"backend"`
	Location string         `json:"location"`
	FuncID   string         `json:"func_id"`
	ArgsID   string         `json:"args_id"`
	Mmap     MmapMode       `json:"mmap_mode,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Verbose  int            `json:"verbose,omitempty"`

	mu      sync.Mutex
	backend StoreBackend
}

func (r *CachedResult) path() CachePath {
	return CachePath{FuncID: r.FuncID, ArgsID: r.ArgsID}
}

// store returns the live backend, rebuilding it from the registry after
// deserialization. The recorded location is used verbatim: namespace
// composition happened once, in the Memory constructor.
func (r *CachedResult) store() (StoreBackend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backend != nil {
		return r.backend, nil
	}
	name := r.Backend
	if name == "" {
		name = "local"
	}
	b, err := newStoreBackend(name, r.Location, r.Verbose, BackendOptions{MmapMode: r.Mmap})
	if err != nil {
		return nil, err
	}
	r.backend = b
	return b, nil
}

// Get reads the value from the store.
func (r *CachedResult) Get(_ context.Context) (any, error) {
	b, err := r.store()
	if err != nil {
		return nil, err
	}
	out, err := b.LoadItem(r.path(), r.Mmap)
	if err != nil {
		return nil, fmt.Errorf("memo: result %s/%s could not be loaded: %w",
			r.FuncID, r.ArgsID, err)
	}
	return out, nil
}

// Clear deletes the artifact behind the reference.
func (r *CachedResult) Clear() error {
	b, err := r.store()
	if err != nil {
		return err
	}
	return b.ClearItem(r.path())
}

// GetMetadata returns the call metadata, fetching it from the store when the
// reference was built without it.
func (r *CachedResult) GetMetadata() map[string]any {
	if r.Metadata != nil {
		return r.Metadata
	}
	b, err := r.store()
	if err != nil {
		return map[string]any{}
	}
	r.Metadata = b.GetMetadata(r.path())
	return r.Metadata
}

// Duration returns the recorded computation time in seconds, or 0 when no
// metadata exists (e.g. the writer was cancelled between dump and persist).
func (r *CachedResult) Duration() float64 {
	if d, ok := r.GetMetadata()["duration"].(float64); ok {
		return d
	}
	return 0
}

func (r *CachedResult) String() string {
	return fmt.Sprintf("CachedResult(location=%q, func_id=%q, args_id=%q)",
		r.Location, r.FuncID, r.ArgsID)
}

var _ Result = (*CachedResult)(nil)

/* -------------------------------------------------------------------------
   NotCachedResult
   ------------------------------------------------------------------------- */

// NotCachedResult replaces CachedResult when no cache is configured: the
// value travels inline and Clear merely invalidates it.
type NotCachedResult struct {
	Value any
	Valid bool
}

func (r *NotCachedResult) Get(_ context.Context) (any, error) {
	if !r.Valid {
		return nil, ErrNoValue
	}
	return r.Value, nil
}

func (r *NotCachedResult) Clear() error {
	r.Valid = false
	r.Value = nil
	return nil
}

var _ Result = (*NotCachedResult)(nil)

/* -------------------------------------------------------------------------
   NotCachedFunc
   ------------------------------------------------------------------------- */

// NotCachedFunc decorates a function without persisting anything. It keeps
// the CachedFunc surface so code can swap a configured context for a
// disabled one without branching. Kept as light as possible.
type NotCachedFunc struct {
	runner funcRunner
}

func newNotCachedFunc(fn any) (*NotCachedFunc, error) {
	runner, err := newFuncRunner(fn)
	if err != nil {
		return nil, err
	}
	return &NotCachedFunc{runner: runner}, nil
}

func (f *NotCachedFunc) Call(ctx context.Context, args ...any) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return f.runner.invoke(ctx, args)
}

func (f *NotCachedFunc) CallAndShelve(ctx context.Context, args ...any) (Result, error) {
	out, err := f.Call(ctx, args...)
	if err != nil {
		return nil, err
	}
	return &NotCachedResult{Value: out, Valid: true}, nil
}

func (f *NotCachedFunc) Clear(bool) error { return nil }

func (f *NotCachedFunc) ExistsInCache(...any) bool { return false }

var _ Cached = (*NotCachedFunc)(nil)

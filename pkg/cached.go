package memo

// cached.go implements the per-function handle and its lookup/compute/persist
// pipeline:
//
//   START → VERIFY_CODE → CHECK_PRESENCE → {LOAD | COMPUTE} → PERSIST_META
//
// VERIFY_CODE consults identity.go; a definition change forces COMPUTE after
// wiping the function's cache. A failed LOAD (corrupted artifact) is logged
// and demoted to COMPUTE. In shelving mode a present artifact short-circuits
// the pipeline without materializing the value.
//
// Within one process, concurrent invocations of the same (func_id, args_id)
// collapse onto a single computation via singleflight; across processes the
// store stays lock-free and the last writer wins.
//
// © 2025 memo-cache authors. MIT License.

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Voskan/memo-cache/internal/hashing"
	"github.com/Voskan/memo-cache/internal/source"
)

// slowPersistLimit is the threshold above which persisting call metadata is
// reported as suspiciously slow (an oversized printable representation of
// some argument, usually).
const slowPersistLimit = 500 * time.Millisecond

// Cached is the common surface of a memoized function handle, implemented by
// CachedFunc and, when no cache location is configured, by NotCachedFunc.
type Cached interface {
	// Call returns the cached result when available, else computes, stores
	// and returns it.
	Call(ctx context.Context, args ...any) (any, error)

	// CallAndShelve ensures the result is present in the store but returns
	// only a small reference to it.
	CallAndShelve(ctx context.Context, args ...any) (Result, error)

	// Clear deletes all artifacts of this function.
	Clear(warn bool) error

	// ExistsInCache reports whether a call with these arguments is already
	// stored.
	ExistsInCache(args ...any) bool
}

/* -------------------------------------------------------------------------
   Reflection runner
   ------------------------------------------------------------------------- */

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// funcRunner adapts an arbitrary user func to the pipeline. Accepted shapes:
// any parameters with an optional leading context.Context, and results that
// are either (T), (T, error) or (error).
type funcRunner struct {
	fn       reflect.Value
	typ      reflect.Type
	takesCtx bool
	hasValue bool
	errIdx   int // index of the error result, -1 when absent
}

func newFuncRunner(fn any) (funcRunner, error) {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return funcRunner{}, &ConfigError{Msg: fmt.Sprintf("cannot cache %T: not a function", fn)}
	}
	if rv.IsNil() {
		return funcRunner{}, &ConfigError{Msg: "cannot cache a nil function"}
	}
	t := rv.Type()

	r := funcRunner{fn: rv, typ: t, errIdx: -1}
	if t.NumIn() > 0 && t.In(0) == ctxType {
		r.takesCtx = true
	}
	switch t.NumOut() {
	case 0:
		return funcRunner{}, &ConfigError{Msg: "cached function must return a value"}
	case 1:
		if t.Out(0) == errType {
			r.errIdx = 0
		} else {
			r.hasValue = true
		}
	case 2:
		if t.Out(1) != errType {
			return funcRunner{}, &ConfigError{Msg: "second result of a cached function must be error"}
		}
		r.hasValue = true
		r.errIdx = 1
	default:
		return funcRunner{}, &ConfigError{Msg: "cached function may return at most (value, error)"}
	}
	return r, nil
}

// numArgs returns the fixed non-context parameter count.
func (r funcRunner) numArgs() int {
	n := r.typ.NumIn()
	if r.takesCtx {
		n--
	}
	return n
}

func (r funcRunner) checkArgCount(args []any) error {
	n := r.numArgs()
	if r.typ.IsVariadic() {
		if len(args) < n-1 {
			return &ConfigError{Msg: fmt.Sprintf("want at least %d args, got %d", n-1, len(args))}
		}
		return nil
	}
	if len(args) != n {
		return &ConfigError{Msg: fmt.Sprintf("want %d args, got %d", n, len(args))}
	}
	return nil
}

// invoke runs the user function on the calling goroutine. Suspension, if
// any, happens inside the user function itself (it received ctx).
func (r funcRunner) invoke(ctx context.Context, args []any) (any, error) {
	if err := r.checkArgCount(args); err != nil {
		return nil, err
	}

	offset := 0
	in := make([]reflect.Value, 0, r.typ.NumIn())
	if r.takesCtx {
		in = append(in, reflect.ValueOf(ctx))
		offset = 1
	}
	numIn := r.typ.NumIn()
	for i, arg := range args {
		slot := offset + i
		var want reflect.Type
		if r.typ.IsVariadic() && slot >= numIn-1 {
			want = r.typ.In(numIn - 1).Elem()
		} else {
			want = r.typ.In(slot)
		}
		v, err := conform(arg, want, i)
		if err != nil {
			return nil, err
		}
		in = append(in, v)
	}

	out := r.fn.Call(in)
	if r.errIdx >= 0 && !out[r.errIdx].IsNil() {
		return nil, out[r.errIdx].Interface().(error)
	}
	if r.hasValue {
		return out[0].Interface(), nil
	}
	return nil, nil
}

func conform(arg any, want reflect.Type, idx int) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(want), nil
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(want) {
		return v, nil
	}
	if v.Type().ConvertibleTo(want) {
		return v.Convert(want), nil
	}
	return reflect.Value{}, &ConfigError{
		Msg: fmt.Sprintf("argument %d: %s is not assignable to %s", idx, v.Type(), want),
	}
}

/* -------------------------------------------------------------------------
   CachedFunc
   ------------------------------------------------------------------------- */

// CachedFunc wraps a user function with the lookup/compute/persist pipeline.
// Handles are created by Memory.Cache and are safe for concurrent use.
type CachedFunc struct {
	runner      funcRunner
	pc          uintptr
	src         source.Func
	funcID      string
	params      []string // declared names, context excluded
	ignore      map[string]struct{}
	mmap        MmapMode
	verbose     int
	logger      *zap.Logger
	metrics     metricsSink
	backend     StoreBackend
	backendName string

	sf singleflight.Group

	collisionMu   sync.Mutex
	collisionSeen map[string]bool
}

func newCachedFunc(m *Memory, fn any, opts ...CacheOption) (*CachedFunc, error) {
	runner, err := newFuncRunner(fn)
	if err != nil {
		return nil, err
	}
	src, err := source.Describe(fn)
	if err != nil {
		return nil, &ConfigError{Msg: err.Error()}
	}

	cc := cacheConfig{}
	for _, opt := range opts {
		opt(&cc)
	}

	params := src.Params
	if runner.takesCtx && len(params) > 0 {
		params = params[1:]
	}

	c := &CachedFunc{
		runner:        runner,
		pc:            runner.fn.Pointer(),
		src:           src,
		funcID:        buildFuncIdentifier(src.Name),
		params:        params,
		ignore:        make(map[string]struct{}, len(cc.ignore)),
		mmap:          m.mmapMode,
		verbose:       m.verbose,
		logger:        m.logger,
		metrics:       m.metrics,
		backend:       m.backend,
		backendName:   m.backendName,
		collisionSeen: make(map[string]bool),
	}
	if cc.mmapMode != nil {
		c.mmap = *cc.mmapMode
	}
	if cc.verbose != nil {
		c.verbose = *cc.verbose
	}
	for _, name := range cc.ignore {
		if len(params) > 0 && !contains(params, name) {
			return nil, &ConfigError{
				Msg: fmt.Sprintf("ignored parameter %q is not a parameter of %s", name, c.shortName()),
			}
		}
		c.ignore[name] = struct{}{}
	}

	// Create the function's container on demand; the source itself is
	// written lazily by the first VERIFY_CODE.
	if err := c.backend.StoreCachedFuncCode(c.funcID, ""); err != nil {
		return nil, err
	}
	return c, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// FuncID returns the function's storage identifier.
func (c *CachedFunc) FuncID() string { return c.funcID }

func (c *CachedFunc) shortName() string {
	if i := strings.LastIndex(c.funcID, "/"); i >= 0 {
		return c.funcID[i+1:]
	}
	return c.funcID
}

func (c *CachedFunc) paramName(i int) string {
	if i < len(c.params) {
		return c.params[i]
	}
	return fmt.Sprintf("arg%d", i)
}

// filterArgs pairs arguments with their declared names and removes the
// ignored ones. A variadic tail collapses into one named slice under the
// tail parameter's name.
func (c *CachedFunc) filterArgs(args []any) ([]hashing.NamedValue, error) {
	if err := c.runner.checkArgCount(args); err != nil {
		return nil, err
	}

	var pairs []hashing.NamedValue
	n := c.runner.numArgs()
	if c.runner.typ.IsVariadic() {
		for i := 0; i < n-1; i++ {
			pairs = append(pairs, hashing.NamedValue{Name: c.paramName(i), Value: args[i]})
		}
		tail := make([]any, len(args)-(n-1))
		copy(tail, args[n-1:])
		pairs = append(pairs, hashing.NamedValue{Name: c.paramName(n - 1), Value: tail})
	} else {
		for i, a := range args {
			pairs = append(pairs, hashing.NamedValue{Name: c.paramName(i), Value: a})
		}
	}

	out := pairs[:0]
	for _, p := range pairs {
		if _, skip := c.ignore[p.Name]; !skip {
			out = append(out, p)
		}
	}
	return out, nil
}

// outputIdentifiers returns the cache path of one call.
func (c *CachedFunc) outputIdentifiers(args []any) (CachePath, []hashing.NamedValue, error) {
	filtered, err := c.filterArgs(args)
	if err != nil {
		return CachePath{}, nil, err
	}
	return CachePath{FuncID: c.funcID, ArgsID: hashing.Hash(filtered)}, filtered, nil
}

/* -------------------------------------------------------------------------
   Pipeline
   ------------------------------------------------------------------------- */

type pipeResult struct {
	out      any
	meta     map[string]any
	hasValue bool
}

func (c *CachedFunc) cachedCall(ctx context.Context, args []any, shelving bool) (pipeResult, CachePath, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	path, filtered, err := c.outputIdentifiers(args)
	if err != nil {
		return pipeResult{}, path, err
	}

	key := path.FuncID + "/" + path.ArgsID
	v, err, _ := c.sf.Do(key, func() (any, error) {
		return c.runPipeline(ctx, path, filtered, args, shelving)
	})
	if err != nil {
		return pipeResult{}, path, err
	}
	res := v.(pipeResult)

	// A non-shelving caller may have shared a shelving flight that
	// short-circuited without materializing the value. The artifact is
	// present; load it directly.
	if !shelving && !res.hasValue {
		out, err := c.backend.LoadItem(path, c.mmap)
		if err == nil {
			return pipeResult{out: out, hasValue: true}, path, nil
		}
		v, err := c.runPipeline(ctx, path, filtered, args, false)
		if err != nil {
			return pipeResult{}, path, err
		}
		res = v.(pipeResult)
	}
	return res, path, nil
}

func (c *CachedFunc) runPipeline(ctx context.Context, path CachePath, filtered []hashing.NamedValue, args []any, shelving bool) (any, error) {
	// VERIFY_CODE
	codeOK := c.checkPreviousFuncCode()

	// CHECK_PRESENCE
	if codeOK && c.backend.ContainsItem(path) {
		if shelving {
			return pipeResult{}, nil
		}
		// LOAD
		start := time.Now()
		out, err := c.backend.LoadItem(path, c.mmap)
		if err == nil {
			c.metrics.incHit(c.funcID)
			if c.verbose > 4 {
				c.logger.Info("cache loaded",
					zap.String("func", c.shortName()),
					zap.Duration("duration", time.Since(start)))
			}
			return pipeResult{out: out, hasValue: true}, nil
		}
		// Corrupted artifact: warn and fall through to COMPUTE.
		c.metrics.incCorruption(c.funcID)
		c.logger.Warn(
			fmt.Sprintf("Exception while loading results for %s", c.formatSignature(args)),
			zap.Error(err))
	} else if c.verbose > 10 {
		info := c.backend.GetCachedFuncInfo(c.funcID)
		c.logger.Debug("computing func",
			zap.String("func", c.shortName()),
			zap.String("args_id", path.ArgsID),
			zap.String("location", info.Location))
	}

	// COMPUTE
	c.metrics.incMiss(c.funcID)
	if c.verbose > 0 {
		c.logger.Info("calling " + c.formatSignature(args))
	}
	start := time.Now()
	out, err := c.runner.invoke(ctx, args)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		// Cancelled while computing: persist nothing.
		return nil, ctx.Err()
	}
	duration := time.Since(start)

	if err := c.backend.DumpItem(path, out); err != nil {
		return nil, err
	}
	if c.verbose > 0 {
		c.logger.Info("computed",
			zap.String("func", c.shortName()),
			zap.Duration("duration", duration))
	}

	// PERSIST_META
	meta := c.persistInput(duration, path, filtered)

	// First-call mmap consistency: hand back the mapped variety the caller
	// would observe on any later cached load.
	if c.mmap != MmapNone {
		if mapped, err := c.backend.LoadItem(path, c.mmap); err == nil {
			out = mapped
		}
	}
	return pipeResult{out: out, meta: meta, hasValue: true}, nil
}

// persistInput stores the call summary next to the artifact. Best effort:
// metadata failures never fail the call.
func (c *CachedFunc) persistInput(duration time.Duration, path CachePath, filtered []hashing.NamedValue) map[string]any {
	start := time.Now()
	inputArgs := make(map[string]string, len(filtered))
	for _, p := range filtered {
		inputArgs[p.Name] = hashing.Printable(p.Value)
	}
	metadata := map[string]any{
		"duration":   duration.Seconds(),
		"input_args": inputArgs,
	}
	if err := c.backend.StoreMetadata(path, metadata); err != nil {
		c.logger.Debug("storing metadata failed",
			zap.String("func", c.shortName()), zap.Error(err))
	}

	if elapsed := time.Since(start); elapsed > slowPersistLimit {
		c.logger.Warn(fmt.Sprintf(
			"Persisting input arguments took %.2fs. If this happens often, some "+
				"arguments of %s have a very large printable form; results stay "+
				"correct in all cases.", elapsed.Seconds(), c.shortName()))
	}
	return metadata
}

func (c *CachedFunc) formatSignature(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		s := hashing.Printable(a)
		if len(s) > 80 {
			s = s[:80] + "..."
		}
		parts[i] = s
	}
	return c.shortName() + "(" + strings.Join(parts, ", ") + ")"
}

/* -------------------------------------------------------------------------
   Public operations
   ------------------------------------------------------------------------- */

// Call returns the cached result for args when available, else computes,
// stores and returns it. ctx is handed to the wrapped function when its
// first parameter is a context; cancellation during the computation
// propagates and persists nothing.
func (c *CachedFunc) Call(ctx context.Context, args ...any) (any, error) {
	res, _, err := c.cachedCall(ctx, args, false)
	if err != nil {
		return nil, err
	}
	return res.out, nil
}

// MustCall is Call for callers that treat a cache fault as fatal.
func (c *CachedFunc) MustCall(ctx context.Context, args ...any) any {
	out, err := c.Call(ctx, args...)
	if err != nil {
		panic(err)
	}
	return out
}

// CallAndShelve ensures the result for args is present in the store and
// returns a small serializable reference to it instead of the value.
func (c *CachedFunc) CallAndShelve(ctx context.Context, args ...any) (Result, error) {
	res, path, err := c.cachedCall(ctx, args, true)
	if err != nil {
		return nil, err
	}
	return &CachedResult{
		Backend:  c.backendName,
		Location: c.backend.Location(),
		FuncID:   path.FuncID,
		ArgsID:   path.ArgsID,
		Mmap:     c.mmap,
		Metadata: res.meta,
		Verbose:  c.verbose - 1,
		backend:  c.backend,
	}, nil
}

// ExistsInCache reports whether the result of a call with args is stored.
func (c *CachedFunc) ExistsInCache(args ...any) bool {
	path, _, err := c.outputIdentifiers(args)
	if err != nil {
		return false
	}
	return c.backend.ContainsItem(path)
}

// Clear deletes every artifact of this function and rewrites the stored
// source to the live definition.
func (c *CachedFunc) Clear(warn bool) error {
	if warn && c.verbose > 0 {
		c.logger.Warn("clearing function cache", zap.String("func_id", c.funcID))
	}
	funcHashes.drop(c.pc)
	if err := c.backend.ClearPath(c.funcID); err != nil {
		return err
	}
	c.writeFuncCode()
	return nil
}

var _ Cached = (*CachedFunc)(nil)

package memo

// End-to-end tests of the lookup/compute/persist pipeline. Each wrapped
// function carries its own invocation counter so compute-once properties are
// observable; tests that depend on first-registration behaviour reset the
// process-wide identity cache first.

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Voskan/memo-cache/internal/narray"
)

/* -------------------------------------------------------------------------
   Wrapped functions. Top-level and named, so their identity is stable and
   their source is extractable.
   ------------------------------------------------------------------------- */

var squareCalls atomic.Int32

func squareFn(x int) int {
	squareCalls.Add(1)
	return x * x
}

var echoCalls atomic.Int32

func echoFn(x int) int {
	echoCalls.Add(1)
	return x
}

var evalCalls atomic.Int32

func evalFn(x int) int {
	evalCalls.Add(1)
	return x + 10
}

var greetCalls atomic.Int32

func greetFn(name string, shout bool) string {
	greetCalls.Add(1)
	if shout {
		return strings.ToUpper(name)
	}
	return name
}

func shelveFn(x int) int {
	return x * 7
}

var redefCalls atomic.Int32

func redefFn(x int) int {
	redefCalls.Add(1)
	return x * 3
}

var corruptCalls atomic.Int32

func corruptFn(x int) string {
	corruptCalls.Add(1)
	return strings.Repeat("v", x)
}

var vecCalls atomic.Int32

func twiceVec(a []float64) []float64 {
	vecCalls.Add(1)
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] * 2
	}
	return out
}

var slowCalls atomic.Int32

func slowFn(x int) int {
	time.Sleep(30 * time.Millisecond)
	slowCalls.Add(1)
	return x
}

var ctxCalls atomic.Int32

func ctxFn(ctx context.Context, x int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ctxCalls.Add(1)
	return x + 1, nil
}

var missingCalls atomic.Int32

func missingFn(x int) int {
	missingCalls.Add(1)
	return x
}

var bigCalls atomic.Int32

func bigFn(i int) []byte {
	bigCalls.Add(1)
	out := make([]byte, 8192)
	for j := range out {
		out[j] = byte(i)
	}
	return out
}

var compCalls atomic.Int32

func compFn(x int) string {
	compCalls.Add(1)
	return strings.Repeat("z", x)
}

var varCalls atomic.Int32

func varFn(prefix string, nums ...int) string {
	varCalls.Add(1)
	total := 0
	for _, n := range nums {
		total += n
	}
	return prefix + ":" + strings.Repeat("i", total)
}

/* -------------------------------------------------------------------------
   Harness helpers
   ------------------------------------------------------------------------- */

func newTestMemory(t *testing.T, opts ...Option) *Memory {
	t.Helper()
	m, err := New(t.TempDir(), append([]Option{WithVerbose(0)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func observedMemory(t *testing.T, opts ...Option) (*Memory, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.WarnLevel)
	opts = append(opts, WithLogger(zap.New(core)))
	return newTestMemory(t, opts...), logs
}

func hasWarning(logs *observer.ObservedLogs, snippet string) bool {
	for _, e := range logs.All() {
		if strings.Contains(e.Message, snippet) {
			return true
		}
	}
	return false
}

// findArtifact locates a stored output.* file under the memory's root.
func findArtifact(t *testing.T, m *Memory, name string) string {
	t.Helper()
	var found string
	filepath.WalkDir(m.location, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && d.Name() == name {
			found = path
		}
		return nil
	})
	require.NotEmpty(t, found, "no %s under %s", name, m.location)
	return found
}

/* -------------------------------------------------------------------------
   Core invariants
   ------------------------------------------------------------------------- */

func TestBasicHitSequence(t *testing.T) {
	squareCalls.Store(0)
	funcHashes.reset()
	ctx := context.Background()

	m := newTestMemory(t)
	cf, err := m.Cache(squareFn)
	require.NoError(t, err)

	for _, x := range []int{0, 0, 1, 1, 2, 2} {
		out, err := cf.Call(ctx, x)
		require.NoError(t, err)
		assert.Equal(t, x*x, out)
	}
	assert.Equal(t, int32(3), squareCalls.Load())
}

func TestClearSemantics(t *testing.T) {
	echoCalls.Store(0)
	funcHashes.reset()
	ctx := context.Background()

	m := newTestMemory(t)
	cf, err := m.Cache(echoFn)
	require.NoError(t, err)

	_, err = cf.Call(ctx, 1)
	require.NoError(t, err)
	_, err = cf.Call(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), echoCalls.Load())

	require.NoError(t, cf.Clear(false))
	assert.False(t, cf.ExistsInCache(1))

	out, err := cf.Call(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, out)
	assert.Equal(t, int32(2), echoCalls.Load())
}

func TestEvalComputesOnce(t *testing.T) {
	evalCalls.Store(0)
	funcHashes.reset()
	ctx := context.Background()

	m := newTestMemory(t)
	out1, err := m.Eval(ctx, evalFn, 1)
	require.NoError(t, err)
	out2, err := m.Eval(ctx, evalFn, 1)
	require.NoError(t, err)

	assert.Equal(t, 11, out1)
	assert.Equal(t, out1, out2)
	assert.Equal(t, int32(1), evalCalls.Load())
}

func TestIgnoreFidelity(t *testing.T) {
	greetCalls.Store(0)
	funcHashes.reset()
	ctx := context.Background()

	m := newTestMemory(t)
	cf, err := m.Cache(greetFn, Ignore("shout"))
	require.NoError(t, err)

	out1, err := cf.Call(ctx, "bob", true)
	require.NoError(t, err)
	out2, err := cf.Call(ctx, "bob", false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), greetCalls.Load())
	// Both observe the first stored value; "shout" does not partition.
	assert.Equal(t, out1, out2)

	_, err = cf.Call(ctx, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), greetCalls.Load())
}

func TestIgnoreUnknownParamRejected(t *testing.T) {
	m := newTestMemory(t)
	_, err := m.Cache(greetFn, Ignore("nope"))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestShelveRoundTrip(t *testing.T) {
	funcHashes.reset()
	ctx := context.Background()

	m := newTestMemory(t)
	cf, err := m.Cache(shelveFn)
	require.NoError(t, err)

	ref, err := cf.CallAndShelve(ctx, 6)
	require.NoError(t, err)

	direct, err := cf.Call(ctx, 6)
	require.NoError(t, err)
	require.Equal(t, 42, direct)

	got, err := ref.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, direct, got)

	// The reference is a small serializable handle; a decoded copy resolves
	// the same artifact through the backend registry.
	wire, err := json.Marshal(ref)
	require.NoError(t, err)
	var decoded CachedResult
	require.NoError(t, json.Unmarshal(wire, &decoded))
	got, err = decoded.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, direct, got)
	assert.Greater(t, decoded.Duration(), -1.0)

	// Shelving an already-present result short-circuits without loading.
	ref2, err := cf.CallAndShelve(ctx, 6)
	require.NoError(t, err)

	require.NoError(t, ref2.Clear())
	assert.False(t, cf.ExistsInCache(6))
}

func TestRedefinitionInvalidates(t *testing.T) {
	redefCalls.Store(0)
	funcHashes.reset()
	ctx := context.Background()

	m := newTestMemory(t)
	cached, err := m.Cache(redefFn)
	require.NoError(t, err)
	cf := cached.(*CachedFunc)

	_, err = cf.Call(ctx, 2)
	require.NoError(t, err)
	_, err = cf.Call(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int32(1), redefCalls.Load())

	// Simulate a redefinition observed across processes: the stored source
	// no longer matches the live one. Drop the in-process fast path first,
	// as a fresh process would.
	funcHashes.reset()
	stale := formatStoredCode("func redefFn(x int) int {\n\treturn 0\n}", cf.src.FirstLine)
	require.NoError(t, cf.backend.StoreCachedFuncCode(cf.funcID, stale))

	out, err := cf.Call(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 6, out)
	assert.Equal(t, int32(2), redefCalls.Load())

	// The rewrite healed the stored source: no further invalidation.
	_, err = cf.Call(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(2), redefCalls.Load())
}

func TestCorruptionRecovery(t *testing.T) {
	corruptCalls.Store(0)
	funcHashes.reset()
	ctx := context.Background()

	m, logs := observedMemory(t)
	cf, err := m.Cache(corruptFn)
	require.NoError(t, err)

	out, err := cf.Call(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, "vvvvv", out)

	artifact := findArtifact(t, m, outputFile)
	require.NoError(t, os.WriteFile(artifact, []byte("\x00broken"), 0o644))

	out, err = cf.Call(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "vvvvv", out)
	assert.Equal(t, int32(2), corruptCalls.Load())
	assert.True(t, hasWarning(logs, "Exception while loading results"),
		"expected a corrupted-load warning, got %v", logs.All())
}

func TestMmapFirstCallConsistency(t *testing.T) {
	vecCalls.Store(0)
	funcHashes.reset()
	ctx := context.Background()

	m, logs := observedMemory(t, WithMmapMode(MmapRead))
	cf, err := m.Cache(twiceVec)
	require.NoError(t, err)

	ones := []float64{1, 1, 1}
	first, err := cf.Call(ctx, ones)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2, 2}, first)

	second, err := cf.Call(ctx, ones)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.Equal(t, int32(1), vecCalls.Load())

	if narray.Supported() {
		// The first call already observes the mapped variety.
		assert.True(t, narray.IsMapped(first))
		assert.True(t, narray.IsMapped(second))
	}
	require.NoError(t, narray.Unmap(first))
	require.NoError(t, narray.Unmap(second))

	// Corrupt the raw artifact: the next call warns and recomputes, and the
	// recomputed value is again of the mapped variety.
	artifact := findArtifact(t, m, outputFileRaw)
	require.NoError(t, os.WriteFile(artifact, []byte("definitely not an narray"), 0o644))

	recovered, err := cf.Call(ctx, ones)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2, 2}, recovered)
	assert.Equal(t, int32(2), vecCalls.Load())
	assert.True(t, hasWarning(logs, "Exception while loading results"))
	if narray.Supported() {
		assert.True(t, narray.IsMapped(recovered))
	}
	require.NoError(t, narray.Unmap(recovered))
}

func TestNoCacheTransparent(t *testing.T) {
	ctx := context.Background()
	m, err := New("")
	require.NoError(t, err)
	assert.False(t, m.Enabled())

	calls := 0
	cf, err := m.Cache(func(x int) int {
		calls++
		return x
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		out, err := cf.Call(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, out)
	}
	assert.Equal(t, 4, calls)
	assert.False(t, cf.ExistsInCache(1))

	ref, err := cf.CallAndShelve(ctx, 2)
	require.NoError(t, err)
	got, err := ref.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, got)

	require.NoError(t, ref.Clear())
	_, err = ref.Get(ctx)
	require.ErrorIs(t, err, ErrNoValue)

	require.NoError(t, m.Clear(false))
	require.NoError(t, m.ReduceSize())
}

func TestMissingDirectoryRebuilt(t *testing.T) {
	missingCalls.Store(0)
	funcHashes.reset()
	ctx := context.Background()

	m := newTestMemory(t)
	cf, err := m.Cache(missingFn)
	require.NoError(t, err)

	_, err = cf.Call(ctx, 1)
	require.NoError(t, err)

	// Rip the store out from under the live context.
	require.NoError(t, os.RemoveAll(m.location))

	out, err := cf.Call(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, out)
	assert.Equal(t, int32(2), missingCalls.Load())
	assert.True(t, cf.ExistsInCache(1))
}

func TestComputeOnceUnderConcurrency(t *testing.T) {
	slowCalls.Store(0)
	funcHashes.reset()
	ctx := context.Background()

	m := newTestMemory(t)
	cf, err := m.Cache(slowFn)
	require.NoError(t, err)

	var wg sync.WaitGroup
	outs := make([]any, 8)
	for i := 0; i < len(outs); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := cf.Call(ctx, 7)
			assert.NoError(t, err)
			outs[i] = out
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), slowCalls.Load())
	for _, out := range outs {
		assert.Equal(t, 7, out)
	}
}

func TestContextFunctionParity(t *testing.T) {
	ctxCalls.Store(0)
	funcHashes.reset()
	ctx := context.Background()

	m := newTestMemory(t)
	cf, err := m.Cache(ctxFn)
	require.NoError(t, err)

	out, err := cf.Call(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 5, out)
	_, err = cf.Call(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int32(1), ctxCalls.Load())

	// Cancellation during COMPUTE persists nothing.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = cf.Call(cancelled, 9)
	require.Error(t, err)
	assert.False(t, cf.ExistsInCache(9))
	assert.Equal(t, int32(1), ctxCalls.Load())
}

func TestByteCeiling(t *testing.T) {
	bigCalls.Store(0)
	funcHashes.reset()
	ctx := context.Background()

	const limit = 20_000
	m := newTestMemory(t, WithBytesLimit(limit))
	cached, err := m.Cache(bigFn)
	require.NoError(t, err)
	cf := cached.(*CachedFunc)

	for i := 0; i < 4; i++ {
		_, err := cf.Call(ctx, i)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond) // separate access times
	}

	require.NoError(t, m.ReduceSize())

	items, err := cf.backend.(*fsBackend).enumerateItems()
	require.NoError(t, err)
	var total int64
	for _, it := range items {
		total += it.size
	}
	assert.LessOrEqual(t, total, int64(limit))

	// Survivors are strictly more recently used than any evicted artifact.
	assert.False(t, cf.ExistsInCache(0))
	assert.False(t, cf.ExistsInCache(1))
	assert.True(t, cf.ExistsInCache(2))
	assert.True(t, cf.ExistsInCache(3))
}

func TestCompressedArtifacts(t *testing.T) {
	compCalls.Store(0)
	funcHashes.reset()
	ctx := context.Background()

	m := newTestMemory(t, WithCompress(6))
	cf, err := m.Cache(compFn)
	require.NoError(t, err)

	out, err := cf.Call(ctx, 64)
	require.NoError(t, err)
	findArtifact(t, m, outputFileZ)

	again, err := cf.Call(ctx, 64)
	require.NoError(t, err)
	assert.Equal(t, out, again)
	assert.Equal(t, int32(1), compCalls.Load())
}

func TestVariadicArgsDigest(t *testing.T) {
	varCalls.Store(0)
	funcHashes.reset()
	ctx := context.Background()

	m := newTestMemory(t)
	cf, err := m.Cache(varFn)
	require.NoError(t, err)

	_, err = cf.Call(ctx, "x", 1, 2)
	require.NoError(t, err)
	_, err = cf.Call(ctx, "x", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(1), varCalls.Load())

	_, err = cf.Call(ctx, "x", 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), varCalls.Load())
}

func TestAnonymousCollisionWarning(t *testing.T) {
	funcHashes.reset()
	ctx := context.Background()

	m, logs := observedMemory(t)
	calls := 0
	cached, err := m.Cache(func(x int) int {
		calls++
		return x - 1
	})
	require.NoError(t, err)
	cf := cached.(*CachedFunc)

	_, err = cf.Call(ctx, 3)
	require.NoError(t, err)

	// A different anonymous function ending up under the same identifier is
	// indistinguishable from a redefinition; the engine must say so.
	stale := formatStoredCode("func(x int) int {\n\treturn x + 100\n}", cf.src.FirstLine+1)
	require.NoError(t, cf.backend.StoreCachedFuncCode(cf.funcID, stale))

	out, err := cf.Call(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
	assert.Equal(t, 2, calls)
	assert.True(t, hasWarning(logs, "cannot detect name collisions"),
		"expected a collision warning, got %v", logs.All())
}

func TestConfigValidation(t *testing.T) {
	dir := t.TempDir()

	_, err := New(dir, WithCompress(42))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)

	_, err = New(dir, WithMmapMode("zz"))
	require.ErrorAs(t, err, &cfgErr)

	_, err = New(dir, WithBytesLimitString("12XQ"))
	require.ErrorAs(t, err, &cfgErr)

	m, err := New(dir, WithBytesLimitString("1K"))
	require.NoError(t, err)
	assert.Equal(t, int64(1024), m.bytesLimit)
	m.Close()

	m2 := newTestMemory(t)
	_, err = m2.Cache(42)
	require.ErrorAs(t, err, &cfgErr)
	_, err = m2.Cache(func() {})
	require.ErrorAs(t, err, &cfgErr)
}

func TestCompressMmapConflictWarns(t *testing.T) {
	_, logs := observedMemory(t, WithCompress(3), WithMmapMode(MmapRead))
	assert.True(t, hasWarning(logs, "compressed results cannot be memory-mapped"))
}

func TestMemoryClearWipesEverything(t *testing.T) {
	squareCalls.Store(0)
	funcHashes.reset()
	ctx := context.Background()

	m := newTestMemory(t)
	cf, err := m.Cache(squareFn)
	require.NoError(t, err)

	_, err = cf.Call(ctx, 3)
	require.NoError(t, err)
	require.True(t, cf.ExistsInCache(3))

	require.NoError(t, m.Clear(false))
	assert.False(t, cf.ExistsInCache(3))

	out, err := cf.Call(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 9, out)
	assert.Equal(t, int32(2), squareCalls.Load())
}

// Package bench provides reproducible micro-benchmarks for memo-cache.
// Run via:  go test ./bench -bench=. -benchmem
//
// We measure:
//   1. Hit        – warm artifact served from the filesystem store
//   2. Miss       – full compute + dump + metadata pipeline
//   3. Shelve     – reference-only call on a warm artifact
//   4. ArgsDigest – canonical hashing of a medium argument vector
//
// Results are printed in ns/op + alloc/op so CI can diff via benchstat.
//
// NOTE: Unit tests live elsewhere; this file is *only* for performance.
//
// © 2025 memo-cache authors. MIT License.
package bench

import (
	"context"
	"testing"

	"github.com/Voskan/memo-cache/internal/hashing"
	memo "github.com/Voskan/memo-cache/pkg"
)

func sum(xs []float64) float64 {
	var total float64
	for _, x := range xs {
		total += x
	}
	return total
}

func newBenchMemory(b *testing.B) *memo.Memory {
	b.Helper()
	m, err := memo.New(b.TempDir(), memo.WithVerbose(0))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { m.Close() })
	return m
}

// dataset reused across benches to avoid reallocating large slices.
var ds = func() []float64 {
	arr := make([]float64, 1<<12)
	for i := range arr {
		arr[i] = float64(i)
	}
	return arr
}()

func BenchmarkHit(b *testing.B) {
	ctx := context.Background()
	m := newBenchMemory(b)
	cached := m.MustCache(sum)
	if _, err := cached.Call(ctx, ds); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := cached.Call(ctx, ds); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMiss(b *testing.B) {
	ctx := context.Background()
	m := newBenchMemory(b)
	cached := m.MustCache(sum)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// A fresh first element per iteration defeats the cache on purpose.
		ds[0] = float64(i)
		if _, err := cached.Call(ctx, ds); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkShelve(b *testing.B) {
	ctx := context.Background()
	m := newBenchMemory(b)
	cached := m.MustCache(sum)
	if _, err := cached.CallAndShelve(ctx, ds); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := cached.CallAndShelve(ctx, ds); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkArgsDigest(b *testing.B) {
	args := []hashing.NamedValue{
		{Name: "xs", Value: ds},
		{Name: "mode", Value: "fast"},
		{Name: "depth", Value: 12},
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = hashing.Hash(args)
	}
}

package source

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleAdd exists so the tests below have a stable, named declaration to
// resolve.
func sampleAdd(left, right int) int {
	return left + right
}

func sampleWithCtx(ctx context.Context, n int) (int, error) {
	return n, ctx.Err()
}

func TestDescribeNamedFunc(t *testing.T) {
	f, err := Describe(sampleAdd)
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(f.Name, "sampleAdd"), "name %q", f.Name)
	assert.Contains(t, f.File, "source_test.go")
	assert.Greater(t, f.FirstLine, 0)
	assert.True(t, strings.HasPrefix(f.Source, "func sampleAdd("), "source %q", f.Source)
	assert.Contains(t, f.Source, "return left + right")
	assert.Equal(t, []string{"left", "right"}, f.Params)
	assert.False(t, IsAnonymous(f.Name))
}

func TestDescribeCtxParams(t *testing.T) {
	f, err := Describe(sampleWithCtx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ctx", "n"}, f.Params)
}

func TestDescribeClosure(t *testing.T) {
	inc := func(x int) int {
		return x + 1
	}
	f, err := Describe(inc)
	require.NoError(t, err)

	assert.True(t, IsAnonymous(f.Name), "name %q", f.Name)
	assert.Greater(t, f.FirstLine, 0)
	assert.Contains(t, f.Source, "x + 1")
	assert.Equal(t, []string{"x"}, f.Params)
}

func TestDescribeRejectsNonFunc(t *testing.T) {
	_, err := Describe(42)
	require.Error(t, err)
	var nilFn func()
	_, err = Describe(nilFn)
	require.Error(t, err)
}

func TestDescribeTwoFuncsDiffer(t *testing.T) {
	f1, err := Describe(sampleAdd)
	require.NoError(t, err)
	f2, err := Describe(sampleWithCtx)
	require.NoError(t, err)
	assert.NotEqual(t, f1.Source, f2.Source)
	assert.NotEqual(t, f1.FirstLine, f2.FirstLine)
}

func TestReadLines(t *testing.T) {
	f, err := Describe(sampleAdd)
	require.NoError(t, err)

	numLines := strings.Count(f.Source, "\n") + 1
	text, ok := ReadLines(f.File, f.FirstLine, numLines)
	require.True(t, ok)
	assert.Equal(t, strings.TrimRight(f.Source, "\n"), strings.TrimRight(text, "\n"))

	_, ok = ReadLines(f.File, 1<<20, 3)
	assert.False(t, ok)
	_, ok = ReadLines("no/such/file.go", 1, 1)
	assert.False(t, ok)
}

func TestIsAnonymous(t *testing.T) {
	assert.True(t, IsAnonymous("pkg.TestX.func1"))
	assert.True(t, IsAnonymous("pkg.TestX.func2.1"))
	assert.False(t, IsAnonymous("pkg.Compute"))
	assert.False(t, IsAnonymous("pkg.funcliteral"))
}

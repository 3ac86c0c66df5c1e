package narray

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsNumeric(t *testing.T) {
	assert.True(t, IsNumeric([]float64{1}))
	assert.True(t, IsNumeric([]float32{1}))
	assert.True(t, IsNumeric([]int64{1}))
	assert.True(t, IsNumeric([]int32{1}))
	assert.True(t, IsNumeric([]byte{1}))
	assert.False(t, IsNumeric([]string{"x"}))
	assert.False(t, IsNumeric(42))
	assert.False(t, IsNumeric(nil))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []any{
		[]float64{1.5, -2.25, 0},
		[]float32{3.5, 0.25},
		[]int64{-1, 0, 1 << 40},
		[]int32{7, -7},
		[]byte("payload"),
		[]float64{},
	}
	for _, v := range cases {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, v))
		out, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, v, out)
	}
}

func TestEncodeRejectsUnsupported(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, Encode(&buf, []string{"nope"}))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("not an narray payload")))
	require.ErrorIs(t, err, ErrBadFormat)

	_, err = Decode(bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrBadFormat)

	// Valid header, truncated payload.
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, []float64{1, 2, 3}))
	_, err = Decode(bytes.NewReader(buf.Bytes()[:headerSize+4]))
	require.ErrorIs(t, err, ErrBadFormat)
}

func writeFile(t *testing.T, v any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "output.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, Encode(f, v))
	require.NoError(t, f.Close())
	return path
}

func TestMapReadView(t *testing.T) {
	want := []float64{1, 2, 3, 4}
	path := writeFile(t, want)

	view, err := Map(path, ModeRead)
	require.NoError(t, err)
	got, ok := view.([]float64)
	require.True(t, ok)
	assert.Equal(t, want, got)

	if Supported() {
		assert.True(t, IsMapped(view))
		require.NoError(t, Unmap(view))
		assert.False(t, IsMapped(view))
	} else {
		assert.False(t, IsMapped(view))
	}
}

func TestMapCopyOnWrite(t *testing.T) {
	if !Supported() {
		t.Skip("mmap not supported on this platform")
	}
	want := []int64{10, 20, 30}
	path := writeFile(t, want)

	view, err := Map(path, ModeCopy)
	require.NoError(t, err)
	got := view.([]int64)
	got[0] = 99 // private view: the write must not reach the file

	onDisk, err := Map(path, ModeRead)
	require.NoError(t, err)
	assert.Equal(t, int64(10), onDisk.([]int64)[0])

	require.NoError(t, Unmap(view))
	require.NoError(t, Unmap(onDisk))
}

func TestMapRejectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output.bin")
	require.NoError(t, os.WriteFile(path, []byte("garbage that is long enough to map"), 0o644))
	_, err := Map(path, ModeRead)
	require.Error(t, err)
}

func TestMapEmptyPayload(t *testing.T) {
	path := writeFile(t, []float64{})
	view, err := Map(path, ModeRead)
	require.NoError(t, err)
	assert.Len(t, view.([]float64), 0)
	assert.False(t, IsMapped(view))
}

func TestUnmapForeignSliceNoop(t *testing.T) {
	s := []float64{1, 2}
	require.NoError(t, Unmap(s))
	require.NoError(t, Unmap(nil))
}

// Package narray persists flat numeric slices in a raw, mappable layout.
//
// Artifacts produced by the memoization engine are gob-encoded by default,
// but gob output cannot be memory-mapped. Top-level numeric slices therefore
// take this path instead: a fixed 16-byte header followed by the elements in
// little-endian machine layout. A reader can either decode the file onto the
// heap or map it and view the payload in place.
//
// Layout:
//   offset 0  – magic "MNA1" (4 bytes)
//   offset 4  – element kind (1 byte)
//   offset 5  – zero padding (3 bytes)
//   offset 8  – element count, uint64 little-endian
//   offset 16 – payload; 16-byte alignment covers every supported element
//
// © 2025 memo-cache authors. MIT License.
package narray

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"unsafe"
)

const (
	headerSize = 16
	magic      = "MNA1"
)

// element kinds
const (
	kindFloat64 byte = 1
	kindFloat32 byte = 2
	kindInt64   byte = 3
	kindInt32   byte = 4
	kindByte    byte = 5
)

// Mode mirrors the engine's mmap modes. Empty means "no mapping".
type Mode string

const (
	ModeNone      Mode = ""
	ModeRead      Mode = "r"
	ModeReadWrite Mode = "r+"
	ModeWrite     Mode = "w+"
	ModeCopy      Mode = "c"
)

var ErrBadFormat = errors.New("narray: malformed payload")

// IsNumeric reports whether v is a slice type this package can persist.
func IsNumeric(v any) bool {
	switch v.(type) {
	case []float64, []float32, []int64, []int32, []byte:
		return true
	}
	return false
}

/* -------------------------------------------------------------------------
   Encode / heap decode
   ------------------------------------------------------------------------- */

func header(kind byte, count uint64) []byte {
	h := make([]byte, headerSize)
	copy(h, magic)
	h[4] = kind
	binary.LittleEndian.PutUint64(h[8:], count)
	return h
}

// Encode writes v to w in the raw layout. v must satisfy IsNumeric.
func Encode(w io.Writer, v any) error {
	var kind byte
	var count int
	switch s := v.(type) {
	case []float64:
		kind, count = kindFloat64, len(s)
	case []float32:
		kind, count = kindFloat32, len(s)
	case []int64:
		kind, count = kindInt64, len(s)
	case []int32:
		kind, count = kindInt32, len(s)
	case []byte:
		kind, count = kindByte, len(s)
	default:
		return fmt.Errorf("narray: unsupported type %T", v)
	}
	if _, err := w.Write(header(kind, uint64(count))); err != nil {
		return err
	}
	if b, ok := v.([]byte); ok {
		_, err := w.Write(b)
		return err
	}
	return binary.Write(w, binary.LittleEndian, v)
}

// Decode reads a raw payload back onto the heap.
func Decode(r io.Reader) (any, error) {
	var h [headerSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, ErrBadFormat
	}
	kind, count, err := parseHeader(h[:])
	if err != nil {
		return nil, err
	}

	switch kind {
	case kindFloat64:
		out := make([]float64, count)
		err = binary.Read(r, binary.LittleEndian, out)
		return out, wrapRead(err)
	case kindFloat32:
		out := make([]float32, count)
		err = binary.Read(r, binary.LittleEndian, out)
		return out, wrapRead(err)
	case kindInt64:
		out := make([]int64, count)
		err = binary.Read(r, binary.LittleEndian, out)
		return out, wrapRead(err)
	case kindInt32:
		out := make([]int32, count)
		err = binary.Read(r, binary.LittleEndian, out)
		return out, wrapRead(err)
	case kindByte:
		out := make([]byte, count)
		_, err = io.ReadFull(r, out)
		return out, wrapRead(err)
	}
	return nil, ErrBadFormat
}

func parseHeader(h []byte) (kind byte, count uint64, err error) {
	if string(h[:4]) != magic {
		return 0, 0, ErrBadFormat
	}
	kind = h[4]
	if kind < kindFloat64 || kind > kindByte {
		return 0, 0, ErrBadFormat
	}
	return kind, binary.LittleEndian.Uint64(h[8:]), nil
}

func wrapRead(err error) error {
	if err != nil {
		return ErrBadFormat
	}
	return nil
}

func elemSize(kind byte) uint64 {
	switch kind {
	case kindFloat64, kindInt64:
		return 8
	case kindFloat32, kindInt32:
		return 4
	default:
		return 1
	}
}

/* -------------------------------------------------------------------------
   Mapping registry
   ------------------------------------------------------------------------- */

// mappings tracks live maps keyed by the address of their first payload byte,
// so the caller can ask "is this slice a mapped view?" and release it. An
// entry stays here until the caller passes the view to Unmap; the engine
// itself never unmaps. A live mapping does not block deleting the artifact
// (POSIX unlink semantics keep the pages valid).
var mappings = struct {
	sync.Mutex
	m map[uintptr][]byte
}{m: make(map[uintptr][]byte)}

func registerMapping(data []byte, view any) {
	mappings.Lock()
	mappings.m[viewAddr(view)] = data
	mappings.Unlock()
}

func viewAddr(view any) uintptr {
	switch s := view.(type) {
	case []float64:
		if len(s) > 0 {
			return uintptr(unsafe.Pointer(&s[0]))
		}
	case []float32:
		if len(s) > 0 {
			return uintptr(unsafe.Pointer(&s[0]))
		}
	case []int64:
		if len(s) > 0 {
			return uintptr(unsafe.Pointer(&s[0]))
		}
	case []int32:
		if len(s) > 0 {
			return uintptr(unsafe.Pointer(&s[0]))
		}
	case []byte:
		if len(s) > 0 {
			return uintptr(unsafe.Pointer(&s[0]))
		}
	}
	return 0
}

// IsMapped reports whether the slice is a live memory-mapped view produced by
// Map.
func IsMapped(view any) bool {
	addr := viewAddr(view)
	if addr == 0 {
		return false
	}
	mappings.Lock()
	_, ok := mappings.m[addr]
	mappings.Unlock()
	return ok
}

// Unmap releases the mapping behind a view obtained from Map. The view must
// not be used afterwards. Unmapping a non-mapped slice is a no-op.
func Unmap(view any) error {
	addr := viewAddr(view)
	if addr == 0 {
		return nil
	}
	mappings.Lock()
	data, ok := mappings.m[addr]
	if ok {
		delete(mappings.m, addr)
	}
	mappings.Unlock()
	if !ok {
		return nil
	}
	return unmapBytes(data)
}

//go:build unix

package narray

// Unix mapping path. The modes follow the engine's contract: "r" is a
// read-only shared view, "r+"/"w+" are writable shared views, "c" is a
// private copy-on-write view whose writes never reach the file.
//
// © 2025 memo-cache authors. MIT License.

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Supported reports whether Map returns true memory-mapped views on this
// platform.
func Supported() bool { return true }

// Map opens path and returns a typed slice viewing the payload in place.
// A zero-length payload is returned as an ordinary empty slice.
func Map(path string, mode Mode) (any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < headerSize {
		return nil, ErrBadFormat
	}

	prot := unix.PROT_READ
	flags := unix.MAP_SHARED
	switch mode {
	case ModeRead:
	case ModeReadWrite, ModeWrite:
		prot |= unix.PROT_WRITE
	case ModeCopy:
		prot |= unix.PROT_WRITE
		flags = unix.MAP_PRIVATE
	default:
		return nil, ErrBadFormat
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, flags)
	if err != nil {
		return nil, err
	}

	kind, count, err := parseHeader(data[:headerSize])
	if err != nil {
		unix.Munmap(data)
		return nil, err
	}
	if headerSize+count*elemSize(kind) > uint64(size) {
		unix.Munmap(data)
		return nil, ErrBadFormat
	}
	if count == 0 {
		unix.Munmap(data)
		return emptySlice(kind), nil
	}

	base := unsafe.Pointer(&data[headerSize])
	var view any
	switch kind {
	case kindFloat64:
		view = unsafe.Slice((*float64)(base), count)
	case kindFloat32:
		view = unsafe.Slice((*float32)(base), count)
	case kindInt64:
		view = unsafe.Slice((*int64)(base), count)
	case kindInt32:
		view = unsafe.Slice((*int32)(base), count)
	case kindByte:
		view = unsafe.Slice((*byte)(base), count)
	}
	registerMapping(data, view)
	return view, nil
}

func emptySlice(kind byte) any {
	switch kind {
	case kindFloat64:
		return []float64{}
	case kindFloat32:
		return []float32{}
	case kindInt64:
		return []int64{}
	case kindInt32:
		return []int32{}
	default:
		return []byte{}
	}
}

func unmapBytes(data []byte) error {
	return unix.Munmap(data)
}

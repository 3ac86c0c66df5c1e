package memo

// fsbackend.go is the reference store backend: a plain directory tree.
//
// Layout under the configured root:
//
//   <root>/<func_id…>/func_code.go            stored source, "// first line: N"
//   <root>/<func_id…>/<args_id>/output.gob    gob artifact
//   <root>/<func_id…>/<args_id>/output.gob.z  zlib-compressed gob artifact
//   <root>/<func_id…>/<args_id>/output.bin    raw numeric-array artifact
//   <root>/<func_id…>/<args_id>/metadata.json call metadata
//
// Exactly one output.* variant exists per item. Writers stage into a
// uuid-suffixed temp file in the same directory and finalize with rename, so
// readers never observe a half-written artifact; a reader that loses the race
// against a concurrent ClearItem simply reports ErrNotFound. Every
// successful load touches the item directory's times, which is what lets
// ReduceStoreSize pick LRU victims.
//
// © 2025 memo-cache authors. MIT License.

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"

	"github.com/Voskan/memo-cache/internal/narray"
)

const (
	outputFile    = "output.gob"
	outputFileZ   = "output.gob.z"
	outputFileRaw = "output.bin"
	metadataFile  = "metadata.json"
	funcCodeFile  = "func_code.go"
)

func init() {
	RegisterStoreBackend("local", func() StoreBackend { return &fsBackend{} })
}

type fsBackend struct {
	location string
	verbose  int
	opts     BackendOptions
	logger   *zap.Logger
	metrics  metricsSink
}

func (b *fsBackend) Configure(location string, verbose int, opts BackendOptions) error {
	if location == "" {
		return errors.New("empty location")
	}
	if opts.Compress < 0 || opts.Compress > 9 {
		return fmt.Errorf("compress level %d out of range", opts.Compress)
	}
	if err := os.MkdirAll(location, 0o755); err != nil {
		return err
	}
	b.location = location
	b.verbose = verbose
	b.opts = opts
	b.logger = opts.Logger
	b.metrics = opts.metrics
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.metrics == nil {
		b.metrics = noopMetrics{}
	}
	return nil
}

func (b *fsBackend) Location() string { return b.location }

func (b *fsBackend) Close() error { return nil }

func (b *fsBackend) itemDir(path CachePath) string {
	return filepath.Join(b.location, filepath.FromSlash(path.FuncID), path.ArgsID)
}

func (b *fsBackend) funcDir(funcID string) string {
	return filepath.Join(b.location, filepath.FromSlash(funcID))
}

// outputPath returns the existing artifact file inside dir, if any.
func outputPath(dir string) (string, bool) {
	for _, name := range []string{outputFileRaw, outputFileZ, outputFile} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

func (b *fsBackend) ContainsItem(path CachePath) bool {
	_, ok := outputPath(b.itemDir(path))
	return ok
}

/* -------------------------------------------------------------------------
   Load / dump
   ------------------------------------------------------------------------- */

func (b *fsBackend) LoadItem(path CachePath, mmap MmapMode) (any, error) {
	dir := b.itemDir(path)
	file, ok := outputPath(dir)
	if !ok {
		return nil, ErrNotFound
	}

	// LRU bookkeeping: a read access refreshes the item directory's times.
	now := time.Now()
	_ = os.Chtimes(dir, now, now)

	var value any
	var err error
	switch filepath.Base(file) {
	case outputFileRaw:
		if mmap != MmapNone {
			value, err = narray.Map(file, narray.Mode(mmap))
		} else {
			value, err = loadRaw(file)
		}
	case outputFileZ:
		value, err = loadGob(file, true)
	default:
		value, err = loadGob(file, false)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, &LoadError{Path: path, Err: err}
	}
	return value, nil
}

func loadRaw(file string) (any, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return narray.Decode(f)
}

func loadGob(file string, compressed bool) (any, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if compressed {
		zr, err := zlib.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}
	var value any
	if err := gob.NewDecoder(r).Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

func (b *fsBackend) DumpItem(path CachePath, value any) error {
	dir := b.itemDir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// Raw numeric path only when compression is off: a compressed artifact
	// cannot be memory-mapped anyway, so it may as well go through gob.
	var target string
	var write func(io.Writer) error
	switch {
	case b.opts.Compress == 0 && narray.IsNumeric(value):
		target = outputFileRaw
		write = func(w io.Writer) error { return narray.Encode(w, value) }
	case b.opts.Compress > 0:
		target = outputFileZ
		write = func(w io.Writer) error {
			zw, err := zlib.NewWriterLevel(w, b.opts.Compress)
			if err != nil {
				return err
			}
			if err := encodeGob(zw, value); err != nil {
				zw.Close()
				return err
			}
			return zw.Close()
		}
	default:
		target = outputFile
		write = func(w io.Writer) error { return encodeGob(w, value) }
	}

	if err := writeFileAtomic(dir, target, write); err != nil {
		return err
	}

	// Drop stale sibling variants left over from a previous configuration.
	for _, name := range []string{outputFileRaw, outputFileZ, outputFile} {
		if name != target {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
	return nil
}

func encodeGob(w io.Writer, value any) error {
	registerGobType(value)
	return gob.NewEncoder(w).Encode(&value)
}

// registerGobType makes the concrete type of value decodable from an
// interface slot. Registration is idempotent for a given type; the recover
// guards against a different type re-using a registered name, which gob
// reports by panicking.
func registerGobType(value any) {
	if value == nil {
		return
	}
	defer func() { _ = recover() }()
	gob.Register(value)
}

// RegisterType pre-registers concrete types for artifact decoding. A process
// that only ever loads artifacts dumped by an earlier process must register
// the stored types before the first load; a process that computed the value
// itself has done so implicitly during DumpItem.
func RegisterType(samples ...any) {
	for _, s := range samples {
		registerGobType(s)
	}
}

// writeFileAtomic stages into a unique temp file inside dir and renames it
// over name, so concurrent readers only ever see complete files.
func writeFileAtomic(dir, name string, write func(io.Writer) error) error {
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", name, uuid.NewString()[:8]))
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, name))
}

/* -------------------------------------------------------------------------
   Metadata and function code
   ------------------------------------------------------------------------- */

func (b *fsBackend) GetMetadata(path CachePath) map[string]any {
	data, err := os.ReadFile(filepath.Join(b.itemDir(path), metadataFile))
	if err != nil {
		return map[string]any{}
	}
	var md map[string]any
	if err := json.Unmarshal(data, &md); err != nil {
		return map[string]any{}
	}
	return md
}

func (b *fsBackend) StoreMetadata(path CachePath, metadata map[string]any) error {
	dir := b.itemDir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	return writeFileAtomic(dir, metadataFile, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func (b *fsBackend) GetCachedFuncCode(funcID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(b.funcDir(funcID), funcCodeFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	return string(data), nil
}

func (b *fsBackend) StoreCachedFuncCode(funcID, source string) error {
	dir := b.funcDir(funcID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if source == "" {
		return nil
	}
	return writeFileAtomic(dir, funcCodeFile, func(w io.Writer) error {
		_, err := io.WriteString(w, source)
		return err
	})
}

func (b *fsBackend) GetCachedFuncInfo(funcID string) FuncInfo {
	return FuncInfo{Location: b.funcDir(funcID)}
}

/* -------------------------------------------------------------------------
   Deletion and eviction
   ------------------------------------------------------------------------- */

func (b *fsBackend) ClearItem(path CachePath) error {
	return os.RemoveAll(b.itemDir(path))
}

func (b *fsBackend) ClearPath(funcID string) error {
	return os.RemoveAll(b.funcDir(funcID))
}

func (b *fsBackend) Clear() error {
	if err := os.RemoveAll(b.location); err != nil {
		return err
	}
	return os.MkdirAll(b.location, 0o755)
}

// storeItem is one evictable unit: an artifact directory with its metadata.
type storeItem struct {
	dir      string
	size     int64
	lastUsed time.Time
}

// enumerateItems walks the tree collecting artifact directories. A directory
// counts as an item when it directly contains an output.* file.
func (b *fsBackend) enumerateItems() ([]storeItem, error) {
	var items []storeItem
	err := filepath.WalkDir(b.location, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // tree may be mutated under us; skip and carry on
		}
		if !d.IsDir() {
			return nil
		}
		if _, ok := outputPath(path); !ok {
			return nil
		}
		var size int64
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil
		}
		for _, e := range entries {
			if info, err := e.Info(); err == nil {
				size += info.Size()
			}
		}
		st, err := os.Stat(path)
		if err != nil {
			return nil
		}
		items = append(items, storeItem{dir: path, size: size, lastUsed: st.ModTime()})
		return fs.SkipDir
	})
	return items, err
}

func (b *fsBackend) ReduceStoreSize(byteLimit int64) error {
	items, err := b.enumerateItems()
	if err != nil {
		return err
	}

	var total int64
	for _, it := range items {
		total += it.size
	}
	if total <= byteLimit {
		b.metrics.setStoreBytes(total)
		return nil
	}

	// Oldest first. Access times were refreshed on every load.
	sort.Slice(items, func(i, j int) bool {
		return items[i].lastUsed.Before(items[j].lastUsed)
	})

	evicted := 0
	for _, it := range items {
		if total <= byteLimit {
			break
		}
		if err := os.RemoveAll(it.dir); err != nil {
			b.logger.Warn("eviction failed", zap.String("item", it.dir), zap.Error(err))
			continue
		}
		total -= it.size
		evicted++
		b.metrics.incEviction()
	}
	b.metrics.setStoreBytes(total)
	if evicted > 0 {
		b.logger.Info("reduced store size",
			zap.Int("evicted", evicted),
			zap.Int64("bytes", total),
			zap.Int64("limit", byteLimit))
	}
	return nil
}

var _ StoreBackend = (*fsBackend)(nil)

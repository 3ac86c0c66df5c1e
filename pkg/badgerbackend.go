package memo

// badgerbackend.go stores artifacts in an embedded BadgerDB instead of a
// directory tree. It exists for workloads with very many small artifacts,
// where one file per item wastes blocks and directory walks dominate
// eviction passes.
//
// Key scheme (all segments "/"-joined):
//   i/<func_id>/<args_id>   artifact bytes (gob, optionally zlib)
//   m/<func_id>/<args_id>   metadata JSON
//   a/<func_id>/<args_id>   last-access stamp, unix nanoseconds
//   c/<func_id>             stored function source
//
// Writes happen inside Badger transactions, which gives the dump atomicity
// the engine's contract demands. Memory mapping is not available through this
// backend: artifacts live inside the value log, so LoadItem always
// materializes on the heap regardless of the requested mode.
//
// © 2025 memo-cache authors. MIT License.

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"errors"
	"io"
	"path"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"
)

func init() {
	RegisterStoreBackend("badger", func() StoreBackend { return &badgerBackend{} })
}

type badgerBackend struct {
	location string
	verbose  int
	opts     BackendOptions
	logger   *zap.Logger
	metrics  metricsSink
	db       *badger.DB
}

func (b *badgerBackend) Configure(location string, verbose int, opts BackendOptions) error {
	if location == "" {
		return errors.New("empty location")
	}
	db, err := badger.Open(badger.DefaultOptions(location).WithLogger(nil))
	if err != nil {
		return err
	}
	b.location = location
	b.verbose = verbose
	b.opts = opts
	b.logger = opts.Logger
	b.metrics = opts.metrics
	b.db = db
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.metrics == nil {
		b.metrics = noopMetrics{}
	}
	return nil
}

func (b *badgerBackend) Location() string { return b.location }

func (b *badgerBackend) Close() error { return b.db.Close() }

func itemKey(p CachePath) []byte   { return []byte("i/" + p.FuncID + "/" + p.ArgsID) }
func metaKey(p CachePath) []byte   { return []byte("m/" + p.FuncID + "/" + p.ArgsID) }
func accessKey(p CachePath) []byte { return []byte("a/" + p.FuncID + "/" + p.ArgsID) }
func codeKey(funcID string) []byte { return []byte("c/" + funcID) }

func (b *badgerBackend) get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return out, err
}

func (b *badgerBackend) ContainsItem(p CachePath) bool {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(itemKey(p))
		return err
	})
	return err == nil
}

func (b *badgerBackend) LoadItem(p CachePath, _ MmapMode) (any, error) {
	data, err := b.get(itemKey(p))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, &LoadError{Path: p, Err: err}
	}

	var r io.Reader = bytes.NewReader(data)
	if b.opts.Compress > 0 {
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, &LoadError{Path: p, Err: err}
		}
		defer zr.Close()
		r = zr
	}
	var value any
	if err := gob.NewDecoder(r).Decode(&value); err != nil {
		return nil, &LoadError{Path: p, Err: err}
	}

	// Refresh the access stamp for LRU eviction. Best effort.
	stamp := make([]byte, 8)
	binary.LittleEndian.PutUint64(stamp, uint64(time.Now().UnixNano()))
	_ = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(accessKey(p), stamp)
	})
	return value, nil
}

func (b *badgerBackend) DumpItem(p CachePath, value any) error {
	var buf bytes.Buffer
	var w io.Writer = &buf
	var zw *zlib.Writer
	if b.opts.Compress > 0 {
		var err error
		zw, err = zlib.NewWriterLevel(&buf, b.opts.Compress)
		if err != nil {
			return err
		}
		w = zw
	}
	if err := encodeGob(w, value); err != nil {
		return err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return err
		}
	}

	stamp := make([]byte, 8)
	binary.LittleEndian.PutUint64(stamp, uint64(time.Now().UnixNano()))
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(itemKey(p), buf.Bytes()); err != nil {
			return err
		}
		return txn.Set(accessKey(p), stamp)
	})
}

func (b *badgerBackend) GetMetadata(p CachePath) map[string]any {
	data, err := b.get(metaKey(p))
	if err != nil {
		return map[string]any{}
	}
	var md map[string]any
	if err := json.Unmarshal(data, &md); err != nil {
		return map[string]any{}
	}
	return md
}

func (b *badgerBackend) StoreMetadata(p CachePath, metadata map[string]any) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(p), data)
	})
}

func (b *badgerBackend) GetCachedFuncCode(funcID string) (string, error) {
	data, err := b.get(codeKey(funcID))
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", ErrNotFound
	}
	return string(data), nil
}

func (b *badgerBackend) StoreCachedFuncCode(funcID, source string) error {
	if source == "" {
		// Container creation is meaningless in a KV store; stay idempotent.
		return nil
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(codeKey(funcID), []byte(source))
	})
}

func (b *badgerBackend) GetCachedFuncInfo(funcID string) FuncInfo {
	return FuncInfo{Location: path.Join(b.location, funcID)}
}

func (b *badgerBackend) deletePrefix(prefix []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerBackend) ClearItem(p CachePath) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, k := range [][]byte{itemKey(p), metaKey(p), accessKey(p)} {
			if err := txn.Delete(k); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
}

func (b *badgerBackend) ClearPath(funcID string) error {
	for _, prefix := range []string{"i/", "m/", "a/"} {
		if err := b.deletePrefix([]byte(prefix + funcID + "/")); err != nil {
			return err
		}
	}
	return b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(codeKey(funcID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (b *badgerBackend) Clear() error {
	return b.db.DropAll()
}

func (b *badgerBackend) ReduceStoreSize(byteLimit int64) error {
	type kvItem struct {
		path     CachePath
		size     int64
		lastUsed int64
	}
	var items []kvItem
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte("i/")})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			funcID, argsID := splitItemKey(key)
			if funcID == "" {
				continue
			}
			p := CachePath{FuncID: funcID, ArgsID: argsID}
			kv := kvItem{path: p, size: item.EstimatedSize()}
			if stamp, err := txn.Get(accessKey(p)); err == nil {
				if v, err := stamp.ValueCopy(nil); err == nil && len(v) == 8 {
					kv.lastUsed = int64(binary.LittleEndian.Uint64(v))
				}
			}
			items = append(items, kv)
		}
		return nil
	})
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

	sort.Slice(items, func(i, j int) bool { return items[i].lastUsed < items[j].lastUsed })

	evicted := 0
	for _, it := range items {
		if total <= byteLimit {
			break
		}
		if err := b.ClearItem(it.path); err != nil {
			b.logger.Warn("eviction failed",
				zap.String("func", it.path.FuncID),
				zap.String("args", it.path.ArgsID),
				zap.Error(err))
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

// splitItemKey parses "i/<func_id>/<args_id>". The args_id is the last
// segment; everything between is the function identifier.
func splitItemKey(key string) (funcID, argsID string) {
	rest := key[len("i/"):]
	idx := -1
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == '/' {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return "", ""
	}
	return rest[:idx], rest[idx+1:]
}

var _ StoreBackend = (*badgerBackend)(nil)

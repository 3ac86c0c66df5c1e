package main

// main.go implements the memo-cache inspector CLI: it walks a cache
// directory produced by the "local" store backend and prints what is cached
// where, either as pretty text or JSON. It can also clear one function's
// subtree or shrink the whole store to a byte limit.
//
//   memo-inspect --location /var/cache/app                      # list
//   memo-inspect --location /var/cache/app --json
//   memo-inspect --location /var/cache/app --clear github.com/acme/app/Report
//   memo-inspect --location /var/cache/app --reduce-size --bytes-limit 1G
//
// --location is the root handed to memo.New; the inspector descends into the
// "memo" namespace directory underneath it.
//
// Build-time flag: `-ldflags "-X main.version=vX.Y.Z"` is set by GoReleaser.
// ---------------------------------------------------------------
// © 2025 memo-cache authors. MIT License.

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	units "github.com/docker/go-units"
	flag "github.com/spf13/pflag"

	memo "github.com/Voskan/memo-cache/pkg"
)

var version = "dev"

type options struct {
	location   string
	jsonOut    bool
	clear      string
	clearAll   bool
	reduceSize bool
	bytesLimit string
	version    bool
}

func parseFlags() *options {
	opts := &options{}
	flag.StringVar(&opts.location, "location", "", "cache root (the location passed to memo.New)")
	flag.BoolVar(&opts.jsonOut, "json", false, "print machine-readable JSON")
	flag.StringVar(&opts.clear, "clear", "", "delete one function's subtree by func id")
	flag.BoolVar(&opts.clearAll, "clear-all", false, "delete the whole store")
	flag.BoolVar(&opts.reduceSize, "reduce-size", false, "evict LRU artifacts down to --bytes-limit")
	flag.StringVar(&opts.bytesLimit, "bytes-limit", "", "size ceiling for --reduce-size, e.g. 500M or 1G")
	flag.BoolVar(&opts.version, "version", false, "print version and exit")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	if opts.version {
		fmt.Println(version)
		return
	}
	if opts.location == "" {
		fatal(fmt.Errorf("--location is required"))
	}
	root := filepath.Join(opts.location, "memo")

	switch {
	case opts.clearAll:
		m, err := memo.New(opts.location)
		if err != nil {
			fatal(err)
		}
		defer m.Close()
		if err := m.Clear(false); err != nil {
			fatal(err)
		}
		fmt.Println("store cleared")

	case opts.clear != "":
		target := filepath.Join(root, filepath.FromSlash(opts.clear))
		if _, err := os.Stat(target); err != nil {
			fatal(fmt.Errorf("no such function subtree: %s", opts.clear))
		}
		if err := os.RemoveAll(target); err != nil {
			fatal(err)
		}
		fmt.Printf("cleared %s\n", opts.clear)

	case opts.reduceSize:
		if opts.bytesLimit == "" {
			fatal(fmt.Errorf("--reduce-size requires --bytes-limit"))
		}
		m, err := memo.New(opts.location, memo.WithBytesLimitString(opts.bytesLimit))
		if err != nil {
			fatal(err)
		}
		defer m.Close()
		if err := m.ReduceSize(); err != nil {
			fatal(err)
		}
		fmt.Printf("store reduced to at most %s\n", opts.bytesLimit)

	default:
		if err := list(root, opts.jsonOut); err != nil {
			fatal(err)
		}
	}
}

/* -------------------------------------------------------------------------
   Listing
   ------------------------------------------------------------------------- */

type funcEntry struct {
	FuncID string `json:"func_id"`
	Items  int    `json:"items"`
	Bytes  int64  `json:"bytes"`
}

// list walks the store tree. A directory holding func_code.go is a function
// subtree; its subdirectories holding output.* files are cached calls.
func list(root string, jsonOut bool) error {
	var entries []funcEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if _, statErr := os.Stat(filepath.Join(path, "func_code.go")); statErr != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		e := funcEntry{FuncID: filepath.ToSlash(rel)}
		items, _ := os.ReadDir(path)
		for _, it := range items {
			if !it.IsDir() {
				continue
			}
			itemDir := filepath.Join(path, it.Name())
			if !hasOutput(itemDir) {
				continue
			}
			e.Items++
			e.Bytes += dirSize(itemDir)
		}
		entries = append(entries, e)
		return fs.SkipDir
	})
	if err != nil {
		return err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Bytes > entries[j].Bytes })

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	var total int64
	for _, e := range entries {
		total += e.Bytes
		fmt.Printf("%-70s %4d items  %10s\n", e.FuncID, e.Items, units.HumanSize(float64(e.Bytes)))
	}
	fmt.Printf("%d cached functions, %s total\n", len(entries), units.HumanSize(float64(total)))
	return nil
}

func hasOutput(dir string) bool {
	for _, name := range []string{"output.bin", "output.gob.z", "output.gob"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

func dirSize(dir string) int64 {
	var size int64
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if info, err := e.Info(); err == nil {
			size += info.Size()
		}
	}
	return size
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "memo-inspect:", err)
	os.Exit(1)
}

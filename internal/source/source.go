// Package source resolves a live Go function to its definition: the source
// text of the declaration, the file it lives in, the first line of the
// declaration and the declared parameter names.
//
// The lookup goes PC → runtime.FuncForPC → file:line → go/parser over the
// file → the innermost FuncDecl/FuncLit that spans the line. When the source
// file is not readable (stripped binaries, deleted trees, generated code) the
// description degrades instead of failing: FirstLine becomes -1 and the text
// stays empty, which callers treat as "cannot locate this function on disk".
//
// © 2025 memo-cache authors. MIT License.
package source

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"reflect"
	"regexp"
	"runtime"
	"strings"
	"sync"
)

// Func describes one callable.
type Func struct {
	Name      string   // full runtime symbol, e.g. github.com/x/y.Foo
	File      string   // source file path as recorded in the binary
	Source    string   // exact declaration text, "" when unavailable
	FirstLine int      // line of the declaration, -1 when unavailable
	Params    []string // declared parameter names, in order
}

// anonRe matches the suffix the runtime appends to function literals,
// e.g. ".func1" or ".func2.1". Such functions are the best-effort tier:
// usable, but collisions between them cannot be told apart by name.
var anonRe = regexp.MustCompile(`\.func\d+(\.\d+)*$`)

// IsAnonymous reports whether the runtime symbol names a function literal.
func IsAnonymous(runtimeName string) bool {
	return anonRe.MatchString(runtimeName)
}

// Describe resolves fn (which must be a func) to its definition.
// The error return is reserved for "not a function"; unreadable source is not
// an error, it yields a degraded Func as documented above.
func Describe(fn any) (Func, error) {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return Func{}, fmt.Errorf("source: %T is not a function", fn)
	}
	if rv.IsNil() {
		return Func{}, fmt.Errorf("source: nil function")
	}

	pc := rv.Pointer()
	rf := runtime.FuncForPC(pc)
	if rf == nil {
		return Func{FirstLine: -1}, nil
	}
	file, line := rf.FileLine(rf.Entry())

	out := Func{Name: rf.Name(), File: file, FirstLine: -1}

	text, firstLine, params, ok := describeAt(file, line)
	if !ok {
		return out, nil
	}
	out.Source = text
	out.FirstLine = firstLine
	out.Params = params
	return out, nil
}

/* -------------------------------------------------------------------------
   File-level lookup, memoized per (file, mtime)
   ------------------------------------------------------------------------- */

type parsedFile struct {
	fset    *token.FileSet
	astFile *ast.File
	content []byte
	mtime   int64
}

// parse results are reused across calls; the slow path of change detection
// may visit the same file for every cached function it hosts.
var fileCache sync.Map // file path -> *parsedFile

func loadFile(path string) (*parsedFile, bool) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if v, ok := fileCache.Load(path); ok {
		pf := v.(*parsedFile)
		if pf.mtime == st.ModTime().UnixNano() {
			return pf, true
		}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	fset := token.NewFileSet()
	astFile, err := parser.ParseFile(fset, path, content, parser.ParseComments)
	if err != nil {
		return nil, false
	}
	pf := &parsedFile{fset: fset, astFile: astFile, content: content,
		mtime: st.ModTime().UnixNano()}
	fileCache.Store(path, pf)
	return pf, true
}

// describeAt finds the innermost function node spanning the given line.
func describeAt(file string, line int) (text string, firstLine int, params []string, ok bool) {
	pf, ok := loadFile(file)
	if !ok {
		return "", -1, nil, false
	}

	var best ast.Node
	var bestType *ast.FuncType
	ast.Inspect(pf.astFile, func(n ast.Node) bool {
		var ft *ast.FuncType
		switch fn := n.(type) {
		case *ast.FuncDecl:
			ft = fn.Type
		case *ast.FuncLit:
			ft = fn.Type
		default:
			return true
		}
		start := pf.fset.Position(n.Pos()).Line
		end := pf.fset.Position(n.End()).Line
		if start <= line && line <= end {
			// Keep descending: a later match is a narrower literal nested
			// inside the current one.
			best, bestType = n, ft
		}
		return true
	})
	if best == nil {
		return "", -1, nil, false
	}

	startOff := pf.fset.Position(best.Pos()).Offset
	endOff := pf.fset.Position(best.End()).Offset
	text = string(pf.content[startOff:endOff])
	firstLine = pf.fset.Position(best.Pos()).Line
	params = paramNames(bestType)
	return text, firstLine, params, true
}

func paramNames(ft *ast.FuncType) []string {
	if ft == nil || ft.Params == nil {
		return nil
	}
	var names []string
	for _, field := range ft.Params.List {
		if len(field.Names) == 0 {
			names = append(names, fmt.Sprintf("arg%d", len(names)))
			continue
		}
		for _, id := range field.Names {
			names = append(names, id.Name)
		}
	}
	return names
}

// ReadLines returns lines [first, first+count) of the given file, joined
// verbatim. Used to probe whether a previously stored definition still sits
// at its old position (name-collision detection).
func ReadLines(path string, first, count int) (string, bool) {
	if first < 1 || count < 0 {
		return "", false
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	lines := strings.SplitAfter(string(content), "\n")
	if first-1 >= len(lines) {
		return "", false
	}
	end := first - 1 + count
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[first-1:end], ""), true
}

package memo

// identity.go derives stable function identifiers and decides, per call,
// whether the stored definition of a cached function still matches the live
// one. Go code cannot change within a process, so the real work happens
// across processes: the source text stored next to the artifacts is compared
// against the source the current binary was built from.
//
// An in-process identity cache short-circuits the comparison: once a
// (PC, symbol name) pair has been checked against the store, later calls
// skip reading and comparing the stored source. The cache is process-wide shared state,
// read-mostly, guarded by an RWMutex. Entries are keyed by PC *and* name:
// a symbol whose name no longer matches its cached entry takes the slow path
// again.
//
// © 2025 memo-cache authors. MIT License.

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/Voskan/memo-cache/internal/source"
)

// firstLineText prefixes the stored source with the declaration's first
// line, because file plus name is not always enough to identify a function:
// two functions of the same name can share a file.
const firstLineText = "// first line:"

// buildFuncIdentifier turns a runtime symbol such as
// "github.com/acme/app/pkg.(*Svc).Fetch" into a path of components:
// "github.com/acme/app/pkg/Svc/Fetch". Package path segments stay intact;
// the final segment splits on the dots separating receiver, name and
// literal suffixes.
func buildFuncIdentifier(runtimeName string) string {
	if runtimeName == "" {
		return "unknown"
	}
	slash := strings.LastIndex(runtimeName, "/")
	prefix, last := "", runtimeName
	if slash >= 0 {
		prefix, last = runtimeName[:slash+1], runtimeName[slash+1:]
	}

	parts := strings.Split(last, ".")
	for i, p := range parts {
		parts[i] = sanitizeComponent(p)
	}
	return prefix + strings.Join(parts, "/")
}

// sanitizeComponent strips the characters runtime symbols carry that have no
// business inside a storage path ("(*T)" receivers, empty segments).
func sanitizeComponent(s string) string {
	s = strings.NewReplacer("(", "", ")", "", "*", "").Replace(s)
	if s == "" {
		return "_"
	}
	return s
}

// formatStoredCode prepends the first-line marker.
func formatStoredCode(src string, firstLine int) string {
	return fmt.Sprintf("%s %d\n%s", firstLineText, firstLine, src)
}

// extractFirstLine splits a stored blob back into (source, firstLine).
// Blobs without a marker yield -1, the "cannot locate" sentinel.
func extractFirstLine(stored string) (string, int) {
	if !strings.HasPrefix(stored, firstLineText) {
		return stored, -1
	}
	rest := stored[len(firstLineText):]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return "", -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest[:nl]))
	if err != nil {
		return stored, -1
	}
	return rest[nl+1:], n
}

/* -------------------------------------------------------------------------
   In-process identity cache
   ------------------------------------------------------------------------- */

// funcIdentity is the triple cached per live function: object identity (PC),
// symbol name and a content hash of the source that was checked.
type funcIdentity struct {
	pc      uintptr
	name    string
	srcHash uint64
}

type identityCache struct {
	mu sync.RWMutex
	m  map[uintptr]funcIdentity
}

// funcHashes is the process-wide identity cache. A singleton by design: the
// same live function may be wrapped by several contexts and they must agree
// on whether its definition was already verified.
var funcHashes = &identityCache{m: make(map[uintptr]funcIdentity)}

func (c *identityCache) get(pc uintptr) (funcIdentity, bool) {
	c.mu.RLock()
	id, ok := c.m[pc]
	c.mu.RUnlock()
	return id, ok
}

func (c *identityCache) put(id funcIdentity) {
	c.mu.Lock()
	c.m[id.pc] = id
	c.mu.Unlock()
}

func (c *identityCache) drop(pc uintptr) {
	c.mu.Lock()
	delete(c.m, pc)
	c.mu.Unlock()
}

// reset empties the cache. Exists for tests that simulate redefinition by
// rewriting the stored source.
func (c *identityCache) reset() {
	c.mu.Lock()
	c.m = make(map[uintptr]funcIdentity)
	c.mu.Unlock()
}

/* -------------------------------------------------------------------------
   Change detection
   ------------------------------------------------------------------------- */

// checkPreviousFuncCode reports whether the stored definition matches the
// live function. false means the caller must recompute: either this is the
// first registration or the definition changed and the function's cache has
// been wiped.
func (c *CachedFunc) checkPreviousFuncCode() bool {
	// Fast path: this exact function object was verified before under the
	// same name.
	if id, ok := funcHashes.get(c.pc); ok && id.name == c.src.Name {
		return true
	}

	cur := c.src
	stored, err := c.backend.GetCachedFuncCode(c.funcID)
	if errors.Is(err, ErrNotFound) {
		c.writeFuncCode()
		return false
	}
	if err != nil {
		// Unreadable function code: treat like a first registration so the
		// pipeline stays correct, the write may repair the store.
		c.writeFuncCode()
		return false
	}

	oldCode, oldFirstLine := extractFirstLine(stored)
	if oldCode == cur.Source {
		// Named callables only: an anonymous function's identity is too
		// fragile to trust across name reuse.
		if !source.IsAnonymous(cur.Name) {
			funcHashes.put(funcIdentity{
				pc:      c.pc,
				name:    cur.Name,
				srcHash: xxhash.Sum64String(cur.Source),
			})
		}
		return true
	}

	// Differing code: collision or redefinition?
	anonymous := source.IsAnonymous(cur.Name)
	if (oldFirstLine == -1 && cur.FirstLine == -1) || anonymous {
		desc := c.shortName()
		if cur.FirstLine != -1 {
			desc = fmt.Sprintf("%s (%s:%d)", desc, cur.File, cur.FirstLine)
		}
		c.warnCollision(&CollisionWarning{
			FuncID: c.funcID,
			Detail: fmt.Sprintf("cannot detect name collisions for function %q", desc),
		})
	}

	// Probe the old location: if the stored code still sits there, the file
	// did not change and two distinct functions share this identifier.
	if oldFirstLine != cur.FirstLine && oldFirstLine != -1 && cur.File != "" {
		numLines := strings.Count(oldCode, "\n") + 1
		if onDisk, ok := source.ReadLines(cur.File, oldFirstLine, numLines); ok {
			if strings.TrimRight(onDisk, "\n\t ") == strings.TrimRight(oldCode, "\n\t ") {
				c.warnCollision(&CollisionWarning{
					FuncID: c.funcID,
					Detail: fmt.Sprintf(
						"possible name collision between functions %q (%s:%d) and (%s:%d)",
						c.shortName(), cur.File, oldFirstLine, cur.File, cur.FirstLine),
				})
			}
		}
	}

	// Redefinition: wipe the function's cache and store the new source.
	if c.verbose > 10 {
		c.logger.Debug("function definition changed",
			zap.String("func", c.shortName()),
			zap.String("func_id", c.funcID))
	}
	c.Clear(true)
	return false
}

// writeFuncCode persists the live definition and refreshes the identity
// cache. Anonymous functions stay out of the in-process cache: their
// identity is too fragile to trust across name reuse.
func (c *CachedFunc) writeFuncCode() {
	cur := c.src
	stored := formatStoredCode(cur.Source, cur.FirstLine)
	if err := c.backend.StoreCachedFuncCode(c.funcID, stored); err != nil {
		c.logger.Warn("storing function code failed",
			zap.String("func_id", c.funcID), zap.Error(err))
		return
	}
	if !source.IsAnonymous(cur.Name) {
		funcHashes.put(funcIdentity{
			pc:      c.pc,
			name:    cur.Name,
			srcHash: xxhash.Sum64String(cur.Source),
		})
	}
}

func (c *CachedFunc) warnCollision(w *CollisionWarning) {
	c.collisionMu.Lock()
	seen := c.collisionSeen[w.Detail]
	if !seen {
		c.collisionSeen[w.Detail] = true
	}
	c.collisionMu.Unlock()
	if seen {
		return
	}
	c.logger.Warn(w.Error())
}

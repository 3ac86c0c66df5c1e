package memo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFuncIdentifier(t *testing.T) {
	cases := []struct{ in, want string }{
		{"github.com/acme/app/pkg.Compute", "github.com/acme/app/pkg/Compute"},
		{"github.com/acme/app/pkg.(*Svc).Fetch", "github.com/acme/app/pkg/Svc/Fetch"},
		{"main.main", "main/main"},
		{"github.com/acme/app/pkg.TestX.func1", "github.com/acme/app/pkg/TestX/func1"},
		{"", "unknown"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, buildFuncIdentifier(c.in), "input %q", c.in)
	}
}

func TestFirstLineMarkerRoundTrip(t *testing.T) {
	src := "func f() int {\n\treturn 1\n}"
	stored := formatStoredCode(src, 42)
	assert.Equal(t, "// first line: 42\nfunc f() int {\n\treturn 1\n}", stored)

	code, line := extractFirstLine(stored)
	assert.Equal(t, src, code)
	assert.Equal(t, 42, line)
}

func TestExtractFirstLineDegenerate(t *testing.T) {
	code, line := extractFirstLine("no marker here")
	assert.Equal(t, "no marker here", code)
	assert.Equal(t, -1, line)

	code, line = extractFirstLine("// first line: -1\nbody")
	assert.Equal(t, "body", code)
	assert.Equal(t, -1, line)

	_, line = extractFirstLine("// first line: junk\nbody")
	assert.Equal(t, -1, line)
}

func TestIdentityCache(t *testing.T) {
	c := &identityCache{m: make(map[uintptr]funcIdentity)}
	id := funcIdentity{pc: 0xbeef, name: "pkg.f", srcHash: 7}
	c.put(id)

	got, ok := c.get(0xbeef)
	require.True(t, ok)
	assert.Equal(t, id, got)

	c.drop(0xbeef)
	_, ok = c.get(0xbeef)
	assert.False(t, ok)

	c.put(id)
	c.reset()
	_, ok = c.get(0xbeef)
	assert.False(t, ok)
}

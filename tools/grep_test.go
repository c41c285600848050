package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grepFixture(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	files := map[string]string{
		"/repo/main.go":                  "package main\n\nfunc main() {\n    // TODO: wire flags\n}\n",
		"/repo/README.md":                "# repo\nnothing to do here\n",
		"/repo/pkg/util.go":              "package pkg\n// TODO: remove\nvar x = 1\n",
		"/repo/.git/HEAD":                "ref: TODO\n",
		"/repo/node_modules/lib/index.js": "// TODO in dependency\n",
		"/repo/vendor/dep/dep.go":        "// TODO vendored\n",
	}
	for path, content := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	}
	require.NoError(t, afero.WriteFile(fs, "/repo/bin/tool", []byte("TODO\x00\x01binary"), 0o755))
	return fs
}

func TestGrepRecursive(t *testing.T) {
	r := newTestRegistry(grepFixture(t))

	res := r.Execute(context.Background(), "grep", map[string]any{"pattern": "TODO", "path": "/repo"})
	require.False(t, res.IsError, res.String())
	out := res.Output.(GrepOutput)
	assert.False(t, out.Truncated)
	assert.ElementsMatch(t, []GrepMatch{
		{File: "/repo/main.go", Line: 4, Content: "// TODO: wire flags"},
		{File: "/repo/pkg/util.go", Line: 2, Content: "// TODO: remove"},
	}, out.Results)
}

func TestGrepNonRecursive(t *testing.T) {
	r := newTestRegistry(grepFixture(t))

	res := r.Execute(context.Background(), "grep", map[string]any{"pattern": "TODO", "path": "/repo", "recursive": false})
	require.False(t, res.IsError, res.String())
	assert.Equal(t, []GrepMatch{{File: "/repo/main.go", Line: 4, Content: "// TODO: wire flags"}}, res.Output.(GrepOutput).Results)
}

func TestGrepSingleFile(t *testing.T) {
	r := newTestRegistry(grepFixture(t))

	res := r.Execute(context.Background(), "grep", map[string]any{"pattern": `^package \w+`, "path": "/repo/pkg/util.go"})
	require.False(t, res.IsError, res.String())
	assert.Equal(t, []GrepMatch{{File: "/repo/pkg/util.go", Line: 1, Content: "package pkg"}}, res.Output.(GrepOutput).Results)
}

func TestGrepNoMatchesIsEmptyResult(t *testing.T) {
	r := newTestRegistry(grepFixture(t))

	res := r.Execute(context.Background(), "grep", map[string]any{"pattern": "no-such-text", "path": "/repo"})
	require.False(t, res.IsError, res.String())
	out := res.Output.(GrepOutput)
	require.NotNil(t, out.Results)
	assert.Empty(t, out.Results)
	assert.JSONEq(t, `{"results":[]}`, res.String())
}

func TestGrepCapsResults(t *testing.T) {
	fs := afero.NewMemMapFs()
	for i := 0; i < 3; i++ {
		content := ""
		for j := 0; j < 60; j++ {
			content += fmt.Sprintf("match %d\n", j)
		}
		require.NoError(t, afero.WriteFile(fs, fmt.Sprintf("/big/f%d.txt", i), []byte(content), 0o644))
	}
	r := newTestRegistry(fs)

	res := r.Execute(context.Background(), "grep", map[string]any{"pattern": "match", "path": "/big"})
	require.False(t, res.IsError, res.String())
	out := res.Output.(GrepOutput)
	assert.Len(t, out.Results, maxGrepResults)
	assert.True(t, out.Truncated)
}

func TestGrepReadsPastVeryLongLines(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := strings.Repeat("x", 2<<20) + "\r\nTODO: after the long line\n"
	require.NoError(t, afero.WriteFile(fs, "/data.txt", []byte(content), 0o644))
	r := newTestRegistry(fs)

	res := r.Execute(context.Background(), "grep", map[string]any{"pattern": "TODO", "path": "/data.txt"})
	require.False(t, res.IsError, res.String())
	assert.Equal(t, []GrepMatch{{File: "/data.txt", Line: 2, Content: "TODO: after the long line"}}, res.Output.(GrepOutput).Results)
}

func TestGrepInvalidPattern(t *testing.T) {
	r := newTestRegistry(grepFixture(t))

	res := r.Execute(context.Background(), "grep", map[string]any{"pattern": "(unclosed", "path": "/repo"})
	assert.Contains(t, errorText(t, res), "invalid regex pattern")
}

func TestGrepMissingPath(t *testing.T) {
	r := newTestRegistry(grepFixture(t))

	res := r.Execute(context.Background(), "grep", map[string]any{"pattern": "x", "path": "/absent"})
	assert.Contains(t, errorText(t, res), "failed to access path")
}

package sut

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fzcoverage.dev/fzcoverage/internal/config"
	"fzcoverage.dev/fzcoverage/internal/coverage"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseFileIndexesLinesAndClassifiesComments(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "main.c", "// header comment\nint main() {\n\treturn 0;\n}\n")

	idx := New()
	idx.Configure(config.TargetConfig{TargetSourceCodePath: dir})

	id, ok := idx.ParseFile(path)
	require.True(t, ok)

	lines := idx.AllLines(id)
	require.Len(t, lines, 4)

	var comments int
	for _, l := range lines {
		if l.IsComment {
			comments++
		}
	}
	assert.Equal(t, 1, comments)
}

func TestParseFileIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "main.c", "int main() { return 0; }\n")

	idx := New()
	idx.Configure(config.TargetConfig{TargetSourceCodePath: dir})

	id1, ok := idx.ParseFile(path)
	require.True(t, ok)
	id2, ok := idx.ParseFile(path)
	require.True(t, ok)
	assert.Equal(t, id1, id2)
	assert.Len(t, idx.AllFiles(), 1)
}

func TestParseFileRejectsOutsideAllowedFolder(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	path := writeFile(t, outside, "evil.c", "int x;\n")

	idx := New()
	idx.Configure(config.TargetConfig{TargetSourceCodePath: dir})

	_, ok := idx.ParseFile(path)
	assert.False(t, ok)
}

func TestParseFileRejectsDisallowedExtension(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "readme.md", "# not code\n")

	idx := New()
	idx.Configure(config.TargetConfig{
		TargetSourceCodePath: dir,
		AllowedExtensions:    []string{"c", "h"},
	})

	_, ok := idx.ParseFile(path)
	assert.False(t, ok)
}

func TestParseFileAcceptsIncludeFilterDirectory(t *testing.T) {
	dir := t.TempDir()
	includeDir := t.TempDir()
	path := writeFile(t, includeDir, "vendored.c", "int x;\n")

	idx := New()
	idx.Configure(config.TargetConfig{
		TargetSourceCodePath: dir,
		TargetIncludeFilter:  []string{includeDir},
	})

	_, ok := idx.ParseFile(path)
	assert.True(t, ok)
}

func TestSetLineCoveredFirstTimeVsRepeat(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "main.c", "int main() { return 0; }\n")

	idx := New()
	idx.Configure(config.TargetConfig{TargetSourceCodePath: dir})
	id, _ := idx.ParseFile(path)
	line := idx.AllLines(id)[0]
	lineID := coverage.NewLineID(line.File, line.LineNum)

	first := idx.SetLineCovered(lineID, 1)
	assert.Equal(t, uint32(1), first)

	second := idx.SetLineCovered(lineID, 1)
	assert.Equal(t, uint32(2), second)

	thirdDifferentConfig := idx.SetLineCovered(lineID, 2)
	assert.Equal(t, uint32(1), thirdDifferentConfig)
}

func TestSetLineCoveredUnknownLineIsNoop(t *testing.T) {
	idx := New()
	result := idx.SetLineCovered(coverage.NewLineID(coverage.FileID(99), 1), 1)
	assert.Equal(t, uint32(0), result)
}

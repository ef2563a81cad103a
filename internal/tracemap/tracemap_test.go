package tracemap

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fzcoverage.dev/fzcoverage/internal/config"
	"fzcoverage.dev/fzcoverage/internal/sut"
)

// fakeResolver maps module-relative addresses to (file, line) pairs set
// up by the test, standing in for a DWARF-backed *resolver.Resolver.
type fakeResolver struct {
	locations map[uint64]struct {
		file string
		line int
	}
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{locations: map[uint64]struct {
		file string
		line int
	}{}}
}

func (f *fakeResolver) at(addr uint64, file string, line int) {
	f.locations[addr] = struct {
		file string
		line int
	}{file, line}
}

func (f *fakeResolver) FindLocation(addr uint64) (string, int, bool) {
	loc, ok := f.locations[addr]
	if !ok {
		return "", 0, false
	}
	return loc.file, loc.line, true
}

func writeTrace(t *testing.T, dir, name string, base uint64, bbs [][3]uint64) string {
	t.Helper()
	path := filepath.Join(dir, name)

	var buf []byte
	buf = append(buf, []byte("DRCOV VERSION: 2\n")...)
	buf = append(buf, []byte("Module Table: version 2, count 1\n")...)
	buf = append(buf, []byte("Columns: id, base, end, entry, path\n")...)
	buf = append(buf, []byte("0, 0x"+strconv.FormatUint(base, 16)+", 0x"+strconv.FormatUint(base+0x10000, 16)+", 0x"+strconv.FormatUint(base, 16)+", /bin/target\n")...)
	buf = append(buf, []byte("BB Table: "+strconv.Itoa(len(bbs))+" bbs\n")...)
	for _, bb := range bbs {
		rec := make([]byte, 8)
		binary.LittleEndian.PutUint32(rec[0:4], uint32(bb[0]))
		binary.LittleEndian.PutUint16(rec[4:6], uint16(bb[1]))
		binary.LittleEndian.PutUint16(rec[6:8], uint16(bb[2]))
		buf = append(buf, rec...)
	}

	require.NoError(t, os.WriteFile(path, buf, 0644))
	return path
}

func TestParseEmptyTraceFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.trace")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	index := sut.New()
	index.Configure(config.TargetConfig{TargetSourceCodePath: dir})

	trace, err := Parse(path, config.TargetConfig{TargetPath: "target"}, newFakeResolver(), index)
	require.NoError(t, err)
	assert.Empty(t, trace.Binary)
	assert.Empty(t, trace.Source)
	assert.Empty(t, trace.UniqueLinesSet)
}

func TestParseModuleNotFoundFails(t *testing.T) {
	dir := t.TempDir()
	path := writeTrace(t, dir, "a.trace", 0x1000, [][3]uint64{{0x10, 4, 0}})

	index := sut.New()
	_, err := Parse(path, config.TargetConfig{TargetPath: "nonexistent-binary"}, newFakeResolver(), index)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestParseMapsBasicBlocksToSourceLines(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "main.c")
	require.NoError(t, os.WriteFile(srcPath, []byte(
		"int main() {\n"+ // 1
			"\tint x = 1;\n"+ // 2
			"\tint y = 2;\n"+ // 3
			"\treturn x + y;\n"+ // 4
			"}\n"), 0644)) // 5

	// One basic block covering module-relative [0x10, 0x14); its start
	// resolves to line 2, its end to line 3.
	path := writeTrace(t, dir, "a.trace", 0x1000, [][3]uint64{{0x10, 4, 0}})

	res := newFakeResolver()
	res.at(0x10, srcPath, 2)
	res.at(0x14, srcPath, 3)

	index := sut.New()
	index.Configure(config.TargetConfig{TargetSourceCodePath: dir})

	trace, err := Parse(path, config.TargetConfig{TargetPath: "target", TargetSourceCodePath: dir}, res, index)
	require.NoError(t, err)

	require.Len(t, trace.Binary, 1)
	require.Len(t, trace.Source, 1)
	assert.Equal(t, uint64(0x1010), trace.Binary[0].Start)
	assert.Equal(t, uint64(0x1014), trace.Binary[0].End)

	fileID, ok := index.FileID(srcPath)
	require.True(t, ok)
	assert.Equal(t, fileID, trace.Source[0].Start.File)
	assert.Equal(t, uint32(2), trace.Source[0].Start.Line)
	assert.Equal(t, uint32(3), trace.Source[0].End.Line)

	assert.Len(t, trace.UniqueLinesSet, 2)
}

func TestParseDropsSingleLineBlocks(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "main.c")
	require.NoError(t, os.WriteFile(srcPath, []byte("int main() { return 0; }\n"), 0644))

	path := writeTrace(t, dir, "a.trace", 0x1000, [][3]uint64{{0x10, 4, 0}})

	res := newFakeResolver()
	res.at(0x10, srcPath, 1)
	res.at(0x14, srcPath, 1)

	index := sut.New()
	index.Configure(config.TargetConfig{TargetSourceCodePath: dir})

	trace, err := Parse(path, config.TargetConfig{TargetPath: "target", TargetSourceCodePath: dir}, res, index)
	require.NoError(t, err)
	assert.Empty(t, trace.Binary)
	assert.Empty(t, trace.Source)
}

func TestParseSkipsBlocksOutsideAllowedRoots(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	srcPath := filepath.Join(outside, "main.c")
	require.NoError(t, os.WriteFile(srcPath, []byte("int main() {\n\treturn 0;\n}\n"), 0644))

	path := writeTrace(t, dir, "a.trace", 0x1000, [][3]uint64{{0x10, 4, 0}})

	res := newFakeResolver()
	res.at(0x10, srcPath, 1)
	res.at(0x14, srcPath, 2)

	index := sut.New()
	index.Configure(config.TargetConfig{TargetSourceCodePath: dir})

	trace, err := Parse(path, config.TargetConfig{TargetPath: "target", TargetSourceCodePath: dir}, res, index)
	require.NoError(t, err)
	assert.Empty(t, trace.Binary)
	assert.Empty(t, trace.Source)
}

func TestParseDedupsRepeatedBlocks(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "main.c")
	require.NoError(t, os.WriteFile(srcPath, []byte("int main() {\n\tint x = 1;\n\treturn x;\n}\n"), 0644))

	path := writeTrace(t, dir, "a.trace", 0x1000, [][3]uint64{{0x10, 4, 0}, {0x10, 4, 0}})

	res := newFakeResolver()
	res.at(0x10, srcPath, 2)
	res.at(0x14, srcPath, 3)

	index := sut.New()
	index.Configure(config.TargetConfig{TargetSourceCodePath: dir})

	trace, err := Parse(path, config.TargetConfig{TargetPath: "target", TargetSourceCodePath: dir}, res, index)
	require.NoError(t, err)
	assert.Len(t, trace.Source, 1)
}

package drcov

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTrace(t *testing.T, modules []Module, entries []BBEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString("DRCOV VERSION: 2\n")
	buf.WriteString("DRCOV FLAVOR: drcov\n")
	buf.WriteString("Module Table: version 2, count " + strconv.Itoa(len(modules)) + "\n")
	buf.WriteString("Columns: id, base, end, entry, path\n")
	for _, m := range modules {
		buf.WriteString(strconv.Itoa(m.ID) + ", " +
			hexOf(m.Base) + ", " + hexOf(m.End) + ", " + hexOf(m.Entry) + ", " + m.Path + "\n")
	}
	buf.WriteString("BB Table: " + strconv.Itoa(len(entries)) + " bbs\n")
	for _, e := range entries {
		rec := make([]byte, bbRecordSize)
		binary.LittleEndian.PutUint32(rec[0:4], e.Start)
		binary.LittleEndian.PutUint16(rec[4:6], e.Size)
		binary.LittleEndian.PutUint16(rec[6:8], e.ModID)
		buf.Write(rec)
	}
	return buf.Bytes()
}

func hexOf(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

func TestReadRoundTrip(t *testing.T) {
	modules := []Module{
		{ID: 0, Base: 0x1000, End: 0x2000, Entry: 0x1000, Path: "/bin/target"},
	}
	entries := []BBEntry{
		{Start: 0x10, Size: 4, ModID: 0},
		{Start: 0x20, Size: 8, ModID: 0},
	}
	data := buildTrace(t, modules, entries)

	trace, err := Read(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, trace.Modules, 1)
	assert.Equal(t, "/bin/target", trace.Modules[0].Path)
	require.Len(t, trace.Entries, 2)

	blocks := trace.BasicBlocksForModule(0)
	require.Len(t, blocks, 2)
	assert.Equal(t, BasicBlock{Start: 0x1010, End: 0x1014}, blocks[0])
	assert.Equal(t, BasicBlock{Start: 0x1020, End: 0x1028}, blocks[1])
}

func TestReadEmptyFileIsNotAnError(t *testing.T) {
	trace, err := Read(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Empty(t, trace.Modules)
	assert.Empty(t, trace.Entries)
}

func TestReadBadHeader(t *testing.T) {
	_, err := Read(strings.NewReader("NOT A DRCOV FILE\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestModuleBySuffixMatchesTargetPath(t *testing.T) {
	trace := &Trace{Modules: []Module{
		{ID: 0, Path: "/lib/libc.so"},
		{ID: 1, Path: "/home/build/out/target"},
	}}

	mod, ok := trace.ModuleBySuffix("out/target")
	require.True(t, ok)
	assert.Equal(t, 1, mod.ID)

	_, ok = trace.ModuleBySuffix("nonexistent")
	assert.False(t, ok)
}

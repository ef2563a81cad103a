// Package drcov decodes DrCov v2 trace files: a short text header
// describing the module table, followed by a flat binary list of
// module-relative basic-block records.
package drcov

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"fzcoverage.dev/fzcoverage/pkg/log"
)

// Error kinds returned by Read. Use errors.Is against these sentinels;
// the concrete error additionally carries the offending line via Wrap.
var (
	ErrBadHeader        = errors.New("drcov: bad header")
	ErrBadModuleTable   = errors.New("drcov: bad module table header")
	ErrBadModuleColumns = errors.New("drcov: bad module table columns")
	ErrShortBBTable     = errors.New("drcov: truncated basic-block table")
)

const bbRecordSize = 8

// Module is one row of the DrCov module table.
type Module struct {
	ID    int
	Base  uint64
	End   uint64
	Entry uint64
	Path  string
}

// BBEntry is one raw basic-block record as it appears on disk:
// a module-relative start offset, a size in bytes, and the owning
// module's id.
type BBEntry struct {
	Start uint32
	Size  uint16
	ModID uint16
}

// BasicBlock is a materialized absolute address range for one basic
// block, i.e. [Start, End) in the traced process's address space.
type BasicBlock struct {
	Start uint64
	End   uint64
}

// Trace is the decoded content of one DrCov file: the module table and
// the raw basic-block entries recorded against it.
type Trace struct {
	Modules []Module
	Entries []BBEntry
}

// Read decodes a DrCov v2 trace from r. An empty file (zero bytes) is not
// an error: it yields a Trace with no modules and no entries.
func Read(r io.Reader) (*Trace, error) {
	br := bufio.NewReader(r)

	firstByte, err := br.Peek(1)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &Trace{}, nil
		}
		return nil, errors.WithStack(err)
	}
	_ = firstByte

	line, err := readLine(br)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !strings.EqualFold(strings.TrimSpace(line), "DRCOV VERSION: 2") {
		return nil, errors.Wrapf(ErrBadHeader, "unexpected first line %q", line)
	}

	line, err = readLine(br)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if strings.HasPrefix(strings.TrimSpace(line), "DRCOV FLAVOR:") {
		line, err = readLine(br)
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}

	const moduleTablePrefix = "Module Table: version 2, count "
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "Module Table: version 2, count ") {
		return nil, errors.Wrapf(ErrBadModuleTable, "line %q", line)
	}
	countStr := strings.TrimSpace(strings.TrimPrefix(trimmed, moduleTablePrefix))
	moduleCount, err := strconv.Atoi(countStr)
	if err != nil {
		return nil, errors.Wrapf(ErrBadModuleTable, "invalid module count in %q", line)
	}

	line, err = readLine(br)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !strings.HasPrefix(strings.TrimSpace(line), "Columns: id, base, end, entry, path") {
		return nil, errors.Wrapf(ErrBadModuleColumns, "line %q", line)
	}

	modules := make([]Module, 0, moduleCount)
	for i := 0; i < moduleCount; i++ {
		line, err = readLine(br)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		mod, err := parseModuleRow(line)
		if err != nil {
			return nil, errors.Wrapf(err, "module row %d: %q", i, line)
		}
		modules = append(modules, mod)
	}

	line, err = readLine(br)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	bbCount, err := parseBBTableHeader(line)
	if err != nil {
		return nil, err
	}

	entries := make([]BBEntry, 0, bbCount)
	buf := make([]byte, bbRecordSize)
	for i := 0; i < bbCount; i++ {
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, errors.Wrapf(ErrShortBBTable, "entry %d: %v", i, err)
		}
		entries = append(entries, BBEntry{
			Start: binary.LittleEndian.Uint32(buf[0:4]),
			Size:  binary.LittleEndian.Uint16(buf[4:6]),
			ModID: binary.LittleEndian.Uint16(buf[6:8]),
		})
	}

	return &Trace{Modules: modules, Entries: entries}, nil
}

// ReadFile is a convenience wrapper over Read for a path on disk. A
// nonexistent trace path is reported as-is (wrapped); a zero-length
// file yields an empty Trace without being opened.
func ReadFile(path string) (*Trace, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if info.Size() == 0 {
		return &Trace{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	return Read(f)
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseBBTableHeader(line string) (int, error) {
	trimmed := strings.TrimSpace(line)
	const prefix = "BB Table: "
	const suffix = " bbs"
	if !strings.HasPrefix(trimmed, prefix) || !strings.HasSuffix(trimmed, suffix) {
		return 0, errors.Wrapf(ErrShortBBTable, "header %q", line)
	}
	numStr := strings.TrimSuffix(strings.TrimPrefix(trimmed, prefix), suffix)
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, errors.Wrapf(ErrShortBBTable, "invalid bb count in %q", line)
	}
	return n, nil
}

func parseModuleRow(line string) (Module, error) {
	fields := strings.SplitN(line, ", ", 5)
	if len(fields) != 5 {
		return Module{}, fmt.Errorf("expected 5 comma-separated fields, got %d", len(fields))
	}
	id, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return Module{}, errors.Wrap(err, "module id")
	}
	base, err := parseHex(fields[1])
	if err != nil {
		return Module{}, errors.Wrap(err, "module base")
	}
	end, err := parseHex(fields[2])
	if err != nil {
		return Module{}, errors.Wrap(err, "module end")
	}
	entry, err := parseHex(fields[3])
	if err != nil {
		return Module{}, errors.Wrap(err, "module entry")
	}
	return Module{ID: id, Base: base, End: end, Entry: entry, Path: parsePath(fields[4])}, nil
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") {
		return 0, fmt.Errorf("expected 0x-prefixed hex, got %q", s)
	}
	return strconv.ParseUint(s[2:], 16, 64)
}

func parsePath(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}

// ModuleByID returns the module entry with the given id, if any.
func (t *Trace) ModuleByID(id int) (Module, bool) {
	for _, m := range t.Modules {
		if m.ID == id {
			return m, true
		}
	}
	return Module{}, false
}

// ModuleBySuffix returns the first module whose path ends with suffix,
// e.g. the configured target binary's path.
func (t *Trace) ModuleBySuffix(suffix string) (Module, bool) {
	for _, m := range t.Modules {
		if strings.HasSuffix(m.Path, suffix) {
			return m, true
		}
	}
	return Module{}, false
}

// BasicBlocks materializes every entry as an absolute address range.
// Entries whose ModID does not match any module are dropped with a log
// line rather than failing the whole trace.
func (t *Trace) BasicBlocks() []BasicBlock {
	blocks := make([]BasicBlock, 0, len(t.Entries))
	for _, e := range t.Entries {
		mod, ok := t.ModuleByID(int(e.ModID))
		if !ok {
			log.Warnf("drcov: dropping basic block with unknown module id %d", e.ModID)
			continue
		}
		start := mod.Base + uint64(e.Start)
		blocks = append(blocks, BasicBlock{Start: start, End: start + uint64(e.Size)})
	}
	return blocks
}

// BasicBlocksForModule materializes only the entries belonging to
// modID.
func (t *Trace) BasicBlocksForModule(modID int) []BasicBlock {
	mod, ok := t.ModuleByID(modID)
	if !ok {
		return nil
	}
	blocks := make([]BasicBlock, 0)
	for _, e := range t.Entries {
		if int(e.ModID) != modID {
			continue
		}
		start := mod.Base + uint64(e.Start)
		blocks = append(blocks, BasicBlock{Start: start, End: start + uint64(e.Size)})
	}
	return blocks
}

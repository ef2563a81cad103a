// Package tracemap combines the DrCov reader, the address resolver, and
// the SUT index to turn one raw trace file into a set of source-level
// basic blocks and the lines they exercise. It is the "D" component of
// the pipeline.
package tracemap

import (
	"path/filepath"

	"github.com/pkg/errors"

	"fzcoverage.dev/fzcoverage/internal/config"
	"fzcoverage.dev/fzcoverage/internal/coverage"
	"fzcoverage.dev/fzcoverage/internal/drcov"
	"fzcoverage.dev/fzcoverage/internal/sut"
	"fzcoverage.dev/fzcoverage/util/fileutil"
)

// ErrModuleNotFound is returned when a trace's module table contains no
// entry whose path matches the configured target binary.
var ErrModuleNotFound = errors.New("tracemap: target module not found in trace")

// AddressResolver is the subset of *resolver.Resolver the trace mapper
// depends on. Narrowing to an interface here keeps this package testable
// without a real DWARF-bearing binary on disk.
type AddressResolver interface {
	FindLocation(addr uint64) (file string, line int, ok bool)
}

// SrcCovBasicBlock is a (start, end) pair of LineIDs in the same file,
// derived by resolving a DrCov basic block's two endpoints. Invariant:
// Start.File == End.File and Start.Line <= End.Line.
type SrcCovBasicBlock struct {
	Start coverage.LineID
	End   coverage.LineID
}

// Trace is the result of mapping one DrCov trace file through the
// resolver and the SUT index: an index-aligned pair of binary and
// source basic blocks, plus the union of every line they cover.
type Trace struct {
	Binary         []drcov.BasicBlock
	Source         []SrcCovBasicBlock
	UniqueLinesSet map[coverage.LineID]struct{}
}

func emptyTrace() *Trace {
	return &Trace{UniqueLinesSet: make(map[coverage.LineID]struct{})}
}

// Parse decodes tracePath and maps it through res and index. A
// zero-length trace file is not an error: it yields an empty Trace,
// since the fuzzer may crash mid-write.
func Parse(tracePath string, target config.TargetConfig, res AddressResolver, index *sut.Index) (*Trace, error) {
	drTrace, err := drcov.ReadFile(tracePath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading trace %s", tracePath)
	}
	if len(drTrace.Modules) == 0 && len(drTrace.Entries) == 0 {
		return emptyTrace(), nil
	}

	mod, ok := drTrace.ModuleBySuffix(target.TargetPath)
	if !ok {
		return nil, errors.Wrapf(ErrModuleNotFound, "target %s not present in %s", target.TargetPath, tracePath)
	}

	t := emptyTrace()
	seen := make(map[SrcCovBasicBlock]struct{})

	for _, bb := range drTrace.BasicBlocksForModule(mod.ID) {
		relStart := bb.Start - mod.Base
		relEnd := bb.End - mod.Base

		startFile, startLine, ok := res.FindLocation(relStart)
		if !ok {
			continue
		}
		endFile, endLine, ok := res.FindLocation(relEnd)
		if !ok {
			continue
		}

		startFile = canonicalizePath(startFile)
		endFile = canonicalizePath(endFile)

		startFileID, ok := index.ParseFile(startFile)
		if !ok {
			continue
		}
		endFileID, ok := index.ParseFile(endFile)
		if !ok {
			continue
		}

		startLineID := coverage.NewLineID(startFileID, uint32(startLine))
		endLineID := coverage.NewLineID(endFileID, uint32(endLine))

		if startLineID == endLineID {
			// A single-line block carries no interval information
			// useful to the line-coverage model.
			continue
		}
		if startFileID != endFileID {
			continue
		}
		if !checkAncestor(startFile, target) || !checkAncestor(endFile, target) {
			continue
		}

		if startLineID.Line > endLineID.Line {
			startLineID, endLineID = endLineID, startLineID
		}

		block := SrcCovBasicBlock{Start: startLineID, End: endLineID}
		if _, dup := seen[block]; dup {
			continue
		}
		seen[block] = struct{}{}

		for line := startLineID.Line; line <= endLineID.Line; line++ {
			t.UniqueLinesSet[coverage.NewLineID(startFileID, line)] = struct{}{}
		}

		t.Binary = append(t.Binary, bb)
		t.Source = append(t.Source, block)
	}

	return t, nil
}

func canonicalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// checkAncestor reports whether filePath's parent directory lies under
// the target's source tree, or under the parent of some configured
// include-filter entry.
func checkAncestor(filePath string, target config.TargetConfig) bool {
	parent := filepath.Dir(filePath)
	if target.TargetSourceCodePath != "" {
		if below, err := fileutil.IsBelow(parent, target.TargetSourceCodePath); err == nil && below {
			return true
		}
	}
	for _, inc := range target.TargetIncludeFilter {
		dir := filepath.Dir(inc)
		if dir == "" {
			continue
		}
		if below, err := fileutil.IsBelow(parent, dir); err == nil && below {
			return true
		}
	}
	return false
}

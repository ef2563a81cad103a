// Package coverage holds the dense-integer identifier types and the
// metadata records shared by the SUT index, the trace mapper, and the
// inputs database: FileID, LineID, InputID and their *Meta records.
//
// Identifiers are assigned on first sight as current-table-size + 1; zero
// is reserved as the not-assigned sentinel and is never handed out.
package coverage

import "fmt"

// FileID identifies a source file for the lifetime of the process.
type FileID uint32

// NoFileID is the zero value; it is never assigned to a real file.
const NoFileID FileID = 0

func (id FileID) String() string {
	return fmt.Sprintf("FileID(%d)", uint32(id))
}

// LineID identifies a single line within a file. Equality is by value.
type LineID struct {
	File FileID
	Line uint32
}

func NewLineID(file FileID, line uint32) LineID {
	return LineID{File: file, Line: line}
}

func (id LineID) String() string {
	return fmt.Sprintf("%d:%d", uint32(id.File), id.Line)
}

// InputID identifies a fuzzer input (seed or derived) for the lifetime of
// the process. It is orthogonal to the fuzzer-local id encoded in a
// filename.
type InputID uint32

const NoInputID InputID = 0

func (id InputID) String() string {
	return fmt.Sprintf("InputID(%d)", uint32(id))
}

// FileMeta describes one interned source file.
type FileMeta struct {
	Path string
	// Lines holds every LineID belonging to this file.
	Lines map[LineID]struct{}
	// UniqueLineHits[c] is the count of distinct lines of this file that
	// fuzzer configuration c has covered at least once.
	UniqueLineHits map[uint32]uint32
}

func NewFileMeta(path string) *FileMeta {
	return &FileMeta{
		Path:           path,
		Lines:          make(map[LineID]struct{}),
		UniqueLineHits: make(map[uint32]uint32),
	}
}

// LineMeta describes one line of one interned source file.
type LineMeta struct {
	File      FileID `json:"file_id"`
	LineNum   uint32 `json:"line_num"`
	HitCount  uint32 `json:"hit_count"`
	IsComment bool   `json:"is_comment"`
	// FuzzerConfigurationIDs is an ordered, duplicate-free list of the
	// configurations that have ever covered this line.
	FuzzerConfigurationIDs []uint32 `json:"fuzzer_configuration_ids"`
}

// HasConfiguration reports whether configID already covered this line.
func (l *LineMeta) HasConfiguration(configID uint32) bool {
	for _, c := range l.FuzzerConfigurationIDs {
		if c == configID {
			return true
		}
	}
	return false
}

// InputMeta describes one fuzzer input, seed or derived.
type InputMeta struct {
	ID                               InputID
	FuzzInputID                      uint32
	TotalMutationsRequiredToGenerate uint32
	ExecutionTime                    int64
	FuzzerCoverage                   uint32
	ExecutedOn                       int64
	SourceLineCoverage               map[LineID]struct{}
	Parents                          []uint32
	IsInitialSeed                    bool
	FuzzerConfiguration              uint32
	FileNameStem                     string
}

func NewInputMeta(id InputID) *InputMeta {
	return &InputMeta{
		ID:                  id,
		SourceLineCoverage:  make(map[LineID]struct{}),
	}
}

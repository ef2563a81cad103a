// Package sut interns source files and lines for the system under test:
// it assigns stable FileIDs and LineIDs, classifies comment lines, and
// tracks per-fuzzer-configuration hit counts. It is the "C" component of
// the pipeline; the trace mapper and the inputs database call it during
// ingestion, and the query facade and the inputs database read it while
// serving.
package sut

import (
	"os"
	"path/filepath"
	"strings"

	"fzcoverage.dev/fzcoverage/internal/config"
	"fzcoverage.dev/fzcoverage/internal/coverage"
	"fzcoverage.dev/fzcoverage/pkg/log"
	"fzcoverage.dev/fzcoverage/util/fileutil"
)

// Index is the source index for one target configuration. It is built
// during ingestion by repeated calls to ParseFile, then read only.
type Index struct {
	fileMeta       map[coverage.FileID]*coverage.FileMeta
	filenameToFile map[string]coverage.FileID
	lineMeta       map[coverage.LineID]*coverage.LineMeta

	allowedFolders    []string
	allowedExtensions []string
}

func New() *Index {
	return &Index{
		fileMeta:       make(map[coverage.FileID]*coverage.FileMeta),
		filenameToFile: make(map[string]coverage.FileID),
		lineMeta:       make(map[coverage.LineID]*coverage.LineMeta),
	}
}

// Configure records the admissibility rules derived from a target
// configuration: the allowed root directories (the target's own source
// tree plus any additional include filters) and the allowed file
// extensions. An empty extension list disables that filter.
func (idx *Index) Configure(t config.TargetConfig) {
	idx.allowedFolders = append([]string{t.TargetSourceCodePath}, t.TargetIncludeFilter...)
	idx.allowedExtensions = append([]string(nil), t.AllowedExtensions...)
}

// ParseFile admits filename into the index and returns its FileID, or
// ok=false if the file is inadmissible (a directory, a disallowed
// extension, or outside every allowed root). Repeated calls for a
// filename already seen are idempotent and do not re-read the file.
func (idx *Index) ParseFile(filename string) (coverage.FileID, bool) {
	if id, ok := idx.filenameToFile[filename]; ok {
		return id, true
	}

	if fileutil.IsDir(filename) {
		return coverage.NoFileID, false
	}

	if len(idx.allowedExtensions) > 0 {
		ext := strings.TrimPrefix(filepath.Ext(filename), ".")
		if !containsString(idx.allowedExtensions, ext) {
			return coverage.NoFileID, false
		}
	}

	allowed := false
	for _, folder := range idx.allowedFolders {
		if folder == "" {
			continue
		}
		if below, err := fileutil.IsBelow(filename, folder); err == nil && below {
			allowed = true
			break
		}
	}
	if !allowed {
		return coverage.NoFileID, false
	}

	id := coverage.FileID(len(idx.filenameToFile) + 1)
	idx.filenameToFile[filename] = id
	meta := coverage.NewFileMeta(filename)
	idx.fileMeta[id] = meta

	idx.indexLines(filename, id, meta)

	return id, true
}

func (idx *Index) indexLines(filename string, id coverage.FileID, meta *coverage.FileMeta) {
	content, err := os.ReadFile(filename)
	if err != nil {
		log.Warnf("sut: unable to read file %s: %v", filename, err)
		return
	}

	lines := strings.Split(string(content), "\n")
	// A trailing newline produces one extra empty element; the Rust
	// original iterates str::lines(), which doesn't emit that element.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	for i, text := range lines {
		lineNum := uint32(i + 1)
		lineID := coverage.NewLineID(id, lineNum)
		idx.lineMeta[lineID] = &coverage.LineMeta{
			File:      id,
			LineNum:   lineNum,
			IsComment: isCommentLine(text),
		}
		meta.Lines[lineID] = struct{}{}
	}
}

func isCommentLine(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	first := fields[0]
	return strings.HasPrefix(first, "//") ||
		strings.HasPrefix(first, "/*") ||
		strings.HasPrefix(first, "*/") ||
		(len(first) == 1 && first == "*")
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// ReadFileContent returns the full text of path, or a placeholder
// when the file can no longer be read (it may have been removed since
// ingestion).
func (idx *Index) ReadFileContent(path string) string {
	content, err := os.ReadFile(path)
	if err != nil {
		return "File content unavailable"
	}
	return string(content)
}

func (idx *Index) FileID(filename string) (coverage.FileID, bool) {
	id, ok := idx.filenameToFile[filename]
	return id, ok
}

// AllFiles returns every admitted filename, in no particular order;
// callers needing a stable order should resolve FileIDs and sort by id.
func (idx *Index) AllFiles() []string {
	files := make([]string, 0, len(idx.filenameToFile))
	for name := range idx.filenameToFile {
		files = append(files, name)
	}
	return files
}

func (idx *Index) AllLines(file coverage.FileID) []*coverage.LineMeta {
	meta, ok := idx.fileMeta[file]
	if !ok {
		return nil
	}
	lines := make([]*coverage.LineMeta, 0, len(meta.Lines))
	for lineID := range meta.Lines {
		if lm, ok := idx.lineMeta[lineID]; ok {
			lines = append(lines, lm)
		}
	}
	return lines
}

func (idx *Index) LineMeta(id coverage.LineID) (*coverage.LineMeta, bool) {
	lm, ok := idx.lineMeta[id]
	return lm, ok
}

func (idx *Index) FileMeta(id coverage.FileID) (*coverage.FileMeta, bool) {
	fm, ok := idx.fileMeta[id]
	return fm, ok
}

func (idx *Index) AllFileMeta() map[coverage.FileID]*coverage.FileMeta {
	return idx.fileMeta
}

// SetLineCovered records one coverage event for a line under a fuzzer
// configuration. It returns 1 iff this is the first time that
// configuration covered the line, the new hit count otherwise, and 0
// without mutation when the LineID is unknown.
func (idx *Index) SetLineCovered(id coverage.LineID, configID uint32) uint32 {
	lm, ok := idx.lineMeta[id]
	if !ok {
		return 0
	}
	lm.HitCount++
	if !lm.HasConfiguration(configID) {
		lm.FuzzerConfigurationIDs = append(lm.FuzzerConfigurationIDs, configID)
		return 1
	}
	return lm.HitCount
}

// IncrementUniqueLineHits records that one more distinct line of file
// has now been covered by configID.
func (idx *Index) IncrementUniqueLineHits(file coverage.FileID, configID uint32) {
	meta, ok := idx.fileMeta[file]
	if !ok {
		return
	}
	meta.UniqueLineHits[configID]++
}

// Package resolver maps a module-relative address in a traced binary to
// a (file, line) pair by walking that binary's DWARF line tables. It is
// the address-to-source half of the pipeline; the DrCov reader and trace
// mapper feed it addresses, the SUT index turns the resulting paths into
// FileIDs.
package resolver

import (
	"debug/dwarf"
	"debug/elf"
	"debug/macho"

	"github.com/pkg/errors"

	"fzcoverage.dev/fzcoverage/pkg/log"
)

// Resolver wraps the DWARF line-number program of one binary. It is
// constructed once per trace ingestion, for the binary path named by the
// target configuration.
type Resolver struct {
	data *dwarf.Data
	// compileUnits caches the first entry of every compile unit so
	// FindLocation doesn't re-walk the top-level DWARF reader for every
	// address it is asked to resolve.
	compileUnits []*dwarf.Entry
}

// New opens path and loads its DWARF debug info. It understands ELF and
// Mach-O containers, the two formats the rest of the pack's tooling
// (vsrinivas-fuchsia's elflib, cifuzz's own coverage/llvm package) deals
// with.
func New(path string) (*Resolver, error) {
	data, err := loadDWARF(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading debug info from %s", path)
	}

	r := &Resolver{data: data}
	reader := data.Reader()
	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, errors.Wrap(err, "walking compile units")
		}
		if entry == nil {
			break
		}
		if entry.Tag == dwarf.TagCompileUnit {
			r.compileUnits = append(r.compileUnits, entry)
			reader.SkipChildren()
		}
	}
	return r, nil
}

func loadDWARF(path string) (*dwarf.Data, error) {
	if f, err := elf.Open(path); err == nil {
		defer f.Close()
		return f.DWARF()
	}
	if f, err := macho.Open(path); err == nil {
		defer f.Close()
		return f.DWARF()
	}
	return nil, errors.New("not a recognized ELF or Mach-O binary")
}

// FindLocation resolves a module-relative address to a source file path
// and a 1-based line number. It returns ok=false when the address has no
// matching line-table entry, when the line is unknown (line 0), or when
// the underlying DWARF machinery errors. All three are treated as a
// resolver miss rather than propagated, matching the tolerance the rest
// of the pipeline expects of a single bad address; only the DWARF errors
// are logged, the other two misses are silent.
func (r *Resolver) FindLocation(addr uint64) (file string, line int, ok bool) {
	for _, cu := range r.compileUnits {
		lr, err := r.data.LineReader(cu)
		if err != nil {
			log.Warnf("resolver: line reader for compile unit: %v", err)
			continue
		}
		if lr == nil {
			continue
		}
		var entry dwarf.LineEntry
		if err := lr.SeekPC(addr, &entry); err != nil {
			continue
		}
		if entry.Line <= 0 || entry.File == nil {
			continue
		}
		return entry.File.Name, entry.Line, true
	}
	return "", 0, false
}

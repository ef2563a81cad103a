// Package inputsdb parses fuzzer-encoded filenames, registers inputs
// and initial seeds, reconstructs the parent/child lineage graph once
// ingestion is complete, and answers the lineage/diff/coverage queries
// the facade needs. It is the "E" component of the pipeline and by far
// the largest: it is the only component that owns mutable cross-indexed
// state spanning every fuzzer configuration.
package inputsdb

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"fzcoverage.dev/fzcoverage/internal/config"
	"fzcoverage.dev/fzcoverage/internal/coverage"
	"fzcoverage.dev/fzcoverage/internal/sut"
	"fzcoverage.dev/fzcoverage/internal/tracemap"
	"fzcoverage.dev/fzcoverage/pkg/log"
)

// ErrNoChildren is returned by GetAllChildrenInputIDsFor when the first
// named seed has no entry in the children index at all -- distinct from
// having an entry that happens to be empty.
var ErrNoChildren = errors.New("inputsdb: seed has no children entry")

type configFuzzID struct {
	Config uint32
	FuzzID uint32
}

type timeRange struct {
	Min, Max int64
}

// DB is the inputs database for one target configuration. It is built
// during ingestion by repeated calls to AddInput, finalized once by
// PostProcess, and read only after that.
type DB struct {
	target config.TargetConfig
	sut    *sut.Index

	fuzzerConfigs map[uint32]config.FuzzerConfig

	initialSeedsInputMeta map[uint32]map[coverage.InputID]*coverage.InputMeta
	fuzzerIDInitialSeeds  map[uint32][]coverage.InputID
	inputIDToInputMeta    map[coverage.InputID]*coverage.InputMeta
	fuzzerIDInputID       map[uint32][]coverage.InputID
	fuzzerInputIDToInputID map[configFuzzID]coverage.InputID
	inputIDToTrace        map[coverage.InputID]*tracemap.Trace
	minMaxTimes           map[uint32]*timeRange

	// childrenIndex is built by PostProcess: for (config, seed fuzz id),
	// every descendant InputID in registration order.
	childrenIndex map[configFuzzID][]coverage.InputID

	nextInputID uint32
}

func New(target config.TargetConfig, index *sut.Index) *DB {
	return &DB{
		target:                 target,
		sut:                    index,
		fuzzerConfigs:          make(map[uint32]config.FuzzerConfig),
		initialSeedsInputMeta:  make(map[uint32]map[coverage.InputID]*coverage.InputMeta),
		fuzzerIDInitialSeeds:   make(map[uint32][]coverage.InputID),
		inputIDToInputMeta:     make(map[coverage.InputID]*coverage.InputMeta),
		fuzzerIDInputID:        make(map[uint32][]coverage.InputID),
		fuzzerInputIDToInputID: make(map[configFuzzID]coverage.InputID),
		inputIDToTrace:         make(map[coverage.InputID]*tracemap.Trace),
		minMaxTimes:            make(map[uint32]*timeRange),
		childrenIndex:          make(map[configFuzzID][]coverage.InputID),
	}
}

func (db *DB) AddFuzzerConfiguration(cfg config.FuzzerConfig) {
	db.fuzzerConfigs[cfg.FuzzerConfigurationID] = cfg
}

// AddInput classifies tracePath as an initial seed or a derived input by
// its filename and registers it accordingly.
func (db *DB) AddInput(tracePath string, res tracemap.AddressResolver, configID uint32) error {
	stem := fileNameStem(tracePath)
	if strings.Contains(stem, "orig") {
		return db.addInitialSeed(tracePath, stem, res, configID)
	}
	return db.addTraceInput(tracePath, stem, res, configID)
}

func fileNameStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// parseSegments splits a filename stem on "::" and then each segment on
// the first ":" into a key/value pair. Unknown keys are kept and simply
// never looked up; segments without a colon are ignored.
func parseSegments(stem string) map[string]string {
	fields := make(map[string]string)
	for _, seg := range strings.Split(stem, "::") {
		i := strings.Index(seg, ":")
		if i < 0 {
			continue
		}
		fields[seg[:i]] = seg[i+1:]
	}
	return fields
}

func parseUint32(s string) (uint32, bool) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func parseInt64(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseParents splits a "src:a+b+..." value into fuzzer-local parent
// ids. Unparseable segments are silently dropped rather than failing
// the whole input, matching the filename protocol's tolerance for
// unknown/malformed segments.
func parseParents(value string) []uint32 {
	if value == "" {
		return nil
	}
	var parents []uint32
	for _, part := range strings.Split(value, "+") {
		if n, ok := parseUint32(part); ok {
			parents = append(parents, n)
		}
	}
	return parents
}

func (db *DB) allocInputID() coverage.InputID {
	db.nextInputID++
	return coverage.InputID(db.nextInputID)
}

func (db *DB) addInitialSeed(tracePath, stem string, res tracemap.AddressResolver, configID uint32) error {
	id := db.allocInputID()
	fields := parseSegments(stem)

	meta := coverage.NewInputMeta(id)
	meta.IsInitialSeed = true
	meta.FuzzerConfiguration = configID
	meta.FileNameStem = stem
	if v, ok := fields["id"]; ok {
		if n, ok := parseUint32(v); ok {
			meta.FuzzInputID = n
		}
	}
	if v, ok := fields["executed_on"]; ok {
		if n, ok := parseInt64(v); ok {
			meta.ExecutedOn = n
		}
	}
	if v, ok := fields["execs"]; ok {
		if n, ok := parseUint32(v); ok {
			meta.TotalMutationsRequiredToGenerate = n
		}
	}

	trace, err := tracemap.Parse(tracePath, db.target, res, db.sut)
	if err != nil {
		return errors.Wrapf(err, "ingesting initial seed %s", tracePath)
	}
	db.recordTrace(id, trace, meta, configID)

	if db.initialSeedsInputMeta[configID] == nil {
		db.initialSeedsInputMeta[configID] = make(map[coverage.InputID]*coverage.InputMeta)
	}
	db.initialSeedsInputMeta[configID][id] = meta
	db.fuzzerIDInitialSeeds[configID] = append(db.fuzzerIDInitialSeeds[configID], id)
	db.fuzzerInputIDToInputID[configFuzzID{configID, meta.FuzzInputID}] = id

	return nil
}

func (db *DB) addTraceInput(tracePath, stem string, res tracemap.AddressResolver, configID uint32) error {
	id := db.allocInputID()
	fields := parseSegments(stem)

	meta := coverage.NewInputMeta(id)
	meta.IsInitialSeed = false
	meta.FuzzerConfiguration = configID
	meta.FileNameStem = stem
	if v, ok := fields["id"]; ok {
		if n, ok := parseUint32(v); ok {
			meta.FuzzInputID = n
		}
	}
	if v, ok := fields["time"]; ok {
		if n, ok := parseInt64(v); ok {
			meta.ExecutionTime = n
		}
	}
	if v, ok := fields["executed_on"]; ok {
		if n, ok := parseInt64(v); ok {
			meta.ExecutedOn = n
		}
	}
	if v, ok := fields["execs"]; ok {
		if n, ok := parseUint32(v); ok {
			meta.TotalMutationsRequiredToGenerate = n
		}
	}
	if v, ok := fields["edges_found"]; ok {
		if n, ok := parseUint32(v); ok {
			meta.FuzzerCoverage = n
		}
	}
	if v, ok := fields["src"]; ok {
		meta.Parents = parseParents(v)
	}

	trace, err := tracemap.Parse(tracePath, db.target, res, db.sut)
	if err != nil {
		return errors.Wrapf(err, "ingesting input %s", tracePath)
	}
	db.recordTrace(id, trace, meta, configID)

	db.inputIDToInputMeta[id] = meta
	db.fuzzerIDInputID[configID] = append(db.fuzzerIDInputID[configID], id)
	db.fuzzerInputIDToInputID[configFuzzID{configID, meta.FuzzInputID}] = id

	rng := db.minMaxTimes[configID]
	if rng == nil {
		db.minMaxTimes[configID] = &timeRange{Min: meta.ExecutedOn, Max: meta.ExecutedOn}
	} else {
		if meta.ExecutedOn < rng.Min {
			rng.Min = meta.ExecutedOn
		}
		if meta.ExecutedOn > rng.Max {
			rng.Max = meta.ExecutedOn
		}
	}

	return nil
}

func (db *DB) recordTrace(id coverage.InputID, trace *tracemap.Trace, meta *coverage.InputMeta, configID uint32) {
	db.inputIDToTrace[id] = trace
	for lineID := range trace.UniqueLinesSet {
		lm, ok := db.sut.LineMeta(lineID)
		if !ok || lm.IsComment {
			continue
		}
		if db.sut.SetLineCovered(lineID, configID) == 1 {
			db.sut.IncrementUniqueLineHits(lineID.File, configID)
		}
		meta.SourceLineCoverage[lineID] = struct{}{}
	}
}

// PostProcess builds the initial-seed -> descendants index. It must be
// called exactly once, after every input has been added.
func (db *DB) PostProcess() {
	// Iterate in a stable order so the children index (and therefore
	// everything downstream that depends on registration order, like
	// compare_inputs) is deterministic across runs of the same input
	// set.
	for _, configID := range db.sortedConfigIDs() {
		for _, id := range db.fuzzerIDInputID[configID] {
			meta := db.inputIDToInputMeta[id]
			visited := map[coverage.InputID]struct{}{id: {}}
			for seedID := range db.ancestralSeeds(meta, configID, visited) {
				seedMeta := db.initialSeedsInputMeta[configID][seedID]
				key := configFuzzID{configID, seedMeta.FuzzInputID}
				db.childrenIndex[key] = append(db.childrenIndex[key], id)
			}
		}
	}
}

func (db *DB) sortedConfigIDs() []uint32 {
	ids := make([]uint32, 0, len(db.fuzzerIDInputID))
	for id := range db.fuzzerIDInputID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (db *DB) isSeed(id coverage.InputID, configID uint32) bool {
	_, ok := db.initialSeedsInputMeta[configID][id]
	return ok
}

// ancestralSeeds resolves the transitive closure of meta's parents down
// to initial seeds, guarding against self-referential cycles via
// visited (§9's design note: the source assumes acyclicity, we don't).
func (db *DB) ancestralSeeds(meta *coverage.InputMeta, configID uint32, visited map[coverage.InputID]struct{}) map[coverage.InputID]struct{} {
	result := make(map[coverage.InputID]struct{})
	for _, parentFuzzID := range meta.Parents {
		parentID, ok := db.fuzzerInputIDToInputID[configFuzzID{configID, parentFuzzID}]
		if !ok {
			continue
		}
		if _, seen := visited[parentID]; seen {
			continue
		}
		visited[parentID] = struct{}{}

		if db.isSeed(parentID, configID) {
			result[parentID] = struct{}{}
			continue
		}
		if parentMeta, ok := db.inputIDToInputMeta[parentID]; ok {
			for seed := range db.ancestralSeeds(parentMeta, configID, visited) {
				result[seed] = struct{}{}
			}
		}
	}
	return result
}

// GetInitialSeedParentsFor returns the ancestral initial-seed InputIDs
// of inputID. It is empty when inputID is itself an initial seed or
// unknown.
func (db *DB) GetInitialSeedParentsFor(inputID coverage.InputID, configID uint32) map[coverage.InputID]struct{} {
	if db.isSeed(inputID, configID) {
		return map[coverage.InputID]struct{}{}
	}
	meta, ok := db.inputIDToInputMeta[inputID]
	if !ok {
		return map[coverage.InputID]struct{}{}
	}
	visited := map[coverage.InputID]struct{}{inputID: {}}
	return db.ancestralSeeds(meta, configID, visited)
}

// HasChildrenFor reports whether the children index has an entry for
// (configID, seedFuzzID) at all.
func (db *DB) HasChildrenFor(configID uint32, seedFuzzID uint32) bool {
	_, ok := db.childrenIndex[configFuzzID{configID, seedFuzzID}]
	return ok
}

// GetAllChildrenInputIDsFor returns the descendants common to every
// named seed. The first seed must have a children-index entry or the
// call fails; subsequent seeds progressively intersect (seeds with no
// children yield an empty intersection rather than failing).
func (db *DB) GetAllChildrenInputIDsFor(configID uint32, seedFuzzIDs []uint32) ([]coverage.InputID, error) {
	if len(seedFuzzIDs) == 0 {
		return nil, nil
	}

	first, ok := db.childrenIndex[configFuzzID{configID, seedFuzzIDs[0]}]
	if !ok {
		return nil, errors.Wrapf(ErrNoChildren, "seed %d", seedFuzzIDs[0])
	}
	set := toSet(first)

	for _, fz := range seedFuzzIDs[1:] {
		next := toSet(db.childrenIndex[configFuzzID{configID, fz}])
		for id := range set {
			if _, ok := next[id]; !ok {
				delete(set, id)
			}
		}
	}

	result := make([]coverage.InputID, 0, len(set))
	for id := range set {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

func toSet(ids []coverage.InputID) map[coverage.InputID]struct{} {
	set := make(map[coverage.InputID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// GetRunTimesForFuzzerId returns the (min, max) executed_on bounds
// recorded over derived inputs for configID. ok is false for a
// configuration that has ingested no derived inputs (a seeds-only
// configuration has no bounds; see the decision recorded in
// DESIGN.md).
func (db *DB) GetRunTimesForFuzzerId(configID uint32) (min, max int64, ok bool) {
	rng := db.minMaxTimes[configID]
	if rng == nil {
		return 0, 0, false
	}
	return rng.Min, rng.Max, true
}

// readRawBytes reads the on-disk file for a fuzzer input given its
// filename stem, replacing "::" with "," as the registration protocol
// requires (§4.5.1). Read errors are logged and yield nil, matching the
// original's tolerance for missing raw input files.
func (db *DB) readRawBytes(configID uint32, stem string) []byte {
	fc, ok := db.fuzzerConfigs[configID]
	if !ok {
		return nil
	}
	name := strings.ReplaceAll(stem, "::", ",")
	path := filepath.Join(fc.InputsDirectoryPath, name)
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warnf("inputsdb: unable to read raw input %s: %v", path, err)
		return nil
	}
	return data
}

// CompareInputs computes the byte-index -> change-count map for a seed
// and its registered descendants (§4.5.4).
func (db *DB) CompareInputs(configID uint32, seedFuzzID uint32) (map[int]uint32, error) {
	seedID, ok := db.fuzzerInputIDToInputID[configFuzzID{configID, seedFuzzID}]
	if !ok || !db.isSeed(seedID, configID) {
		return nil, errors.Errorf("inputsdb: unknown initial seed %d for config %d", seedFuzzID, configID)
	}
	seedMeta := db.initialSeedsInputMeta[configID][seedID]
	seedBytes := db.readRawBytes(configID, seedMeta.FileNameStem)

	prev := make(map[int]byte, len(seedBytes))
	counts := make(map[int]uint32, len(seedBytes))
	for i, b := range seedBytes {
		prev[i] = b
		counts[i] = 0
	}

	for _, childID := range db.childrenIndex[configFuzzID{configID, seedFuzzID}] {
		childMeta, ok := db.inputIDToInputMeta[childID]
		if !ok {
			continue
		}
		childBytes := db.readRawBytes(configID, childMeta.FileNameStem)
		for i, b := range childBytes {
			if old, existed := prev[i]; existed {
				if old != b {
					counts[i]++
				}
			} else {
				counts[i] = 1
			}
			prev[i] = b
		}
	}

	return counts, nil
}

// InitialSeeds returns the initial-seed InputIDs registered for
// configID, in registration order.
func (db *DB) InitialSeeds(configID uint32) []coverage.InputID {
	return db.fuzzerIDInitialSeeds[configID]
}

// DerivedInputs returns the derived-input InputIDs registered for
// configID, in registration order.
func (db *DB) DerivedInputs(configID uint32) []coverage.InputID {
	return db.fuzzerIDInputID[configID]
}

func (db *DB) InitialSeedMeta(configID uint32, id coverage.InputID) (*coverage.InputMeta, bool) {
	meta, ok := db.initialSeedsInputMeta[configID][id]
	return meta, ok
}

func (db *DB) InputMeta(id coverage.InputID) (*coverage.InputMeta, bool) {
	meta, ok := db.inputIDToInputMeta[id]
	return meta, ok
}

func (db *DB) FuzzerConfigurations() map[uint32]config.FuzzerConfig {
	return db.fuzzerConfigs
}

// LineCoverageForFile filters inputID's source-line coverage down to
// lines belonging to fileID and returns their LineMetas.
func (db *DB) LineCoverageForFile(inputID coverage.InputID, fileID coverage.FileID) []*coverage.LineMeta {
	var meta *coverage.InputMeta
	if m, ok := db.inputIDToInputMeta[inputID]; ok {
		meta = m
	} else {
		for _, seeds := range db.initialSeedsInputMeta {
			if m, ok := seeds[inputID]; ok {
				meta = m
				break
			}
		}
	}
	if meta == nil {
		return nil
	}
	var lines []*coverage.LineMeta
	for lineID := range meta.SourceLineCoverage {
		if lineID.File != fileID {
			continue
		}
		if lm, ok := db.sut.LineMeta(lineID); ok {
			lines = append(lines, lm)
		}
	}
	return lines
}

// InitialSeedLineCoverageForFile returns, per initial seed (keyed by its
// fuzzer-local id), the LineMetas of fileID it covers.
func (db *DB) InitialSeedLineCoverageForFile(configID uint32, fileID coverage.FileID) map[uint32][]*coverage.LineMeta {
	result := make(map[uint32][]*coverage.LineMeta)
	for _, seedID := range db.fuzzerIDInitialSeeds[configID] {
		meta := db.initialSeedsInputMeta[configID][seedID]
		result[meta.FuzzInputID] = db.LineCoverageForFile(seedID, fileID)
	}
	return result
}

// ChildrenLineCoverageForFile returns, per descendant of seedFuzzID
// (keyed by its global InputID), the LineMetas of fileID it covers. It
// returns an empty map immediately if the seed has no children entry.
func (db *DB) ChildrenLineCoverageForFile(configID uint32, seedFuzzID uint32, fileID coverage.FileID) map[coverage.InputID][]*coverage.LineMeta {
	result := make(map[coverage.InputID][]*coverage.LineMeta)
	if !db.HasChildrenFor(configID, seedFuzzID) {
		return result
	}
	for _, childID := range db.childrenIndex[configFuzzID{configID, seedFuzzID}] {
		if _, ok := db.inputIDToInputMeta[childID]; !ok {
			continue
		}
		result[childID] = db.LineCoverageForFile(childID, fileID)
	}
	return result
}

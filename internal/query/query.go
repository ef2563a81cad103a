// Package query is the read-only facade (component F) that the HTTP
// layer consumes: it composes projections out of the SUT index and the
// inputs database without mutating either. The only logic here worth
// its own name is time normalization and temporal clustering; every
// other method is a thin, read-only reshaping of what C and E already
// hold.
package query

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"fzcoverage.dev/fzcoverage/internal/config"
	"fzcoverage.dev/fzcoverage/internal/coverage"
	"fzcoverage.dev/fzcoverage/internal/inputsdb"
	"fzcoverage.dev/fzcoverage/internal/sut"
)

var (
	anchorOnce   sync.Once
	anchorMillis int64
)

// normalizedAnchorMillis returns midnight of 2024-01-01 in the local
// timezone, expressed in milliseconds since the Unix epoch. It is
// computed once per process and memoized (§4.6, §9): every normalized
// timestamp in every response is relative to this fixed reference
// regardless of when the fuzzer actually ran.
func normalizedAnchorMillis() int64 {
	anchorOnce.Do(func() {
		anchorMillis = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.Local).UnixMilli()
	})
	return anchorMillis
}

// Facade is the query-only view over one ingested coverage model.
type Facade struct {
	sut *sut.Index
	db  *inputsdb.DB
}

func New(index *sut.Index, db *inputsdb.DB) *Facade {
	return &Facade{sut: index, db: db}
}

// FuzzerInfo is the per-configuration summary served by /fuzzer_info.
type FuzzerInfo struct {
	FuzzerConfigurationID            uint32                  `json:"fuzzer_configuration_id"`
	FuzzerConfigurationName          string                  `json:"fuzzer_configuration_name"`
	TotalInitialSeeds                int                     `json:"total_initial_seeds"`
	TotalInputs                      int                     `json:"total_inputs"`
	InitialSeedsChildrenInputIDMap   map[uint32][][2]uint32  `json:"initial_seeds_children_input_id_map"`
	RunTime                          float32                 `json:"run_time"`
}

func (f *Facade) FuzzerInfo() []FuzzerInfo {
	var response []FuzzerInfo

	for _, configID := range sortedConfigIDs(f.db.FuzzerConfigurations()) {
		cfg := f.db.FuzzerConfigurations()[configID]
		minT, maxT, _ := f.db.GetRunTimesForFuzzerId(configID)

		info := FuzzerInfo{
			FuzzerConfigurationID:          configID,
			FuzzerConfigurationName:        cfg.FuzzerConfiguration,
			TotalInitialSeeds:              len(f.db.InitialSeeds(configID)),
			TotalInputs:                    len(f.db.DerivedInputs(configID)),
			InitialSeedsChildrenInputIDMap: make(map[uint32][][2]uint32),
			RunTime:                        float32(maxT-minT) / float32(1000*60*60),
		}

		for _, seedID := range f.db.InitialSeeds(configID) {
			seedMeta, ok := f.db.InitialSeedMeta(configID, seedID)
			if !ok || !f.db.HasChildrenFor(configID, seedMeta.FuzzInputID) {
				continue
			}
			children, err := f.db.GetAllChildrenInputIDsFor(configID, []uint32{seedMeta.FuzzInputID})
			if err != nil {
				continue
			}
			for _, childID := range children {
				childMeta, ok := f.db.InputMeta(childID)
				if !ok {
					continue
				}
				info.InitialSeedsChildrenInputIDMap[seedMeta.FuzzInputID] = append(
					info.InitialSeedsChildrenInputIDMap[seedMeta.FuzzInputID],
					[2]uint32{uint32(childID), childMeta.FuzzInputID},
				)
			}
		}

		response = append(response, info)
	}

	return response
}

// OverviewInfo is one entry of the /line_coverage response.
type OverviewInfo struct {
	InputID        uint32 `json:"input_id"`
	ExecutedOn     int64  `json:"executed_on"`
	FuzzerCoverage uint32 `json:"fuzzer_coverage"`
}

// LineCoverageOverTime returns, per configuration, a map from
// normalized executed_on to the overview of the input that ran then.
func (f *Facade) LineCoverageOverTime() map[uint32]map[int64]OverviewInfo {
	ret := make(map[uint32]map[int64]OverviewInfo)

	for _, configID := range sortedConfigIDs(f.db.FuzzerConfigurations()) {
		ret[configID] = make(map[int64]OverviewInfo)
		minT, _, _ := f.db.GetRunTimesForFuzzerId(configID)
		delta := minT - normalizedAnchorMillis()

		for _, inputID := range f.db.DerivedInputs(configID) {
			meta, ok := f.db.InputMeta(inputID)
			if !ok {
				continue
			}
			exTime := meta.ExecutedOn - delta
			ret[configID][exTime] = OverviewInfo{
				InputID:        meta.FuzzInputID,
				ExecutedOn:     exTime,
				FuzzerCoverage: meta.FuzzerCoverage,
			}
		}
	}

	return ret
}

// FileInfo is one entry of the /sut response.
type FileInfo struct {
	Name                string                   `json:"name"`
	ID                   coverage.FileID          `json:"id"`
	Lines                []*coverage.LineMeta     `json:"lines"`
	Content              string                   `json:"content"`
	UniqueLinesCovered   map[uint32]uint32        `json:"unique_lines_covered"`
}

// SUT returns every interned file, sorted by FileID, with its line
// table, its full (trailing-newline-trimmed) content, and its
// per-configuration unique-line-hit counts -- absent configurations
// report 0 rather than being omitted.
func (f *Facade) SUT() []FileInfo {
	allFiles := f.sut.AllFileMeta()
	ids := make([]coverage.FileID, 0, len(allFiles))
	for id := range allFiles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	configIDs := sortedConfigIDs(f.db.FuzzerConfigurations())

	response := make([]FileInfo, 0, len(ids))
	for _, id := range ids {
		meta := allFiles[id]

		lines := f.sut.AllLines(id)
		sort.Slice(lines, func(i, j int) bool { return lines[i].LineNum < lines[j].LineNum })

		content := f.sut.ReadFileContent(meta.Path)
		content = strings.TrimSuffix(content, "\n")

		covered := make(map[uint32]uint32, len(meta.UniqueLineHits))
		for c, n := range meta.UniqueLineHits {
			covered[c] = n
		}
		for _, c := range configIDs {
			if _, ok := covered[c]; !ok {
				covered[c] = 0
			}
		}

		response = append(response, FileInfo{
			Name:               filepath.Base(meta.Path),
			ID:                 id,
			Lines:              lines,
			Content:            content,
			UniqueLinesCovered: covered,
		})
	}

	return response
}

// SUTFileIDNameMap maps every FileID to its display name.
func (f *Facade) SUTFileIDNameMap() map[coverage.FileID]string {
	result := make(map[coverage.FileID]string)
	for id, meta := range f.sut.AllFileMeta() {
		result[id] = filepath.Base(meta.Path)
	}
	return result
}

// InputClusters is the per-cluster aggregate built by InputClusters.
type InputClusters struct {
	InitialSeeds        map[uint32]float32                `json:"initial_seeds"`
	Inputs               map[coverage.InputID]LineAndCoverage `json:"inputs"`
	TotalFuzzerCoverage  uint32                             `json:"total_fuzzer_coverage"`
	TotalInputs          int                                `json:"total_inputs"`
}

func newInputClusters() *InputClusters {
	return &InputClusters{
		InitialSeeds: make(map[uint32]float32),
		Inputs:       make(map[coverage.InputID]LineAndCoverage),
	}
}

type LineAndCoverage struct {
	FuzzerCoverage uint32 `json:"fuzzer_coverage"`
}

// InputClusters buckets every derived input of every configuration into
// fixed-width time clusters (§4.6). clusterThresholdSeconds is
// multiplied by 60*1000 to get the cluster width in milliseconds, so
// each unit of it is one minute of width.
func (f *Facade) InputClusters(clusterThresholdSeconds int64) map[uint32]map[int64]*InputClusters {
	response := make(map[uint32]map[int64]*InputClusters)
	clusterWidth := clusterThresholdSeconds * 60 * 1000

	for _, configID := range sortedConfigIDs(f.db.FuzzerConfigurations()) {
		clusters := make(map[int64]*InputClusters)
		response[configID] = clusters

		minT, maxT, ok := f.db.GetRunTimesForFuzzerId(configID)
		if !ok || clusterWidth <= 0 {
			continue
		}
		delta := minT - normalizedAnchorMillis()

		numClusters := (maxT - minT) / clusterWidth
		for i := int64(1); i <= numClusters+1; i++ {
			key := (minT + i*clusterWidth) - delta
			if _, ok := clusters[key]; !ok {
				clusters[key] = newInputClusters()
			}
		}

		for _, inputID := range f.db.DerivedInputs(configID) {
			meta, ok := f.db.InputMeta(inputID)
			if !ok {
				continue
			}
			clusterIndex := ((meta.ExecutedOn - delta) - (minT - delta)) / clusterWidth
			clusterIndex++
			key := normalizedAnchorMillis() + clusterIndex*clusterWidth

			cluster, ok := clusters[key]
			if !ok {
				continue
			}
			cluster.TotalFuzzerCoverage += meta.FuzzerCoverage

			parents := f.db.GetInitialSeedParentsFor(inputID, configID)
			if len(parents) > 0 {
				share := float32(meta.FuzzerCoverage) / float32(len(parents))
				for parentID := range parents {
					parentMeta, ok := f.db.InitialSeedMeta(configID, parentID)
					if !ok {
						continue
					}
					cluster.InitialSeeds[parentMeta.FuzzInputID] += share
				}
			}

			cluster.Inputs[inputID] = LineAndCoverage{FuzzerCoverage: meta.FuzzerCoverage}
		}
	}

	return response
}

// InitialSeedComparison is the run-length-compressed byte diff served
// by /compare_inputs.
type InitialSeedComparison struct {
	InitialSeedID          uint32           `json:"initial_seed_id"`
	ByteModificationCounts map[int]uint32   `json:"byte_modification_counts"`
}

// CompareInputs compresses compare_inputs' full per-byte counts map,
// keeping only the indices where the count changes from the previous
// index (ordered by byte index, starting from index 0's count).
func (f *Facade) CompareInputs(configID uint32, seedFuzzID uint32) (InitialSeedComparison, error) {
	counts, err := f.db.CompareInputs(configID, seedFuzzID)
	if err != nil {
		return InitialSeedComparison{}, err
	}

	keys := make([]int, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	compressed := make(map[int]uint32)
	var previous uint32
	if len(keys) > 0 {
		previous = counts[0]
	}
	for _, k := range keys {
		current := counts[k]
		if current != previous {
			compressed[k] = current
			previous = current
		}
	}

	return InitialSeedComparison{InitialSeedID: seedFuzzID, ByteModificationCounts: compressed}, nil
}

// InitialSeedsLineCoverageForFile returns, per configuration, per seed
// fuzz_input_id, that seed's LineMetas for fileID.
func (f *Facade) InitialSeedsLineCoverageForFile(fileID coverage.FileID) map[uint32]map[uint32][]*coverage.LineMeta {
	response := make(map[uint32]map[uint32][]*coverage.LineMeta)
	for _, configID := range sortedConfigIDs(f.db.FuzzerConfigurations()) {
		response[configID] = f.db.InitialSeedLineCoverageForFile(configID, fileID)
	}
	return response
}

// LineCoverageForFile returns the named child's LineMetas for fileID.
func (f *Facade) LineCoverageForFile(configID uint32, fileID coverage.FileID, seedFuzzID uint32, childID coverage.InputID) ([]*coverage.LineMeta, error) {
	children := f.db.ChildrenLineCoverageForFile(configID, seedFuzzID, fileID)
	lines, ok := children[childID]
	if !ok {
		return nil, errors.Errorf("query: unknown child %d for seed %d", childID, seedFuzzID)
	}
	return lines, nil
}

// TimelineNode and TimelineEdge describe the lineage graph served by
// /initial_seed_timeline.
type TimelineNode struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	XExecutedOn    int64  `json:"x_executed_on"`
	YFuzzerCoverage uint32 `json:"y_fuzzer_coverage"`
	MetaData       string `json:"meta_data"`
	Multiple       bool   `json:"multiple"`
}

type TimelineEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type Timeline struct {
	Nodes []TimelineNode `json:"nodes"`
	Edges []TimelineEdge `json:"edges"`
}

// InitialSeedTimeline builds the lineage graph rooted at the given
// seeds: one synthetic node per requested seed plus one per descendant,
// edges parent->child, and every descendant's executed_on normalized by
// the LAST requested seed's delta (matching the original's accumulation
// over the request loop).
func (f *Facade) InitialSeedTimeline(configID uint32, seedFuzzIDs []uint32) (Timeline, error) {
	timeline := Timeline{}
	var delta int64

	for _, seedFuzzID := range seedFuzzIDs {
		seedID, ok := f.seedInputIDByFuzzID(configID, seedFuzzID)
		if !ok {
			return Timeline{}, errors.Errorf("query: unknown initial seed %d", seedFuzzID)
		}
		seedMeta, _ := f.db.InitialSeedMeta(configID, seedID)
		delta = seedMeta.ExecutedOn - normalizedAnchorMillis()

		timeline.Nodes = append(timeline.Nodes, TimelineNode{
			ID:          "seed-" + strconv.FormatUint(uint64(seedFuzzID), 10),
			Name:        "seed-" + strconv.FormatUint(uint64(seedFuzzID), 10),
			XExecutedOn: seedMeta.ExecutedOn - delta,
			MetaData:    "initial seed-" + strconv.FormatUint(uint64(seedFuzzID), 10),
		})
	}

	children, err := f.db.GetAllChildrenInputIDsFor(configID, seedFuzzIDs)
	if err != nil {
		return Timeline{}, err
	}

	for _, childID := range children {
		meta, ok := f.db.InputMeta(childID)
		if !ok {
			continue
		}

		node := TimelineNode{
			ID:              "seed-" + strconv.FormatUint(uint64(childID), 10),
			Name:            "seed-" + strconv.FormatUint(uint64(meta.FuzzInputID), 10),
			XExecutedOn:     meta.ExecutedOn - delta,
			YFuzzerCoverage: meta.FuzzerCoverage,
			Multiple:        len(meta.Parents) > 1,
		}

		var metaParts []string
		for _, parentFuzzID := range meta.Parents {
			if f.db.HasChildrenFor(configID, parentFuzzID) {
				timeline.Edges = append(timeline.Edges, TimelineEdge{
					Source: "seed-" + strconv.FormatUint(uint64(parentFuzzID), 10),
					Target: node.ID,
				})
				metaParts = append(metaParts, "initial seed-"+strconv.FormatUint(uint64(parentFuzzID), 10))
				continue
			}
			parentID, ok := f.derivedInputIDByFuzzID(configID, parentFuzzID)
			if !ok {
				continue
			}
			timeline.Edges = append(timeline.Edges, TimelineEdge{
				Source: "seed-" + strconv.FormatUint(uint64(parentID), 10),
				Target: node.ID,
			})
			if parentMeta, ok := f.db.InputMeta(parentID); ok {
				metaParts = append(metaParts, "seed-"+strconv.FormatUint(uint64(parentMeta.FuzzInputID), 10))
			}
		}
		node.MetaData = strings.Join(metaParts, ", ")

		timeline.Nodes = append(timeline.Nodes, node)
	}

	return timeline, nil
}

func (f *Facade) seedInputIDByFuzzID(configID uint32, fuzzID uint32) (coverage.InputID, bool) {
	for _, id := range f.db.InitialSeeds(configID) {
		if meta, ok := f.db.InitialSeedMeta(configID, id); ok && meta.FuzzInputID == fuzzID {
			return id, true
		}
	}
	return coverage.NoInputID, false
}

func (f *Facade) derivedInputIDByFuzzID(configID uint32, fuzzID uint32) (coverage.InputID, bool) {
	for _, id := range f.db.DerivedInputs(configID) {
		if meta, ok := f.db.InputMeta(id); ok && meta.FuzzInputID == fuzzID {
			return id, true
		}
	}
	return coverage.NoInputID, false
}

func sortedConfigIDs(configs map[uint32]config.FuzzerConfig) []uint32 {
	ids := make([]uint32, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

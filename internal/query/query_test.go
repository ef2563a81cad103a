package query

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fzcoverage.dev/fzcoverage/internal/config"
	"fzcoverage.dev/fzcoverage/internal/inputsdb"
	"fzcoverage.dev/fzcoverage/internal/sut"
)

type stubResolver struct {
	srcPath string
}

func (s stubResolver) FindLocation(addr uint64) (string, int, bool) {
	switch addr {
	case 0x10:
		return s.srcPath, 2, true
	case 0x14:
		return s.srcPath, 3, true
	}
	return "", 0, false
}

func writeDrCovTrace(t *testing.T, path string) {
	t.Helper()
	var buf []byte
	buf = append(buf, []byte("DRCOV VERSION: 2\n")...)
	buf = append(buf, []byte("Module Table: version 2, count 1\n")...)
	buf = append(buf, []byte("Columns: id, base, end, entry, path\n")...)
	buf = append(buf, []byte("0, 0x1000, 0x2000, 0x1000, /bin/target\n")...)
	buf = append(buf, []byte("BB Table: 1 bbs\n")...)
	buf = append(buf, []byte{0x10, 0, 0, 0, 4, 0, 0, 0}...)
	require.NoError(t, os.WriteFile(path, buf, 0644))
}

// buildFacade ingests one seed (fuzz id 0) and two derived inputs (fuzz
// id 2 from the seed, fuzz id 3 from 2) into a fresh coverage model and
// returns the read-only facade over it.
func buildFacade(t *testing.T) *Facade {
	t.Helper()
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "main.c")
	require.NoError(t, os.WriteFile(srcPath, []byte("int main() {\n\tint x = 1;\n\treturn x;\n}\n"), 0644))

	target := config.TargetConfig{TargetPath: "target", TargetSourceCodePath: dir}
	index := sut.New()
	index.Configure(target)

	db := inputsdb.New(target, index)
	db.AddFuzzerConfiguration(config.FuzzerConfig{FuzzerConfigurationID: 0, FuzzerConfiguration: "libfuzzer"})

	res := stubResolver{srcPath: srcPath}
	tracesDir := t.TempDir()
	writeTraceFile := func(name string) string {
		p := filepath.Join(tracesDir, name)
		writeDrCovTrace(t, p)
		return p
	}

	require.NoError(t, db.AddInput(writeTraceFile("id:000000::executed_on:1000::execs:0::orig:a.trace"), res, 0))
	require.NoError(t, db.AddInput(writeTraceFile("id:000002::executed_on:2000::execs:1::src:000000::time:1::edges_found:10.trace"), res, 0))
	require.NoError(t, db.AddInput(writeTraceFile("id:000003::executed_on:3000::execs:2::src:000002::time:2::edges_found:20.trace"), res, 0))

	db.PostProcess()
	return New(index, db)
}

func TestFuzzerInfoReportsTotalsAndChildren(t *testing.T) {
	f := buildFacade(t)

	info := f.FuzzerInfo()
	require.Len(t, info, 1)
	assert.Equal(t, uint32(0), info[0].FuzzerConfigurationID)
	assert.Equal(t, "libfuzzer", info[0].FuzzerConfigurationName)
	assert.Equal(t, 1, info[0].TotalInitialSeeds)
	assert.Equal(t, 2, info[0].TotalInputs)

	children := info[0].InitialSeedsChildrenInputIDMap[0]
	assert.Len(t, children, 2)
}

func TestSUTReportsFileContentAndUniqueLineHits(t *testing.T) {
	f := buildFacade(t)

	files := f.SUT()
	require.Len(t, files, 1)
	assert.Equal(t, "main.c", files[0].Name)
	assert.NotEmpty(t, files[0].Content)
	// The stub resolver maps every basic block onto lines 2-3, so the
	// unique-line-hit count for configuration 0 is exactly 2.
	assert.Equal(t, uint32(2), files[0].UniqueLinesCovered[0])
}

func TestLineCoverageOverTimeNormalizesExecutedOn(t *testing.T) {
	f := buildFacade(t)

	byConfig := f.LineCoverageOverTime()
	require.Contains(t, byConfig, uint32(0))
	assert.Len(t, byConfig[0], 2)

	anchor := normalizedAnchorMillis()
	// min executed_on among derived inputs is 2000; delta = 2000 - anchor.
	// So executed_on=2000 normalizes to anchor, and 3000 to anchor+1000.
	_, hasAnchor := byConfig[0][anchor]
	_, hasAnchorPlus1000 := byConfig[0][anchor+1000]
	assert.True(t, hasAnchor)
	assert.True(t, hasAnchorPlus1000)
}

func TestInputClustersBucketsByWidth(t *testing.T) {
	f := buildFacade(t)

	// 1-minute-wide clusters; both derived inputs (2000ms, 3000ms apart
	// by 1s) fall within the same single cluster.
	clusters := f.InputClusters(1)
	require.Contains(t, clusters, uint32(0))
	require.NotEmpty(t, clusters[0])

	var total uint32
	for _, c := range clusters[0] {
		total += c.TotalFuzzerCoverage
		// TotalInputs is never populated by InputClusters, matching the
		// original server's always-zero field.
		assert.Equal(t, 0, c.TotalInputs)
	}
	assert.Equal(t, uint32(30), total)
}

func TestCompareInputsWithoutRawFilesIsEmpty(t *testing.T) {
	f := buildFacade(t)

	// No raw input files exist on disk for this fuzzer configuration, so
	// the seed's byte slice is empty and the comparison is trivially
	// empty -- exercising the "seed has no on-disk bytes" edge rather
	// than failing.
	result, err := f.CompareInputs(0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), result.InitialSeedID)
	assert.Empty(t, result.ByteModificationCounts)
}

func TestInitialSeedTimelineBuildsGraph(t *testing.T) {
	f := buildFacade(t)

	timeline, err := f.InitialSeedTimeline(0, []uint32{0})
	require.NoError(t, err)

	// One seed node plus two descendant nodes (fuzz ids 2 and 3).
	assert.Len(t, timeline.Nodes, 3)
	assert.Len(t, timeline.Edges, 2)
}

func TestInitialSeedTimelineUnknownSeedFails(t *testing.T) {
	f := buildFacade(t)

	_, err := f.InitialSeedTimeline(0, []uint32{99})
	assert.Error(t, err)
}

// Package ingest is the load-phase orchestrator: it is the external
// collaborator the specification describes in §2's data flow but
// deliberately leaves out of the core -- walking each fuzzer's trace
// directory and driving the SUT index, the trace mapper, and the
// inputs database through one pass of ingestion, then freezing the
// model by calling PostProcess.
package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattn/go-zglob"
	"github.com/pkg/errors"

	"fzcoverage.dev/fzcoverage/internal/config"
	"fzcoverage.dev/fzcoverage/internal/inputsdb"
	"fzcoverage.dev/fzcoverage/internal/query"
	"fzcoverage.dev/fzcoverage/internal/resolver"
	"fzcoverage.dev/fzcoverage/internal/sut"
	"fzcoverage.dev/fzcoverage/pkg/log"
)

// Load ingests every fuzzer configuration named in cfg and returns a
// read-only query facade over the resulting coverage model. This is the
// single-threaded, sequential ingestion phase (§5): nothing here may
// run concurrently with itself, and nothing it builds is mutated again
// once it returns.
func Load(cfg *config.UserConfig) (*query.Facade, error) {
	index := sut.New()
	index.Configure(cfg.TargetInfo)

	res, err := resolver.New(cfg.TargetInfo.TargetPath)
	if err != nil {
		return nil, errors.Wrap(err, "loading debug info for target binary")
	}

	db := inputsdb.New(cfg.TargetInfo, index)

	for _, fc := range cfg.FuzzerInfos {
		db.AddFuzzerConfiguration(fc)

		traces, err := traceFiles(fc.TracesDirectoryPath)
		if err != nil {
			return nil, errors.Wrapf(err, "listing traces for %s", fc.FuzzerConfiguration)
		}

		log.CreateCurrentProgressSpinner(nil, fmt.Sprintf(
			"Ingesting %d traces for %s", len(traces), fc.FuzzerConfiguration))

		for _, tracePath := range traces {
			if err := db.AddInput(tracePath, res, fc.FuzzerConfigurationID); err != nil {
				log.StopCurrentProgressSpinner(log.GetPtermErrorStyle(), "Ingestion failed")
				return nil, errors.Wrapf(err, "ingesting %s", tracePath)
			}
		}

		log.StopCurrentProgressSpinner(log.GetPtermSuccessStyle(), fmt.Sprintf(
			"Ingested %d traces for %s", len(traces), fc.FuzzerConfiguration))
	}

	db.PostProcess()

	return query.New(index, db), nil
}

// traceFiles returns every regular file directly and recursively under
// dir, sorted lexically so that InputID assignment -- and everything
// downstream that depends on registration order -- is deterministic
// across runs over the same directory (§5, §9).
func traceFiles(dir string) ([]string, error) {
	matches, err := zglob.Glob(filepath.Join(dir, "**", "*"))
	if err != nil {
		if os.IsNotExist(err) || strings.Contains(err.Error(), "not found") {
			return nil, nil
		}
		return nil, err
	}

	files := matches[:0]
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}

// Command fzcoverage ingests DrCov traces and fuzzer inputs described by
// a configuration file and serves the resulting coverage model to a
// presentation layer, or inspects it directly from the terminal.
package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"fzcoverage.dev/fzcoverage/internal/cmd/inspect"
	"fzcoverage.dev/fzcoverage/internal/cmd/serve"
	"fzcoverage.dev/fzcoverage/internal/cmd/show"
	"fzcoverage.dev/fzcoverage/pkg/log"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error(errors.WithStack(err))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "fzcoverage",
		Short:         "Ingest and query coverage-guided fuzzer traces",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(serve.New(), inspect.New(), show.New())

	return root
}

// Package show implements the "show" subcommand: it ingests a
// configuration and prints one source file to the terminal with its
// gutter colorized by hit count and comment status, a quick way to
// sanity-check that the resolver and the SUT index agree with what the
// fuzzer actually exercised.
package show

import (
	"fmt"
	"strings"

	"github.com/gookit/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"fzcoverage.dev/fzcoverage/internal/config"
	"fzcoverage.dev/fzcoverage/internal/coverage"
	"fzcoverage.dev/fzcoverage/internal/ingest"
)

type options struct {
	config string
	file   string
}

func New() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "show <config> <file>",
		Short: "Print one source file with its coverage gutter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.config = args[0]
			opts.file = args[1]
			return run(opts)
		},
	}

	return cmd
}

func run(opts *options) error {
	cfg, err := config.Load(opts.config)
	if err != nil {
		return errors.Wrap(err, "loading configuration")
	}

	facade, err := ingest.Load(cfg)
	if err != nil {
		return errors.Wrap(err, "ingesting coverage model")
	}

	files := facade.SUT()
	var target *int
	for i, f := range files {
		if f.Name == opts.file {
			idx := i
			target = &idx
			break
		}
	}
	if target == nil {
		return errors.Errorf("file %q not found in the coverage model", opts.file)
	}

	{
		f := files[*target]
		source := strings.Split(f.Content, "\n")
		for _, line := range f.Lines {
			gutter := fmt.Sprintf("%6d", line.LineNum)
			switch {
			case line.IsComment:
				color.Gray.Print(gutter)
			case line.HitCount > 0:
				color.Green.Print(gutter)
			default:
				color.Red.Print(gutter)
			}
			var text string
			if int(line.LineNum) <= len(source) {
				text = source[line.LineNum-1]
			}
			fmt.Printf(" %6d | %s\n", line.HitCount, text)
		}
	}

	return nil
}

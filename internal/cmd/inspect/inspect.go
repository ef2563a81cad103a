// Package inspect implements the "inspect" subcommand: it ingests a
// configuration the same way "serve" does, then pretty-prints a JSON
// projection of the coverage model to stdout so an operator can check
// that ingestion found what they expected without standing up the UI.
package inspect

import (
	"fmt"

	"github.com/hokaccha/go-prettyjson"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"fzcoverage.dev/fzcoverage/internal/config"
	"fzcoverage.dev/fzcoverage/internal/ingest"
)

type options struct {
	config string
	view   string
}

func New() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "inspect <config>",
		Short: "Ingest a configuration and print a JSON projection of it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.config = args[0]
			return run(opts)
		},
	}

	cmd.Flags().StringVar(&opts.view, "view", "fuzzer_info",
		`Which projection to print: "fuzzer_info", "sut", or "sut_file_info"`)

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

	var projection interface{}
	switch opts.view {
	case "fuzzer_info":
		projection = facade.FuzzerInfo()
	case "sut":
		projection = facade.SUT()
	case "sut_file_info":
		projection = facade.SUTFileIDNameMap()
	default:
		return errors.Errorf("unknown view %q", opts.view)
	}

	out, err := prettyjson.Marshal(projection)
	if err != nil {
		return errors.Wrap(err, "formatting projection")
	}
	fmt.Println(string(out))
	return nil
}

// Package serve implements the "serve" subcommand: it loads a
// configuration file, runs the ingestion phase, and serves the
// resulting coverage model over HTTP for the presentation layer.
package serve

import (
	"fmt"
	"net/http"

	"github.com/pkg/browser"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fzcoverage.dev/fzcoverage/internal/cmdutils"
	"fzcoverage.dev/fzcoverage/internal/config"
	"fzcoverage.dev/fzcoverage/internal/httpapi"
	"fzcoverage.dev/fzcoverage/internal/ingest"
	"fzcoverage.dev/fzcoverage/pkg/log"
)

type options struct {
	Port   uint `mapstructure:"port"`
	NoOpen bool `mapstructure:"no-open"`
	config string
}

func New() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "serve <config>",
		Short: "Ingest traces and serve the coverage model over HTTP",
		Long: `This command ingests the DrCov traces and fuzzer inputs named by
<config> and serves the resulting coverage model to the presentation
layer over a read-only HTTP interface.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdutils.ViperMustBindPFlag("port", cmd.Flags().Lookup("port"))
			cmdutils.ViperMustBindPFlag("no-open", cmd.Flags().Lookup("no-open"))
			opts.Port = viper.GetUint("port")
			opts.NoOpen = viper.GetBool("no-open")
			opts.config = args[0]
			return run(opts)
		},
	}

	cmd.Flags().Uint("port", 8080, "Port to serve the HTTP interface on")
	cmd.Flags().Bool("no-open", false, "Don't open the UI in a browser once the server is up")

	return cmd
}

func run(opts *options) error {
	cfg, err := config.Load(opts.config)
	if err != nil {
		return errors.Wrap(err, "loading configuration")
	}

	log.Infof("Ingesting traces for %d fuzzer configuration(s)", len(cfg.FuzzerInfos))
	facade, err := ingest.Load(cfg)
	if err != nil {
		return errors.Wrap(err, "ingesting coverage model")
	}
	log.Success("Ingestion complete")

	handler := httpapi.New(facade)
	addr := fmt.Sprintf(":%d", opts.Port)
	url := fmt.Sprintf("http://localhost:%d", opts.Port)

	if !opts.NoOpen {
		go func() {
			if err := browser.OpenURL(url); err != nil {
				log.Warnf("Unable to open browser: %v", err)
			}
		}()
	}

	log.Infof("Serving coverage model on %s", url)
	return errors.WithStack(http.ListenAndServe(addr, handler))
}

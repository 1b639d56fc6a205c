package main

import (
	"context"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/api"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle/store/file"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// exitCode only ever escalates during a run.
type exitCode int

const (
	successCode  exitCode = 0
	warningCode  exitCode = 1
	criticalCode exitCode = 2
)

func (c *exitCode) raise(to exitCode) {
	if to > *c {
		*c = to
	}
}

func runExitCode(run bundle.Run, err error) exitCode {
	code := successCode
	if run.Failed() > 0 {
		code.raise(warningCode)
	}
	if err != nil {
		code.raise(criticalCode)
	}
	return code
}

func exportCmd() *cobra.Command {
	var inputFile, outputDir string
	var workers int

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a key, a CSR and a keystore for every descriptor of a file",
		Long: "Reads one DN descriptor per line (CN=<name>,OU=..,C=..,O=..,L=..) and writes\n" +
			"<name>.csr, <name>.key and <name>.p12 to the output directory. The exit status\n" +
			"is 1 when some descriptors were skipped and 2 when the run could not complete.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if inputFile == "" {
				inputFile = cfg.InputFile
			}
			if outputDir == "" {
				outputDir = cfg.OutputDir
			}
			if workers == 0 {
				workers = cfg.Workers
			}

			input, err := ioutil.ReadFile(cfg.ResolvePath(inputFile))
			if err != nil {
				level.Error(logger).Log("err", err, "msg", "Could not read descriptor file")
				return err
			}

			files, err := file.NewFile(cfg.ResolvePath(outputDir), logger)
			if err != nil {
				level.Error(logger).Log("err", err, "msg", "Could not prepare output directory")
				return err
			}

			opts := []api.Option{api.WithWorkers(workers)}
			ledger, err := openLedger(cfg, logger)
			if err != nil {
				level.Error(logger).Log("err", err, "msg", "Could not start connection with export ledger database")
				return err
			}
			if ledger != nil {
				opts = append(opts, api.WithLedger(ledger))
			}

			var s api.Service
			{
				s = api.NewExporterService(cfg.KeystorePassphrase, files, logger, opts...)
				s = api.LoggingMiddleware(logger)(s)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			run, err := s.Export(ctx, string(input))
			if errors.Cause(err) == api.ErrEmptyInput {
				level.Warn(logger).Log("msg", "Descriptor file holds no descriptors", "input", inputFile)
				return nil
			}
			report(logger, run)

			code := runExitCode(run, err)
			if code != successCode {
				stop()
				os.Exit(int(code))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputFile, "input", "i", "", "descriptor file, one DN per line (default from INPUT_FILE)")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "directory receiving the artifacts (default from OUTPUT_DIR)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "descriptors processed concurrently (default from WORKERS, else one per CPU)")
	return cmd
}

// report logs one line per descriptor. Artifacts never reach the log.
func report(logger log.Logger, run bundle.Run) {
	for _, res := range run.Results {
		if res.Err != nil {
			level.Warn(logger).Log("line", res.Line, "status", res.Status(), "kind", res.Err.Kind, "input", res.Input, "err", res.Err.Err)
			continue
		}
		level.Info(logger).Log("line", res.Line, "status", res.Status(), "common_name", res.CommonName)
	}
	level.Info(logger).Log("msg", "Export finished", "run_id", run.ID, "succeeded", run.Succeeded(), "failed", run.Failed())
}

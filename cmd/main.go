package main

import (
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/config"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle/store"
	exportdb "github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle/store/db"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "dms-keystore-exporter",
		Short:         "Generate RSA keys, CSRs and PKCS#12 keystores from DN descriptors",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(int(criticalCode))
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("dms-keystore-exporter version %s\n", version)
		},
	}
}

func newLogger(logLevel string) log.Logger {
	var logger log.Logger
	{
		logger = log.NewJSONLogger(os.Stdout)
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = level.NewFilter(logger, levelOption(logLevel))
		logger = log.With(logger, "caller", log.DefaultCaller)
	}
	return logger
}

func levelOption(logLevel string) level.Option {
	switch strings.ToLower(logLevel) {
	case "debug":
		return level.AllowDebug()
	case "warn", "warning":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

// loadConfig reads the environment configuration and builds the logger it
// asks for. Failures are reported on a default logger.
func loadConfig() (config.Config, log.Logger, error) {
	cfg, err := config.NewConfig("")
	if err != nil {
		logger := newLogger("info")
		level.Error(logger).Log("err", err, "msg", "Could not read environment configuration values")
		return config.Config{}, logger, err
	}
	logger := newLogger(cfg.LogLevel)
	level.Info(logger).Log("msg", "Environment configuration values loaded")
	return cfg, logger, nil
}

// openLedger returns nil when no ledger driver is configured.
func openLedger(cfg config.Config, logger log.Logger) (store.DB, error) {
	switch cfg.LedgerDriver {
	case config.PostgresLedger:
		return exportdb.NewDB(exportdb.PostgresDriver, cfg.PostgresDSN(), logger)
	case config.SqliteLedger:
		return exportdb.NewDB(exportdb.SqliteDriver, cfg.ResolvePath(cfg.SqlitePath), logger)
	default:
		return nil, nil
	}
}

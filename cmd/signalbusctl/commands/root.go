// Package commands implements the signalbusctl CLI: a small operator tool
// for exercising a dispatch Bus from the command line and inspecting its
// diagnostic state.
package commands

import (
	"fmt"
	"os"

	"github.com/btcsuite/btclog/v2"
	"github.com/spf13/cobra"

	"github.com/signalforge/signalbus/dispatch"
	"github.com/signalforge/signalbus/internal/build"
	"github.com/signalforge/signalbus/internal/config"
)

var (
	configPath  string
	diagTarget  string
	faultIso    bool
	logDir      string
)

var rootCmd = &cobra.Command{
	Use:   "signalbusctl",
	Short: "Operate and inspect a signalbus dispatch engine",
	Long: `signalbusctl drives a dispatch Bus from the command line: register
demo handlers, fire sample emissions, and print the resulting diagnostic
rings as tables or Markdown reports.`,
	PersistentPreRunE: setupLogging,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(),
		"Path to config file")
	rootCmd.PersistentFlags().StringVar(&diagTarget, "diagnostics", "",
		"Override diagnostics target: off, bus, token, all")
	rootCmd.PersistentFlags().BoolVar(&faultIso, "fault-isolate", false,
		"Override fault isolation: continue delivery past a handler fault")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "",
		"Directory for rotating log files (empty disables file logging)")

	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging installs the package-level btclog logger used by the
// dispatch package, fanning out to stderr and, if logDir is set, a
// rotating log file, mirroring lnd's dual-stream handler-set pattern.
func setupLogging(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var handlers []btclog.Handler
	handlers = append(handlers, btclog.NewDefaultHandler(os.Stderr))

	if logDir != "" {
		rotator := build.NewRotatingLogWriter()
		if err := rotator.InitLogRotator(&build.LogRotatorConfig{
			LogDir:   logDir,
			Filename: cfg.Logging.Filename,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to init log rotator: %v\n", err)
		} else {
			handlers = append(handlers, btclog.NewDefaultHandler(rotator))
		}
	}

	combined := build.NewHandlerSet(handlers...)
	dispatch.UseLogger(btclog.NewSLogger(combined))
	return nil
}

// loadConfig loads the operator's config file, applying any CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if diagTarget != "" {
		cfg.Diagnostics = diagTarget
	}
	if faultIso {
		cfg.FaultIsolate = true
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

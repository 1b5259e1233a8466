// argus runs documents through the multi-node extraction pipeline.
//
// Usage:
//
//	argus run --catalog catalog.yaml --document doc.json [--flag has_tables] [-o report.json]
//	argus serve --catalog catalog.yaml [--metrics-addr :9090]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	logLevel string
	logDev   bool
}

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "argus",
	Short: "Multi-node document extraction orchestrator",
	Long: `Argus selects extraction nodes from detected feature flags, runs them in
priority groups with bounded concurrency and merges their outputs into one
report. When the pipeline cannot produce a report the legacy single-pass
analysis is used instead.

Inference is delegated over NATS request/reply to <prefix>.detect,
<prefix>.extract and <prefix>.legacy.`,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		l, err := logging.New(rootFlags.logLevel, rootFlags.logDev)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = logger.Sync()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.logLevel, "log-level", envOr(logging.EnvLevel, "info"), "Log level (debug, info, warn, error)")
	pf.BoolVar(&rootFlags.logDev, "log-dev", os.Getenv(logging.EnvDevelopment) == "true", "Human-readable console logs")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

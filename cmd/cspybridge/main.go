// Package main is the entry point for the cspybridge command.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/cspybridge/internal/app"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath  string
	workbench   string
	logLevel    string
	metricsAddr string
	trace       bool
	core        int32
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:   "cspybridge",
	Short: "Bridge to the C-SPY debugging engine",
	Long: `cspybridge launches the C-SPY debugging engine and talks to it over its
Thrift services. The commands start a session, inspect the target and shut
the engine down again.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	app.Version = version

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to a TOML or YAML configuration file")
	pf.StringVar(&flags.workbench, "workbench", "", "Installation directory that provides the engine")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	pf.BoolVar(&flags.trace, "trace", false, "Export RPC trace spans to stderr")
	pf.Int32Var(&flags.core, "core", 0, "Core to inspect")

	rootCmd.AddCommand(runCmd, stepCmd, stackCmd, localsCmd, evalCmd, disasmCmd, memoryCmd, versionCmd)
	rootCmd.SetVersionTemplate(fmt.Sprintf("cspybridge %s (commit %s, built %s)\n", version, commit, date))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cspybridge %s\nCommit: %s\nBuilt: %s\n", version, commit, date)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

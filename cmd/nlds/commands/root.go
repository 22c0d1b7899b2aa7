// Package commands implements the CLI commands for the NLDS service.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "nlds",
	Short: "NLDS - Near-line data store",
	Long: `NLDS is a tiered storage service that moves files between a hot POSIX
filesystem, a warm S3-compatible object store and a cold tape archive. Work
flows through stage workers connected by a topic-routed message fabric; this
binary runs the HTTP API and the stage consumers.

Use "nlds [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// GetConfigFile returns the --config flag value.
func GetConfigFile() string {
	return cfgFile
}

func init() {
	// Global persistent flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/nlds/config.yaml)")

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(initCmd)
}

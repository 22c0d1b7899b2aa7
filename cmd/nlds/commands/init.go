package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nearlinedata/nlds/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample NLDS configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/nlds/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  nlds init

  # Initialize with custom path
  nlds init --config /etc/nlds/config.yaml

  # Force overwrite existing config
  nlds init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.DefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	if err := config.WriteDefault(path); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to set the object store and tape endpoints")
	fmt.Println("  2. Start the service with: nlds serve")
	fmt.Printf("  3. Or specify custom config: nlds serve --config %s\n", path)
	return nil
}

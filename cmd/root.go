package cmd

import (
	"maps"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	configPath string
	overrides  map[string]string
)

var rootCmd = &cobra.Command{
	Use:   "hotswap",
	Short: "hotswap - hot-reloadable plugin host",
	Long: `hotswap runs a sandboxed plugin once per frame and swaps it for a new
build whenever the plugin file changes, carrying its state across the swap.

Configuration comes from an optional YAML file, HOTRELOAD_* environment
variables and --set overrides, in increasing order of precedence.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringToStringVar(&overrides, "set", nil, "Override a config key, e.g. --set frame.fps=30 (repeatable)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
}

// withPlugin returns the flag overrides plus plugin.path from the first
// positional argument, if any. A path given on the command line is taken
// relative to the working directory.
func withPlugin(args []string) (map[string]string, error) {
	merged := maps.Clone(overrides)
	if merged == nil {
		merged = make(map[string]string)
	}
	if len(args) > 0 {
		path, err := filepath.Abs(args[0])
		if err != nil {
			return nil, err
		}
		merged["plugin.path"] = path
	}
	return merged, nil
}

package main

import (
	"fmt"
	"os"

	"github.com/craftec/nodehub/nodehub/settings"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "nodehub",
	Short:         "Run and supervise local craftobj node instances",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a nodehub.toml settings file")
	rootCmd.AddCommand(newServeCmd(), newTokenCmd())
}

// loadSettings reads the settings file named by --config, then applies the
// command line flags the user actually set.
func loadSettings(cmd *cobra.Command) (settings.Settings, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv(settings.EnvPrefix + "CONFIG")
	}
	s, err := settings.Load(path)
	if err != nil {
		return s, err
	}

	flags := cmd.Flags()
	if flags.Changed("mode") {
		s.Mode, _ = flags.GetString("mode")
	}
	if flags.Changed("autostart") {
		s.Autostart, _ = flags.GetInt("autostart")
	}
	if flags.Changed("api-listen") {
		s.APIListen, _ = flags.GetString("api-listen")
	}
	if flags.Changed("log-level") {
		s.LogLevel, _ = flags.GetString("log-level")
	}
	if err := s.Resolve(); err != nil {
		return s, err
	}
	return s, s.Validate()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

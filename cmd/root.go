// Package cmd assembles the command line interface.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/takeoffworks/autocount/cmd/serve"
	"github.com/takeoffworks/autocount/internal/conf"
)

// RootCommand creates and returns the root command.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autocount",
		Short: "Hybrid auto-count detection engine for construction take-off",
	}

	setupFlags(rootCmd, settings)
	rootCmd.AddCommand(serve.Command(settings))
	return rootCmd
}

// setupFlags binds the global command line flags to viper so they override
// the config file and environment.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) {
	cmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", settings.Debug, "Enable debug output")
	cmd.PersistentFlags().StringVar(&settings.WebServer.Address, "address", settings.WebServer.Address, "Listen address for the HTTP API")

	_ = viper.BindPFlag("debug", cmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("webserver.address", cmd.PersistentFlags().Lookup("address"))
}

package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/cellsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "cellsync",
		Short:        "Shared-table editing with optimistic cells and live presence",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log encoding (json, console)")
	bindFlag(rootCmd.PersistentFlags(), "log.level", "log-level")
	bindFlag(rootCmd.PersistentFlags(), "log.format", "log-format")

	rootCmd.AddCommand(
		newServeCommand(defaults),
		newTokenCommand(defaults),
		newEditCommand(defaults),
		newWatchCommand(defaults),
	)
	return rootCmd
}

// bindFlag ties a flag to a viper key. Subcommands bind in PreRunE since several share keys.
func bindFlag(flags *pflag.FlagSet, key, flag string) {
	if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

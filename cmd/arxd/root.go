package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/iosh/arx-sub004/walletEngine/config"
)

const (
	flagHome      = "home"
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
	flagAPIAddr   = "api-addr"
	flagMetrics   = "metrics"
)

func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("ARX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:          "arxd",
		Short:        "Arx wallet engine daemon",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return v.BindPFlags(cmd.Flags())
		},
	}
	rootCmd.PersistentFlags().String(flagHome, config.DefaultNodeHome(), "engine home directory (env ARX_HOME)")

	InitRootCmd(rootCmd, v) // add subcommands like `start` and `version`

	return rootCmd
}

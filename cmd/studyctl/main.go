package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cardspace_rt/server/common/config"
	"cardspace_rt/server/common/log"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "studyctl",
		Short:        "Operator and debug tool for the realtime presence layer",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return log.Configure(log.Options{
				Level:  viper.GetString("log.level"),
				Format: log.FormatText,
			})
		},
	}
	config.ApplyDefaults(viper.GetViper())
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	if err := viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(newTokenCmd(), newWatchCmd(), newChatCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

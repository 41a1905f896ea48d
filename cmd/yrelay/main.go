package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cardspace_rt/server/common/config"
	"cardspace_rt/server/common/log"
	relayapp "cardspace_rt/server/relay/app"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "yrelay",
		Short: "Yjs websocket relay for collaborative notes",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}
	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("address", defaults.GetString("relay.address"), "Relay listen address")
	flags.Bool("gc", defaults.GetBool("relay.gc"), "Drop rooms once their last peer leaves")
	flags.Int("queue-size", defaults.GetInt("relay.queue_size"), "Outbound frames buffered per peer")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log encoding (text, json)")

	bindFlag(cmd, "relay.address", "address")
	bindFlag(cmd, "relay.gc", "gc")
	bindFlag(cmd, "relay.queue_size", "queue-size")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(cfgFile)
	return viper.ReadInConfig()
}

func run(ctx context.Context) error {
	cfg, err := config.LoadRelay(viper.GetViper())
	if err != nil {
		return err
	}
	if err := log.Configure(log.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		FilePath:  cfg.Log.File,
		MaxSizeMB: cfg.Log.MaxSizeMB,
	}); err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := relayapp.NewServer(ctx, cfg, nil).Run(ctx); err != nil {
		log.Errorf("event=relay_server action=run status=failed error=%v", err)
		return err
	}
	return nil
}

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
	presenceapp "cardspace_rt/server/presence/app"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "presence",
		Short: "Workspace presence, chat and typing router",
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
	flags.String("node-id", defaults.GetString("node.id"), "Node id used on the Redis bridge (random when empty)")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log encoding (text, json)")
	flags.String("log-file", defaults.GetString("log.file"), "Rotated log file path")
	flags.Bool("auth-required", defaults.GetBool("auth.required"), "Reject handshakes without a valid token")
	flags.String("jwt-secret", "", "HS256 secret for handshake tokens (overrides env)")
	flags.String("cors-allowed-origins", defaults.GetString("cors.allowed_origins"), "Comma separated allowed origins")
	flags.Duration("typing-ttl", defaults.GetDuration("typing.ttl"), "Typing indicator expiry")
	flags.String("redis-addr", defaults.GetString("redis.addr"), "Redis address for cross-node fan-out")
	flags.String("amqp-url", defaults.GetString("amqp.url"), "AMQP url for event export")
	flags.String("postgres-dsn", defaults.GetString("postgres.dsn"), "Postgres DSN for the membership directory")

	bindFlag(cmd, "node.id", "node-id")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "auth.required", "auth-required")
	bindFlag(cmd, "auth.jwt_secret", "jwt-secret")
	bindFlag(cmd, "cors.allowed_origins", "cors-allowed-origins")
	bindFlag(cmd, "typing.ttl", "typing-ttl")
	bindFlag(cmd, "redis.addr", "redis-addr")
	bindFlag(cmd, "amqp.url", "amqp-url")
	bindFlag(cmd, "postgres.dsn", "postgres-dsn")
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
	cfg, err := config.LoadPresence(viper.GetViper())
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

	server, err := presenceapp.NewServer(ctx, cfg)
	if err != nil {
		log.Errorf("event=presence_server action=init status=failed error=%v", err)
		return err
	}
	if err := server.Run(ctx); err != nil {
		log.Errorf("event=presence_server action=run status=failed error=%v", err)
		return err
	}
	return nil
}

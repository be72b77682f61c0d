package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/config"
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
		Use:   "inboxsync",
		Short: "Real-time inbox sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newPublishCommand(), newJournalCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("transport", defaults.GetString("realtime.transport"), "Change stream transport (memory, websocket, kafka)")
	flags.String("realtime-url", "", "WebSocket change stream URL")
	flags.StringSlice("kafka-brokers", nil, "Kafka broker addresses")
	flags.String("presence-backend", defaults.GetString("presence.backend"), "Presence backend (sql, redis)")
	flags.String("redis-addr", "", "Redis address for the presence backend")
	flags.String("api-base-url", "", "Mutation API base URL")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "realtime.transport", "transport")
	bindFlag(cmd, "realtime.url", "realtime-url")
	bindFlag(cmd, "kafka.brokers", "kafka-brokers")
	bindFlag(cmd, "presence.backend", "presence-backend")
	bindFlag(cmd, "redis.addr", "redis-addr")
	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
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

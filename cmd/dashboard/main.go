package main

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roeeharel/project-dashboard/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Local control plane for dev projects and their public tunnels",
	Long: `dashboard starts, stops and inspects the dev servers listed in a
project config file, and exposes any of them through a cloudflared quick
tunnel. Running it without a subcommand is the same as "dashboard serve".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return configureLogging(viper.GetString(config.KeyLogLevel), viper.GetBool(config.KeyLogJSON))
	},
	RunE: runServe,
}

func init() {
	config.SetDefaults(viper.GetViper())

	flags := rootCmd.PersistentFlags()
	flags.String(config.KeyConfig, "", "project config file, JSON or YAML (default dashboard.config.json)")
	flags.String(config.KeyLogLevel, "", "log level: debug, info, warn, error (default info)")
	flags.Bool(config.KeyLogJSON, false, "emit logs as JSON")

	viper.BindPFlag(config.KeyConfig, flags.Lookup(config.KeyConfig))
	viper.BindPFlag(config.KeyLogLevel, flags.Lookup(config.KeyLogLevel))
	viper.BindPFlag(config.KeyLogJSON, flags.Lookup(config.KeyLogJSON))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func configureLogging(level string, json bool) error {
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)

	if json {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(os.Stderr)
	return nil
}

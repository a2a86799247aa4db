package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roeeharel/project-dashboard/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the project config file and list its projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := viper.GetString(config.KeyConfig)
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: ok, port %d, %d projects\n", path, cfg.Port, len(cfg.Projects))
		for _, p := range cfg.Projects {
			fmt.Fprintf(out, "  %-16s port=%-5d tunnelPort=%-5d dir=%s start=%q\n",
				p.ID, p.Port, p.EffectiveTunnelPort(), p.Dir, p.Start)
		}
		return nil
	},
}

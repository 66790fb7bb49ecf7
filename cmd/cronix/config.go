package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"cronix/internal/config"
)

func configCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	load := func() (*config.Config, error) {
		if err := config.LoadDotEnv(); err != nil {
			return nil, err
		}
		cfg, err := config.NewConfigManager(*cfgPath).Parse()
		if err != nil {
			return nil, err
		}
		return cfg, config.Validate(context.Background(), cfg)
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Parse and validate the config, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := load(); err != nil {
				return err
			}
			src := *cfgPath
			if src == "" {
				src = "defaults"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", src)
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config (file, defaults and environment)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.HTTP.Token != "" {
				cfg.HTTP.Token = "***"
			}
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.AddCommand(check, show)
	return cmd
}

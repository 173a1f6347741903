package main

import (
	"strings"

	"github.com/spf13/cobra"

	"actionq/internal/app"
)

func newCheckCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.Check(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			journal := "disabled"
			if cfg.Journal != nil && strings.TrimSpace(cfg.Journal.Driver) != "" && !strings.EqualFold(cfg.Journal.Driver, "none") {
				journal = cfg.Journal.Driver
			}
			diag := "disabled"
			if cfg.Diag.Enabled {
				diag = cfg.Diag.Addr
				if diag == "" {
					diag = "127.0.0.1:6060"
				}
			}
			cmd.Printf("config ok: %s\n", *cfgPath)
			cmd.Printf("  fingerprint: %s\n", cfg.Fingerprint())
			cmd.Printf("  triggers: %d\n", len(cfg.Triggers.Items))
			cmd.Printf("  journal:  %s\n", journal)
			cmd.Printf("  diag:     %s\n", diag)
			return nil
		},
	}
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JohnPlummer/jp-go-apiclient/config"
)

func (a *App) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with configuration files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a configuration file",
		Long: `Load a YAML configuration file, apply environment overrides and report every
problem found.

Examples:
  apiclient config validate config.yaml
  APP_ENV=production apiclient config validate config.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithEnv(args[0], a.lookup)
			if err != nil {
				return fmt.Errorf("configuration is invalid:\n%w", err)
			}
			fmt.Fprintf(a.stdout, "configuration is valid (env %s, transport %s)\n", cfg.Env, cfg.TransportMode())
			return nil
		},
	})
	return cmd
}

package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/JohnPlummer/jp-go-apiclient/registry"
)

func (a *App) newRegistryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the Nacos service registration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List the registered instances of this service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Registry.ServerAddr == "" {
				return errors.New("registry.server_addr is not configured")
			}

			client, err := registry.New(cfg.Registry.Config, registry.WithLogger(a.logger))
			if err != nil {
				return err
			}
			list, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(list)
		},
	})
	return cmd
}

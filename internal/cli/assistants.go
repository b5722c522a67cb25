package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	apiclient "github.com/JohnPlummer/jp-go-apiclient"
	"github.com/JohnPlummer/jp-go-apiclient/assistant"
)

type assistantFlags struct {
	userID      string
	name        string
	greeting    string
	personality string
	noCache     bool
}

func (a *App) newAssistantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assistants",
		Short: "Read and write AI assistants",
	}

	cmd.AddCommand(
		a.newAssistantsListCmd(),
		a.newAssistantsGetCmd(),
		a.newAssistantsCreateCmd(),
		a.newAssistantsUpdateCmd(),
		a.newAssistantsDeleteCmd(),
	)
	return cmd
}

// withAssistants builds the assistant client from configuration and runs fn with it.
func (a *App) withAssistants(ctx context.Context, fn func(*assistant.Client) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	b, err := newBackend(ctx, cfg, cfg.TransportMode(), a.logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := fn(assistant.New(b.service, a.logger)); err != nil {
		return fmt.Errorf("%s: %w", apiclient.UserMessage(err), err)
	}
	return nil
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *App) newAssistantsListCmd() *cobra.Command {
	flags := &assistantFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's assistants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAssistants(cmd.Context(), func(c *assistant.Client) error {
				list, err := c.List(cmd.Context(), flags.userID, assistant.WithCache(!flags.noCache))
				if err != nil {
					return err
				}
				return a.printJSON(list)
			})
		},
	}
	cmd.Flags().StringVar(&flags.userID, "user", "", "Owner user ID")
	cmd.Flags().BoolVar(&flags.noCache, "no-cache", false, "Bypass the response cache")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func (a *App) newAssistantsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <assistant-id>",
		Short: "Show one assistant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withAssistants(cmd.Context(), func(c *assistant.Client) error {
				found, err := c.Detail(cmd.Context(), id)
				if err != nil {
					return err
				}
				return a.printJSON(found)
			})
		},
	}
}

func (a *App) newAssistantsCreateCmd() *cobra.Command {
	flags := &assistantFlags{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an assistant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAssistants(cmd.Context(), func(c *assistant.Client) error {
				created, err := c.Create(cmd.Context(), flags.assistant())
				if err != nil {
					return err
				}
				return a.printJSON(created)
			})
		},
	}
	flags.register(cmd)
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func (a *App) newAssistantsUpdateCmd() *cobra.Command {
	flags := &assistantFlags{}
	cmd := &cobra.Command{
		Use:   "update <assistant-id>",
		Short: "Replace an assistant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withAssistants(cmd.Context(), func(c *assistant.Client) error {
				updated, err := c.Update(cmd.Context(), id, flags.assistant())
				if err != nil {
					return err
				}
				return a.printJSON(updated)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func (a *App) newAssistantsDeleteCmd() *cobra.Command {
	flags := &assistantFlags{}
	cmd := &cobra.Command{
		Use:   "delete <assistant-id>",
		Short: "Delete an assistant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withAssistants(cmd.Context(), func(c *assistant.Client) error {
				if err := c.Delete(cmd.Context(), id, flags.userID); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "assistant %d deleted\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&flags.userID, "user", "", "Owner user ID")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func (f *assistantFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.userID, "user", "", "Owner user ID")
	cmd.Flags().StringVar(&f.name, "name", "", "Display name")
	cmd.Flags().StringVar(&f.greeting, "greeting", "", "Opening message")
	cmd.Flags().StringVar(&f.personality, "personality", "", "Personality traits")
	_ = cmd.MarkFlagRequired("user")
}

func (f *assistantFlags) assistant() assistant.Assistant {
	return assistant.Assistant{
		UserID:            f.userID,
		Name:              f.name,
		Greeting:          f.greeting,
		PersonalityTraits: f.personality,
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid assistant id %q", s)
	}
	return id, nil
}

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JohnPlummer/jp-go-apiclient/llm"
	"github.com/JohnPlummer/jp-go-apiclient/orchestrator"
)

func (a *App) newAnalyzeCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "analyze <input>",
		Short: "Run the cross-border analysis pipeline",
		Long: `Run concept analysis, market research, solution planning and provider matching
for a question, optionally prefixed with a region: "<region>及<question>".

Examples:
  apiclient analyze "Japan及selling handmade furniture online"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			completer, err := llm.New(cfg.LLM,
				llm.WithLogger(a.logger),
				llm.WithRetryOptions(cfg.RetryOptions()...))
			if err != nil {
				return err
			}

			report, err := orchestrator.New(completer, orchestrator.WithLogger(a.logger)).Analyze(
				cmd.Context(),
				strings.Join(args, " "),
				func(stage orchestrator.Stage, message string) {
					fmt.Fprintf(a.stderr, "[%s] %s\n", stage, message)
				})
			if err != nil {
				return err
			}

			if asJSON {
				return a.printJSON(report)
			}
			fmt.Fprintln(a.stdout, report.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

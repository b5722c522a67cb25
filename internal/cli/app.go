// Package cli provides the apiclient command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JohnPlummer/jp-go-apiclient/config"
	"github.com/JohnPlummer/jp-go-apiclient/internal/logging"
)

// Version information set at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// App is the CLI application.
type App struct {
	root       *cobra.Command
	stdout     io.Writer
	stderr     io.Writer
	configPath string
	lookup     config.LookupFunc
	logger     *slog.Logger
}

// New creates the CLI application.
func New() *App {
	app := &App{
		stdout: os.Stdout,
		stderr: os.Stderr,
		lookup: os.LookupEnv,
	}

	app.root = &cobra.Command{
		Use:   "apiclient",
		Short: "Resilient client and gateway for the consultation backend",
		Long: `apiclient talks to the consultation platform's backend API with caching,
retries and a circuit breaker, serves the browser-facing proxy gateway, and runs the
cross-border analysis pipeline against an OpenAI-compatible model.

Configuration comes from an optional YAML file (--config) overridden by environment
variables such as API_BASE_URL, MAX_RETRIES, TRANSPORT_MODE and LLM_API_KEY.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	app.root.PersistentFlags().StringVarP(&app.configPath, "config", "c", "", "Path to YAML configuration file")

	app.root.AddCommand(
		app.newVersionCmd(),
		app.newServeCmd(),
		app.newAssistantsCmd(),
		app.newAnalyzeCmd(),
		app.newRegistryCmd(),
		app.newConfigCmd(),
	)

	return app
}

// WithOutput sets custom output writers.
func (a *App) WithOutput(stdout, stderr io.Writer) *App {
	a.stdout = stdout
	a.stderr = stderr
	a.root.SetOut(stdout)
	a.root.SetErr(stderr)
	return a
}

// WithEnv replaces the process environment, for tests.
func (a *App) WithEnv(lookup config.LookupFunc) *App {
	a.lookup = lookup
	return a
}

// Execute runs the CLI until the command finishes or SIGINT/SIGTERM arrives.
func (a *App) Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.root.ExecuteContext(ctx)
}

// ExecuteWithArgs runs the CLI with specific arguments.
func (a *App) ExecuteWithArgs(ctx context.Context, args []string) error {
	a.root.SetArgs(args)
	return a.Execute(ctx)
}

// loadConfig reads the configuration and installs the configured logger.
func (a *App) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithEnv(a.configPath, a.lookup)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	a.logger = logging.New(a.stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(a.logger)
	return cfg, nil
}

func (a *App) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "apiclient version %s\n", Version)
			fmt.Fprintf(a.stdout, "  Git commit: %s\n", GitCommit)
		},
	}
}

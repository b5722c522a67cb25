package cli

import (
	"context"
	"net/http"
	"sync"

	"github.com/spf13/cobra"

	"github.com/JohnPlummer/jp-go-apiclient/assistant"
	"github.com/JohnPlummer/jp-go-apiclient/gateway"
	"github.com/JohnPlummer/jp-go-apiclient/registry"
	"github.com/JohnPlummer/jp-go-apiclient/transport"
)

type serveOptions struct {
	addr        string
	corsOrigins []string
}

func (a *App) newServeCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Long: `Run the browser-facing gateway: /api/proxy forwards to the backend, /api/assistants
lists a user's assistants, /healthz reports breaker and cache state, /metrics exposes
Prometheus metrics. With NACOS_ENABLED the instance registers itself and heartbeats.

Examples:
  # Serve on the configured address
  apiclient serve -c config.yaml

  # Restrict CORS to one origin
  apiclient serve --addr :9000 --cors-origin https://app.example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "Listen address (overrides gateway.addr)")
	cmd.Flags().StringSliceVar(&opts.corsOrigins, "cors-origin", nil, "Allowed CORS origin (repeatable, default any)")

	return cmd
}

func (a *App) serve(ctx context.Context, opts *serveOptions) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	addr := cfg.Gateway.Addr
	if opts.addr != "" {
		addr = opts.addr
	}

	// The gateway is the proxy, so it always reaches the backend directly.
	b, err := newBackend(ctx, cfg, transport.ModeDirect, a.logger)
	if err != nil {
		return err
	}
	defer b.Close()

	// Proxied calls skip the retry wrapper, so the client carries the attempt timeout.
	proxyBackend := transport.NewDirect(cfg.API.BaseURL,
		transport.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout}),
		transport.WithAPIKey(cfg.API.APIKey),
		transport.WithLogger(a.logger))

	srv, err := gateway.New(gateway.Config{
		Backend:     proxyBackend,
		Assistants:  assistant.New(b.service, a.logger),
		Health:      b.service.Health,
		CORSOrigins: opts.corsOrigins,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if cfg.Registry.Enabled {
		reg, err := registry.New(cfg.Registry.Config, registry.WithLogger(a.logger))
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Run(ctx)
		}()
	}

	err = srv.ListenAndServe(ctx, addr)
	cancel()
	wg.Wait()
	return err
}

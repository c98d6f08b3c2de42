package cli

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amanthanvi/ticketdesk/internal/httpapi"
)

func newServeCommand(deps commandDeps) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the audit HTTP API until interrupted",
		Example: "  ticketdesk serve\n" +
			"  ticketdesk --db /var/lib/ticketdesk/audit.db serve --addr 0.0.0.0:8080",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("serve does not accept positional arguments")
			}

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, deps)
			if err != nil {
				return mapCommandError(err)
			}
			listenAddr := rt.cfg.Server.Addr
			if strings.TrimSpace(addr) != "" {
				listenAddr = addr
			}

			router := httpapi.NewRouter(rt.ledger, httpapi.Options{
				Logger:             rt.logger,
				Gatherer:           rt.registry,
				RateLimitPerMinute: rt.cfg.Server.RateLimitPerMinute,
			})
			serveErr := httpapi.ListenAndServe(ctx, listenAddr, router, rt.logger)
			closeErr := rt.Close(context.WithoutCancel(ctx))
			if serveErr != nil {
				return mapCommandError(serveErr)
			}
			return mapCommandError(closeErr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

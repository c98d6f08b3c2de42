package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	debugpkg "github.com/amanthanvi/ticketdesk/internal/debug"
)

func newDebugCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "debug",
		Short:   "Diagnostics helpers",
		Example: "  ticketdesk debug bundle --output ./ticketdesk-debug.json",
	}
	cmd.AddCommand(newDebugBundleCommand(deps))
	return cmd
}

func newDebugBundleCommand(deps commandDeps) *cobra.Command {
	var outputPath string
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Collect ledger health into a JSON bundle without event contents",
		Example: "  ticketdesk debug bundle --output ./ticketdesk-debug.json\n" +
			"  ticketdesk --json debug bundle --output ./ticketdesk-debug.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("debug bundle does not accept positional arguments")
			}
			if strings.TrimSpace(outputPath) == "" {
				return usageErrorf("debug bundle requires --output")
			}

			return withLedger(cmd.Context(), deps, func(ctx context.Context, rt *ledgerRuntime) error {
				bundle, err := debugpkg.Collect(ctx, debugpkg.Sources{
					Ledger:      rt.ledger,
					Repo:        rt.store.Audit,
					StoragePath: rt.store.Path(),
					Version: map[string]any{
						"version":    deps.build.Version,
						"commit":     deps.build.Commit,
						"build_time": deps.build.BuildTime,
					},
				})
				if err != nil {
					return err
				}
				if err := debugpkg.WriteBundle(outputPath, bundle); err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"output": outputPath})
				}
				if deps.globals.Quiet {
					return nil
				}
				_, err = fmt.Fprintf(deps.out, "debug bundle written: %s\n", outputPath)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&outputPath, "output", "", "Output JSON bundle path")
	return cmd
}

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/amanthanvi/ticketdesk/internal/audit"
)

func newAuditCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit ledger operations",
		Example: "  ticketdesk audit record --action ticket.create --resource-type ticket --resource-id T-1 --actor agent-7\n" +
			"  ticketdesk audit verify\n" +
			"  ticketdesk audit export --format csv --output ./audit.csv",
	}
	cmd.AddCommand(
		newAuditRecordCommand(deps),
		newAuditListCommand(deps),
		newAuditVerifyCommand(deps),
		newAuditExportCommand(deps),
		newAuditAnonymizeCommand(deps),
		newAuditStatsCommand(deps),
	)
	return cmd
}

// filterFlags binds the shared query flags of list and export.
type filterFlags struct {
	actor      string
	action     string
	resource   string
	resourceID string
	session    string
	start      string
	end        string
	offset     int
	limit      int
}

func (f *filterFlags) bind(flags *pflag.FlagSet) {
	flags.StringVar(&f.actor, "actor", "", "Actor id (exact match)")
	flags.StringVar(&f.action, "action", "", "Action substring, case-insensitive")
	flags.StringVar(&f.resource, "resource", "", "Resource type substring, case-insensitive")
	flags.StringVar(&f.resourceID, "resource-id", "", "Resource id (exact match)")
	flags.StringVar(&f.session, "session", "", "Session id (exact match)")
	flags.StringVar(&f.start, "start", "", "Inclusive lower time bound (RFC 3339)")
	flags.StringVar(&f.end, "end", "", "Inclusive upper time bound (RFC 3339)")
	flags.IntVar(&f.offset, "offset", 0, "Results to skip")
	flags.IntVar(&f.limit, "limit", 0, "Maximum results (0 uses the configured default)")
}

func (f *filterFlags) filter() (audit.Filter, error) {
	filter := audit.Filter{
		ActorID:      f.actor,
		Action:       f.action,
		ResourceType: f.resource,
		ResourceID:   f.resourceID,
		SessionID:    f.session,
		Offset:       f.offset,
		Limit:        f.limit,
	}
	var err error
	if filter.Start, err = parseTimeFlag("start", f.start); err != nil {
		return audit.Filter{}, err
	}
	if filter.End, err = parseTimeFlag("end", f.end); err != nil {
		return audit.Filter{}, err
	}
	return filter, nil
}

func parseTimeFlag(name, raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return nil, usageErrorf("--%s must be RFC 3339: %v", name, err)
	}
	return &t, nil
}

func newAuditRecordCommand(deps commandDeps) *cobra.Command {
	var (
		entry   audit.Entry
		details string
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Append an event to the ledger",
		Example: "  ticketdesk audit record --action auth.sign-in --resource-type session --actor user-1\n" +
			"  ticketdesk audit record --action ticket.update --resource-type ticket --resource-id T-9 --details '{\"status\":\"open\"}'",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("audit record does not accept positional arguments")
			}
			if strings.TrimSpace(entry.Action) == "" {
				return usageErrorf("audit record requires --action")
			}
			if strings.TrimSpace(entry.ResourceType) == "" {
				return usageErrorf("audit record requires --resource-type")
			}
			if strings.TrimSpace(details) != "" {
				parsed, err := parseDetailsFlag(details)
				if err != nil {
					return err
				}
				entry.Details = parsed
			}

			return withLedger(cmd.Context(), deps, func(ctx context.Context, rt *ledgerRuntime) error {
				event, err := rt.ledger.Record(ctx, entry)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, event)
				}
				if deps.globals.Quiet {
					return nil
				}
				_, err = fmt.Fprintf(deps.out, "recorded %s %s digest=%s\n", event.ID, event.Action, event.Digest)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&entry.Action, "action", "", "Action as domain.verb (required)")
	cmd.Flags().StringVar(&entry.ResourceType, "resource-type", "", "Resource type (required)")
	cmd.Flags().StringVar(&entry.ResourceID, "resource-id", "", "Resource id")
	cmd.Flags().StringVar(&entry.ActorID, "actor", "", "Actor id")
	cmd.Flags().StringVar(&entry.ActorLabel, "actor-label", "", "Actor display label")
	cmd.Flags().StringVar(&entry.SessionID, "session", "", "Session id")
	cmd.Flags().StringVar(&details, "details", "", "Details as a JSON object")
	return cmd
}

func parseDetailsFlag(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var details map[string]any
	if err := dec.Decode(&details); err != nil {
		return nil, usageErrorf("--details must be a JSON object: %v", err)
	}
	return details, nil
}

func newAuditListCommand(deps commandDeps) *cobra.Command {
	var flags filterFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Query events, newest first",
		Example: "  ticketdesk audit list --actor user-1 --limit 20\n" +
			"  ticketdesk --json audit list --action ticket --start 2025-01-01T00:00:00Z",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("audit list does not accept positional arguments")
			}
			filter, err := flags.filter()
			if err != nil {
				return err
			}

			return withLedger(cmd.Context(), deps, func(ctx context.Context, rt *ledgerRuntime) error {
				events, err := rt.ledger.Query(ctx, filter)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, events)
				}
				return printEventTable(deps, events)
			})
		},
	}
	flags.bind(cmd.Flags())
	return cmd
}

func printEventTable(deps commandDeps, events []audit.AuditEvent) error {
	tw := tabwriter.NewWriter(deps.out, 0, 4, 2, ' ', 0)
	if !deps.globals.Quiet {
		if _, err := fmt.Fprintln(tw, "TIMESTAMP\tACTION\tRESOURCE\tACTOR\tID"); err != nil {
			return err
		}
	}
	for _, event := range events {
		resource := event.ResourceType
		if event.ResourceID != "" {
			resource += "/" + event.ResourceID
		}
		actor := event.ActorID
		if actor == "" {
			actor = "-"
		}
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Format(time.RFC3339Nano), event.Action, resource, actor, event.ID); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func newAuditVerifyCommand(deps commandDeps) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the hash chain of the ledger or of a JSON export",
		Example: "  ticketdesk audit verify\n" +
			"  ticketdesk --json audit verify --file ./audit-export.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("audit verify does not accept positional arguments")
			}
			if strings.TrimSpace(file) != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return mapCommandError(fmt.Errorf("read export: %w", err))
				}
				events, err := audit.ParseJSONExport(data)
				if err != nil {
					return usageErrorf("%v", err)
				}
				return mapCommandError(reportVerify(deps, audit.VerifyEvents(audit.ChainOrder(events))))
			}

			return withLedger(cmd.Context(), deps, func(ctx context.Context, rt *ledgerRuntime) error {
				result, err := rt.ledger.Verify(ctx)
				if err != nil {
					return err
				}
				return reportVerify(deps, result)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Verify a JSON export file instead of the ledger")
	return cmd
}

func reportVerify(deps commandDeps, result audit.VerifyResult) error {
	if deps.globals.JSON {
		if err := printJSON(deps.out, result); err != nil {
			return err
		}
	} else if !deps.globals.Quiet {
		if err := printVerifySummary(deps, result); err != nil {
			return err
		}
	}
	if result.Tampered {
		return fmt.Errorf("%w: first unexplained violation at index %d", errIntegrityViolation, result.VerifiedPrefix)
	}
	return nil
}

func printVerifySummary(deps commandDeps, result audit.VerifyResult) error {
	state := "valid"
	switch {
	case result.Tampered:
		state = "TAMPERED"
	case !result.Valid:
		state = "valid (anonymized)"
	}
	if _, err := fmt.Fprintf(deps.out, "chain %s: %d events, verified prefix %d, tip %s\n",
		state, result.EventCount, result.VerifiedPrefix, result.ChainTip); err != nil {
		return err
	}
	if result.Truncated {
		if _, err := fmt.Fprintln(deps.out, "head links to evicted history (trust boundary)"); err != nil {
			return err
		}
	}
	for _, v := range result.Violations {
		if _, err := fmt.Fprintf(deps.out, "  [%d] %s %s (%s): %s\n", v.Index, v.Kind, v.EventID, v.Cause, v.Message); err != nil {
			return err
		}
	}
	return nil
}

func newAuditExportCommand(deps commandDeps) *cobra.Command {
	var (
		flags       filterFlags
		format      string
		output      string
		requestedBy string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export events as JSON or CSV",
		Example: "  ticketdesk audit export --format json --output ./audit.json\n" +
			"  ticketdesk audit export --format csv --actor user-1 --requested-by dpo-1",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("audit export does not accept positional arguments")
			}
			parsed, err := audit.ParseFormat(format)
			if err != nil {
				return usageErrorf("%v", err)
			}
			filter, err := flags.filter()
			if err != nil {
				return err
			}

			return withLedger(cmd.Context(), deps, func(ctx context.Context, rt *ledgerRuntime) error {
				data, err := rt.ledger.Export(ctx, filter, parsed)
				if err != nil {
					return err
				}
				if _, err := rt.ledger.Record(ctx, audit.Entry{
					Action:       audit.ActionAuditExport,
					ResourceType: "audit_log",
					ActorID:      requestedBy,
					Details:      map[string]any{"format": string(parsed), "destination": exportDestination(output)},
				}); err != nil {
					return err
				}

				if strings.TrimSpace(output) == "" {
					_, err = deps.out.Write(data)
					return err
				}
				if err := os.WriteFile(output, data, 0o600); err != nil {
					return fmt.Errorf("write export: %w", err)
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"output": output, "bytes": len(data)})
				}
				if deps.globals.Quiet {
					return nil
				}
				_, err = fmt.Fprintf(deps.out, "export written: %s\n", output)
				return err
			})
		},
	}
	flags.bind(cmd.Flags())
	cmd.Flags().StringVar(&format, "format", "json", "Export format: json or csv")
	cmd.Flags().StringVar(&output, "output", "", "Output file (default stdout)")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "", "Actor id recorded on the export event")
	return cmd
}

func exportDestination(output string) string {
	if strings.TrimSpace(output) == "" {
		return "stdout"
	}
	return "file"
}

func newAuditAnonymizeCommand(deps commandDeps) *cobra.Command {
	var req audit.ErasureRequest
	cmd := &cobra.Command{
		Use:     "anonymize",
		Short:   "Erase an actor's identity and personal data from the ledger",
		Example: "  ticketdesk audit anonymize --actor user-1 --requested-by dpo-1 --reason \"erasure request 42\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("audit anonymize does not accept positional arguments")
			}
			if strings.TrimSpace(req.ActorID) == "" {
				return usageErrorf("audit anonymize requires --actor")
			}

			return withLedger(cmd.Context(), deps, func(ctx context.Context, rt *ledgerRuntime) error {
				count, err := rt.ledger.AnonymizeActor(ctx, req)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"anonymized": count})
				}
				if deps.globals.Quiet {
					return nil
				}
				_, err = fmt.Fprintf(deps.out, "anonymized %d events\n", count)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&req.ActorID, "actor", "", "Actor id to erase (required)")
	cmd.Flags().StringVar(&req.RequestedBy, "requested-by", "", "Actor id performing the erasure")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "Reason recorded on the erasure event")
	cmd.Flags().StringVar(&req.SessionID, "session", "", "Session id for the erasure event")
	return cmd
}

func newAuditStatsCommand(deps commandDeps) *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:     "stats",
		Short:   "Summarize the ledger window",
		Example: "  ticketdesk audit stats --top 5",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("audit stats does not accept positional arguments")
			}
			if top < 0 {
				return usageErrorf("--top must not be negative")
			}

			return withLedger(cmd.Context(), deps, func(ctx context.Context, rt *ledgerRuntime) error {
				stats := rt.ledger.Statistics(ctx, top)
				if deps.globals.JSON {
					return printJSON(deps.out, stats)
				}
				return printStats(deps, stats)
			})
		},
	}
	cmd.Flags().IntVar(&top, "top", 0, "Entries per top list (0 uses 10)")
	return cmd
}

func printStats(deps commandDeps, stats audit.Statistics) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "total events: %d\n", stats.TotalEvents)
	if stats.DateRange.Oldest != nil && stats.DateRange.Newest != nil {
		fmt.Fprintf(&buf, "range: %s .. %s\n",
			stats.DateRange.Oldest.Format(time.RFC3339), stats.DateRange.Newest.Format(time.RFC3339))
	}
	buf.WriteString("top actions:\n")
	for _, item := range stats.TopActions {
		fmt.Fprintf(&buf, "  %-28s %d\n", item.Action, item.Count)
	}
	buf.WriteString("top actors:\n")
	for _, item := range stats.TopActors {
		fmt.Fprintf(&buf, "  %-28s %d\n", item.ActorID, item.Count)
	}
	_, err := deps.out.Write(buf.Bytes())
	return err
}

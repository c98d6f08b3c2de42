package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"slices"
	"strings"

	gojson "github.com/goccy/go-json"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

var csvHeader = []string{
	"id",
	"timestamp",
	"actor_id",
	"actor_label",
	"action",
	"resource_type",
	"resource_id",
	"session_id",
	"schema_version",
	"channel",
	"environment",
	"details",
	"previous_digest",
	"digest",
}

func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw)
	}
}

// Export runs Query with filter and renders the result. It has no side
// effects; the caller decides where the bytes go.
func (l *Ledger) Export(ctx context.Context, filter Filter, format Format) ([]byte, error) {
	if format != FormatJSON && format != FormatCSV {
		return nil, fmt.Errorf("export audit events: %w: %q", ErrUnsupportedFormat, format)
	}
	events, err := l.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("export audit events: %w", err)
	}
	out, err := Render(events, format)
	if err != nil {
		return nil, fmt.Errorf("export audit events: %w", err)
	}
	return out, nil
}

// Render encodes events as a JSON array with one event per line, or as CSV
// with a fixed header row.
func Render(events []AuditEvent, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return renderJSON(events)
	case FormatCSV:
		return renderCSV(events)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func renderJSON(events []AuditEvent) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("[\n")
	for i, event := range events {
		line, err := gojson.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("render json: event %s: %w", event.ID, err)
		}
		buf.Write(line)
		if i < len(events)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("]\n")
	return buf.Bytes(), nil
}

func renderCSV(events []AuditEvent) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.UseCRLF = true

	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("render csv: header: %w", err)
	}
	for _, event := range events {
		details, err := canonicalDetails(event.Details)
		if err != nil {
			return nil, fmt.Errorf("render csv: event %s: %w", event.ID, err)
		}
		record := []string{
			event.ID,
			formatTimestamp(event.Timestamp),
			event.ActorID,
			event.ActorLabel,
			event.Action,
			event.ResourceType,
			event.ResourceID,
			event.SessionID,
			event.Origin.SchemaVersion,
			event.Origin.Channel,
			event.Origin.Environment,
			string(details),
			event.PreviousDigest,
			event.Digest,
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("render csv: event %s: %w", event.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("render csv: flush: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseJSONExport reads back a JSON export so it can be compared with a query
// or verified offline.
func ParseJSONExport(data []byte) ([]AuditEvent, error) {
	events := []AuditEvent{}
	if err := gojson.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("parse json export: %w", err)
	}
	return events, nil
}

// ChainOrder turns a newest-first export back into append order for
// VerifyEvents. Query breaks timestamp ties newest append first, so an
// unfiltered export reversed is exactly the chain.
func ChainOrder(events []AuditEvent) []AuditEvent {
	out := slices.Clone(events)
	slices.Reverse(out)
	return out
}

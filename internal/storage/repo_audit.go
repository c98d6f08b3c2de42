package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type auditRepository struct {
	db *sql.DB
}

const auditColumns = `
	seq,
	id,
	created_at,
	COALESCE(actor_id, ''),
	COALESCE(actor_label, ''),
	action,
	resource_type,
	COALESCE(resource_id, ''),
	session_id,
	details_json,
	schema_version,
	channel,
	environment,
	prev_hash,
	event_hash
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *auditRepository) Append(ctx context.Context, event *AuditEvent, retain int) error {
	if event == nil {
		return fmt.Errorf("append audit event: event is nil")
	}
	if event.Action == "" {
		return fmt.Errorf("append audit event: action is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append audit event: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	seq, err := insertAuditEvent(ctx, tx, event)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}

	if retain > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM audit_events
			WHERE seq NOT IN (SELECT seq FROM audit_events ORDER BY seq DESC LIMIT ?)
		`, retain); err != nil {
			return fmt.Errorf("append audit event: trim window: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append audit event: commit: %w", err)
	}
	event.Seq = seq
	return nil
}

func (r *auditRepository) ReplaceAll(ctx context.Context, events []AuditEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace audit events: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM audit_events`); err != nil {
		return fmt.Errorf("replace audit events: clear: %w", err)
	}
	for i := range events {
		if events[i].Action == "" {
			return fmt.Errorf("replace audit events: event %d: action is required", i)
		}
		seq, err := insertAuditEvent(ctx, tx, &events[i])
		if err != nil {
			return fmt.Errorf("replace audit events: event %d: %w", i, err)
		}
		events[i].Seq = seq
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace audit events: commit: %w", err)
	}
	return nil
}

func insertAuditEvent(ctx context.Context, exec execer, event *AuditEvent) (int64, error) {
	event.ID = ensureID(event.ID)
	if event.CreatedAt.IsZero() {
		event.CreatedAt = nowUTC()
	}
	if event.DetailsJSON == "" {
		event.DetailsJSON = "{}"
	}

	res, err := exec.ExecContext(ctx, `
		INSERT INTO audit_events(
			id, created_at, actor_id, actor_label, action, resource_type, resource_id,
			session_id, details_json, schema_version, channel, environment, prev_hash, event_hash
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		fmtTime(event.CreatedAt),
		nullString(event.ActorID),
		nullString(event.ActorLabel),
		event.Action,
		event.ResourceType,
		nullString(event.ResourceID),
		event.SessionID,
		event.DetailsJSON,
		event.SchemaVersion,
		event.Channel,
		event.Environment,
		event.PrevHash,
		event.EventHash,
	)
	if err != nil {
		return 0, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted seq: %w", err)
	}
	return seq, nil
}

func (r *auditRepository) List(ctx context.Context) ([]AuditEvent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_events ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	events := []AuditEvent{}
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("list audit events: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit events: iterate: %w", err)
	}
	return events, nil
}

func (r *auditRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return count, nil
}

func (r *auditRepository) ChainTip(ctx context.Context) (string, error) {
	var tip string
	err := r.db.QueryRowContext(ctx, `SELECT event_hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&tip)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read audit chain tip: %w", err)
	}
	return tip, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditEvent(row rowScanner) (AuditEvent, error) {
	var (
		event   AuditEvent
		created string
	)
	if err := row.Scan(
		&event.Seq,
		&event.ID,
		&created,
		&event.ActorID,
		&event.ActorLabel,
		&event.Action,
		&event.ResourceType,
		&event.ResourceID,
		&event.SessionID,
		&event.DetailsJSON,
		&event.SchemaVersion,
		&event.Channel,
		&event.Environment,
		&event.PrevHash,
		&event.EventHash,
	); err != nil {
		return AuditEvent{}, fmt.Errorf("scan audit event: %w", err)
	}
	createdAt, err := parseTime(created)
	if err != nil {
		return AuditEvent{}, err
	}
	event.CreatedAt = createdAt
	return event, nil
}

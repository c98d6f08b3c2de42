package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("storage: not found")
	ErrSchemaTooNew = errors.New("storage: schema version newer than code")
)

// AuditEvent is the persisted row of one ledger event. Seq is assigned by the
// database and orders rows by append.
type AuditEvent struct {
	Seq           int64
	ID            string
	CreatedAt     time.Time
	ActorID       string
	ActorLabel    string
	Action        string
	ResourceType  string
	ResourceID    string
	SessionID     string
	DetailsJSON   string
	SchemaVersion string
	Channel       string
	Environment   string
	PrevHash      string
	EventHash     string
}

type AuditRepository interface {
	// Append inserts event and keeps only the newest retain rows. A retain of
	// zero or less keeps everything.
	Append(ctx context.Context, event *AuditEvent, retain int) error
	// ReplaceAll rewrites the whole window in the given order.
	ReplaceAll(ctx context.Context, events []AuditEvent) error
	// List returns every row in append order.
	List(ctx context.Context) ([]AuditEvent, error)
	Count(ctx context.Context) (int, error)
	// ChainTip returns the event hash of the newest row, or "" when empty.
	ChainTip(ctx context.Context) (string, error)
}

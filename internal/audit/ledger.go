package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/amanthanvi/ticketdesk/internal/storage"
)

const (
	DefaultMaxEvents         = 1000
	DefaultQueryLimit        = 100
	DefaultMaxQueryLimit     = 1000
	DefaultStorageTimeout    = 2 * time.Second
	rawDetailsKey            = "_raw"
	anonymizeResourceType    = "audit_event"
	anonymizeDetailEventIDs  = "eventIds"
	anonymizeDetailCount     = "count"
	anonymizeDetailReason    = "reason"
	defaultStatisticsTopSize = 10
)

type Options struct {
	MaxEvents         int
	DefaultQueryLimit int
	MaxQueryLimit     int
	StorageTimeout    time.Duration
	Origin            Origin
	// SessionID stamps events recorded without one. Defaults to a fresh ULID.
	SessionID string
	// PersonalDataKeys overrides the detail keys erased by AnonymizeActor.
	PersonalDataKeys []string
	Logger           *slog.Logger
	Metrics          *Metrics
	Clock            func() time.Time
	NewID            func() string
}

// Ledger is the bounded, hash-chained audit window. It is safe for concurrent
// use; appends are serialized so no two events chain to the same predecessor.
type Ledger struct {
	repo    storage.AuditRepository
	opts    Options
	logger  *slog.Logger
	metrics *Metrics
	erasure personalDataKeys

	mu               sync.RWMutex
	events           []AuditEvent
	dirty            bool
	lastStorageError string
}

// New builds a ledger over repo and loads its persisted window. A nil repo
// keeps the ledger in memory only. Read failures are logged and the ledger
// starts empty.
func New(ctx context.Context, repo storage.AuditRepository, opts Options) (*Ledger, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("new audit ledger: %w", err)
	}

	l := &Ledger{
		repo:    repo,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		erasure: newPersonalDataKeys(opts.PersonalDataKeys),
		events:  []AuditEvent{},
	}
	l.load(ctx)
	return l, nil
}

func (o Options) withDefaults() (Options, error) {
	if o.MaxEvents < 0 || o.DefaultQueryLimit < 0 || o.MaxQueryLimit < 0 || o.StorageTimeout < 0 {
		return o, fmt.Errorf("options must not be negative")
	}
	if o.MaxEvents == 0 {
		o.MaxEvents = DefaultMaxEvents
	}
	if o.MaxQueryLimit == 0 {
		o.MaxQueryLimit = DefaultMaxQueryLimit
	}
	if o.DefaultQueryLimit == 0 {
		o.DefaultQueryLimit = DefaultQueryLimit
	}
	if o.DefaultQueryLimit > o.MaxQueryLimit {
		return o, fmt.Errorf("default query limit %d exceeds max %d", o.DefaultQueryLimit, o.MaxQueryLimit)
	}
	if o.StorageTimeout == 0 {
		o.StorageTimeout = DefaultStorageTimeout
	}
	if o.Origin.SchemaVersion == "" {
		o.Origin.SchemaVersion = SchemaVersion
	}
	if o.SessionID == "" {
		o.SessionID = ulid.Make().String()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o, nil
}

func (l *Ledger) load(ctx context.Context) {
	if l.repo == nil {
		return
	}

	storageCtx, cancel := l.storageContext(ctx)
	defer cancel()

	rows, err := l.repo.List(storageCtx)
	if err != nil {
		l.storageFailure(StorageOpRead, err)
		return
	}

	events := make([]AuditEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, l.fromRecord(row))
	}
	if overflow := len(events) - l.opts.MaxEvents; overflow > 0 {
		events = append([]AuditEvent(nil), events[overflow:]...)
		l.dirty = true
		l.metrics.eventsEvicted(overflow)
	}
	l.events = events
	l.metrics.windowSize(len(events))
	l.logger.Debug("audit ledger loaded", "events", len(events), "chain_tip", l.chainTipLocked())
}

// Record validates, sanitizes and appends one event, then persists the
// window. Persistence failures are logged and never returned; the event stays
// in memory.
func (l *Ledger) Record(ctx context.Context, entry Entry) (AuditEvent, error) {
	if err := validateEntry(entry); err != nil {
		return AuditEvent{}, fmt.Errorf("record audit event: %w", err)
	}

	details, err := prepareDetails(entry.Details)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("record audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	event, err := l.appendLocked(AuditEvent{
		ActorID:      entry.ActorID,
		ActorLabel:   entry.ActorLabel,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Details:      details,
		SessionID:    entry.SessionID,
	})
	if err != nil {
		return AuditEvent{}, fmt.Errorf("record audit event: %w", err)
	}

	l.persistAppendLocked(ctx, event)
	return cloneEvent(event), nil
}

func validateEntry(entry Entry) error {
	if strings.TrimSpace(entry.Action) == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidEntry)
	}
	domain, verb, ok := strings.Cut(entry.Action, ".")
	if !ok || strings.TrimSpace(domain) == "" || strings.TrimSpace(verb) == "" || strings.ContainsAny(entry.Action, " \t\r\n") {
		return fmt.Errorf("%w: action %q must look like <domain>.<verb>", ErrInvalidEntry, entry.Action)
	}
	if strings.TrimSpace(entry.ResourceType) == "" {
		return fmt.Errorf("%w: resource type is required", ErrInvalidEntry)
	}
	return nil
}

// appendLocked stamps, chains and appends event, evicting the oldest events
// beyond capacity. Existing elements are never modified.
func (l *Ledger) appendLocked(event AuditEvent) (AuditEvent, error) {
	event, err := l.chainLocked(event)
	if err != nil {
		return AuditEvent{}, err
	}
	l.pushLocked(event)
	return event, nil
}

// chainLocked stamps event and links it to the current tip without touching
// the window.
func (l *Ledger) chainLocked(event AuditEvent) (AuditEvent, error) {
	event.ID = l.opts.NewID()
	event.Timestamp = l.opts.Clock().UTC().Round(0)
	if n := len(l.events); n > 0 {
		if last := l.events[n-1].Timestamp; event.Timestamp.Before(last) {
			event.Timestamp = last
		}
	}
	event.Origin = l.opts.Origin
	if event.SessionID == "" {
		event.SessionID = l.opts.SessionID
	}
	if event.Details == nil {
		event.Details = map[string]any{}
	}
	event.PreviousDigest = l.chainTipLocked()

	digest, err := Digest(event)
	if err != nil {
		return AuditEvent{}, err
	}
	event.Digest = digest
	return event, nil
}

func (l *Ledger) pushLocked(event AuditEvent) {
	if overflow := len(l.events) + 1 - l.opts.MaxEvents; overflow > 0 {
		next := make([]AuditEvent, 0, l.opts.MaxEvents)
		next = append(next, l.events[overflow:]...)
		l.events = append(next, event)
		l.metrics.eventsEvicted(overflow)
	} else {
		l.events = append(l.events, event)
	}

	l.metrics.eventRecorded(event.Action)
	l.metrics.windowSize(len(l.events))
}

func (l *Ledger) persistAppendLocked(ctx context.Context, event AuditEvent) {
	if l.repo == nil {
		return
	}
	if l.dirty {
		l.persistWindowLocked(ctx)
		return
	}

	storageCtx, cancel := l.storageContext(ctx)
	defer cancel()

	record := toRecord(event)
	if err := l.repo.Append(storageCtx, &record, l.opts.MaxEvents); err != nil {
		l.storageFailure(StorageOpWrite, err)
		l.dirty = true
		return
	}
	l.lastStorageError = ""
}

func (l *Ledger) persistWindowLocked(ctx context.Context) error {
	if l.repo == nil {
		return nil
	}

	storageCtx, cancel := l.storageContext(ctx)
	defer cancel()

	records := make([]storage.AuditEvent, 0, len(l.events))
	for _, event := range l.events {
		records = append(records, toRecord(event))
	}
	if err := l.repo.ReplaceAll(storageCtx, records); err != nil {
		l.dirty = true
		return l.storageFailure(StorageOpWrite, err)
	}
	l.dirty = false
	l.lastStorageError = ""
	return nil
}

// Flush rewrites the durable window when an earlier write failed.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.dirty {
		return nil
	}
	if err := l.persistWindowLocked(ctx); err != nil {
		return fmt.Errorf("flush audit ledger: %w", err)
	}
	return nil
}

// contextErr treats a nil context like context.Background.
func contextErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}

func (l *Ledger) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), l.opts.StorageTimeout)
}

func (l *Ledger) storageFailure(op StorageOp, err error) error {
	storageErr := &StorageError{Op: op, Err: err}
	l.lastStorageError = storageErr.Error()
	l.metrics.storageFailed(op)
	if op == StorageOpRead {
		l.logger.Warn("audit storage read failed; starting with an empty ledger", "error", err)
	} else {
		l.logger.Error("audit storage write failed; keeping event in memory", "error", err)
	}
	return storageErr
}

func (l *Ledger) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Status{
		Events:           len(l.events),
		Capacity:         l.opts.MaxEvents,
		ChainTip:         l.chainTipLocked(),
		SessionID:        l.opts.SessionID,
		Dirty:            l.dirty,
		LastStorageError: l.lastStorageError,
	}
}

func (l *Ledger) chainTipLocked() string {
	if len(l.events) == 0 {
		return ""
	}
	return l.events[len(l.events)-1].Digest
}

// window returns the current event slice. Elements are never modified after
// append, so callers may read them without the lock but must clone anything
// they hand out.
func (l *Ledger) window() []AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]AuditEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Events returns a deep copy of the window in append order.
func (l *Ledger) Events() []AuditEvent {
	return cloneEvents(l.window())
}

func toRecord(event AuditEvent) storage.AuditEvent {
	details, err := canonicalDetails(event.Details)
	if err != nil {
		details = []byte(`{}`)
	}
	return storage.AuditEvent{
		ID:            event.ID,
		CreatedAt:     event.Timestamp,
		ActorID:       event.ActorID,
		ActorLabel:    event.ActorLabel,
		Action:        event.Action,
		ResourceType:  event.ResourceType,
		ResourceID:    event.ResourceID,
		SessionID:     event.SessionID,
		DetailsJSON:   string(details),
		SchemaVersion: event.Origin.SchemaVersion,
		Channel:       event.Origin.Channel,
		Environment:   event.Origin.Environment,
		PrevHash:      event.PreviousDigest,
		EventHash:     event.Digest,
	}
}

// fromRecord rebuilds an event from its row. Undecodable details are kept
// verbatim under a raw key so verification flags the event instead of the
// load failing.
func (l *Ledger) fromRecord(row storage.AuditEvent) AuditEvent {
	details, err := decodeDetails([]byte(row.DetailsJSON))
	if err != nil {
		l.logger.Warn("audit event details unreadable", "event_id", row.ID, "error", err)
		details = map[string]any{rawDetailsKey: row.DetailsJSON}
	}
	return AuditEvent{
		ID:           row.ID,
		Timestamp:    row.CreatedAt.UTC().Round(0),
		ActorID:      row.ActorID,
		ActorLabel:   row.ActorLabel,
		Action:       row.Action,
		ResourceType: row.ResourceType,
		ResourceID:   row.ResourceID,
		Details:      details,
		Origin: Origin{
			SchemaVersion: row.SchemaVersion,
			Channel:       row.Channel,
			Environment:   row.Environment,
		},
		SessionID:      row.SessionID,
		Digest:         row.EventHash,
		PreviousDigest: row.PrevHash,
	}
}

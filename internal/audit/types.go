package audit

import "time"

const (
	ActionAuthSignIn        = "auth.sign-in"
	ActionAuthSignOut       = "auth.sign-out"
	ActionAuthSignInFailure = "auth.sign-in-failure"

	ActionUserCreate     = "user.create"
	ActionUserUpdate     = "user.update"
	ActionUserDelete     = "user.delete"
	ActionUserRoleChange = "user.role-change"

	ActionTicketCreate  = "ticket.create"
	ActionTicketUpdate  = "ticket.update"
	ActionTicketDelete  = "ticket.delete"
	ActionTicketAssign  = "ticket.assign"
	ActionTicketResolve = "ticket.resolve"

	ActionMediaUpload = "media.upload"
	ActionMediaView   = "media.view"
	ActionMediaDelete = "media.delete"

	ActionAuditExport    = "audit.export"
	ActionAuditAnonymize = "audit.anonymize"
)

var AllActionTypes = []string{
	ActionAuthSignIn,
	ActionAuthSignOut,
	ActionAuthSignInFailure,
	ActionUserCreate,
	ActionUserUpdate,
	ActionUserDelete,
	ActionUserRoleChange,
	ActionTicketCreate,
	ActionTicketUpdate,
	ActionTicketDelete,
	ActionTicketAssign,
	ActionTicketResolve,
	ActionMediaUpload,
	ActionMediaView,
	ActionMediaDelete,
	ActionAuditExport,
	ActionAuditAnonymize,
}

const (
	ChannelWeb    = "web"
	ChannelMobile = "mobile"
	ChannelAPI    = "api"
)

// SchemaVersion is stamped into every event's origin unless overridden.
const SchemaVersion = "1"

// Origin describes the recording context. It is fixed per ledger.
type Origin struct {
	SchemaVersion string `json:"schemaVersion"`
	Channel       string `json:"channel"`
	Environment   string `json:"environment"`
}

// AuditEvent is one chained ledger entry. Empty optional fields mean absent.
type AuditEvent struct {
	ID             string
	Timestamp      time.Time
	ActorID        string
	ActorLabel     string
	Action         string
	ResourceType   string
	ResourceID     string
	Details        map[string]any
	Origin         Origin
	SessionID      string
	Digest         string
	PreviousDigest string
}

// Entry is what callers hand to Record.
type Entry struct {
	Action       string
	ResourceType string
	ResourceID   string
	ActorID      string
	ActorLabel   string
	SessionID    string
	Details      map[string]any
}

type Filter struct {
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	SessionID    string
	Start        *time.Time
	End          *time.Time
	Offset       int
	Limit        int
}

type ErasureRequest struct {
	ActorID     string
	RequestedBy string
	Reason      string
	SessionID   string
}

type ViolationKind string

const (
	ViolationHashMismatch ViolationKind = "hash_mismatch"
	ViolationChainBreak   ViolationKind = "chain_break"
)

type ViolationCause string

const (
	CauseAnonymization ViolationCause = "anonymization"
	CauseUnexplained   ViolationCause = "unexplained"
)

type Violation struct {
	Index   int            `json:"index"`
	EventID string         `json:"event_id"`
	Kind    ViolationKind  `json:"kind"`
	Cause   ViolationCause `json:"cause"`
	Message string         `json:"message"`
}

// Anonymization is a documented erasure found while verifying.
type Anonymization struct {
	Index     int       `json:"index"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	EventIDs  []string  `json:"event_ids"`
	Reason    string    `json:"reason,omitempty"`
}

type VerifyResult struct {
	Valid          bool            `json:"valid"`
	Tampered       bool            `json:"tampered"`
	Truncated      bool            `json:"truncated"`
	EventCount     int             `json:"event_count"`
	VerifiedPrefix int             `json:"verified_prefix"`
	ChainTip       string          `json:"chain_tip"`
	FirstViolation *Violation      `json:"first_violation,omitempty"`
	Violations     []Violation     `json:"violations"`
	Anonymizations []Anonymization `json:"anonymizations"`
}

type DateRange struct {
	Oldest *time.Time `json:"oldest,omitempty"`
	Newest *time.Time `json:"newest,omitempty"`
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

type ActorCount struct {
	ActorID    string `json:"actor_id"`
	ActorLabel string `json:"actor_label,omitempty"`
	Count      int    `json:"count"`
}

type Statistics struct {
	TotalEvents int           `json:"total_events"`
	DateRange   DateRange     `json:"date_range"`
	TopActions  []ActionCount `json:"top_actions"`
	TopActors   []ActorCount  `json:"top_actors"`
}

// Status reports the ledger's local window and persistence health.
type Status struct {
	Events           int    `json:"events"`
	Capacity         int    `json:"capacity"`
	ChainTip         string `json:"chain_tip"`
	SessionID        string `json:"session_id"`
	Dirty            bool   `json:"dirty"`
	LastStorageError string `json:"last_storage_error,omitempty"`
}

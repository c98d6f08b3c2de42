package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/amanthanvi/ticketdesk/internal/redact"
)

// DefaultPersonalDataKeys are the detail keys erased by AnonymizeActor unless
// the ledger is configured otherwise.
var DefaultPersonalDataKeys = []string{
	"email",
	"name",
	"full_name",
	"fullname",
	"display_name",
	"username",
	"phone",
	"address",
	"ip",
	"ip_address",
	"user_agent",
	"location",
}

type personalDataKeys map[string]struct{}

func newPersonalDataKeys(keys []string) personalDataKeys {
	if len(keys) == 0 {
		keys = DefaultPersonalDataKeys
	}
	set := make(personalDataKeys, len(keys))
	for _, key := range keys {
		if normalized := normalizePersonalKey(key); normalized != "" {
			set[normalized] = struct{}{}
		}
	}
	return set
}

func normalizePersonalKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.NewReplacer("_", "", "-", "").Replace(key)
}

func (p personalDataKeys) matches(key string) bool {
	_, ok := p[normalizePersonalKey(key)]
	return ok
}

// redact returns a copy of value with personal-data keys replaced at any depth.
func (p personalDataKeys) redact(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, elem := range typed {
			if p.matches(key) {
				out[key] = redact.Sentinel
				continue
			}
			out[key] = p.redact(elem)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, elem := range typed {
			out[i] = p.redact(elem)
		}
		return out
	default:
		return cloneValue(value)
	}
}

// AnonymizeActor erases the actor's identity and personal details from every
// event they performed. Digests are left as recorded, so verification will
// flag each erased event; a chained audit.anonymize event documents the
// erasure so those findings are distinguishable from tampering.
func (l *Ledger) AnonymizeActor(ctx context.Context, req ErasureRequest) (int, error) {
	actorID := strings.TrimSpace(req.ActorID)
	if actorID == "" {
		return 0, fmt.Errorf("anonymize actor: %w: actor id is required", ErrInvalidErasure)
	}
	if actorID == redact.Sentinel {
		return 0, fmt.Errorf("anonymize actor: %w: actor is already anonymized", ErrInvalidErasure)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := make([]AuditEvent, len(l.events))
	erased := make([]any, 0)
	for i, event := range l.events {
		if event.ActorID != actorID {
			next[i] = event
			continue
		}
		next[i] = l.anonymizedCopy(event)
		erased = append(erased, event.ID)
	}
	if len(erased) == 0 {
		return 0, nil
	}

	details, err := prepareDetails(map[string]any{
		anonymizeDetailEventIDs: erased,
		anonymizeDetailCount:    len(erased),
		anonymizeDetailReason:   req.Reason,
	})
	if err != nil {
		return 0, fmt.Errorf("anonymize actor: %w", err)
	}

	// Erasure leaves digests and timestamps alone, so the meta-event can be
	// chained before the window is swapped; a failure changes nothing.
	meta, err := l.chainLocked(AuditEvent{
		ActorID:      req.RequestedBy,
		Action:       ActionAuditAnonymize,
		ResourceType: anonymizeResourceType,
		Details:      details,
		SessionID:    req.SessionID,
	})
	if err != nil {
		return 0, fmt.Errorf("anonymize actor: record erasure: %w", err)
	}
	l.events = next
	l.pushLocked(meta)

	l.metrics.eventsAnonymized(len(erased))
	l.logger.Info("audit actor anonymized", "events", len(erased), "requested_by", req.RequestedBy)
	_ = l.persistWindowLocked(ctx)
	return len(erased), nil
}

func (l *Ledger) anonymizedCopy(event AuditEvent) AuditEvent {
	event.ActorID = redact.Sentinel
	event.ActorLabel = redact.Sentinel
	if details, ok := l.erasure.redact(event.Details).(map[string]any); ok {
		event.Details = details
	}
	return event
}

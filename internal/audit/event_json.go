package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

type eventJSON struct {
	ID             string          `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	ActorID        string          `json:"actorId,omitempty"`
	ActorLabel     string          `json:"actorLabel,omitempty"`
	Action         string          `json:"action"`
	ResourceType   string          `json:"resourceType"`
	ResourceID     string          `json:"resourceId,omitempty"`
	Details        json.RawMessage `json:"details"`
	Origin         Origin          `json:"origin"`
	SessionID      string          `json:"sessionId"`
	Digest         string          `json:"digest"`
	PreviousDigest string          `json:"previousDigest,omitempty"`
}

// MarshalJSON writes details in canonical form so numbers keep their exact
// literal whichever JSON encoder drives the call.
func (e AuditEvent) MarshalJSON() ([]byte, error) {
	details, err := canonicalDetails(e.Details)
	if err != nil {
		return nil, fmt.Errorf("marshal audit event %s: %w", e.ID, err)
	}
	return json.Marshal(eventJSON{
		ID:             e.ID,
		Timestamp:      e.Timestamp.UTC(),
		ActorID:        e.ActorID,
		ActorLabel:     e.ActorLabel,
		Action:         e.Action,
		ResourceType:   e.ResourceType,
		ResourceID:     e.ResourceID,
		Details:        details,
		Origin:         e.Origin,
		SessionID:      e.SessionID,
		Digest:         e.Digest,
		PreviousDigest: e.PreviousDigest,
	})
}

func (e *AuditEvent) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal audit event: %w", err)
	}

	details := map[string]any{}
	if len(raw.Details) > 0 {
		decoded, err := decodeDetails(raw.Details)
		if err != nil {
			return fmt.Errorf("unmarshal audit event %s: %w", raw.ID, err)
		}
		details = decoded
	}

	*e = AuditEvent{
		ID:             raw.ID,
		Timestamp:      raw.Timestamp.UTC(),
		ActorID:        raw.ActorID,
		ActorLabel:     raw.ActorLabel,
		Action:         raw.Action,
		ResourceType:   raw.ResourceType,
		ResourceID:     raw.ResourceID,
		Details:        details,
		Origin:         raw.Origin,
		SessionID:      raw.SessionID,
		Digest:         raw.Digest,
		PreviousDigest: raw.PreviousDigest,
	}
	return nil
}

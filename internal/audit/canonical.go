package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"
)

type chainEvent struct {
	ID           string          `json:"id"`
	Timestamp    string          `json:"timestamp"`
	ActorID      *string         `json:"actor_id"`
	ActorLabel   *string         `json:"actor_label"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   *string         `json:"resource_id"`
	Details      json.RawMessage `json:"details"`
	Origin       Origin          `json:"origin"`
	SessionID    string          `json:"session_id"`
}

// CanonicalPayload returns the deterministic encoding of an event's content
// fields. Digest and PreviousDigest are not part of it.
func CanonicalPayload(event AuditEvent) ([]byte, error) {
	details, err := canonicalDetails(event.Details)
	if err != nil {
		return nil, fmt.Errorf("canonical payload: %w", err)
	}

	payload := chainEvent{
		ID:           event.ID,
		Timestamp:    formatTimestamp(event.Timestamp),
		ActorID:      optional(event.ActorID),
		ActorLabel:   optional(event.ActorLabel),
		Action:       event.Action,
		ResourceType: event.ResourceType,
		ResourceID:   optional(event.ResourceID),
		Details:      details,
		Origin:       event.Origin,
		SessionID:    event.SessionID,
	}
	return canonicalJSON(payload)
}

// Digest hashes the previous digest followed by the canonical payload.
func Digest(event AuditEvent) (string, error) {
	payload, err := CanonicalPayload(event)
	if err != nil {
		return "", fmt.Errorf("digest audit event: %w", err)
	}
	return chainHashHex(event.PreviousDigest, payload), nil
}

func chainHashHex(prevHash string, canonicalPayload []byte) string {
	input := append([]byte(prevHash), canonicalPayload...)
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func canonicalDetails(details map[string]any) (json.RawMessage, error) {
	if len(details) == 0 {
		return json.RawMessage(`{}`), nil
	}

	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}
	decoded, err := decodeJSONValue(raw)
	if err != nil {
		return nil, fmt.Errorf("decode details: %w", err)
	}
	out, err := canonicalJSONFromDecoded(decoded)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

func canonicalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("canonical json: value is nil")
	}

	root := reflect.ValueOf(v)
	for root.Kind() == reflect.Pointer {
		if root.IsNil() {
			return nil, fmt.Errorf("canonical json: nil pointer")
		}
		root = root.Elem()
	}
	if root.Kind() == reflect.Map {
		return nil, fmt.Errorf("canonical json: map input is not allowed")
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: marshal: %w", err)
	}

	decoded, err := decodeJSONValue(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical json: unmarshal: %w", err)
	}

	return canonicalJSONFromDecoded(decoded)
}

func canonicalJSONFromDecoded(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeCanonicalJSON(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonicalJSON(buf *bytes.Buffer, value any) error {
	switch typed := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(key)
			if err != nil {
				return fmt.Errorf("canonical json: marshal key: %w", err)
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := encodeCanonicalJSON(buf, typed[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range typed {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonicalJSON(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			return fmt.Errorf("canonical json: marshal scalar: %w", err)
		}
		buf.Write(raw)
		return nil
	}
}

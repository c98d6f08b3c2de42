package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/amanthanvi/ticketdesk/internal/redact"
)

// truncatedValue replaces a reference back into a container still being
// copied. Shared but acyclic references are copied in full.
const truncatedValue = "[TRUNCATED]"

var jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()

// Sanitize returns a deep copy of details with every sensitive key's value
// replaced by the redaction sentinel, at any depth. It never fails and never
// aliases the caller's maps, slices or byte buffers.
func Sanitize(details map[string]any) map[string]any {
	if details == nil {
		return map[string]any{}
	}
	s := sanitizer{active: map[visit]struct{}{}}
	if out, ok := s.value(reflect.ValueOf(details)).(map[string]any); ok {
		return out
	}
	return map[string]any{}
}

// visit identifies a container on the current copy path.
type visit struct {
	ptr uintptr
	typ reflect.Type
	len int
}

type sanitizer struct {
	active map[visit]struct{}
}

// enter reports false when v is already being copied further up the path.
func (s sanitizer) enter(v reflect.Value) (visit, bool) {
	key := visit{ptr: v.Pointer(), typ: v.Type()}
	if v.Kind() == reflect.Slice {
		key.len = v.Len()
	}
	if _, seen := s.active[key]; seen {
		return key, false
	}
	s.active[key] = struct{}{}
	return key, true
}

func (s sanitizer) leave(key visit) {
	delete(s.active, key)
}

func (s sanitizer) value(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
	}
	if v.Type().Implements(jsonMarshalerType) {
		return s.viaJSON(v)
	}

	switch v.Kind() {
	case reflect.Interface:
		return s.value(v.Elem())
	case reflect.Pointer:
		key, ok := s.enter(v)
		if !ok {
			return truncatedValue
		}
		defer s.leave(key)
		return s.value(v.Elem())
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		key, ok := s.enter(v)
		if !ok {
			return truncatedValue
		}
		defer s.leave(key)
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			name := mapKeyString(iter.Key())
			if redact.IsSensitiveKey(name) {
				out[name] = redact.Sentinel
				continue
			}
			out[name] = s.value(iter.Value())
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return bytes.Clone(v.Bytes())
		}
		key, ok := s.enter(v)
		if !ok {
			return truncatedValue
		}
		defer s.leave(key)
		return s.sequence(v)
	case reflect.Array:
		return s.sequence(v)
	case reflect.Struct:
		return s.viaJSON(v)
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return v.Interface()
	case reflect.Complex64, reflect.Complex128:
		return fmt.Sprint(v.Complex())
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return v.Type().String()
	default:
		if !v.CanInterface() {
			return v.Type().String()
		}
		return v.Interface()
	}
}

func (s sanitizer) sequence(v reflect.Value) []any {
	out := make([]any, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		out = append(out, s.value(v.Index(i)))
	}
	return out
}

// viaJSON handles structs and custom marshalers through their JSON form so
// tagged field names are checked like map keys. encoding/json rejects cyclic
// values, which then collapse to their type name.
func (s sanitizer) viaJSON(v reflect.Value) any {
	if !v.CanInterface() {
		return v.Type().String()
	}
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return v.Type().String()
	}
	decoded, err := decodeJSONValue(raw)
	if err != nil {
		return v.Type().String()
	}
	return s.value(reflect.ValueOf(decoded))
}

func mapKeyString(key reflect.Value) string {
	if key.Kind() == reflect.String {
		return key.String()
	}
	if key.CanInterface() {
		return fmt.Sprint(key.Interface())
	}
	return key.Type().String()
}

// prepareDetails sanitizes details and normalizes them to their decoded JSON
// form so the in-memory value matches what persistence and export read back.
func prepareDetails(details map[string]any) (map[string]any, error) {
	sanitized := Sanitize(details)
	raw, err := json.Marshal(sanitized)
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}
	return decodeDetails(raw)
}

func decodeDetails(raw []byte) (map[string]any, error) {
	decoded, err := decodeJSONValue(raw)
	if err != nil {
		return nil, fmt.Errorf("decode details: %w", err)
	}
	if decoded == nil {
		return map[string]any{}, nil
	}
	details, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode details: expected object, got %T", decoded)
	}
	return details, nil
}

func decodeJSONValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

func cloneDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for key, value := range details {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneDetails(typed)
	case []any:
		out := make([]any, len(typed))
		for i, elem := range typed {
			out[i] = cloneValue(elem)
		}
		return out
	case []byte:
		return bytes.Clone(typed)
	default:
		return value
	}
}

func cloneEvent(event AuditEvent) AuditEvent {
	event.Details = cloneDetails(event.Details)
	return event
}

func cloneEvents(events []AuditEvent) []AuditEvent {
	out := make([]AuditEvent, len(events))
	for i, event := range events {
		out[i] = cloneEvent(event)
	}
	return out
}

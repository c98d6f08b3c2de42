package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/amanthanvi/ticketdesk/internal/audit"
)

var errBadRequest = errors.New("bad request")

type recordRequest struct {
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	ActorID      string         `json:"actorId"`
	ActorLabel   string         `json:"actorLabel"`
	SessionID    string         `json:"sessionId"`
	Details      map[string]any `json:"details"`
}

type anonymizeRequest struct {
	ActorID     string `json:"actorId"`
	RequestedBy string `json:"requestedBy"`
	Reason      string `json:"reason"`
	SessionID   string `json:"sessionId"`
}

type listResponse struct {
	Events []audit.AuditEvent `json:"events"`
	Offset int                `json:"offset"`
	Limit  int                `json:"limit"`
}

type anonymizeResponse struct {
	Anonymized int `json:"anonymized"`
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ledger.Status())
}

// RecordEvent handles POST /v1/audit/events.
func (h *Handlers) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}

	event, err := h.ledger.Record(r.Context(), audit.Entry{
		Action:       req.Action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		ActorID:      req.ActorID,
		ActorLabel:   req.ActorLabel,
		SessionID:    req.SessionID,
		Details:      req.Details,
	})
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// ListEvents handles GET /v1/audit/events.
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	events, err := h.ledger.Query(r.Context(), filter)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Events: events, Offset: filter.Offset, Limit: filter.Limit})
}

// Verify handles GET /v1/audit/verify. A chain with unexplained violations
// answers 409 so probes can alert on it.
func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	result, err := h.ledger.Verify(r.Context())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	status := http.StatusOK
	if result.Tampered {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

// Export handles GET /v1/audit/export and records who exported what.
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	format, err := audit.ParseFormat(query.Get("format"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	filter, err := parseFilter(query)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	events, err := h.ledger.Query(r.Context(), filter)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	body, err := audit.Render(events, format)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	if _, err := h.ledger.Record(r.Context(), audit.Entry{
		Action:       audit.ActionAuditExport,
		ResourceType: "audit_log",
		ActorID:      r.Header.Get(ActorHeader),
		Details:      map[string]any{"format": string(format), "count": len(events)},
	}); err != nil {
		h.logger.Warn("record audit export", "error", err)
	}

	contentType := "application/json"
	if format == audit.FormatCSV {
		contentType = "text/csv; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-export.%s"`, format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// Anonymize handles POST /v1/audit/anonymize.
func (h *Handlers) Anonymize(w http.ResponseWriter, r *http.Request) {
	var req anonymizeRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = r.Header.Get(ActorHeader)
	}

	count, err := h.ledger.AnonymizeActor(r.Context(), audit.ErasureRequest{
		ActorID:     req.ActorID,
		RequestedBy: req.RequestedBy,
		Reason:      req.Reason,
		SessionID:   req.SessionID,
	})
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, anonymizeResponse{Anonymized: count})
}

// Stats handles GET /v1/audit/stats.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	topN := h.topN
	if raw := r.URL.Query().Get("top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, h.logger, fmt.Errorf("%w: top must be a non-negative integer", errBadRequest))
			return
		}
		topN = n
	}
	writeJSON(w, http.StatusOK, h.ledger.Statistics(r.Context(), topN))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := gojson.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

// parseFilter maps query parameters onto a Filter. Range and limit checks
// stay with the ledger.
func parseFilter(values url.Values) (audit.Filter, error) {
	filter := audit.Filter{
		ActorID:      values.Get("actor"),
		Action:       values.Get("action"),
		ResourceType: values.Get("resource"),
		ResourceID:   values.Get("resource_id"),
		SessionID:    values.Get("session"),
	}

	var err error
	if filter.Start, err = parseTime(values, "start"); err != nil {
		return audit.Filter{}, err
	}
	if filter.End, err = parseTime(values, "end"); err != nil {
		return audit.Filter{}, err
	}
	if filter.Offset, err = parseInt(values, "offset"); err != nil {
		return audit.Filter{}, err
	}
	if filter.Limit, err = parseInt(values, "limit"); err != nil {
		return audit.Filter{}, err
	}
	return filter, nil
}

func parseTime(values url.Values, key string) (*time.Time, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC 3339", audit.ErrInvalidFilter, key)
	}
	return &t, nil
}

func parseInt(values url.Values, key string) (int, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", audit.ErrInvalidFilter, key)
	}
	return n, nil
}

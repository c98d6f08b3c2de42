package httpapi

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/amanthanvi/ticketdesk/internal/audit"
	"github.com/amanthanvi/ticketdesk/internal/storage"
)

func newTestAPI(t *testing.T) (*audit.Ledger, http.Handler) {
	t.Helper()
	registry := prometheus.NewRegistry()
	ledger, err := audit.New(context.Background(), nil, audit.Options{Metrics: audit.NewMetrics(registry)})
	require.NoError(t, err)
	return ledger, NewRouter(ledger, Options{Gatherer: registry})
}

func do(t *testing.T, handler http.Handler, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestRecordEventAndList(t *testing.T) {
	t.Parallel()

	_, api := newTestAPI(t)
	rec := do(t, api, http.MethodPost, "/v1/audit/events",
		`{"action":"ticket.create","resourceType":"ticket","resourceId":"T-9","actorId":"agent-1","details":{"amount":10.50,"password":"pw"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var created audit.AuditEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "T-9", created.ResourceID)
	require.Equal(t, json.Number("10.50"), created.Details["amount"])
	require.Equal(t, "[REDACTED]", created.Details["password"])
	require.Len(t, created.Digest, 64)

	rec = do(t, api, http.MethodGet, "/v1/audit/events?actor=agent-1&resource=tick", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Events []audit.AuditEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Events, 1)
	require.Equal(t, created.ID, list.Events[0].ID)

	rec = do(t, api, http.MethodGet, "/v1/audit/events?actor=someone-else", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"events":[]`)
}

func TestRecordEventRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, api := newTestAPI(t)
	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "missing action", body: `{"resourceType":"ticket"}`, code: "INVALID_ENTRY"},
		{name: "malformed action", body: `{"action":"create","resourceType":"ticket"}`, code: "INVALID_ENTRY"},
		{name: "unknown field", body: `{"action":"ticket.create","resourceType":"ticket","extra":1}`, code: "BAD_REQUEST"},
		{name: "not json", body: `action=ticket.create`, code: "BAD_REQUEST"},
	}
	for _, tc := range tests {
		rec := do(t, api, http.MethodPost, "/v1/audit/events", tc.body)
		require.Equalf(t, http.StatusBadRequest, rec.Code, tc.name)
		require.Equalf(t, tc.code, decodeError(t, rec).Code, tc.name)
	}
}

func TestListEventsRejectsInvalidFilters(t *testing.T) {
	t.Parallel()

	_, api := newTestAPI(t)
	for _, query := range []string{
		"limit=abc",
		"offset=-1",
		"limit=100000",
		"start=yesterday",
		"start=2025-02-01T00:00:00Z&end=2025-01-01T00:00:00Z",
	} {
		rec := do(t, api, http.MethodGet, "/v1/audit/events?"+query, "")
		require.Equalf(t, http.StatusBadRequest, rec.Code, query)
		require.Equalf(t, "INVALID_FILTER", decodeError(t, rec).Code, query)
	}
}

func TestListEventsTimeRangeAndPaging(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	ledger, err := audit.New(ctx, nil, audit.Options{Clock: func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := ledger.Record(ctx, audit.Entry{Action: audit.ActionTicketUpdate, ResourceType: "ticket"})
		require.NoError(t, err)
	}
	api := NewRouter(ledger, Options{})

	rec := do(t, api, http.MethodGet, "/v1/audit/events?start=2025-05-01T12:02:00Z&end=2025-05-01T12:04:00Z&offset=1&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Events []audit.AuditEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Events, 1)
	require.Equal(t, base.Add(3*time.Minute), list.Events[0].Timestamp)
}

func TestVerifyReportsValidAndExplainedChains(t *testing.T) {
	t.Parallel()

	ledger, api := newTestAPI(t)
	ctx := context.Background()
	for _, actor := range []string{"user-1", "user-2", "user-1"} {
		_, err := ledger.Record(ctx, audit.Entry{Action: audit.ActionAuthSignIn, ResourceType: "session", ActorID: actor})
		require.NoError(t, err)
	}

	rec := do(t, api, http.MethodGet, "/v1/audit/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"valid":true`)

	rec = do(t, api, http.MethodPost, "/v1/audit/anonymize", `{"actorId":"user-1","reason":"gdpr"}`, ActorHeader, "dpo-1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"anonymized":2}`, rec.Body.String())

	rec = do(t, api, http.MethodGet, "/v1/audit/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result audit.VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.False(t, result.Valid)
	require.False(t, result.Tampered)
	require.Len(t, result.Anonymizations, 1)

	rec = do(t, api, http.MethodPost, "/v1/audit/anonymize", `{"actorId":"dpo-1","reason":"staff erasure"}`, ActorHeader, "dpo-2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"anonymized":1}`, rec.Body.String())

	rec = do(t, api, http.MethodGet, "/v1/audit/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	result = audit.VerifyResult{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.False(t, result.Tampered)
	require.Len(t, result.Anonymizations, 2)
}

func TestVerifyReturnsConflictWhenTampered(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := storage.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	seed, err := audit.New(ctx, store.Audit, audit.Options{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := seed.Record(ctx, audit.Entry{Action: audit.ActionTicketResolve, ResourceType: "ticket"})
		require.NoError(t, err)
	}
	_, err = store.DB().Exec(`UPDATE audit_events SET actor_id = 'intruder' WHERE seq = 1`)
	require.NoError(t, err)

	ledger, err := audit.New(ctx, store.Audit, audit.Options{})
	require.NoError(t, err)
	rec := do(t, NewRouter(ledger, Options{}), http.MethodGet, "/v1/audit/verify", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), `"tampered":true`)
}

func TestExportCSVRecordsExportEvent(t *testing.T) {
	t.Parallel()

	ledger, api := newTestAPI(t)
	_, err := ledger.Record(context.Background(), audit.Entry{
		Action:       audit.ActionTicketCreate,
		ResourceType: "ticket",
		Details:      map[string]any{"title": "Paper, \"A4\"\nstuck"},
	})
	require.NoError(t, err)

	rec := do(t, api, http.MethodGet, "/v1/audit/export?format=csv", "", ActorHeader, "auditor-7")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), "audit-export.csv")

	rows, err := csv.NewReader(bytes.NewReader(rec.Body.Bytes())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "id", rows[0][0])

	exports, err := ledger.Query(context.Background(), audit.Filter{Action: audit.ActionAuditExport})
	require.NoError(t, err)
	require.Len(t, exports, 1)
	require.Equal(t, "auditor-7", exports[0].ActorID)
	require.Equal(t, "csv", exports[0].Details["format"])
}

func TestExportJSONParsesBack(t *testing.T) {
	t.Parallel()

	ledger, api := newTestAPI(t)
	_, err := ledger.Record(context.Background(), audit.Entry{Action: audit.ActionMediaUpload, ResourceType: "media"})
	require.NoError(t, err)

	rec := do(t, api, http.MethodGet, "/v1/audit/export?action=media", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events, err := audit.ParseJSONExport(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, audit.ActionMediaUpload, events[0].Action)

	rec = do(t, api, http.MethodGet, "/v1/audit/export?format=xml", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "UNSUPPORTED_FORMAT", decodeError(t, rec).Code)
}

func TestAnonymizeRejectsEmptyActor(t *testing.T) {
	t.Parallel()

	_, api := newTestAPI(t)
	rec := do(t, api, http.MethodPost, "/v1/audit/anonymize", `{"actorId":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "INVALID_ERASURE", decodeError(t, rec).Code)
}

func TestStatsHealthAndMetrics(t *testing.T) {
	t.Parallel()

	ledger, api := newTestAPI(t)
	for _, actor := range []string{"a", "b", "a"} {
		_, err := ledger.Record(context.Background(), audit.Entry{Action: audit.ActionTicketAssign, ResourceType: "ticket", ActorID: actor})
		require.NoError(t, err)
	}

	rec := do(t, api, http.MethodGet, "/v1/audit/stats?top=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats audit.Statistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 3, stats.TotalEvents)
	require.Equal(t, []audit.ActorCount{{ActorID: "a", Count: 2}}, stats.TopActors)

	rec = do(t, api, http.MethodGet, "/v1/audit/stats?top=-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, api, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"events":3`)

	rec = do(t, api, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `ticketdesk_audit_events_recorded_total{domain="ticket"} 3`)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	_, api := newTestAPI(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, api, nil) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not stop")
	}
}

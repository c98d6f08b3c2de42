// Package httpapi exposes the audit ledger to the rest of the portal over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amanthanvi/ticketdesk/internal/audit"
)

// ActorHeader names the authenticated caller. The portal's gateway sets it;
// it attributes export and erasure meta-events.
const ActorHeader = "X-Actor-Id"

const maxBodyBytes = 1 << 20

type Options struct {
	Logger *slog.Logger
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// StatisticsTopN bounds the top lists from /v1/audit/stats.
	StatisticsTopN int
	// RateLimitPerMinute caps write requests per caller. Zero disables it.
	RateLimitPerMinute int
	Clock              func() time.Time
}

type Handlers struct {
	ledger *audit.Ledger
	logger *slog.Logger
	topN   int
}

func NewHandlers(ledger *audit.Ledger, opts Options) *Handlers {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handlers{ledger: ledger, logger: logger, topN: opts.StatisticsTopN}
}

// NewRouter wires every audit endpoint on a chi router sharing one ledger.
func NewRouter(ledger *audit.Ledger, opts Options) http.Handler {
	h := NewHandlers(ledger, opts)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(h.logger))

	r.Get("/healthz", h.Health)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	limiter := newRateLimiter(opts.RateLimitPerMinute, opts.Clock)
	r.Route("/v1/audit", func(r chi.Router) {
		r.Get("/events", h.ListEvents)
		r.Get("/verify", h.Verify)
		r.Get("/stats", h.Stats)

		r.Group(func(r chi.Router) {
			r.Use(limiter.middleware)
			r.Post("/events", h.RecordEvent)
			r.Get("/export", h.Export)
			r.Post("/anonymize", h.Anonymize)
		})
	})
	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimiddleware.GetReqID(r.Context()),
			)
		})
	}
}

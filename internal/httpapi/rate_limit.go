package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// maxTrackedCallers bounds the window map. Callers first seen while it is
// full share one overflow window.
const maxTrackedCallers = 4096

const overflowKey = "overflow"

// rateLimiter is a fixed one-minute window per client IP. ActorHeader is not
// authenticated here, so it never selects the window.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	limit   int
	now     func() time.Time
}

type rateWindow struct {
	start time.Time
	count int
}

func newRateLimiter(limitPerMinute int, now func() time.Time) *rateLimiter {
	if now == nil {
		now = time.Now
	}
	return &rateLimiter{
		windows: map[string]*rateWindow{},
		limit:   limitPerMinute,
		now:     now,
	}
}

func (r *rateLimiter) allow(key string) bool {
	if r == nil || r.limit <= 0 {
		return true
	}

	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	window := r.windows[key]
	if window == nil {
		r.pruneLocked(now)
		if len(r.windows) >= maxTrackedCallers {
			key = overflowKey
			window = r.windows[key]
		}
	}
	if window == nil {
		window = &rateWindow{start: now}
		r.windows[key] = window
	}
	if now.Sub(window.start) >= time.Minute {
		window.start = now
		window.count = 0
	}
	window.count++
	return window.count <= r.limit
}

// pruneLocked drops expired windows once the map is full.
func (r *rateLimiter) pruneLocked(now time.Time) {
	if len(r.windows) < maxTrackedCallers {
		return
	}
	for key, window := range r.windows {
		if now.Sub(window.start) >= time.Minute {
			delete(r.windows, key)
		}
	}
}

func (r *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.allow(callerKey(req)) {
			w.Header().Set("Retry-After", strconv.Itoa(60))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: errorDetail{
				Code:    "RATE_LIMITED",
				Message: "too many requests; retry later",
			}})
			return
		}
		next.ServeHTTP(w, req)
	})
}

func callerKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

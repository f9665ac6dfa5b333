package access

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	currentSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "teleview_access_sessioncontroller_current",
			Help: "Current number of sessions admitted by the access sessioncontroller.",
		},
	)
	sessionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teleview_access_sessioncontroller_requests_total",
			Help: "Total number of requests handled by the access sessioncontroller.",
		},
		[]string{"request"},
	)
)

type slotContextIDType struct{}

var slotContextIDKey = slotContextIDType{}

type slot struct {
	held    atomic.Bool
	release func()
}

// SessionController limits the number of sessions running at once. A
// request holds its slot until its handler returns, or until the release
// function obtained with Hold is called. Monitoring requests are exempt.
type SessionController struct {
	Max     int64
	Current int64
}

// Limit enforces the session limit while running the next handler.
func (c *SessionController) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt64(&c.Current, 1)
		if c.Max > 0 && cur > c.Max && !GetMonitoring(r.Context()) {
			atomic.AddInt64(&c.Current, -1)
			sessionRequests.WithLabelValues("rejected").Inc()
			// 503 - https://tools.ietf.org/html/rfc7231#section-6.6.4
			w.WriteHeader(http.StatusServiceUnavailable)
			// Return without additional response.
			return
		}
		currentSessions.Set(float64(cur))
		sessionRequests.WithLabelValues("accepted").Inc()
		s := &slot{}
		s.release = sync.OnceFunc(func() {
			currentSessions.Set(float64(atomic.AddInt64(&c.Current, -1)))
		})
		ctx := context.WithValue(r.Context(), slotContextIDKey, s)
		next.ServeHTTP(w, r.WithContext(ctx))
		if !s.held.Load() {
			s.release()
		}
	})
}

// Hold keeps the slot of the request carrying ctx after its handler
// returns. The returned function releases it; it is safe to call more than
// once and does nothing for requests not admitted by a SessionController.
func Hold(ctx context.Context) func() {
	s, ok := ctx.Value(slotContextIDKey).(*slot)
	if !ok {
		return func() {}
	}
	s.held.Store(true)
	return s.release
}

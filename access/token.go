package access

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TokenSubject is the subject of access tokens for teleview sessions.
const TokenSubject = "teleview"

// TokenController manages access control for callers providing access_token parameters.
type TokenController struct {
	token   Verifier
	machine string
}

const monitorIssuer = "monitoring"

var (
	tokenAccessRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teleview_access_tokencontroller_requests_total",
			Help: "Total number of requests handled by the access tokencontroller.",
		},
		[]string{"request"},
	)
	requireTokens bool
)

func init() {
	flag.BoolVar(&requireTokens, "tokencontroller.required", false, "Whether access tokens are required by callers.")
}

// Verifier is used by the TokenController to verify JWT claims in access tokens.
type Verifier interface {
	Verify(token string, exp jwt.Expected) (*jwt.Claims, error)
}

// NewTokenController creates a new token controller for the named listener.
func NewTokenController(name string, verifier Verifier) *TokenController {
	return &TokenController{
		token:   verifier,
		machine: name,
	}
}

// Limit implements the Controller interface by checking the access_token
// query parameter of the session URL.
func (t *TokenController) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verified, ctx := t.isVerified(r)
		if !verified {
			w.WriteHeader(http.StatusUnauthorized)
			// Return without additional response.
			return
		}
		// Clone the request with the context provided by isVerified.
		next.ServeHTTP(w, r.Clone(ctx))
	})
}

// isVerified validates the access_token and if the access token issuer is
// monitoring, add a context value derived from the given request context.
func (t *TokenController) isVerified(r *http.Request) (bool, context.Context) {
	ctx := r.Context()
	token := r.URL.Query().Get("access_token")
	if token == "" && !requireTokens {
		tokenAccessRequests.WithLabelValues("accepted").Inc()
		return true, ctx
	}
	cl, err := t.token.Verify(token, jwt.Expected{
		// Do not specify the Issuer here so we can check for monitoring below.
		Subject:  TokenSubject,
		Audience: jwt.Audience{t.machine},
		Time:     time.Now(),
	})
	if err != nil {
		tokenAccessRequests.WithLabelValues("rejected").Inc()
		return false, ctx
	}
	// Monitoring sessions are exempt from the session limit.
	tokenAccessRequests.WithLabelValues("accepted").Inc()
	return true, SetMonitoring(ctx, cl.Issuer == monitorIssuer)
}

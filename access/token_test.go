package access

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gopkg.in/square/go-jose.v2/jwt"
)

type fakeVerifier struct {
	claims *jwt.Claims
	err    error
	got    jwt.Expected
}

func (f *fakeVerifier) Verify(token string, exp jwt.Expected) (*jwt.Claims, error) {
	f.got = exp
	return f.claims, f.err
}

func TestTokenController_Limit(t *testing.T) {
	tests := []struct {
		name       string
		machine    string
		verifier   *fakeVerifier
		token      string
		require    bool
		code       int
		visited    bool
		monitoring bool
	}{
		{
			name:     "success-without-token",
			machine:  "render1",
			verifier: &fakeVerifier{err: fmt.Errorf("not called")},
			code:     http.StatusOK,
			visited:  true,
		},
		{
			name:    "success-with-token",
			machine: "render1",
			verifier: &fakeVerifier{
				claims: &jwt.Claims{
					Issuer:   "lab.example.org",
					Subject:  TokenSubject,
					Audience: []string{"render1"},
					Expiry:   jwt.NewNumericDate(time.Now()),
				},
			},
			token:   "this-is-a-fake-token",
			code:    http.StatusOK,
			visited: true,
		},
		{
			name:    "success-with-token-with-monitoring-issuer",
			machine: "render1",
			verifier: &fakeVerifier{
				claims: &jwt.Claims{
					Issuer:   monitorIssuer,
					Subject:  TokenSubject,
					Audience: []string{"render1"},
					Expiry:   jwt.NewNumericDate(time.Now()),
				},
			},
			token:      "this-is-a-fake-token",
			code:       http.StatusOK,
			visited:    true,
			monitoring: true, // because the Issuer == monitorIssuer.
		},
		{
			name:     "error-failure-to-verify",
			machine:  "render1",
			verifier: &fakeVerifier{err: fmt.Errorf("fake failure to verify")},
			token:    "this-is-a-fake-token",
			code:     http.StatusUnauthorized,
			visited:  false, // "next" handler is never visited.
		},
		{
			name:     "error-token-required",
			machine:  "render1",
			verifier: &fakeVerifier{err: fmt.Errorf("empty token")},
			require:  true,
			code:     http.StatusUnauthorized,
			visited:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireTokens = tt.require
			defer func() { requireTokens = false }()
			token := NewTokenController(tt.machine, tt.verifier)

			visited := false
			isMonitoring := false
			next := http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
				visited = true
				isMonitoring = GetMonitoring(req.Context())
			})
			target := "/teleview/v1/session?fps=60"
			if tt.token != "" {
				target += "&access_token=" + tt.token
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			rw := httptest.NewRecorder()

			token.Limit(next).ServeHTTP(rw, req)

			if rw.Code != tt.code {
				t.Errorf("TokenController.Limit() wrong http code; got %d, want %d", rw.Code, tt.code)
			}
			if visited != tt.visited {
				t.Errorf("TokenController.Limit() wrong visited; got %t, want %t", visited, tt.visited)
			}
			if isMonitoring != tt.monitoring {
				t.Errorf("TokenController.Limit() monitoring is wrong; got %t, want %t", isMonitoring, tt.monitoring)
			}
			if tt.token != "" && (tt.verifier.got.Subject != TokenSubject || len(tt.verifier.got.Audience) != 1 || tt.verifier.got.Audience[0] != tt.machine) {
				t.Errorf("TokenController.Limit() expected claims = %+v", tt.verifier.got)
			}
		})
	}
}

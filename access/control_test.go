package access

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetMonitoring(t *testing.T) {
	// Set monitoring value true.
	ctx := context.Background()
	ctx = SetMonitoring(ctx, true)
	if m := GetMonitoring(ctx); !m {
		t.Errorf("Set/GetMonitoring() wrong; got %t, want %t", m, true)
	}

	// Set monitoring value false.
	ctx = context.Background()
	ctx = SetMonitoring(ctx, false)
	if m := GetMonitoring(ctx); m {
		t.Errorf("Set/GetMonitoring() wrong; got %t, want %t", m, false)
	}

	// Verify that a nil context WAI.
	if m := GetMonitoring(nil); m {
		t.Errorf("Set/GetMonitoring() wrong; got %t, want %t", m, false)
	}
}

type recorder struct {
	name  string
	order *[]string
}

func (r recorder) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		*r.order = append(*r.order, r.name)
		next.ServeHTTP(w, req)
	})
}

func TestChain(t *testing.T) {
	var order []string
	h := Chain(recorder{"a", &order}, nil, recorder{"b", &order})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			order = append(order, "handler")
		}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "handler" {
		t.Errorf("Chain() order = %v", order)
	}
}

// Package access contains the controllers deciding whether a caller may
// start a session on this listener.
package access

import (
	"context"
	"net/http"
)

// Controller is the interface that all access control types should implement.
type Controller interface {
	Limit(next http.Handler) http.Handler
}

// Chain returns a middleware applying ctls in order, the first one being
// the outermost. Nil controllers are skipped.
func Chain(ctls ...Controller) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		for i := len(ctls) - 1; i >= 0; i-- {
			if ctls[i] != nil {
				h = ctls[i].Limit(h)
			}
		}
		return h
	}
}

type monitoringContextIDType struct{}

var monitoringContextIDKey = monitoringContextIDType{}

// SetMonitoring returns a derived context with the given value.
func SetMonitoring(ctx context.Context, value bool) context.Context {
	// Add a context value to pass advisory information to the next handler.
	return context.WithValue(ctx, monitoringContextIDKey, value)
}

// GetMonitoring attempts to extract the monitoring value from the given context.
func GetMonitoring(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	value := ctx.Value(monitoringContextIDKey)
	if value == nil {
		return false
	}
	return value.(bool)
}

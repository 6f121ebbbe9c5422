// Package tenant carries the calling tenant and user through request
// contexts and limits how fast a tenant may start purchases.
package tenant

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const (
	tenantIDKey contextKey = "tenant_id"
	userIDKey   contextKey = "user_id"

	// TenantHeaderName carries the tenant ID on API requests.
	TenantHeaderName = "X-Tenant-ID"
	// UserHeaderName carries the acting user ID on API requests.
	UserHeaderName = "X-User-ID"
)

// TenantFromContext extracts the tenant ID from the context.
func TenantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tenantIDKey).(string); ok {
		return v
	}
	return ""
}

// UserFromContext extracts the user ID from the context.
func UserFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithTenant returns a context carrying the tenant and user IDs.
func ContextWithTenant(ctx context.Context, tenantID, userID string) context.Context {
	ctx = context.WithValue(ctx, tenantIDKey, tenantID)
	return context.WithValue(ctx, userIDKey, userID)
}

// Isolation is an HTTP middleware that reads the tenant and user headers
// into the request context. Requests without a tenant are rejected.
type Isolation struct {
	HeaderName     string
	UserHeaderName string
	RequireUserID  bool
}

// NewIsolation creates the middleware with the default header names.
func NewIsolation() *Isolation {
	return &Isolation{
		HeaderName:     TenantHeaderName,
		UserHeaderName: UserHeaderName,
	}
}

// Process wraps next with tenant isolation.
func (t *Isolation) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(t.HeaderName))
		if tenantID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "missing tenant ID in header " + t.HeaderName,
			})
			return
		}
		userID := strings.TrimSpace(r.Header.Get(t.UserHeaderName))
		if userID == "" && t.RequireUserID {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "missing user ID in header " + t.UserHeaderName,
			})
			return
		}

		ctx := ContextWithTenant(r.Context(), tenantID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package tenant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestContextWithTenant(t *testing.T) {
	bare := context.Background()
	if TenantFromContext(bare) != "" || UserFromContext(bare) != "" {
		t.Fatal("a bare context must carry no tenant or user")
	}

	ctx := ContextWithTenant(bare, "acme", "alice")
	if got := TenantFromContext(ctx); got != "acme" {
		t.Errorf("tenant = %q, want acme", got)
	}
	if got := UserFromContext(ctx); got != "alice" {
		t.Errorf("user = %q, want alice", got)
	}
}

func TestIsolation_Process(t *testing.T) {
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(TenantFromContext(r.Context()) + "|" + UserFromContext(r.Context())))
	})

	cases := []struct {
		name        string
		requireUser bool
		tenant      string
		user        string
		wantCode    int
		wantBody    string
	}{
		{name: "no tenant", wantCode: http.StatusBadRequest},
		{name: "blank tenant", tenant: " \t", wantCode: http.StatusBadRequest},
		{name: "tenant only", tenant: "acme", wantCode: http.StatusOK, wantBody: "acme|"},
		{name: "trimmed headers", tenant: " acme ", user: " alice ", wantCode: http.StatusOK, wantBody: "acme|alice"},
		{name: "user required but absent", requireUser: true, tenant: "acme", wantCode: http.StatusBadRequest},
		{name: "user required and present", requireUser: true, tenant: "acme", user: "bob", wantCode: http.StatusOK, wantBody: "acme|bob"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			iso := NewIsolation()
			iso.RequireUserID = tc.requireUser

			req := httptest.NewRequest(http.MethodPost, "/api/v1/promotions/purchase", nil)
			if tc.tenant != "" {
				req.Header.Set(TenantHeaderName, tc.tenant)
			}
			if tc.user != "" {
				req.Header.Set(UserHeaderName, tc.user)
			}
			rec := httptest.NewRecorder()
			iso.Process(echo).ServeHTTP(rec, req)

			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			if tc.wantCode != http.StatusOK {
				var body map[string]string
				if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["error"] == "" {
					t.Errorf("want a JSON error body, decode err = %v", err)
				}
				return
			}
			if got := rec.Body.String(); got != tc.wantBody {
				t.Errorf("body = %q, want %q", got, tc.wantBody)
			}
		})
	}
}

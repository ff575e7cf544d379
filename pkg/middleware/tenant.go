// pkg/middleware/tenant.go
package middleware

import (
	"context"
	"net/http"
	"strings"

	"didhub/pkg/tenants"
)

type ctxTenantKey struct{}

// WithTenant resolves the tenant from the request host's first label
// (acme.id.example.com -> slug "acme"), with an X-Tenant-Slug header
// override for tooling and local bring-up.
func WithTenant(reg tenants.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/healthz", "/metrics":
				next.ServeHTTP(w, r)
				return
			}
			slug := strings.TrimSpace(r.Header.Get("X-Tenant-Slug"))
			if slug == "" {
				host := r.Host
				if i := strings.Index(host, ":"); i > 0 {
					host = host[:i]
				}
				slug = host
				if i := strings.Index(host, "."); i > 0 {
					slug = host[:i]
				}
			}
			t, err := reg.FindBySlug(r.Context(), slug)
			if err != nil {
				http.Error(w, "unknown tenant", http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), ctxTenantKey{}, t)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func TenantFrom(ctx context.Context) tenants.Tenant {
	if v := ctx.Value(ctxTenantKey{}); v != nil {
		return v.(tenants.Tenant)
	}
	return tenants.Tenant{}
}

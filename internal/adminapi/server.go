package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes builds the /admin sub-router. Mount it on the service router so
// it shares the request-id/recover/tracing middleware stack.
func (a *App) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(cors(a.corsOrigins))
	r.Use(a.adminAuth)

	r.Post("/tenants", a.createTenant)
	r.Post("/tenants/{id}/activate", a.activateTenant)
	r.Post("/tenants/{id}/deactivate", a.deactivateTenant)
	r.Get("/tenants/{id}/status", a.tenantStatus)
	r.Post("/tenants/{id}/sweep", a.sweepTenant)
	r.Get("/summary", a.summary)

	r.Get("/issuers", a.listIssuers)
	r.Put("/issuers/{id}", a.upsertIssuer)
	r.Post("/issuers/{id}/clients", a.registerClient)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

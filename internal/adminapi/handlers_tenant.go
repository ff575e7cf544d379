package adminapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"didhub/pkg/fault"
	"didhub/pkg/tenants"
)

type createTenantRequest struct {
	Slug       string `json:"slug"`
	DBHost     string `json:"dbHost"`
	DBPort     int    `json:"dbPort,omitempty"`
	DBUser     string `json:"dbUser"`
	DBPassword string `json:"dbPassword,omitempty"`
	DBName     string `json:"dbName"`
	OwnerID    string `json:"ownerId,omitempty"`
}

// createTenant records a tenant; it comes into existence deactivated and
// only Activate brings it online.
func (a *App) createTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.Slug = strings.TrimSpace(strings.ToLower(req.Slug))
	if req.Slug == "" || req.DBHost == "" || req.DBUser == "" || req.DBName == "" {
		http.Error(w, "slug, dbHost, dbUser and dbName are required", http.StatusBadRequest)
		return
	}
	t, err := a.registry.Create(r.Context(), tenants.Tenant{
		ID:         uuid.NewString(),
		Slug:       req.Slug,
		DBHost:     req.DBHost,
		DBPort:     req.DBPort,
		DBUser:     req.DBUser,
		DBPassword: req.DBPassword,
		DBName:     req.DBName,
		OwnerID:    req.OwnerID,
	})
	if err != nil {
		a.log.Errorw("create tenant failed", "slug", req.Slug, "err", err)
		fault.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (a *App) activateTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.lifecycle.Activate(r.Context(), id); err != nil {
		a.log.Warnw("activation failed", "tenant", id, "err", err)
		fault.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) deactivateTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.lifecycle.Deactivate(r.Context(), id); err != nil {
		a.log.Warnw("deactivation failed", "tenant", id, "err", err)
		fault.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) tenantStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := a.lifecycle.TenantStatus(r.Context(), id)
	if err != nil {
		fault.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *App) sweepTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := a.sweep(r.Context(), id)
	if err != nil {
		a.log.Warnw("sweep failed", "tenant", id, "err", err)
		fault.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (a *App) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := a.lifecycle.TenantSummary(r.Context())
	if err != nil {
		fault.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

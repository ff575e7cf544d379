package adminapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"didhub/internal/issuers"
	"didhub/internal/storage"
	"didhub/pkg/fault"
)

func (a *App) listIssuers(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if tenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	list, err := a.issuers.ListByTenant(r.Context(), tenantID)
	if err != nil {
		fault.WriteJSON(w, err)
		return
	}
	// Secrets stay server-side.
	for i := range list {
		list[i].FederatedClientSecret = ""
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *App) upsertIssuer(w http.ResponseWriter, r *http.Request) {
	var iss issuers.Issuer
	if err := json.NewDecoder(r.Body).Decode(&iss); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	iss.ID = chi.URLParam(r, "id")
	if err := iss.Validate(); err != nil {
		fault.WriteJSON(w, err)
		return
	}
	if err := a.issuers.Upsert(r.Context(), iss); err != nil {
		a.log.Errorw("issuer upsert failed", "issuer", iss.ID, "err", err)
		fault.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerClientRequest struct {
	ClientID                string   `json:"clientId"`
	ClientSecret            string   `json:"clientSecret,omitempty"`
	GrantTypes              []string `json:"grantTypes,omitempty"`
	RedirectURIs            []string `json:"redirectUris,omitempty"`
	ResponseTypes           []string `json:"responseTypes,omitempty"`
	ApplicationType         string   `json:"applicationType,omitempty"`
	TokenEndpointAuthMethod string   `json:"tokenEndpointAuthMethod,omitempty"`
}

// registerClient creates a protocol client under an issuer. The tenant's
// agent mints (or reuses) the client's DID; key material is never part
// of the request and the stored record never carries a JWKS.
func (a *App) registerClient(w http.ResponseWriter, r *http.Request) {
	issuerID := chi.URLParam(r, "id")
	iss, err := a.issuers.FindByID(r.Context(), issuerID)
	if err != nil {
		fault.WriteJSON(w, err)
		return
	}

	var req registerClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ClientID) == "" {
		http.Error(w, "clientId is required", http.StatusBadRequest)
		return
	}

	registrar, err := a.registrars(r.Context(), iss.TenantID)
	if err != nil {
		a.log.Warnw("registrar unavailable", "tenant", iss.TenantID, "err", err)
		fault.WriteJSON(w, err)
		return
	}

	c, err := registrar.Register(r.Context(), storage.Client{
		ClientID:                req.ClientID,
		IssuerID:                issuerID,
		ClientSecret:            req.ClientSecret,
		GrantTypes:              req.GrantTypes,
		RedirectURIs:            req.RedirectURIs,
		ResponseTypes:           req.ResponseTypes,
		ApplicationType:         req.ApplicationType,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	})
	if err != nil {
		a.log.Errorw("client registration failed", "client", req.ClientID, "err", err)
		fault.WriteJSON(w, err)
		return
	}
	c.ClientSecret = ""
	writeJSON(w, http.StatusCreated, c)
}

package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dukerupert/graphsafe/internal/apperr"
	"github.com/dukerupert/graphsafe/internal/auth"
	"github.com/dukerupert/graphsafe/internal/metrics"
	"github.com/dukerupert/graphsafe/internal/model"
)

type AuthHandler struct {
	oauth    *auth.OAuthService
	sessions *auth.SessionManager
	docs     *auth.DocumentService
	metrics  *metrics.Collector
	logger   *slog.Logger
}

func NewAuthHandler(oauth *auth.OAuthService, sessions *auth.SessionManager, docs *auth.DocumentService, m *metrics.Collector, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{oauth: oauth, sessions: sessions, docs: docs, metrics: m, logger: logger}
}

func identity(r *http.Request) (*auth.Identity, error) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return nil, fmt.Errorf("no identity on request: %w", apperr.ErrUnauthorized)
	}
	return id, nil
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	authURL, state, err := h.oauth.Login(r.Context(), provider)
	if err != nil {
		h.metrics.Login(provider, err)
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"authorization_url": authURL,
		"state":             state,
	})
}

// Callback finishes the provider round trip. The browser is always
// redirected; failures carry only the error kind.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	q := r.URL.Query()

	var token string
	var err error
	if denied := q.Get("error"); denied != "" {
		err = fmt.Errorf("provider returned %s: %w", denied, apperr.ErrUnauthorized)
	} else {
		token, _, err = h.oauth.Callback(r.Context(), provider, q.Get("code"), q.Get("state"))
	}
	h.metrics.Login(provider, err)
	if err != nil {
		h.logger.Warn("oauth callback failed", "provider", provider, "kind", apperr.KindOf(err), "error", err)
		http.Redirect(w, r, h.oauth.ErrorRedirect(err), http.StatusFound)
		return
	}
	http.Redirect(w, r, h.oauth.SuccessRedirect(token), http.StatusFound)
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id.User)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if err := h.sessions.Revoke(r.Context(), id.Session); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) Owned(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	docs, err := h.docs.Owned(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if docs == nil {
		docs = []model.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

type createDocumentRequest struct {
	Name string `json:"name"`
}

func (h *AuthHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	var req createDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	doc, err := h.docs.Create(r.Context(), id, req.Name)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

type shareRequest struct {
	Email string      `json:"email"`
	Level model.Level `json:"level"`
}

func (h *AuthHandler) Share(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	var req shareRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	grant, err := h.docs.Share(r.Context(), id, r.PathValue("id"), req.Email, req.Level)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (h *AuthHandler) RevokeAccess(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if err := h.docs.Revoke(r.Context(), id, r.PathValue("id"), r.PathValue("userID")); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) Users(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	members, err := h.docs.Members(r.Context(), id, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if members == nil {
		members = []model.DocumentMember{}
	}
	writeJSON(w, http.StatusOK, members)
}

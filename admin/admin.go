// Package admin provides the HTTP handlers for impersonation.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/juanfont/masquerade/auth"
	"github.com/juanfont/masquerade/impersonation"
	"github.com/juanfont/masquerade/types"
	"github.com/rs/zerolog/log"
)

// DefaultLogLimit is the page size used when the request names none.
const DefaultLogLimit = 20

// Handlers provides HTTP handlers for impersonation.
type Handlers struct {
	service *impersonation.Service
}

// NewHandlers creates new admin handlers.
func NewHandlers(service *impersonation.Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes mounts the impersonation routes on router. Every route
// requires authentication; the audit log also requires the capability.
func (h *Handlers) RegisterRoutes(router *mux.Router, mw *auth.SessionMiddleware, capability impersonation.PermissionChecker) {
	sub := router.PathPrefix("/impersonate").Subrouter()
	sub.Use(mw.RequireAuth)
	sub.HandleFunc("/start", h.ImpersonationStartHandler).Methods(http.MethodPost)
	sub.HandleFunc("/end", h.ImpersonationEndHandler).Methods(http.MethodPost)
	sub.HandleFunc("/status", h.ImpersonationStatusHandler).Methods(http.MethodGet)
	sub.Handle("/logs", mw.RequireCapability(capability)(http.HandlerFunc(h.ImpersonationLogsHandler))).Methods(http.MethodGet)

	router.Handle("/logout", mw.RequireAuth(http.HandlerFunc(mw.LogoutHandler))).Methods(http.MethodPost)
}

// StatusForCode maps an impersonation error code to its HTTP status.
func StatusForCode(code impersonation.Code) int {
	switch code {
	case impersonation.CodeForbidden, impersonation.CodeAuthorization:
		return http.StatusForbidden
	case impersonation.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func writeImpersonationError(w http.ResponseWriter, err error) {
	code := impersonation.CodeOf(err)
	types.WriteJSON(w, StatusForCode(code), types.ImpersonationErrorResponse{Error: string(code)})
}

func actorFrom(w http.ResponseWriter, r *http.Request) (impersonation.Actor, bool) {
	actor, ok := auth.GetActorFromContext(r.Context())
	if !ok {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusUnauthorized, "Authentication required", nil))
	}
	return actor, ok
}

// ImpersonationStartHandler handles POST /impersonate/start.
func (h *Handlers) ImpersonationStartHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var req types.ImpersonationStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Debug().Err(err).Int64("admin_id", actor.AdminID).Msg("Invalid impersonation start body")
		writeImpersonationError(w, impersonation.ErrValidation)
		return
	}

	summary, err := h.service.StartSession(r.Context(), actor, impersonation.StartRequest{
		TargetUserID: req.TargetUserID,
		Reason:       req.Reason,
	})
	if err != nil {
		writeImpersonationError(w, err)
		return
	}

	types.WriteJSON(w, http.StatusOK, types.ImpersonationStartResponse{
		Success: true,
		Session: summary,
	})
}

// ImpersonationEndHandler handles POST /impersonate/end.
func (h *Handlers) ImpersonationEndHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	result, err := h.service.EndSession(r.Context(), actor)
	if err != nil {
		writeImpersonationError(w, err)
		return
	}

	types.WriteJSON(w, http.StatusOK, types.ImpersonationEndResponse{
		Success:  true,
		Duration: result.DurationSeconds,
	})
}

// ImpersonationStatusHandler handles GET /impersonate/status.
func (h *Handlers) ImpersonationStatusHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	summary, err := h.service.CurrentSession(r.Context(), actor)
	if err != nil {
		writeImpersonationError(w, err)
		return
	}

	types.WriteJSON(w, http.StatusOK, types.ImpersonationStatusResponse{
		IsImpersonating: summary != nil,
		Session:         summary,
	})
}

// ImpersonationLogsHandler handles GET /impersonate/logs?page=&limit=.
// Missing or malformed values fall back to the first page of DefaultLogLimit
// entries; out of range values are clamped by the service.
func (h *Handlers) ImpersonationLogsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page := intParam(query.Get("page"), 0)
	limit := intParam(query.Get("limit"), DefaultLogLimit)

	result, err := h.service.ListAuditLog(r.Context(), page, limit)
	if err != nil {
		writeImpersonationError(w, err)
		return
	}
	types.WriteJSON(w, http.StatusOK, result)
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// Package auth resolves the logged-in admin from the cookie session and
// exposes the acting and effective users to handlers.
package auth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/juanfont/masquerade/impersonation"
	"github.com/juanfont/masquerade/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	// ContextKeyUser is the context key for the authenticated user.
	ContextKeyUser ContextKey = "user"
	// ContextKeyActor is the context key for the impersonation actor.
	ContextKeyActor ContextKey = "actor"
	// ContextKeyEffectiveUser is the context key for the user requests act as.
	ContextKeyEffectiveUser ContextKey = "effective_user"
	// ContextKeyImpersonation is the context key for the live impersonation session.
	ContextKeyImpersonation ContextKey = "impersonation"
)

// Session value keys.
const (
	sessionKeyLogged         = "logged"
	sessionKeyUserID         = "user_id"
	sessionKeyLoginSessionID = "login_session_id"
)

// UserStore loads users for authentication.
type UserStore interface {
	GetUserByID(ctx context.Context, userID int64) (*types.User, error)
}

// SessionMiddleware provides session-based authentication middleware.
type SessionMiddleware struct {
	sessionStore sessions.Store
	cookieName   string
	userStore    UserStore
	service      *impersonation.Service
}

// NewSessionMiddleware creates a new session middleware.
func NewSessionMiddleware(
	sessionStore sessions.Store,
	cookieName string,
	userStore UserStore,
	service *impersonation.Service,
) *SessionMiddleware {
	return &SessionMiddleware{
		sessionStore: sessionStore,
		cookieName:   cookieName,
		userStore:    userStore,
		service:      service,
	}
}

// Login marks the cookie session as authenticated for userID and assigns it
// a fresh login session ID. Credential checks happen before this call.
func (m *SessionMiddleware) Login(w http.ResponseWriter, r *http.Request, userID int64) (string, error) {
	session, err := m.sessionStore.Get(r, m.cookieName)
	if err != nil && session == nil {
		return "", err
	}

	loginSessionID := uuid.NewString()
	session.Values[sessionKeyLogged] = true
	session.Values[sessionKeyUserID] = userID
	session.Values[sessionKeyLoginSessionID] = loginSessionID
	if err := session.Save(r, w); err != nil {
		return "", err
	}
	return loginSessionID, nil
}

// Authenticate validates the session and returns the user and actor.
func (m *SessionMiddleware) Authenticate(r *http.Request) (*types.User, impersonation.Actor, error) {
	session, err := m.sessionStore.Get(r, m.cookieName)
	if err != nil {
		return nil, impersonation.Actor{}, types.NewHTTPError(http.StatusUnauthorized, "Invalid session", err)
	}

	logged, ok := session.Values[sessionKeyLogged].(bool)
	if !ok || !logged {
		log.Warn().
			Str("path", r.URL.Path).
			Msg("Authentication required")
		return nil, impersonation.Actor{}, types.NewHTTPError(http.StatusUnauthorized, "Authentication required", nil)
	}

	userID, ok := session.Values[sessionKeyUserID].(int64)
	if !ok || userID <= 0 {
		return nil, impersonation.Actor{}, types.NewHTTPError(http.StatusUnauthorized, "Invalid session", nil)
	}
	loginSessionID, ok := session.Values[sessionKeyLoginSessionID].(string)
	if !ok || loginSessionID == "" {
		return nil, impersonation.Actor{}, types.NewHTTPError(http.StatusUnauthorized, "Invalid session", nil)
	}

	user, err := m.userStore.GetUserByID(r.Context(), userID)
	if err != nil || !user.IsActive() {
		return nil, impersonation.Actor{}, types.NewHTTPError(http.StatusUnauthorized, "User not found", err)
	}

	actor := impersonation.Actor{
		AdminID:        user.ID,
		LoginSessionID: loginSessionID,
		IPAddress:      GetClientIP(r),
		UserAgent:      r.UserAgent(),
	}
	return user, actor, nil
}

// RequireAuth returns middleware that requires authentication. A session that
// outlived the timeout is ended before the request runs; otherwise the
// impersonated user becomes the effective user of the request.
func (m *SessionMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, actor, err := m.Authenticate(r)
		if err != nil {
			types.WriteHTTPError(w, err)
			return
		}

		ctx := r.Context()
		if m.service != nil {
			if _, err := m.service.ExpireIfStale(ctx, actor.Scope()); err != nil {
				log.Error().Err(err).Int64("admin_id", actor.AdminID).Msg("Failed to expire stale impersonation")
			}
		}

		reqLogger := zerolog.Ctx(ctx)
		reqLogger.UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Int64("admin_id", actor.AdminID)
		})

		ctx = context.WithValue(ctx, ContextKeyUser, user)
		ctx = context.WithValue(ctx, ContextKeyActor, actor)
		ctx = context.WithValue(ctx, ContextKeyEffectiveUser, user)

		if m.service != nil {
			current, err := m.service.ActiveSession(ctx, actor)
			if err != nil {
				types.WriteHTTPError(w, types.NewHTTPError(http.StatusInternalServerError, "Failed to read impersonation state", err))
				return
			}
			if current != nil {
				target, err := m.userStore.GetUserByID(ctx, current.TargetUserID)
				switch {
				case err == nil:
					ctx = context.WithValue(ctx, ContextKeyEffectiveUser, target)
				case !errors.Is(err, types.ErrNotFound):
					types.WriteHTTPError(w, types.NewHTTPError(http.StatusInternalServerError, "Failed to load impersonated user", err))
					return
				}
				ctx = context.WithValue(ctx, ContextKeyImpersonation, current)
				reqLogger.UpdateContext(func(c zerolog.Context) zerolog.Context {
					return c.Int64("impersonated_user_id", current.TargetUserID)
				})
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireCapability returns middleware that admits only users holding the
// impersonation capability.
func (m *SessionMiddleware) RequireCapability(checker impersonation.PermissionChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUserFromContext(r.Context())
			if user == nil {
				types.WriteHTTPError(w, types.NewHTTPError(http.StatusUnauthorized, "Authentication required", nil))
				return
			}

			ok, err := checker.CanImpersonate(r.Context(), user.ID)
			if err != nil {
				types.WriteJSON(w, http.StatusInternalServerError, types.ImpersonationErrorResponse{Error: string(impersonation.CodeInternal)})
				log.Error().Err(err).Int64("user_id", user.ID).Msg("Failed to check impersonation capability")
				return
			}
			if !ok {
				log.Warn().
					Int64("user_id", user.ID).
					Str("email", user.Email).
					Str("path", r.URL.Path).
					Msg("User lacks the impersonation capability")
				types.WriteJSON(w, http.StatusForbidden, types.ImpersonationErrorResponse{Error: string(impersonation.CodeAuthorization)})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LogoutHandler ends any active impersonation and destroys the cookie
// session. If the end entry cannot be written the login stays intact so the
// admin can retry.
func (m *SessionMiddleware) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := GetActorFromContext(r.Context())
	if !ok {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusUnauthorized, "Authentication required", nil))
		return
	}

	if m.service != nil {
		if err := m.service.Logout(r.Context(), actor); err != nil {
			log.Error().Err(err).Int64("admin_id", actor.AdminID).Msg("Logout refused, impersonation could not be ended")
			types.WriteJSON(w, http.StatusInternalServerError, types.ImpersonationErrorResponse{Error: string(impersonation.CodeOf(err))})
			return
		}
	}

	session, err := m.sessionStore.Get(r, m.cookieName)
	if err != nil && session == nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusInternalServerError, "Failed to get session", err))
		return
	}
	session.Values = map[interface{}]interface{}{}
	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusInternalServerError, "Failed to clear session", err))
		return
	}

	log.Info().Int64("user_id", actor.AdminID).Msg("User logged out")
	types.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetUserFromContext retrieves the authenticated user from the request context.
func GetUserFromContext(ctx context.Context) *types.User {
	user, ok := ctx.Value(ContextKeyUser).(*types.User)
	if !ok {
		return nil
	}
	return user
}

// GetActorFromContext retrieves the impersonation actor from the request context.
func GetActorFromContext(ctx context.Context) (impersonation.Actor, bool) {
	actor, ok := ctx.Value(ContextKeyActor).(impersonation.Actor)
	return actor, ok
}

// GetEffectiveUserFromContext returns the user the request acts as: the
// impersonated user while a session is live, the authenticated user otherwise.
func GetEffectiveUserFromContext(ctx context.Context) *types.User {
	if user, ok := ctx.Value(ContextKeyEffectiveUser).(*types.User); ok {
		return user
	}
	return GetUserFromContext(ctx)
}

// GetImpersonationFromContext returns the live impersonation session, if any.
func GetImpersonationFromContext(ctx context.Context) (*impersonation.Session, bool) {
	session, ok := ctx.Value(ContextKeyImpersonation).(*impersonation.Session)
	return session, ok && session != nil
}

// GetActorIDForAudit returns the user ID to attribute actions to. While
// impersonating this is the admin, never the target.
func GetActorIDForAudit(ctx context.Context) int64 {
	if actor, ok := GetActorFromContext(ctx); ok {
		return actor.AdminID
	}
	if user := GetUserFromContext(ctx); user != nil {
		return user.ID
	}
	return 0
}

// GetClientIP extracts the client IP address from the request.
func GetClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first (for proxied requests)
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	// Check X-Real-IP header
	realIP := r.Header.Get("X-Real-IP")
	if realIP != "" {
		return realIP
	}

	// Fall back to RemoteAddr
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}

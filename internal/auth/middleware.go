package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/database"
)

type contextKey string

const userContextKey contextKey = "auth_user"

// UserFromContext returns the authenticated user stored by RequireUser,
// or nil when the request was not authenticated.
func UserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userContextKey).(*User)
	return user
}

// Middleware authenticates requests via a bearer token or the httpOnly
// session cookie set by the login endpoint.
type Middleware struct {
	db  *database.DB
	cfg *config.Config
	log zerolog.Logger
}

func NewMiddleware(db *database.DB, cfg *config.Config, logger zerolog.Logger) *Middleware {
	return &Middleware{
		db:  db,
		cfg: cfg,
		log: logger.With().Str("component", "auth").Logger(),
	}
}

func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeAuthError(w, http.StatusUnauthorized, detail)
}

func writeAuthError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": detail})
}

// tokenFromRequest prefers an explicit bearer token over the cookie.
func (m *Middleware) tokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); token != "" {
			return token
		}
	}
	if cookie, err := r.Cookie(m.cfg.AuthCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}

// RequireUser rejects unauthenticated requests and stores the user on the
// request context for downstream handlers.
func (m *Middleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := m.tokenFromRequest(r)
		if token == "" {
			unauthorized(w, "missing_token")
			return
		}

		claims, err := DecodeAccessToken(token, m.cfg.AuthJWTSecret)
		if err != nil {
			unauthorized(w, "token_invalid")
			return
		}

		user, err := GetUserByID(m.db.Conn(), claims.UserID)
		if err != nil {
			m.log.Error().Err(err).Int64("user_id", claims.UserID).Msg("Failed to load user")
			writeAuthError(w, http.StatusInternalServerError, "user_lookup_failed")
			return
		}
		if user == nil {
			unauthorized(w, "user_not_found")
			return
		}
		if !user.IsActive {
			unauthorized(w, "user_inactive")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	})
}

// RequireAdmin rejects non-admin users. Must be mounted inside RequireUser.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := UserFromContext(r.Context())
		if user == nil || !user.IsAdmin() {
			writeAuthError(w, http.StatusForbidden, "admin_required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSubscription rejects users without an active or trialing
// subscription. Admins are always allowed; BILLING_DEV_BYPASS skips the
// check for local development. Must be mounted inside RequireUser.
func (m *Middleware) RequireSubscription(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := UserFromContext(r.Context())
		if user == nil {
			unauthorized(w, "missing_token")
			return
		}
		if user.IsAdmin() || m.cfg.BillingDevBypass || user.HasActiveSubscription() {
			next.ServeHTTP(w, r)
			return
		}
		writeAuthError(w, http.StatusPaymentRequired, "subscription_required")
	})
}

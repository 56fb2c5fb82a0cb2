package server

import (
	"net/http"

	"github.com/aristath/insiderscope/internal/auth"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// setAuthCookies sets the httpOnly session cookie plus non-sensitive
// convenience cookies the frontend reads for gating.
func (s *Server) setAuthCookies(w http.ResponseWriter, token string, user *auth.User) {
	maxAge := s.cfg.AuthTokenExpireMinutes * 60
	secure := s.cfg.AuthCookieSecure

	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.AuthCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     "is_role",
		Value:    user.Role,
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     "is_sub",
		Value:    user.SubscriptionStatus,
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{s.cfg.AuthCookieName, "is_role", "is_sub"} {
		http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1})
	}
}

func (s *Server) issueSession(w http.ResponseWriter, user *auth.User) {
	token, err := auth.CreateAccessToken(
		s.cfg.AuthJWTSecret, user.UserID, user.Username, user.Role, s.cfg.AuthTokenExpireMinutes)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to issue access token")
		writeError(w, http.StatusInternalServerError, "token_issue_failed")
		return
	}

	s.setAuthCookies(w, token, user)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "bearer",
		"user":         user,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := auth.VerifyCredentials(s.db.Conn(), req.Username, req.Password)
	if err != nil {
		s.log.Error().Err(err).Msg("Login failed")
		writeError(w, http.StatusInternalServerError, "login_failed")
		return
	}
	if user == nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}

	if err := auth.TouchLastLogin(s.db.Conn(), user.UserID); err != nil {
		s.log.Warn().Err(err).Int64("user_id", user.UserID).Msg("Failed to record login time")
	}
	s.issueSession(w, user)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	username := auth.NormalizeUsername(req.Username)
	if len(username) < 3 {
		writeError(w, http.StatusBadRequest, "username_too_short")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password_too_short")
		return
	}

	existing, err := auth.GetUserByUsername(s.db.Conn(), username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "register_failed")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "username_exists")
		return
	}

	user, err := auth.CreateUser(s.db.Conn(), username, req.Password, "user")
	if err != nil {
		s.log.Error().Err(err).Msg("Registration failed")
		writeError(w, http.StatusInternalServerError, "register_failed")
		return
	}
	s.issueSession(w, user)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.clearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": auth.UserFromContext(r.Context())})
}

func (s *Server) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}

	existing, err := auth.GetUserByUsername(s.db.Conn(), req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create_user_failed")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "username_exists")
		return
	}

	user, err := auth.CreateUser(s.db.Conn(), req.Username, req.Password, req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": user})
}

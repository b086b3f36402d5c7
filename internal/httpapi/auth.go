package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatvault/chatvault/internal/auth"
	"github.com/chatvault/chatvault/internal/metrics"
	"github.com/chatvault/chatvault/internal/store"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type authCheckResponse struct {
	AuthRequired  bool   `json:"auth_required"`
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username,omitempty"`
	Role          string `json:"role,omitempty"`
	IsMaster      bool   `json:"is_master"`
}

// Login handles POST /api/login.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	if !s.Cfg.AuthEnabled() {
		writeError(w, r, http.StatusBadRequest, "authentication is disabled")
		return
	}

	ip := auth.ClientIP(r)
	if !s.Logins.Allow(ip) {
		retry := int(s.Logins.RetryAfter(ip).Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		metrics.LoginAttempts.WithLabelValues("rate_limited").Inc()
		log.Warn().Str("ip", ip).Msg("login rate limit exceeded")
		writeError(w, r, http.StatusTooManyRequests, "too many login attempts")
		return
	}
	// Every attempt counts against the window, including successful ones.
	s.Logins.Record(ip)

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)

	role, scope, ok := s.verifyCredentials(r.Context(), req.Username, req.Password)
	if !ok {
		metrics.LoginAttempts.WithLabelValues("failed").Inc()
		s.auditAs(r, req.Username, "none", "login_failed", nil)
		writeError(w, r, http.StatusUnauthorized, "invalid username or password")
		return
	}
	metrics.LoginAttempts.WithLabelValues("success").Inc()

	sess, err := s.Sessions.Create(req.Username, role, scope)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to create session")
		return
	}

	http.SetCookie(w, s.sessionCookie(r, sess.Token, int(time.Until(sess.ExpiresAt).Seconds())))
	s.auditAs(r, req.Username, role, "login_success", nil)
	log.Info().Str("username", req.Username).Str("role", role).Msg("login")

	writeJSON(w, http.StatusOK, loginResponse{Username: req.Username, Role: role})
}

// verifyCredentials checks the master account first, then viewer accounts.
// Returns the role and the effective scope.
func (s *Server) verifyCredentials(ctx context.Context, username, password string) (string, *auth.ScopeSet, bool) {
	if username == "" || password == "" {
		return "", nil, false
	}

	masterUser := subtle.ConstantTimeCompare([]byte(username), []byte(s.Cfg.MasterUsername)) == 1
	masterPass := subtle.ConstantTimeCompare([]byte(password), []byte(s.Cfg.MasterPassword)) == 1
	if masterUser && masterPass {
		return auth.RoleMaster, s.MasterFilter, true
	}

	acct, err := s.Store.GetViewerByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Msg("viewer lookup failed")
		}
		return "", nil, false
	}
	if !acct.IsActive || !auth.VerifyPassword(password, acct.Salt, acct.PasswordHash) {
		return "", nil, false
	}

	resolved := auth.ResolveChatIDs(ctx, s.chatExists, acct.AllowedChatIDs)
	scope := auth.NewScope(resolved).Intersect(s.MasterFilter)
	return auth.RoleViewer, scope, true
}

// chatExists probes the archive for scope resolution.
func (s *Server) chatExists(ctx context.Context, id int64) bool {
	_, err := s.Store.GetChat(ctx, id)
	return err == nil
}

// Logout handles POST /api/logout.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		if sess, ok := s.Sessions.Get(c.Value); ok {
			s.Sessions.Delete(c.Value)
			s.auditAs(r, sess.Username, sess.Role, "logout", nil)
		}
	}
	http.SetCookie(w, s.sessionCookie(r, "", -1))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// AuthCheck handles GET /api/auth/check. Never requires a session; the front
// end calls it first to decide whether to show the login form.
func (s *Server) AuthCheck(w http.ResponseWriter, r *http.Request) {
	resp := authCheckResponse{AuthRequired: s.Cfg.AuthEnabled()}

	if !s.Cfg.AuthEnabled() {
		resp.Authenticated = true
		resp.Username = "master"
		resp.Role = auth.RoleMaster
		resp.IsMaster = true
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if sess, ok := s.currentSession(r); ok {
		resp.Authenticated = true
		resp.Username = sess.Username
		resp.Role = sess.Role
		resp.IsMaster = sess.Role == auth.RoleMaster
	}
	writeJSON(w, http.StatusOK, resp)
}

// sessionCookie builds the auth cookie with the configured security policy.
func (s *Server) sessionCookie(r *http.Request, value string, maxAge int) *http.Cookie {
	secure := false
	switch s.Cfg.SecureCookies {
	case "true":
		secure = true
	case "false":
		secure = false
	default: // auto
		secure = r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	}
	return &http.Cookie{
		Name:     sessionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

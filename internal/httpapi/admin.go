package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/chatvault/chatvault/internal/auth"
	"github.com/chatvault/chatvault/internal/store"
)

const (
	minViewerUsername = 3
	minViewerPassword = 8
)

// AdminListChats handles GET /api/admin/chats. Unlike the scoped listing it
// returns every chat, so the admin UI can offer the full set when editing a
// viewer's allowed list.
func (s *Server) AdminListChats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListChatsOpts{
		Limit:  parseLimit(q.Get("limit"), defaultChatLimit, maxChatLimit),
		Offset: parseOffset(q.Get("offset")),
		Search: q.Get("search"),
	}
	chats, err := s.Store.ListChats(r.Context(), opts)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to list chats")
		return
	}
	total, err := s.Store.CountChats(r.Context(), opts)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to count chats")
		return
	}
	if chats == nil {
		chats = []store.Chat{}
	}
	writeJSON(w, http.StatusOK, chatListResponse{Chats: chats, Total: total})
}

// AdminAuditLog handles GET /api/admin/audit.
func (s *Server) AdminAuditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.Store.GetAuditLogs(r.Context(),
		parseLimit(q.Get("limit"), 100, 1000),
		parseOffset(q.Get("offset")),
		q.Get("username"))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to load audit log")
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// AdminListViewers handles GET /api/admin/viewers.
func (s *Server) AdminListViewers(w http.ResponseWriter, r *http.Request) {
	viewers, err := s.Store.ListViewerAccounts(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to list viewers")
		return
	}
	if viewers == nil {
		viewers = []store.ViewerAccount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"viewers": viewers})
}

type viewerRequest struct {
	Username       string  `json:"username"`
	Password       string  `json:"password"`
	AllowedChatIDs []int64 `json:"allowed_chat_ids"`
	IsActive       *bool   `json:"is_active"`
}

func (s *Server) validateViewerUsername(username string) string {
	if len(username) < minViewerUsername {
		return "username must be at least 3 characters"
	}
	if strings.EqualFold(username, s.Cfg.MasterUsername) {
		return "username is reserved"
	}
	return ""
}

// AdminCreateViewer handles POST /api/admin/viewers.
func (s *Server) AdminCreateViewer(w http.ResponseWriter, r *http.Request) {
	var req viewerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if msg := s.validateViewerUsername(req.Username); msg != "" {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}
	if len(req.Password) < minViewerPassword {
		writeError(w, r, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	salt, err := auth.NewSalt()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to create account")
		return
	}
	p := principalFrom(r.Context())
	acct := &store.ViewerAccount{
		Username:       req.Username,
		PasswordHash:   auth.HashPassword(req.Password, salt),
		Salt:           salt,
		AllowedChatIDs: req.AllowedChatIDs,
		IsActive:       true,
		CreatedBy:      p.Username,
	}
	if req.IsActive != nil {
		acct.IsActive = *req.IsActive
	}

	if err := s.Store.CreateViewerAccount(r.Context(), acct); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, r, http.StatusConflict, "username already exists")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "failed to create account")
		return
	}
	s.audit(r, "viewer_created", nil)
	log.Info().Str("username", acct.Username).Msg("viewer account created")
	writeJSON(w, http.StatusCreated, acct)
}

// viewerUpdateRequest is the partial-update body. Usernames are immutable, so
// the field is absent here. allowed_chat_ids distinguishes an explicit null,
// which restores unrestricted access, from an omitted field.
type viewerUpdateRequest struct {
	Password       string           `json:"password"`
	AllowedChatIDs *json.RawMessage `json:"allowed_chat_ids"`
	IsActive       *bool            `json:"is_active"`
}

// AdminUpdateViewer handles PUT /api/admin/viewers/{viewerID}. Any change
// invalidates the account's live sessions so revoked scope takes effect
// immediately.
func (s *Server) AdminUpdateViewer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "viewerID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid viewer id")
		return
	}
	acct, err := s.Store.GetViewerAccount(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "viewer not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "failed to load viewer")
		return
	}

	var req viewerUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Password != "" {
		if len(req.Password) < minViewerPassword {
			writeError(w, r, http.StatusBadRequest, "password must be at least 8 characters")
			return
		}
		salt, err := auth.NewSalt()
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "failed to update account")
			return
		}
		acct.Salt = salt
		acct.PasswordHash = auth.HashPassword(req.Password, salt)
	}
	if req.AllowedChatIDs != nil {
		// An explicit null clears the list and restores unrestricted access.
		var ids []int64
		if err := json.Unmarshal(*req.AllowedChatIDs, &ids); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid allowed_chat_ids")
			return
		}
		acct.AllowedChatIDs = ids
	}
	if req.IsActive != nil {
		acct.IsActive = *req.IsActive
	}

	if err := s.Store.UpdateViewerAccount(r.Context(), acct); err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to update account")
		return
	}
	s.Sessions.DeleteUserSessions(acct.Username)
	s.audit(r, "viewer_updated", nil)
	writeJSON(w, http.StatusOK, acct)
}

// AdminDeleteViewer handles DELETE /api/admin/viewers/{viewerID}.
func (s *Server) AdminDeleteViewer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "viewerID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid viewer id")
		return
	}
	acct, err := s.Store.GetViewerAccount(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "viewer not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "failed to load viewer")
		return
	}
	// Sessions go first so a concurrent request cannot ride a live session
	// past the row's removal.
	s.Sessions.DeleteUserSessions(acct.Username)
	if err := s.Store.DeleteViewerAccount(r.Context(), id); err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to delete account")
		return
	}
	s.audit(r, "viewer_deleted", nil)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

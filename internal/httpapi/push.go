package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/chatvault/chatvault/internal/store"
)

type pushConfigResponse struct {
	Enabled   bool   `json:"enabled"`
	PublicKey string `json:"vapid_public_key,omitempty"`
	Mode      string `json:"mode"`
}

// PushConfig handles GET /api/push/config.
func (s *Server) PushConfig(w http.ResponseWriter, r *http.Request) {
	resp := pushConfigResponse{Mode: s.Cfg.PushMode}
	if s.Push.Enabled() {
		resp.Enabled = true
		resp.PublicKey = s.Push.PublicKey()
	}
	writeJSON(w, http.StatusOK, resp)
}

type pushSubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// PushSubscribe handles POST /api/push/subscribe. The subscription is stored
// with the caller's scope frozen in, so later deliveries filter against what
// the subscriber was allowed to see at subscribe time.
func (s *Server) PushSubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.Push.Enabled() {
		writeError(w, r, http.StatusBadRequest, "push notifications are disabled")
		return
	}
	var req pushSubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeError(w, r, http.StatusBadRequest, "endpoint, p256dh and auth are required")
		return
	}

	p := principalFrom(r.Context())
	sub := store.PushSubscription{
		Endpoint:       req.Endpoint,
		P256dh:         req.Keys.P256dh,
		Auth:           req.Keys.Auth,
		AllowedChatIDs: p.Scope.IDs(),
	}
	if p.Username != "" {
		username := p.Username
		sub.Username = &username
	}
	if ua := r.UserAgent(); ua != "" {
		sub.UserAgent = &ua
	}

	if err := s.Store.UpsertPushSubscription(r.Context(), sub); err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to store subscription")
		return
	}
	log.Debug().Str("username", p.Username).Msg("push subscription registered")
	writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
}

// PushUnsubscribe handles POST /api/push/unsubscribe.
func (s *Server) PushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, r, http.StatusBadRequest, "endpoint is required")
		return
	}
	removed, err := s.Store.DeletePushSubscription(r.Context(), req.Endpoint)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to remove subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// NotificationSettings handles GET /api/notifications/settings. In-app
// sound/desktop preferences live client-side; this only reports what the
// server allows.
func (s *Server) NotificationSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications_enabled": s.Cfg.EnableNotifications,
		"push_mode":             s.Cfg.PushMode,
	})
}

// Package httpapi is the HTTP surface of the viewer: auth, chat queries,
// media, admin and the realtime upgrade endpoint.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/chatvault/chatvault/internal/auth"
	"github.com/chatvault/chatvault/internal/config"
	"github.com/chatvault/chatvault/internal/protect"
	"github.com/chatvault/chatvault/internal/push"
	"github.com/chatvault/chatvault/internal/store"
	"github.com/chatvault/chatvault/internal/thumbs"
	"github.com/chatvault/chatvault/internal/ws"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	Cfg       *config.Config
	Store     store.Store
	Sessions  *auth.SessionStore
	Logins    *auth.LoginLimiter
	Hub       *ws.Hub
	Push      *push.Dispatcher
	Protector *protect.Protector
	Thumbs    *thumbs.Generator

	// MasterFilter is the display filter applied to everyone, master
	// included.
	MasterFilter *auth.ScopeSet

	avatarMu    sync.Mutex
	avatarCache map[int64]avatarEntry
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes a JSON error body with the given status code.
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	if code >= 500 {
		log.Error().Int("status", code).Str("path", r.URL.Path).Str("msg", msg).
			Msg("request failed")
	}
	writeJSON(w, code, errorResponse{Error: msg})
}

// parseLimit parses a limit query param with default and max.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// parseOffset parses a non-negative offset query param.
func parseOffset(q string) int {
	n, err := strconv.Atoi(q)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

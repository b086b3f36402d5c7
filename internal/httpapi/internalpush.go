package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/chatvault/chatvault/internal/store"
)

// IngestChangeEvent handles POST /internal/push, the loopback ingest used by
// the SQLite backend where the database itself cannot signal changes. The
// archiver process posts one change event per mutation. Reachable only from
// trusted peers (InternalOnly).
func (s *Server) IngestChangeEvent(w http.ResponseWriter, r *http.Request) {
	injector, ok := s.Store.(store.ChangeInjector)
	if !ok {
		// The Postgres backend gets its events via LISTEN/NOTIFY.
		writeError(w, r, http.StatusConflict, "change ingest not supported by this backend")
		return
	}

	var ev store.ChangeEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid event payload")
		return
	}
	switch ev.Type {
	case store.ChangeNewMessage, store.ChangeEdit, store.ChangeDelete:
	default:
		writeError(w, r, http.StatusBadRequest, "unknown event type")
		return
	}
	if ev.ChatID == 0 {
		writeError(w, r, http.StatusBadRequest, "chat_id is required")
		return
	}

	if !injector.PushChangeEvent(ev) {
		log.Warn().Str("type", string(ev.Type)).Int64("chat_id", ev.ChatID).Msg("change event dropped, queue full")
		writeError(w, r, http.StatusServiceUnavailable, "event queue full")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/chatvault/chatvault/internal/store"
)

// ExportChat handles GET /api/chats/{chatID}/export. Messages stream out as
// plain text, oldest first, without buffering the whole chat.
func (s *Server) ExportChat(w http.ResponseWriter, r *http.Request) {
	id, ok := s.chatFromRequest(w, r)
	if !ok {
		return
	}
	chat, err := s.Store.GetChat(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "chat not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "failed to load chat")
		return
	}

	filename := exportFilename(chat)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	// RFC 5987 encoding keeps non-ASCII chat titles intact in the filename.
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="export.json"; filename*=UTF-8''%s`, url.PathEscape(filename)))
	w.WriteHeader(http.StatusOK)

	// One message at a time; memory stays bounded no matter the chat size.
	bw := bufio.NewWriterSize(w, 32*1024)
	bw.WriteString("[")
	first := true
	err = s.Store.ExportMessages(r.Context(), id, func(m *store.Message) error {
		row, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if !first {
			bw.WriteString(",")
		}
		first = false
		bw.WriteString("\n")
		_, err = bw.Write(row)
		return err
	})
	if err != nil {
		// Headers are already out; all we can do is log and cut the stream.
		log.Error().Err(err).Int64("chat_id", id).Msg("export aborted")
		return
	}
	bw.WriteString("\n]\n")
	if err := bw.Flush(); err != nil {
		log.Debug().Err(err).Msg("export flush failed")
	}
	s.audit(r, "export", &id)
}

func exportFilename(c *store.Chat) string {
	name := chatDisplayName(c)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	return fmt.Sprintf("%s_%d.json", name, c.ID)
}

func chatDisplayName(c *store.Chat) string {
	if c.Title != nil && *c.Title != "" {
		return *c.Title
	}
	var parts []string
	if c.FirstName != nil && *c.FirstName != "" {
		parts = append(parts, *c.FirstName)
	}
	if c.LastName != nil && *c.LastName != "" {
		parts = append(parts, *c.LastName)
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	if c.Username != nil && *c.Username != "" {
		return "@" + *c.Username
	}
	return fmt.Sprintf("chat_%d", c.ID)
}

package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chatvault/chatvault/internal/store"
)

const (
	defaultChatLimit    = 100
	maxChatLimit        = 1000
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

type chatListResponse struct {
	Chats   []store.Chat `json:"chats"`
	Total   int          `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	HasMore bool         `json:"has_more"`
}

// ListChats handles GET /api/chats.
func (s *Server) ListChats(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	q := r.URL.Query()

	opts := store.ListChatsOpts{
		Limit:   parseLimit(q.Get("limit"), defaultChatLimit, maxChatLimit),
		Offset:  parseOffset(q.Get("offset")),
		Search:  q.Get("search"),
		ChatIDs: p.Scope.IDs(),
	}
	if v := q.Get("archived"); v != "" {
		archived := v == "true" || v == "1"
		opts.Archived = &archived
	}
	if v := q.Get("folder_id"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid folder_id")
			return
		}
		opts.FolderID = &id
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
	writeJSON(w, http.StatusOK, chatListResponse{
		Chats:   chats,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(chats) < total,
	})
}

// chatFromRequest parses {chatID} and enforces the caller's scope before any
// storage call.
func (s *Server) chatFromRequest(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid chat id")
		return 0, false
	}
	if !principalFrom(r.Context()).Scope.Allows(id) {
		writeError(w, r, http.StatusForbidden, "access denied")
		return 0, false
	}
	return id, true
}

// GetChat handles GET /api/chats/{chatID}.
func (s *Server) GetChat(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, chat)
}

// CountArchived handles GET /api/chats/archived/count.
func (s *Server) CountArchived(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	archived := true
	n, err := s.Store.CountChats(r.Context(), store.ListChatsOpts{
		Archived: &archived,
		ChatIDs:  p.Scope.IDs(),
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to count archived chats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// GetMessages handles GET /api/chats/{chatID}/messages. Pagination is by
// cursor (before_date + before_id) when provided, otherwise by offset.
func (s *Server) GetMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := s.chatFromRequest(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	mq := store.MessageQuery{
		ChatID: id,
		Limit:  parseLimit(q.Get("limit"), defaultMessageLimit, maxMessageLimit),
		Offset: parseOffset(q.Get("offset")),
		Search: q.Get("search"),
	}
	if v := q.Get("topic_id"); v != "" {
		topic, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid topic_id")
			return
		}
		mq.TopicID = &topic
	}
	if bd, bi := q.Get("before_date"), q.Get("before_id"); bd != "" && bi != "" {
		ts, err := parseCursorDate(bd)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid before_date")
			return
		}
		msgID, err := strconv.ParseInt(bi, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid before_id")
			return
		}
		mq.BeforeDate = &ts
		mq.BeforeID = &msgID
	}

	msgs, err := s.Store.GetMessages(r.Context(), mq)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"has_more": len(msgs) == mq.Limit,
	})
}

// parseCursorDate accepts ISO-8601 with or without a zone designator. The
// archive stores naive UTC timestamps, so an offset is stripped rather than
// converted.
func parseCursorDate(s string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC), nil
}

// MessagesByDate handles GET /api/chats/{chatID}/messages/by-date?date=YYYY-MM-DD.
// The date is interpreted in the caller's tz param, falling back to the
// configured viewer timezone, then UTC; the first message at or after that
// local midnight is returned as a jump target.
func (s *Server) MessagesByDate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.chatFromRequest(w, r)
	if !ok {
		return
	}

	zone := r.URL.Query().Get("tz")
	if zone == "" {
		zone = s.Cfg.ViewerTimezone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation("2006-01-02", r.URL.Query().Get("date"), loc)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	msg, err := s.Store.FindMessageByDate(r.Context(), id, day.UTC())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "no messages on or after that date")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "failed to find message")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// GetPinned handles GET /api/chats/{chatID}/pinned.
func (s *Server) GetPinned(w http.ResponseWriter, r *http.Request) {
	id, ok := s.chatFromRequest(w, r)
	if !ok {
		return
	}
	msgs, err := s.Store.GetPinned(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to load pinned messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// GetTopics handles GET /api/chats/{chatID}/topics.
func (s *Server) GetTopics(w http.ResponseWriter, r *http.Request) {
	id, ok := s.chatFromRequest(w, r)
	if !ok {
		return
	}
	topics, err := s.Store.GetTopics(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to load topics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": topics})
}

// GetChatStats handles GET /api/chats/{chatID}/stats.
func (s *Server) GetChatStats(w http.ResponseWriter, r *http.Request) {
	id, ok := s.chatFromRequest(w, r)
	if !ok {
		return
	}
	stats, err := s.Store.GetChatStats(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to load chat stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetFolders handles GET /api/folders.
func (s *Server) GetFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.Store.GetFolders(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to load folders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

// GetUser handles GET /api/users/{userID}. The phone number is only exposed
// to the master account.
func (s *Server) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid user id")
		return
	}
	user, err := s.Store.GetUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "failed to load user")
		return
	}
	if !principalFrom(r.Context()).IsMaster() {
		user.Phone = nil
	}
	writeJSON(w, http.StatusOK, user)
}

package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatvault/chatvault/internal/store"
)

type statisticsResponse struct {
	*store.Statistics
	ShowStats     bool   `json:"show_stats"`
	Timezone      string `json:"viewer_timezone"`
	PushMode      string `json:"push_mode"`
	ListenerSince string `json:"listener_active_since,omitempty"`
}

// GetStatistics handles GET /api/stats. It only ever reads the cached
// snapshot; recomputation belongs to the scheduler and the refresh endpoint.
func (s *Server) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.GetCachedStatistics(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "statistics not computed yet")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "failed to load statistics")
		return
	}
	resp := statisticsResponse{
		Statistics: stats,
		ShowStats:  s.Cfg.ShowStats,
		Timezone:   s.Cfg.ViewerTimezone,
		PushMode:   s.Cfg.PushMode,
	}
	if since, err := s.Store.GetMetadata(r.Context(), "listener_active_since"); err == nil {
		resp.ListenerSince = since
	}
	writeJSON(w, http.StatusOK, resp)
}

// RefreshStatistics handles POST /api/stats/refresh (master only). The
// recompute runs inline; on large archives this can take a while, so the
// request context bounds it.
func (s *Server) RefreshStatistics(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	stats, err := s.Store.ComputeStatistics(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("statistics refresh failed")
		writeError(w, r, http.StatusInternalServerError, "failed to compute statistics")
		return
	}
	log.Info().
		Int64("chats", stats.Chats).
		Int64("messages", stats.Messages).
		Dur("took", time.Since(start)).
		Msg("statistics refreshed")
	s.audit(r, "stats_refresh", nil)
	writeJSON(w, http.StatusOK, stats)
}

type protectionStatsResponse struct {
	Applied          int64             `json:"applied"`
	Discarded        int64             `json:"discarded"`
	BurstsDetected   int64             `json:"bursts_detected"`
	ProtectedChats   int64             `json:"protected_chats"`
	CurrentlyBlocked int               `json:"currently_blocked"`
	Pending          int               `json:"pending"`
	BlockedChats     []blockedChatView `json:"blocked_chats"`
}

type blockedChatView struct {
	ChatID    int64     `json:"chat_id"`
	Until     time.Time `json:"blocked_until"`
	Reason    string    `json:"reason"`
	BurstSize int       `json:"burst_size"`
}

// ProtectionStats handles GET /api/protection/stats (master only).
func (s *Server) ProtectionStats(w http.ResponseWriter, r *http.Request) {
	st := s.Protector.Stats()
	resp := protectionStatsResponse{
		Applied:          st.Applied,
		Discarded:        st.Discarded,
		BurstsDetected:   st.BurstsDetected,
		ProtectedChats:   st.ProtectedChats,
		CurrentlyBlocked: st.CurrentlyBlocked,
		Pending:          st.Pending,
		BlockedChats:     []blockedChatView{},
	}
	for _, b := range s.Protector.BlockedChats() {
		resp.BlockedChats = append(resp.BlockedChats, blockedChatView{
			ChatID:    b.ChatID,
			Until:     b.Until,
			Reason:    b.Reason,
			BurstSize: b.BurstSize,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

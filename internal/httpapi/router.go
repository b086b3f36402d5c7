package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/chatvault/chatvault/internal/metrics"
)

// Routes builds the full HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(s.corsMiddleware())

	// Health check (unauthenticated).
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Operational surfaces for co-located processes.
	r.Group(func(r chi.Router) {
		r.Use(InternalOnly)
		r.Handle("/metrics", metrics.Handler())
		r.Post("/internal/push", s.IngestChangeEvent)
	})

	// Session endpoints manage their own authentication.
	r.Post("/api/login", s.Login)
	r.Post("/api/logout", s.Logout)
	r.Get("/api/auth/check", s.AuthCheck)
	r.Get("/api/push/config", s.PushConfig)

	// Realtime endpoint emits its own close code on auth failure.
	r.Get("/ws/updates", s.ServeWS)

	// Everything else requires a session.
	r.Group(func(r chi.Router) {
		r.Use(s.RequireSession)

		r.Get("/api/chats", s.ListChats)
		r.Get("/api/archived/count", s.CountArchived)
		r.Get("/api/chats/{chatID}", s.GetChat)
		r.Get("/api/chats/{chatID}/messages", s.GetMessages)
		r.Get("/api/chats/{chatID}/messages/by-date", s.MessagesByDate)
		r.Get("/api/chats/{chatID}/pinned", s.GetPinned)
		r.Get("/api/chats/{chatID}/topics", s.GetTopics)
		r.Get("/api/chats/{chatID}/stats", s.GetChatStats)
		r.Get("/api/chats/{chatID}/export", s.ExportChat)
		r.Get("/api/folders", s.GetFolders)
		r.Get("/api/users/{userID}", s.GetUser)

		r.Get("/api/stats", s.GetStatistics)
		r.Get("/api/notifications/settings", s.NotificationSettings)

		r.Get("/media/*", s.ServeMedia)
		r.Get("/api/avatar/{chatID}", s.ServeAvatar)

		r.Post("/api/push/subscribe", s.PushSubscribe)
		r.Post("/api/push/unsubscribe", s.PushUnsubscribe)

		// Master-only surfaces.
		r.Group(func(r chi.Router) {
			r.Use(s.RequireMaster)

			r.Post("/api/stats/refresh", s.RefreshStatistics)
			r.Get("/api/protection/stats", s.ProtectionStats)

			r.Get("/api/admin/chats", s.AdminListChats)
			r.Get("/api/admin/audit", s.AdminAuditLog)
			r.Get("/api/admin/viewers", s.AdminListViewers)
			r.Post("/api/admin/viewers", s.AdminCreateViewer)
			r.Put("/api/admin/viewers/{viewerID}", s.AdminUpdateViewer)
			r.Delete("/api/admin/viewers/{viewerID}", s.AdminDeleteViewer)
		})
	})

	// Service worker needs root scope despite being served from a subpath.
	r.Get("/sw.js", s.ServeServiceWorker)

	// Front-end bundle.
	if s.Cfg.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.Cfg.StaticDir)))
	}

	return r
}

// corsMiddleware builds the CORS layer. A wildcard origin list disables
// credentials, so cookie auth only works with explicit origins.
func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	origins := s.Cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	wildcard := false
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
	}

	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: !wildcard,
		MaxAge:           300,
	}).Handler
}

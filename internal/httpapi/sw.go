package httpapi

import (
	"net/http"
	"path/filepath"
)

// ServeServiceWorker handles GET /sw.js. The worker script must be served
// from the origin root with an explicit scope header, otherwise the browser
// restricts its scope to the script's own directory.
func (s *Server) ServeServiceWorker(w http.ResponseWriter, r *http.Request) {
	if s.Cfg.StaticDir == "" {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Service-Worker-Allowed", "/")
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, filepath.Join(s.Cfg.StaticDir, "sw.js"))
}

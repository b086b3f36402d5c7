package httpapi

import (
	"net/http"

	"github.com/chatvault/chatvault/internal/ws"
)

// ServeWS handles GET /ws. Authentication happens before the upgrade; an
// unauthenticated caller still gets upgraded so the close code can tell the
// client to re-login instead of blindly reconnecting.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	p, ok := s.resolvePrincipal(r)
	if !ok {
		ws.RejectUnauthorized(w, r)
		return
	}
	s.Hub.ServeWS(w, r, p.Username, p.Scope)
}

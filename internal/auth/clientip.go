package auth

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the real client address. Forwarded headers are only
// honored when the direct peer is a private or loopback address, i.e. a
// reverse proxy we deployed; a public peer claiming X-Forwarded-For is lying.
func ClientIP(r *http.Request) string {
	peer := remoteHost(r)
	if !isPrivateOrLoopback(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First hop is the original client.
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}
	return peer
}

// IsTrustedPeer reports whether the direct TCP peer is private or loopback.
// Forwarded headers are deliberately ignored here; this gates the ingest
// endpoint meant for co-located processes only.
func IsTrustedPeer(r *http.Request) bool {
	return isPrivateOrLoopback(remoteHost(r))
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isPrivateOrLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

package httpapi

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/chatvault/chatvault/internal/thumbs"
)

// avatarCacheTTL bounds how long a resolved avatar path is reused before the
// filesystem is consulted again.
const avatarCacheTTL = 5 * time.Minute

var errPathEscape = errors.New("path escapes media root")

// resolveMediaPath turns a request-supplied relative path into an absolute
// path guaranteed to sit under the media root. Symlinks are resolved before
// the containment check so a link cannot escape the root.
func (s *Server) resolveMediaPath(rel string) (string, error) {
	if strings.Contains(rel, "..") {
		return "", errPathEscape
	}
	root, err := filepath.Abs(s.Cfg.MediaPath)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.Clean("/"+rel))

	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		return "", err
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", err
	}
	if resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(filepath.Separator)) {
		return "", errPathEscape
	}
	return resolved, nil
}

// mediaChatID extracts the owning chat from the first path segment. Media is
// laid out as {chatID}/{file}; the shared avatars directory has no owner.
func mediaChatID(rel string) (int64, bool) {
	first, _, _ := strings.Cut(strings.TrimPrefix(rel, "/"), "/")
	if first == "avatars" {
		return 0, false
	}
	id, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ServeMedia handles GET /media/*. An optional ?size=200|400 serves a cached
// thumbnail instead of the original; non-image files fall back to the
// original bytes.
func (s *Server) ServeMedia(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	if rel == "" {
		writeError(w, r, http.StatusBadRequest, "missing media path")
		return
	}

	if id, owned := mediaChatID(rel); owned {
		if !principalFrom(r.Context()).Scope.Allows(id) {
			writeError(w, r, http.StatusForbidden, "access denied")
			return
		}
	}

	full, err := s.resolveMediaPath(rel)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, r, http.StatusNotFound, "not found")
			return
		}
		log.Warn().Err(err).Str("path", rel).Msg("media path rejected")
		writeError(w, r, http.StatusForbidden, "access denied")
		return
	}

	if v := r.URL.Query().Get("size"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid size")
			return
		}
		thumb, err := s.Thumbs.Thumbnail(r.Context(), rel, size)
		switch {
		case err == nil:
			w.Header().Set("Cache-Control", "public, max-age=86400")
			http.ServeFile(w, r, thumb)
			return
		case errors.Is(err, thumbs.ErrBadSize):
			writeError(w, r, http.StatusBadRequest, "unsupported thumbnail size")
			return
		case errors.Is(err, thumbs.ErrNotThumbnailable):
			writeError(w, r, http.StatusNotFound, "no thumbnail for this file type")
			return
		case os.IsNotExist(err):
			writeError(w, r, http.StatusNotFound, "not found")
			return
		default:
			log.Error().Err(err).Str("path", rel).Msg("thumbnail generation failed")
			// Fall back to the original rather than failing the request.
		}
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, full)
}

type avatarEntry struct {
	path    string
	expires time.Time
}

// findAvatar locates the newest avatar file for a chat, caching the result.
// Avatars are stored as avatars/{chatID}_{photoID}.jpg with a legacy
// avatars/{chatID}.jpg fallback.
func (s *Server) findAvatar(chatID int64) (string, bool) {
	s.avatarMu.Lock()
	if e, ok := s.avatarCache[chatID]; ok && time.Now().Before(e.expires) {
		s.avatarMu.Unlock()
		return e.path, e.path != ""
	}
	s.avatarMu.Unlock()

	root, err := filepath.Abs(s.Cfg.MediaPath)
	if err != nil {
		return "", false
	}
	dir := filepath.Join(root, "avatars")

	matches, _ := filepath.Glob(filepath.Join(dir, strconv.FormatInt(chatID, 10)+"_*.jpg"))
	if legacy := filepath.Join(dir, strconv.FormatInt(chatID, 10)+".jpg"); fileExists(legacy) {
		matches = append(matches, legacy)
	}

	var newest string
	var newestMod int64
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newestMod = mod
			newest = m
		}
	}

	s.avatarMu.Lock()
	if s.avatarCache == nil {
		s.avatarCache = make(map[int64]avatarEntry)
	}
	s.avatarCache[chatID] = avatarEntry{path: newest, expires: time.Now().Add(avatarCacheTTL)}
	s.avatarMu.Unlock()
	return newest, newest != ""
}

// ServeAvatar handles GET /api/avatar/{chatID}.
func (s *Server) ServeAvatar(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid chat id")
		return
	}
	if !principalFrom(r.Context()).Scope.Allows(id) {
		writeError(w, r, http.StatusForbidden, "access denied")
		return
	}

	path, ok := s.findAvatar(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, "no avatar")
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	http.ServeFile(w, r, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

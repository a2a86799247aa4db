package server

import (
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	indexFile        = "index.html"
	assetCacheHeader = "public, max-age=31536000, immutable"
	htmlCacheHeader  = "no-cache, must-revalidate"
)

var contentTypes = map[string]string{
	".html":  "text/html; charset=utf-8",
	".js":    "text/javascript; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".json":  "application/json",
	".map":   "application/json",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".txt":   "text/plain; charset=utf-8",
}

func contentTypeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// staticHandler serves the frontend bundle from root. Paths that do not name
// a file fall back to index.html so client-side routes resolve.
type staticHandler struct {
	root string
}

func newStaticHandler(root string) *staticHandler {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	return &staticHandler{root: abs}
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	full, ok := h.resolve(r.URL.Path)
	if !ok {
		log.Warnf("[HTTP] Rejected static path outside root: %q", r.URL.Path)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if info, err := os.Stat(full); err != nil || info.IsDir() {
		full = filepath.Join(h.root, indexFile)
	}
	h.serveFile(w, r, full)
}

// resolve maps a URL path into root, refusing any path that climbs out.
func (h *staticHandler) resolve(urlPath string) (string, bool) {
	for _, seg := range strings.Split(urlPath, "/") {
		if seg == ".." {
			return "", false
		}
	}
	full := filepath.Join(h.root, filepath.FromSlash(path.Clean("/"+urlPath)))
	rel, err := filepath.Rel(h.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}

func (h *staticHandler) serveFile(w http.ResponseWriter, r *http.Request, name string) {
	f, err := os.Open(name)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	ct := contentTypeFor(name)
	w.Header().Set("Content-Type", ct)
	if strings.HasPrefix(ct, "text/html") {
		w.Header().Set("Cache-Control", htmlCacheHeader)
	} else {
		w.Header().Set("Cache-Control", assetCacheHeader)
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

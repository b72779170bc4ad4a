package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tailall/tailall/internal/tail"
)

// Source is what the handlers report on. *tail.Session implements it.
type Source interface {
	Stats() tail.Stats
	Folders() []tail.FolderInfo
}

// Server holds the dependencies needed by the handlers.
type Server struct {
	src    Source
	stream *Broadcaster
}

// NewServer creates a Server reporting on src. A nil stream leaves
// /api/v1/stream unmounted.
func NewServer(src Source, stream *Broadcaster) *Server {
	return &Server{src: src, stream: stream}
}

// handleHealthz responds to GET /healthz with {"status":"ok"}.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats responds to GET /api/v1/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Stats())
}

// handleFolders responds to GET /api/v1/folders.
//
// Supported query parameters:
//
//	prefix  only folders whose path starts with prefix (optional)
func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request) {
	folders := s.src.Folders()

	if prefix := r.URL.Query().Get("prefix"); prefix != "" {
		if !strings.HasPrefix(prefix, "/") {
			writeError(w, http.StatusBadRequest, "'prefix' must be an absolute path")
			return
		}
		kept := folders[:0]
		for _, f := range folders {
			if strings.HasPrefix(f.Path, prefix) {
				kept = append(kept, f)
			}
		}
		folders = kept
	}

	writeJSON(w, http.StatusOK, folders)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an HTTP error response with a JSON body containing an
// "error" field.
func writeError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, detail)
}

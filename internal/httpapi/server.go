// Package httpapi serves the daemon's local diagnostic surface: a health
// check and a status view of the synchronized snapshot and cache.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/researchsync/internal/cache"
	"github.com/agentworkforce/researchsync/internal/researchsync"
)

type Logger interface {
	Printf(format string, args ...any)
}

// SnapshotSource is what the status endpoint needs from a synchronizer.
type SnapshotSource interface {
	Snapshot() researchsync.Snapshot
}

type ServerOptions struct {
	Token    string
	OwnerID  string
	Snapshot SnapshotSource
	Cache    *cache.Cache
	Logger   Logger
}

type Server struct {
	token    string
	ownerID  string
	snapshot SnapshotSource
	cache    *cache.Cache
	logger   Logger
}

func NewServer(opts ServerOptions) *Server {
	return &Server{
		token:    strings.TrimSpace(opts.Token),
		ownerID:  strings.TrimSpace(opts.OwnerID),
		snapshot: opts.Snapshot,
		cache:    opts.Cache,
		logger:   opts.Logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusItem struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type statusResponse struct {
	OwnerID    string       `json:"ownerId"`
	ItemCount  int          `json:"itemCount"`
	Items      []statusItem `json:"items"`
	LastUpdate time.Time    `json:"lastUpdate"`
	Cache      *cache.Stats `json:"cache,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"code":    "unauthorized",
			"message": "missing or invalid bearer token",
		})
		return
	}
	resp := statusResponse{OwnerID: s.ownerID, Items: []statusItem{}}
	if s.snapshot != nil {
		snap := s.snapshot.Snapshot()
		resp.ItemCount = len(snap.Items)
		resp.LastUpdate = snap.LastUpdate
		for _, item := range snap.Items {
			resp.Items = append(resp.Items, statusItem{
				ID:        item.ID,
				Status:    string(item.Status),
				CreatedAt: item.CreatedAt,
			})
		}
	}
	if s.cache != nil {
		stats, err := s.cache.Stats()
		if err != nil {
			s.logf("cache stats for status endpoint failed: %v", err)
		} else {
			resp.Cache = &stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	presented := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) logf(format string, args ...any) {
	if s == nil || s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

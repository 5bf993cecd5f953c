package dashboard

import (
	"embed"
	"encoding/json"
	"io/fs"
	"log/slog"
	"net/http"
)

//go:embed all:static
var staticFiles embed.FS

// StatsProvider supplies the live gateway figures the dashboard SPA
// polls: cache hit-rate, admission allow/deny counts, and the number of
// PII-flagged sessions currently on record. The control package
// implements it against the scan cache, admission gate, and policy
// engine it already wires.
type StatsProvider interface {
	GatewayStats() GatewayStats
}

// GatewayStats is the JSON payload served at /api/dashboard-stats.
type GatewayStats struct {
	CacheHits       uint64  `json:"cache_hits"`
	CacheMisses     uint64  `json:"cache_misses"`
	CacheHitRate    float64 `json:"cache_hit_rate"`
	AdmissionOK     uint64  `json:"admission_allowed"`
	AdmissionDenied uint64  `json:"admission_denied"`
	FlaggedSessions int     `json:"flagged_sessions"`
}

// Handler serves the dashboard SPA's static assets plus the gateway
// stats endpoint the SPA polls for its live figures.
type Handler struct {
	fileServer http.Handler
	stats      StatsProvider
}

// New creates a new dashboard handler
func New() *Handler {
	slog.Info("initializing dashboard handler")

	// Get the static subdirectory
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		slog.Error("failed to get static subdirectory", "error", err)
	}

	// Log embedded files
	var fileCount int
	fs.WalkDir(staticFS, ".", func(path string, d fs.DirEntry, err error) error {
		if err == nil {
			slog.Info("embedded file", "path", path, "is_dir", d.IsDir())
			fileCount++
		}
		return nil
	})
	slog.Info("dashboard files embedded", "count", fileCount)

	return &Handler{
		fileServer: http.FileServer(http.FS(staticFS)),
	}
}

// SetStatsProvider wires the source of live gateway figures. Until
// called, /api/dashboard-stats reports zeroed stats rather than 404ing,
// since the dashboard SPA polls it unconditionally.
func (h *Handler) SetStatsProvider(p StatsProvider) {
	h.stats = p
}

// ServeHTTP serves the dashboard files
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if path == "/api/dashboard-stats" {
		h.serveStats(w, r)
		return
	}

	// Serve index.html for root and SPA routes
	if path == "/" || path == "" || path == "/index.html" {
		h.serveIndex(w, r)
		return
	}

	// Try to serve static files
	h.fileServer.ServeHTTP(w, r)
}

func (h *Handler) serveStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var stats GatewayStats
	if h.stats != nil {
		stats = h.stats.GatewayStats()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// serveIndex serves the index.html file directly
func (h *Handler) serveIndex(w http.ResponseWriter, r *http.Request) {
	content, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "Dashboard not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(content)
}

package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"llmshield/internal/dashboard"
	"llmshield/internal/policy"
	"llmshield/internal/proxy"
	"llmshield/internal/session"
	"llmshield/internal/storage"
)

// Handler handles control API requests
type Handler struct {
	store        session.Store
	manager      *session.Manager
	historyStore *storage.SQLiteStore
	policyEngine *policy.Engine
	dashboard     *dashboard.Handler
	captureBuffer *proxy.CaptureBuffer
	mux           *http.ServeMux
	shield        *ShieldDeps

	// Authentication
	authEnabled bool
	apiKey      string
}

// New creates a new control API handler
func New(store session.Store, manager *session.Manager) *Handler {
	return NewWithHistory(store, manager, nil)
}

// NewWithHistory creates a new control API handler with history support
func NewWithHistory(store session.Store, manager *session.Manager, historyStore *storage.SQLiteStore) *Handler {
	return NewWithPolicy(store, manager, historyStore, nil)
}

// NewWithPolicy creates a new control API handler with history and policy support
func NewWithPolicy(store session.Store, manager *session.Manager, historyStore *storage.SQLiteStore, policyEngine *policy.Engine) *Handler {
	return NewWithAuth(store, manager, historyStore, policyEngine, false, "")
}

// NewWithAuth creates a new control API handler with all options including authentication
func NewWithAuth(store session.Store, manager *session.Manager, historyStore *storage.SQLiteStore, policyEngine *policy.Engine, authEnabled bool, apiKey string) *Handler {
	h := &Handler{
		store:        store,
		manager:      manager,
		historyStore: historyStore,
		policyEngine: policyEngine,
		dashboard:    dashboard.New(),
		mux:          http.NewServeMux(),
		authEnabled:  authEnabled,
		apiKey:       apiKey,
	}

	// Dashboard UI (catch-all pattern for Go 1.22+)
	h.mux.Handle("/{path...}", h.dashboard)

	// Control API endpoints
	h.mux.HandleFunc("/control/health", h.handleHealth)
	h.mux.HandleFunc("/control/stats", h.handleStats)
	h.mux.HandleFunc("/control/sessions", h.handleSessions)
	h.mux.HandleFunc("/control/sessions/", h.handleSession)

	// History endpoints (only if history store is available)
	h.mux.HandleFunc("/control/history", h.handleHistory)
	h.mux.HandleFunc("/control/history/stats", h.handleHistoryStats)
	h.mux.HandleFunc("/control/history/timeseries", h.handleTimeSeries)
	h.mux.HandleFunc("/control/history/", h.handleHistorySession)

	// Policy/flagged sessions endpoints
	h.mux.HandleFunc("/control/flagged", h.handleFlagged)
	h.mux.HandleFunc("/control/flagged/stats", h.handleFlaggedStats)
	h.mux.HandleFunc("/control/flagged/", h.handleFlaggedSession)

	// Immutable event log (policy violations, risk escalations, session lifecycle)
	h.mux.HandleFunc("/control/events", h.handleEvents)

	return h
}

// SetCaptureBuffer wires the proxy's capture-all buffer, exposing its
// per-session captures over /control/captures/{sessionID} when
// policy.capture_all is enabled.
func (h *Handler) SetCaptureBuffer(cb *proxy.CaptureBuffer) {
	h.captureBuffer = cb
	h.mux.HandleFunc("/control/captures/", h.handleCaptures)
}

// handleCaptures handles GET /control/captures/{sessionID}, returning (and
// leaving in place) the capture-all buffer's entries for that session.
func (h *Handler) handleCaptures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/control/captures/")
	if sessionID == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}
	captures := h.captureBuffer.PeekContent(sessionID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"captures":   captures,
		"count":      len(captures),
	})
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Add CORS headers for dashboard access
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Check authentication for /control/* endpoints
	if h.authEnabled && strings.HasPrefix(r.URL.Path, "/control/") {
		if !h.checkAuth(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="LLM Shield Control API"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":   "unauthorized",
				"message": "Valid API key required. Use 'Authorization: Bearer <api_key>' header.",
			})
			return
		}
	}

	h.mux.ServeHTTP(w, r)
}

// checkAuth verifies the request has a valid API key
func (h *Handler) checkAuth(r *http.Request) bool {
	// Check Authorization header (Bearer token)
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		// Support "Bearer <key>" format
		if strings.HasPrefix(authHeader, "Bearer ") {
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == h.apiKey {
				return true
			}
		}
		// Also support just the key directly
		if authHeader == h.apiKey {
			return true
		}
	}

	// Check X-API-Key header as alternative
	if apiKey := r.Header.Get("X-API-Key"); apiKey == h.apiKey {
		return true
	}

	return false
}

// handleHealth handles GET /control/health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   "0.1.0",
	}

	writeJSON(w, http.StatusOK, response)
}

// handleStats handles GET /control/stats
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.manager.Stats()
	writeJSON(w, http.StatusOK, stats)
}

// handleSessions handles GET /control/sessions
func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Query params for filtering
	query := r.URL.Query()
	stateFilter := query.Get("state")
	activeOnly := query.Get("active") == "true"

	var sessions []*session.Session
	if activeOnly || stateFilter == "active" {
		sessions = h.manager.ListActive()
	} else {
		sessions = h.manager.ListAll()
	}

	// Convert to response format
	response := SessionsResponse{
		Sessions: make([]SessionInfo, 0, len(sessions)),
	}

	for _, s := range sessions {
		snap := s.Snapshot()
		info := SessionInfo{
			ID:           snap.ID,
			State:        snap.State.String(),
			StartTime:    snap.StartTime,
			LastActivity: snap.LastActivity,
			Duration:     s.Duration().String(),
			IdleTime:     s.IdleTime().String(),
			RequestCount: snap.RequestCount,
			BytesIn:      snap.BytesIn,
			BytesOut:     snap.BytesOut,
			Backend:      snap.Backend,
			BackendsUsed: snap.BackendsUsed,
			ClientAddr:   snap.ClientAddr,
			Metadata:     snap.Metadata,
		}
		if snap.EndTime != nil {
			info.EndTime = snap.EndTime
		}
		response.Sessions = append(response.Sessions, info)
	}

	response.Total = len(response.Sessions)

	writeJSON(w, http.StatusOK, response)
}

// handleSession handles requests to /control/sessions/{id}
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	// Extract session ID from path
	path := strings.TrimPrefix(r.URL.Path, "/control/sessions/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	sessionID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch r.Method {
	case http.MethodGet:
		h.getSession(w, sessionID)
	case http.MethodPost:
		switch action {
		case "kill":
			h.killSession(w, sessionID)
		case "terminate":
			h.terminateSession(w, sessionID)
		case "resume":
			h.resumeSession(w, sessionID)
		default:
			http.Error(w, "Unknown action", http.StatusBadRequest)
		}
	case http.MethodDelete:
		h.killSession(w, sessionID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// getSession handles GET /control/sessions/{id}
func (h *Handler) getSession(w http.ResponseWriter, id string) {
	sess, ok := h.manager.Get(id)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	snap := sess.Snapshot()
	info := SessionInfo{
		ID:           snap.ID,
		State:        snap.State.String(),
		StartTime:    snap.StartTime,
		LastActivity: snap.LastActivity,
		Duration:     sess.Duration().String(),
		IdleTime:     sess.IdleTime().String(),
		RequestCount: snap.RequestCount,
		BytesIn:      snap.BytesIn,
		BytesOut:     snap.BytesOut,
		Backend:      snap.Backend,
		BackendsUsed: snap.BackendsUsed,
		ClientAddr:   snap.ClientAddr,
		Metadata:     snap.Metadata,
	}
	if snap.EndTime != nil {
		info.EndTime = snap.EndTime
	}

	writeJSON(w, http.StatusOK, info)
}

// killSession handles POST /control/sessions/{id}/kill
func (h *Handler) killSession(w http.ResponseWriter, id string) {
	slog.Info("kill request received", "session_id", id)

	if h.manager.Kill(id) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":     "killed",
			"session_id": id,
		})
	} else {
		http.Error(w, "Session not found or already terminated", http.StatusNotFound)
	}
}

// resumeSession handles POST /control/sessions/{id}/resume
func (h *Handler) resumeSession(w http.ResponseWriter, id string) {
	slog.Info("resume request received", "session_id", id)

	if h.manager.Resume(id) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":     "resumed",
			"session_id": id,
		})
	} else {
		// Check if it's terminated
		if sess, ok := h.manager.Get(id); ok && sess.IsTerminated() {
			http.Error(w, "Session is terminated and cannot be resumed", http.StatusForbidden)
			return
		}
		http.Error(w, "Session not found or not in killed state", http.StatusNotFound)
	}
}

// terminateSession handles POST /control/sessions/{id}/terminate
func (h *Handler) terminateSession(w http.ResponseWriter, id string) {
	slog.Warn("terminate request received", "session_id", id)

	if h.manager.Terminate(id) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":     "terminated",
			"session_id": id,
			"message":    "Session permanently terminated, cannot be resumed",
		})
	} else {
		http.Error(w, "Session not found or already terminated", http.StatusNotFound)
	}
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// SessionsResponse represents a list of sessions
type SessionsResponse struct {
	Total    int           `json:"total"`
	Sessions []SessionInfo `json:"sessions"`
}

// SessionInfo represents session information for API responses
type SessionInfo struct {
	ID           string            `json:"id"`
	State        string            `json:"state"`
	StartTime    time.Time         `json:"start_time"`
	LastActivity time.Time         `json:"last_activity"`
	EndTime      *time.Time        `json:"end_time,omitempty"`
	Duration     string            `json:"duration"`
	IdleTime     string            `json:"idle_time"`
	RequestCount int               `json:"request_count"`
	BytesIn      int64             `json:"bytes_in"`
	BytesOut     int64             `json:"bytes_out"`
	Backend      string            `json:"backend"`
	BackendsUsed map[string]int    `json:"backends_used,omitempty"`
	ClientAddr   string            `json:"client_addr"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// handleEvents handles GET /control/events, the immutable log of policy
// violations and risk escalations recorded alongside scan_audit.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.historyStore == nil {
		http.Error(w, "History storage not enabled", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()

	opts := storage.ListEventsOptions{
		Limit:     100,
		SessionID: query.Get("session_id"),
		Type:      storage.EventType(query.Get("type")),
		Severity:  query.Get("severity"),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			opts.Limit = limit
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			opts.Offset = offset
		}
	}

	if sinceStr := query.Get("since"); sinceStr != "" {
		if since, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			opts.Since = &since
		}
	}

	events, err := h.historyStore.ListEvents(opts)
	if err != nil {
		http.Error(w, "Failed to list events", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// handleHistory handles GET /control/history
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.historyStore == nil {
		http.Error(w, "History storage not enabled", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()

	opts := storage.ListSessionsOptions{
		Limit:   50,
		State:   query.Get("state"),
		Backend: query.Get("backend"),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			opts.Limit = limit
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			opts.Offset = offset
		}
	}

	if sinceStr := query.Get("since"); sinceStr != "" {
		if since, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			opts.Since = &since
		}
	}

	if untilStr := query.Get("until"); untilStr != "" {
		if until, err := time.Parse(time.RFC3339, untilStr); err == nil {
			opts.Until = &until
		}
	}

	sessions, err := h.historyStore.ListSessions(opts)
	if err != nil {
		slog.Error("failed to list history", "error", err)
		http.Error(w, "Failed to retrieve history", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleHistoryStats handles GET /control/history/stats
func (h *Handler) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.historyStore == nil {
		http.Error(w, "History storage not enabled", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	var since *time.Time

	if sinceStr := query.Get("since"); sinceStr != "" {
		if s, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			since = &s
		}
	}

	stats, err := h.historyStore.GetStats(since)
	if err != nil {
		slog.Error("failed to get history stats", "error", err)
		http.Error(w, "Failed to retrieve stats", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleTimeSeries handles GET /control/history/timeseries
func (h *Handler) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.historyStore == nil {
		http.Error(w, "History storage not enabled", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()

	// Default to last 24 hours
	since := time.Now().Add(-24 * time.Hour)
	if sinceStr := query.Get("since"); sinceStr != "" {
		if s, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			since = s
		}
	}

	interval := query.Get("interval")
	if interval == "" {
		interval = "hour"
	}

	points, err := h.historyStore.GetTimeSeries(since, interval)
	if err != nil {
		slog.Error("failed to get time series", "error", err)
		http.Error(w, "Failed to retrieve time series", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"interval": interval,
		"since":    since,
		"points":   points,
	})
}

// handleHistorySession handles GET /control/history/{id}
func (h *Handler) handleHistorySession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.historyStore == nil {
		http.Error(w, "History storage not enabled", http.StatusServiceUnavailable)
		return
	}

	// Extract session ID from path
	path := strings.TrimPrefix(r.URL.Path, "/control/history/")
	if path == "" || path == "stats" || path == "timeseries" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	sessionID := strings.Split(path, "/")[0]

	record, err := h.historyStore.GetSession(sessionID)
	if err != nil {
		slog.Error("failed to get session from history", "session_id", sessionID, "error", err)
		http.Error(w, "Failed to retrieve session", http.StatusInternalServerError)
		return
	}

	if record == nil {
		http.Error(w, "Session not found in history", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// handleFlagged handles GET /control/flagged
func (h *Handler) handleFlagged(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.policyEngine == nil {
		http.Error(w, "Policy engine not enabled", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	minSeverity := query.Get("severity")

	var flagged []*policy.FlaggedSession
	if minSeverity != "" {
		flagged = h.policyEngine.GetFlaggedSessionsBySeverity(policy.Severity(minSeverity))
	} else {
		flagged = h.policyEngine.GetFlaggedSessions()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flagged": flagged,
		"count":   len(flagged),
	})
}

// handleFlaggedStats handles GET /control/flagged/stats
func (h *Handler) handleFlaggedStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.policyEngine == nil {
		http.Error(w, "Policy engine not enabled", http.StatusServiceUnavailable)
		return
	}

	stats := h.policyEngine.Stats()
	writeJSON(w, http.StatusOK, stats)
}

// handleFlaggedSession handles GET /control/flagged/{id}
func (h *Handler) handleFlaggedSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.policyEngine == nil {
		http.Error(w, "Policy engine not enabled", http.StatusServiceUnavailable)
		return
	}

	// Extract session ID from path
	path := strings.TrimPrefix(r.URL.Path, "/control/flagged/")
	if path == "" || path == "stats" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	sessionID := strings.Split(path, "/")[0]

	flagged := h.policyEngine.GetFlaggedSession(sessionID)
	if flagged == nil {
		http.Error(w, "Session not flagged or not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, flagged)
}

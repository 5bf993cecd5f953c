package websocket

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"llmshield/internal/config"
	"llmshield/internal/pipeline"
	"llmshield/internal/policy"
	"llmshield/internal/router"
	"llmshield/internal/session"
)

// Handler handles WebSocket proxy requests
type Handler struct {
	config  *config.WebSocketConfig
	manager *session.Manager
	router  *router.Router

	// Session header name from main config
	sessionHeader string

	// Policy engine for scanning text frames
	policyEngine *policy.Engine

	// Scan pipelines for frame-level content scanning, per direction
	inputScanPipeline  *pipeline.Pipeline
	outputScanPipeline *pipeline.Pipeline
}

// NewHandler creates a new WebSocket proxy handler
func NewHandler(cfg *config.WebSocketConfig, sessionHeader string, manager *session.Manager, router *router.Router) *Handler {
	return &Handler{
		config:        cfg,
		sessionHeader: sessionHeader,
		manager:       manager,
		router:        router,
	}
}

// SetPolicyEngine sets the policy engine for scanning text frames
func (h *Handler) SetPolicyEngine(engine *policy.Engine) {
	h.policyEngine = engine
}

// SetScanPipelines wires the input/output scan pipelines into the frame
// relay loop, running frame-level scanning (ban substrings, prompt
// injection, no-refusal, etc.) over streamed text in addition to the
// policy engine's content rules. Either may be nil.
func (h *Handler) SetScanPipelines(input, output *pipeline.Pipeline) {
	h.inputScanPipeline = input
	h.outputScanPipeline = output
}

// IsWebSocketRequest checks if the request is a WebSocket upgrade request
// This should be called BEFORE reading the request body
func IsWebSocketRequest(r *http.Request) bool {
	// Check for WebSocket upgrade headers (case-insensitive)
	connection := r.Header.Get("Connection")
	upgrade := r.Header.Get("Upgrade")

	hasUpgrade := strings.Contains(strings.ToLower(connection), "upgrade")
	isWebSocket := strings.EqualFold(upgrade, "websocket")

	return hasUpgrade && isWebSocket
}

// ServeHTTP handles the WebSocket upgrade and proxying
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Select backend using router (no body for WebSocket routing)
	// WebSocket requests can only use header, path, or default routing
	backend, err := h.router.Select(r, nil)
	if err != nil {
		slog.Error("failed to select backend for websocket", "error", err)
		http.Error(w, "Failed to select backend", http.StatusInternalServerError)
		return
	}

	// Get or create session
	sessionID := r.Header.Get(h.sessionHeader)
	var sess *session.Session

	if sessionID != "" {
		sess = h.manager.GetOrCreate(sessionID, backend.URL.String(), r.RemoteAddr)
	} else {
		sess = h.manager.GetOrCreateByClient(r.RemoteAddr, backend.Name, backend.URL.String())
	}

	if sess == nil {
		// Session was killed - reject request
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"session_terminated","message":"Session has been killed and cannot be reused"}`))
		return
	}

	// Mark session as WebSocket
	sess.SetWebSocket()
	sess.Touch()

	// Check if session was killed
	select {
	case <-sess.KillChan():
		slog.Warn("websocket upgrade rejected: session killed",
			"session_id", sess.ID,
			"path", r.URL.Path,
		)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"session_terminated","message":"Session has been killed"}`))
		return
	default:
	}

	slog.Info("websocket upgrade request",
		"session_id", sess.ID,
		"path", r.URL.Path,
		"backend", backend.Name,
	)

	// Accept the client WebSocket connection
	acceptOpts := &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin for proxy use
	}

	clientConn, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		slog.Error("failed to accept websocket connection",
			"session_id", sess.ID,
			"error", err,
		)
		return
	}
	defer clientConn.CloseNow()

	// Connect to backend WebSocket
	backendConn, err := DialBackend(ctx, backend, r, h.config)
	if err != nil {
		slog.Error("failed to connect to backend websocket",
			"session_id", sess.ID,
			"backend", backend.Name,
			"error", err,
		)
		clientConn.Close(websocket.StatusInternalError, "Backend connection failed")
		return
	}
	defer backendConn.CloseNow()

	// Set message size limits
	if h.config.MaxMessageSize > 0 {
		clientConn.SetReadLimit(h.config.MaxMessageSize)
		backendConn.SetReadLimit(h.config.MaxMessageSize)
	}

	slog.Info("websocket connection established",
		"session_id", sess.ID,
		"backend", backend.Name,
		"ws_url", backend.WSURL.String(),
	)

	// Create cancellable context for the proxy
	proxyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Start bidirectional proxy
	var wg sync.WaitGroup
	wg.Add(2)

	// Forward client -> backend
	go func() {
		defer wg.Done()
		h.forwardFrames(proxyCtx, clientConn, backendConn, sess, session.FrameInbound, cancel)
	}()

	// Forward backend -> client
	go func() {
		defer wg.Done()
		h.forwardFrames(proxyCtx, backendConn, clientConn, sess, session.FrameOutbound, cancel)
	}()

	// Monitor for kill signal
	go func() {
		select {
		case <-proxyCtx.Done():
			return
		case <-sess.KillChan():
			slog.Warn("websocket connection killed",
				"session_id", sess.ID,
			)
			// Send close frame to both connections
			clientConn.Close(websocket.StatusNormalClosure, "Session terminated")
			backendConn.Close(websocket.StatusNormalClosure, "Session terminated")
			cancel()
		}
	}()

	// Start ping/pong keep-alive
	if h.config.PingInterval > 0 {
		go h.keepAlive(proxyCtx, clientConn, sess)
	}

	// Wait for both directions to complete
	wg.Wait()

	slog.Info("websocket connection closed",
		"session_id", sess.ID,
		"frame_count", sess.FrameCount,
		"text_frames", sess.TextFrames,
		"binary_frames", sess.BinaryFrames,
		"bytes_in", sess.BytesIn,
		"bytes_out", sess.BytesOut,
	)
}

// forwardFrames forwards WebSocket frames from src to dst
func (h *Handler) forwardFrames(ctx context.Context, src, dst *websocket.Conn, sess *session.Session, direction session.FrameDirection, cancel context.CancelFunc) {
	dirStr := "client->backend"
	inbound := true
	if direction == session.FrameOutbound {
		dirStr = "backend->client"
		inbound = false
	}

	scanPipeline := h.outputScanPipeline
	if inbound {
		scanPipeline = h.inputScanPipeline
	}
	var frameScanner *FrameScanner
	if h.config.ScanTextFrames && scanPipeline != nil {
		frameScanner = NewFrameScanner(sess.ID, true, 64, scanPipeline)
		defer func() {
			if result := frameScanner.Finalize(context.Background()); result != nil {
				slog.Warn("websocket frame scan violation in trailing buffer",
					"session_id", sess.ID,
					"direction", dirStr,
					"violations", result.Violations,
				)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Read frame from source
		msgType, data, err := src.Read(ctx)
		if err != nil {
			if err == io.EOF || websocket.CloseStatus(err) != -1 {
				// Normal close
				slog.Debug("websocket closed normally",
					"session_id", sess.ID,
					"direction", dirStr,
				)
			} else if ctx.Err() == nil {
				slog.Error("websocket read error",
					"session_id", sess.ID,
					"direction", dirStr,
					"error", err,
				)
			}
			cancel()
			return
		}

		// Track frame statistics
		frameType := session.FrameBinary
		if msgType == websocket.MessageText {
			frameType = session.FrameText
		}
		sess.AddFrame(frameType, int64(len(data)), direction)

		// Policy scanning for text frames
		if h.config.ScanTextFrames && h.policyEngine != nil && msgType == websocket.MessageText {
			var result *policy.ContentCheckResult
			if inbound {
				result = h.policyEngine.EvaluateRequestContent(sess.ID, string(data))
			} else {
				result = h.policyEngine.EvaluateResponseContent(sess.ID, string(data))
			}

			if result != nil && len(result.Violations) > 0 {
				// Log violations
				for _, v := range result.Violations {
					slog.Warn("websocket policy violation",
						"session_id", sess.ID,
						"direction", dirStr,
						"rule", v.RuleName,
						"severity", v.Severity,
						"action", v.Action,
						"matched", v.MatchedText,
					)
				}

				// Handle block/terminate actions
				if result.ShouldTerminate {
					slog.Warn("websocket connection terminated by policy",
						"session_id", sess.ID,
						"direction", dirStr,
					)
					// Close both connections
					src.Close(websocket.StatusPolicyViolation, "Policy violation: session terminated")
					dst.Close(websocket.StatusPolicyViolation, "Policy violation: session terminated")
					cancel()
					return
				}

				if result.ShouldBlock {
					slog.Warn("websocket frame blocked by policy",
						"session_id", sess.ID,
						"direction", dirStr,
						"size", len(data),
					)
					// Don't forward this frame, but keep connection open
					continue
				}
			}
		}

		// Frame-level scan pipeline (ban substrings, prompt injection,
		// no-refusal, etc.), independent of and in addition to the
		// policy engine's content rules above.
		if frameScanner != nil {
			frame := NewFrame(msgType, data, direction)
			if result := frameScanner.ScanFrame(ctx, frame); result != nil {
				slog.Warn("websocket frame scan violation",
					"session_id", sess.ID,
					"direction", dirStr,
					"violations", result.Violations,
				)
				if result.ShouldTerminate {
					src.Close(websocket.StatusPolicyViolation, "Scan violation: session terminated")
					dst.Close(websocket.StatusPolicyViolation, "Scan violation: session terminated")
					cancel()
					return
				}
				continue
			}
		}

		// Write frame to destination
		err = dst.Write(ctx, msgType, data)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("websocket write error",
					"session_id", sess.ID,
					"direction", dirStr,
					"error", err,
				)
			}
			cancel()
			return
		}

		slog.Debug("websocket frame forwarded",
			"session_id", sess.ID,
			"direction", dirStr,
			"type", msgType.String(),
			"size", len(data),
		)
	}
}

// keepAlive sends periodic ping frames to keep the connection alive
func (h *Handler) keepAlive(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.config.PongTimeout)
			err := conn.Ping(pingCtx)
			cancel()

			if err != nil {
				if ctx.Err() == nil {
					slog.Debug("websocket ping failed",
						"session_id", sess.ID,
						"error", err,
					)
				}
				return
			}
		}
	}
}

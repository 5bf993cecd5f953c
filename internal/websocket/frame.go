package websocket

import (
	"context"
	"time"

	"github.com/coder/websocket"

	"llmshield/internal/core"
	"llmshield/internal/pipeline"
)

// Frame represents a WebSocket frame with metadata
type Frame struct {
	Type      websocket.MessageType
	Data      []byte
	Timestamp time.Time
	Direction Direction
	Size      int
}

// Direction indicates the direction of a WebSocket frame
type Direction int

const (
	// Inbound is a frame from client to backend (through proxy)
	Inbound Direction = iota
	// Outbound is a frame from backend to client (through proxy)
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// NewFrame creates a new Frame with the current timestamp
func NewFrame(msgType websocket.MessageType, data []byte, direction Direction) *Frame {
	return &Frame{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
		Direction: direction,
		Size:      len(data),
	}
}

// IsText returns true if this is a text frame
func (f *Frame) IsText() bool {
	return f.Type == websocket.MessageText
}

// IsBinary returns true if this is a binary frame
func (f *Frame) IsBinary() bool {
	return f.Type == websocket.MessageBinary
}

// FrameScanner provides frame-level content scanning for the text frames
// of one streaming direction of one WebSocket session, running the same
// scan pipeline the control API exposes over /scan/prompt and
// /scan/output. Text can arrive split across frames (a JSON message
// chunked mid-field, a token stream), so FrameScanner keeps the tail of
// the previous frame as overlapBuffer and prepends it to the next one
// before scanning, instead of scanning each frame in isolation.
type FrameScanner struct {
	sessionID     string
	scanTextOnly  bool
	overlapBuffer []byte
	overlapSize   int
	pipeline      *pipeline.Pipeline
}

// NewFrameScanner creates a new FrameScanner running p against text
// frames. p may be nil, in which case ScanFrame is a no-op.
func NewFrameScanner(sessionID string, scanTextOnly bool, overlapSize int, p *pipeline.Pipeline) *FrameScanner {
	return &FrameScanner{
		sessionID:    sessionID,
		scanTextOnly: scanTextOnly,
		overlapSize:  overlapSize,
		pipeline:     p,
	}
}

// ScanResult contains the result of frame scanning
type ScanResult struct {
	SessionID       string
	ShouldBlock     bool
	ShouldTerminate bool
	Violations      []string
}

// ScanFrame runs the scan pipeline over frame's text content, prefixed
// with whatever tail was carried over from the previous frame. It
// returns nil when there is nothing to act on: binary frames (when
// scanTextOnly is set), no pipeline configured, or a clean scan.
func (s *FrameScanner) ScanFrame(ctx context.Context, frame *Frame) *ScanResult {
	if s.pipeline == nil {
		return nil
	}
	if s.scanTextOnly && frame.IsBinary() {
		return nil
	}
	if !frame.IsText() {
		return nil
	}

	text := string(s.overlapBuffer) + string(frame.Data)
	s.updateOverlap(frame.Data)

	result, err := s.pipeline.ExecuteAggregated(ctx, pipeline.Sequential, text, core.NewVault())
	if err != nil || result.IsValid {
		return nil
	}

	violations := make([]string, 0, len(result.RiskFactors))
	for _, f := range result.RiskFactors {
		violations = append(violations, f.Description)
	}
	return &ScanResult{
		SessionID:       s.sessionID,
		ShouldBlock:     true,
		ShouldTerminate: result.RiskScore >= 1.0,
		Violations:      violations,
	}
}

// updateOverlap keeps the trailing overlapSize bytes of data for the
// next ScanFrame call.
func (s *FrameScanner) updateOverlap(data []byte) {
	if s.overlapSize <= 0 {
		s.overlapBuffer = nil
		return
	}
	if len(data) >= s.overlapSize {
		s.overlapBuffer = append([]byte(nil), data[len(data)-s.overlapSize:]...)
		return
	}
	s.overlapBuffer = append([]byte(nil), data...)
}

// Finalize scans whatever overlap content remains once the stream ends,
// so a violation split across the very last frames isn't missed.
func (s *FrameScanner) Finalize(ctx context.Context) *ScanResult {
	if s.pipeline == nil || len(s.overlapBuffer) == 0 {
		return nil
	}
	result, err := s.pipeline.ExecuteAggregated(ctx, pipeline.Sequential, string(s.overlapBuffer), core.NewVault())
	s.overlapBuffer = nil
	if err != nil || result.IsValid {
		return nil
	}
	violations := make([]string, 0, len(result.RiskFactors))
	for _, f := range result.RiskFactors {
		violations = append(violations, f.Description)
	}
	return &ScanResult{
		SessionID:       s.sessionID,
		ShouldBlock:     true,
		ShouldTerminate: result.RiskScore >= 1.0,
		Violations:      violations,
	}
}

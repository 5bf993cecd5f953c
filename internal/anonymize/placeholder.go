package anonymize

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"llmshield/internal/core"
)

// sessionIDEntropyBytes yields >= 16 bytes of entropy (32 hex chars),
// comfortably above §6's "URL-safe and >= 16 characters of entropy"
// requirement for session ids.
const sessionIDEntropyBytes = 16

// NewSessionID allocates a fresh "sess_" + random opaque id.
func NewSessionID() string {
	buf := make([]byte, sessionIDEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on the standard reader does not fail in
		// practice; degrade to a fixed-width zero id rather than panic.
		return "sess_" + hex.EncodeToString(make([]byte, sessionIDEntropyBytes))
	}
	return "sess_" + hex.EncodeToString(buf)
}

// PlaceholderGenerator is stateful within a single anonymize call: it
// allocates one session id and then, for each entity handed to Next (in
// caller-provided detection order), returns a "[TYPE_N]" placeholder
// where N is the next dense, per-type index starting at 1.
type PlaceholderGenerator struct {
	SessionID string
	nextIndex map[core.EntityType]int
}

// NewPlaceholderGenerator allocates a session id and a fresh generator.
func NewPlaceholderGenerator() *PlaceholderGenerator {
	return &PlaceholderGenerator{
		SessionID: NewSessionID(),
		nextIndex: make(map[core.EntityType]int),
	}
}

// Next returns the placeholder for the given entity type, incrementing
// that type's counter.
func (g *PlaceholderGenerator) Next(t core.EntityType) string {
	g.nextIndex[t]++
	return fmt.Sprintf("[%s_%d]", t, g.nextIndex[t])
}

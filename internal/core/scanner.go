package core

import "context"

// ScannerType tags which side of the LLM conversation a scanner examines.
type ScannerType string

const (
	ScannerInput         ScannerType = "input"
	ScannerOutput        ScannerType = "output"
	ScannerBidirectional ScannerType = "bidirectional"
)

// Scanner is the uniform capability every pipeline stage implements:
// given input text and the invocation's Vault, produce a ScanResult.
// Implementations must be safe to invoke from multiple goroutines
// concurrently on the same instance (they are constructed once and
// shared across requests) and must not mutate any state outside the
// Vault they are handed.
type Scanner interface {
	Name() string
	Type() ScannerType
	Scan(ctx context.Context, text string, vault *Vault) (ScanResult, error)
}

// OutputScanner is the refinement output-side scanners may implement:
// in addition to the model's response text, they see the original
// prompt for context (e.g. to check the response against what was
// asked). Scanners that don't need the prompt can ignore it.
type OutputScanner interface {
	Scanner
	ScanOutput(ctx context.Context, prompt, output string, vault *Vault) (ScanResult, error)
}

// Package pipeline composes core.Scanners sequentially or concurrently,
// grounded on the ScannerPipeline builder in the reference anonymize
// core (llm-shield-core/src/scanner.rs).
package pipeline

import (
	"context"
	"sync"

	"llmshield/internal/core"
	"llmshield/internal/shielderr"
)

const defaultShortCircuitThreshold = 0.9

// Mode selects how a Pipeline's scanners are run.
type Mode string

const (
	// Sequential runs scanners in declared order, honoring short-circuit.
	Sequential Mode = "sequential"
	// Concurrent runs all scanners in parallel and disables short-circuit.
	Concurrent Mode = "concurrent"
)

// Pipeline composes a declared-order list of scanners.
type Pipeline struct {
	scanners             []core.Scanner
	shortCircuitEnabled  bool
	shortCircuitThreshold float64
}

// New builds an empty pipeline.
func New() *Pipeline {
	return &Pipeline{shortCircuitThreshold: defaultShortCircuitThreshold}
}

// Add appends a scanner to the declared order. Returns the pipeline for
// chaining, mirroring the builder style of the reference implementation.
func (p *Pipeline) Add(s core.Scanner) *Pipeline {
	p.scanners = append(p.scanners, s)
	return p
}

// WithShortCircuit enables sequential-mode short-circuiting at the given
// risk score threshold (inclusive).
func (p *Pipeline) WithShortCircuit(threshold float64) *Pipeline {
	p.shortCircuitEnabled = true
	p.shortCircuitThreshold = threshold
	return p
}

// Execute runs the pipeline in the given mode and returns the per-scanner
// results. In Sequential mode, the returned slice is a prefix of the
// declared-order sequence: once a result's risk score meets or exceeds
// the short-circuit threshold, execution stops and that result is the
// last element returned. In Concurrent mode all scanners run, joined on
// completion, and the result order matches declared order regardless of
// completion order.
//
// A scanner failing with shielderr.Transient is retried up to two
// additional times with no backoff between attempts (the bounded-retry
// policy described by the core spec); any other error, or a Transient
// error that exhausts its retries, aborts Sequential execution immediately
// but only replaces that scanner's slot with an invalid result in
// Concurrent mode — concurrent siblings still run to completion.
func (p *Pipeline) Execute(ctx context.Context, mode Mode, input string, vault *core.Vault) ([]core.ScanResult, error) {
	switch mode {
	case Concurrent:
		return p.executeConcurrent(ctx, input, vault), nil
	default:
		return p.executeSequential(ctx, input, vault)
	}
}

// ExecuteAggregated runs Execute and folds the results with core.Combine.
func (p *Pipeline) ExecuteAggregated(ctx context.Context, mode Mode, input string, vault *core.Vault) (core.ScanResult, error) {
	results, err := p.Execute(ctx, mode, input, vault)
	if err != nil {
		return core.ScanResult{}, err
	}
	return core.Combine(results), nil
}

func (p *Pipeline) executeSequential(ctx context.Context, input string, vault *core.Vault) ([]core.ScanResult, error) {
	results := make([]core.ScanResult, 0, len(p.scanners))
	for _, s := range p.scanners {
		if err := ctx.Err(); err != nil {
			return results, shielderr.Wrap(shielderr.Timeout, "pipeline cancelled", err)
		}
		result, err := scanWithRetry(ctx, s, input, vault)
		if err != nil {
			return results, err
		}
		results = append(results, result)
		if p.shortCircuitEnabled && result.RiskScore >= p.shortCircuitThreshold {
			break
		}
	}
	return results, nil
}

func (p *Pipeline) executeConcurrent(ctx context.Context, input string, vault *core.Vault) []core.ScanResult {
	results := make([]core.ScanResult, len(p.scanners))
	var wg sync.WaitGroup
	for i, s := range p.scanners {
		wg.Add(1)
		go func(i int, s core.Scanner) {
			defer wg.Done()
			result, err := scanWithRetry(ctx, s, input, vault)
			if err != nil {
				result = core.ScanResult{
					IsValid:   false,
					RiskScore: 0,
					RiskFactors: []core.RiskFactor{{
						ID:          "scanner_failed",
						Description: s.Name() + ": " + err.Error(),
						Severity:    core.SeverityMedium,
					}},
				}
			}
			results[i] = result
		}(i, s)
	}
	wg.Wait()
	return results
}

// scanWithRetry retries a Transient failure up to two additional times,
// per §4.15's "bounded exponential backoff, capped at 2 attempts" —
// attempts are retried immediately since the pipeline has no notion of
// wall-clock backoff scheduling; callers that need backoff wrap Scanner
// themselves.
func scanWithRetry(ctx context.Context, s core.Scanner, input string, vault *core.Vault) (core.ScanResult, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		result, err := s.Scan(ctx, input, vault)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if se, ok := shielderr.As(err); !ok || se.Kind != shielderr.Transient {
			return core.ScanResult{}, err
		}
	}
	return core.ScanResult{}, lastErr
}

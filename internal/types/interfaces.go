package types

import (
	"context"
	"time"
)

// Detector is any component that derives issues from file bytes plus project
// metadata. Detectors must be pure with respect to their inputs (no hidden
// state) so that fingerprint deduplication works, and must emit issues in a
// stable order.
type Detector interface {
	// ID is the stable registry key; it participates in fingerprints.
	ID() string
	// Kinds lists the issue kinds this detector can emit.
	Kinds() []IssueKind
	// Detect returns zero or more issues for the file.
	Detect(path string, content []byte, project Project) []Issue
	// ReCheck reports whether the defect behind the issue is still present
	// in the (possibly patched) content. Used by the verifier.
	ReCheck(issue Issue, content []byte) bool
}

// LLMClient is the generative model behind fix generation and expert guide
// authoring. Implementations handle their own retries and rate limiting.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return ClockFunc(time.Now) }

// Package detect hosts the detector registry and the fingerprint scheme that
// identifies "the same defect" across runs.
package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"sync"

	"codewarden/internal/logging"
	"codewarden/internal/types"
)

// Registry holds the detectors that run on every scanned file.
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]types.Detector
	order     []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{detectors: make(map[string]types.Detector)}
}

// DefaultRegistry returns a registry loaded with the built-in detectors.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&todoDetector{})
	r.Register(&ignoredErrorDetector{})
	r.Register(&secretDetector{})
	r.Register(&longFunctionDetector{})
	return r
}

// Register adds a detector. Re-registering an ID replaces the previous one.
func (r *Registry) Register(d types.Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.detectors[d.ID()]; !exists {
		r.order = append(r.order, d.ID())
	}
	r.detectors[d.ID()] = d
	logging.Get(logging.CategoryDetector).Debug("registered detector %s", d.ID())
}

// Get returns the detector with the given ID.
func (r *Registry) Get(id string) (types.Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[id]
	return d, ok
}

// Detectors returns all detectors in registration order.
func (r *Registry) Detectors() []types.Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Detector, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.detectors[id])
	}
	return out
}

// Scan runs every registered detector over the file and returns the issues
// in a stable order, each with its fingerprint filled in.
func (r *Registry) Scan(path string, content []byte, project types.Project) []types.Issue {
	var issues []types.Issue
	for _, d := range r.Detectors() {
		for _, iss := range d.Detect(path, content, project) {
			iss.ProjectID = project.ID
			iss.Path = path
			iss.DetectorID = d.ID()
			iss.Fingerprint = Fingerprint(iss.Kind, iss.Message, path, d.ID())
			issues = append(issues, iss)
		}
	}
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Line != issues[j].Line {
			return issues[i].Line < issues[j].Line
		}
		return issues[i].Fingerprint < issues[j].Fingerprint
	})
	return issues
}

var (
	numberRe     = regexp.MustCompile(`\b\d+\b`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Fingerprint derives the stable identity of a defect. Line numbers are
// deliberately excluded so the fingerprint survives unrelated edits above
// the defect, and messages are normalized so volatile details (counts,
// offsets) do not split identities.
func Fingerprint(kind types.IssueKind, message, path, detectorID string) string {
	normalized := strings.ToLower(strings.TrimSpace(message))
	normalized = numberRe.ReplaceAllString(normalized, "N")
	normalized = whitespaceRe.ReplaceAllString(normalized, " ")
	sum := sha256.Sum256([]byte(string(kind) + "\x00" + normalized + "\x00" + path + "\x00" + detectorID))
	return hex.EncodeToString(sum[:])
}

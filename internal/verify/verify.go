// Package verify gates candidate fixes before anything touches disk. A
// candidate passes only if the patch is well formed, the edit stays near the
// defect, the detector no longer flags the defect, and no denied token was
// introduced.
package verify

import (
	"strings"

	"codewarden/internal/detect"
	"codewarden/internal/diff"
	"codewarden/internal/logging"
	"codewarden/internal/types"
)

// editWindow bounds how far from the issue line an edit may reach, in lines.
// Architecture issues are exempt: restructuring is their point.
const editWindow = 40

// maxEditLines caps the total edit size for non-architecture issues.
const maxEditLines = 120

// deniedTokens must not appear on added lines. Each entry names the token
// and why it is denied; the reason surfaces in the verdict.
var deniedTokens = []struct {
	token  string
	reason string
}{
	{"os.Exit(", "fix introduces a process exit"},
	{"panic(", "fix introduces a panic"},
	{"TODO", "fix introduces a TODO marker"},
	{"FIXME", "fix introduces a FIXME marker"},
	{"t.Skip(", "fix skips a test"},
	{"//nolint", "fix suppresses a linter"},
	{"#nosec", "fix suppresses a security check"},
	{"eval(", "fix introduces dynamic evaluation"},
}

// Verdict is the verifier's decision with every reason it failed.
type Verdict struct {
	OK      bool
	Reasons []string
}

func (v *Verdict) fail(reason string) {
	v.OK = false
	v.Reasons = append(v.Reasons, reason)
}

// Verifier checks candidates against their issue and original content.
type Verifier struct {
	registry *detect.Registry
	engine   *diff.Engine
}

// New creates a verifier sharing the detector registry of the crawler.
func New(registry *detect.Registry) *Verifier {
	return &Verifier{registry: registry, engine: diff.NewEngine()}
}

// Check runs every gate and returns the verdict. All gates run even after
// the first failure so the fix record carries the full picture.
func (v *Verifier) Check(issue types.Issue, oldContent, newContent string) Verdict {
	verdict := Verdict{OK: true}

	if strings.TrimSpace(newContent) == "" {
		verdict.fail("patched file is empty")
		return verdict
	}
	if newContent == oldContent {
		verdict.fail("patch changes nothing")
		return verdict
	}

	stats := v.engine.EditStats(oldContent, newContent)
	if issue.Kind != types.KindArchitecture {
		if !v.engine.WithinWindow(oldContent, newContent, issue.Line, editWindow) {
			verdict.fail("edit strays outside the defect window")
		}
		if stats.Total() > maxEditLines {
			verdict.fail("edit is larger than allowed for this issue kind")
		}
	}

	for _, reason := range v.introducedTokens(oldContent, newContent) {
		verdict.fail(reason)
	}
	if v.introducesSecret(oldContent, newContent) {
		verdict.fail("fix introduces a hardcoded credential")
	}

	if d, ok := v.registry.Get(issue.DetectorID); ok {
		if d.ReCheck(issue, []byte(newContent)) {
			verdict.fail("detector still flags the defect after the patch")
		}
	} else {
		// Without the originating detector the defect cannot be confirmed
		// gone, and an unverifiable fix must not ship.
		verdict.fail("originating detector is no longer registered")
	}

	if !verdict.OK {
		logging.Get(logging.CategoryVerifier).Info("rejected fix for issue %s: %s",
			issue.ID, strings.Join(verdict.Reasons, "; "))
	}
	return verdict
}

// introducesSecret checks added lines for credential shapes, using the same
// matcher as the hardcoded-secret detector. Literal token matching cannot
// cover these (the keyword and the value vary), so this gate is separate
// from the denied-token list.
func (v *Verifier) introducesSecret(oldContent, newContent string) bool {
	for _, op := range v.engine.Ops(oldContent, newContent) {
		if op.Type == diff.OpAdd && detect.ContainsSecret(op.Content) {
			return true
		}
	}
	return false
}

// introducedTokens scans only the added lines, so pre-existing occurrences
// elsewhere in the file do not block an unrelated fix.
func (v *Verifier) introducedTokens(oldContent, newContent string) []string {
	var reasons []string
	seen := make(map[string]bool)
	for _, op := range v.engine.Ops(oldContent, newContent) {
		if op.Type != diff.OpAdd {
			continue
		}
		for _, dt := range deniedTokens {
			if strings.Contains(op.Content, dt.token) && !seen[dt.token] {
				seen[dt.token] = true
				reasons = append(reasons, dt.reason)
			}
		}
	}
	return reasons
}

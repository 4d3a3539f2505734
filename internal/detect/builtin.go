package detect

import (
	"fmt"
	"regexp"
	"strings"

	"codewarden/internal/types"
)

// todoDetector flags TODO/FIXME/HACK markers left in source.
type todoDetector struct{}

var todoRe = regexp.MustCompile(`\b(TODO|FIXME|HACK|XXX)\b`)

func (d *todoDetector) ID() string { return "todo-marker" }
func (d *todoDetector) Kinds() []types.IssueKind { return []types.IssueKind{types.KindSmell} }

func (d *todoDetector) Detect(path string, content []byte, _ types.Project) []types.Issue {
	if !isSourceFile(path) {
		return nil
	}
	var issues []types.Issue
	for i, line := range strings.Split(string(content), "\n") {
		m := todoRe.FindString(line)
		if m == "" {
			continue
		}
		issues = append(issues, types.Issue{
			Line:     i + 1,
			Kind:     types.KindSmell,
			Severity: types.SeverityLow,
			Message:  fmt.Sprintf("%s marker left in source", m),
		})
	}
	return issues
}

func (d *todoDetector) ReCheck(issue types.Issue, content []byte) bool {
	marker := strings.Fields(issue.Message)[0]
	return strings.Contains(string(content), marker)
}

// ignoredErrorDetector flags discarded error returns in Go source.
type ignoredErrorDetector struct{}

var ignoredErrRe = regexp.MustCompile(`(^|\s)_\s*(,\s*_\s*)?=\s*\w+[\w.]*\(`)

func (d *ignoredErrorDetector) ID() string { return "ignored-error" }
func (d *ignoredErrorDetector) Kinds() []types.IssueKind {
	return []types.IssueKind{types.KindErrorHandling}
}

func (d *ignoredErrorDetector) Detect(path string, content []byte, _ types.Project) []types.Issue {
	if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
		return nil
	}
	var issues []types.Issue
	for i, line := range strings.Split(string(content), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "//") {
			continue
		}
		if ignoredErrRe.MatchString(line) {
			issues = append(issues, types.Issue{
				Line:     i + 1,
				Kind:     types.KindErrorHandling,
				Severity: types.SeverityMedium,
				Message:  "return value discarded with blank identifier",
			})
		}
	}
	return issues
}

func (d *ignoredErrorDetector) ReCheck(_ types.Issue, content []byte) bool {
	for _, line := range strings.Split(string(content), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "//") {
			continue
		}
		if ignoredErrRe.MatchString(line) {
			return true
		}
	}
	return false
}

// secretDetector flags credentials assigned to string literals.
type secretDetector struct{}

var secretRe = regexp.MustCompile(`(?i)(password|passwd|secret|api_?key|auth_?token|access_?key)\s*[:=]\s*["'][^"']{4,}["']`)

// ContainsSecret reports whether s carries a hardcoded-credential shape.
// The verifier uses it to reject patches that would introduce one.
func ContainsSecret(s string) bool { return secretRe.MatchString(s) }

func (d *secretDetector) ID() string { return "hardcoded-secret" }
func (d *secretDetector) Kinds() []types.IssueKind { return []types.IssueKind{types.KindSecurity} }

func (d *secretDetector) Detect(path string, content []byte, _ types.Project) []types.Issue {
	if !isSourceFile(path) {
		return nil
	}
	var issues []types.Issue
	for i, line := range strings.Split(string(content), "\n") {
		m := secretRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		issues = append(issues, types.Issue{
			Line:     i + 1,
			Kind:     types.KindSecurity,
			Severity: types.SeverityCritical,
			Message:  fmt.Sprintf("possible hardcoded credential: %s", strings.ToLower(m[1])),
		})
	}
	return issues
}

func (d *secretDetector) ReCheck(_ types.Issue, content []byte) bool {
	return secretRe.Match(content)
}

// longFunctionDetector flags functions whose body exceeds a line budget.
type longFunctionDetector struct{}

const maxFunctionLines = 80

var funcStartRe = regexp.MustCompile(`^func\s+(\(\s*\w+\s+[*\w.\[\]]+\s*\)\s*)?(\w+)`)

func (d *longFunctionDetector) ID() string { return "long-function" }
func (d *longFunctionDetector) Kinds() []types.IssueKind { return []types.IssueKind{types.KindSmell} }

func (d *longFunctionDetector) Detect(path string, content []byte, _ types.Project) []types.Issue {
	if !strings.HasSuffix(path, ".go") {
		return nil
	}
	var issues []types.Issue
	lines := strings.Split(string(content), "\n")
	start, name, depth := -1, "", 0
	for i, line := range lines {
		if start < 0 {
			if m := funcStartRe.FindStringSubmatch(line); m != nil && strings.Contains(line, "{") {
				start, name, depth = i, m[2], 0
			}
		}
		if start < 0 {
			continue
		}
		depth += strings.Count(line, "{") - strings.Count(line, "}")
		if depth == 0 {
			if length := i - start + 1; length > maxFunctionLines {
				issues = append(issues, types.Issue{
					Line:     start + 1,
					Kind:     types.KindSmell,
					Severity: types.SeverityLow,
					Message:  fmt.Sprintf("function %s spans %d lines", name, length),
				})
			}
			start = -1
		}
	}
	return issues
}

func (d *longFunctionDetector) ReCheck(issue types.Issue, content []byte) bool {
	// Re-run detection and compare by message prefix (function name); the
	// length in the message may legitimately change while still too long.
	prefix := issue.Message[:strings.LastIndex(issue.Message, " spans ")]
	for _, found := range d.Detect(issue.Path, content, types.Project{}) {
		if strings.HasPrefix(found.Message, prefix) {
			return true
		}
	}
	return false
}

var sourceExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true,
	".java": true, ".rb": true, ".rs": true, ".c": true, ".h": true,
	".cpp": true, ".cs": true, ".sh": true, ".yaml": true, ".yml": true,
}

func isSourceFile(path string) bool {
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		return sourceExtensions[path[idx:]]
	}
	return false
}

// Package experts maintains per-project expert guides: short technology
// briefs the fix generator consults for project-specific conventions. Guide
// bodies are immutable; a revision supersedes the previous one and inherits
// nothing but the kind.
package experts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"codewarden/internal/logging"
	"codewarden/internal/store"
	"codewarden/internal/types"
)

// Revision thresholds: a guide consulted at least minConsultations times
// whose quality fell under qualityFloor gets rewritten.
const (
	qualityFloor     = 0.4
	minConsultations = 10
)

// Manager profiles projects and manages the guide lifecycle.
type Manager struct {
	store *store.Store
	llm   types.LLMClient
}

// NewManager creates a guide manager.
func NewManager(st *store.Store, llm types.LLMClient) *Manager {
	return &Manager{store: st, llm: llm}
}

// manifestKinds maps build manifests to guide kinds.
var manifestKinds = map[string][]string{
	"go.mod":           {"language-go"},
	"go.sum":           nil,
	"package.json":     {"language-javascript"},
	"tsconfig.json":    {"language-typescript"},
	"requirements.txt": {"language-python"},
	"pyproject.toml":   {"language-python"},
	"Cargo.toml":       {"language-rust"},
	"pom.xml":          {"language-java"},
	"Gemfile":          {"language-ruby"},
	"Dockerfile":       {"infra-docker"},
	"docker-compose.yml": {"infra-docker"},
	"Makefile":         {"infra-build"},
}

// contentKinds adds guide kinds when a manifest mentions a dependency.
var contentKinds = map[string]string{
	"postgres":   "database-postgres",
	"pgx":        "database-postgres",
	"sqlite":     "database-sqlite",
	"redis":      "cache-redis",
	"grpc":       "transport-grpc",
	"kafka":      "messaging-kafka",
	"prometheus": "observability-metrics",
}

// ProfileStack inspects the project checkout and returns the guide kinds the
// project needs, sorted and deduplicated.
func ProfileStack(root string) []string {
	seen := make(map[string]bool)
	for manifest, kinds := range manifestKinds {
		path := filepath.Join(root, manifest)
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		for _, k := range kinds {
			seen[k] = true
		}
		lower := strings.ToLower(string(content))
		for needle, kind := range contentKinds {
			if strings.Contains(lower, needle) {
				seen[kind] = true
			}
		}
	}
	kinds := make([]string, 0, len(seen))
	for k := range seen {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// EnsureGuides profiles the project and authors a guide for every kind that
// has no live guide yet. Returns the kinds newly covered.
func (m *Manager) EnsureGuides(ctx context.Context, project types.Project) ([]string, error) {
	kinds := ProfileStack(project.RootPath)
	var created []string
	for _, kind := range kinds {
		if _, err := m.store.LiveGuide(project.ID, kind); err == nil {
			continue
		}
		body, err := m.authorGuide(ctx, project, kind, "")
		if err != nil {
			return created, fmt.Errorf("failed to author %s guide: %w", kind, err)
		}
		if _, err := m.store.CreateGuide(types.ExpertGuide{
			ProjectID: project.ID,
			Kind:      kind,
			Body:      body,
		}); err != nil {
			return created, err
		}
		created = append(created, kind)
		logging.Get(logging.CategoryExperts).Info("authored %s guide for project %s", kind, project.ID)
	}
	return created, nil
}

// RelevantGuides returns the live guides whose kind matches the issue, most
// reliable first. Language guides always apply; specialized guides apply
// when the issue kind maps to them.
func (m *Manager) RelevantGuides(projectID string, issue types.Issue) ([]types.ExpertGuide, error) {
	guides, err := m.store.LiveGuides(projectID)
	if err != nil {
		return nil, err
	}
	var relevant []types.ExpertGuide
	for _, g := range guides {
		if guideApplies(g.Kind, issue.Kind) {
			relevant = append(relevant, g)
		}
	}
	sort.SliceStable(relevant, func(i, j int) bool {
		return relevant[i].Quality > relevant[j].Quality
	})
	return relevant, nil
}

func guideApplies(guideKind string, issueKind types.IssueKind) bool {
	switch {
	case strings.HasPrefix(guideKind, "language-"):
		return true
	case guideKind == "observability-metrics":
		return issueKind == types.KindPerformance
	case strings.HasPrefix(guideKind, "database-"), guideKind == "cache-redis":
		return issueKind == types.KindPerformance || issueKind == types.KindErrorHandling
	case strings.HasPrefix(guideKind, "infra-"):
		return issueKind == types.KindSecurity || issueKind == types.KindArchitecture
	default:
		return issueKind == types.KindOther
	}
}

// ReviseUnderperformers rewrites every live guide whose quality collapsed
// under sustained consultation. The new revision supersedes the old one.
func (m *Manager) ReviseUnderperformers(ctx context.Context, project types.Project) (int, error) {
	stale, err := m.store.GuidesNeedingRevision(project.ID, qualityFloor, minConsultations)
	if err != nil {
		return 0, err
	}
	revised := 0
	for _, g := range stale {
		body, err := m.authorGuide(ctx, project, g.Kind, g.Body)
		if err != nil {
			logging.Get(logging.CategoryExperts).Warn("revision of %s guide failed: %v", g.Kind, err)
			continue
		}
		if _, err := m.store.CreateGuide(types.ExpertGuide{
			ProjectID: project.ID,
			Kind:      g.Kind,
			Body:      body,
		}); err != nil {
			return revised, err
		}
		revised++
		logging.Get(logging.CategoryExperts).Info("revised %s guide (rev %d, quality %.2f)",
			g.Kind, g.Revision, g.Quality)
	}
	return revised, nil
}

const guideSystemPrompt = `You are a senior engineer writing a short internal guide for an automated code-fixing system. Write 10-20 bullet points of concrete, project-specific conventions and pitfalls. No preamble, no closing remarks.`

func (m *Manager) authorGuide(ctx context.Context, project types.Project, kind, previousBody string) (string, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Project: %s (repo %s)\nTopic: %s\n", project.Name, project.RepoURL, kind)
	if previousBody != "" {
		prompt.WriteString("\nThe previous guide underperformed when applied; rewrite it from scratch, keeping only advice you are confident in:\n\n")
		prompt.WriteString(previousBody)
	}
	body, err := m.llm.CompleteWithSystem(ctx, guideSystemPrompt, prompt.String())
	if err != nil {
		return "", err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", fmt.Errorf("model returned an empty guide for %s", kind)
	}
	return body, nil
}

package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"codewarden/internal/experts"
	"codewarden/internal/store"
	"codewarden/internal/types"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type fakeLLM struct {
	calls   int
	replies []string
	err     error
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return f.CompleteWithSystem(ctx, "", prompt)
}

func (f *fakeLLM) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return reply, nil
}

func fixReply(confidence float64, code string) string {
	return fmt.Sprintf("CONFIDENCE: %.2f\nREASONING: remove the marker\n```go\n%s\n```", confidence, code)
}

func testGenerator(t *testing.T, llm types.LLMClient) (*Generator, *store.Store, types.Project) {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tenantID, err := st.CreateTenant(types.Tenant{Name: "acme"})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	project := types.Project{TenantID: tenantID, Name: "svc", RootPath: t.TempDir()}
	project.ID, err = st.CreateProject(project)
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return New(st, llm, experts.NewManager(st, llm)), st, project
}

const oldFile = "package main\n\n// TODO remove\nfunc main() {}\n"
const fixedFile = "package main\n\nfunc main() {}\n"

func testIssue(projectID string) types.Issue {
	return types.Issue{
		ID:          "iss-1",
		ProjectID:   projectID,
		Path:        "main.go",
		Line:        3,
		Kind:        types.KindSmell,
		Severity:    types.SeverityLow,
		Message:     "TODO marker left in source",
		Fingerprint: "fp-1",
	}
}

func TestParseFixReply(t *testing.T) {
	code, conf, reasoning, err := parseFixReply(fixReply(0.85, "fixed code"))
	if err != nil {
		t.Fatalf("parseFixReply: %v", err)
	}
	if code != "fixed code" || conf != 0.85 || reasoning != "remove the marker" {
		t.Errorf("parsed = %q, %.2f, %q", code, conf, reasoning)
	}

	// Missing confidence falls back to 0.5, missing fence is an error.
	code, conf, _, err = parseFixReply("```\njust code\n```")
	if err != nil || code != "just code" || conf != 0.5 {
		t.Errorf("parsed = %q, %.2f, %v", code, conf, err)
	}
	if _, _, _, err := parseFixReply("no code here"); err == nil {
		t.Error("reply without a fence should fail")
	}
}

func TestPatternReplayWinsWithoutModelCall(t *testing.T) {
	llm := &fakeLLM{replies: []string{"unused"}}
	g, st, project := testGenerator(t, llm)
	issue := testIssue(project.ID)

	dmp := diffmatchpatch.New()
	patchText := dmp.PatchToText(dmp.PatchMake(oldFile, fixedFile))
	// 5 successes give Laplace confidence 6/7, above the replay floor.
	for i := 0; i < 5; i++ {
		if _, err := st.UpsertPattern(project.ID, issue.Fingerprint, 1, 0, patchText); err != nil {
			t.Fatalf("UpsertPattern: %v", err)
		}
	}

	cand, err := g.Generate(context.Background(), issue, oldFile)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if cand.Generator != types.GeneratorPattern {
		t.Errorf("Generator = %s, want pattern", cand.Generator)
	}
	if cand.NewContent != fixedFile {
		t.Errorf("NewContent = %q", cand.NewContent)
	}
	if cand.RawConfidence < 0.75 {
		t.Errorf("RawConfidence = %.2f", cand.RawConfidence)
	}
	if cand.Diff == "" || cand.PatchText == "" {
		t.Error("diff artifacts not filled")
	}
	if llm.calls != 0 {
		t.Errorf("pattern replay made %d model calls", llm.calls)
	}
}

func TestWeakPatternFallsThroughToModel(t *testing.T) {
	llm := &fakeLLM{replies: []string{fixReply(0.7, "// TODO remove\nfunc main() {}")}}
	g, st, project := testGenerator(t, llm)
	issue := testIssue(project.ID)

	// 1 success, 2 failures: confidence 2/5, under the floor.
	if _, err := st.UpsertPattern(project.ID, issue.Fingerprint, 1, 2, "stale patch"); err != nil {
		t.Fatalf("UpsertPattern: %v", err)
	}

	cand, err := g.Generate(context.Background(), issue, oldFile)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if cand.Generator != types.GeneratorModel {
		t.Errorf("Generator = %s, want model", cand.Generator)
	}
	if llm.calls == 0 {
		t.Error("model strategy should have been consulted")
	}
}

func TestExpertStrategyCarriesGuideIDs(t *testing.T) {
	reply := fixReply(0.9, fixedFile[:len(fixedFile)-1])
	llm := &fakeLLM{replies: []string{reply}}
	g, st, project := testGenerator(t, llm)
	issue := testIssue(project.ID)

	guideID, err := st.CreateGuide(types.ExpertGuide{
		ProjectID: project.ID, Kind: "language-go", Body: "- no TODOs in main",
	})
	if err != nil {
		t.Fatalf("CreateGuide: %v", err)
	}

	cand, err := g.Generate(context.Background(), issue, oldFile)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if cand.Generator != types.GeneratorExpert {
		t.Errorf("Generator = %s, want expert", cand.Generator)
	}
	if len(cand.GuideIDs) != 1 || cand.GuideIDs[0] != guideID {
		t.Errorf("GuideIDs = %v", cand.GuideIDs)
	}
	if cand.RawConfidence != 0.9 {
		t.Errorf("RawConfidence = %.2f", cand.RawConfidence)
	}
}

func TestModelSliceIsSplicedBack(t *testing.T) {
	// Build a file much larger than the slice window so splicing matters.
	var lines []string
	for i := 0; i < 200; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	lines[99] = "// TODO remove"
	content := strings.Join(lines, "\n")

	issue := types.Issue{
		ID: "iss-2", Path: "big.go", Line: 100,
		Kind: types.KindSmell, Message: "TODO marker left in source",
		Fingerprint: "fp-2",
	}

	// The model sees lines 60-140 and returns them with the marker dropped.
	start, end := 59, 139
	slice := append([]string{}, lines[start:end+1]...)
	var fixedSlice []string
	for _, l := range slice {
		if l != "// TODO remove" {
			fixedSlice = append(fixedSlice, l)
		}
	}
	llm := &fakeLLM{replies: []string{fixReply(0.6, strings.Join(fixedSlice, "\n"))}}
	g, _, project := testGenerator(t, llm)
	issue.ProjectID = project.ID

	cand, err := g.Generate(context.Background(), issue, content)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if strings.Contains(cand.NewContent, "// TODO remove") {
		t.Error("marker survived the splice")
	}
	if !strings.Contains(cand.NewContent, "line 0") || !strings.Contains(cand.NewContent, "line 199") {
		t.Error("splice lost content outside the window")
	}
	wantLines := len(lines) - 1
	if got := len(strings.Split(cand.NewContent, "\n")); got != wantLines {
		t.Errorf("spliced file has %d lines, want %d", got, wantLines)
	}
}

func TestUnchangedReplyYieldsNoCandidate(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		// Both strategies return the input untouched.
		fixReply(0.9, oldFile[:len(oldFile)-1]),
	}}
	g, _, project := testGenerator(t, llm)
	issue := testIssue(project.ID)

	if _, err := g.Generate(context.Background(), issue, oldFile); !errors.Is(err, ErrNoCandidate) {
		t.Errorf("Generate = %v, want ErrNoCandidate", err)
	}
}

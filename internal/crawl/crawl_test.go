package crawl

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"codewarden/internal/detect"
	"codewarden/internal/locks"
	"codewarden/internal/store"
	"codewarden/internal/types"
)

func testCrawler(t *testing.T) (*Crawler, *store.Store, types.Project) {
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
	return New(st, detect.DefaultRegistry(), locks.NewRegistry(), 0, 2), st, project
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestFullSweepFindsIssues(t *testing.T) {
	c, st, project := testCrawler(t)
	writeFile(t, project.RootPath, "a.go", "package a\n\n// TODO fix\n")
	writeFile(t, project.RootPath, "b.go", "package b\n")
	writeFile(t, project.RootPath, "README.md", "# TODO not scannable\n")
	writeFile(t, project.RootPath, "vendor/lib.go", "// TODO vendored\n")

	stats, err := c.Crawl(context.Background(), project, Task{})
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if stats.FilesScanned != 2 || stats.Errors != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.IssuesFound != 1 {
		t.Errorf("IssuesFound = %d, want 1", stats.IssuesFound)
	}

	issues, err := st.ListIssues(store.IssueFilter{ProjectID: project.ID})
	if err != nil {
		t.Fatalf("ListIssues: %v", err)
	}
	if len(issues) != 1 || issues[0].Path != "a.go" || issues[0].Status != types.StatusPending {
		t.Errorf("issues = %+v", issues)
	}
}

func TestUnchangedHashIsSkipped(t *testing.T) {
	c, _, project := testCrawler(t)
	writeFile(t, project.RootPath, "a.go", "package a\n\n// TODO fix\n")

	if _, err := c.Crawl(context.Background(), project, Task{}); err != nil {
		t.Fatalf("first crawl: %v", err)
	}
	stats, err := c.Crawl(context.Background(), project, Task{Changed: []string{"a.go"}})
	if err != nil {
		t.Fatalf("second crawl: %v", err)
	}
	if stats.FilesScanned != 0 || stats.FilesSkipped == 0 {
		t.Errorf("unchanged file was rescanned: %+v", stats)
	}
}

func TestRescanAfterChangeDeduplicatesIssue(t *testing.T) {
	c, st, project := testCrawler(t)
	writeFile(t, project.RootPath, "a.go", "package a\n\n// TODO fix\n")

	if _, err := c.Crawl(context.Background(), project, Task{}); err != nil {
		t.Fatalf("first crawl: %v", err)
	}
	// The file changes but the defect survives: same fingerprint, one issue.
	writeFile(t, project.RootPath, "a.go", "package a\n\nvar x = 1\n\n// TODO fix\n")
	if _, err := c.Crawl(context.Background(), project, Task{Changed: []string{"a.go"}}); err != nil {
		t.Fatalf("second crawl: %v", err)
	}

	issues, err := st.ListIssues(store.IssueFilter{ProjectID: project.ID})
	if err != nil {
		t.Fatalf("ListIssues: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("got %d issues, want 1 deduplicated", len(issues))
	}
	if issues[0].Occurrences != 2 {
		t.Errorf("Occurrences = %d, want 2", issues[0].Occurrences)
	}
}

func TestSelectionOrderAndNeighborhood(t *testing.T) {
	c, st, project := testCrawler(t)
	writeFile(t, project.RootPath, "pkg/changed.go", "package pkg\n")
	writeFile(t, project.RootPath, "pkg/sibling.go", "package pkg\n")
	writeFile(t, project.RootPath, "other/far.go", "package other\n")

	// An open issue pins its path into the selection.
	if _, err := st.UpsertIssue(types.Issue{
		ProjectID: project.ID, Path: "other/far.go", Line: 1,
		Kind: types.KindSmell, Severity: types.SeverityLow,
		Message: "m", DetectorID: "d", Fingerprint: "fp-far",
	}); err != nil {
		t.Fatalf("UpsertIssue: %v", err)
	}

	selected, err := c.selectFiles(project, Task{Changed: []string{"pkg/changed.go"}})
	if err != nil {
		t.Fatalf("selectFiles: %v", err)
	}
	want := map[string]int{"pkg/changed.go": 0, "other/far.go": 1, "pkg/sibling.go": 2}
	for p, idx := range want {
		if idx >= len(selected) || selected[idx] != p {
			t.Errorf("selected = %v, want %q at %d", selected, p, idx)
		}
	}
}

func TestBudgetCapsSelection(t *testing.T) {
	st, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	tenantID, _ := st.CreateTenant(types.Tenant{Name: "acme"})
	project := types.Project{TenantID: tenantID, Name: "svc", RootPath: t.TempDir()}
	project.ID, _ = st.CreateProject(project)

	c := New(st, detect.DefaultRegistry(), locks.NewRegistry(), 3, 2)
	for _, name := range []string{"a.go", "b.go", "c.go", "d.go", "e.go"} {
		writeFile(t, project.RootPath, name, "package x\n")
	}

	selected, err := c.selectFiles(project, Task{})
	if err != nil {
		t.Fatalf("selectFiles: %v", err)
	}
	if len(selected) != 3 {
		t.Errorf("selected %d files, want budget cap 3", len(selected))
	}

	// A per-task budget overrides the configured one.
	selected, err = c.selectFiles(project, Task{Budget: 2})
	if err != nil {
		t.Fatalf("selectFiles: %v", err)
	}
	if len(selected) != 2 {
		t.Errorf("selected %d files, want task budget 2", len(selected))
	}
}

func TestHealthRecordedPerFile(t *testing.T) {
	c, st, project := testCrawler(t)
	writeFile(t, project.RootPath, "bad.go", "package bad\n\n// TODO one\nvar apiKey = \"sk-12345678\"\n")
	writeFile(t, project.RootPath, "good.go", "package good\n")

	if _, err := c.Crawl(context.Background(), project, Task{}); err != nil {
		t.Fatalf("Crawl: %v", err)
	}

	health, err := st.LatestHealth(project.ID)
	if err != nil {
		t.Fatalf("LatestHealth: %v", err)
	}
	if health["good.go"] != 100 {
		t.Errorf("good.go health = %.0f, want 100", health["good.go"])
	}
	// One low smell (-4) and one critical secret (-40).
	if health["bad.go"] != 56 {
		t.Errorf("bad.go health = %.0f, want 56", health["bad.go"])
	}

	unhealthy, err := st.UnhealthyPaths(project.ID, unhealthyThreshold)
	if err != nil {
		t.Fatalf("UnhealthyPaths: %v", err)
	}
	if len(unhealthy) != 1 || unhealthy[0] != "bad.go" {
		t.Errorf("unhealthy = %v", unhealthy)
	}
}

func TestLockedFileIsSkippedNotBlocked(t *testing.T) {
	c, _, project := testCrawler(t)
	writeFile(t, project.RootPath, "a.go", "package a\n\n// TODO fix\n")

	release, ok := c.locks.TryAcquire(project.ID, "a.go")
	if !ok {
		t.Fatal("TryAcquire failed on a fresh registry")
	}
	defer release()

	stats, err := c.Crawl(context.Background(), project, Task{Changed: []string{"a.go"}})
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if stats.FilesScanned != 0 || stats.FilesSkipped != 1 {
		t.Errorf("stats = %+v, want the locked file skipped", stats)
	}
}

func TestVanishedDefectIsSuperseded(t *testing.T) {
	c, st, project := testCrawler(t)
	writeFile(t, project.RootPath, "a.go", "package a\n\n// TODO fix\n")

	if _, err := c.Crawl(context.Background(), project, Task{}); err != nil {
		t.Fatalf("first crawl: %v", err)
	}

	// The marker disappears from the source between crawls: the open issue's
	// fingerprint no longer comes out of the scan.
	writeFile(t, project.RootPath, "a.go", "package a\n\nvar x = 1\n")
	stats, err := c.Crawl(context.Background(), project, Task{Changed: []string{"a.go"}})
	if err != nil {
		t.Fatalf("second crawl: %v", err)
	}
	if stats.IssuesSuperseded != 1 {
		t.Errorf("IssuesSuperseded = %d, want 1", stats.IssuesSuperseded)
	}

	issues, err := st.ListIssues(store.IssueFilter{ProjectID: project.ID})
	if err != nil {
		t.Fatalf("ListIssues: %v", err)
	}
	if len(issues) != 1 || issues[0].Status != types.StatusSuperseded {
		t.Errorf("issues = %+v, want one superseded", issues)
	}
}

func TestAutoFixHandsIssuesToSink(t *testing.T) {
	c, _, project := testCrawler(t)
	writeFile(t, project.RootPath, "a.go", "package a\n\n// TODO fix\n")

	var mu sync.Mutex
	var handed []types.Issue
	c.SetFixSink(func(issue types.Issue) {
		mu.Lock()
		handed = append(handed, issue)
		mu.Unlock()
	})

	stats, err := c.Crawl(context.Background(), project, Task{AutoFix: true})
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if stats.FixesQueued != 1 {
		t.Errorf("FixesQueued = %d, want 1", stats.FixesQueued)
	}
	if len(handed) != 1 || handed[0].ID == "" || handed[0].Path != "a.go" {
		t.Fatalf("handed = %+v", handed)
	}

	// The same crawl without auto-fix leaves the sink alone.
	writeFile(t, project.RootPath, "b.go", "package b\n\n// TODO later\n")
	stats, err = c.Crawl(context.Background(), project, Task{Changed: []string{"b.go"}})
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if stats.FixesQueued != 0 || len(handed) != 1 {
		t.Errorf("plain crawl handed issues off: stats=%+v handed=%d", stats, len(handed))
	}
}

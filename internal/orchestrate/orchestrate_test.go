package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"codewarden/internal/bus"
	"codewarden/internal/config"
	"codewarden/internal/detect"
	"codewarden/internal/experts"
	"codewarden/internal/generate"
	"codewarden/internal/learn"
	"codewarden/internal/locks"
	"codewarden/internal/queue"
	"codewarden/internal/store"
	"codewarden/internal/types"
	"codewarden/internal/verify"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// fakeLLM returns canned replies; onCall runs before each reply, which lets
// tests mutate the checkout mid-pipeline.
type fakeLLM struct {
	reply  string
	onCall func()
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return f.CompleteWithSystem(ctx, "", prompt)
}

func (f *fakeLLM) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	if f.onCall != nil {
		f.onCall()
	}
	return f.reply, nil
}

type fixture struct {
	orch    *Orchestrator
	store   *store.Store
	queue   *queue.Queue
	clock   *fakeClock
	project types.Project
	root    string
}

func setup(t *testing.T, llm *fakeLLM) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Now()}

	st, err := store.Open(":memory:", clock)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q, err := queue.Open(":memory:", queue.Options{}, clock)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	tenantID, err := st.CreateTenant(types.Tenant{Name: "acme"})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	root := t.TempDir()
	project := types.Project{TenantID: tenantID, Name: "svc", RootPath: root}
	project.ID, err = st.CreateProject(project)
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	b := bus.New()
	learn.NewSubscriber(st, b).Register()

	registry := detect.DefaultRegistry()
	gen := generate.New(st, llm, experts.NewManager(st, llm))
	orch := New(st, gen, verify.New(registry), registry, b, q, locks.NewRegistry(), config.DefaultConfig(), clock)

	return &fixture{orch: orch, store: st, queue: q, clock: clock, project: project, root: root}
}

const brokenFile = "package main\n\n// TODO remove this\nfunc main() {\n\trun()\n}\n"
const cleanFile = "package main\n\nfunc main() {\n\trun()\n}\n"

// pendingIssue writes the broken file and records the issue the detector
// would raise for it, leaving it in the pending state.
func pendingIssue(t *testing.T, f *fixture) types.Issue {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.root, "main.go"), []byte(brokenFile), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	issue := types.Issue{
		ProjectID: f.project.ID,
		Path:      "main.go",
		Line:      3,
		Kind:      types.KindSmell,
		Severity:  types.SeverityMedium,
		Message:   "TODO marker left in source",
		DetectorID: "todo-marker",
	}
	issue.Fingerprint = detect.Fingerprint(issue.Kind, issue.Message, issue.Path, issue.DetectorID)
	id, err := f.store.UpsertIssue(issue)
	if err != nil {
		t.Fatalf("UpsertIssue: %v", err)
	}
	issue.ID = id
	return issue
}

// approvedIssue stages the pending issue and approves it.
func approvedIssue(t *testing.T, f *fixture) types.Issue {
	t.Helper()
	issue := pendingIssue(t, f)
	if err := f.store.TransitionIssue(issue.ID, types.StatusApproved, "", "reviewer"); err != nil {
		t.Fatalf("TransitionIssue: %v", err)
	}
	return issue
}

func goodReply(confidence float64) string {
	return fmt.Sprintf("CONFIDENCE: %.2f\nREASONING: drop the marker\n```go\n%s\n```",
		confidence, strings.TrimSuffix(cleanFile, "\n"))
}

func TestApplyPathEndToEnd(t *testing.T) {
	f := setup(t, &fakeLLM{reply: goodReply(0.95)})
	issue := approvedIssue(t, f)

	record, err := f.orch.Run(context.Background(), issue.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if record.Decision != types.DecisionApply || !record.Applied {
		t.Fatalf("record = %+v", record)
	}

	// The file on disk carries the fix.
	got, err := os.ReadFile(filepath.Join(f.root, "main.go"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != cleanFile {
		t.Errorf("file after apply = %q", got)
	}

	// The issue resolved with the fix attached.
	after, err := f.store.GetIssue(issue.ID)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if after.Status != types.StatusResolved || after.FixID != record.ID {
		t.Errorf("issue after apply = %+v", after)
	}

	// Learning credited the pattern.
	p, err := f.store.GetPattern(f.project.ID, issue.Fingerprint)
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if p.Success != 1 || p.Failure != 0 {
		t.Errorf("pattern = %+v", p)
	}

	// A monitor job waits at the end of the window.
	if record.MonitorHandle == "" {
		t.Error("no monitor handle recorded")
	}
	if n, _ := f.queue.Depth(queue.QueueAnalysis); n != 1 {
		t.Errorf("analysis queue depth = %d, want 1", n)
	}

	// Stage times cover the whole pipeline in order.
	if len(record.StageTimes) != len(types.Stages) {
		t.Errorf("stamped %d stages, want %d", len(record.StageTimes), len(types.Stages))
	}
	var prev int64
	for _, s := range types.Stages {
		at, ok := record.StageTimes[s]
		if !ok {
			t.Errorf("stage %s not stamped", s)
			continue
		}
		if at < prev {
			t.Errorf("stage %s stamped out of order", s)
		}
		prev = at
	}
}

func TestLowConfidenceDefers(t *testing.T) {
	f := setup(t, &fakeLLM{reply: goodReply(0.55)})
	issue := approvedIssue(t, f)

	record, err := f.orch.Run(context.Background(), issue.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if record.Decision != types.DecisionDefer || record.Applied {
		t.Fatalf("record = %+v", record)
	}
	if !strings.Contains(record.Reason, "below threshold") {
		t.Errorf("reason = %q", record.Reason)
	}

	// Nothing touched the checkout or the issue.
	got, _ := os.ReadFile(filepath.Join(f.root, "main.go"))
	if string(got) != brokenFile {
		t.Error("deferred fix modified the file")
	}
	after, _ := f.store.GetIssue(issue.ID)
	if after.Status != types.StatusApproved {
		t.Errorf("issue status = %s, want approved", after.Status)
	}
}

func TestVerifierFailureSkips(t *testing.T) {
	// The model edits the line but keeps the marker, so the detector still
	// flags it.
	stillBroken := strings.Replace(brokenFile, "// TODO remove this", "// TODO remove this soon", 1)
	f := setup(t, &fakeLLM{reply: fmt.Sprintf("CONFIDENCE: 0.95\nREASONING: tweak\n```go\n%s\n```",
		strings.TrimSuffix(stillBroken, "\n"))})
	issue := approvedIssue(t, f)

	record, err := f.orch.Run(context.Background(), issue.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if record.Decision != types.DecisionSkip {
		t.Fatalf("record = %+v", record)
	}
	if record.VerifierPass || len(record.VerifierReasons) == 0 {
		t.Errorf("verifier fields = pass=%v reasons=%v", record.VerifierPass, record.VerifierReasons)
	}

	// The rejection counted as a failed attempt at this fingerprint.
	p, err := f.store.GetPattern(f.project.ID, issue.Fingerprint)
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if p.Success != 0 || p.Failure != 1 {
		t.Errorf("pattern after rejection = success=%d failure=%d", p.Success, p.Failure)
	}
}

func TestRepeatedRejectionsDeprecatePattern(t *testing.T) {
	stillBroken := strings.Replace(brokenFile, "// TODO remove this", "// TODO remove this soon", 1)
	f := setup(t, &fakeLLM{reply: fmt.Sprintf("CONFIDENCE: 0.95\nREASONING: tweak\n```go\n%s\n```",
		strings.TrimSuffix(stillBroken, "\n"))})
	issue := approvedIssue(t, f)

	for i := 0; i < 10; i++ {
		record, err := f.orch.Run(context.Background(), issue.ID)
		if err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
		if record.Decision != types.DecisionSkip {
			t.Fatalf("Run %d decision = %s", i, record.Decision)
		}
	}

	p, err := f.store.GetPattern(f.project.ID, issue.Fingerprint)
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if p.Failure != 10 || !p.Deprecated {
		t.Errorf("pattern after 10 rejections = failure=%d deprecated=%v", p.Failure, p.Deprecated)
	}
	if p.Confidence > 0.1 {
		t.Errorf("confidence = %.3f, want heavily discounted", p.Confidence)
	}
	if _, err := f.store.LookupUsablePattern(f.project.ID, issue.Fingerprint, 0); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("LookupUsablePattern on deprecated pattern = %v, want ErrNotFound", err)
	}
}

func TestStaleHashDefersAtApply(t *testing.T) {
	f := setup(t, nil)
	issue := approvedIssue(t, f)

	// The file changes underneath the pipeline while the model is thinking.
	llm := &fakeLLM{
		reply: goodReply(0.95),
		onCall: func() {
			edited := strings.Replace(brokenFile, "run()", "runFast()", 1)
			if err := os.WriteFile(filepath.Join(f.root, "main.go"), []byte(edited), 0644); err != nil {
				t.Errorf("WriteFile: %v", err)
			}
		},
	}
	f2 := setupWithStore(t, f, llm)

	record, err := f2.Run(context.Background(), issue.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if record.Decision != types.DecisionDefer || !strings.Contains(record.Reason, "stale") {
		t.Fatalf("record = %+v", record)
	}
}

// setupWithStore rebuilds the orchestrator around the fixture's existing
// store and checkout but a different model.
func setupWithStore(t *testing.T, f *fixture, llm *fakeLLM) *Orchestrator {
	t.Helper()
	b := bus.New()
	learn.NewSubscriber(f.store, b).Register()
	registry := detect.DefaultRegistry()
	gen := generate.New(f.store, llm, experts.NewManager(f.store, llm))
	return New(f.store, gen, verify.New(registry), registry, b, f.queue,
		locks.NewRegistry(), config.DefaultConfig(), f.clock)
}

func TestMonitorRollsBackRegression(t *testing.T) {
	f := setup(t, &fakeLLM{reply: goodReply(0.95)})
	issue := approvedIssue(t, f)

	record, err := f.orch.Run(context.Background(), issue.ID)
	if err != nil || !record.Applied {
		t.Fatalf("Run: %+v, %v", record, err)
	}

	// The defect sneaks back in during the monitoring window.
	if err := os.WriteFile(filepath.Join(f.root, "main.go"), []byte(brokenFile), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f.clock.Advance(25 * time.Hour)
	lease, err := f.queue.TryDequeue(queue.QueueAnalysis)
	if err != nil {
		t.Fatalf("monitor job not eligible: %v", err)
	}
	if err := f.orch.HandleMonitorJob(context.Background(), lease.Job.Payload); err != nil {
		t.Fatalf("HandleMonitorJob: %v", err)
	}
	lease.Complete()

	// Pre-fix bytes restored.
	got, _ := os.ReadFile(filepath.Join(f.root, "main.go"))
	if string(got) != brokenFile {
		t.Errorf("file after rollback = %q", got)
	}

	// The fix record carries the regression, once.
	fr, err := f.store.GetFixRecord(record.ID)
	if err != nil {
		t.Fatalf("GetFixRecord: %v", err)
	}
	if fr.Outcome != types.OutcomeRegression || !fr.RolledBack {
		t.Errorf("fix record = outcome=%s rolled_back=%v", fr.Outcome, fr.RolledBack)
	}

	// Learning took the credit back.
	p, err := f.store.GetPattern(f.project.ID, issue.Fingerprint)
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if p.Success != 0 || p.Failure != 1 {
		t.Errorf("pattern after rollback = %+v", p)
	}

	// The defect is open again as a fresh issue.
	open, err := f.store.ListIssues(store.IssueFilter{
		ProjectID: f.project.ID, Fingerprint: issue.Fingerprint, OpenOnly: true,
	})
	if err != nil {
		t.Fatalf("ListIssues: %v", err)
	}
	if len(open) != 1 || open[0].ID == issue.ID {
		t.Errorf("reopened issues = %+v", open)
	}

	// Someone gets told.
	if n, _ := f.queue.Depth(queue.QueueNotification); n != 1 {
		t.Errorf("notification depth = %d, want 1", n)
	}
	var n notification
	lease, err = f.queue.TryDequeue(queue.QueueNotification)
	if err != nil {
		t.Fatalf("TryDequeue notification: %v", err)
	}
	if err := json.Unmarshal(lease.Job.Payload, &n); err != nil {
		t.Fatalf("notification payload: %v", err)
	}
	if n.Event != "fix_rolled_back" || n.FixID != record.ID {
		t.Errorf("notification = %+v", n)
	}
	if n.Severity != "critical" {
		t.Errorf("rollback severity = %q, want critical", n.Severity)
	}
	lease.Complete()
}

func TestMonitorLeavesHealthyFixAlone(t *testing.T) {
	f := setup(t, &fakeLLM{reply: goodReply(0.95)})
	issue := approvedIssue(t, f)

	record, err := f.orch.Run(context.Background(), issue.ID)
	if err != nil || !record.Applied {
		t.Fatalf("Run: %+v, %v", record, err)
	}

	f.clock.Advance(25 * time.Hour)
	lease, err := f.queue.TryDequeue(queue.QueueAnalysis)
	if err != nil {
		t.Fatalf("TryDequeue: %v", err)
	}
	if err := f.orch.HandleMonitorJob(context.Background(), lease.Job.Payload); err != nil {
		t.Fatalf("HandleMonitorJob: %v", err)
	}
	lease.Complete()

	fr, _ := f.store.GetFixRecord(record.ID)
	if fr.Outcome != types.OutcomeSuccess || fr.RolledBack {
		t.Errorf("healthy fix = outcome=%s rolled_back=%v", fr.Outcome, fr.RolledBack)
	}
	if n, _ := f.queue.Depth(queue.QueueNotification); n != 0 {
		t.Errorf("notification depth = %d, want 0", n)
	}
}

// A pending issue handed straight to the pipeline, as an auto-fix crawl does,
// is approved by the pipeline itself once every gate passes. The audit trail
// keeps the full pending -> approved -> resolved history.
func TestPendingIssueRunsToResolution(t *testing.T) {
	f := setup(t, &fakeLLM{reply: goodReply(0.95)})
	issue := pendingIssue(t, f)

	record, err := f.orch.Run(context.Background(), issue.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if record.Decision != types.DecisionApply || !record.Applied {
		t.Fatalf("record = %+v", record)
	}

	after, err := f.store.GetIssue(issue.ID)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if after.Status != types.StatusResolved {
		t.Errorf("issue status = %s, want resolved", after.Status)
	}

	trail, err := f.store.AuditTrail(issue.ID)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("audit trail = %+v", trail)
	}
	if trail[0].ToStatus != types.StatusApproved || trail[0].Actor != "orchestrator" {
		t.Errorf("first transition = %+v", trail[0])
	}
	if trail[1].ToStatus != types.StatusResolved {
		t.Errorf("second transition = %+v", trail[1])
	}
}

func TestDeferredIssueRefused(t *testing.T) {
	f := setup(t, &fakeLLM{reply: goodReply(0.95)})
	issue := pendingIssue(t, f)
	if err := f.store.TransitionIssue(issue.ID, types.StatusDeferred, "", "reviewer"); err != nil {
		t.Fatalf("TransitionIssue: %v", err)
	}

	if _, err := f.orch.Run(context.Background(), issue.ID); !errors.Is(err, ErrNotFixable) {
		t.Errorf("Run on deferred issue = %v, want ErrNotFixable", err)
	}
}

// A low-severity singleton on a healthy file lands in the drop class and the
// pipeline ends at prioritize without calling the model.
func TestLowSeveritySingletonDropsAtPrioritize(t *testing.T) {
	f := setup(t, &fakeLLM{reply: goodReply(0.95)})
	if err := os.WriteFile(filepath.Join(f.root, "main.go"), []byte(brokenFile), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	id, err := f.store.UpsertIssue(types.Issue{
		ProjectID: f.project.ID, Path: "main.go", Line: 1,
		Kind: types.KindStyle, Severity: types.SeverityLow,
		Message: "line exceeds 120 characters", DetectorID: "long-line", Fingerprint: "fp-style",
	})
	if err != nil {
		t.Fatalf("UpsertIssue: %v", err)
	}
	if err := f.store.TransitionIssue(id, types.StatusApproved, "", "reviewer"); err != nil {
		t.Fatalf("TransitionIssue: %v", err)
	}

	record, err := f.orch.Run(context.Background(), id)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if record.Decision != types.DecisionSkip || !strings.Contains(record.Reason, "priority class drop") {
		t.Fatalf("record = %+v", record)
	}
}

// A medium defect whose kind carries enough review risk prices out below
// break-even and waits for a human instead of burning a generation.
func TestBelowBreakEvenDefers(t *testing.T) {
	f := setup(t, &fakeLLM{reply: goodReply(0.95)})
	if err := os.WriteFile(filepath.Join(f.root, "main.go"), []byte(brokenFile), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	id, err := f.store.UpsertIssue(types.Issue{
		ProjectID: f.project.ID, Path: "main.go", Line: 5,
		Kind: types.KindPerformance, Severity: types.SeverityMedium,
		Message: "string concatenation in loop", DetectorID: "concat-loop", Fingerprint: "fp-perf",
	})
	if err != nil {
		t.Fatalf("UpsertIssue: %v", err)
	}
	if err := f.store.TransitionIssue(id, types.StatusApproved, "", "reviewer"); err != nil {
		t.Fatalf("TransitionIssue: %v", err)
	}

	record, err := f.orch.Run(context.Background(), id)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if record.Decision != types.DecisionDefer || !strings.Contains(record.Reason, "break-even") {
		t.Fatalf("record = %+v", record)
	}
	if record.CostBenefit >= 1 {
		t.Errorf("cost/benefit = %.2f, want < 1", record.CostBenefit)
	}
}

func TestRecheckNowReportsRegression(t *testing.T) {
	f := setup(t, &fakeLLM{reply: goodReply(0.95)})
	issue := approvedIssue(t, f)

	record, err := f.orch.Run(context.Background(), issue.ID)
	if err != nil || !record.Applied {
		t.Fatalf("Run: %+v, %v", record, err)
	}

	regressed, err := f.orch.RecheckNow(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("RecheckNow: %v", err)
	}
	if regressed {
		t.Error("clean fix reported as regressed")
	}

	// The defect sneaks back in.
	if err := os.WriteFile(filepath.Join(f.root, "main.go"), []byte(brokenFile), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	regressed, err = f.orch.RecheckNow(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("RecheckNow: %v", err)
	}
	if !regressed {
		t.Error("reintroduced defect not reported")
	}
}

func TestFixJobHandler(t *testing.T) {
	f := setup(t, &fakeLLM{reply: goodReply(0.95)})
	issue := approvedIssue(t, f)

	payload, err := json.Marshal(FixTask{IssueID: issue.ID})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := f.orch.HandleFixJob(context.Background(), payload); err != nil {
		t.Fatalf("HandleFixJob: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(f.root, "main.go"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != cleanFile {
		t.Errorf("file after fix job = %q", got)
	}

	// A replay of the same job finds the issue resolved and drops it instead
	// of surfacing an error back to the queue.
	if err := f.orch.HandleFixJob(context.Background(), payload); err != nil {
		t.Errorf("replayed fix job = %v, want nil", err)
	}

	if err := f.orch.HandleFixJob(context.Background(), []byte("{not json")); err == nil {
		t.Error("malformed payload should error")
	}
}

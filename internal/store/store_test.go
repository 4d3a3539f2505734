package store

import (
	"errors"
	"testing"
	"time"

	"codewarden/internal/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedProject(t *testing.T, s *Store) types.Project {
	t.Helper()
	tenantID, err := s.CreateTenant(types.Tenant{Name: "acme", WebhookSecret: "s3cret"})
	if err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}
	projectID, err := s.CreateProject(types.Project{TenantID: tenantID, Name: "widget", RepoURL: "https://example.com/widget.git"})
	if err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	p, err := s.GetProject(projectID)
	if err != nil {
		t.Fatalf("failed to load project: %v", err)
	}
	return p
}

func sampleIssue(projectID, fingerprint string) types.Issue {
	return types.Issue{
		ProjectID:   projectID,
		Path:        "pkg/a.go",
		Line:        10,
		Kind:        types.KindStyle,
		Severity:    types.SeverityMedium,
		Message:     "something is off",
		DetectorID:  "det-style",
		Fingerprint: fingerprint,
	}
}

func TestUpsertIssueDeduplicates(t *testing.T) {
	s := testStore(t)
	p := seedProject(t, s)

	var firstID string
	for i := 0; i < 5; i++ {
		id, err := s.UpsertIssue(sampleIssue(p.ID, "F1"))
		if err != nil {
			t.Fatalf("upsert %d failed: %v", i, err)
		}
		if firstID == "" {
			firstID = id
		} else if id != firstID {
			t.Fatalf("upsert %d returned new id %s, want %s", i, id, firstID)
		}
	}

	issues, err := s.ListIssues(IssueFilter{ProjectID: p.ID})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("expected exactly one issue row, got %d", len(issues))
	}
	if issues[0].Occurrences != 5 {
		t.Errorf("occurrences = %d, want 5", issues[0].Occurrences)
	}
}

func TestUpsertIssueNewRowAfterTerminal(t *testing.T) {
	s := testStore(t)
	p := seedProject(t, s)

	id1, _ := s.UpsertIssue(sampleIssue(p.ID, "F1"))
	if err := s.TransitionIssue(id1, types.StatusApproved, "", "human"); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if err := s.TransitionIssue(id1, types.StatusResolved, "fix-1", ""); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	id2, err := s.UpsertIssue(sampleIssue(p.ID, "F1"))
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if id2 == id1 {
		t.Error("terminal issue should not absorb a new detection")
	}
}

func TestTransitionLegality(t *testing.T) {
	legal := map[types.IssueStatus][]types.IssueStatus{
		types.StatusPending:  {types.StatusApproved, types.StatusRejected, types.StatusDeferred, types.StatusSuperseded},
		types.StatusApproved: {types.StatusResolved, types.StatusSuperseded},
		types.StatusDeferred: {types.StatusApproved, types.StatusRejected, types.StatusSuperseded},
	}
	all := []types.IssueStatus{
		types.StatusPending, types.StatusApproved, types.StatusRejected,
		types.StatusDeferred, types.StatusResolved, types.StatusSuperseded,
	}
	isLegal := func(from, to types.IssueStatus) bool {
		for _, s := range legal[from] {
			if s == to {
				return true
			}
		}
		return false
	}

	// Walk every (from, to) pair against a fresh issue driven into `from`.
	for _, from := range all {
		for _, to := range all {
			if from == to && !from.Terminal() {
				// Self-transitions are illegal but uninteresting to drive.
				continue
			}
			s := testStore(t)
			p := seedProject(t, s)
			id, err := s.UpsertIssue(sampleIssue(p.ID, "F1"))
			if err != nil {
				t.Fatalf("upsert failed: %v", err)
			}
			driveTo(t, s, id, from)

			err = s.TransitionIssue(id, to, "", "test")
			if isLegal(from, to) {
				if err != nil {
					t.Errorf("%s -> %s should be legal, got %v", from, to, err)
				}
			} else {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("%s -> %s should return ErrInvalidTransition, got %v", from, to, err)
				}
				// Row must be unchanged.
				issue, _ := s.GetIssue(id)
				if issue.Status != from {
					t.Errorf("%s -> %s: status mutated to %s on failed transition", from, to, issue.Status)
				}
			}
		}
	}
}

// driveTo walks an issue from pending into the requested state via legal
// transitions only.
func driveTo(t *testing.T, s *Store, id string, target types.IssueStatus) {
	t.Helper()
	steps := map[types.IssueStatus][]types.IssueStatus{
		types.StatusPending:    nil,
		types.StatusApproved:   {types.StatusApproved},
		types.StatusRejected:   {types.StatusRejected},
		types.StatusDeferred:   {types.StatusDeferred},
		types.StatusResolved:   {types.StatusApproved, types.StatusResolved},
		types.StatusSuperseded: {types.StatusSuperseded},
	}
	for _, step := range steps[target] {
		if err := s.TransitionIssue(id, step, "", "test"); err != nil {
			t.Fatalf("drive to %s via %s failed: %v", target, step, err)
		}
	}
}

func TestTransitionWritesAudit(t *testing.T) {
	s := testStore(t)
	p := seedProject(t, s)
	id, _ := s.UpsertIssue(sampleIssue(p.ID, "F1"))

	s.TransitionIssue(id, types.StatusApproved, "", "reviewer")
	s.TransitionIssue(id, types.StatusResolved, "fix-9", "")

	trail, err := s.AuditTrail(id)
	if err != nil {
		t.Fatalf("audit trail failed: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(trail))
	}
	if trail[0].ToStatus != types.StatusApproved || trail[1].ToStatus != types.StatusResolved {
		t.Errorf("audit rows out of order: %+v", trail)
	}
	if trail[1].FixID != "fix-9" {
		t.Errorf("resolve audit row missing fix id")
	}
}

func TestPatternConfidenceBoundsAndDeprecation(t *testing.T) {
	s := testStore(t)
	p := seedProject(t, s)

	// Ten failures: confidence = 1/12, deprecated.
	var pat types.Pattern
	var err error
	for i := 0; i < 10; i++ {
		pat, err = s.UpsertPattern(p.ID, "F2", 0, 1, "")
		if err != nil {
			t.Fatalf("upsert pattern failed: %v", err)
		}
		if pat.Confidence < 0 || pat.Confidence > 1 {
			t.Fatalf("confidence %v out of [0,1]", pat.Confidence)
		}
		want := laplaceConfidence(pat.Success, pat.Failure)
		if pat.Confidence != want {
			t.Fatalf("confidence %v != laplace %v", pat.Confidence, want)
		}
	}
	if pat.Failure != 10 || pat.Success != 0 {
		t.Fatalf("counters wrong: %+v", pat)
	}
	if !pat.Deprecated {
		t.Error("pattern should be deprecated after 10 failures")
	}
	if got, want := pat.Confidence, 1.0/12.0; got != want {
		t.Errorf("confidence = %v, want %v", got, want)
	}

	// Deprecated patterns are never offered.
	if _, err := s.LookupUsablePattern(p.ID, "F2", 0.0); !errors.Is(err, ErrNotFound) {
		t.Errorf("deprecated pattern should not be offered, got %v", err)
	}
}

func TestLookupUsablePattern(t *testing.T) {
	s := testStore(t)
	p := seedProject(t, s)

	// Seed enough successes to clear the 0.75 floor: confidence = (s+1)/(s+2).
	for i := 0; i < 5; i++ {
		if _, err := s.UpsertPattern(p.ID, "F3", 1, 0, "patched content"); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}
	pat, err := s.LookupUsablePattern(p.ID, "F3", 0.75)
	if err != nil {
		t.Fatalf("expected usable pattern: %v", err)
	}
	if pat.BestFix != "patched content" {
		t.Errorf("best fix not retained: %q", pat.BestFix)
	}
}

func TestSnapshotFile(t *testing.T) {
	s := testStore(t)
	p := seedProject(t, s)

	present, err := s.SnapshotFile(p.ID, "pkg/a.go", "h1")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if present {
		t.Error("first snapshot should not be present")
	}
	present, _ = s.SnapshotFile(p.ID, "pkg/a.go", "h1")
	if !present {
		t.Error("second snapshot of the same hash should report present")
	}
	present, _ = s.SnapshotFile(p.ID, "pkg/a.go", "h2")
	if present {
		t.Error("new hash should not be present")
	}
	if got := s.LastHash(p.ID, "pkg/a.go"); got == "" {
		t.Error("LastHash should return a hash")
	}
}

func TestFixOutcomeSetOnce(t *testing.T) {
	s := testStore(t)
	p := seedProject(t, s)
	issueID, _ := s.UpsertIssue(sampleIssue(p.ID, "F1"))

	fixID, err := s.AppendFixRecord(types.FixRecord{
		IssueID:   issueID,
		ProjectID: p.ID,
		Generator: types.GeneratorModel,
		Decision:  types.DecisionApply,
		Applied:   true,
	})
	if err != nil {
		t.Fatalf("append fix failed: %v", err)
	}

	if err := s.SetFixOutcome(fixID, types.OutcomeSuccess); err != nil {
		t.Fatalf("set outcome failed: %v", err)
	}
	if err := s.SetFixOutcome(fixID, types.OutcomeRegression); !errors.Is(err, ErrOutcomeAlreadySet) {
		t.Errorf("second outcome write should fail, got %v", err)
	}
	fix, _ := s.GetFixRecord(fixID)
	if fix.Outcome != types.OutcomeSuccess {
		t.Errorf("outcome = %s, want success", fix.Outcome)
	}
}

func TestRecordOutcomeAndRollback(t *testing.T) {
	s := testStore(t)
	p := seedProject(t, s)
	issueID, _ := s.UpsertIssue(sampleIssue(p.ID, "F1"))
	s.TransitionIssue(issueID, types.StatusApproved, "", "orchestrator")

	guideID, err := s.CreateGuide(types.ExpertGuide{ProjectID: p.ID, Kind: "language-go", Body: "guide body"})
	if err != nil {
		t.Fatalf("create guide failed: %v", err)
	}

	fixID, _ := s.AppendFixRecord(types.FixRecord{
		IssueID: issueID, ProjectID: p.ID,
		Generator: types.GeneratorExpert, Decision: types.DecisionApply, Applied: true,
	})

	err = s.RecordOutcome(OutcomeUpdate{
		FixID: fixID, IssueID: issueID, ProjectID: p.ID,
		Fingerprint: "F1", Generator: types.GeneratorExpert, Kind: types.KindStyle,
		RawConfidence: 0.9, Success: true, Patch: "fixed",
		GuideIDs: []string{guideID}, TransitionTo: types.StatusResolved,
	})
	if err != nil {
		t.Fatalf("record outcome failed: %v", err)
	}

	issue, _ := s.GetIssue(issueID)
	if issue.Status != types.StatusResolved {
		t.Errorf("issue status = %s, want resolved", issue.Status)
	}
	pat, _ := s.GetPattern(p.ID, "F1")
	if pat.Success != 1 || pat.Failure != 0 {
		t.Errorf("pattern counters = %d/%d, want 1/0", pat.Success, pat.Failure)
	}
	if got, want := pat.Confidence, 2.0/3.0; got != want {
		t.Errorf("confidence = %v, want %v", got, want)
	}
	guide, _ := s.GetGuide(guideID)
	if guide.Successes != 1 || guide.Consultations != 1 {
		t.Errorf("guide counters = %d/%d, want 1/1", guide.Successes, guide.Consultations)
	}

	// Regression rollback reverses the success credit.
	err = s.RecordRollback(RollbackUpdate{
		FixID: fixID, IssueID: issueID, ProjectID: p.ID,
		Fingerprint: "F1", Generator: types.GeneratorExpert, Kind: types.KindStyle,
		GuideIDs: []string{guideID},
	})
	if err != nil {
		t.Fatalf("record rollback failed: %v", err)
	}
	fix, _ := s.GetFixRecord(fixID)
	if fix.Outcome != types.OutcomeRegression || !fix.RolledBack {
		t.Errorf("fix after rollback: outcome=%s rolled_back=%v", fix.Outcome, fix.RolledBack)
	}
	pat, _ = s.GetPattern(p.ID, "F1")
	if pat.Success != 0 || pat.Failure != 1 {
		t.Errorf("pattern after rollback = %d/%d, want 0/1", pat.Success, pat.Failure)
	}
	guide, _ = s.GetGuide(guideID)
	if guide.Successes != 0 {
		t.Errorf("guide successes after rollback = %d, want 0", guide.Successes)
	}

	// Rollback is idempotent-hostile: a second rollback must fail loudly.
	if err := s.RecordRollback(RollbackUpdate{FixID: fixID, IssueID: issueID, ProjectID: p.ID, Fingerprint: "F1"}); err == nil {
		t.Error("second rollback should fail")
	}
}

func TestGuideRevisions(t *testing.T) {
	s := testStore(t)
	p := seedProject(t, s)

	id1, _ := s.CreateGuide(types.ExpertGuide{ProjectID: p.ID, Kind: "testing", Body: "v1"})
	id2, err := s.CreateGuide(types.ExpertGuide{ProjectID: p.ID, Kind: "testing", Body: "v2"})
	if err != nil {
		t.Fatalf("second revision failed: %v", err)
	}

	live, err := s.LiveGuide(p.ID, "testing")
	if err != nil {
		t.Fatalf("live guide failed: %v", err)
	}
	if live.ID != id2 || live.Revision != 2 || live.Body != "v2" {
		t.Errorf("live guide = %+v, want revision 2", live)
	}
	old, _ := s.GetGuide(id1)
	if !old.Superseded {
		t.Error("first revision should be superseded")
	}
}

func TestCalibrationBucket(t *testing.T) {
	s := testStore(t)
	p := seedProject(t, s)
	issueID, _ := s.UpsertIssue(sampleIssue(p.ID, "F1"))

	// Overconfident generator: claims 0.9, succeeds half the time.
	for i := 0; i < 10; i++ {
		fixID, _ := s.AppendFixRecord(types.FixRecord{
			IssueID: issueID, ProjectID: p.ID,
			Generator: types.GeneratorModel, Decision: types.DecisionApply,
		})
		err := s.RecordOutcome(OutcomeUpdate{
			FixID: fixID, IssueID: issueID, ProjectID: p.ID, Fingerprint: "F1",
			Generator: types.GeneratorModel, Kind: types.KindStyle,
			RawConfidence: 0.9, Success: i%2 == 0,
		})
		if err != nil {
			t.Fatalf("record outcome %d failed: %v", i, err)
		}
	}

	b, err := s.CalibrationFor(types.GeneratorModel, types.KindStyle)
	if err != nil {
		t.Fatalf("calibration lookup failed: %v", err)
	}
	if b.Samples != 10 {
		t.Fatalf("samples = %d, want 10", b.Samples)
	}
	corr := b.Correction()
	if corr > -0.3 || corr < -0.5 {
		t.Errorf("correction = %v, want around -0.4", corr)
	}
}

func TestProjectCascadeDelete(t *testing.T) {
	s := testStore(t)
	p := seedProject(t, s)
	s.UpsertIssue(sampleIssue(p.ID, "F1"))
	s.UpsertPattern(p.ID, "F1", 1, 0, "fix")
	s.SnapshotFile(p.ID, "pkg/a.go", "h1")
	s.RecordHealth(types.HealthSnapshot{ProjectID: p.ID, Path: "pkg/a.go", Score: 50})

	if err := s.DeleteProject(p.ID); err != nil {
		t.Fatalf("delete project failed: %v", err)
	}
	issues, _ := s.ListIssues(IssueFilter{ProjectID: p.ID})
	if len(issues) != 0 {
		t.Errorf("issues survived cascade: %d", len(issues))
	}
	if _, err := s.GetPattern(p.ID, "F1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("pattern survived cascade: %v", err)
	}
}

func TestHealthQueries(t *testing.T) {
	s := testStore(t)
	p := seedProject(t, s)

	base := time.Now().Add(-time.Hour)
	for i, score := range []float64{90, 40} {
		err := s.RecordHealth(types.HealthSnapshot{
			ProjectID: p.ID, Path: "pkg/a.go", Score: score,
			RecordedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("record health failed: %v", err)
		}
	}
	s.RecordHealth(types.HealthSnapshot{ProjectID: p.ID, Path: "pkg/b.go", Score: 95, RecordedAt: base})

	latest, err := s.LatestHealth(p.ID)
	if err != nil {
		t.Fatalf("latest health failed: %v", err)
	}
	if latest["pkg/a.go"] != 40 {
		t.Errorf("latest a.go = %v, want most recent 40", latest["pkg/a.go"])
	}

	unhealthy, _ := s.UnhealthyPaths(p.ID, 70)
	if len(unhealthy) != 1 || unhealthy[0] != "pkg/a.go" {
		t.Errorf("unhealthy = %v, want [pkg/a.go]", unhealthy)
	}

	trend, _ := s.HealthTrend(p.ID, base.Add(-time.Minute))
	if len(trend) != 3 {
		t.Errorf("trend rows = %d, want 3", len(trend))
	}
}

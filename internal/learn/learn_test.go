package learn

import (
	"testing"

	"codewarden/internal/bus"
	"codewarden/internal/store"
	"codewarden/internal/types"
)

func testSetup(t *testing.T) (*store.Store, *bus.Bus, string) {
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
	projectID, err := st.CreateProject(types.Project{TenantID: tenantID, Name: "svc"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	b := bus.New()
	NewSubscriber(st, b).Register()
	return st, b, projectID
}

func TestOutcomeEventUpdatesPattern(t *testing.T) {
	st, b, projectID := testSetup(t)

	var notified []string
	b.Subscribe(bus.TopicPatternUpdated, func(p interface{}) {
		notified = append(notified, p.(string))
	})

	b.Publish(bus.TopicFixApplied, Outcome{
		ProjectID:   projectID,
		Fingerprint: "fp-1",
		Generator:   types.GeneratorModel,
		Kind:        types.KindSmell,
		RawConfidence: 0.8,
		Success:     true,
		Patch:       "the patch",
	})

	p, err := st.GetPattern(projectID, "fp-1")
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if p.Success != 1 || p.Failure != 0 || p.BestFix != "the patch" {
		t.Errorf("pattern = %+v", p)
	}
	if len(notified) != 1 || notified[0] != "fp-1" {
		t.Errorf("pattern_updated notifications = %v", notified)
	}

	bucket, err := st.CalibrationFor(types.GeneratorModel, types.KindSmell)
	if err != nil {
		t.Fatalf("CalibrationFor: %v", err)
	}
	if bucket.Samples != 1 {
		t.Errorf("calibration samples = %d, want 1", bucket.Samples)
	}
}

func TestRejectedEventRecordsFailure(t *testing.T) {
	st, b, projectID := testSetup(t)

	b.Publish(bus.TopicFixRejected, Outcome{
		ProjectID:     projectID,
		Fingerprint:   "fp-r",
		Generator:     types.GeneratorModel,
		Kind:          types.KindSmell,
		RawConfidence: 0.9,
		Success:       false,
	})

	p, err := st.GetPattern(projectID, "fp-r")
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if p.Success != 0 || p.Failure != 1 {
		t.Errorf("pattern after rejection = %+v", p)
	}
	bucket, err := st.CalibrationFor(types.GeneratorModel, types.KindSmell)
	if err != nil {
		t.Fatalf("CalibrationFor: %v", err)
	}
	if bucket.Samples != 1 {
		t.Errorf("calibration samples = %d, want 1", bucket.Samples)
	}
}

func TestResolvedIssueIsAnnounced(t *testing.T) {
	st, b, projectID := testSetup(t)

	issueID, err := st.UpsertIssue(types.Issue{
		ProjectID: projectID, Path: "a.go", Line: 1,
		Kind: types.KindSmell, Severity: types.SeverityLow,
		Message: "m", DetectorID: "d", Fingerprint: "fp-3",
	})
	if err != nil {
		t.Fatalf("UpsertIssue: %v", err)
	}
	if err := st.TransitionIssue(issueID, types.StatusApproved, "", "reviewer"); err != nil {
		t.Fatalf("TransitionIssue: %v", err)
	}
	fixID, err := st.AppendFixRecord(types.FixRecord{
		IssueID: issueID, ProjectID: projectID,
		Generator: types.GeneratorModel, Decision: types.DecisionApply, Applied: true,
	})
	if err != nil {
		t.Fatalf("AppendFixRecord: %v", err)
	}

	var resolved []string
	b.Subscribe(bus.TopicIssueResolved, func(p interface{}) {
		resolved = append(resolved, p.(string))
	})

	b.Publish(bus.TopicFixApplied, Outcome{
		FixID: fixID, IssueID: issueID, ProjectID: projectID,
		Fingerprint: "fp-3", Generator: types.GeneratorModel,
		Kind: types.KindSmell, RawConfidence: 0.9, Success: true, Patch: "p",
		TransitionTo: types.StatusResolved,
	})

	if len(resolved) != 1 || resolved[0] != issueID {
		t.Errorf("issue_resolved notifications = %v", resolved)
	}
	issue, err := st.GetIssue(issueID)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if issue.Status != types.StatusResolved {
		t.Errorf("issue status = %s, want resolved", issue.Status)
	}
}

func TestRollbackEventReversesCredit(t *testing.T) {
	st, b, projectID := testSetup(t)

	issueID, err := st.UpsertIssue(types.Issue{
		ProjectID: projectID, Path: "a.go", Line: 1,
		Kind: types.KindSmell, Severity: types.SeverityLow,
		Message: "m", DetectorID: "d", Fingerprint: "fp-2",
	})
	if err != nil {
		t.Fatalf("UpsertIssue: %v", err)
	}
	fixID, err := st.AppendFixRecord(types.FixRecord{
		IssueID: issueID, ProjectID: projectID,
		Generator: types.GeneratorModel, Decision: types.DecisionApply, Applied: true,
	})
	if err != nil {
		t.Fatalf("AppendFixRecord: %v", err)
	}
	b.Publish(bus.TopicFixApplied, Outcome{
		FixID: fixID, IssueID: issueID, ProjectID: projectID,
		Fingerprint: "fp-2", Generator: types.GeneratorModel,
		Kind: types.KindSmell, RawConfidence: 0.9, Success: true, Patch: "p",
	})

	b.Publish(bus.TopicFixRolledBack, Rollback{
		FixID: fixID, IssueID: issueID, ProjectID: projectID,
		Fingerprint: "fp-2", Generator: types.GeneratorModel, Kind: types.KindSmell,
	})

	p, err := st.GetPattern(projectID, "fp-2")
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if p.Success != 0 || p.Failure != 1 {
		t.Errorf("pattern after rollback = %+v", p)
	}
	fr, err := st.GetFixRecord(fixID)
	if err != nil {
		t.Fatalf("GetFixRecord: %v", err)
	}
	if fr.Outcome != types.OutcomeRegression || !fr.RolledBack {
		t.Errorf("fix record after rollback = %+v", fr)
	}
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	_, b, _ := testSetup(t)
	b.Publish(bus.TopicFixApplied, "not an outcome") // must not panic
}

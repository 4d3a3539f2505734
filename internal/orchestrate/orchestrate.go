// Package orchestrate runs the fix pipeline: ten stages from prioritization
// through monitoring. Every run produces exactly one fix record whatever the
// outcome; skip and defer are decisions, not errors.
package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"codewarden/internal/bus"
	"codewarden/internal/config"
	"codewarden/internal/detect"
	"codewarden/internal/generate"
	"codewarden/internal/locks"
	"codewarden/internal/logging"
	"codewarden/internal/queue"
	"codewarden/internal/store"
	"codewarden/internal/types"
	"codewarden/internal/verify"
	"codewarden/internal/watcher"
)

// Priority classes assigned at stage 1. Drop ends the run before anything
// expensive happens; the other three only order work, they never block it.
const (
	classNow   = "now"
	classSoon  = "soon"
	classLater = "later"
	classDrop  = "drop"
)

// Cost model constants: a flat generation cost plus review effort that
// scales with predicted risk, both in the same abstract minutes as benefit.
const (
	generationCost       = 0.5
	reviewMinutesPerRisk = 4.0
)

// ErrNotFixable means the issue's status does not admit an automated fix:
// it is terminal, or parked in deferred awaiting another human review.
var ErrNotFixable = errors.New("issue is not in a fixable status")

// Orchestrator drives one issue through the pipeline.
type Orchestrator struct {
	store    *store.Store
	gen      *generate.Generator
	verifier *verify.Verifier
	registry *detect.Registry
	bus      *bus.Bus
	queue    *queue.Queue
	locks    *locks.Registry
	cfg      *config.Config
	clock    types.Clock
}

// New wires an orchestrator.
func New(st *store.Store, gen *generate.Generator, vf *verify.Verifier, reg *detect.Registry,
	b *bus.Bus, q *queue.Queue, lr *locks.Registry, cfg *config.Config, clock types.Clock) *Orchestrator {
	if clock == nil {
		clock = types.SystemClock()
	}
	return &Orchestrator{
		store: st, gen: gen, verifier: vf, registry: reg,
		bus: b, queue: q, locks: lr, cfg: cfg, clock: clock,
	}
}

// Run executes the pipeline for one issue and returns the fix record it
// persisted. Pending issues are accepted alongside approved ones: the decide
// stage's gates are the safety net there, and an apply transitions the issue
// pending -> approved -> resolved in the audit trail. Deferred issues wait
// for a human and are refused.
func (o *Orchestrator) Run(ctx context.Context, issueID string) (types.FixRecord, error) {
	timer := logging.StartTimer(logging.CategoryOrchestrator, "Run")
	defer timer.Stop()

	issue, err := o.store.GetIssue(issueID)
	if err != nil {
		return types.FixRecord{}, err
	}
	if issue.Status != types.StatusApproved && issue.Status != types.StatusPending {
		return types.FixRecord{}, fmt.Errorf("%w: issue %s is %s", ErrNotFixable, issueID, issue.Status)
	}
	project, err := o.store.GetProject(issue.ProjectID)
	if err != nil {
		return types.FixRecord{}, err
	}

	record := types.FixRecord{
		IssueID:    issue.ID,
		ProjectID:  issue.ProjectID,
		StageTimes: make(map[types.Stage]int64),
	}
	stamp := func(s types.Stage) { record.StageTimes[s] = o.clock.Now().UnixMilli() }

	abs := filepath.Join(project.RootPath, issue.Path)
	content, err := os.ReadFile(abs)
	if err != nil {
		stamp(types.StagePrioritize)
		return o.conclude(record, types.DecisionSkip, fmt.Sprintf("file unreadable: %v", err))
	}
	oldContent := string(content)
	preHash := watcher.HashContent(content)

	// Stage 1: prioritize. Drop-class issues end here.
	stamp(types.StagePrioritize)
	prevalence := o.store.PatternPrevalence(issue.ProjectID, issue.Fingerprint)
	class, urgency := o.classify(issue, prevalence)
	logging.OrchestratorDebug("issue %s priority %s (urgency %.1f)", issue.ID, class, urgency)
	if class == classDrop {
		return o.conclude(record, types.DecisionSkip,
			fmt.Sprintf("priority class drop: urgency %.1f", urgency))
	}

	// Stage 2: predict impact.
	stamp(types.StagePredict)
	record.Impact = o.predictImpact(issue, oldContent)

	// Stage 3: cost/benefit. Below break-even the fix is not worth the
	// review it would cost; the issue waits for a human instead.
	stamp(types.StageCost)
	record.CostBenefit = costBenefit(issue, record.Impact, prevalence)
	if record.CostBenefit < 1 {
		return o.conclude(record, types.DecisionDefer,
			fmt.Sprintf("benefit/cost %.2f below break-even", record.CostBenefit))
	}

	// Stage 4: generate.
	stamp(types.StageGenerate)
	genCtx, cancel := context.WithTimeout(ctx, o.cfg.GenerateDeadline())
	cand, err := o.gen.Generate(genCtx, issue, oldContent)
	cancel()
	if err != nil {
		if errors.Is(err, generate.ErrNoCandidate) {
			return o.conclude(record, types.DecisionSkip, "no fix candidate produced")
		}
		return o.conclude(record, types.DecisionDefer, fmt.Sprintf("generation failed: %v", err))
	}
	record.Generator = cand.Generator
	record.Patch = cand.Diff
	record.ExpertsUsed = cand.GuideIDs

	// Stage 5: calibrate confidence.
	stamp(types.StageCalibrate)
	bucket, err := o.store.CalibrationFor(cand.Generator, issue.Kind)
	if err != nil {
		return record, err
	}
	record.Confidence = clamp01(cand.RawConfidence + bucket.Correction())

	// Stage 6: verify.
	stamp(types.StageVerify)
	verdict := o.verifier.Check(issue, oldContent, cand.NewContent)
	record.VerifierPass = verdict.OK
	record.VerifierReasons = verdict.Reasons

	// Stage 7: explain.
	stamp(types.StageExplain)
	record.Explanation = o.explain(issue, cand, record, verdict)

	// Stage 8: decide.
	stamp(types.StageDecide)
	threshold := o.applyThreshold(project.TenantID)
	switch {
	case !verdict.OK:
		rec, err := o.conclude(record, types.DecisionSkip,
			"verification failed: "+strings.Join(verdict.Reasons, "; "))
		if err != nil {
			return rec, err
		}
		// A rejected candidate is a failed attempt at this fingerprint;
		// the pattern and the calibration bucket both learn from it.
		o.bus.Publish(bus.TopicFixRejected, store.OutcomeUpdate{
			FixID:         rec.ID,
			IssueID:       issue.ID,
			ProjectID:     issue.ProjectID,
			Fingerprint:   issue.Fingerprint,
			Generator:     cand.Generator,
			Kind:          issue.Kind,
			RawConfidence: cand.RawConfidence,
			Success:       false,
			GuideIDs:      cand.GuideIDs,
		})
		return rec, nil
	case record.Impact.BreakingChange:
		return o.conclude(record, types.DecisionDefer, "predicted breaking change needs human review")
	case record.Impact.Risk > o.cfg.Fix.RiskCap:
		return o.conclude(record, types.DecisionDefer,
			fmt.Sprintf("risk %.2f above cap %.2f", record.Impact.Risk, o.cfg.Fix.RiskCap))
	case record.Confidence < threshold:
		return o.conclude(record, types.DecisionDefer,
			fmt.Sprintf("calibrated confidence %.2f below threshold %.2f", record.Confidence, threshold))
	}
	record.Decision = types.DecisionApply

	// Stages 9-10 run under the file's advisory lock. Waiting longer than
	// the apply deadline means another fix is busy on this file; defer.
	lockCtx, lockCancel := context.WithTimeout(ctx, o.cfg.ApplyDeadline())
	release, err := o.locks.Acquire(lockCtx, issue.ProjectID, issue.Path)
	lockCancel()
	if err != nil {
		return o.conclude(record, types.DecisionDefer, "file is locked by another fix")
	}
	defer release()

	// Stage 9: apply, with a stale-hash check inside the lock.
	stamp(types.StageApply)
	current, err := os.ReadFile(abs)
	if err != nil {
		return o.conclude(record, types.DecisionDefer, fmt.Sprintf("file unreadable at apply: %v", err))
	}
	if watcher.HashContent(current) != preHash {
		return o.conclude(record, types.DecisionDefer, "stale: file changed since generation")
	}
	// A pending issue that survived every gate is approved by the pipeline
	// itself; if a reviewer moved the issue mid-run the transition fails and
	// nothing touches disk.
	if issue.Status == types.StatusPending {
		if err := o.store.TransitionIssue(issue.ID, types.StatusApproved, "", "orchestrator"); err != nil {
			return o.conclude(record, types.DecisionDefer,
				fmt.Sprintf("issue reviewed during the run: %v", err))
		}
	}
	if err := writeAtomically(abs, []byte(cand.NewContent)); err != nil {
		return o.conclude(record, types.DecisionDefer, fmt.Sprintf("apply failed: %v", err))
	}
	record.Applied = true
	record.Outcome = types.OutcomeUnknown

	fixID, err := o.store.AppendFixRecord(record)
	if err != nil {
		return record, err
	}
	record.ID = fixID

	// Success is credited at apply; the monitor's rollback is the one write
	// allowed to override it.
	o.bus.Publish(bus.TopicFixApplied, store.OutcomeUpdate{
		FixID:         fixID,
		IssueID:       issue.ID,
		ProjectID:     issue.ProjectID,
		Fingerprint:   issue.Fingerprint,
		Generator:     cand.Generator,
		Kind:          issue.Kind,
		RawConfidence: cand.RawConfidence,
		Success:       true,
		Patch:         cand.PatchText,
		GuideIDs:      cand.GuideIDs,
		TransitionTo:  types.StatusResolved,
	})

	// Stage 10: schedule the monitor at the end of the window.
	stamp(types.StageMonitor)
	handle, err := o.scheduleMonitor(issue, cand, fixID, oldContent)
	if err != nil {
		return record, err
	}
	record.MonitorHandle = handle
	logging.Orchestrator("applied fix %s for issue %s (%s, confidence %.2f)",
		fixID, issue.ID, cand.Generator, record.Confidence)
	return record, nil
}

// conclude persists a non-applied fix record with its decision and reason.
func (o *Orchestrator) conclude(record types.FixRecord, decision types.Decision, reason string) (types.FixRecord, error) {
	record.Decision = decision
	record.Reason = reason
	id, err := o.store.AppendFixRecord(record)
	if err != nil {
		return record, err
	}
	record.ID = id
	logging.Orchestrator("issue %s: %s (%s)", record.IssueID, decision, reason)
	return record, nil
}

// classify buckets an issue into a priority class from its severity, how
// prevalent the fingerprint already is in the project's pattern memory, and
// the last recorded health of the file. A sick file raises urgency; a
// low-severity singleton on a healthy file is not worth a pipeline run.
func (o *Orchestrator) classify(issue types.Issue, prevalence int) (string, float64) {
	health := 100.0
	if scores, err := o.store.LatestHealth(issue.ProjectID); err == nil {
		if score, ok := scores[issue.Path]; ok {
			health = score
		}
	}
	urgency := issue.Severity.Weight() *
		(1 + math.Log1p(float64(issue.Occurrences+prevalence))) *
		(1 + (100-health)/100)
	switch {
	case urgency >= 10:
		return classNow, urgency
	case urgency >= 5:
		return classSoon, urgency
	case urgency >= 2:
		return classLater, urgency
	default:
		return classDrop, urgency
	}
}

// predictImpact estimates blast radius from the issue and file shape alone;
// it runs before generation so its deadline stays trivially cheap.
func (o *Orchestrator) predictImpact(issue types.Issue, content string) types.ImpactPrediction {
	risk := map[types.IssueKind]float64{
		types.KindStyle:         0.05,
		types.KindSmell:         0.15,
		types.KindErrorHandling: 0.35,
		types.KindPerformance:   0.40,
		types.KindSecurity:      0.50,
		types.KindArchitecture:  0.75,
		types.KindOther:         0.30,
	}[issue.Kind]

	lines := strings.Count(content, "\n") + 1
	if lines > 400 {
		risk += 0.10
	}
	return types.ImpactPrediction{
		AffectedFiles:  []string{issue.Path},
		BreakingChange: issue.Kind == types.KindArchitecture,
		Risk:           clamp01(risk),
	}
}

// costBenefit is expected benefit over expected cost. Benefit scales with
// severity, occurrence count, and the fingerprint's prevalence (fixing a
// recurring defect teaches a reusable pattern); cost is the review minutes
// the predicted risk implies plus the flat generation cost.
func costBenefit(issue types.Issue, impact types.ImpactPrediction, prevalence int) float64 {
	benefit := issue.Severity.Weight() * float64(issue.Occurrences) * (1 + math.Log1p(float64(prevalence)))
	cost := generationCost + reviewMinutesPerRisk*impact.Risk
	return benefit / cost
}

func (o *Orchestrator) applyThreshold(tenantID string) float64 {
	if tenant, err := o.store.GetTenant(tenantID); err == nil && tenant.ApplyThreshold > 0 {
		return tenant.ApplyThreshold
	}
	return o.cfg.Fix.ApplyThreshold
}

func (o *Orchestrator) explain(issue types.Issue, cand generate.Candidate, record types.FixRecord, verdict verify.Verdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s issue on %s:%d (%s). ", issue.Severity, issue.Path, issue.Line, issue.Message)
	fmt.Fprintf(&b, "Strategy %s, raw confidence %.2f, calibrated %.2f. ",
		cand.Generator, cand.RawConfidence, record.Confidence)
	if cand.Reasoning != "" {
		b.WriteString(cand.Reasoning + ". ")
	}
	if verdict.OK {
		b.WriteString("All verification gates passed.")
	} else {
		fmt.Fprintf(&b, "Verification failed: %s.", strings.Join(verdict.Reasons, "; "))
	}
	return b.String()
}

// monitorTask is the payload of a scheduled monitor job. PreContent carries
// the pre-fix bytes so a rollback needs nothing but the task.
type monitorTask struct {
	FixID       string              `json:"fix_id"`
	IssueID     string              `json:"issue_id"`
	ProjectID   string              `json:"project_id"`
	Path        string              `json:"path"`
	Fingerprint string              `json:"fingerprint"`
	Generator   types.GeneratorKind `json:"generator"`
	Kind        types.IssueKind     `json:"kind"`
	GuideIDs    []string            `json:"guide_ids,omitempty"`
	PreContent  string              `json:"pre_content"`
}

func (o *Orchestrator) scheduleMonitor(issue types.Issue, cand generate.Candidate, fixID, oldContent string) (string, error) {
	payload, err := json.Marshal(monitorTask{
		FixID:       fixID,
		IssueID:     issue.ID,
		ProjectID:   issue.ProjectID,
		Path:        issue.Path,
		Fingerprint: issue.Fingerprint,
		Generator:   cand.Generator,
		Kind:        issue.Kind,
		GuideIDs:    cand.GuideIDs,
		PreContent:  oldContent,
	})
	if err != nil {
		return "", err
	}
	return o.queue.EnqueueDelayed(queue.QueueAnalysis, payload, 0, o.cfg.MonitorWindow())
}

// writeAtomically writes via a temp file in the same directory and renames
// it over the target, so readers never observe a torn file.
func writeAtomically(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".warden-fix-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

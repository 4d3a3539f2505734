// Package types defines the core domain model shared across codewarden.
// It has no dependencies on other internal packages so that every component
// can import it without cycles.
package types

import (
	"time"
)

// IssueKind is the closed set of defect categories a detector may emit.
type IssueKind string

const (
	KindStyle         IssueKind = "style"
	KindErrorHandling IssueKind = "error-handling"
	KindSecurity      IssueKind = "security"
	KindPerformance   IssueKind = "performance"
	KindSmell         IssueKind = "smell"
	KindArchitecture  IssueKind = "architecture"
	KindOther         IssueKind = "other"
)

// ValidKind reports whether k is a member of the closed kind set.
func ValidKind(k IssueKind) bool {
	switch k {
	case KindStyle, KindErrorHandling, KindSecurity, KindPerformance, KindSmell, KindArchitecture, KindOther:
		return true
	}
	return false
}

// Severity ranks how urgent a defect is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Weight returns the numeric weight used by cost-benefit scoring.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 10
	case SeverityHigh:
		return 5
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 1
}

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// IssueStatus is the review state of an issue. Terminal states never
// transition further; the store enforces the transition table.
type IssueStatus string

const (
	StatusPending    IssueStatus = "pending"
	StatusApproved   IssueStatus = "approved"
	StatusRejected   IssueStatus = "rejected"
	StatusDeferred   IssueStatus = "deferred"
	StatusResolved   IssueStatus = "resolved"
	StatusSuperseded IssueStatus = "superseded"
)

// Terminal reports whether the status admits no further transitions.
func (s IssueStatus) Terminal() bool {
	switch s {
	case StatusResolved, StatusRejected, StatusSuperseded:
		return true
	}
	return false
}

// Tenant is the top-level isolation unit. Tenants own projects.
type Tenant struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Plan          string `json:"plan"`
	WebhookSecret string `json:"-"`
	// ApplyThreshold overrides the global auto-apply threshold when > 0.
	ApplyThreshold float64 `json:"apply_threshold,omitempty"`
}

// Project is one code repository under analysis. All downstream records are
// scoped by project id.
type Project struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Name          string    `json:"name"`
	RepoURL       string    `json:"repo_url"`
	DefaultBranch string    `json:"default_branch"`
	RootPath      string    `json:"root_path"` // local checkout the crawler scans
	CreatedAt     time.Time `json:"created_at"`
}

// FileSnapshot records that a (project, path, hash) triple has been scanned.
// Snapshot rows are append-only; the crawler must not re-run detectors for a
// triple that is already present.
type FileSnapshot struct {
	ProjectID string    `json:"project_id"`
	Path      string    `json:"path"`
	Hash      string    `json:"hash"`
	SeenAt    time.Time `json:"seen_at"`
}

// Issue is one detected defect. Fingerprint identifies "the same defect"
// across runs; at most one issue per (project, fingerprint) may be in a
// non-terminal status at any time.
type Issue struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	Path        string      `json:"path"`
	Line        int         `json:"line"`
	Kind        IssueKind   `json:"kind"`
	Severity    Severity    `json:"severity"`
	Message     string      `json:"message"`
	DetectorID  string      `json:"detector_id"`
	Fingerprint string      `json:"fingerprint"`
	Status      IssueStatus `json:"status"`
	Occurrences int         `json:"occurrences"`
	FixID       string      `json:"fix_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ResolvedAt  *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy  string      `json:"resolved_by,omitempty"`
}

// Pattern is a learned defect-to-fix mapping keyed by fingerprint.
// Confidence is Laplace-smoothed: (success+1)/(success+failure+2).
type Pattern struct {
	Fingerprint string    `json:"fingerprint"`
	ProjectID   string    `json:"project_id"`
	Occurrences int       `json:"occurrences"`
	Success     int       `json:"success"`
	Failure     int       `json:"failure"`
	Confidence  float64   `json:"confidence"`
	BestFix     string    `json:"best_fix,omitempty"`
	Deprecated  bool      `json:"deprecated"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Attempts returns the total number of recorded outcomes.
func (p Pattern) Attempts() int { return p.Success + p.Failure }

// SuccessRate returns success/(success+failure), or 0 with no attempts.
func (p Pattern) SuccessRate() float64 {
	if p.Attempts() == 0 {
		return 0
	}
	return float64(p.Success) / float64(p.Attempts())
}

// GeneratorKind names the strategy that produced a candidate patch.
type GeneratorKind string

const (
	GeneratorPattern GeneratorKind = "pattern"
	GeneratorExpert  GeneratorKind = "expert"
	GeneratorModel   GeneratorKind = "model"
	GeneratorHybrid  GeneratorKind = "hybrid"
)

// Decision is the terminal verdict of an orchestration run.
type Decision string

const (
	DecisionApply Decision = "apply"
	DecisionSkip  Decision = "skip"
	DecisionDefer Decision = "defer"
)

// Outcome is the eventual result of an applied fix.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeRegression Outcome = "regression"
	OutcomeUnknown    Outcome = "unknown"
)

// Stage identifies one of the ten orchestrator stages.
type Stage string

const (
	StagePrioritize Stage = "prioritize"
	StagePredict    Stage = "predict"
	StageCost       Stage = "cost_benefit"
	StageGenerate   Stage = "generate"
	StageCalibrate  Stage = "calibrate"
	StageVerify     Stage = "verify"
	StageExplain    Stage = "explain"
	StageDecide     Stage = "decide"
	StageApply      Stage = "apply"
	StageMonitor    Stage = "monitor"
)

// Stages lists the pipeline in execution order.
var Stages = []Stage{
	StagePrioritize, StagePredict, StageCost, StageGenerate, StageCalibrate,
	StageVerify, StageExplain, StageDecide, StageApply, StageMonitor,
}

// ImpactPrediction is the predicted blast radius of a candidate fix.
type ImpactPrediction struct {
	AffectedFiles  []string `json:"affected_files"`
	BreakingChange bool     `json:"breaking_change"`
	Risk           float64  `json:"risk"` // [0,1]
}

// FixRecord is one attempted fix. Rows are append-only except for the
// outcome and rollback fields, each set exactly once.
type FixRecord struct {
	ID              string           `json:"id"`
	IssueID         string           `json:"issue_id"`
	ProjectID       string           `json:"project_id"`
	Generator       GeneratorKind    `json:"generator"`
	Patch           string           `json:"patch"`
	Impact          ImpactPrediction `json:"impact"`
	CostBenefit     float64          `json:"cost_benefit"`
	Confidence      float64          `json:"confidence"` // calibrated, [0,1]
	VerifierPass    bool             `json:"verifier_pass"`
	VerifierReasons []string         `json:"verifier_reasons,omitempty"`
	Explanation     string           `json:"explanation,omitempty"`
	Decision        Decision         `json:"decision"`
	Reason          string           `json:"reason,omitempty"`
	Applied         bool             `json:"applied"`
	MonitorHandle   string           `json:"monitor_handle,omitempty"`
	RolledBack      bool             `json:"rolled_back"`
	Outcome         Outcome          `json:"outcome"`
	ExpertsUsed     []string         `json:"experts_used,omitempty"`
	StageTimes      map[Stage]int64  `json:"stage_times,omitempty"` // unix millis, monotonic in stage order
	CreatedAt       time.Time        `json:"created_at"`
}

// HealthSnapshot is an append-only per-file health record used for trend
// reporting and rescan selection. Score is 0-100.
type HealthSnapshot struct {
	ProjectID  string             `json:"project_id"`
	Path       string             `json:"path"`
	Score      float64            `json:"score"`
	Components map[string]float64 `json:"components,omitempty"`
	RecordedAt time.Time          `json:"recorded_at"`
}

// ExpertGuide is a per-project, per-stack document injected into model
// prompts. Bodies are immutable; improvements create a new revision and
// supersede the old one.
type ExpertGuide struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	Kind          string    `json:"kind"` // e.g. "language-go", "database-postgres", "testing"
	Body          string    `json:"body"`
	Revision      int       `json:"revision"`
	Quality       float64   `json:"quality"` // [0,1]
	Consultations int       `json:"consultations"`
	Successes     int       `json:"successes"`
	Superseded    bool      `json:"superseded"`
	CreatedAt     time.Time `json:"created_at"`
}

// CalibrationBucket tracks self-reported confidence against observed success
// per (generator, kind), used to correct raw generator confidence.
type CalibrationBucket struct {
	Generator     GeneratorKind `json:"generator"`
	Kind          IssueKind     `json:"kind"`
	Samples       int           `json:"samples"`
	SumConfidence float64       `json:"sum_confidence"`
	SumSuccess    float64       `json:"sum_success"`
	BrierSum      float64       `json:"brier_sum"`
}

// Correction returns the additive adjustment for a raw confidence: observed
// success rate minus mean self-reported confidence. Zero until the bucket
// has enough samples to be meaningful.
func (b CalibrationBucket) Correction() float64 {
	if b.Samples < 5 {
		return 0
	}
	n := float64(b.Samples)
	return b.SumSuccess/n - b.SumConfidence/n
}

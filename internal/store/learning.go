package store

import (
	"database/sql"
	"fmt"

	"codewarden/internal/logging"
	"codewarden/internal/types"
)

// OutcomeUpdate is everything the learning pass records for one terminal fix
// outcome. The whole update runs in a single transaction with the fix record
// write so a crash cannot leave statistics inconsistent with outcomes.
type OutcomeUpdate struct {
	FixID       string
	IssueID     string
	ProjectID   string
	Fingerprint string
	Generator   types.GeneratorKind
	Kind        types.IssueKind
	// RawConfidence is the generator's self-reported confidence before
	// calibration, fed into the calibration bucket.
	RawConfidence float64
	Success       bool
	// Patch is the representative fix recorded on the pattern when the
	// outcome is a success.
	Patch string
	// GuideIDs lists the expert guides consulted during generation.
	GuideIDs []string
	// TransitionTo optionally moves the issue (e.g. approved -> resolved)
	// in the same unit of work. Empty means no transition.
	TransitionTo types.IssueStatus
}

// RecordOutcome applies a terminal fix outcome atomically: fix record
// outcome, pattern counters, calibration bucket, consulted guides, and the
// optional issue transition.
func (s *Store) RecordOutcome(u OutcomeUpdate) error {
	timer := logging.StartTimer(logging.CategoryStore, "RecordOutcome")
	defer timer.Stop()

	unlock := s.lockIssue(u.IssueID)
	defer unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	outcome := types.OutcomeSuccess
	deltaSuccess, deltaFailure := 1, 0
	if !u.Success {
		outcome = types.OutcomeUnknown
		deltaSuccess, deltaFailure = 0, 1
	}
	if u.FixID != "" {
		if err := setFixOutcomeTx(tx, u.FixID, outcome); err != nil {
			return err
		}
	}
	if _, err := upsertPatternTx(tx, s.clock, u.ProjectID, u.Fingerprint, deltaSuccess, deltaFailure, u.Patch); err != nil {
		return err
	}
	if err := calibrationObserveTx(tx, u.Generator, u.Kind, u.RawConfidence, u.Success); err != nil {
		return err
	}
	for _, guideID := range u.GuideIDs {
		if err := guideOutcomeTx(tx, guideID, u.Success); err != nil {
			return err
		}
	}
	if u.TransitionTo != "" {
		if err := transitionIssueTx(tx, s.clock, u.IssueID, u.TransitionTo, u.FixID, "orchestrator"); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit outcome: %w", err)
	}
	logging.Get(logging.CategoryLearning).Debug("outcome recorded: fix=%s success=%v fingerprint=%s",
		u.FixID, u.Success, u.Fingerprint)
	return nil
}

// RollbackUpdate reverses a previously recorded success after a regression.
type RollbackUpdate struct {
	FixID       string
	IssueID     string
	ProjectID   string
	Fingerprint string
	Generator   types.GeneratorKind
	Kind        types.IssueKind
	GuideIDs    []string
}

// RecordRollback atomically marks a fix rolled back (outcome=regression),
// reverses the pattern success credited at apply time, charges a failure,
// and decrements every consulted guide's success count.
func (s *Store) RecordRollback(u RollbackUpdate) error {
	unlock := s.lockIssue(u.IssueID)
	defer unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := markRolledBackTx(tx, u.FixID); err != nil {
		return err
	}
	// Take back the success credit and charge a failure instead.
	if _, err := upsertPatternTx(tx, s.clock, u.ProjectID, u.Fingerprint, -1, 1, ""); err != nil {
		return err
	}
	for _, guideID := range u.GuideIDs {
		if err := decrementGuideSuccessTx(tx, guideID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}
	logging.Get(logging.CategoryLearning).Info("rollback recorded: fix=%s fingerprint=%s", u.FixID, u.Fingerprint)
	return nil
}

// calibrationObserveTx folds one (self-reported confidence, observed outcome)
// sample into the (generator, kind) bucket, tracking Brier-style error.
func calibrationObserveTx(tx *sql.Tx, gen types.GeneratorKind, kind types.IssueKind, confidence float64, success bool) error {
	observed := 0.0
	if success {
		observed = 1.0
	}
	brier := (confidence - observed) * (confidence - observed)
	_, err := tx.Exec(`
		INSERT INTO calibration (generator, kind, samples, sum_confidence, sum_success, brier_sum)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(generator, kind) DO UPDATE SET
			samples = samples + 1,
			sum_confidence = sum_confidence + excluded.sum_confidence,
			sum_success = sum_success + excluded.sum_success,
			brier_sum = brier_sum + excluded.brier_sum`,
		gen, kind, confidence, observed, brier)
	if err != nil {
		return fmt.Errorf("failed to update calibration bucket: %w", err)
	}
	return nil
}

// CalibrationFor returns the bucket for (generator, kind). A missing bucket
// is returned as the zero value, whose correction is zero.
func (s *Store) CalibrationFor(gen types.GeneratorKind, kind types.IssueKind) (types.CalibrationBucket, error) {
	b := types.CalibrationBucket{Generator: gen, Kind: kind}
	err := s.db.QueryRow(`
		SELECT samples, sum_confidence, sum_success, brier_sum
		FROM calibration WHERE generator = ? AND kind = ?`, gen, kind).
		Scan(&b.Samples, &b.SumConfidence, &b.SumSuccess, &b.BrierSum)
	if err == sql.ErrNoRows {
		return b, nil
	}
	if err != nil {
		return b, fmt.Errorf("failed to load calibration bucket: %w", err)
	}
	return b, nil
}

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"codewarden/internal/logging"
	"codewarden/internal/types"

	"github.com/google/uuid"
)

// AppendFixRecord persists a fix record. Rows are append-only; only the
// outcome and rollback fields may be written later, each exactly once.
func (s *Store) AppendFixRecord(fix types.FixRecord) (string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "AppendFixRecord")
	defer timer.Stop()

	id := fix.ID
	if id == "" {
		id = uuid.NewString()
	}
	impact, err := json.Marshal(fix.Impact)
	if err != nil {
		return "", fmt.Errorf("failed to marshal impact: %w", err)
	}
	reasons, err := json.Marshal(fix.VerifierReasons)
	if err != nil {
		return "", fmt.Errorf("failed to marshal verifier reasons: %w", err)
	}
	experts, err := json.Marshal(fix.ExpertsUsed)
	if err != nil {
		return "", fmt.Errorf("failed to marshal experts: %w", err)
	}
	stages, err := json.Marshal(fix.StageTimes)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stage times: %w", err)
	}

	outcome := fix.Outcome
	if outcome == "" {
		outcome = types.OutcomeUnknown
	}

	_, err = s.db.Exec(`
		INSERT INTO fix_records (id, issue_id, project_id, generator, patch, impact,
			cost_benefit, confidence, verifier_pass, verifier_reasons, explanation,
			decision, reason, applied, monitor_handle, rolled_back, outcome,
			experts_used, stage_times, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, fix.IssueID, fix.ProjectID, fix.Generator, fix.Patch, string(impact),
		fix.CostBenefit, fix.Confidence, boolInt(fix.VerifierPass), string(reasons),
		fix.Explanation, fix.Decision, fix.Reason, boolInt(fix.Applied),
		fix.MonitorHandle, outcome, string(experts), string(stages),
		s.clock.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to insert fix record: %w", err)
	}
	logging.StoreDebug("fix record %s appended (issue=%s decision=%s)", id, fix.IssueID, fix.Decision)
	return id, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SetFixOutcome writes a fix record's terminal outcome exactly once.
func (s *Store) SetFixOutcome(id string, outcome types.Outcome) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := setFixOutcomeTx(tx, id, outcome); err != nil {
		return err
	}
	return tx.Commit()
}

func setFixOutcomeTx(tx *sql.Tx, id string, outcome types.Outcome) error {
	res, err := tx.Exec(`
		UPDATE fix_records SET outcome = ?, outcome_set = 1
		WHERE id = ? AND outcome_set = 0`, outcome, id)
	if err != nil {
		return fmt.Errorf("failed to set fix outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM fix_records WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("fix %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("fix %s: %w", id, ErrOutcomeAlreadySet)
	}
	return nil
}

// markRolledBackTx flips the rollback flag exactly once and overrides the
// outcome to regression. The success->regression override at rollback is the
// single sanctioned second write of the outcome column.
func markRolledBackTx(tx *sql.Tx, id string) error {
	res, err := tx.Exec(`
		UPDATE fix_records SET rolled_back = 1, outcome = 'regression'
		WHERE id = ? AND rolled_back = 0`, id)
	if err != nil {
		return fmt.Errorf("failed to mark rollback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("fix %s rollback: %w", id, ErrOutcomeAlreadySet)
	}
	return nil
}

// GetFixRecord loads one fix record by id.
func (s *Store) GetFixRecord(id string) (types.FixRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, issue_id, project_id, generator, patch, impact, cost_benefit,
			confidence, verifier_pass, verifier_reasons, explanation, decision,
			reason, applied, monitor_handle, rolled_back, outcome, experts_used,
			stage_times, created_at
		FROM fix_records WHERE id = ?`, id)

	var fix types.FixRecord
	var impact, reasons, experts, stages string
	var verifierPass, applied, rolledBack int
	var created int64
	err := row.Scan(&fix.ID, &fix.IssueID, &fix.ProjectID, &fix.Generator, &fix.Patch,
		&impact, &fix.CostBenefit, &fix.Confidence, &verifierPass, &reasons,
		&fix.Explanation, &fix.Decision, &fix.Reason, &applied, &fix.MonitorHandle,
		&rolledBack, &fix.Outcome, &experts, &stages, &created)
	if err == sql.ErrNoRows {
		return fix, ErrNotFound
	}
	if err != nil {
		return fix, fmt.Errorf("failed to scan fix record: %w", err)
	}

	fix.VerifierPass = verifierPass != 0
	fix.Applied = applied != 0
	fix.RolledBack = rolledBack != 0
	fix.CreatedAt = time.UnixMilli(created)
	if err := json.Unmarshal([]byte(impact), &fix.Impact); err != nil {
		return fix, fmt.Errorf("failed to unmarshal impact: %w", err)
	}
	if err := json.Unmarshal([]byte(reasons), &fix.VerifierReasons); err != nil {
		return fix, fmt.Errorf("failed to unmarshal verifier reasons: %w", err)
	}
	if err := json.Unmarshal([]byte(experts), &fix.ExpertsUsed); err != nil {
		return fix, fmt.Errorf("failed to unmarshal experts: %w", err)
	}
	if err := json.Unmarshal([]byte(stages), &fix.StageTimes); err != nil {
		return fix, fmt.Errorf("failed to unmarshal stage times: %w", err)
	}
	return fix, nil
}

// FixRecordsForIssue returns all fix records for an issue, oldest first.
func (s *Store) FixRecordsForIssue(issueID string) ([]types.FixRecord, error) {
	rows, err := s.db.Query(`SELECT id FROM fix_records WHERE issue_id = ? ORDER BY created_at, id`, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fix records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fixes := make([]types.FixRecord, 0, len(ids))
	for _, id := range ids {
		fix, err := s.GetFixRecord(id)
		if err != nil {
			return nil, err
		}
		fixes = append(fixes, fix)
	}
	return fixes, nil
}

package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"codewarden/internal/logging"
	"codewarden/internal/types"

	"github.com/google/uuid"
)

// legalTransitions is the review state machine. Terminal states have no
// entry. Any non-terminal state may additionally move to superseded, which
// is handled separately in canTransition.
var legalTransitions = map[types.IssueStatus][]types.IssueStatus{
	types.StatusPending:  {types.StatusApproved, types.StatusRejected, types.StatusDeferred},
	types.StatusApproved: {types.StatusResolved},
	// Deferred issues re-enter human review and can be approved or rejected.
	types.StatusDeferred: {types.StatusApproved, types.StatusRejected},
}

func canTransition(from, to types.IssueStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == types.StatusSuperseded {
		return true
	}
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// UpsertIssue inserts a new issue, or if an issue with the same
// (project, fingerprint) exists in a non-terminal status, increments its
// occurrence count and returns the existing id.
func (s *Store) UpsertIssue(issue types.Issue) (string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "UpsertIssue")
	defer timer.Stop()

	if !types.ValidKind(issue.Kind) {
		return "", fmt.Errorf("invalid issue kind %q", issue.Kind)
	}
	if !types.ValidSeverity(issue.Severity) {
		return "", fmt.Errorf("invalid severity %q", issue.Severity)
	}
	if issue.Fingerprint == "" {
		return "", fmt.Errorf("issue fingerprint required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRow(`
		SELECT id FROM issues
		WHERE project_id = ? AND fingerprint = ?
		  AND status NOT IN ('resolved', 'rejected', 'superseded')
		LIMIT 1`,
		issue.ProjectID, issue.Fingerprint).Scan(&existingID)
	switch {
	case err == nil:
		if _, err := tx.Exec(`UPDATE issues SET occurrences = occurrences + 1 WHERE id = ?`, existingID); err != nil {
			return "", fmt.Errorf("failed to bump occurrence count: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		logging.StoreDebug("issue %s deduplicated (fingerprint=%s)", existingID, issue.Fingerprint)
		return existingID, nil
	case err != sql.ErrNoRows:
		return "", fmt.Errorf("failed to query existing issue: %w", err)
	}

	id := issue.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.clock.Now()
	_, err = tx.Exec(`
		INSERT INTO issues (id, project_id, path, line, kind, severity, message,
			detector_id, fingerprint, status, occurrences, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 1, ?)`,
		id, issue.ProjectID, issue.Path, issue.Line, issue.Kind, issue.Severity,
		issue.Message, issue.DetectorID, issue.Fingerprint, now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to insert issue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	logging.StoreDebug("issue %s created (fingerprint=%s kind=%s)", id, issue.Fingerprint, issue.Kind)
	return id, nil
}

// TransitionIssue moves an issue to a new status, enforcing the review state
// machine and writing an audit row. fixID must reference the responsible fix
// when the issue is resolved or superseded by an automated fix; it may be
// empty for human resolutions.
func (s *Store) TransitionIssue(id string, newStatus types.IssueStatus, fixID, actor string) error {
	unlock := s.lockIssue(id)
	defer unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := transitionIssueTx(tx, s.clock, id, newStatus, fixID, actor); err != nil {
		return err
	}
	return tx.Commit()
}

// transitionIssueTx performs the transition inside an existing transaction so
// that learning updates can be atomic with it.
func transitionIssueTx(tx *sql.Tx, clock types.Clock, id string, newStatus types.IssueStatus, fixID, actor string) error {
	var current types.IssueStatus
	err := tx.QueryRow(`SELECT status FROM issues WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load issue status: %w", err)
	}

	if !canTransition(current, newStatus) {
		return fmt.Errorf("issue %s: %s -> %s: %w", id, current, newStatus, ErrInvalidTransition)
	}

	now := clock.Now()
	var resolvedAt interface{}
	if newStatus == types.StatusResolved || newStatus == types.StatusSuperseded {
		resolvedAt = now.UnixMilli()
	}
	_, err = tx.Exec(`
		UPDATE issues SET status = ?,
			fix_id = CASE WHEN ? != '' THEN ? ELSE fix_id END,
			resolved_at = COALESCE(?, resolved_at),
			resolved_by = CASE WHEN ? != '' THEN ? ELSE resolved_by END
		WHERE id = ?`,
		newStatus, fixID, fixID, resolvedAt, actor, actor, id)
	if err != nil {
		return fmt.Errorf("failed to update issue: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO issue_audit (issue_id, from_status, to_status, fix_id, actor, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, current, newStatus, nullable(fixID), actor, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write audit row: %w", err)
	}
	logging.StoreDebug("issue %s: %s -> %s (actor=%s)", id, current, newStatus, actor)
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// GetIssue loads one issue by id.
func (s *Store) GetIssue(id string) (types.Issue, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, path, line, kind, severity, message, detector_id,
			fingerprint, status, occurrences, COALESCE(fix_id, ''), created_at,
			resolved_at, resolved_by
		FROM issues WHERE id = ?`, id)
	return scanIssue(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIssue(row rowScanner) (types.Issue, error) {
	var is types.Issue
	var created int64
	var resolved sql.NullInt64
	err := row.Scan(&is.ID, &is.ProjectID, &is.Path, &is.Line, &is.Kind, &is.Severity,
		&is.Message, &is.DetectorID, &is.Fingerprint, &is.Status, &is.Occurrences,
		&is.FixID, &created, &resolved, &is.ResolvedBy)
	if err == sql.ErrNoRows {
		return is, ErrNotFound
	}
	if err != nil {
		return is, fmt.Errorf("failed to scan issue: %w", err)
	}
	is.CreatedAt = time.UnixMilli(created)
	if resolved.Valid {
		t := time.UnixMilli(resolved.Int64)
		is.ResolvedAt = &t
	}
	return is, nil
}

// IssueFilter restricts ListIssues results. Zero values mean "any".
type IssueFilter struct {
	ProjectID   string
	Status      types.IssueStatus
	Severity    types.Severity
	Kind        types.IssueKind
	Path        string
	Fingerprint string
	OpenOnly    bool // only non-terminal statuses
	Limit       int
	Offset      int
}

// ListIssues returns issues matching the filter, newest first.
func (s *Store) ListIssues(f IssueFilter) ([]types.Issue, error) {
	var conds []string
	var args []interface{}
	if f.ProjectID != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Path != "" {
		conds = append(conds, "path = ?")
		args = append(args, f.Path)
	}
	if f.Fingerprint != "" {
		conds = append(conds, "fingerprint = ?")
		args = append(args, f.Fingerprint)
	}
	if f.OpenOnly {
		conds = append(conds, "status IN ('pending', 'approved', 'deferred')")
	}

	query := `SELECT id, project_id, path, line, kind, severity, message, detector_id,
		fingerprint, status, occurrences, COALESCE(fix_id, ''), created_at,
		resolved_at, resolved_by FROM issues`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	var issues []types.Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, is)
	}
	return issues, rows.Err()
}

// OpenIssuePaths returns the distinct paths referenced by non-terminal
// issues of a project, used by the crawler's selection pass.
func (s *Store) OpenIssuePaths(projectID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT path FROM issues
		WHERE project_id = ? AND status NOT IN ('resolved', 'rejected', 'superseded')
		ORDER BY path`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open issue paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// AuditEntry is one row of the issue transition audit trail.
type AuditEntry struct {
	IssueID    string
	FromStatus types.IssueStatus
	ToStatus   types.IssueStatus
	FixID      string
	Actor      string
	At         time.Time
}

// AuditTrail returns all transitions recorded for an issue, oldest first.
func (s *Store) AuditTrail(issueID string) ([]AuditEntry, error) {
	rows, err := s.db.Query(`
		SELECT issue_id, from_status, to_status, COALESCE(fix_id, ''), actor, at
		FROM issue_audit WHERE issue_id = ? ORDER BY id`, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at int64
		if err := rows.Scan(&e.IssueID, &e.FromStatus, &e.ToStatus, &e.FixID, &e.Actor, &at); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

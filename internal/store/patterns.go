package store

import (
	"database/sql"
	"fmt"
	"time"

	"codewarden/internal/logging"
	"codewarden/internal/types"
)

// Pattern deprecation floor: below this success rate after enough attempts,
// a pattern stops being offered to the generator.
const (
	deprecationMinAttempts = 10
	deprecationRateFloor   = 0.2
)

// laplaceConfidence is (success+1)/(success+failure+2).
func laplaceConfidence(success, failure int) float64 {
	return float64(success+1) / float64(success+failure+2)
}

// UpsertPattern atomically records outcome deltas for a fingerprint and
// recomputes confidence and the deprecation flag inside the transaction.
// A non-empty representativePatch replaces the stored best fix on success.
func (s *Store) UpsertPattern(projectID, fingerprint string, deltaSuccess, deltaFailure int, representativePatch string) (types.Pattern, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return types.Pattern{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p, err := upsertPatternTx(tx, s.clock, projectID, fingerprint, deltaSuccess, deltaFailure, representativePatch)
	if err != nil {
		return types.Pattern{}, err
	}
	if err := tx.Commit(); err != nil {
		return types.Pattern{}, err
	}
	return p, nil
}

func upsertPatternTx(tx *sql.Tx, clock types.Clock, projectID, fingerprint string, deltaSuccess, deltaFailure int, representativePatch string) (types.Pattern, error) {
	now := clock.Now().UnixMilli()

	var p types.Pattern
	var firstSeen, lastSeen int64
	var deprecated int
	err := tx.QueryRow(`
		SELECT occurrences, success, failure, best_fix, deprecated, first_seen, last_seen
		FROM patterns WHERE project_id = ? AND fingerprint = ?`,
		projectID, fingerprint).Scan(&p.Occurrences, &p.Success, &p.Failure, &p.BestFix, &deprecated, &firstSeen, &lastSeen)
	if err != nil && err != sql.ErrNoRows {
		return p, fmt.Errorf("failed to load pattern: %w", err)
	}
	if err == sql.ErrNoRows {
		firstSeen = now
	}

	p.ProjectID = projectID
	p.Fingerprint = fingerprint
	p.Occurrences++
	p.Success += deltaSuccess
	p.Failure += deltaFailure
	if p.Success < 0 || p.Failure < 0 {
		// Broken invariant: counters can never go negative. Crash the worker.
		panic(fmt.Sprintf("pattern %s/%s counter underflow: success=%d failure=%d",
			projectID, fingerprint, p.Success, p.Failure))
	}
	p.Confidence = laplaceConfidence(p.Success, p.Failure)
	p.Deprecated = p.Attempts() >= deprecationMinAttempts && p.SuccessRate() < deprecationRateFloor
	if representativePatch != "" && deltaSuccess > 0 {
		p.BestFix = representativePatch
	}
	p.FirstSeen = time.UnixMilli(firstSeen)
	p.LastSeen = time.UnixMilli(now)

	_, err = tx.Exec(`
		INSERT INTO patterns (project_id, fingerprint, occurrences, success, failure,
			confidence, best_fix, deprecated, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, fingerprint) DO UPDATE SET
			occurrences = excluded.occurrences,
			success = excluded.success,
			failure = excluded.failure,
			confidence = excluded.confidence,
			best_fix = excluded.best_fix,
			deprecated = excluded.deprecated,
			last_seen = excluded.last_seen`,
		projectID, fingerprint, p.Occurrences, p.Success, p.Failure,
		p.Confidence, p.BestFix, boolInt(p.Deprecated), firstSeen, now)
	if err != nil {
		return p, fmt.Errorf("failed to upsert pattern: %w", err)
	}
	logging.StoreDebug("pattern %s: success=%d failure=%d confidence=%.3f deprecated=%v",
		fingerprint, p.Success, p.Failure, p.Confidence, p.Deprecated)
	return p, nil
}

// GetPattern loads a pattern by (project, fingerprint).
func (s *Store) GetPattern(projectID, fingerprint string) (types.Pattern, error) {
	row := s.db.QueryRow(`
		SELECT fingerprint, project_id, occurrences, success, failure, confidence,
			best_fix, deprecated, first_seen, last_seen
		FROM patterns WHERE project_id = ? AND fingerprint = ?`,
		projectID, fingerprint)

	var p types.Pattern
	var deprecated int
	var first, last int64
	err := row.Scan(&p.Fingerprint, &p.ProjectID, &p.Occurrences, &p.Success, &p.Failure,
		&p.Confidence, &p.BestFix, &deprecated, &first, &last)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("failed to scan pattern: %w", err)
	}
	p.Deprecated = deprecated != 0
	p.FirstSeen = time.UnixMilli(first)
	p.LastSeen = time.UnixMilli(last)
	return p, nil
}

// LookupUsablePattern returns the pattern for a fingerprint only when it is
// offerable to the generator: not deprecated and confidence at or above the
// floor. Returns ErrNotFound otherwise.
func (s *Store) LookupUsablePattern(projectID, fingerprint string, confidenceFloor float64) (types.Pattern, error) {
	p, err := s.GetPattern(projectID, fingerprint)
	if err != nil {
		return p, err
	}
	if p.Deprecated || p.Confidence < confidenceFloor || p.BestFix == "" {
		return types.Pattern{}, ErrNotFound
	}
	return p, nil
}

// PatternPrevalence returns the occurrence count for a fingerprint, zero if
// the pattern is unknown. Used by the prioritize stage.
func (s *Store) PatternPrevalence(projectID, fingerprint string) int {
	var n int
	err := s.db.QueryRow(`SELECT occurrences FROM patterns WHERE project_id = ? AND fingerprint = ?`,
		projectID, fingerprint).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}

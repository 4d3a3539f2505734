package store

import (
	"encoding/json"
	"fmt"
	"time"

	"codewarden/internal/types"
)

// SnapshotFile records that (project, path, hash) has been scanned. Returns
// alreadyPresent=true when the triple was seen before, in which case the
// crawler must not re-run detectors.
func (s *Store) SnapshotFile(projectID, path, hash string) (alreadyPresent bool, err error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO file_snapshots (project_id, path, hash, seen_at)
		VALUES (?, ?, ?, ?)`,
		projectID, path, hash, s.clock.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to snapshot file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// LastHash returns the most recent content hash snapshotted for a path, or
// empty when the path was never seen.
func (s *Store) LastHash(projectID, path string) string {
	var hash string
	err := s.db.QueryRow(`
		SELECT hash FROM file_snapshots
		WHERE project_id = ? AND path = ?
		ORDER BY seen_at DESC LIMIT 1`, projectID, path).Scan(&hash)
	if err != nil {
		return ""
	}
	return hash
}

// CompactSnapshots drops snapshot rows older than the cutoff, keeping at
// least the newest row per (project, path). Snapshot history is append-only
// but old rows may be compacted.
func (s *Store) CompactSnapshots(projectID string, olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM file_snapshots
		WHERE project_id = ? AND seen_at < ?
		  AND (project_id, path, seen_at) NOT IN (
			SELECT project_id, path, MAX(seen_at) FROM file_snapshots
			WHERE project_id = ? GROUP BY path
		)`, projectID, olderThan.UnixMilli(), projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to compact snapshots: %w", err)
	}
	return res.RowsAffected()
}

// RecordHealth appends a file health snapshot.
func (s *Store) RecordHealth(h types.HealthSnapshot) error {
	components, err := json.Marshal(h.Components)
	if err != nil {
		return fmt.Errorf("failed to marshal health components: %w", err)
	}
	at := h.RecordedAt
	if at.IsZero() {
		at = s.clock.Now()
	}
	_, err = s.db.Exec(`
		INSERT INTO health_snapshots (project_id, path, score, components, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		h.ProjectID, h.Path, h.Score, string(components), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record health snapshot: %w", err)
	}
	return nil
}

// LatestHealth returns the most recent health score per path for a project.
func (s *Store) LatestHealth(projectID string) (map[string]float64, error) {
	rows, err := s.db.Query(`
		SELECT path, score FROM health_snapshots
		WHERE project_id = ? AND (path, recorded_at) IN (
			SELECT path, MAX(recorded_at) FROM health_snapshots
			WHERE project_id = ? GROUP BY path
		)`, projectID, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest health: %w", err)
	}
	defer rows.Close()

	scores := make(map[string]float64)
	for rows.Next() {
		var path string
		var score float64
		if err := rows.Scan(&path, &score); err != nil {
			return nil, err
		}
		scores[path] = score
	}
	return scores, rows.Err()
}

// UnhealthyPaths returns paths whose latest health score is below the
// threshold, worst first, most recent snapshots preferred.
func (s *Store) UnhealthyPaths(projectID string, threshold float64) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT path FROM health_snapshots
		WHERE project_id = ? AND (path, recorded_at) IN (
			SELECT path, MAX(recorded_at) FROM health_snapshots
			WHERE project_id = ? GROUP BY path
		) AND score < ?
		ORDER BY score, recorded_at DESC`, projectID, projectID, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to query unhealthy paths: %w", err)
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

// HealthTrend returns the health snapshots of a project recorded within the
// range, oldest first. Used by the analytics endpoint.
func (s *Store) HealthTrend(projectID string, since time.Time) ([]types.HealthSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT project_id, path, score, components, recorded_at
		FROM health_snapshots
		WHERE project_id = ? AND recorded_at >= ?
		ORDER BY recorded_at, path`, projectID, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query health trend: %w", err)
	}
	defer rows.Close()

	var snaps []types.HealthSnapshot
	for rows.Next() {
		var h types.HealthSnapshot
		var components string
		var at int64
		if err := rows.Scan(&h.ProjectID, &h.Path, &h.Score, &components, &at); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(components), &h.Components); err != nil {
			return nil, fmt.Errorf("failed to unmarshal health components: %w", err)
		}
		h.RecordedAt = time.UnixMilli(at)
		snaps = append(snaps, h)
	}
	return snaps, rows.Err()
}

package store

import (
	"database/sql"
	"fmt"
	"time"

	"codewarden/internal/logging"
	"codewarden/internal/types"

	"github.com/google/uuid"
)

// CreateGuide inserts a new expert guide revision. When a live guide already
// exists for (project, kind) it is marked superseded first; guide bodies are
// immutable so improvements always arrive as new revisions.
func (s *Store) CreateGuide(g types.ExpertGuide) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prevRevision int
	err = tx.QueryRow(`
		SELECT revision FROM expert_guides
		WHERE project_id = ? AND kind = ? AND superseded = 0`,
		g.ProjectID, g.Kind).Scan(&prevRevision)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to check existing guide: %w", err)
	}
	if err == nil {
		_, err = tx.Exec(`
			UPDATE expert_guides SET superseded = 1
			WHERE project_id = ? AND kind = ? AND superseded = 0`,
			g.ProjectID, g.Kind)
		if err != nil {
			return "", fmt.Errorf("failed to supersede old guide: %w", err)
		}
	}

	id := g.ID
	if id == "" {
		id = uuid.NewString()
	}
	quality := g.Quality
	if quality == 0 {
		quality = 0.5
	}
	_, err = tx.Exec(`
		INSERT INTO expert_guides (id, project_id, kind, body, revision, quality,
			consultations, successes, superseded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, ?)`,
		id, g.ProjectID, g.Kind, g.Body, prevRevision+1, quality, s.clock.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to insert guide: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	logging.Get(logging.CategoryExperts).Debug("guide %s created (project=%s kind=%s rev=%d)",
		id, g.ProjectID, g.Kind, prevRevision+1)
	return id, nil
}

func scanGuide(row rowScanner) (types.ExpertGuide, error) {
	var g types.ExpertGuide
	var superseded int
	var created int64
	err := row.Scan(&g.ID, &g.ProjectID, &g.Kind, &g.Body, &g.Revision, &g.Quality,
		&g.Consultations, &g.Successes, &superseded, &created)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, fmt.Errorf("failed to scan guide: %w", err)
	}
	g.Superseded = superseded != 0
	g.CreatedAt = time.UnixMilli(created)
	return g, nil
}

const guideColumns = `id, project_id, kind, body, revision, quality,
	consultations, successes, superseded, created_at`

// LiveGuide returns the current (non-superseded) guide for (project, kind).
func (s *Store) LiveGuide(projectID, kind string) (types.ExpertGuide, error) {
	row := s.db.QueryRow(`SELECT `+guideColumns+` FROM expert_guides
		WHERE project_id = ? AND kind = ? AND superseded = 0`, projectID, kind)
	return scanGuide(row)
}

// GetGuide loads one guide revision by id.
func (s *Store) GetGuide(id string) (types.ExpertGuide, error) {
	row := s.db.QueryRow(`SELECT `+guideColumns+` FROM expert_guides WHERE id = ?`, id)
	return scanGuide(row)
}

// LiveGuides returns all current guides for a project.
func (s *Store) LiveGuides(projectID string) ([]types.ExpertGuide, error) {
	rows, err := s.db.Query(`SELECT `+guideColumns+` FROM expert_guides
		WHERE project_id = ? AND superseded = 0 ORDER BY kind`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list guides: %w", err)
	}
	defer rows.Close()

	var guides []types.ExpertGuide
	for rows.Next() {
		g, err := scanGuide(rows)
		if err != nil {
			return nil, err
		}
		guides = append(guides, g)
	}
	return guides, rows.Err()
}

// guideOutcomeTx adjusts a guide's counters for one consulted outcome.
// Quality moves by a fixed step, clamped to [0,1].
func guideOutcomeTx(tx *sql.Tx, guideID string, success bool) error {
	delta := -0.05
	successInc := 0
	if success {
		delta = 0.05
		successInc = 1
	}
	res, err := tx.Exec(`
		UPDATE expert_guides SET
			consultations = consultations + 1,
			successes = successes + ?,
			quality = MAX(0.0, MIN(1.0, quality + ?))
		WHERE id = ?`, successInc, delta, guideID)
	if err != nil {
		return fmt.Errorf("failed to update guide counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("guide %s: %w", guideID, ErrNotFound)
	}
	return nil
}

// decrementGuideSuccessTx undoes one success credit during rollback. The
// invariant check is deliberate: a negative success count means the learning
// pipeline double-counted and the worker must crash.
func decrementGuideSuccessTx(tx *sql.Tx, guideID string) error {
	_, err := tx.Exec(`
		UPDATE expert_guides SET
			successes = successes - 1,
			quality = MAX(0.0, quality - 0.05)
		WHERE id = ?`, guideID)
	if err != nil {
		return fmt.Errorf("failed to decrement guide success: %w", err)
	}
	var successes int
	if err := tx.QueryRow(`SELECT successes FROM expert_guides WHERE id = ?`, guideID).Scan(&successes); err != nil {
		return err
	}
	if successes < 0 {
		panic(fmt.Sprintf("guide %s success count went negative", guideID))
	}
	return nil
}

// GuidesNeedingRevision returns live guides whose quality fell below the
// floor after at least minConsultations consultations.
func (s *Store) GuidesNeedingRevision(projectID string, qualityFloor float64, minConsultations int) ([]types.ExpertGuide, error) {
	rows, err := s.db.Query(`SELECT `+guideColumns+` FROM expert_guides
		WHERE project_id = ? AND superseded = 0 AND quality < ? AND consultations >= ?`,
		projectID, qualityFloor, minConsultations)
	if err != nil {
		return nil, fmt.Errorf("failed to query guides needing revision: %w", err)
	}
	defer rows.Close()

	var guides []types.ExpertGuide
	for rows.Next() {
		g, err := scanGuide(rows)
		if err != nil {
			return nil, err
		}
		guides = append(guides, g)
	}
	return guides, rows.Err()
}

package store

import (
	"database/sql"
	"fmt"
	"time"

	"codewarden/internal/types"

	"github.com/google/uuid"
)

// CreateTenant inserts a tenant.
func (s *Store) CreateTenant(t types.Tenant) (string, error) {
	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	plan := t.Plan
	if plan == "" {
		plan = "free"
	}
	_, err := s.db.Exec(`
		INSERT INTO tenants (id, name, plan, webhook_secret, apply_threshold)
		VALUES (?, ?, ?, ?, ?)`,
		id, t.Name, plan, t.WebhookSecret, t.ApplyThreshold)
	if err != nil {
		return "", fmt.Errorf("failed to create tenant: %w", err)
	}
	return id, nil
}

// GetTenant loads a tenant by id.
func (s *Store) GetTenant(id string) (types.Tenant, error) {
	var t types.Tenant
	err := s.db.QueryRow(`
		SELECT id, name, plan, webhook_secret, apply_threshold
		FROM tenants WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.Plan, &t.WebhookSecret, &t.ApplyThreshold)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("failed to load tenant: %w", err)
	}
	return t, nil
}

// CreateProject inserts a project under a tenant.
func (s *Store) CreateProject(p types.Project) (string, error) {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	branch := p.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	_, err := s.db.Exec(`
		INSERT INTO projects (id, tenant_id, name, repo_url, default_branch, root_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, p.TenantID, p.Name, p.RepoURL, branch, p.RootPath, s.clock.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to create project: %w", err)
	}
	return id, nil
}

// GetProject loads a project by id.
func (s *Store) GetProject(id string) (types.Project, error) {
	var p types.Project
	var created int64
	err := s.db.QueryRow(`
		SELECT id, tenant_id, name, repo_url, default_branch, root_path, created_at
		FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.TenantID, &p.Name, &p.RepoURL, &p.DefaultBranch, &p.RootPath, &created)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("failed to load project: %w", err)
	}
	p.CreatedAt = time.UnixMilli(created)
	return p, nil
}

// FindProjectByRepo returns the first project of a tenant matching the repo
// URL. Used by webhook intake.
func (s *Store) FindProjectByRepo(tenantID, repoURL string) (types.Project, error) {
	var id string
	err := s.db.QueryRow(`
		SELECT id FROM projects WHERE tenant_id = ? AND repo_url = ? LIMIT 1`,
		tenantID, repoURL).Scan(&id)
	if err == sql.ErrNoRows {
		return types.Project{}, ErrNotFound
	}
	if err != nil {
		return types.Project{}, fmt.Errorf("failed to find project: %w", err)
	}
	return s.GetProject(id)
}

// ListProjects returns all projects of a tenant.
func (s *Store) ListProjects(tenantID string) ([]types.Project, error) {
	rows, err := s.db.Query(`SELECT id FROM projects WHERE tenant_id = ? ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
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

	projects := make([]types.Project, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProject(id)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, nil
}

// DeleteProject removes a project; foreign keys cascade to every owned
// record (issues, fixes, patterns, snapshots, guides).
func (s *Store) DeleteProject(id string) error {
	res, err := s.db.Exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

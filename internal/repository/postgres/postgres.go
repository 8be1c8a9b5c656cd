package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hostkit/provisiond/internal/domain"
	"github.com/hostkit/provisiond/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository = (*Repository)(nil)
	_ repository.DomainRepository  = (*Repository)(nil)
	_ repository.ServerRepository  = (*Repository)(nil)
	_ repository.AuditRepository   = (*Repository)(nil)
)

const projectColumns = `id, name, domain_name, provisioning_status, status_before_error,
	retry_count, last_error, enabled, modules, server_id, platform_project_id,
	platform_app_id, started_at, completed_at, created_at, updated_at`

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, domain_name, provisioning_status, retry_count,
			last_error, enabled, modules, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query, project.ID, project.Name, project.DomainName,
		project.Status, project.RetryCount, project.LastError, project.Enabled,
		project.Modules, project.CreatedAt, project.UpdatedAt)
	return err
}

// GetProjectByID retrieves a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	return scanProject(r.pool.QueryRow(ctx, query, projectID))
}

// TransitionStatus moves a project between provisioning statuses. The update
// is guarded by the expected current status; a lost guard reports ErrConflict.
func (r *Repository) TransitionStatus(ctx context.Context, projectID string, from, to domain.ProvisioningStatus) error {
	const query = `UPDATE projects SET provisioning_status = $3, updated_at = now()
		WHERE id = $1 AND provisioning_status = $2`
	tag, err := r.pool.Exec(ctx, query, projectID, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConflict
	}
	return nil
}

// MarkProjectError records a failed run: error status, message, the status the
// run was in, and an incremented retry counter. retry_count never decreases.
func (r *Repository) MarkProjectError(ctx context.Context, projectID string, from domain.ProvisioningStatus, message string) error {
	const query = `UPDATE projects SET provisioning_status = $2, status_before_error = $3,
			last_error = $4, retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1 AND provisioning_status = $3`
	tag, err := r.pool.Exec(ctx, query, projectID, domain.StatusError, from, message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConflict
	}
	return nil
}

// ClearProjectError returns an errored project to the given resume status.
func (r *Repository) ClearProjectError(ctx context.Context, projectID string, resumeTo domain.ProvisioningStatus) error {
	const query = `UPDATE projects SET provisioning_status = $2, status_before_error = NULL,
			last_error = '', updated_at = now()
		WHERE id = $1 AND provisioning_status = $3`
	tag, err := r.pool.Exec(ctx, query, projectID, resumeTo, domain.StatusError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConflict
	}
	return nil
}

// SetProjectStarted stamps the provisioning start time once.
func (r *Repository) SetProjectStarted(ctx context.Context, projectID string, startedAt time.Time) error {
	const query = `UPDATE projects SET started_at = COALESCE(started_at, $2), updated_at = now()
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, projectID, startedAt)
	return err
}

// MarkProjectActive finalizes a project: active status, enabled, completed.
func (r *Repository) MarkProjectActive(ctx context.Context, projectID string, completedAt time.Time) error {
	const query = `UPDATE projects SET provisioning_status = $2, enabled = TRUE,
			completed_at = $3, updated_at = now()
		WHERE id = $1 AND provisioning_status = $4`
	tag, err := r.pool.Exec(ctx, query, projectID, domain.StatusActive, completedAt, domain.StatusBootstrapping)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConflict
	}
	return nil
}

// AssignServer binds a project to a compute node. A project holds at most one
// server; reassignment of an already-assigned project is rejected.
func (r *Repository) AssignServer(ctx context.Context, projectID, serverID string) error {
	const query = `UPDATE projects SET server_id = $2, updated_at = now()
		WHERE id = $1 AND server_id IS NULL`
	tag, err := r.pool.Exec(ctx, query, projectID, serverID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConflict
	}
	return nil
}

// SetPlatformRefs stores the platform-side identifiers.
func (r *Repository) SetPlatformRefs(ctx context.Context, projectID, platformProjectID, platformAppID string) error {
	const query = `UPDATE projects SET platform_project_id = $2, platform_app_id = $3, updated_at = now()
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, projectID, platformProjectID, platformAppID)
	return err
}

// ListProjectsInErrorSince returns projects stuck in error since before the cutoff.
func (r *Repository) ListProjectsInErrorSince(ctx context.Context, before time.Time) ([]domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects
		WHERE provisioning_status = $1 AND updated_at < $2
		ORDER BY updated_at ASC`
	rows, err := r.pool.Query(ctx, query, domain.StatusError, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.DomainName, &p.Status, &p.StatusBeforeError,
		&p.RetryCount, &p.LastError, &p.Enabled, &p.Modules, &p.ServerID,
		&p.PlatformProjectID, &p.PlatformAppID, &p.StartedAt, &p.CompletedAt,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

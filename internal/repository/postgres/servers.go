package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/hostkit/provisiond/internal/domain"
	"github.com/hostkit/provisiond/internal/repository"
)

const serverColumns = `id, platform_id, ip, status, max_projects, current_count,
	accepting_new, created_at, updated_at`

// CreateServer registers a compute node.
func (r *Repository) CreateServer(ctx context.Context, server *domain.Server) error {
	const query = `INSERT INTO servers (id, platform_id, ip, status, max_projects,
			current_count, accepting_new, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query, server.ID, server.PlatformID, server.IP,
		server.Status, server.MaxProjects, server.CurrentCount, server.AcceptingNew,
		server.CreatedAt, server.UpdatedAt)
	return err
}

// GetServerByID fetches a server by identifier.
func (r *Repository) GetServerByID(ctx context.Context, serverID string) (*domain.Server, error) {
	const query = `SELECT ` + serverColumns + ` FROM servers WHERE id = $1`
	return scanServer(r.pool.QueryRow(ctx, query, serverID))
}

// ListServers returns all known servers ordered by identifier.
func (r *Repository) ListServers(ctx context.Context) ([]domain.Server, error) {
	const query = `SELECT ` + serverColumns + ` FROM servers ORDER BY id ASC`
	return r.queryServers(ctx, query)
}

// ListEligibleServers returns servers able to take a new project, ordered by
// identifier for deterministic allocation.
func (r *Repository) ListEligibleServers(ctx context.Context) ([]domain.Server, error) {
	const query = `SELECT ` + serverColumns + ` FROM servers
		WHERE accepting_new AND status = 'active' AND current_count < max_projects
		ORDER BY id ASC`
	return r.queryServers(ctx, query)
}

// ClaimServerSlot increments occupancy only while capacity remains. The
// conditional update keeps concurrent claims from overcommitting the node.
func (r *Repository) ClaimServerSlot(ctx context.Context, serverID string) (bool, error) {
	const query = `UPDATE servers SET current_count = current_count + 1, updated_at = now()
		WHERE id = $1 AND accepting_new AND status = 'active' AND current_count < max_projects`
	tag, err := r.pool.Exec(ctx, query, serverID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseServerSlot decrements occupancy, never below zero.
func (r *Repository) ReleaseServerSlot(ctx context.Context, serverID string) error {
	const query = `UPDATE servers SET current_count = GREATEST(current_count - 1, 0), updated_at = now()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, serverID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) queryServers(ctx context.Context, query string) ([]domain.Server, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	servers := make([]domain.Server, 0)
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *s)
	}
	return servers, rows.Err()
}

func scanServer(row rowScanner) (*domain.Server, error) {
	var s domain.Server
	err := row.Scan(&s.ID, &s.PlatformID, &s.IP, &s.Status, &s.MaxProjects,
		&s.CurrentCount, &s.AcceptingNew, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

package postgres

import (
	"context"

	"github.com/hostkit/provisiond/internal/domain"
)

// AppendAudit inserts an immutable audit entry. There is no update or delete
// counterpart; the trail is append-only by contract and by schema privileges.
func (r *Repository) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	const query = `INSERT INTO provisioning_log (project_id, action, old_status, new_status,
			message, external_system, external_id, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`
	row := r.pool.QueryRow(ctx, query, entry.ProjectID, entry.Action, entry.OldStatus,
		entry.NewStatus, entry.Message, entry.ExternalSystem, entry.ExternalID,
		entry.Actor, entry.CreatedAt)
	return row.Scan(&entry.ID)
}

// ListAuditByProject returns audit entries for a project, newest first.
func (r *Repository) ListAuditByProject(ctx context.Context, projectID string, limit, offset int) ([]domain.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, project_id, action, old_status, new_status, message,
			external_system, external_id, actor, created_at
		FROM provisioning_log
		WHERE project_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, projectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Action, &e.OldStatus, &e.NewStatus,
			&e.Message, &e.ExternalSystem, &e.ExternalID, &e.Actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

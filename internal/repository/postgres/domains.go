package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hostkit/provisiond/internal/domain"
	"github.com/hostkit/provisiond/internal/repository"
)

const domainColumns = `id, project_id, name, type, status, is_primary,
	registrar_domain_id, transfer_auth_code, record_ids, expires_at, created_at, updated_at`

// CreateDomain inserts a domain. The partial unique index on
// (project_id) WHERE is_primary enforces a single primary per project.
func (r *Repository) CreateDomain(ctx context.Context, d *domain.Domain) error {
	records, err := json.Marshal(d.Records)
	if err != nil {
		return fmt.Errorf("encode record ids: %w", err)
	}
	const query = `INSERT INTO domains (id, project_id, name, type, status, is_primary,
			registrar_domain_id, transfer_auth_code, record_ids, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = r.pool.Exec(ctx, query, d.ID, d.ProjectID, d.Name, d.Type, d.Status,
		d.Primary, d.RegistrarDomainID, d.TransferAuthCode, records, d.ExpiresAt,
		d.CreatedAt, d.UpdatedAt)
	return err
}

// GetDomainByID fetches a domain by identifier.
func (r *Repository) GetDomainByID(ctx context.Context, domainID string) (*domain.Domain, error) {
	const query = `SELECT ` + domainColumns + ` FROM domains WHERE id = $1`
	return scanDomain(r.pool.QueryRow(ctx, query, domainID))
}

// GetPrimaryDomain returns the project's primary domain.
func (r *Repository) GetPrimaryDomain(ctx context.Context, projectID string) (*domain.Domain, error) {
	const query = `SELECT ` + domainColumns + ` FROM domains WHERE project_id = $1 AND is_primary`
	return scanDomain(r.pool.QueryRow(ctx, query, projectID))
}

// UpdateDomainStatus moves a domain to a new lifecycle status.
func (r *Repository) UpdateDomainStatus(ctx context.Context, domainID string, status domain.DomainStatus) error {
	const query = `UPDATE domains SET status = $2, updated_at = now() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, domainID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetDomainRegistration stores the registrar-side identifier and expiry.
func (r *Repository) SetDomainRegistration(ctx context.Context, domainID, registrarDomainID string, expiresAt *time.Time) error {
	const query = `UPDATE domains SET registrar_domain_id = $2, expires_at = $3, updated_at = now()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, domainID, registrarDomainID, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetDomainRecords stores the created DNS record identifiers.
func (r *Repository) SetDomainRecords(ctx context.Context, domainID string, records domain.RecordIDs) error {
	encoded, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode record ids: %w", err)
	}
	const query = `UPDATE domains SET record_ids = $2, updated_at = now() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, domainID, encoded)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDomainsByStatus returns every domain in the given lifecycle status.
func (r *Repository) ListDomainsByStatus(ctx context.Context, status domain.DomainStatus) ([]domain.Domain, error) {
	const query = `SELECT ` + domainColumns + ` FROM domains WHERE status = $1 ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	domains := make([]domain.Domain, 0)
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		domains = append(domains, *d)
	}
	return domains, rows.Err()
}

func scanDomain(row rowScanner) (*domain.Domain, error) {
	var (
		d       domain.Domain
		records []byte
	)
	err := row.Scan(&d.ID, &d.ProjectID, &d.Name, &d.Type, &d.Status, &d.Primary,
		&d.RegistrarDomainID, &d.TransferAuthCode, &records, &d.ExpiresAt,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(records) > 0 {
		if err := json.Unmarshal(records, &d.Records); err != nil {
			return nil, fmt.Errorf("decode record ids: %w", err)
		}
	}
	return &d, nil
}

package repository

import (
	"context"
	"time"

	"github.com/hostkit/provisiond/internal/domain"
)

// ProjectRepository persists projects and their provisioning state.
// Status mutations are guarded by the caller-supplied current status so a
// transition persisted by a concurrent writer surfaces as ErrConflict.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	TransitionStatus(ctx context.Context, projectID string, from, to domain.ProvisioningStatus) error
	MarkProjectError(ctx context.Context, projectID string, from domain.ProvisioningStatus, message string) error
	ClearProjectError(ctx context.Context, projectID string, resumeTo domain.ProvisioningStatus) error
	SetProjectStarted(ctx context.Context, projectID string, startedAt time.Time) error
	MarkProjectActive(ctx context.Context, projectID string, completedAt time.Time) error
	AssignServer(ctx context.Context, projectID, serverID string) error
	SetPlatformRefs(ctx context.Context, projectID, platformProjectID, platformAppID string) error
	ListProjectsInErrorSince(ctx context.Context, before time.Time) ([]domain.Project, error)
}

// DomainRepository persists domains bound to projects.
type DomainRepository interface {
	CreateDomain(ctx context.Context, d *domain.Domain) error
	GetDomainByID(ctx context.Context, domainID string) (*domain.Domain, error)
	GetPrimaryDomain(ctx context.Context, projectID string) (*domain.Domain, error)
	UpdateDomainStatus(ctx context.Context, domainID string, status domain.DomainStatus) error
	SetDomainRegistration(ctx context.Context, domainID, registrarDomainID string, expiresAt *time.Time) error
	SetDomainRecords(ctx context.Context, domainID string, records domain.RecordIDs) error
	ListDomainsByStatus(ctx context.Context, status domain.DomainStatus) ([]domain.Domain, error)
}

// ServerRepository persists compute nodes and their occupancy.
type ServerRepository interface {
	CreateServer(ctx context.Context, server *domain.Server) error
	GetServerByID(ctx context.Context, serverID string) (*domain.Server, error)
	ListServers(ctx context.Context) ([]domain.Server, error)
	ListEligibleServers(ctx context.Context) ([]domain.Server, error)
	// ClaimServerSlot atomically increments current_count when capacity
	// remains and the server accepts new projects. It reports false when
	// the claim lost, without error.
	ClaimServerSlot(ctx context.Context, serverID string) (bool, error)
	ReleaseServerSlot(ctx context.Context, serverID string) error
}

// AuditRepository appends and reads the provisioning audit trail.
type AuditRepository interface {
	AppendAudit(ctx context.Context, entry *domain.AuditEntry) error
	ListAuditByProject(ctx context.Context, projectID string, limit, offset int) ([]domain.AuditEntry, error)
}

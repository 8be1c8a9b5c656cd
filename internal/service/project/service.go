// Package project handles order intake and administrative lifecycle actions:
// creating a project with its primary domain, suspending it and archiving it.
// The provisioning sequence itself lives in service/provision.
package project

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/hostkit/provisiond/internal/domain"
	"github.com/hostkit/provisiond/internal/platform"
	"github.com/hostkit/provisiond/internal/repository"
	"github.com/hostkit/provisiond/internal/service/audit"
)

var (
	// ErrInvalidInput rejects malformed create requests.
	ErrInvalidInput = errors.New("invalid project input")
	// ErrIllegalTransition rejects suspend/archive from an incompatible state.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// PlatformClient is the slice of the platform API lifecycle actions need.
type PlatformClient interface {
	Stop(ctx context.Context, appID string) error
}

// DNSCleaner removes a project's registrar records on archive.
type DNSCleaner interface {
	CleanupProjectDNS(ctx context.Context, recordIDs []string)
}

// SlotReleaser frees a project's compute slot on archive.
type SlotReleaser interface {
	Release(ctx context.Context, serverID string) error
}

// CreateInput is an order for a new hosted instance.
type CreateInput struct {
	Name             string            `json:"name"`
	DomainName       string            `json:"domain_name"`
	DomainType       domain.DomainType `json:"domain_type"`
	TransferAuthCode string            `json:"transfer_auth_code"`
	Modules          []string          `json:"modules"`
}

// Service manages project intake and lifecycle.
type Service struct {
	projects repository.ProjectRepository
	domains  repository.DomainRepository
	platform PlatformClient
	dns      DNSCleaner
	slots    SlotReleaser
	audit    audit.Service
	logger   *slog.Logger

	baseDomain string
	now        func() time.Time
}

// New constructs a project service.
func New(
	projects repository.ProjectRepository,
	domains repository.DomainRepository,
	platformClient PlatformClient,
	dns DNSCleaner,
	slots SlotReleaser,
	auditSvc audit.Service,
	baseDomain string,
	logger *slog.Logger,
) *Service {
	return &Service{
		projects:   projects,
		domains:    domains,
		platform:   platformClient,
		dns:        dns,
		slots:      slots,
		audit:      auditSvc,
		logger:     logger.With("component", "project"),
		baseDomain: baseDomain,
		now:        time.Now,
	}
}

// Create records a new order: a draft project plus its primary domain. The
// domain starts in the state its type implies, so the provisioner knows what
// acquisition work remains.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Project, *domain.Domain, error) {
	name := strings.TrimSpace(in.Name)
	domainName := strings.ToLower(strings.TrimSpace(in.DomainName))
	if name == "" || domainName == "" {
		return nil, nil, fmt.Errorf("%w: name and domain_name are required", ErrInvalidInput)
	}

	var domainStatus domain.DomainStatus
	switch in.DomainType {
	case domain.DomainSubdomain:
		if !strings.Contains(domainName, ".") {
			domainName = domainName + "." + s.baseDomain
		} else if !strings.HasSuffix(domainName, "."+s.baseDomain) {
			return nil, nil, fmt.Errorf("%w: subdomain must be under %s", ErrInvalidInput, s.baseDomain)
		}
		domainStatus = domain.DomainPendingDNS
	case domain.DomainExternal:
		domainStatus = domain.DomainPendingDNS
	case domain.DomainRegistered:
		domainStatus = domain.DomainPendingRegistration
	case domain.DomainTransferred:
		if in.TransferAuthCode == "" {
			return nil, nil, fmt.Errorf("%w: transferred domain requires an auth code", ErrInvalidInput)
		}
		domainStatus = domain.DomainPendingTransfer
	default:
		return nil, nil, fmt.Errorf("%w: unknown domain type %q", ErrInvalidInput, in.DomainType)
	}

	ts := s.now().UTC()
	p := &domain.Project{
		ID:         uuid.NewString(),
		Name:       name,
		DomainName: domainName,
		Status:     domain.StatusDraft,
		Modules:    in.Modules,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	if err := s.projects.CreateProject(ctx, p); err != nil {
		return nil, nil, fmt.Errorf("create project: %w", err)
	}

	d := &domain.Domain{
		ID:               uuid.NewString(),
		ProjectID:        p.ID,
		Name:             domainName,
		Type:             in.DomainType,
		Status:           domainStatus,
		Primary:          true,
		TransferAuthCode: in.TransferAuthCode,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	if err := s.domains.CreateDomain(ctx, d); err != nil {
		return nil, nil, fmt.Errorf("create primary domain: %w", err)
	}

	draft := domain.StatusDraft
	s.recordAudit(ctx, p.ID, "project_created", nil, &draft, domainName, domain.ActorSystem)
	s.logger.Info("project created", "project_id", p.ID, "domain", domainName,
		"domain_type", in.DomainType)
	return p, d, nil
}

// Get loads a project with its primary domain. A project created without a
// domain (should not happen) comes back with a nil domain.
func (s *Service) Get(ctx context.Context, projectID string) (*domain.Project, *domain.Domain, error) {
	p, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	d, err := s.domains.GetPrimaryDomain(ctx, projectID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, nil, err
	}
	return p, d, nil
}

// Suspend stops the running instance and parks the project. The server slot
// and the DNS records stay in place so the project can be reinstated by hand.
func (s *Service) Suspend(ctx context.Context, projectID, actor string) error {
	p, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(p.Status, domain.StatusSuspended) {
		return fmt.Errorf("%w: %s -> suspended", ErrIllegalTransition, p.Status)
	}

	if p.PlatformAppID != "" {
		if err := s.platform.Stop(ctx, p.PlatformAppID); err != nil && !isNotFound(err) {
			return fmt.Errorf("stop application: %w", err)
		}
	}
	if err := s.projects.TransitionStatus(ctx, projectID, p.Status, domain.StatusSuspended); err != nil {
		return err
	}

	old, suspended := p.Status, domain.StatusSuspended
	s.recordAudit(ctx, p.ID, "project_suspended", &old, &suspended, "", actor)
	s.logger.Info("project suspended", "project_id", p.ID, "actor", actor)
	return nil
}

// Archive retires the project for good: the instance is stopped, DNS records
// are removed best-effort and the compute slot is returned to the pool.
// Registered domains are not dropped at the registrar; the customer keeps
// what they paid for.
func (s *Service) Archive(ctx context.Context, projectID, actor string) error {
	p, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(p.Status, domain.StatusArchived) {
		return fmt.Errorf("%w: %s -> archived", ErrIllegalTransition, p.Status)
	}

	if p.PlatformAppID != "" {
		if err := s.platform.Stop(ctx, p.PlatformAppID); err != nil && !isNotFound(err) {
			return fmt.Errorf("stop application: %w", err)
		}
	}

	if d, err := s.domains.GetPrimaryDomain(ctx, projectID); err == nil && !d.Records.Empty() {
		s.dns.CleanupProjectDNS(ctx, d.Records.All())
		if err := s.domains.SetDomainRecords(ctx, d.ID, domain.RecordIDs{}); err != nil {
			s.logger.Warn("failed to clear dns record ids", "domain_id", d.ID, "error", err)
		}
	}

	if err := s.projects.TransitionStatus(ctx, projectID, p.Status, domain.StatusArchived); err != nil {
		return err
	}
	if p.ServerID != nil {
		if err := s.slots.Release(ctx, *p.ServerID); err != nil {
			s.logger.Warn("failed to release server slot", "server_id", *p.ServerID, "error", err)
		}
	}

	old, archived := p.Status, domain.StatusArchived
	s.recordAudit(ctx, p.ID, "project_archived", &old, &archived, "", actor)
	s.logger.Info("project archived", "project_id", p.ID, "actor", actor)
	return nil
}

func (s *Service) recordAudit(ctx context.Context, projectID, action string, oldStatus, newStatus *domain.ProvisioningStatus, message, actor string) {
	entry := domain.AuditEntry{
		ProjectID: projectID,
		Action:    action,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		Message:   message,
		Actor:     actor,
		CreatedAt: s.now().UTC(),
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("failed to record audit entry", "project_id", projectID,
			"action", action, "error", err)
	}
}

func isNotFound(err error) bool {
	var nf *platform.NotFoundError
	return errors.As(err, &nf)
}

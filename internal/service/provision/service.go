// Package provision drives the end-to-end sequence that turns a customer
// order into a live, reachable hosted instance: domain acquisition, DNS,
// server allocation, platform setup, deployment and health finalization.
package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/hostkit/provisiond/internal/domain"
	"github.com/hostkit/provisiond/internal/platform"
	"github.com/hostkit/provisiond/internal/registrar"
	"github.com/hostkit/provisiond/internal/repository"
	"github.com/hostkit/provisiond/internal/service/audit"
	"github.com/hostkit/provisiond/internal/service/notify"
	"github.com/hostkit/provisiond/pkg/config"
)

var (
	// ErrAlreadyRunning means a provisioning run for the project is in flight.
	ErrAlreadyRunning = errors.New("provisioning already running for project")
	// ErrProjectInError means the project must be retried, not re-provisioned.
	ErrProjectInError = errors.New("project is in error state, use retry")
	// ErrNoPrimaryDomain means the project has no primary domain assigned.
	ErrNoPrimaryDomain = errors.New("project has no primary domain")
	// ErrNotInError rejects a retry of a project that did not fail.
	ErrNotInError = errors.New("project is not in error state")
	// ErrRetriesExhausted rejects a retry past the configured maximum.
	ErrRetriesExhausted = errors.New("retry limit reached, manual escalation required")

	// errTransferPending parks a run while an inbound domain transfer is
	// still in progress. Transfers can take days; the reconciler resumes
	// the run once the registrar reports completion.
	errTransferPending = errors.New("domain transfer pending")
)

// RegistrarClient is the slice of the registrar API the provisioner drives.
type RegistrarClient interface {
	Register(ctx context.Context, domainName string, contact registrar.Contact, nameservers []string) (string, error)
	InitiateTransfer(ctx context.Context, domainName, authCode string, contact registrar.Contact) (string, error)
	TransferStatus(ctx context.Context, domainName string) (registrar.TransferState, error)
	SetupProjectDNS(ctx context.Context, domainName, serverIP string, isSubdomain bool, baseDomain string, existing domain.RecordIDs) (domain.RecordIDs, error)
}

// PlatformClient is the slice of the deployment platform API the provisioner drives.
type PlatformClient interface {
	CreateProject(ctx context.Context, name, description string) (string, error)
	CreateApplication(ctx context.Context, req platform.CreateApplicationRequest) (string, error)
	SetEnvVars(ctx context.Context, appID string, vars []platform.EnvVar) error
	Deploy(ctx context.Context, appID string) (string, error)
	GetStatus(ctx context.Context, appID string) (platform.AppStatus, error)
}

// ServerAllocator claims and frees compute slots.
type ServerAllocator interface {
	Allocate(ctx context.Context) (*domain.Server, error)
	Release(ctx context.Context, serverID string) error
}

// Service is the provisioning state machine. All collaborators are injected,
// so tests run against fakes without touching the network.
type Service struct {
	projects  repository.ProjectRepository
	domains   repository.DomainRepository
	servers   repository.ServerRepository
	registrar RegistrarClient
	platform  PlatformClient
	alloc     ServerAllocator
	audit     audit.Service
	notifier  notify.Notifier
	prober    Prober
	logger    *slog.Logger
	cfg       config.APIConfig

	// now and sleep are injectable so tests drive the poll loops with a
	// fake clock instead of real delays.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New constructs a provisioning service.
func New(
	projects repository.ProjectRepository,
	domains repository.DomainRepository,
	servers repository.ServerRepository,
	registrarClient RegistrarClient,
	platformClient PlatformClient,
	alloc ServerAllocator,
	auditSvc audit.Service,
	notifier notify.Notifier,
	prober Prober,
	logger *slog.Logger,
	cfg config.APIConfig,
) *Service {
	return &Service{
		projects:  projects,
		domains:   domains,
		servers:   servers,
		registrar: registrarClient,
		platform:  platformClient,
		alloc:     alloc,
		audit:     auditSvc,
		notifier:  notifier,
		prober:    prober,
		logger:    logger.With("component", "provisioner"),
		cfg:       cfg,
		now:       time.Now,
		sleep:     sleepContext,
		inflight:  make(map[string]struct{}),
	}
}

type step struct {
	name string
	run  func(ctx context.Context, p *domain.Project, d *domain.Domain) error
}

// Provision executes the provisioning sequence for a project. Every step is
// idempotent, so the call is safe to repeat after a crash or an operator
// retry; a project that is already active is a no-op. Completed steps are
// never rolled back on failure: registered domains and created deployments
// stay in place to be resumed.
func (s *Service) Provision(ctx context.Context, projectID string) error {
	if !s.begin(projectID) {
		return ErrAlreadyRunning
	}
	defer s.end(projectID)

	if s.cfg.ProvisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ProvisionTimeout)
		defer cancel()
	}

	p, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	switch {
	case p.Status == domain.StatusActive:
		s.logger.Info("project already active, nothing to do", "project_id", p.ID)
		return nil
	case p.Status.Terminal():
		return fmt.Errorf("project %s is %s and cannot be provisioned", p.ID, p.Status)
	case p.Status == domain.StatusError:
		return ErrProjectInError
	}

	d, err := s.domains.GetPrimaryDomain(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNoPrimaryDomain
		}
		return fmt.Errorf("load primary domain: %w", err)
	}

	if err := s.projects.SetProjectStarted(ctx, p.ID, s.now().UTC()); err != nil {
		return fmt.Errorf("stamp start time: %w", err)
	}

	steps := []step{
		{"payment_confirmation", s.stepConfirmPayment},
		{"domain_acquisition", s.stepDomainAcquisition},
		{"server_selection", s.stepServerSelection},
		{"dns_setup", s.stepDNSRecords},
		{"platform_setup", s.stepPlatformSetup},
		{"deployment", s.stepDeploy},
		{"health_check", s.stepHealthCheck},
		{"finalize", s.stepFinalize},
	}

	start := s.now()
	for _, st := range steps {
		err := st.run(ctx, p, d)
		if err == nil {
			continue
		}
		if errors.Is(err, errTransferPending) {
			s.recordAudit(ctx, p.ID, "domain_transfer_pending", nil, nil,
				fmt.Sprintf("waiting for inbound transfer of %s", d.Name), "registrar", d.RegistrarDomainID)
			s.logger.Info("run parked on pending domain transfer",
				"project_id", p.ID, "domain", d.Name)
			return nil
		}
		return s.fail(ctx, p, st.name, err)
	}

	observeRun("success")
	s.logger.Info("provisioning finished", "project_id", p.ID,
		"domain", d.Name, "took", s.now().Sub(start).Round(time.Millisecond))
	return nil
}

// Retry re-enters provisioning for a project in the error state. It clears
// the error, returns the project to the state the failed run was in and runs
// the sequence again. The retry counter is never reset.
func (s *Service) Retry(ctx context.Context, projectID, actor string) error {
	p, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if p.Status != domain.StatusError {
		return ErrNotInError
	}
	if p.RetryCount >= s.cfg.MaxRetries {
		return ErrRetriesExhausted
	}

	// Resume where the failed run stopped, but only along a declared edge of
	// the transition graph. An error captured before the first transition
	// persisted starts over from pending_payment.
	resumeTo := domain.StatusPendingPayment
	if sbe := p.StatusBeforeError; sbe != nil && domain.CanTransition(domain.StatusError, *sbe) {
		resumeTo = *sbe
	}
	if err := s.projects.ClearProjectError(ctx, p.ID, resumeTo); err != nil {
		return fmt.Errorf("clear error state: %w", err)
	}

	if actor == "" {
		actor = domain.ActorSystem
	}
	errStatus := domain.StatusError
	s.recordAuditAs(ctx, actor, p.ID, "retry_requested", &errStatus, &resumeTo,
		fmt.Sprintf("retry %d of %d", p.RetryCount, s.cfg.MaxRetries), "", "")
	s.logger.Info("retry requested", "project_id", p.ID, "actor", actor,
		"retry_count", p.RetryCount)

	return s.Provision(ctx, projectID)
}

// fail converts a step error into the project's error state: message, retry
// counter, audit entry and escalation notification. The raw error chain stays
// in the log; only status and message surface further out.
func (s *Service) fail(ctx context.Context, p *domain.Project, stepName string, stepErr error) error {
	msg := stepErr.Error()
	old := p.Status
	if err := s.projects.MarkProjectError(ctx, p.ID, old, msg); err != nil {
		s.logger.Error("failed to persist error state", "project_id", p.ID, "error", err)
	} else {
		p.Status = domain.StatusError
		p.RetryCount++
	}

	errStatus := domain.StatusError
	s.recordAudit(ctx, p.ID, stepName+"_failed", &old, &errStatus, msg, "", "")
	s.notifier.ProvisioningFailed(ctx, p.ID, stepName, msg)
	if p.RetryCount >= s.cfg.MaxRetries {
		s.notifier.SupportAlert(ctx, p.ID,
			fmt.Sprintf("provisioning failed %d times, retries exhausted: %s", p.RetryCount, msg))
	}

	observeRun("failure")
	s.logger.Error("provisioning step failed", "project_id", p.ID,
		"step", stepName, "retry_count", p.RetryCount, "error", stepErr)
	return fmt.Errorf("%s: %w", stepName, stepErr)
}

// advance persists a status transition and audits it. Reaching a state the
// project is already in or past is not an error; that is what makes the
// sequence re-entrant.
func (s *Service) advance(ctx context.Context, p *domain.Project, to domain.ProvisioningStatus, action string) error {
	if p.Status == to {
		return nil
	}
	if p.Status.OnHappyPath() && to.OnHappyPath() && p.Status.Rank() > to.Rank() {
		return nil
	}
	if !domain.CanTransition(p.Status, to) {
		return fmt.Errorf("illegal status transition %s -> %s", p.Status, to)
	}
	if err := s.projects.TransitionStatus(ctx, p.ID, p.Status, to); err != nil {
		return fmt.Errorf("persist transition %s -> %s: %w", p.Status, to, err)
	}
	old := p.Status
	p.Status = to
	s.recordAudit(ctx, p.ID, action, &old, &to, "", "", "")
	return nil
}

// recordAudit writes a system-actor entry; steps the provisioner performs on
// its own are attributed to the system. Operator-triggered actions go through
// recordAuditAs with the operator's identity.
func (s *Service) recordAudit(ctx context.Context, projectID, action string, oldStatus, newStatus *domain.ProvisioningStatus, message, externalSystem, externalID string) {
	s.recordAuditAs(ctx, domain.ActorSystem, projectID, action, oldStatus, newStatus, message, externalSystem, externalID)
}

func (s *Service) recordAuditAs(ctx context.Context, actor, projectID, action string, oldStatus, newStatus *domain.ProvisioningStatus, message, externalSystem, externalID string) {
	entry := domain.AuditEntry{
		ProjectID:      projectID,
		Action:         action,
		OldStatus:      oldStatus,
		NewStatus:      newStatus,
		Message:        message,
		ExternalSystem: externalSystem,
		ExternalID:     externalID,
		Actor:          actor,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("failed to record audit entry", "project_id", projectID,
			"action", action, "error", err)
	}
}

// poll runs fn every interval until it reports done, a hard error, or the
// attempt budget is spent. It reports false when the budget ran out.
func (s *Service) poll(ctx context.Context, interval time.Duration, maxAttempts int, fn func(ctx context.Context) (bool, error)) (bool, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		done, err := fn(ctx)
		if err != nil || done {
			return done, err
		}
		if attempt == maxAttempts {
			break
		}
		if err := s.sleep(ctx, interval); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (s *Service) begin(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.inflight[projectID]; running {
		return false
	}
	s.inflight[projectID] = struct{}{}
	return true
}

func (s *Service) end(projectID string) {
	s.mu.Lock()
	delete(s.inflight, projectID)
	s.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/hostkit/provisiond/internal/domain"
	"github.com/hostkit/provisiond/internal/platform"
	"github.com/hostkit/provisiond/internal/registrar"
	"github.com/hostkit/provisiond/internal/repository"
)

// stepConfirmPayment moves a fresh order out of draft. Payment capture itself
// happens upstream; by the time a project is handed to the provisioner the
// charge has settled, so this step only records the fact.
func (s *Service) stepConfirmPayment(ctx context.Context, p *domain.Project, _ *domain.Domain) error {
	return s.advance(ctx, p, domain.StatusPendingPayment, "payment_confirmed")
}

// stepDomainAcquisition makes sure the project owns its primary domain:
// subdomains and externally managed names need nothing, registered names are
// registered and polled until visible, transferred names park the run until
// the inbound transfer completes.
func (s *Service) stepDomainAcquisition(ctx context.Context, p *domain.Project, d *domain.Domain) error {
	if err := s.advance(ctx, p, domain.StatusPendingDomain, "domain_acquisition_started"); err != nil {
		return err
	}

	switch {
	case d.NeedsRegistration():
		return s.registerDomain(ctx, p, d)
	case d.NeedsTransfer():
		return s.transferDomain(ctx, p, d)
	default:
		return nil
	}
}

func (s *Service) registerDomain(ctx context.Context, p *domain.Project, d *domain.Domain) error {
	if d.RegistrarDomainID == "" {
		regID, err := s.registrar.Register(ctx, d.Name, s.registrant(), nil)
		if err != nil {
			var unavailable *registrar.UnavailableError
			if errors.As(err, &unavailable) {
				return fmt.Errorf("domain %s is not available for registration", d.Name)
			}
			return fmt.Errorf("register domain %s: %w", d.Name, err)
		}
		if err := s.domains.SetDomainRegistration(ctx, d.ID, regID, nil); err != nil {
			return fmt.Errorf("persist registration id: %w", err)
		}
		d.RegistrarDomainID = regID
		s.recordAudit(ctx, p.ID, "domain_registered", nil, nil, d.Name, "registrar", regID)
	}

	// Registrations usually complete within seconds but the registrar
	// confirms asynchronously, so poll with a short bounded loop.
	done, err := s.poll(ctx, s.cfg.RegistrationPollInterval, s.cfg.RegistrationPollMax, func(ctx context.Context) (bool, error) {
		state, err := s.registrar.TransferStatus(ctx, d.Name)
		if err != nil {
			if registrar.IsTransient(err) {
				return false, nil
			}
			return false, err
		}
		return state == registrar.TransferCompleted, nil
	})
	if err != nil {
		return fmt.Errorf("confirm registration of %s: %w", d.Name, err)
	}
	if !done {
		return fmt.Errorf("registration of %s did not complete within the poll budget", d.Name)
	}

	if err := s.domains.UpdateDomainStatus(ctx, d.ID, domain.DomainPendingDNS); err != nil {
		return fmt.Errorf("mark domain pending_dns: %w", err)
	}
	d.Status = domain.DomainPendingDNS
	return nil
}

func (s *Service) transferDomain(ctx context.Context, p *domain.Project, d *domain.Domain) error {
	if d.RegistrarDomainID == "" {
		transferID, err := s.registrar.InitiateTransfer(ctx, d.Name, d.TransferAuthCode, s.registrant())
		if err != nil {
			return fmt.Errorf("initiate transfer of %s: %w", d.Name, err)
		}
		if err := s.domains.SetDomainRegistration(ctx, d.ID, transferID, nil); err != nil {
			return fmt.Errorf("persist transfer id: %w", err)
		}
		d.RegistrarDomainID = transferID
		s.recordAudit(ctx, p.ID, "domain_transfer_initiated", nil, nil, d.Name, "registrar", transferID)
	}

	state, err := s.registrar.TransferStatus(ctx, d.Name)
	if err != nil {
		return fmt.Errorf("check transfer of %s: %w", d.Name, err)
	}
	switch state {
	case registrar.TransferCompleted:
		if err := s.domains.UpdateDomainStatus(ctx, d.ID, domain.DomainPendingDNS); err != nil {
			return fmt.Errorf("mark domain pending_dns: %w", err)
		}
		d.Status = domain.DomainPendingDNS
		s.recordAudit(ctx, p.ID, "domain_transfer_completed", nil, nil, d.Name, "registrar", d.RegistrarDomainID)
		return nil
	case registrar.TransferFailed:
		return fmt.Errorf("transfer of %s failed at the registrar", d.Name)
	default:
		return errTransferPending
	}
}

// stepServerSelection picks and claims a compute slot. The claim is a
// conditional update, so two concurrent runs can never land the same last
// slot. No eligible server is a retryable condition, not a crash.
func (s *Service) stepServerSelection(ctx context.Context, p *domain.Project, _ *domain.Domain) error {
	if p.ServerID != nil {
		return nil
	}
	srv, err := s.alloc.Allocate(ctx)
	if err != nil {
		return fmt.Errorf("allocate server: %w", err)
	}
	if srv == nil {
		return errors.New("no server with free capacity is available")
	}
	if err := s.projects.AssignServer(ctx, p.ID, srv.ID); err != nil {
		// Another run got here first; give the claimed slot back.
		if relErr := s.alloc.Release(ctx, srv.ID); relErr != nil {
			s.logger.Warn("failed to release server slot after assign conflict",
				"server_id", srv.ID, "error", relErr)
		}
		if errors.Is(err, repository.ErrConflict) {
			refreshed, gerr := s.projects.GetProjectByID(ctx, p.ID)
			if gerr == nil && refreshed.ServerID != nil {
				p.ServerID = refreshed.ServerID
				return nil
			}
		}
		return fmt.Errorf("assign server: %w", err)
	}
	p.ServerID = &srv.ID
	s.recordAudit(ctx, p.ID, "server_assigned", nil, nil,
		fmt.Sprintf("server %s (%d/%d slots used)", srv.ID, srv.CurrentCount, srv.MaxProjects),
		"server", srv.ID)
	return nil
}

// stepDNSRecords points the domain at the assigned server. Record creation is
// re-entrant: identifiers of already-created records are persisted and skipped
// on the next pass, and a partial result is saved even when the second record
// fails.
func (s *Service) stepDNSRecords(ctx context.Context, p *domain.Project, d *domain.Domain) error {
	if d.Status == domain.DomainActive && !d.Records.Empty() {
		return nil
	}
	if d.Type == domain.DomainExternal {
		// The customer manages their own zone; we only wait for them.
		if err := s.domains.UpdateDomainStatus(ctx, d.ID, domain.DomainActive); err != nil {
			return fmt.Errorf("mark external domain active: %w", err)
		}
		d.Status = domain.DomainActive
		return nil
	}
	if p.ServerID == nil {
		return errors.New("dns setup requires an assigned server")
	}

	srv, err := s.servers.GetServerByID(ctx, *p.ServerID)
	if err != nil {
		return fmt.Errorf("load assigned server: %w", err)
	}

	ids, dnsErr := s.registrar.SetupProjectDNS(ctx, d.Name, srv.IP,
		d.Type == domain.DomainSubdomain, s.cfg.BaseDomain, d.Records)
	if ids != d.Records && !ids.Empty() {
		if err := s.domains.SetDomainRecords(ctx, d.ID, ids); err != nil {
			return fmt.Errorf("persist dns record ids: %w", err)
		}
		d.Records = ids
	}
	if dnsErr != nil {
		return fmt.Errorf("create dns records for %s: %w", d.Name, dnsErr)
	}

	if err := s.domains.UpdateDomainStatus(ctx, d.ID, domain.DomainActive); err != nil {
		return fmt.Errorf("mark domain active: %w", err)
	}
	d.Status = domain.DomainActive
	s.recordAudit(ctx, p.ID, "dns_records_created", nil, nil,
		fmt.Sprintf("%s -> %s", d.Name, srv.IP), "registrar", ids.A)
	return nil
}

// stepPlatformSetup mirrors the project into the deployment platform and
// creates the application that will run the instance, including its bootstrap
// environment.
func (s *Service) stepPlatformSetup(ctx context.Context, p *domain.Project, d *domain.Domain) error {
	if err := s.advance(ctx, p, domain.StatusProvisioning, "platform_setup_started"); err != nil {
		return err
	}
	if p.ServerID == nil {
		return errors.New("platform setup requires an assigned server")
	}
	srv, err := s.servers.GetServerByID(ctx, *p.ServerID)
	if err != nil {
		return fmt.Errorf("load assigned server: %w", err)
	}

	if p.PlatformProjectID == "" {
		platformProjectID, err := s.platform.CreateProject(ctx, p.Name, "provisioned by hostkit")
		if err != nil {
			return fmt.Errorf("create platform project: %w", err)
		}
		if err := s.projects.SetPlatformRefs(ctx, p.ID, platformProjectID, p.PlatformAppID); err != nil {
			return fmt.Errorf("persist platform project id: %w", err)
		}
		p.PlatformProjectID = platformProjectID
		s.recordAudit(ctx, p.ID, "platform_project_created", nil, nil, "", "platform", platformProjectID)
	}

	env := platform.BootstrapEnv{
		ProjectID:      p.ID,
		MarketplaceURL: s.cfg.MarketplaceURL,
		Modules:        p.Modules,
	}
	if p.PlatformAppID == "" {
		appID, err := s.platform.CreateApplication(ctx, platform.CreateApplicationRequest{
			ProjectID:       p.PlatformProjectID,
			ServerID:        srv.PlatformID,
			Name:            p.Name,
			Domain:          d.Name,
			ImageRef:        s.cfg.DeployImage,
			Env:             env,
			HealthCheckPath: "/health",
		})
		if appID != "" {
			if perr := s.projects.SetPlatformRefs(ctx, p.ID, p.PlatformProjectID, appID); perr != nil {
				return fmt.Errorf("persist platform app id: %w", perr)
			}
			p.PlatformAppID = appID
		}
		if err != nil {
			return fmt.Errorf("create platform application: %w", err)
		}
		s.recordAudit(ctx, p.ID, "platform_application_created", nil, nil, "", "platform", appID)
		return nil
	}

	// The app id is persisted even when creation failed between the create
	// call and the env upload, so a resumed run must re-apply the bootstrap
	// environment before the instance goes live.
	if err := s.platform.SetEnvVars(ctx, p.PlatformAppID, env.Vars()); err != nil {
		return fmt.Errorf("apply bootstrap environment: %w", err)
	}
	return nil
}

// stepDeploy triggers the deployment and waits for the platform to report a
// terminal state. An application already running (a resumed run) skips the
// trigger entirely.
func (s *Service) stepDeploy(ctx context.Context, p *domain.Project, _ *domain.Domain) error {
	if err := s.advance(ctx, p, domain.StatusBootstrapping, "deployment_started"); err != nil {
		return err
	}

	status, err := s.platform.GetStatus(ctx, p.PlatformAppID)
	if err != nil && !platform.IsTransient(err) {
		return fmt.Errorf("check application status: %w", err)
	}
	if status == platform.AppRunning {
		return nil
	}

	deploymentID, err := s.platform.Deploy(ctx, p.PlatformAppID)
	if err != nil {
		return fmt.Errorf("trigger deployment: %w", err)
	}
	s.recordAudit(ctx, p.ID, "deployment_triggered", nil, nil, "", "platform", deploymentID)

	var last platform.AppStatus
	done, err := s.poll(ctx, s.cfg.DeployPollInterval, s.cfg.DeployPollMax, func(ctx context.Context) (bool, error) {
		st, err := s.platform.GetStatus(ctx, p.PlatformAppID)
		if err != nil {
			if platform.IsTransient(err) {
				return false, nil
			}
			return false, err
		}
		last = st
		switch st {
		case platform.AppRunning:
			return true, nil
		case platform.AppFailed, platform.AppStopped:
			return false, fmt.Errorf("deployment failed with status: %s", st)
		default:
			return false, nil
		}
	})
	if err != nil {
		return err
	}
	if !done {
		return fmt.Errorf("deployment did not reach running within the poll budget (last status: %s)", last)
	}
	return nil
}

// stepHealthCheck probes the instance's public health endpoint until it
// answers, bounded by the health poll budget.
func (s *Service) stepHealthCheck(ctx context.Context, p *domain.Project, d *domain.Domain) error {
	url := "https://" + d.Name + "/health"

	var lastErr error
	done, err := s.poll(ctx, s.cfg.HealthPollInterval, s.cfg.HealthPollMax, func(ctx context.Context) (bool, error) {
		if err := s.prober.Probe(ctx, url); err != nil {
			lastErr = err
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if !done {
		return fmt.Errorf("instance never became healthy after %d probes of %s: %w",
			s.cfg.HealthPollMax, url, lastErr)
	}
	s.recordAudit(ctx, p.ID, "health_check_passed", nil, nil, url, "", "")
	return nil
}

// stepFinalize flips the project to active and notifies.
func (s *Service) stepFinalize(ctx context.Context, p *domain.Project, d *domain.Domain) error {
	completed := s.now().UTC()
	if err := s.projects.MarkProjectActive(ctx, p.ID, completed); err != nil {
		return fmt.Errorf("mark project active: %w", err)
	}
	old := p.Status
	p.Status = domain.StatusActive
	p.Enabled = true
	p.CompletedAt = &completed

	active := domain.StatusActive
	s.recordAudit(ctx, p.ID, "provisioning_completed", &old, &active, d.Name, "", "")
	s.notifier.ProvisioningCompleted(ctx, p.ID, d.Name)
	return nil
}

func (s *Service) registrant() registrar.Contact {
	return registrar.Contact{
		Name:  s.cfg.RegistrantName,
		Email: s.cfg.RegistrantEmail,
	}
}

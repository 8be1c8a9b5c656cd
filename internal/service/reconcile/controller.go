// Package reconcile runs the background loop that picks up work no single
// provisioning run can finish: inbound domain transfers that take days, and
// projects stuck in error long enough to need a human.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/hostkit/provisiond/internal/domain"
	"github.com/hostkit/provisiond/internal/repository"
	"github.com/hostkit/provisiond/internal/service/notify"
)

// Provisioner is the slice of the provisioning service the controller drives.
type Provisioner interface {
	Provision(ctx context.Context, projectID string) error
}

// Controller periodically resumes parked provisioning runs and escalates
// stuck projects. It survives process restarts because everything it acts on
// is read back from storage each pass.
type Controller struct {
	projects repository.ProjectRepository
	domains  repository.DomainRepository
	prov     Provisioner
	notifier notify.Notifier
	logger   *slog.Logger

	interval time.Duration
	alertAge time.Duration
	now      func() time.Time

	// alerted suppresses repeat escalations for the same project within
	// this process's lifetime. A restart re-alerts, which is acceptable.
	mu      sync.Mutex
	alerted map[string]struct{}
}

// New constructs a reconcile controller.
func New(
	projects repository.ProjectRepository,
	domains repository.DomainRepository,
	prov Provisioner,
	notifier notify.Notifier,
	interval, alertAge time.Duration,
	logger *slog.Logger,
) *Controller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Controller{
		projects: projects,
		domains:  domains,
		prov:     prov,
		notifier: notifier,
		logger:   logger.With("component", "reconciler"),
		interval: interval,
		alertAge: alertAge,
		now:      time.Now,
		alerted:  make(map[string]struct{}),
	}
}

// Run blocks, reconciling every interval until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("reconciler started", "interval", c.interval)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			if err := c.Reconcile(ctx); err != nil {
				c.logger.Error("reconcile pass failed", "error", err)
			}
		}
	}
}

// Reconcile performs one pass: resume pending transfers, escalate stuck
// errors. Exported so tests and operators can trigger a pass directly.
func (c *Controller) Reconcile(ctx context.Context) error {
	if err := c.resumeTransfers(ctx); err != nil {
		return fmt.Errorf("resume transfers: %w", err)
	}
	if err := c.escalateStuck(ctx); err != nil {
		return fmt.Errorf("escalate stuck projects: %w", err)
	}
	return nil
}

// resumeTransfers re-enters provisioning for every project whose primary
// domain is waiting on an inbound transfer. The run itself re-checks transfer
// progress with the registrar and parks again if it is still pending.
func (c *Controller) resumeTransfers(ctx context.Context) error {
	pending, err := c.domains.ListDomainsByStatus(ctx, domain.DomainPendingTransfer)
	if err != nil {
		return err
	}
	for _, d := range pending {
		if !d.Primary {
			continue
		}
		p, err := c.projects.GetProjectByID(ctx, d.ProjectID)
		if err != nil {
			c.logger.Warn("skipping transfer resume, project lookup failed",
				"project_id", d.ProjectID, "error", err)
			continue
		}
		if p.Status != domain.StatusPendingDomain {
			continue
		}
		c.logger.Info("resuming run parked on domain transfer",
			"project_id", p.ID, "domain", d.Name)
		if err := c.prov.Provision(ctx, p.ID); err != nil {
			c.logger.Warn("transfer resume attempt failed",
				"project_id", p.ID, "error", err)
		}
	}
	return nil
}

// escalateStuck alerts support about projects sitting in error beyond the
// alert age, once per project per process lifetime.
func (c *Controller) escalateStuck(ctx context.Context) error {
	cutoff := c.now().UTC().Add(-c.alertAge)
	stuck, err := c.projects.ListProjectsInErrorSince(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, p := range stuck {
		c.mu.Lock()
		_, seen := c.alerted[p.ID]
		if !seen {
			c.alerted[p.ID] = struct{}{}
		}
		c.mu.Unlock()
		if seen {
			continue
		}
		msg := fmt.Sprintf("project has been in error for over %s: %s", c.alertAge, p.LastError)
		c.notifier.SupportAlert(ctx, p.ID, msg)
		c.logger.Warn("escalated stuck project", "project_id", p.ID,
			"retry_count", p.RetryCount, "last_error", p.LastError)
	}
	return nil
}

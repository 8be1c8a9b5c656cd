package domain

import "time"

// Project is the customer-ordered unit being provisioned into a live instance.
type Project struct {
	ID         string
	Name       string
	DomainName string
	Status     ProvisioningStatus
	// StatusBeforeError remembers where a failed run was, so a retry can
	// return to exactly that state.
	StatusBeforeError *ProvisioningStatus
	RetryCount        int
	LastError         string
	Enabled           bool
	// Modules are the product modules enabled for the deployed instance,
	// passed to the deployment as a comma-separated list.
	Modules []string

	ServerID          *string
	PlatformProjectID string
	PlatformAppID     string

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CanRetry reports whether an operator retry is still permitted.
func (p *Project) CanRetry(maxRetries int) bool {
	return p.Status == StatusError && p.RetryCount < maxRetries
}

// MidFlight reports whether a provisioning run has started but not finished.
func (p *Project) MidFlight() bool {
	switch p.Status {
	case StatusPendingPayment, StatusPendingDomain, StatusProvisioning, StatusBootstrapping:
		return true
	}
	return false
}

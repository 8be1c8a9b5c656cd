package domain

import "time"

// DomainType classifies how a project's DNS name is sourced.
type DomainType string

const (
	// DomainSubdomain is a name under the shared base domain.
	DomainSubdomain DomainType = "subdomain"
	// DomainRegistered is a name newly registered on behalf of the customer.
	DomainRegistered DomainType = "registered"
	// DomainTransferred is a name transferred in from another registrar.
	DomainTransferred DomainType = "transferred"
	// DomainExternal is a name the customer already owns and points at us.
	DomainExternal DomainType = "external"
)

// DomainStatus tracks a domain through registration, transfer and DNS setup.
type DomainStatus string

const (
	DomainPendingRegistration DomainStatus = "pending_registration"
	DomainPendingTransfer     DomainStatus = "pending_transfer"
	DomainPendingDNS          DomainStatus = "pending_dns"
	DomainActive              DomainStatus = "active"
	DomainExpired             DomainStatus = "expired"
)

// RecordIDs holds the registrar-side identifiers of the records created for a
// project. A zero value means the record has not been created yet, which is
// the idempotency key for re-entrant DNS setup.
type RecordIDs struct {
	A   string `json:"a,omitempty"`
	WWW string `json:"www,omitempty"`
}

// Empty reports whether no records have been created.
func (r RecordIDs) Empty() bool {
	return r.A == "" && r.WWW == ""
}

// All lists the non-empty record identifiers.
func (r RecordIDs) All() []string {
	ids := make([]string, 0, 2)
	if r.A != "" {
		ids = append(ids, r.A)
	}
	if r.WWW != "" {
		ids = append(ids, r.WWW)
	}
	return ids
}

// Domain is one DNS name bound to a project.
type Domain struct {
	ID        string
	ProjectID string
	Name      string
	Type      DomainType
	Status    DomainStatus
	Primary   bool

	RegistrarDomainID string
	TransferAuthCode  string
	Records           RecordIDs

	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NeedsRegistration reports whether the registrar must register the name first.
func (d *Domain) NeedsRegistration() bool {
	return d.Type == DomainRegistered && d.Status == DomainPendingRegistration
}

// NeedsTransfer reports whether an inbound transfer must complete first.
func (d *Domain) NeedsTransfer() bool {
	return d.Type == DomainTransferred && d.Status == DomainPendingTransfer
}

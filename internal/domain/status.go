package domain

// ProvisioningStatus tracks a project along the provisioning path.
type ProvisioningStatus string

const (
	StatusDraft          ProvisioningStatus = "draft"
	StatusPendingPayment ProvisioningStatus = "pending_payment"
	StatusPendingDomain  ProvisioningStatus = "pending_domain"
	StatusProvisioning   ProvisioningStatus = "provisioning"
	StatusBootstrapping  ProvisioningStatus = "bootstrapping"
	StatusActive         ProvisioningStatus = "active"
	StatusError          ProvisioningStatus = "error"
	StatusSuspended      ProvisioningStatus = "suspended"
	StatusArchived       ProvisioningStatus = "archived"
)

// statusRank orders the happy path so steps can tell "already past" from
// "not yet reached". Side states carry no rank.
var statusRank = map[ProvisioningStatus]int{
	StatusDraft:          0,
	StatusPendingPayment: 1,
	StatusPendingDomain:  2,
	StatusProvisioning:   3,
	StatusBootstrapping:  4,
	StatusActive:         5,
}

// transitions defines every legal edge. The error state returns only to the
// state the failed run was in, and the administrative states are terminal
// apart from suspended → archived.
var transitions = map[ProvisioningStatus][]ProvisioningStatus{
	StatusDraft:          {StatusPendingPayment, StatusError, StatusSuspended, StatusArchived},
	StatusPendingPayment: {StatusPendingDomain, StatusError, StatusSuspended, StatusArchived},
	StatusPendingDomain:  {StatusProvisioning, StatusError, StatusSuspended, StatusArchived},
	StatusProvisioning:   {StatusBootstrapping, StatusError, StatusSuspended, StatusArchived},
	StatusBootstrapping:  {StatusActive, StatusError, StatusSuspended, StatusArchived},
	StatusActive:         {StatusSuspended, StatusArchived},
	StatusError:          {StatusPendingPayment, StatusPendingDomain, StatusProvisioning, StatusBootstrapping, StatusSuspended, StatusArchived},
	StatusSuspended:      {StatusArchived},
	StatusArchived:       {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to ProvisioningStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Rank returns the happy-path position of a status. Side states report -1.
func (s ProvisioningStatus) Rank() int {
	rank, ok := statusRank[s]
	if !ok {
		return -1
	}
	return rank
}

// OnHappyPath reports whether the status sits on the draft → active sequence.
func (s ProvisioningStatus) OnHappyPath() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no further provisioning work applies.
func (s ProvisioningStatus) Terminal() bool {
	return s == StatusSuspended || s == StatusArchived
}

// Valid reports whether the value is a known status.
func (s ProvisioningStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

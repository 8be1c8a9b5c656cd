package domain

import "time"

// ActorSystem marks audit entries written by the orchestrator itself.
const ActorSystem = "system"

// AuditEntry is an immutable record of one orchestration action.
// Entries are only ever appended, never mutated or deleted.
type AuditEntry struct {
	ID        int64
	ProjectID string
	Action    string
	OldStatus *ProvisioningStatus
	NewStatus *ProvisioningStatus
	Message   string
	// ExternalSystem/ExternalID reference the remote object an action
	// touched, e.g. ("registrar", record id) or ("platform", app id).
	ExternalSystem string
	ExternalID     string
	Actor          string
	CreatedAt      time.Time
}

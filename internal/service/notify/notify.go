// Package notify defines the outbound notification contract. Delivery
// transports (email, chat) live outside this service; the default
// implementation records events in the structured log.
package notify

import (
	"context"

	"log/slog"
)

// Notifier receives provisioning outcome events.
type Notifier interface {
	// ProvisioningCompleted fires when a project reaches active.
	ProvisioningCompleted(ctx context.Context, projectID, domainName string)
	// ProvisioningFailed fires on a terminal run failure and carries the
	// operator-facing message.
	ProvisioningFailed(ctx context.Context, projectID, step, message string)
	// SupportAlert fires when a project needs manual attention, e.g. it
	// sat in error past the alert age or exhausted its retries.
	SupportAlert(ctx context.Context, projectID, message string)
}

// LogNotifier writes notification events to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// ProvisioningCompleted implements Notifier.
func (n *LogNotifier) ProvisioningCompleted(_ context.Context, projectID, domainName string) {
	n.logger.Info("provisioning completed", "project_id", projectID, "domain", domainName)
}

// ProvisioningFailed implements Notifier.
func (n *LogNotifier) ProvisioningFailed(_ context.Context, projectID, step, message string) {
	n.logger.Error("provisioning failed", "project_id", projectID, "step", step, "message", message)
}

// SupportAlert implements Notifier.
func (n *LogNotifier) SupportAlert(_ context.Context, projectID, message string) {
	n.logger.Warn("support alert", "project_id", projectID, "message", message)
}

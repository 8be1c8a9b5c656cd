// Package audit persists the append-only provisioning trail and streams
// entries to watching operator clients.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/hostkit/provisiond/internal/domain"
	"github.com/hostkit/provisiond/internal/repository"
	"github.com/hostkit/provisiond/internal/ws"
)

// Service handles audit persistence and streaming.
type Service struct {
	repo   repository.AuditRepository
	hub    *ws.Hub
	logger *slog.Logger
	now    func() time.Time
}

// New constructs an audit service.
func New(repo repository.AuditRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger, now: time.Now}
}

// Record stores and broadcasts an audit entry. Defaults are filled in: the
// system actor and the current time.
func (s Service) Record(ctx context.Context, entry domain.AuditEntry) error {
	if entry.Actor == "" {
		entry.Actor = domain.ActorSystem
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	if err := s.repo.AppendAudit(ctx, &entry); err != nil {
		return err
	}
	s.broadcast(entry)
	return nil
}

// List returns audit entries for a project, newest first.
func (s Service) List(ctx context.Context, projectID string, limit, offset int) ([]domain.AuditEntry, error) {
	return s.repo.ListAuditByProject(ctx, projectID, limit, offset)
}

// Hub returns the event hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

func (s Service) broadcast(entry domain.AuditEntry) {
	if s.hub == nil {
		return
	}
	payload, err := MarshalEntry(entry)
	if err != nil {
		s.logger.Warn("failed to marshal audit payload", "error", err)
		return
	}
	s.hub.Broadcast(entry.ProjectID, payload)
}

// MarshalEntry formats an audit entry for streaming payloads.
func MarshalEntry(entry domain.AuditEntry) ([]byte, error) {
	payload := map[string]any{
		"id":         entry.ID,
		"project_id": entry.ProjectID,
		"action":     entry.Action,
		"message":    entry.Message,
		"actor":      entry.Actor,
		"created_at": entry.CreatedAt.Format(time.RFC3339Nano),
	}
	if entry.OldStatus != nil {
		payload["old_status"] = *entry.OldStatus
	}
	if entry.NewStatus != nil {
		payload["new_status"] = *entry.NewStatus
	}
	if entry.ExternalSystem != "" {
		payload["external_system"] = entry.ExternalSystem
		payload["external_id"] = entry.ExternalID
	}
	return json.Marshal(payload)
}

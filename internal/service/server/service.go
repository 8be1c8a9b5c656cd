// Package server manages the compute node inventory projects are placed on.
package server

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
)

// ErrInvalidInput rejects malformed server registrations.
var ErrInvalidInput = errors.New("invalid server input")

// Inventory is the platform-side view of available compute nodes.
type Inventory interface {
	ListServers(ctx context.Context) ([]platform.ServerInfo, error)
}

// RegisterInput describes a compute node to add to the pool.
type RegisterInput struct {
	PlatformID   string `json:"platform_id"`
	IP           string `json:"ip"`
	MaxProjects  int    `json:"max_projects"`
	AcceptingNew bool   `json:"accepting_new"`
}

// Service manages the server pool.
type Service struct {
	servers   repository.ServerRepository
	inventory Inventory
	logger    *slog.Logger
	now       func() time.Time
}

// New constructs a server service.
func New(servers repository.ServerRepository, inventory Inventory, logger *slog.Logger) *Service {
	return &Service{
		servers:   servers,
		inventory: inventory,
		logger:    logger.With("component", "server"),
		now:       time.Now,
	}
}

// Register adds a compute node to the pool. When the platform inventory is
// reachable, the node must exist there under the given platform id.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*domain.Server, error) {
	in.PlatformID = strings.TrimSpace(in.PlatformID)
	in.IP = strings.TrimSpace(in.IP)
	if in.PlatformID == "" || in.IP == "" {
		return nil, fmt.Errorf("%w: platform_id and ip are required", ErrInvalidInput)
	}
	if in.MaxProjects <= 0 {
		return nil, fmt.Errorf("%w: max_projects must be positive", ErrInvalidInput)
	}

	if s.inventory != nil {
		known, err := s.inventory.ListServers(ctx)
		if err != nil {
			s.logger.Warn("platform inventory unreachable, registering unverified",
				"platform_id", in.PlatformID, "error", err)
		} else if !containsServer(known, in.PlatformID) {
			return nil, fmt.Errorf("%w: platform does not know server %s", ErrInvalidInput, in.PlatformID)
		}
	}

	ts := s.now().UTC()
	srv := &domain.Server{
		ID:           uuid.NewString(),
		PlatformID:   in.PlatformID,
		IP:           in.IP,
		Status:       domain.ServerActive,
		MaxProjects:  in.MaxProjects,
		AcceptingNew: in.AcceptingNew,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	if err := s.servers.CreateServer(ctx, srv); err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}
	s.logger.Info("server registered", "server_id", srv.ID,
		"platform_id", srv.PlatformID, "max_projects", srv.MaxProjects)
	return srv, nil
}

// Get loads one server.
func (s *Service) Get(ctx context.Context, serverID string) (*domain.Server, error) {
	return s.servers.GetServerByID(ctx, serverID)
}

// List returns the full pool.
func (s *Service) List(ctx context.Context) ([]domain.Server, error) {
	return s.servers.ListServers(ctx)
}

func containsServer(known []platform.ServerInfo, platformID string) bool {
	for _, info := range known {
		if info.ID == platformID {
			return true
		}
	}
	return false
}

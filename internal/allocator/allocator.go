// Package allocator selects and claims compute nodes for new projects.
package allocator

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/hostkit/provisiond/internal/domain"
	"github.com/hostkit/provisiond/internal/repository"
)

// claimAttempts bounds how often a lost slot claim is retried against a
// freshly listed eligible set before reporting no server available.
const claimAttempts = 3

// Allocator assigns servers using a pluggable strategy. Claims go through the
// repository's conditional update, so two concurrent allocations can never
// overcommit a node past its capacity.
type Allocator struct {
	servers  repository.ServerRepository
	strategy Strategy
	logger   *slog.Logger
}

// New constructs an Allocator.
func New(servers repository.ServerRepository, strategy Strategy, logger *slog.Logger) *Allocator {
	return &Allocator{
		servers:  servers,
		strategy: strategy,
		logger:   logger.With("component", "allocator"),
	}
}

// Allocate picks an eligible server and claims one slot on it. It returns
// (nil, nil) when no server is available; callers treat that as retryable.
func (a *Allocator) Allocate(ctx context.Context) (*domain.Server, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		eligible, err := a.servers.ListEligibleServers(ctx)
		if err != nil {
			return nil, fmt.Errorf("list eligible servers: %w", err)
		}
		if len(eligible) == 0 {
			return nil, nil
		}

		picked, err := a.strategy.Select(ctx, eligible)
		if err != nil {
			return nil, err
		}
		if picked == nil {
			return nil, nil
		}

		claimed, err := a.servers.ClaimServerSlot(ctx, picked.ID)
		if err != nil {
			return nil, fmt.Errorf("claim slot on %s: %w", picked.ID, err)
		}
		if claimed {
			picked.CurrentCount++
			a.logger.Info("server allocated", "server_id", picked.ID,
				"slots_left", picked.AvailableSlots())
			return picked, nil
		}
		// Lost against a concurrent claim; re-list and try again.
		a.logger.Debug("slot claim lost, retrying", "server_id", picked.ID, "attempt", attempt+1)
	}
	return nil, nil
}

// Release frees a previously claimed slot.
func (a *Allocator) Release(ctx context.Context, serverID string) error {
	if err := a.servers.ReleaseServerSlot(ctx, serverID); err != nil {
		return fmt.Errorf("release slot on %s: %w", serverID, err)
	}
	a.logger.Info("server slot released", "server_id", serverID)
	return nil
}

package allocator

import (
	"context"
	"fmt"

	"github.com/hostkit/provisiond/internal/domain"
)

// Strategy picks one server from the eligible set. A nil result means no
// server fits; that is a normal outcome, not an error.
type Strategy interface {
	Select(ctx context.Context, eligible []domain.Server) (*domain.Server, error)
}

// Strategy names accepted by NewStrategy.
const (
	StrategyLeastLoaded = "least_loaded"
	StrategyRoundRobin  = "round_robin"
	StrategyPinned      = "pinned"
)

// NewStrategy constructs the named strategy.
func NewStrategy(name, pinnedServerID string, cursor Cursor) (Strategy, error) {
	switch name {
	case StrategyLeastLoaded, "":
		return LeastLoaded{}, nil
	case StrategyRoundRobin:
		if cursor == nil {
			cursor = NewMemoryCursor()
		}
		return &RoundRobin{cursor: cursor}, nil
	case StrategyPinned:
		if pinnedServerID == "" {
			return nil, fmt.Errorf("pinned strategy requires a server id")
		}
		return Pinned{ServerID: pinnedServerID}, nil
	default:
		return nil, fmt.Errorf("unknown allocator strategy %q", name)
	}
}

// LeastLoaded picks the server with the most free slots. Ties break toward
// the lower id; the repository returns the eligible set id-ordered, so the
// outcome is deterministic.
type LeastLoaded struct{}

// Select implements Strategy.
func (LeastLoaded) Select(_ context.Context, eligible []domain.Server) (*domain.Server, error) {
	var best *domain.Server
	for i := range eligible {
		s := &eligible[i]
		if !s.Eligible() {
			continue
		}
		if best == nil || s.AvailableSlots() > best.AvailableSlots() {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	picked := *best
	return &picked, nil
}

// RoundRobin rotates through the eligible set using a persisted cursor, so
// the rotation survives process restarts when backed by redis.
type RoundRobin struct {
	cursor Cursor
}

// Select implements Strategy.
func (r *RoundRobin) Select(ctx context.Context, eligible []domain.Server) (*domain.Server, error) {
	fit := make([]domain.Server, 0, len(eligible))
	for _, s := range eligible {
		if s.Eligible() {
			fit = append(fit, s)
		}
	}
	if len(fit) == 0 {
		return nil, nil
	}
	n, err := r.cursor.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("advance round-robin cursor: %w", err)
	}
	picked := fit[int(n%uint64(len(fit)))]
	return &picked, nil
}

// Pinned is the operator override: it only ever returns the named server,
// and only while that server remains eligible.
type Pinned struct {
	ServerID string
}

// Select implements Strategy.
func (p Pinned) Select(_ context.Context, eligible []domain.Server) (*domain.Server, error) {
	for _, s := range eligible {
		if s.ID == p.ServerID && s.Eligible() {
			picked := s
			return &picked, nil
		}
	}
	return nil, nil
}

// Package velocity provides correlation key velocity calculation: how
// many signals referenced a key within a sliding time window.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// Service counts signals per correlation key over a window.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates a velocity service backed by the repository.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
	}
}

// CountForKey returns the number of signals that referenced a
// correlation key within the window. This is the VelocityGetter
// signature expected by the policy engine.
func (s *Service) CountForKey(ctx context.Context, tenantID, key string, window time.Duration) (int64, error) {
	if tenantID == "" || key == "" {
		return 0, fmt.Errorf("tenantID and key are required")
	}
	if s.repo == nil {
		return 0, fmt.Errorf("no data source available")
	}

	since := time.Now().Add(-window)
	count, err := s.repo.CountSignalsByKey(ctx, tenantID, key, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count signals for key: %w", err)
	}
	return count, nil
}

// Getter returns a VelocityGetter function for the policy engine.
func (s *Service) Getter() func(ctx context.Context, tenantID, key string, window time.Duration) (int64, error) {
	return s.CountForKey
}

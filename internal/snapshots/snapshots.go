// Package snapshots serves provider metrics snapshots, reusing cached
// aggregates and batching every cache miss into one aggregator call.
package snapshots

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
)

// Service fetches snapshots for the API and the worker.
type Service struct {
	agg   domain.MetricsAggregator
	cache domain.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewService creates a snapshot service. A nil cache or a non-positive ttl
// disables caching.
func NewService(agg domain.MetricsAggregator, c domain.Cache, ttl time.Duration) *Service {
	return &Service{
		agg:   agg,
		cache: c,
		ttl:   ttl,
		now:   time.Now,
	}
}

func (s *Service) caching() bool {
	return s.cache != nil && s.ttl > 0
}

// Fetch returns snapshots for providerIDs in request order. Unknown IDs are
// omitted. A cache failure is logged and treated as a miss.
func (s *Service) Fetch(ctx context.Context, tenantID string, providerIDs []string) ([]*domain.ProviderMetricsSnapshot, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}
	if !s.caching() {
		return s.agg.AggregateProviderMetrics(ctx, tenantID, providerIDs, s.now())
	}

	found := make(map[string]*domain.ProviderMetricsSnapshot, len(providerIDs))
	var misses []string
	for _, id := range providerIDs {
		if _, dup := found[id]; dup || id == "" {
			continue
		}
		snap, err := s.cache.GetSnapshot(ctx, tenantID, id)
		if err != nil {
			slog.Warn("snapshot cache read failed",
				"tenant_id", tenantID,
				"provider_id", id,
				"error", err,
			)
		}
		found[id] = snap
		if snap == nil {
			misses = append(misses, id)
		}
	}

	if len(misses) > 0 {
		fresh, err := s.agg.AggregateProviderMetrics(ctx, tenantID, misses, s.now())
		if err != nil {
			return nil, err
		}
		for _, snap := range fresh {
			found[snap.ProviderID] = snap
			if err := s.cache.SetSnapshot(ctx, tenantID, snap, s.ttl); err != nil {
				slog.Warn("snapshot cache write failed",
					"tenant_id", tenantID,
					"provider_id", snap.ProviderID,
					"error", err,
				)
			}
		}
	}

	out := make([]*domain.ProviderMetricsSnapshot, 0, len(found))
	seen := make(map[string]bool, len(found))
	for _, id := range providerIDs {
		if snap := found[id]; snap != nil && !seen[id] {
			seen[id] = true
			out = append(out, snap)
		}
	}
	return out, nil
}

// Invalidate drops a provider's cached snapshot so the next Fetch
// re-aggregates it.
func (s *Service) Invalidate(ctx context.Context, tenantID, providerID string) error {
	if !s.caching() {
		return nil
	}
	return s.cache.Delete(ctx, tenantID, cache.SnapshotKey(providerID))
}

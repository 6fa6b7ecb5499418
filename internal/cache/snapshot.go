package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// byteStore is the raw key/value surface each cache implementation shares.
type byteStore interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
}

// SnapshotKey is the cache key for a provider's metrics snapshot.
func SnapshotKey(providerID string) string {
	return "snapshot:" + providerID
}

func getSnapshot(ctx context.Context, store byteStore, tenantID, providerID string) (*domain.ProviderMetricsSnapshot, error) {
	data, err := store.Get(ctx, tenantID, SnapshotKey(providerID))
	if err != nil || data == nil {
		return nil, err
	}

	var s domain.ProviderMetricsSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", providerID, err)
	}
	return &s, nil
}

func setSnapshot(ctx context.Context, store byteStore, tenantID string, s *domain.ProviderMetricsSnapshot, ttl time.Duration) error {
	if s == nil || s.ProviderID == "" {
		return fmt.Errorf("snapshot with providerId is required")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return store.Set(ctx, tenantID, SnapshotKey(s.ProviderID), data, ttl)
}

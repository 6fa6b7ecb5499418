package cache

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/harrier/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedLRU(size int) (*LRUCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewLRUCache(size)
	c.now = clock.Now
	return c, clock
}

func TestLRUCache(t *testing.T) {
	cache, clock := newClockedLRU(100)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, tenantID, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, tenantID, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, tenantID, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, tenantID, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "expiring", []byte("temp"), time.Second)

		if val, _ := cache.Get(ctx, tenantID, "expiring"); val == nil {
			t.Error("expected value before expiry")
		}

		clock.Advance(2 * time.Second)

		if val, _ := cache.Get(ctx, tenantID, "expiring"); val != nil {
			t.Error("expected nil after expiry")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "shared", []byte("mine"), time.Minute)

		val, _ := cache.Get(ctx, "tenant-002", "shared")
		if val != nil {
			t.Error("expected other tenant to miss")
		}
	})

	t.Run("RequiresTenant", func(t *testing.T) {
		if _, err := cache.Get(ctx, "", "k"); err == nil {
			t.Error("expected error for empty tenantID")
		}
		if err := cache.Set(ctx, "", "k", nil, time.Minute); err == nil {
			t.Error("expected error for empty tenantID")
		}
		if _, err := cache.IncrementCounter(ctx, "", "k", time.Minute); err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			got, err := cache.IncrementCounter(ctx, tenantID, "alerts:prov-1", time.Hour)
			if err != nil {
				t.Fatalf("IncrementCounter failed: %v", err)
			}
			if got != want {
				t.Errorf("expected %d, got %d", want, got)
			}
		}

		clock.Advance(2 * time.Hour)

		got, _ := cache.IncrementCounter(ctx, tenantID, "alerts:prov-1", time.Hour)
		if got != 1 {
			t.Errorf("expected counter to restart at 1, got %d", got)
		}
	})

	t.Run("ExpiredCountersSwept", func(t *testing.T) {
		c, clk := newClockedLRU(10)
		_, _ = c.IncrementCounter(ctx, tenantID, "a", time.Minute)
		clk.Advance(time.Hour)
		_, _ = c.IncrementCounter(ctx, tenantID, "b", time.Minute)

		if len(c.counters) != 1 {
			t.Errorf("expected 1 live counter, got %d", len(c.counters))
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small := NewLRUCache(3)
		_ = small.Set(ctx, tenantID, "a", []byte("1"), time.Minute)
		_ = small.Set(ctx, tenantID, "b", []byte("2"), time.Minute)
		_ = small.Set(ctx, tenantID, "c", []byte("3"), time.Minute)

		// Touch "a" so "b" becomes least recently used
		_, _ = small.Get(ctx, tenantID, "a")
		_ = small.Set(ctx, tenantID, "d", []byte("4"), time.Minute)

		if val, _ := small.Get(ctx, tenantID, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := small.Get(ctx, tenantID, "a"); val == nil {
			t.Error("expected 'a' to survive")
		}

		size, capacity := small.Stats()
		if size != 3 || capacity != 3 {
			t.Errorf("expected size 3/3, got %d/%d", size, capacity)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, tenantID, "k", []byte("v"), time.Minute)

		if err := testCache.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}

		if val, _ := testCache.Get(ctx, tenantID, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestSnapshotCaching(t *testing.T) {
	ctx := context.Background()
	cache := NewLRUCache(10)
	rating := 4.2

	snapshot := &domain.ProviderMetricsSnapshot{
		ProviderID: "prov-001",
		TrustScore: 88,
		Bookings: domain.BookingStats{
			AllTime: domain.BookingWindow{Total: 10, Completed: 9, Cancelled: 1},
		},
		Reviews:   domain.ReviewStats{Total: 3, AverageRating: &rating},
		Refunds:   domain.RefundStats{Total: 1, Amount: decimal.RequireFromString("12.50")},
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		AsOf:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	if err := cache.SetSnapshot(ctx, "tenant-001", snapshot, time.Minute); err != nil {
		t.Fatalf("SetSnapshot failed: %v", err)
	}

	got, err := cache.GetSnapshot(ctx, "tenant-001", "prov-001")
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected cached snapshot")
	}
	if got.Bookings.AllTime != snapshot.Bookings.AllTime {
		t.Errorf("bookings = %+v, want %+v", got.Bookings.AllTime, snapshot.Bookings.AllTime)
	}
	if !got.HasRating() || *got.Reviews.AverageRating != rating {
		t.Errorf("expected rating %.1f to survive caching", rating)
	}
	if !got.Refunds.Amount.Equal(snapshot.Refunds.Amount) {
		t.Errorf("expected refund amount %s, got %s", snapshot.Refunds.Amount, got.Refunds.Amount)
	}

	miss, err := cache.GetSnapshot(ctx, "tenant-001", "prov-404")
	if err != nil || miss != nil {
		t.Errorf("expected nil, nil on miss; got %v, %v", miss, err)
	}

	if err := cache.SetSnapshot(ctx, "tenant-001", &domain.ProviderMetricsSnapshot{}, time.Minute); err == nil {
		t.Error("expected error for snapshot without providerId")
	}
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"
	remote := NewLRUCache(100)
	tp := newTwoPhase(NewLRUCache(100), remote, time.Minute)

	t.Run("PopulatesL1OnL2Hit", func(t *testing.T) {
		_ = remote.Set(ctx, tenantID, "k", []byte("v"), time.Hour)

		val, err := tp.Get(ctx, tenantID, "k")
		if err != nil || string(val) != "v" {
			t.Fatalf("expected 'v', got %q (%v)", val, err)
		}

		if local, _ := tp.local.Get(ctx, tenantID, "k"); string(local) != "v" {
			t.Error("expected L1 to be populated")
		}
	})

	t.Run("WritesBothLayers", func(t *testing.T) {
		_ = tp.Set(ctx, tenantID, "w", []byte("x"), time.Hour)

		if val, _ := remote.Get(ctx, tenantID, "w"); string(val) != "x" {
			t.Error("expected L2 write")
		}

		_ = tp.Delete(ctx, tenantID, "w")
		if val, _ := remote.Get(ctx, tenantID, "w"); val != nil {
			t.Error("expected L2 delete")
		}
	})

	t.Run("CountersUseL2", func(t *testing.T) {
		_, _ = tp.IncrementCounter(ctx, tenantID, "c", time.Minute)
		got, _ := remote.IncrementCounter(ctx, tenantID, "c", time.Minute)
		if got != 2 {
			t.Errorf("expected shared counter value 2, got %d", got)
		}
	})

	t.Run("Snapshots", func(t *testing.T) {
		s := &domain.ProviderMetricsSnapshot{ProviderID: "prov-9", TrustScore: 70}
		if err := tp.SetSnapshot(ctx, tenantID, s, time.Minute); err != nil {
			t.Fatalf("SetSnapshot failed: %v", err)
		}
		got, err := remote.GetSnapshot(ctx, tenantID, "prov-9")
		if err != nil || got == nil || got.TrustScore != 70 {
			t.Errorf("expected snapshot in L2, got %v (%v)", got, err)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := tp.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestRedisKey(t *testing.T) {
	key, err := redisKey("tenant-001", SnapshotKey("prov-1"))
	if err != nil {
		t.Fatalf("redisKey failed: %v", err)
	}
	if key != "harrier:tenant-001:snapshot:prov-1" {
		t.Errorf("unexpected key %q", key)
	}
}

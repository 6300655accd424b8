package velocity

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/fraudwatch/kestrel/internal/cache"
	"github.com/fraudwatch/kestrel/internal/domain"
	"github.com/fraudwatch/kestrel/internal/repository"
)

func TestVelocityService(t *testing.T) {
	// Create temp database
	tmpFile, err := os.CreateTemp("", "velocity-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	svc := NewService(repo, lruCache)

	ctx := context.Background()
	tenantID := "tenant-001"
	key := "domain:phish.example"

	t.Run("EmptyDatabase", func(t *testing.T) {
		count, err := svc.CountForKey(ctx, tenantID, key, time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 for empty database, got %d", count)
		}
	})

	t.Run("CountsKeyReferences", func(t *testing.T) {
		now := time.Now().UTC()
		for i := 0; i < 5; i++ {
			signalID := fmt.Sprintf("sig-%d", i)
			sig := &domain.Signal{
				ID:        signalID,
				TenantID:  tenantID,
				Channel:   domain.ChannelEmail,
				Sender:    "alerts@phish.example",
				Timestamp: now,
				CreatedAt: now,
			}
			if err := repo.SaveSignal(ctx, tenantID, sig); err != nil {
				t.Fatalf("SaveSignal failed: %v", err)
			}
			if err := repo.SaveSignalKeys(ctx, tenantID, signalID, []string{key}, now); err != nil {
				t.Fatalf("SaveSignalKeys failed: %v", err)
			}
		}

		count, err := svc.CountForKey(ctx, tenantID, key, time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 5 {
			t.Errorf("expected count 5, got %d", count)
		}
	})

	t.Run("WindowExcludesOldSignals", func(t *testing.T) {
		old := time.Now().UTC().Add(-48 * time.Hour)
		if err := repo.SaveSignal(ctx, tenantID, &domain.Signal{
			ID:        "sig-old",
			TenantID:  tenantID,
			Channel:   domain.ChannelEmail,
			Timestamp: old,
			CreatedAt: old,
		}); err != nil {
			t.Fatalf("SaveSignal failed: %v", err)
		}
		if err := repo.SaveSignalKeys(ctx, tenantID, "sig-old", []string{key}, old); err != nil {
			t.Fatalf("SaveSignalKeys failed: %v", err)
		}

		// A 1h window skips the 48h-old signal.
		count, _ := svc.CountForKey(ctx, tenantID, key, time.Hour)
		if count != 5 {
			t.Errorf("expected count 5 inside 1h window, got %d", count)
		}

		// A 72h window includes it.
		count, _ = svc.CountForKey(ctx, tenantID, key, 72*time.Hour)
		if count != 6 {
			t.Errorf("expected count 6 inside 72h window, got %d", count)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		count, err := svc.CountForKey(ctx, "tenant-002", key, time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 for other tenant, got %d", count)
		}
	})

	t.Run("RequiresTenantAndKey", func(t *testing.T) {
		if _, err := svc.CountForKey(ctx, "", key, time.Hour); err == nil {
			t.Error("expected error for empty tenant")
		}
		if _, err := svc.CountForKey(ctx, tenantID, "", time.Hour); err == nil {
			t.Error("expected error for empty key")
		}
	})

	t.Run("GetterMatchesPolicySignature", func(t *testing.T) {
		getter := svc.Getter()
		count, err := getter(ctx, tenantID, key, time.Hour)
		if err != nil {
			t.Fatalf("getter failed: %v", err)
		}
		if count != 5 {
			t.Errorf("expected count 5 via getter, got %d", count)
		}
	})
}

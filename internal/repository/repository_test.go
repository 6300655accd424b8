package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/fraudwatch/kestrel/internal/domain"
)

func TestSQLiteRepository(t *testing.T) {
	// Create temp database file
	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	tenantID := "tenant-001"
	now := time.Now().UTC()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetSignal", func(t *testing.T) {
		sig := &domain.Signal{
			ID:         "sig-001",
			TenantID:   tenantID,
			Channel:    domain.ChannelEmail,
			Sender:     "alerts@phish.example",
			URLs:       []string{"https://phish.example/login"},
			Recipients: []string{"victim@corp.example"},
			Timestamp:  now,
			CreatedAt:  now,
			Metadata:   map[string]interface{}{"source": "api"},
		}

		if err := repo.SaveSignal(ctx, tenantID, sig); err != nil {
			t.Fatalf("SaveSignal failed: %v", err)
		}

		retrieved, err := repo.GetSignal(ctx, tenantID, sig.ID)
		if err != nil {
			t.Fatalf("GetSignal failed: %v", err)
		}

		if retrieved.ID != sig.ID {
			t.Errorf("expected ID %s, got %s", sig.ID, retrieved.ID)
		}
		if retrieved.Channel != domain.ChannelEmail {
			t.Errorf("expected channel email, got %s", retrieved.Channel)
		}
		if len(retrieved.URLs) != 1 || retrieved.URLs[0] != sig.URLs[0] {
			t.Errorf("expected URLs %v, got %v", sig.URLs, retrieved.URLs)
		}
		if retrieved.TenantID != tenantID {
			t.Errorf("expected TenantID %s, got %s", tenantID, retrieved.TenantID)
		}
	})

	t.Run("SaveSignalIdempotent", func(t *testing.T) {
		sig := &domain.Signal{
			ID:        "sig-001",
			TenantID:  tenantID,
			Channel:   domain.ChannelVoice, // replayed with a different channel
			Timestamp: now,
			CreatedAt: now,
		}

		if err := repo.SaveSignal(ctx, tenantID, sig); err != nil {
			t.Fatalf("replayed SaveSignal failed: %v", err)
		}

		// First write wins.
		retrieved, _ := repo.GetSignal(ctx, tenantID, "sig-001")
		if retrieved.Channel != domain.ChannelEmail {
			t.Errorf("expected original channel preserved, got %s", retrieved.Channel)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		if _, err := repo.GetSignal(ctx, "tenant-002", "sig-001"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound across tenants, got %v", err)
		}
	})

	t.Run("GetSignalNotFound", func(t *testing.T) {
		if _, err := repo.GetSignal(ctx, tenantID, "no-such-signal"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SignalKeysAndVelocity", func(t *testing.T) {
		keys := []string{"domain:phish.example", "recipient:victim@corp.example"}
		if err := repo.SaveSignalKeys(ctx, tenantID, "sig-001", keys, now); err != nil {
			t.Fatalf("SaveSignalKeys failed: %v", err)
		}
		// Duplicate insert is a no-op.
		if err := repo.SaveSignalKeys(ctx, tenantID, "sig-001", keys, now); err != nil {
			t.Fatalf("replayed SaveSignalKeys failed: %v", err)
		}

		count, err := repo.CountSignalsByKey(ctx, tenantID, "domain:phish.example", now.Add(-time.Hour))
		if err != nil {
			t.Fatalf("CountSignalsByKey failed: %v", err)
		}
		if count != 1 {
			t.Errorf("expected count 1, got %d", count)
		}

		// Outside the window.
		count, _ = repo.CountSignalsByKey(ctx, tenantID, "domain:phish.example", now.Add(time.Hour))
		if count != 0 {
			t.Errorf("expected count 0 outside window, got %d", count)
		}
	})

	t.Run("ListSignalRefs", func(t *testing.T) {
		sig2 := &domain.Signal{
			ID:        "sig-002",
			TenantID:  tenantID,
			Channel:   domain.ChannelVoice,
			CallerID:  "+15550102345",
			Timestamp: now.Add(time.Minute),
			CreatedAt: now.Add(time.Minute),
		}
		if err := repo.SaveSignal(ctx, tenantID, sig2); err != nil {
			t.Fatalf("SaveSignal failed: %v", err)
		}
		if err := repo.SaveSignalKeys(ctx, tenantID, "sig-002", []string{"phone:+15550102345"}, sig2.Timestamp); err != nil {
			t.Fatalf("SaveSignalKeys failed: %v", err)
		}

		refs, err := repo.ListSignalRefs(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListSignalRefs failed: %v", err)
		}
		if len(refs) != 2 {
			t.Fatalf("expected 2 refs, got %d", len(refs))
		}
		if refs[0].SignalID != "sig-001" || len(refs[0].Keys) != 2 {
			t.Errorf("unexpected first ref %+v", refs[0])
		}
		if refs[1].SignalID != "sig-002" || refs[1].Channel != domain.ChannelVoice {
			t.Errorf("unexpected second ref %+v", refs[1])
		}
	})

	t.Run("SaveAndGetDetection", func(t *testing.T) {
		rec := &domain.ExplanationRecord{
			ID:           "det-001",
			TenantID:     tenantID,
			SignalID:     "sig-001",
			UnifiedScore: 80.5,
			Band:         domain.BandCritical,
			Action:       domain.ActionBlock,
			Confidence:   0.61,
			CampaignID:   "domain:phish.example",
			Narrative:    "Risk score 80.5/100 (CRITICAL).",
			Timestamp:    now,
		}

		if err := repo.SaveDetection(ctx, tenantID, rec); err != nil {
			t.Fatalf("SaveDetection failed: %v", err)
		}

		// Lookup by detection id.
		got, err := repo.GetDetection(ctx, tenantID, "det-001")
		if err != nil {
			t.Fatalf("GetDetection by id failed: %v", err)
		}
		if got.UnifiedScore != 80.5 || got.Band != domain.BandCritical {
			t.Errorf("unexpected record %+v", got)
		}

		// Lookup by signal id serves replay.
		got, err = repo.GetDetection(ctx, tenantID, "sig-001")
		if err != nil {
			t.Fatalf("GetDetection by signal id failed: %v", err)
		}
		if got.ID != "det-001" {
			t.Errorf("expected detection det-001, got %s", got.ID)
		}

		if _, err := repo.GetDetection(ctx, "tenant-002", "det-001"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound across tenants, got %v", err)
		}
	})

	t.Run("CampaignNodes", func(t *testing.T) {
		node := &domain.CampaignNode{
			Key:       domain.CorrelationKey{Kind: domain.KeyDomain, Value: "phish.example"},
			FirstSeen: now,
			LastSeen:  now,
			SignalIDs: []string{"sig-001"},
		}
		if err := repo.UpsertCampaignNode(ctx, tenantID, node); err != nil {
			t.Fatalf("UpsertCampaignNode failed: %v", err)
		}

		// Refresh updates last_seen and signal list, keeps first_seen.
		node.LastSeen = now.Add(time.Hour)
		node.SignalIDs = []string{"sig-001", "sig-002"}
		if err := repo.UpsertCampaignNode(ctx, tenantID, node); err != nil {
			t.Fatalf("refresh UpsertCampaignNode failed: %v", err)
		}

		got, err := repo.GetCampaignNode(ctx, tenantID, "domain:phish.example")
		if err != nil {
			t.Fatalf("GetCampaignNode failed: %v", err)
		}
		if len(got.SignalIDs) != 2 {
			t.Errorf("expected 2 signal ids after refresh, got %v", got.SignalIDs)
		}
		if !got.FirstSeen.Equal(now) {
			t.Errorf("expected first_seen preserved, got %s", got.FirstSeen)
		}

		if _, err := repo.GetCampaignNode(ctx, tenantID, "malformed"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for malformed key, got %v", err)
		}

		nodes, err := repo.ListCampaignNodes(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListCampaignNodes failed: %v", err)
		}
		if len(nodes) != 1 {
			t.Errorf("expected 1 node, got %d", len(nodes))
		}
	})

	t.Run("CampaignEdges", func(t *testing.T) {
		edge := &domain.CampaignEdge{
			A:           "domain:phish.example",
			B:           "recipient:victim@corp.example",
			Reason:      domain.EdgeSharedRecipient,
			CreatedAt:   now,
			RefreshedAt: now,
		}
		if err := repo.UpsertCampaignEdge(ctx, tenantID, edge); err != nil {
			t.Fatalf("UpsertCampaignEdge failed: %v", err)
		}

		edge.RefreshedAt = now.Add(time.Hour)
		if err := repo.UpsertCampaignEdge(ctx, tenantID, edge); err != nil {
			t.Fatalf("refresh UpsertCampaignEdge failed: %v", err)
		}

		edges, err := repo.ListCampaignEdges(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListCampaignEdges failed: %v", err)
		}
		if len(edges) != 1 {
			t.Fatalf("expected 1 edge after refresh, got %d", len(edges))
		}
		if !edges[0].RefreshedAt.After(edges[0].CreatedAt) {
			t.Errorf("expected refreshed_at advanced, got %+v", edges[0])
		}
	})

	t.Run("AlertPolicies", func(t *testing.T) {
		p := &domain.AlertPolicy{
			ID:         "policy-001",
			Name:       "Critical band",
			Expression: `band == "CRITICAL"`,
			Enabled:    true,
		}
		if err := repo.SaveAlertPolicy(ctx, tenantID, p); err != nil {
			t.Fatalf("SaveAlertPolicy failed: %v", err)
		}

		policies, err := repo.ListAlertPolicies(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListAlertPolicies failed: %v", err)
		}
		if len(policies) != 1 || policies[0].ID != "policy-001" {
			t.Fatalf("unexpected policies %+v", policies)
		}

		// Update in place.
		p.Name = "Critical band v2"
		if err := repo.SaveAlertPolicy(ctx, tenantID, p); err != nil {
			t.Fatalf("update SaveAlertPolicy failed: %v", err)
		}
		policies, _ = repo.ListAlertPolicies(ctx, tenantID)
		if len(policies) != 1 || policies[0].Name != "Critical band v2" {
			t.Errorf("expected updated policy, got %+v", policies)
		}

		// Soft delete removes it from the enabled listing.
		if err := repo.DeleteAlertPolicy(ctx, tenantID, "policy-001"); err != nil {
			t.Fatalf("DeleteAlertPolicy failed: %v", err)
		}
		policies, _ = repo.ListAlertPolicies(ctx, tenantID)
		if len(policies) != 0 {
			t.Errorf("expected no enabled policies after delete, got %d", len(policies))
		}

		if err := repo.DeleteAlertPolicy(ctx, tenantID, "no-such-policy"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListTenants", func(t *testing.T) {
		node := &domain.CampaignNode{
			Key:       domain.CorrelationKey{Kind: domain.KeyPhone, Value: "+15550102345"},
			FirstSeen: now,
			LastSeen:  now,
		}
		if err := repo.UpsertCampaignNode(ctx, "tenant-002", node); err != nil {
			t.Fatalf("UpsertCampaignNode failed: %v", err)
		}

		tenants, err := repo.ListTenants(ctx)
		if err != nil {
			t.Fatalf("ListTenants failed: %v", err)
		}
		if len(tenants) != 2 {
			t.Fatalf("expected 2 tenants, got %v", tenants)
		}
		if tenants[0] != "tenant-001" || tenants[1] != "tenant-002" {
			t.Errorf("unexpected tenant order %v", tenants)
		}
	})

	t.Run("EmptyTenantID", func(t *testing.T) {
		if err := repo.SaveSignal(ctx, "", &domain.Signal{ID: "x"}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty tenant, got %v", err)
		}
		if _, err := repo.GetDetection(ctx, "", "det-001"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty tenant, got %v", err)
		}
	})
}

func TestSplitKey(t *testing.T) {
	cases := []struct {
		in    string
		kind  string
		value string
		ok    bool
	}{
		{"domain:phish.example", "domain", "phish.example", true},
		{"phone:+15550102345", "phone", "+15550102345", true},
		{"recipient:a@b.example", "recipient", "a@b.example", true},
		{"nokind", "", "", false},
		{":value", "", "", false},
		{"kind:", "", "", false},
	}

	for _, tc := range cases {
		kind, value, ok := splitKey(tc.in)
		if kind != tc.kind || value != tc.value || ok != tc.ok {
			t.Errorf("splitKey(%q): got (%q, %q, %v)", tc.in, kind, value, ok)
		}
	}
}

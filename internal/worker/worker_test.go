package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fraudwatch/kestrel/internal/bus"
	"github.com/fraudwatch/kestrel/internal/campaign"
	"github.com/fraudwatch/kestrel/internal/domain"
	"github.com/fraudwatch/kestrel/internal/explain"
	"github.com/fraudwatch/kestrel/internal/fusion"
	"github.com/fraudwatch/kestrel/internal/pipeline"
)

func newTestPipeline(t *testing.T, eventBus domain.EventBus) *pipeline.Pipeline {
	t.Helper()

	cfg := domain.DefaultConfig()
	fuser, err := fusion.NewEngine(cfg.Fusion)
	if err != nil {
		t.Fatalf("failed to create fusion engine: %v", err)
	}

	return pipeline.New(
		cfg,
		nil,
		fuser,
		campaign.NewCorrelator(cfg.Correlation),
		explain.New(cfg.Fusion.Actions),
		nil,
		nil,
		nil,
		eventBus,
		"test",
	)
}

func ptr(v float64) *float64 { return &v }

func signalMessage(t *testing.T, tenantID, signalID string) []byte {
	t.Helper()

	msg := SignalMessage{
		TenantID: tenantID,
		SignalID: signalID,
		Signal: domain.SignalRequest{
			Channel: domain.ChannelEmail,
			Sender:  "alerts@phish.example",
			DetectorResults: []domain.DetectorInput{
				{Module: "credential", Score: ptr(90)},
				{Module: "email_phishing", Score: ptr(70)},
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal signal message: %v", err)
	}
	return payload
}

func TestWorkerProcessesIngestedSignal(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	w := NewWorker(eventBus, newTestPipeline(t, eventBus))
	if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	defer w.Stop()

	ctx := context.Background()

	// The pipeline publishes a detection event once the signal is scored.
	var detections atomic.Int32
	var lastPayload atomic.Value
	eventBus.Subscribe(ctx, "tenant-001", domain.TopicDetection, func(ctx context.Context, msg *domain.Message) error {
		lastPayload.Store(msg.Payload)
		detections.Add(1)
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	if err := eventBus.Publish(ctx, "tenant-001", domain.TopicSignalIngested, signalMessage(t, "tenant-001", "sig-001")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for detections.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if detections.Load() != 1 {
		t.Fatalf("expected 1 detection event, got %d", detections.Load())
	}

	var rec domain.ExplanationRecord
	if err := json.Unmarshal(lastPayload.Load().([]byte), &rec); err != nil {
		t.Fatalf("failed to parse detection event: %v", err)
	}
	if rec.SignalID != "sig-001" {
		t.Errorf("expected signal id sig-001, got %s", rec.SignalID)
	}
	if rec.TenantID != "tenant-001" {
		t.Errorf("expected tenant id tenant-001, got %s", rec.TenantID)
	}
	if rec.Band == "" {
		t.Error("expected a risk band on the processed detection")
	}
}

func TestWorkerMalformedMessage(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	w := NewWorker(eventBus, newTestPipeline(t, eventBus))
	if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	defer w.Stop()

	ctx := context.Background()

	// A malformed payload is logged and dropped; the worker keeps running.
	eventBus.Publish(ctx, "tenant-001", domain.TopicSignalIngested, []byte("not json"))
	time.Sleep(50 * time.Millisecond)

	var detections atomic.Int32
	eventBus.Subscribe(ctx, "tenant-001", domain.TopicDetection, func(ctx context.Context, msg *domain.Message) error {
		detections.Add(1)
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	eventBus.Publish(ctx, "tenant-001", domain.TopicSignalIngested, signalMessage(t, "tenant-001", "sig-002"))

	deadline := time.Now().Add(2 * time.Second)
	for detections.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if detections.Load() != 1 {
		t.Errorf("expected worker to recover after malformed message, got %d detections", detections.Load())
	}
}

func TestWorkerStats(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	w := NewWorker(eventBus, newTestPipeline(t, eventBus))
	if err := w.Start(Config{TenantIDs: []string{"tenant-001", "tenant-002"}}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 2 {
		t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if w.GetStats().SubscriptionCount != 0 {
		t.Error("expected no subscriptions after stop")
	}
}

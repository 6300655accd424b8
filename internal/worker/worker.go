// Package worker provides async signal processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/fraudwatch/kestrel/internal/domain"
	"github.com/fraudwatch/kestrel/internal/pipeline"
)

// Worker consumes ingested signals from the EventBus and runs them
// through the detection pipeline.
type Worker struct {
	bus  domain.EventBus
	pipe *pipeline.Pipeline

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, pipe *pipeline.Pipeline) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		pipe:   pipe,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicSignalIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicSignalIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processSignal(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicSignalIngested,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processSignal(ctx, msg.TenantID, msg)
}

// SignalMessage is the message payload for async signal detection.
type SignalMessage struct {
	TenantID string                 `json:"tenantId"`
	TraceID  string                 `json:"traceId,omitempty"`
	SignalID string                 `json:"signalId"`
	Signal   domain.SignalRequest   `json:"signal"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// processSignal runs one ingested signal through the detection pipeline.
func (w *Worker) processSignal(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var sigMsg SignalMessage
	if err := json.Unmarshal(msg.Payload, &sigMsg); err != nil {
		slog.Error("failed to parse signal message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if sigMsg.TenantID != "" {
		tenantID = sigMsg.TenantID
	}

	traceID := sigMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing signal",
		"signal_id", sigMsg.SignalID,
		"tenant_id", tenantID,
		"trace_id", traceID,
	)

	sig := sigMsg.Signal.ToSignal(tenantID, sigMsg.SignalID)

	result, err := w.pipe.Process(ctx, tenantID, sig, sigMsg.Signal.DetectorResults, traceID)
	if err != nil {
		slog.Error("signal detection failed",
			"signal_id", sigMsg.SignalID,
			"error", err,
		)
		return err
	}

	slog.Info("signal processed",
		"signal_id", sigMsg.SignalID,
		"tenant_id", tenantID,
		"score", result.Record.UnifiedScore,
		"band", result.Record.Band,
		"replayed", result.Replayed,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}

// Package pipeline runs the full detection flow for a signal: detector
// fan-out, score fusion, campaign correlation, explanation, persistence,
// policy evaluation, and event publication. The API handler and the
// async worker share this path.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fraudwatch/kestrel/internal/campaign"
	"github.com/fraudwatch/kestrel/internal/detector"
	"github.com/fraudwatch/kestrel/internal/domain"
	"github.com/fraudwatch/kestrel/internal/explain"
	"github.com/fraudwatch/kestrel/internal/fusion"
	"github.com/fraudwatch/kestrel/internal/policy"
)

// Pipeline wires the detection stages together. Repository, cache, bus
// and policies are optional; a nil dependency skips its stage.
type Pipeline struct {
	cfg        *domain.Config
	registry   *detector.Registry
	fuser      *fusion.Engine
	correlator *campaign.Correlator
	explainer  *explain.Explainer
	policies   *policy.Engine
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	version    string
}

// New creates a detection pipeline.
func New(
	cfg *domain.Config,
	registry *detector.Registry,
	fuser *fusion.Engine,
	correlator *campaign.Correlator,
	explainer *explain.Explainer,
	policies *policy.Engine,
	repo domain.Repository,
	cache domain.Cache,
	bus domain.EventBus,
	version string,
) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		registry:   registry,
		fuser:      fuser,
		correlator: correlator,
		explainer:  explainer,
		policies:   policies,
		repo:       repo,
		cache:      cache,
		bus:        bus,
		version:    version,
	}
}

// Result is the outcome of a pipeline run.
type Result struct {
	Record   *domain.ExplanationRecord
	Campaign *domain.CampaignView
	Matches  []domain.PolicyMatch
	Replayed bool
}

// Process runs the detection flow for a signal. Inline detector results
// carried on the request take precedence over registered detectors for
// the same module. Replayed signal IDs return the cached detection
// without mutating campaign state.
func (p *Pipeline) Process(ctx context.Context, tenantID string, sig *domain.Signal, inline []domain.DetectorInput, traceID string) (*Result, error) {
	start := time.Now()

	// Replay: a signal id already processed returns its original record.
	if p.cache != nil {
		if cached, err := p.cache.GetDetection(ctx, tenantID, sig.ID); err == nil && cached != nil {
			return &Result{Record: cached, Replayed: true}, nil
		}
	}
	if p.repo != nil {
		if prior, err := p.repo.GetDetection(ctx, tenantID, sig.ID); err == nil && prior != nil {
			return &Result{Record: prior, Replayed: true}, nil
		}
	}

	// Normalize inline results first; their modules are excluded from
	// the registry fan-out so a caller-provided score wins.
	results := detector.NormalizeAll(inline)
	skip := make(map[string]bool, len(results))
	for _, r := range results {
		skip[r.Module] = true
	}

	detectStart := time.Now()
	if p.registry != nil {
		results = append(results, p.registry.Run(ctx, sig, p.cfg.Correlation.DetectorTimeout, skip)...)
	}
	detectMs := time.Since(detectStart).Milliseconds()

	scores := make(map[string]float64)
	detectorsRun := 0
	for _, r := range results {
		if r.Available {
			scores[r.Module] = r.Score
			detectorsRun++
		}
	}

	fr, err := p.fuser.Fuse(sig.ID, results)
	if err != nil {
		return nil, err
	}

	// Correlate. Signals without extractable keys are scored standalone.
	var view *domain.CampaignView
	var mutation *campaign.Mutation
	keys := campaign.ExtractKeys(sig)
	if len(keys) == 0 {
		slog.Debug("signal has no correlation keys", "signal_id", sig.ID, "channel", sig.Channel)
	} else if p.correlator != nil {
		view, mutation, err = p.correlator.Observe(ctx, tenantID, sig, keys)
		if err != nil {
			return nil, err
		}
	}

	record := p.explainer.Explain(uuid.New().String(), sig, fr, scores, view)
	record.Metadata = domain.DetectionMetadata{
		TraceID:       traceID,
		DetectorsRun:  detectorsRun,
		DetectMs:      detectMs,
		TotalMs:       time.Since(start).Milliseconds(),
		EngineVersion: p.version,
	}

	p.persist(ctx, tenantID, sig, keys, record, mutation)

	matches := p.evaluatePolicies(ctx, tenantID, sig, record, view, keys)

	p.publish(ctx, tenantID, record, matches)

	if p.cache != nil {
		// Detections stay replayable for as long as the correlation window.
		if err := p.cache.SetDetection(ctx, tenantID, sig.ID, record, p.cfg.Correlation.Window); err != nil {
			slog.Warn("failed to cache detection", "signal_id", sig.ID, "error", err)
		}
	}

	return &Result{Record: record, Campaign: view, Matches: matches}, nil
}

// persist writes the signal, its keys, the detection record, and the
// graph mutation. Storage failures are logged, not fatal; the in-memory
// graph already holds the state and the caller still gets a verdict.
func (p *Pipeline) persist(ctx context.Context, tenantID string, sig *domain.Signal, keys []domain.CorrelationKey, record *domain.ExplanationRecord, mutation *campaign.Mutation) {
	if p.repo == nil {
		return
	}

	if err := p.repo.SaveSignal(ctx, tenantID, sig); err != nil {
		slog.Error("failed to save signal", "signal_id", sig.ID, "error", err)
	}

	if len(keys) > 0 {
		keyStrs := make([]string, len(keys))
		for i, k := range keys {
			keyStrs[i] = k.String()
		}
		if err := p.repo.SaveSignalKeys(ctx, tenantID, sig.ID, keyStrs, sig.Timestamp); err != nil {
			slog.Error("failed to save signal keys", "signal_id", sig.ID, "error", err)
		}
	}

	if err := p.repo.SaveDetection(ctx, tenantID, record); err != nil {
		slog.Error("failed to save detection", "signal_id", sig.ID, "error", err)
	}

	if mutation != nil {
		for _, n := range mutation.Nodes {
			if err := p.repo.UpsertCampaignNode(ctx, tenantID, n); err != nil {
				slog.Error("failed to persist campaign node", "key", n.Key.String(), "error", err)
			}
		}
		for _, e := range mutation.Edges {
			if err := p.repo.UpsertCampaignEdge(ctx, tenantID, e); err != nil {
				slog.Error("failed to persist campaign edge", "edge", e.ID(), "error", err)
			}
		}
	}
}

// evaluatePolicies runs the alert policies against the finished
// detection. The velocity key is the signal's first correlation key.
func (p *Pipeline) evaluatePolicies(ctx context.Context, tenantID string, sig *domain.Signal, record *domain.ExplanationRecord, view *domain.CampaignView, keys []domain.CorrelationKey) []domain.PolicyMatch {
	if p.policies == nil || p.policies.PoliciesCount() == 0 {
		return nil
	}

	input := &policy.EvaluateInput{
		TenantID:       tenantID,
		Score:          record.UnifiedScore,
		Band:           record.Band,
		Action:         record.Action,
		Confidence:     record.Confidence,
		Channel:        sig.Channel,
		Unavailable:    unavailableModules(record),
		VelocityWindow: p.cfg.Correlation.Window,
	}
	if len(keys) > 0 {
		input.VelocityKey = keys[0].String()
	}
	if view != nil {
		input.Coordinated = view.Coordinated
		input.Channels = view.Channels
		input.CampaignSize = view.SignalCount
	}

	matches, err := p.policies.Evaluate(ctx, input)
	if err != nil {
		slog.Error("policy evaluation failed", "signal_id", sig.ID, "error", err)
		return nil
	}
	return matches
}

// publish emits the detection event, and an alert event when any
// policy matched.
func (p *Pipeline) publish(ctx context.Context, tenantID string, record *domain.ExplanationRecord, matches []domain.PolicyMatch) {
	if p.bus == nil {
		return
	}

	payload, err := json.Marshal(record)
	if err != nil {
		slog.Error("failed to marshal detection event", "signal_id", record.SignalID, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, tenantID, domain.TopicDetection, payload); err != nil {
		slog.Warn("failed to publish detection event", "signal_id", record.SignalID, "error", err)
	}

	if len(matches) == 0 {
		return
	}

	alert := struct {
		Detection *domain.ExplanationRecord `json:"detection"`
		Matches   []domain.PolicyMatch      `json:"matches"`
	}{Detection: record, Matches: matches}

	alertPayload, err := json.Marshal(alert)
	if err != nil {
		slog.Error("failed to marshal alert event", "signal_id", record.SignalID, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, tenantID, domain.TopicAlert, alertPayload); err != nil {
		slog.Warn("failed to publish alert event", "signal_id", record.SignalID, "error", err)
	}
}

func unavailableModules(record *domain.ExplanationRecord) []string {
	if len(record.Unavailable) == 0 {
		return nil
	}
	out := make([]string, 0, len(record.Unavailable))
	for m := range record.Unavailable {
		out = append(out, m)
	}
	return out
}

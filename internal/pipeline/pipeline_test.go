package pipeline

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fraudwatch/kestrel/internal/bus"
	"github.com/fraudwatch/kestrel/internal/cache"
	"github.com/fraudwatch/kestrel/internal/campaign"
	"github.com/fraudwatch/kestrel/internal/detector"
	"github.com/fraudwatch/kestrel/internal/domain"
	"github.com/fraudwatch/kestrel/internal/explain"
	"github.com/fraudwatch/kestrel/internal/fusion"
	"github.com/fraudwatch/kestrel/internal/policy"
	"github.com/fraudwatch/kestrel/internal/repository"
)

type fixture struct {
	pipe *Pipeline
	repo domain.Repository
	bus  domain.EventBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-pipeline-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	cfg := domain.DefaultConfig()
	cfg.Repository.SQLitePath = tmpPath

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	fuser, err := fusion.NewEngine(cfg.Fusion)
	if err != nil {
		t.Fatalf("failed to create fusion engine: %v", err)
	}

	policies, err := policy.NewEngine(nil, 10)
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	t.Cleanup(func() { policies.Close() })
	if err := policies.LoadPolicies(policy.BuiltinPolicies()); err != nil {
		t.Fatalf("failed to load builtin policies: %v", err)
	}

	pipe := New(
		cfg,
		detector.NewRegistry(),
		fuser,
		campaign.NewCorrelator(cfg.Correlation),
		explain.New(cfg.Fusion.Actions),
		policies,
		repo,
		lru,
		eventBus,
		"test",
	)

	return &fixture{pipe: pipe, repo: repo, bus: eventBus}
}

func ptr(v float64) *float64 { return &v }

func criticalSignal(id string) *domain.Signal {
	now := time.Now().UTC()
	return &domain.Signal{
		ID:        id,
		TenantID:  "tenant-001",
		Channel:   domain.ChannelEmail,
		Sender:    "alerts@phish.example",
		Timestamp: now,
		CreatedAt: now,
	}
}

func criticalInline() []domain.DetectorInput {
	return []domain.DetectorInput{
		{Module: "credential", Score: ptr(90)},
		{Module: "ai_text", Score: ptr(78)},
		{Module: "email_phishing", Score: ptr(65)},
		{Module: "malware"}, // null score, unavailable
	}
}

func TestProcessFullFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var detections, alerts atomic.Int32
	f.bus.Subscribe(ctx, "tenant-001", domain.TopicDetection, func(ctx context.Context, msg *domain.Message) error {
		detections.Add(1)
		return nil
	})
	f.bus.Subscribe(ctx, "tenant-001", domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		alerts.Add(1)
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	res, err := f.pipe.Process(ctx, "tenant-001", criticalSignal("sig-001"), criticalInline(), "trace-001")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if res.Replayed {
		t.Error("first run must not be a replay")
	}
	rec := res.Record
	if rec.Band != domain.BandCritical {
		t.Errorf("expected CRITICAL band, got %s", rec.Band)
	}
	if rec.Action != domain.ActionBlock {
		t.Errorf("expected BLOCK action, got %s", rec.Action)
	}
	if rec.CampaignID != "domain:phish.example" {
		t.Errorf("expected campaign id domain:phish.example, got %q", rec.CampaignID)
	}
	if rec.Metadata.TraceID != "trace-001" || rec.Metadata.EngineVersion != "test" {
		t.Errorf("unexpected metadata %+v", rec.Metadata)
	}
	if _, excluded := rec.Unavailable["malware"]; !excluded {
		t.Errorf("expected malware excluded, got %v", rec.Unavailable)
	}

	// Critical band trips the builtin alert policy.
	if len(res.Matches) == 0 {
		t.Error("expected builtin critical-band policy to match")
	}

	// Persisted and retrievable by detection id and signal id.
	stored, err := f.repo.GetDetection(ctx, "tenant-001", rec.ID)
	if err != nil {
		t.Fatalf("detection not persisted: %v", err)
	}
	if stored.SignalID != "sig-001" {
		t.Errorf("unexpected stored record %+v", stored)
	}
	if _, err := f.repo.GetSignal(ctx, "tenant-001", "sig-001"); err != nil {
		t.Errorf("signal not persisted: %v", err)
	}

	// One detection event and one alert event.
	time.Sleep(50 * time.Millisecond)
	if detections.Load() != 1 {
		t.Errorf("expected 1 detection event, got %d", detections.Load())
	}
	if alerts.Load() != 1 {
		t.Errorf("expected 1 alert event, got %d", alerts.Load())
	}
}

func TestProcessReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.pipe.Process(ctx, "tenant-001", criticalSignal("sig-001"), criticalInline(), "trace-001")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	second, err := f.pipe.Process(ctx, "tenant-001", criticalSignal("sig-001"), criticalInline(), "trace-002")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if !second.Replayed {
		t.Error("expected replayed flag on second run")
	}
	if second.Record.ID != first.Record.ID {
		t.Errorf("replay must return the original record, got %s vs %s",
			second.Record.ID, first.Record.ID)
	}

	// The campaign graph holds exactly one signal.
	campaigns := f.pipe.correlator.Campaigns("tenant-001")
	if len(campaigns) != 1 || campaigns[0].SignalCount != 1 {
		t.Errorf("replay must not grow the campaign graph, got %+v", campaigns)
	}
}

func TestProcessNoDetectors(t *testing.T) {
	f := newFixture(t)

	inline := []domain.DetectorInput{
		{Module: "credential"},
		{Module: "url"},
	}

	_, err := f.pipe.Process(context.Background(), "tenant-001", criticalSignal("sig-001"), inline, "trace-001")
	if !errors.Is(err, fusion.ErrNoDetectors) {
		t.Errorf("expected ErrNoDetectors when every module is unavailable, got %v", err)
	}
}

func TestProcessKeylessSignal(t *testing.T) {
	f := newFixture(t)

	sig := criticalSignal("sig-001")
	sig.Sender = ""

	res, err := f.pipe.Process(context.Background(), "tenant-001", sig, criticalInline(), "trace-001")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if res.Campaign != nil {
		t.Errorf("expected no campaign view for keyless signal, got %+v", res.Campaign)
	}
	if res.Record.CampaignID != "" {
		t.Errorf("expected empty campaign id, got %q", res.Record.CampaignID)
	}
	if res.Record.Band != domain.BandCritical {
		t.Errorf("keyless signal must still be scored, got %s", res.Record.Band)
	}
}

// fixedDetector is a registered detector returning a constant score.
type fixedDetector struct {
	name  string
	score float64
}

func (d *fixedDetector) Name() string { return d.name }
func (d *fixedDetector) Detect(ctx context.Context, sig *domain.Signal) (domain.DetectorResult, error) {
	return domain.DetectorResult{Module: d.name, Score: d.score, Available: true}, nil
}

func TestProcessInlineWinsOverRegistry(t *testing.T) {
	f := newFixture(t)

	// Registered detector says 10, the caller supplied 90.
	f.pipe.registry.Register(&fixedDetector{name: domain.ModuleCredential, score: 10})
	f.pipe.registry.Register(&fixedDetector{name: domain.ModuleURL, score: 40})

	inline := []domain.DetectorInput{{Module: "credential", Score: ptr(90)}}

	res, err := f.pipe.Process(context.Background(), "tenant-001", criticalSignal("sig-001"), inline, "trace-001")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	var credentialScore float64
	for _, c := range res.Record.Contributions {
		if c.Module == domain.ModuleCredential {
			credentialScore = c.Score
		}
	}
	if credentialScore != 90 {
		t.Errorf("expected inline credential score 90 to win, got %f", credentialScore)
	}

	// The registered url detector still contributed.
	found := false
	for _, c := range res.Record.Contributions {
		if c.Module == domain.ModuleURL && c.Score == 40 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected url detector contribution, got %+v", res.Record.Contributions)
	}
}

func TestProcessCoordinatedCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sig1 := criticalSignal("sig-001")
	sig1.CallerID = "+1 555 010 2345"
	if _, err := f.pipe.Process(ctx, "tenant-001", sig1, criticalInline(), "trace-001"); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	sig2 := &domain.Signal{
		ID:        "sig-002",
		TenantID:  "tenant-001",
		Channel:   domain.ChannelVoice,
		CallerID:  "+1 (555) 010-2345",
		Timestamp: time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	res, err := f.pipe.Process(ctx, "tenant-001", sig2, criticalInline(), "trace-002")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if !res.Record.Coordinated {
		t.Error("expected coordinated campaign across email and voice")
	}
	if len(res.Record.CampaignChannels) != 2 {
		t.Errorf("expected 2 campaign channels, got %v", res.Record.CampaignChannels)
	}
	if len(res.Record.Timeline) != 2 {
		t.Errorf("expected 2 timeline entries, got %d", len(res.Record.Timeline))
	}
}

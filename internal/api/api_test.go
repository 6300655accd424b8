package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/fraudwatch/kestrel/internal/bus"
	"github.com/fraudwatch/kestrel/internal/cache"
	"github.com/fraudwatch/kestrel/internal/campaign"
	"github.com/fraudwatch/kestrel/internal/detector"
	"github.com/fraudwatch/kestrel/internal/domain"
	"github.com/fraudwatch/kestrel/internal/explain"
	"github.com/fraudwatch/kestrel/internal/fusion"
	"github.com/fraudwatch/kestrel/internal/pipeline"
	"github.com/fraudwatch/kestrel/internal/policy"
	"github.com/fraudwatch/kestrel/internal/repository"
)

// createTestServer wires a full server backed by a temp SQLite database,
// an in-memory cache, and a channel bus.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-api-*.db")
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

	correlator := campaign.NewCorrelator(cfg.Correlation)

	policies, err := policy.NewEngine(nil, 10)
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	t.Cleanup(func() { policies.Close() })
	policies.LoadPolicies(policy.BuiltinPolicies())

	pipe := pipeline.New(
		cfg,
		detector.NewRegistry(),
		fuser,
		correlator,
		explain.New(cfg.Fusion.Actions),
		policies,
		repo,
		lru,
		eventBus,
		"test-v1",
	)

	return NewServer(cfg.Server, repo, lru, eventBus, pipe, correlator, policies, "test-v1")
}

func ptrScore(v float64) *float64 { return &v }

func detectRequest() domain.SignalRequest {
	return domain.SignalRequest{
		Channel: domain.ChannelEmail,
		Sender:  "alerts@phish.example",
		URLs:    []string{"https://phish.example/login"},
		DetectorResults: []domain.DetectorInput{
			{Module: "credential", Score: ptrScore(90)},
			{Module: "ai_text", Score: ptrScore(78)},
			{Module: "email_phishing", Score: ptrScore(65)},
		},
	}
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "tenant-001")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestDetectEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("SuccessfulDetection", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/detect", detectRequest())

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp DetectResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if resp.DetectionID == "" || resp.SignalID == "" {
			t.Error("expected detectionId and signalId in response")
		}
		if resp.Band != domain.BandCritical {
			t.Errorf("expected CRITICAL band, got %s", resp.Band)
		}
		if resp.Action != domain.ActionBlock {
			t.Errorf("expected BLOCK action, got %s", resp.Action)
		}
		if resp.Narrative == "" {
			t.Error("expected narrative in response")
		}
		if resp.Campaign == nil || resp.Campaign.CampaignID != "domain:phish.example" {
			t.Errorf("expected campaign view, got %+v", resp.Campaign)
		}
		if len(resp.Matches) == 0 {
			t.Error("expected builtin critical-band policy match")
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp.Metadata.Version)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		body, _ := json.Marshal(detectRequest())
		req := httptest.NewRequest(http.MethodPost, "/detect", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		// No X-Tenant-ID header

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/detect", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingChannel", func(t *testing.T) {
		req := detectRequest()
		req.Channel = ""
		rr := doJSON(t, server, http.MethodPost, "/detect", req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownChannel", func(t *testing.T) {
		req := detectRequest()
		req.Channel = "telegram"
		rr := doJSON(t, server, http.MethodPost, "/detect", req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NoDetectors", func(t *testing.T) {
		req := detectRequest()
		req.DetectorResults = []domain.DetectorInput{
			{Module: "credential"}, // null score only
		}
		rr := doJSON(t, server, http.MethodPost, "/detect", req)

		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["code"] != "no_detectors" {
			t.Errorf("expected code no_detectors, got %q", resp["code"])
		}
	})

	t.Run("PinnedSignalIDReplay", func(t *testing.T) {
		req := detectRequest()
		req.Metadata = map[string]interface{}{"signalId": "pinned-001"}

		first := doJSON(t, server, http.MethodPost, "/detect", req)
		if first.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", first.Code)
		}

		second := doJSON(t, server, http.MethodPost, "/detect", req)
		if second.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", second.Code)
		}

		var resp DetectResponse
		json.Unmarshal(second.Body.Bytes(), &resp)
		if !resp.Replayed {
			t.Error("expected replayed flag on retried pinned signal id")
		}
	})
}

func TestDetectionLookupEndpoints(t *testing.T) {
	server := createTestServer(t)

	req := detectRequest()
	req.Metadata = map[string]interface{}{"signalId": "sig-lookup"}
	rr := doJSON(t, server, http.MethodPost, "/detect", req)
	if rr.Code != http.StatusOK {
		t.Fatalf("detect failed: %d %s", rr.Code, rr.Body.String())
	}

	var resp DetectResponse
	json.Unmarshal(rr.Body.Bytes(), &resp)

	t.Run("GetDetectionByID", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/detections/"+resp.DetectionID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var rec domain.ExplanationRecord
		json.Unmarshal(rr.Body.Bytes(), &rec)
		if rec.SignalID != "sig-lookup" {
			t.Errorf("expected signal id sig-lookup, got %s", rec.SignalID)
		}
	})

	t.Run("GetDetectionBySignalID", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/detections/sig-lookup", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("GetDetectionNotFound", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/detections/no-such-id", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("GetSignal", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/signals/sig-lookup", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var sig domain.Signal
		json.Unmarshal(rr.Body.Bytes(), &sig)
		if sig.Sender != "alerts@phish.example" {
			t.Errorf("unexpected signal %+v", sig)
		}
	})

	t.Run("GetSignalNotFound", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/signals/no-such-id", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestCampaignEndpoints(t *testing.T) {
	server := createTestServer(t)

	if rr := doJSON(t, server, http.MethodPost, "/detect", detectRequest()); rr.Code != http.StatusOK {
		t.Fatalf("detect failed: %d", rr.Code)
	}

	t.Run("ListCampaigns", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/campaigns", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Campaigns []domain.CampaignStatus `json:"campaigns"`
			Count     int                     `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 campaign, got %d", resp.Count)
		}
	})

	t.Run("GetCampaign", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/campaigns/domain:phish.example", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var view domain.CampaignView
		json.Unmarshal(rr.Body.Bytes(), &view)
		if view.CampaignID != "domain:phish.example" {
			t.Errorf("unexpected campaign %+v", view)
		}
	})

	t.Run("GetCampaignNotFound", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/campaigns/domain:unknown.example", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ResetCampaigns", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/campaigns/reset", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		rr = doJSON(t, server, http.MethodGet, "/campaigns", nil)
		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 0 {
			t.Errorf("expected 0 campaigns after reset, got %d", resp.Count)
		}
	})
}

func TestPolicyEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("CreatePolicy", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/policies", CreatePolicyRequest{
			ID:         "api-policy-001",
			Name:       "High score alert",
			Expression: "score >= 70.0",
			Enabled:    true,
		})
		if rr.Code != http.StatusCreated {
			t.Errorf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("CreatePolicyInvalidExpression", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/policies", CreatePolicyRequest{
			ID:         "api-policy-002",
			Name:       "Broken",
			Expression: "!!! not CEL",
			Enabled:    true,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CreatePolicyMissingFields", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/policies", CreatePolicyRequest{
			ID: "only-id",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ListPolicies", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/policies", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Policies []domain.AlertPolicy `json:"policies"`
			Count    int                  `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		// 3 builtins plus the one created above.
		if resp.Count != 4 {
			t.Errorf("expected 4 loaded policies, got %d", resp.Count)
		}
	})

	t.Run("ReloadPolicies", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/policies/reload", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		// Only the database-backed policy survives a reload.
		rr = doJSON(t, server, http.MethodGet, "/policies", nil)
		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 policy after reload, got %d", resp.Count)
		}
	})

	t.Run("DeletePolicy", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodDelete, "/policies/api-policy-001", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		rr = doJSON(t, server, http.MethodDelete, "/policies/no-such-policy", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestIngestAsyncEndpoint(t *testing.T) {
	server := createTestServer(t)

	rr := doJSON(t, server, http.MethodPost, "/signals", detectRequest())
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["signalId"] == "" || resp["status"] != "queued" {
		t.Errorf("unexpected response %v", resp)
	}
}

func TestHealthEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("Health", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["status"] != "healthy" {
			t.Errorf("expected healthy status, got %q", resp["status"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fraudwatch/kestrel/internal/campaign"
	"github.com/fraudwatch/kestrel/internal/domain"
	"github.com/fraudwatch/kestrel/internal/fusion"
	"github.com/fraudwatch/kestrel/internal/pipeline"
	"github.com/fraudwatch/kestrel/internal/policy"
	"github.com/fraudwatch/kestrel/internal/repository"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	pipe       *pipeline.Pipeline
	correlator *campaign.Correlator
	policies   *policy.Engine
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, pipe *pipeline.Pipeline, correlator *campaign.Correlator, policies *policy.Engine, version string) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		pipe:       pipe,
		correlator: correlator,
		policies:   policies,
		version:    version,
	}
}

// DetectResponse is the response for POST /detect.
type DetectResponse struct {
	DetectionID   string                      `json:"detectionId"`
	SignalID      string                      `json:"signalId"`
	Score         float64                     `json:"score"`
	Band          domain.RiskBand             `json:"band"`
	Action        domain.Action               `json:"action"`
	Confidence    float64                     `json:"confidence"`
	TopFactors    []string                    `json:"topFactors,omitempty"`
	Narrative     string                      `json:"narrative"`
	Contributions []domain.ModuleContribution `json:"contributions"`
	Unavailable   map[string]string           `json:"unavailable,omitempty"`
	Campaign      *domain.CampaignView        `json:"campaign,omitempty"`
	Matches       []domain.PolicyMatch        `json:"policyMatches,omitempty"`
	Replayed      bool                        `json:"replayed,omitempty"`
	Metadata      struct {
		TraceID  string `json:"traceId"`
		IngestMs int64  `json:"ingestMs"`
		TotalMs  int64  `json:"totalMs"`
		Version  string `json:"version"`
	} `json:"metadata"`
}

// Detect handles POST /detect requests: synchronous detection of one
// signal through the full pipeline.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req domain.SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Channel == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "channel is required",
		})
		return
	}
	if !domain.ValidChannel(req.Channel) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown channel: " + string(req.Channel),
		})
		return
	}

	// Callers may pin the signal id for idempotent retries; otherwise
	// one is generated.
	signalID := ""
	if v, ok := req.Metadata["signalId"].(string); ok {
		signalID = v
	}
	if signalID == "" {
		signalID = uuid.New().String()
	}

	ingestMs := time.Since(start).Milliseconds()

	sig := req.ToSignal(tenantID, signalID)

	result, err := h.pipe.Process(ctx, tenantID, sig, req.DetectorResults, traceID)
	if err != nil {
		if errors.Is(err, fusion.ErrNoDetectors) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": "no detector produced a usable score",
				"code":  "no_detectors",
			})
			return
		}
		slog.Error("detection failed", "signal_id", signalID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "detection failed",
		})
		return
	}

	rec := result.Record

	resp := DetectResponse{
		DetectionID:   rec.ID,
		SignalID:      rec.SignalID,
		Score:         rec.UnifiedScore,
		Band:          rec.Band,
		Action:        rec.Action,
		Confidence:    rec.Confidence,
		TopFactors:    rec.TopFactors,
		Narrative:     rec.Narrative,
		Contributions: rec.Contributions,
		Unavailable:   rec.Unavailable,
		Campaign:      result.Campaign,
		Matches:       result.Matches,
		Replayed:      result.Replayed,
	}
	resp.Metadata.TraceID = traceID
	resp.Metadata.IngestMs = ingestMs
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// IngestAsync handles POST /signals: enqueue a signal for async
// detection via the event bus (Pro tier).
func (h *Handler) IngestAsync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	var req domain.SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if !domain.ValidChannel(req.Channel) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown channel: " + string(req.Channel),
		})
		return
	}

	signalID := uuid.New().String()

	msg := struct {
		TenantID string               `json:"tenantId"`
		TraceID  string               `json:"traceId,omitempty"`
		SignalID string               `json:"signalId"`
		Signal   domain.SignalRequest `json:"signal"`
	}{TenantID: tenantID, TraceID: traceID, SignalID: signalID, Signal: req}

	payload, err := json.Marshal(msg)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to encode signal",
		})
		return
	}

	if err := h.bus.Publish(ctx, tenantID, domain.TopicSignalIngested, payload); err != nil {
		slog.Error("failed to publish signal", "signal_id", signalID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to enqueue signal",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"signalId": signalID,
		"status":   "queued",
	})
}

// GetDetection retrieves a detection by detection id or signal id.
func (h *Handler) GetDetection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	detectionID := chi.URLParam(r, "id")

	if detectionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "detection id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	rec, err := h.repo.GetDetection(ctx, tenantID, detectionID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get detection", "id", detectionID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "detection not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// GetSignal retrieves a signal by ID.
func (h *Handler) GetSignal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	signalID := chi.URLParam(r, "id")

	if signalID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "signal id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	sig, err := h.repo.GetSignal(ctx, tenantID, signalID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get signal", "id", signalID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "signal not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, sig)
}

// ListCampaigns returns all live campaigns for the tenant, largest first.
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	campaigns := h.correlator.Campaigns(tenantID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaigns": campaigns,
		"count":     len(campaigns),
	})
}

// GetCampaign returns the full campaign view for a member node key.
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	key := chi.URLParam(r, "id")

	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "campaign id is required",
		})
		return
	}

	view := h.correlator.Graph(tenantID).View(key)
	if view == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "campaign not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// ResetCampaigns clears the tenant's campaign graph.
func (h *Handler) ResetCampaigns(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	h.correlator.Reset(tenantID)

	slog.Info("campaign graph reset", "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "campaign graph reset",
	})
}

// ListPolicies returns the alert policies loaded in the engine.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	loaded := h.policies.GetLoadedPolicies()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": loaded,
		"count":    len(loaded),
		"source":   "database",
	})
}

// CreatePolicyRequest is the request body for creating an alert policy.
type CreatePolicyRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Enabled     bool   `json:"enabled"`
}

// CreatePolicy creates an alert policy and saves it to the database.
// Policies are saved per tenant. After saving, call POST
// /policies/reload to hot-reload into the engine.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	cfg := &domain.AlertPolicy{
		ID:          req.ID,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Enabled:     req.Enabled,
	}

	// Validate CEL expression by attempting to load
	if err := h.policies.LoadPolicy(cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveAlertPolicy(ctx, tenantID, cfg); err != nil {
			slog.Error("failed to save alert policy", "id", cfg.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save policy",
			})
			return
		}
	}

	slog.Info("alert policy created", "id", cfg.ID, "name", cfg.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"policy":  cfg,
		"message": "Policy created. Call POST /policies/reload to apply changes.",
	})
}

// DeletePolicy disables a policy and unloads it from the engine.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	policyID := chi.URLParam(r, "id")

	if policyID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "policy id is required",
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.DeleteAlertPolicy(ctx, tenantID, policyID); err != nil {
			slog.Error("failed to delete alert policy", "id", policyID, "error", err)
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "policy not found",
			})
			return
		}
	}

	h.policies.RemovePolicy(policyID)

	slog.Info("alert policy deleted", "id", policyID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "policy deleted",
	})
}

// ReloadPolicies reloads all policies from the database into the engine.
func (h *Handler) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	dbPolicies, err := h.repo.ListAlertPolicies(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list policies from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load policies from database",
		})
		return
	}

	if err := h.policies.ReloadPolicies(dbPolicies); err != nil {
		slog.Error("failed to reload policies into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload policies: " + err.Error(),
		})
		return
	}

	slog.Info("policies reloaded from database", "count", len(dbPolicies))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "policies reloaded successfully",
		"count":   len(dbPolicies),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

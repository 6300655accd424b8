package domain

import "time"

// ExplanationRecord is the canonical detection result: unified scoring,
// campaign linkage, and a human-auditable narrative consistent with both.
// Created once per detection request; read-only thereafter.
type ExplanationRecord struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	SignalID string `json:"signalId"`

	// Fusion outcome
	UnifiedScore float64  `json:"unifiedScore"`
	Band         RiskBand `json:"band"`
	Action       Action   `json:"action"`
	Confidence   float64  `json:"confidence"`

	// Contribution breakdown, sorted by contribution descending.
	Contributions []ModuleContribution `json:"contributions"`
	TopFactors    []string             `json:"topFactors"`
	Unavailable   map[string]string    `json:"unavailable,omitempty"`

	// Campaign linkage. CampaignID is empty when the signal carried no
	// correlation keys and was excluded from graph insertion.
	CampaignID       string          `json:"campaignId,omitempty"`
	Coordinated      bool            `json:"coordinated"`
	CampaignChannels []ChannelKind   `json:"campaignChannels,omitempty"`
	Timeline         []TimelineEntry `json:"timeline,omitempty"`
	CampaignSummary  string          `json:"campaignSummary,omitempty"`

	// Narrative is the deterministic templated explanation text.
	Narrative string `json:"narrative"`

	Timestamp time.Time         `json:"timestamp"`
	Metadata  DetectionMetadata `json:"metadata"`
}

// DetectionMetadata contains processing information.
type DetectionMetadata struct {
	TraceID       string `json:"traceId"`
	DetectorsRun  int    `json:"detectorsRun"`
	DetectMs      int64  `json:"detectMs"`
	TotalMs       int64  `json:"totalMs"`
	EngineVersion string `json:"engineVersion"`
}

package domain

// Canonical detector module names. Fusion weights are configured over
// this fixed set; unknown module names are rejected at normalization.
const (
	ModuleCredential    = "credential"
	ModuleAIText        = "ai_text"
	ModuleMalware       = "malware"
	ModuleEmailPhishing = "email_phishing"
	ModuleURL           = "url"
	ModuleInjection     = "injection"
)

// ModuleNames lists all detector modules in canonical (deterministic)
// evaluation order.
func ModuleNames() []string {
	return []string{
		ModuleCredential,
		ModuleAIText,
		ModuleMalware,
		ModuleEmailPhishing,
		ModuleURL,
		ModuleInjection,
	}
}

// DetectorInput is the inbound wire contract from external detectors.
// A null score means the module is unavailable for this signal.
type DetectorInput struct {
	Module     string                 `json:"module"`
	Score      *float64               `json:"score"`
	Confidence *float64               `json:"confidence,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// DetectorResult is the normalized per-module output consumed by fusion.
// Availability is a tagged state, never an error crossing the fusion
// boundary: an unavailable module is excluded with weight renormalization.
type DetectorResult struct {
	Module     string                 `json:"module"`
	Score      float64                `json:"score"`
	Available  bool                   `json:"available"`
	Reason     string                 `json:"reason,omitempty"` // why unavailable
	Confidence float64                `json:"confidence,omitempty"`
	Evidence   map[string]interface{} `json:"evidence,omitempty"`
}

// Unavailable constructs an unavailable result for a module.
func Unavailable(module, reason string) DetectorResult {
	return DetectorResult{Module: module, Available: false, Reason: reason}
}

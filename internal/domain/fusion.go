package domain

// RiskBand is the ordered risk classification derived from the unified score.
type RiskBand string

const (
	BandLow      RiskBand = "LOW"
	BandMedium   RiskBand = "MEDIUM"
	BandHigh     RiskBand = "HIGH"
	BandCritical RiskBand = "CRITICAL"
)

// Rank returns the ordinal severity of a band (LOW=0 .. CRITICAL=3).
func (b RiskBand) Rank() int {
	switch b {
	case BandMedium:
		return 1
	case BandHigh:
		return 2
	case BandCritical:
		return 3
	default:
		return 0
	}
}

// Action is the recommended operator action for a risk band.
type Action string

const (
	ActionBlock    Action = "BLOCK"
	ActionEscalate Action = "ESCALATE"
	ActionWarn     Action = "WARN"
	ActionVerify   Action = "VERIFY"
)

// FusionResult is the unified scoring output for one signal. Created once
// per signal by the fusion engine; immutable.
type FusionResult struct {
	SignalID     string   `json:"signalId"`
	UnifiedScore float64  `json:"unifiedScore"` // 0-100
	Band         RiskBand `json:"band"`

	// Contributions maps module name to its weighted contribution.
	// The contributions of available modules sum to the unified score.
	Contributions map[string]float64 `json:"contributions"`

	// Weights holds the renormalized weights actually applied (sum 1.0
	// over the available module set).
	Weights map[string]float64 `json:"weights"`

	// Available lists modules that produced a usable score, in canonical
	// order. Unavailable maps excluded modules to the exclusion reason.
	Available   []string          `json:"available"`
	Unavailable map[string]string `json:"unavailable,omitempty"`

	// Confidence expresses distance from the ambiguous mid-range (0-1).
	Confidence float64 `json:"confidence"`
}

// ModuleContribution is one row of the explanation contribution breakdown.
type ModuleContribution struct {
	Module       string  `json:"module"`
	Label        string  `json:"label"`
	Score        float64 `json:"score"`
	Weight       float64 `json:"weight"`       // renormalized weight used
	Contribution float64 `json:"contribution"` // weight * score
	Percent      float64 `json:"percent"`      // share of unified score
}

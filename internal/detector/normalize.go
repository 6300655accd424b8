package detector

import (
	"log/slog"
	"math"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// aliasMap accepts flexible module naming from external detectors.
var aliasMap = map[string]string{
	"credentials":      domain.ModuleCredential,
	"credential_score": domain.ModuleCredential,
	"ai-text":          domain.ModuleAIText,
	"ai_text_score":    domain.ModuleAIText,
	"malware_score":    domain.ModuleMalware,
	"phishing":         domain.ModuleEmailPhishing,
	"email-phishing":   domain.ModuleEmailPhishing,
	"malicious_url":    domain.ModuleURL,
	"url_score":        domain.ModuleURL,
	"prompt_injection": domain.ModuleInjection,
	"injection_score":  domain.ModuleInjection,
}

// CanonicalModule resolves a detector-supplied module name to its
// canonical form. Returns "" for unknown names.
func CanonicalModule(name string) string {
	if knownModule(name) {
		return name
	}
	if canonical, ok := aliasMap[name]; ok {
		return canonical
	}
	return ""
}

// Normalize validates one inbound detector result. Out-of-range scores
// are clamped to [0,100], not rejected; null, NaN, or infinite scores and
// unknown module names mark the module unavailable. Unavailability is
// logged for observability, never raised.
func Normalize(in domain.DetectorInput) domain.DetectorResult {
	module := CanonicalModule(in.Module)
	if module == "" {
		slog.Warn("detector result dropped", "module", in.Module, "reason", "unknown module")
		return domain.Unavailable(in.Module, "unknown module")
	}

	if in.Score == nil {
		slog.Warn("detector unavailable", "module", module, "reason", "null score")
		return domain.Unavailable(module, "score not provided")
	}

	score := *in.Score
	if math.IsNaN(score) || math.IsInf(score, 0) {
		slog.Warn("detector unavailable", "module", module, "reason", "non-finite score")
		return domain.Unavailable(module, "malformed score")
	}

	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}

	var confidence float64
	if in.Confidence != nil && !math.IsNaN(*in.Confidence) {
		confidence = clampUnit(*in.Confidence)
	}

	return domain.DetectorResult{
		Module:     module,
		Score:      score,
		Available:  true,
		Confidence: confidence,
		Evidence:   in.Metadata,
	}
}

// NormalizeAll normalizes a batch of inbound results. Later entries for
// the same module win, matching at-most-once detector invocation.
func NormalizeAll(inputs []domain.DetectorInput) []domain.DetectorResult {
	seen := make(map[string]int, len(inputs))
	out := make([]domain.DetectorResult, 0, len(inputs))

	for _, in := range inputs {
		r := Normalize(in)
		if idx, dup := seen[r.Module]; dup {
			out[idx] = r
			continue
		}
		seen[r.Module] = len(out)
		out = append(out, r)
	}
	return out
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

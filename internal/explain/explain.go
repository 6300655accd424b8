// Package explain turns fusion and campaign results into an auditable
// explanation record with a deterministic templated narrative.
package explain

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// moduleLabels maps module names to human-readable factor labels.
var moduleLabels = map[string]string{
	domain.ModuleCredential:    "Credential Exposure",
	domain.ModuleAIText:        "AI-Generated Text",
	domain.ModuleMalware:       "Malware / Attachment",
	domain.ModuleEmailPhishing: "Email Phishing",
	domain.ModuleURL:           "Malicious URL",
	domain.ModuleInjection:     "Prompt Injection",
}

// topN is the number of leading factors surfaced in the narrative.
const topN = 3

// Explainer derives contribution percentages consistent with the fusion
// weights and renders the decision narrative. The action mapping is
// operator configuration, independent of fusion internals.
type Explainer struct {
	actions map[domain.RiskBand]domain.Action
}

// New creates an explainer with the given band-to-action mapping.
func New(actions map[domain.RiskBand]domain.Action) *Explainer {
	cp := make(map[domain.RiskBand]domain.Action, len(actions))
	for b, a := range actions {
		cp[b] = a
	}
	return &Explainer{actions: cp}
}

// Action returns the recommended action for a band.
func (e *Explainer) Action(band domain.RiskBand) domain.Action {
	if a, ok := e.actions[band]; ok {
		return a
	}
	return domain.ActionVerify
}

// Explain assembles the canonical detection record from the fusion
// result and the campaign view (nil when the signal carried no
// correlation keys). Scores carries the raw module scores used in fusion.
func (e *Explainer) Explain(id string, sig *domain.Signal, fr *domain.FusionResult, scores map[string]float64, view *domain.CampaignView) *domain.ExplanationRecord {
	contributions := e.contributions(fr, scores)

	top := make([]string, 0, topN)
	for _, c := range contributions {
		if len(top) == topN {
			break
		}
		if c.Percent <= 0 {
			continue
		}
		top = append(top, fmt.Sprintf("%s (%.0f%%)", c.Label, c.Percent))
	}

	action := e.Action(fr.Band)

	rec := &domain.ExplanationRecord{
		ID:            id,
		TenantID:      sig.TenantID,
		SignalID:      sig.ID,
		UnifiedScore:  fr.UnifiedScore,
		Band:          fr.Band,
		Action:        action,
		Confidence:    fr.Confidence,
		Contributions: contributions,
		TopFactors:    top,
		Unavailable:   fr.Unavailable,
		Timestamp:     time.Now().UTC(),
	}

	if view != nil {
		rec.CampaignID = view.CampaignID
		rec.Coordinated = view.Coordinated
		rec.CampaignChannels = view.Channels
		rec.Timeline = view.Timeline
		rec.CampaignSummary = campaignSummary(view)
	}

	rec.Narrative = narrative(rec)
	return rec
}

// contributions computes the per-module breakdown. The percentage of a
// module is its weighted contribution relative to the unified score;
// when the unified score is 0 all percentages report as 0 rather than
// causing a division fault.
func (e *Explainer) contributions(fr *domain.FusionResult, scores map[string]float64) []domain.ModuleContribution {
	out := make([]domain.ModuleContribution, 0, len(fr.Contributions))

	for _, m := range fr.Available {
		c := fr.Contributions[m]
		var pct float64
		if fr.UnifiedScore > 0 {
			pct = round1(c / fr.UnifiedScore * 100)
		}
		out = append(out, domain.ModuleContribution{
			Module:       m,
			Label:        Label(m),
			Score:        scores[m],
			Weight:       fr.Weights[m],
			Contribution: round1(c),
			Percent:      pct,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Contribution != out[j].Contribution {
			return out[i].Contribution > out[j].Contribution
		}
		return out[i].Module < out[j].Module
	})
	return out
}

// narrative renders the deterministic explanation text: band, leading
// factors, campaign linkage, and the recommended action.
func narrative(rec *domain.ExplanationRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Risk score %.1f/100 (%s).", rec.UnifiedScore, rec.Band)

	if len(rec.TopFactors) > 0 {
		fmt.Fprintf(&b, " Main contributing factors: %s.", strings.Join(rec.TopFactors, ", "))
	} else {
		b.WriteString(" No module reported a positive risk contribution.")
	}

	if len(rec.Unavailable) > 0 {
		names := make([]string, 0, len(rec.Unavailable))
		for m := range rec.Unavailable {
			names = append(names, m)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, " Excluded (unavailable): %s; remaining weights renormalized.", strings.Join(names, ", "))
	}

	if rec.CampaignID != "" {
		b.WriteString(" ")
		b.WriteString(rec.CampaignSummary)
	}

	fmt.Fprintf(&b, " Recommended action: %s.", rec.Action)
	return b.String()
}

// campaignSummary renders the correlation sentence for a campaign view.
func campaignSummary(view *domain.CampaignView) string {
	if view.Coordinated {
		names := make([]string, len(view.Channels))
		for i, c := range view.Channels {
			names[i] = string(c)
		}
		return fmt.Sprintf(
			"Coordinated campaign %s: %d signals across channels %s sharing %d identifiers.",
			view.CampaignID, view.SignalCount, strings.Join(names, ", "), view.NodeCount,
		)
	}
	if view.SignalCount > 1 {
		return fmt.Sprintf(
			"Linked to campaign %s (%d signals, single channel; not flagged as coordinated).",
			view.CampaignID, view.SignalCount,
		)
	}
	return fmt.Sprintf("No prior signals correlate with campaign %s.", view.CampaignID)
}

// Label returns the human-readable label for a module name.
func Label(module string) string {
	if l, ok := moduleLabels[module]; ok {
		return l
	}
	return module
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

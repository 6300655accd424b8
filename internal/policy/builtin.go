package policy

import (
	"time"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// BuiltinPolicies returns the default alert policies seeded on first
// startup when the tenant has none configured.
func BuiltinPolicies() []*domain.AlertPolicy {
	now := time.Now().UTC()
	return []*domain.AlertPolicy{
		{
			ID:          "builtin-critical-band",
			Name:        "Critical risk band",
			Description: "Alert on every detection landing in the critical band.",
			Expression:  `band == "CRITICAL"`,
			Enabled:     true,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		{
			ID:          "builtin-coordinated-campaign",
			Name:        "Coordinated multi-channel campaign",
			Description: "Alert when a high or critical signal belongs to a coordinated campaign.",
			Expression:  `coordinated && (band == "HIGH" || band == "CRITICAL")`,
			Enabled:     true,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		{
			ID:          "builtin-key-burst",
			Name:        "Correlation key burst",
			Description: "Alert when a single correlation key accumulates many signals in the window.",
			Expression:  `key_velocity >= 10 && score >= 40.0`,
			Enabled:     true,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
}

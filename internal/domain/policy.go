package domain

import "time"

// AlertPolicy is an operator-configurable predicate over detection
// results. Policies are CEL expressions evaluated after fusion and
// campaign correlation; a matching policy publishes the detection to the
// alert topic. Policy changes never touch scoring logic.
type AlertPolicy struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Expression is a CEL predicate over: score (double), band (string),
	// action (string), coordinated (bool), channels (list of string),
	// campaign_size (int), key_velocity (int).
	Expression string `json:"expression"`

	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// PolicyMatch records a policy that matched a detection.
type PolicyMatch struct {
	PolicyID string `json:"policyId"`
	Name     string `json:"name"`
}

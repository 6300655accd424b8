package domain

import "time"

// KeyKind classifies a correlation key.
type KeyKind string

const (
	KeyDomain    KeyKind = "domain"
	KeyPhone     KeyKind = "phone"
	KeyRecipient KeyKind = "recipient"
)

// CorrelationKey is a canonicalized identifier used to link signals.
type CorrelationKey struct {
	Kind  KeyKind `json:"kind"`
	Value string  `json:"value"`
}

// String returns the arena key in kind:value form.
func (k CorrelationKey) String() string {
	return string(k.Kind) + ":" + k.Value
}

// EdgeReason records why two nodes were linked.
type EdgeReason string

const (
	EdgeCoOccurrence    EdgeReason = "co-occurrence"
	EdgeFuzzyDomain     EdgeReason = "fuzzy-domain"
	EdgeSharedRecipient EdgeReason = "shared-recipient"
)

// CampaignNode is a correlation key observed in the graph. Created on
// first reference, updated on every subsequent reference, never deleted.
type CampaignNode struct {
	Key       CorrelationKey `json:"key"`
	FirstSeen time.Time      `json:"firstSeen"`
	LastSeen  time.Time      `json:"lastSeen"`
	SignalIDs []string       `json:"signalIds"`
}

// CampaignEdge links two campaign nodes. Edges are soft-deleted by TTL:
// an expired edge is excluded from component computation but remains
// queryable for audit.
type CampaignEdge struct {
	A           string     `json:"a"` // arena key of first node (lexicographically smaller)
	B           string     `json:"b"`
	Reason      EdgeReason `json:"reason"`
	CreatedAt   time.Time  `json:"createdAt"`
	RefreshedAt time.Time  `json:"refreshedAt"`
}

// ID returns the stable edge identifier.
func (e *CampaignEdge) ID() string {
	return e.A + "|" + e.B
}

// Expired reports whether the edge has outlived the correlation window
// at the given instant.
func (e *CampaignEdge) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(e.RefreshedAt) > window
}

// TimelineEntry is one signal's appearance in a campaign timeline.
type TimelineEntry struct {
	SignalID  string      `json:"signalId"`
	Channel   ChannelKind `json:"channel"`
	Timestamp time.Time   `json:"timestamp"`
	Keys      []string    `json:"keys"`
}

// CampaignView is the correlation verdict for one signal: the connected
// component (over non-expired edges) the signal's keys fall into.
// Derived on demand, never stored.
type CampaignView struct {
	CampaignID  string          `json:"campaignId"` // lexicographically smallest member node key
	Coordinated bool            `json:"coordinated"`
	Channels    []ChannelKind   `json:"channels"`
	SignalCount int             `json:"signalCount"`
	NodeCount   int             `json:"nodeCount"`
	SharedKeys  []string        `json:"sharedKeys"` // keys referenced by more than one signal
	Timeline    []TimelineEntry `json:"timeline"`
}

// SignalRef is the per-signal record kept by the graph for timeline
// construction, and the shape used to restore it after restart.
type SignalRef struct {
	SignalID  string      `json:"signalId"`
	Channel   ChannelKind `json:"channel"`
	Timestamp time.Time   `json:"timestamp"`
	Keys      []string    `json:"keys"` // arena keys (kind:value)
}

// CampaignStatus summarizes one live campaign for the status surface.
type CampaignStatus struct {
	CampaignID   string        `json:"campaignId"`
	SignalCount  int           `json:"signalCount"`
	NodeCount    int           `json:"nodeCount"`
	Channels     []ChannelKind `json:"channels"`
	Coordinated  bool          `json:"coordinated"`
	FirstSeen    time.Time     `json:"firstSeen"`
	LastActivity time.Time     `json:"lastActivity"`
}

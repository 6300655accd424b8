// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"
)

// ChannelKind identifies the channel a signal arrived on.
type ChannelKind string

const (
	ChannelEmail   ChannelKind = "email"
	ChannelURL     ChannelKind = "url"
	ChannelFile    ChannelKind = "file"
	ChannelVoice   ChannelKind = "voice"
	ChannelWebhook ChannelKind = "webhook"
)

// ValidChannel reports whether k is a known channel kind.
func ValidChannel(k ChannelKind) bool {
	switch k {
	case ChannelEmail, ChannelURL, ChannelFile, ChannelVoice, ChannelWebhook:
		return true
	}
	return false
}

// Signal represents one inbound fraud-relevant event from any channel.
// Correlation-relevant fields (sender, URLs, caller id) are already
// extracted by the ingestion adapters. Immutable once created.
type Signal struct {
	ID       string      `json:"id"`
	TenantID string      `json:"tenantId"`
	Channel  ChannelKind `json:"channel"`

	// Correlation-relevant identifiers
	Sender     string   `json:"sender,omitempty"`     // email sender address
	CallerID   string   `json:"callerId,omitempty"`   // phone number / caller id
	URLs       []string `json:"urls,omitempty"`       // URLs referenced by the event
	Recipients []string `json:"recipients,omitempty"` // recipient addresses

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Optional metadata (attachment names, subject line, etc.)
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SignalRequest is the API request payload for signal detection.
type SignalRequest struct {
	Channel    ChannelKind            `json:"channel"`
	Sender     string                 `json:"sender,omitempty"`
	CallerID   string                 `json:"callerId,omitempty"`
	URLs       []string               `json:"urls,omitempty"`
	Recipients []string               `json:"recipients,omitempty"`
	Timestamp  *time.Time             `json:"timestamp,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`

	// DetectorResults carries pre-computed module scores supplied by
	// the caller, in the inbound detector contract.
	DetectorResults []DetectorInput `json:"detectorResults,omitempty"`
}

// ToSignal converts a request to a Signal domain object.
func (r *SignalRequest) ToSignal(tenantID string, id string) *Signal {
	now := time.Now().UTC()
	ts := now
	if r.Timestamp != nil {
		ts = r.Timestamp.UTC()
	}
	return &Signal{
		ID:         id,
		TenantID:   tenantID,
		Channel:    r.Channel,
		Sender:     r.Sender,
		CallerID:   r.CallerID,
		URLs:       r.URLs,
		Recipients: r.Recipients,
		Timestamp:  ts,
		CreatedAt:  now,
		Metadata:   r.Metadata,
	}
}

package campaign

import (
	"net/url"
	"sort"
	"strings"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// ExtractKeys derives the canonicalized correlation keys for a signal:
// domains (from URLs and sender addresses), phone numbers / caller ids,
// and recipient addresses. Case and format variants of the same entity
// collide after canonicalization. Returns nil for a signal with no
// correlation-relevant fields; such signals are excluded from the graph.
func ExtractKeys(sig *domain.Signal) []domain.CorrelationKey {
	set := make(map[string]domain.CorrelationKey)

	add := func(k domain.CorrelationKey) {
		if k.Value != "" {
			set[k.String()] = k
		}
	}

	if d := CanonicalDomain(sig.Sender); d != "" {
		add(domain.CorrelationKey{Kind: domain.KeyDomain, Value: d})
	}
	for _, u := range sig.URLs {
		if d := CanonicalDomain(u); d != "" {
			add(domain.CorrelationKey{Kind: domain.KeyDomain, Value: d})
		}
	}
	if p := CanonicalPhone(sig.CallerID); p != "" {
		add(domain.CorrelationKey{Kind: domain.KeyPhone, Value: p})
	}
	for _, r := range sig.Recipients {
		if addr := canonicalAddress(r); addr != "" {
			add(domain.CorrelationKey{Kind: domain.KeyRecipient, Value: addr})
		}
	}

	if len(set) == 0 {
		return nil
	}

	keys := make([]domain.CorrelationKey, 0, len(set))
	for _, k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// CanonicalDomain extracts the lowercased host from a URL or email
// address. Ports and surrounding whitespace are stripped.
func CanonicalDomain(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}

	// Email address
	if strings.Contains(value, "@") && !strings.Contains(value, "://") {
		parts := strings.Split(value, "@")
		return strings.ToLower(strings.TrimSpace(parts[len(parts)-1]))
	}

	raw := value
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Hostname() == "" {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

// CanonicalPhone strips whitespace and punctuation from a phone number,
// keeping digits and a single leading plus.
func CanonicalPhone(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}

	var b strings.Builder
	for i, r := range value {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}

	out := b.String()
	if out == "" || out == "+" {
		return ""
	}
	return out
}

func canonicalAddress(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

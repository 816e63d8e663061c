// Package noise classifies inbound messages as genuine conversational
// content or ephemeral/system noise that must never reach the sync engine.
package noise

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/zapdesk/zapdesk/internal/transport"
)

// Type tags the network marks as system or ephemeral traffic.
var noiseTags = map[string]bool{
	"status_broadcast": true,
	"protocol_update":  true,
	"security_change":  true,
	"view_once":        true,
	"reaction":         true,
	"revoke":           true,
	"ephemeral":        true,
	"call_log":         true,
}

// Type tags that explicitly mark conversational content. An explicit content
// tag takes precedence over the textual heuristics below, so short replies
// phrased as structured types are never dropped.
var contentTags = map[string]bool{
	"text":     true,
	"image":    true,
	"video":    true,
	"audio":    true,
	"document": true,
	"sticker":  true,
	"contact":  true,
	"location": true,
}

// Bracket prefixes used by legacy payloads that carry no structured type tag.
var legacyMarkers = []string{
	"[status]",
	"[status broadcast]",
	"[protocol update]",
	"[security code changed]",
	"[view once]",
	"[one-time view]",
}

// statusBroadcastAddress is the pseudo-conversation the network uses for
// status feeds.
const statusBroadcastAddress = "status@broadcast"

// Policy controls address-based exclusions.
type Policy struct {
	// ExcludeUnmanagedGroups drops group traffic unless the group address
	// is listed in ManagedGroups.
	ExcludeUnmanagedGroups bool
	ManagedGroups          map[string]bool
}

// Filter is a pure, side-effect-free message classifier.
type Filter struct {
	policy Policy
}

// NewFilter creates a filter with the given policy.
func NewFilter(policy Policy) *Filter {
	return &Filter{policy: policy}
}

// IsNoise reports whether the message should be silently dropped.
func (f *Filter) IsNoise(ev transport.MessageEvent) bool {
	tag := strings.ToLower(ev.TypeTag)

	// Structured tags decide first, in both directions.
	if noiseTags[tag] {
		return true
	}
	if ev.Address == statusBroadcastAddress {
		return true
	}
	if ev.IsGroup && f.policy.ExcludeUnmanagedGroups && !f.policy.ManagedGroups[ev.Address] {
		return true
	}

	body := strings.TrimSpace(ev.Body)
	if body == "" {
		// Media content with an empty caption is still content.
		if ev.Media != nil || (contentTags[tag] && tag != "text") {
			return false
		}
		return true
	}

	if contentTags[tag] {
		// Explicit content tag: textual heuristics do not apply.
		return false
	}

	// Legacy payloads: marker prefixes, symbol-only bodies, and stray
	// reaction-like fragments.
	lower := strings.ToLower(body)
	for _, marker := range legacyMarkers {
		if strings.HasPrefix(lower, marker) {
			return true
		}
	}
	if symbolsOnly(body) {
		return true
	}
	if utf8.RuneCountInString(body) <= 3 && !strings.ContainsRune(body, ' ') {
		return true
	}
	return false
}

// symbolsOnly reports whether the body consists solely of emoji, symbols,
// and marks.
func symbolsOnly(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
		if unicode.IsSpace(r) {
			continue
		}
	}
	return true
}

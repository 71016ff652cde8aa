package selector

import (
	"github.com/unicitynetwork/unicity-orchestrator/internal/store"
)

// DefaultTrustBoost is the multiplicative bias applied to tools from
// trusted services: confidence × (1 + boost), clamped to 1.0.
const DefaultTrustBoost = 0.15

// UserFilter applies a user's blocked and trusted service lists to a
// candidate set. Anonymous users get the zero filter (no blocks, no
// trusts).
type UserFilter struct {
	blocked    map[string]bool
	trusted    map[string]bool
	trustBoost float64
}

// AllowAll returns the filter for anonymous users.
func AllowAll() *UserFilter {
	return &UserFilter{blocked: map[string]bool{}, trusted: map[string]bool{}, trustBoost: DefaultTrustBoost}
}

// FromPreferences builds a filter from stored user preferences.
func FromPreferences(prefs *store.Preferences) *UserFilter {
	f := AllowAll()
	if prefs == nil {
		return f
	}
	for _, name := range prefs.BlockedServices {
		f.blocked[name] = true
	}
	for _, name := range prefs.TrustedServices {
		f.trusted[name] = true
	}
	return f
}

// Blocked reports whether a service name is on the blocked list.
func (f *UserFilter) Blocked(serviceName string) bool { return f.blocked[serviceName] }

// Trusted reports whether a service name is on the trusted list.
func (f *UserFilter) Trusted(serviceName string) bool { return f.trusted[serviceName] }

// Apply removes blocked-service selections (unless includeBlocked) and
// multiplies trusted-service confidence by (1 + trustBoost), clamped to
// 1.0. Relative order of untouched entries is preserved.
func (f *UserFilter) Apply(selections []Selection, includeBlocked bool) []Selection {
	out := selections[:0]
	for _, sel := range selections {
		if !includeBlocked && f.blocked[sel.ServiceName] {
			continue
		}
		if f.trusted[sel.ServiceName] {
			sel.Confidence = clamp01(sel.Confidence * (1 + f.trustBoost))
			sel.Reasoning += "; trusted service boost"
		}
		out = append(out, sel)
	}
	return out
}

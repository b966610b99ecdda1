package channels

import "strings"

// Allowlist matches sender identities against the configured set. Matching
// is case-insensitive; "*" admits everyone; an empty list admits no one.
type Allowlist struct {
	entries []string
	all     bool
}

// NewAllowlist builds an allowlist from config entries.
func NewAllowlist(entries []string) *Allowlist {
	a := &Allowlist{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if e == "*" {
			a.all = true
			continue
		}
		a.entries = append(a.entries, strings.ToLower(e))
	}
	return a
}

// Allows reports whether sender is admitted.
func (a *Allowlist) Allows(sender string) bool {
	if a == nil {
		return false
	}
	if a.all {
		return true
	}
	sender = strings.ToLower(strings.TrimSpace(sender))
	if sender == "" {
		return false
	}
	for _, e := range a.entries {
		if e == sender {
			return true
		}
	}
	return false
}

// AllowsAny reports whether any of the candidate identities is admitted.
// Used by transports where one message carries several sender identities.
func (a *Allowlist) AllowsAny(candidates ...string) bool {
	for _, c := range candidates {
		if c != "" && a.Allows(c) {
			return true
		}
	}
	return false
}

// Add admits a new identity (used by pairing).
func (a *Allowlist) Add(identity string) {
	identity = strings.ToLower(strings.TrimSpace(identity))
	if identity == "" || a.Allows(identity) {
		return
	}
	a.entries = append(a.entries, identity)
}

// Empty reports whether no identities (and no wildcard) are configured.
func (a *Allowlist) Empty() bool {
	return a != nil && !a.all && len(a.entries) == 0
}

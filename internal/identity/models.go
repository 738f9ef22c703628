// Package identity resolves who is calling. It verifies bearer tokens
// offline, keeps a short-lived cache of resolved identities, and degrades to
// the token's embedded claims when the identity service is unreachable.
package identity

import "time"

// Identity is the resolved caller: either the identity service's current
// record (source of truth) or, in degraded mode, the token's embedded claims.
type Identity struct {
	SubjectID   string `json:"subjectId"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	Active      bool   `json:"isActive"`
}

// Resolution is the tagged outcome of a successful authentication, so callers
// and tests can assert on the exact path taken rather than a boolean soup.
type Resolution struct {
	Identity Identity
	// Degraded marks claims-fallback mode: the authority was unreachable and
	// the embedded claims were trusted with reduced confidence.
	Degraded bool
}

// record is one identity cache entry.
type record struct {
	identity Identity
	cachedAt time.Time
}

package models

import "time"

// Principal identifies the caller of a mutating operation, together with the
// request provenance captured for the audit trail. Authentication itself
// happens upstream; the engine only consumes the result.
type Principal struct {
	ID         string
	Roles      []string
	RemoteAddr string
	UserAgent  string
}

// HasRole reports whether the principal carries the named role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuditEntry is an immutable record of one mutating call, written inside the
// same storage transaction as the mutation itself so audit and effect can
// never diverge.
type AuditEntry struct {
	ID         string            `json:"id"`
	Action     string            `json:"action"`
	Actor      string            `json:"actor"`
	TargetType string            `json:"target_type"`
	TargetID   string            `json:"target_id"`
	Details    map[string]string `json:"details,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

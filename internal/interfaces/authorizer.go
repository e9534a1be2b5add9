package interfaces

import (
	"context"

	"github.com/sheikh-saqib/allocation-ledger/internal/models"
)

// Capability is a named permission checked before a mutating operation runs.
type Capability string

const (
	// CapWrite covers ordinary mutating calls: creating and completing
	// transactions, triggering reconciliation runs.
	CapWrite Capability = "write"

	// CapGuardian is the elevated capability required for rule
	// administration and reconciliation resolution.
	CapGuardian Capability = "guardian"
)

// Authorizer is the boundary to the authorization collaborator. The engine
// never inspects roles itself beyond this call.
type Authorizer interface {
	Authorize(ctx context.Context, principal models.Principal, capability Capability) error
}

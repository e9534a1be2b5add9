// Package auth is a minimal role-based implementation of the authorization
// boundary. Real deployments are expected to swap in their own Authorizer;
// the engine only depends on the interface.
package auth

import (
	"context"

	"github.com/sheikh-saqib/allocation-ledger/internal/interfaces"
	"github.com/sheikh-saqib/allocation-ledger/internal/ledgererr"
	"github.com/sheikh-saqib/allocation-ledger/internal/models"
)

// RoleGuardian grants CapGuardian (and everything below it).
const RoleGuardian = "guardian"

type RoleAuthorizer struct{}

func NewRoleAuthorizer() *RoleAuthorizer {
	return &RoleAuthorizer{}
}

// Authorize grants CapWrite to any identified principal and CapGuardian only
// to principals carrying the guardian role.
func (a *RoleAuthorizer) Authorize(ctx context.Context, principal models.Principal, capability interfaces.Capability) error {
	if principal.ID == "" {
		return &ledgererr.AuthorizationError{Principal: principal.ID, Capability: string(capability)}
	}
	switch capability {
	case interfaces.CapWrite:
		return nil
	case interfaces.CapGuardian:
		if principal.HasRole(RoleGuardian) {
			return nil
		}
	}
	return &ledgererr.AuthorizationError{Principal: principal.ID, Capability: string(capability)}
}

var _ interfaces.Authorizer = (*RoleAuthorizer)(nil)

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sheikh-saqib/allocation-ledger/internal/interfaces"
	"github.com/sheikh-saqib/allocation-ledger/internal/ledgererr"
	"github.com/sheikh-saqib/allocation-ledger/internal/models"
)

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	authz := NewRoleAuthorizer()

	anonymous := models.Principal{}
	user := models.Principal{ID: "bob"}
	admin := models.Principal{ID: "alice", Roles: []string{RoleGuardian}}

	cases := []struct {
		name       string
		principal  models.Principal
		capability interfaces.Capability
		allowed    bool
	}{
		{"anonymous write", anonymous, interfaces.CapWrite, false},
		{"anonymous guardian", anonymous, interfaces.CapGuardian, false},
		{"user write", user, interfaces.CapWrite, true},
		{"user guardian", user, interfaces.CapGuardian, false},
		{"guardian write", admin, interfaces.CapWrite, true},
		{"guardian guardian", admin, interfaces.CapGuardian, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := authz.Authorize(ctx, c.principal, c.capability)
			if c.allowed {
				assert.NoError(t, err)
				return
			}
			var authzErr *ledgererr.AuthorizationError
			assert.ErrorAs(t, err, &authzErr)
		})
	}
}

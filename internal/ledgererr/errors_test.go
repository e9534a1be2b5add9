package ledgererr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind string
	}{
		{"nil", nil, ""},
		{"already allocated", ErrAlreadyAllocated, "already_allocated"},
		{"wrapped already allocated", fmt.Errorf("allocate: %w", ErrAlreadyAllocated), "already_allocated"},
		{"not completed", ErrNotCompleted, "state"},
		{"not allocable", ErrNotAllocable, "state"},
		{"validation", Validation("amount must be positive"), "validation"},
		{"rule validation", &RuleValidationError{Reason: "percentages sum to 90"}, "rule_validation"},
		{"not found", NotFound("account", "a-1"), "not_found"},
		{"invalid transition", &InvalidTransitionError{From: "COMPLETED", To: "COMPLETED"}, "state"},
		{"configuration", &ConfigurationError{Scope: "*", Reason: "no active rule"}, "configuration"},
		{"atomicity", &AtomicityError{Err: errors.New("commit failed")}, "atomicity"},
		{"authorization", &AuthorizationError{Principal: "bob", Capability: "guardian"}, "authorization"},
		{"unclassified", errors.New("boom"), "internal"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.kind, Kind(c.err))
		})
	}
}

func TestAtomicityErrorUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := &AtomicityError{Err: cause}
	assert.ErrorIs(t, err, cause)
}

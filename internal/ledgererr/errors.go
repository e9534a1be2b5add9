package ledgererr

import (
	"errors"
	"fmt"
)

// Sentinel state errors shared between the transaction log and the
// allocation engine.
var (
	// ErrAlreadyAllocated means the parent transaction already has a set of
	// ALLOCATION children. A second attempt is an idempotent no-op.
	ErrAlreadyAllocated = errors.New("transaction already allocated")

	// ErrNotCompleted means allocation was requested for a transaction that
	// is not in COMPLETED status.
	ErrNotCompleted = errors.New("transaction is not completed")

	// ErrNotAllocable means the transaction type does not participate in
	// allocation (only incoming fund movements do).
	ErrNotAllocable = errors.New("transaction type is not allocable")

	// ErrIdempotencyConflict means another transaction already carries the
	// supplied idempotency key. The caller resolves it as a replay.
	ErrIdempotencyConflict = errors.New("idempotency key already used")
)

// ValidationError indicates caller-fixable bad input.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// Validation builds a ValidationError from a format string.
func Validation(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// RuleValidationError indicates a malformed allocation rule, caught at rule
// creation or update time, never during allocation itself.
type RuleValidationError struct {
	Reason string
}

func (e *RuleValidationError) Error() string {
	return "rule validation: " + e.Reason
}

// NotFoundError indicates a missing (or soft-disabled) entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// NotFound builds a NotFoundError for the given entity.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// InvalidTransitionError indicates an illegal lifecycle transition on a
// ledger transaction.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

// ConfigurationError indicates a missing or ambiguous active allocation rule.
// It is non-fatal to the parent transaction: completion stands, the
// transaction is simply left unallocated.
type ConfigurationError struct {
	Scope  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s (scope %q)", e.Reason, e.Scope)
}

// AtomicityError wraps an underlying storage transaction failure. The
// attempted operation was fully rolled back and is safe to retry.
type AtomicityError struct {
	Err error
}

func (e *AtomicityError) Error() string {
	return "atomicity: " + e.Err.Error()
}

func (e *AtomicityError) Unwrap() error {
	return e.Err
}

// AuthorizationError indicates the principal lacks a required capability.
type AuthorizationError struct {
	Principal  string
	Capability string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("principal %q lacks capability %q", e.Principal, e.Capability)
}

// Kind classifies an error into its taxonomy bucket, for audit details and
// HTTP status mapping. Unclassified errors report as "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyAllocated):
		return "already_allocated"
	case errors.Is(err, ErrNotCompleted), errors.Is(err, ErrNotAllocable):
		return "state"
	}

	var (
		validation *ValidationError
		ruleVal    *RuleValidationError
		notFound   *NotFoundError
		transition *InvalidTransitionError
		config     *ConfigurationError
		atomicity  *AtomicityError
		authz      *AuthorizationError
	)
	switch {
	case errors.As(err, &ruleVal):
		return "rule_validation"
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &transition):
		return "state"
	case errors.As(err, &config):
		return "configuration"
	case errors.As(err, &atomicity):
		return "atomicity"
	case errors.As(err, &authz):
		return "authorization"
	default:
		return "internal"
	}
}

// Package allocation distributes completed funds across logical accounts.
// Rules are validated at write time so allocation itself only ever sees
// well-formed configuration; the fan-out for one parent is all-or-nothing
// and mutually exclusive per parent.
package allocation

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/allocation-ledger/internal/audit"
	"github.com/sheikh-saqib/allocation-ledger/internal/config"
	"github.com/sheikh-saqib/allocation-ledger/internal/interfaces"
	"github.com/sheikh-saqib/allocation-ledger/internal/ledger"
	"github.com/sheikh-saqib/allocation-ledger/internal/ledgererr"
	"github.com/sheikh-saqib/allocation-ledger/internal/models"
)

// percentTolerance is how far the sum of entry percentages may drift from
// 100 before a rule is rejected.
var percentTolerance = decimal.New(1, -6)

var hundred = decimal.NewFromInt(100)

const savepointName = "allocation_fanout"

type Engine struct {
	store      interfaces.Store
	accounts   *ledger.AccountService
	auditor    *audit.Recorder
	authz      interfaces.Authorizer
	currencies config.Currencies
	log        zerolog.Logger
}

func NewEngine(
	store interfaces.Store,
	accounts *ledger.AccountService,
	auditor *audit.Recorder,
	authz interfaces.Authorizer,
	currencies config.Currencies,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		store:      store,
		accounts:   accounts,
		auditor:    auditor,
		authz:      authz,
		currencies: currencies,
		log:        log,
	}
}

// ValidateEntries checks a rule's entry list: positive percentages summing
// to 100 within tolerance, valid conditions, and destination accounts that
// exist and are enabled. Called at rule creation and update, never at
// allocation time, so bad configuration is caught early.
func (e *Engine) ValidateEntries(ctx context.Context, tx interfaces.Tx, entries []models.RuleEntry) error {
	if len(entries) == 0 {
		return &ledgererr.RuleValidationError{Reason: "rule has no entries"}
	}

	sum := decimal.Zero
	for i, entry := range entries {
		if !entry.Percentage.IsPositive() {
			return &ledgererr.RuleValidationError{Reason: "entry " + strconv.Itoa(i) + ": percentage must be positive"}
		}
		if entry.Condition != nil && !entry.Condition.Op.Valid() {
			return &ledgererr.RuleValidationError{Reason: "entry " + strconv.Itoa(i) + ": unknown condition operator " + string(entry.Condition.Op)}
		}
		account, err := tx.GetAccount(ctx, entry.AccountID)
		if err != nil {
			var notFound *ledgererr.NotFoundError
			if errors.As(err, &notFound) {
				return &ledgererr.RuleValidationError{Reason: "entry " + strconv.Itoa(i) + ": destination account " + entry.AccountID + " does not exist"}
			}
			return err
		}
		if account.Disabled {
			return &ledgererr.RuleValidationError{Reason: "entry " + strconv.Itoa(i) + ": destination account " + entry.AccountID + " is disabled"}
		}
		sum = sum.Add(entry.Percentage)
	}

	if sum.Sub(hundred).Abs().Cmp(percentTolerance) > 0 {
		return &ledgererr.RuleValidationError{Reason: "entry percentages sum to " + sum.String() + ", expected 100"}
	}
	return nil
}

// RuleRequest is the administrative input for creating or updating a rule.
type RuleRequest struct {
	Name    string
	Scope   string
	Active  bool
	Entries []models.RuleEntry
}

// CreateRule validates and stores a new rule. Requires the guardian
// capability. Activating a rule for a scope that already has an active rule
// is rejected: ambiguity is a configuration error, never silently resolved.
func (e *Engine) CreateRule(ctx context.Context, principal models.Principal, req RuleRequest) (models.AllocationRule, error) {
	if err := e.authz.Authorize(ctx, principal, interfaces.CapGuardian); err != nil {
		e.auditor.RecordFailure(ctx, e.store, principal, "rule.create", "rule", "", err)
		return models.AllocationRule{}, err
	}
	if req.Name == "" {
		return models.AllocationRule{}, &ledgererr.RuleValidationError{Reason: "rule name is required"}
	}
	if req.Scope == "" {
		return models.AllocationRule{}, &ledgererr.RuleValidationError{Reason: "rule scope is required"}
	}

	now := time.Now().UTC()
	rule := models.AllocationRule{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Scope:     req.Scope,
		Active:    req.Active,
		Entries:   req.Entries,
		CreatedBy: principal.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := e.store.WithinTx(ctx, func(tx interfaces.Tx) error {
		if err := e.ValidateEntries(ctx, tx, req.Entries); err != nil {
			return err
		}
		if rule.Active {
			if err := e.ensureNoOtherActive(ctx, tx, rule.Scope, ""); err != nil {
				return err
			}
		}
		if err := tx.InsertRule(ctx, rule); err != nil {
			return err
		}
		return e.auditor.Record(ctx, tx, principal, "rule.create", "rule", rule.ID, map[string]string{
			"name":   rule.Name,
			"scope":  rule.Scope,
			"active": strconv.FormatBool(rule.Active),
		})
	})
	if err != nil {
		e.auditor.RecordFailure(ctx, e.store, principal, "rule.create", "rule", rule.ID, err)
		return models.AllocationRule{}, err
	}

	e.log.Info().Str("rule_id", rule.ID).Str("scope", rule.Scope).Msg("allocation rule created")
	return rule, nil
}

// UpdateRule replaces a rule's definition after re-validation. Guardian only.
func (e *Engine) UpdateRule(ctx context.Context, principal models.Principal, id string, req RuleRequest) (models.AllocationRule, error) {
	if err := e.authz.Authorize(ctx, principal, interfaces.CapGuardian); err != nil {
		e.auditor.RecordFailure(ctx, e.store, principal, "rule.update", "rule", id, err)
		return models.AllocationRule{}, err
	}

	var rule models.AllocationRule
	err := e.store.WithinTx(ctx, func(tx interfaces.Tx) error {
		existing, err := tx.GetRule(ctx, id)
		if err != nil {
			return err
		}
		if err := e.ValidateEntries(ctx, tx, req.Entries); err != nil {
			return err
		}

		rule = existing
		rule.Name = req.Name
		rule.Scope = req.Scope
		rule.Active = req.Active
		rule.Entries = req.Entries
		rule.UpdatedAt = time.Now().UTC()

		if rule.Active {
			if err := e.ensureNoOtherActive(ctx, tx, rule.Scope, rule.ID); err != nil {
				return err
			}
		}
		if err := tx.UpdateRule(ctx, rule); err != nil {
			return err
		}
		return e.auditor.Record(ctx, tx, principal, "rule.update", "rule", rule.ID, map[string]string{
			"scope":  rule.Scope,
			"active": strconv.FormatBool(rule.Active),
		})
	})
	if err != nil {
		e.auditor.RecordFailure(ctx, e.store, principal, "rule.update", "rule", id, err)
		return models.AllocationRule{}, err
	}
	return rule, nil
}

// DeleteRule removes a rule. Guardian only.
func (e *Engine) DeleteRule(ctx context.Context, principal models.Principal, id string) error {
	if err := e.authz.Authorize(ctx, principal, interfaces.CapGuardian); err != nil {
		e.auditor.RecordFailure(ctx, e.store, principal, "rule.delete", "rule", id, err)
		return err
	}
	err := e.store.WithinTx(ctx, func(tx interfaces.Tx) error {
		if err := tx.DeleteRule(ctx, id); err != nil {
			return err
		}
		return e.auditor.Record(ctx, tx, principal, "rule.delete", "rule", id, nil)
	})
	if err != nil {
		e.auditor.RecordFailure(ctx, e.store, principal, "rule.delete", "rule", id, err)
	}
	return err
}

// GetRule returns one rule.
func (e *Engine) GetRule(ctx context.Context, id string) (models.AllocationRule, error) {
	var rule models.AllocationRule
	err := e.store.WithinSnapshot(ctx, func(tx interfaces.Tx) error {
		var err error
		rule, err = tx.GetRule(ctx, id)
		return err
	})
	return rule, err
}

// ListRules returns every rule.
func (e *Engine) ListRules(ctx context.Context) ([]models.AllocationRule, error) {
	var rules []models.AllocationRule
	err := e.store.WithinSnapshot(ctx, func(tx interfaces.Tx) error {
		var err error
		rules, err = tx.ListRules(ctx)
		return err
	})
	return rules, err
}

func (e *Engine) ensureNoOtherActive(ctx context.Context, tx interfaces.Tx, scope, excludeID string) error {
	active, err := tx.FindActiveRules(ctx, scope)
	if err != nil {
		return err
	}
	for _, r := range active {
		if r.ID != excludeID {
			return &ledgererr.RuleValidationError{Reason: "rule " + r.ID + " is already active for scope " + scope}
		}
	}
	return nil
}

// FindActiveRule resolves the single active rule for an account: an
// account-specific scope wins, otherwise the wildcard scope. Zero or more
// than one match is a ConfigurationError, never a guess.
func (e *Engine) FindActiveRule(ctx context.Context, tx interfaces.Tx, accountID string) (models.AllocationRule, error) {
	for _, scope := range []string{accountID, models.ScopeAll} {
		active, err := tx.FindActiveRules(ctx, scope)
		if err != nil {
			return models.AllocationRule{}, err
		}
		switch len(active) {
		case 0:
			continue
		case 1:
			return active[0], nil
		default:
			return models.AllocationRule{}, &ledgererr.ConfigurationError{Scope: scope, Reason: "multiple active rules"}
		}
	}
	return models.AllocationRule{}, &ledgererr.ConfigurationError{Scope: accountID, Reason: "no active rule"}
}

// MaybeAllocate fans the completed parent out into ALLOCATION children
// through the caller's storage transaction. The fan-out runs inside a
// savepoint: any failure discards every child created so far while the
// parent's completion stands, unallocated and safe to retry.
func (e *Engine) MaybeAllocate(ctx context.Context, tx interfaces.Tx, parent models.Transaction, principal models.Principal) ([]models.Transaction, error) {
	if parent.Status != models.Completed {
		return nil, ledgererr.ErrNotCompleted
	}
	if !parent.Type.Allocable() {
		return nil, ledgererr.ErrNotAllocable
	}

	rule, err := e.FindActiveRule(ctx, tx, parent.AccountID)
	if err != nil {
		return nil, err
	}

	amounts, qualifying, err := e.splitAmount(parent, rule)
	if err != nil {
		return nil, err
	}

	if err := tx.Savepoint(ctx, savepointName); err != nil {
		return nil, err
	}
	children, err := e.fanOut(ctx, tx, parent, rule, qualifying, amounts, principal)
	if err != nil {
		if rbErr := tx.RollbackToSavepoint(ctx, savepointName); rbErr != nil {
			return nil, &ledgererr.AtomicityError{Err: rbErr}
		}
		return nil, err
	}
	if err := tx.ReleaseSavepoint(ctx, savepointName); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("parent_id", parent.ID).
		Str("rule_id", rule.ID).
		Int("children", len(children)).
		Msg("allocation performed")
	return children, nil
}

// splitAmount computes per-entry child amounts for qualifying entries,
// rounded at the currency precision. The last qualifying entry absorbs the
// residual so the children sum to the parent amount exactly; rounding can
// neither create nor destroy value.
func (e *Engine) splitAmount(parent models.Transaction, rule models.AllocationRule) ([]decimal.Decimal, []models.RuleEntry, error) {
	var qualifying []models.RuleEntry
	for _, entry := range rule.Entries {
		if entry.Qualifies(parent.Amount) {
			qualifying = append(qualifying, entry)
		}
	}
	if len(qualifying) == 0 {
		return nil, nil, &ledgererr.ConfigurationError{Scope: rule.Scope, Reason: "no rule entry qualifies for amount " + parent.Amount.String()}
	}

	precision := e.currencies.Precision(parent.Currency)
	amounts := make([]decimal.Decimal, len(qualifying))
	allocated := decimal.Zero
	for i, entry := range qualifying {
		amounts[i] = parent.Amount.Mul(entry.Percentage).Div(hundred).Round(precision)
		allocated = allocated.Add(amounts[i])
	}

	residual := parent.Amount.Sub(allocated)
	last := len(amounts) - 1
	amounts[last] = amounts[last].Add(residual)

	for i, amount := range amounts {
		if !amount.IsPositive() {
			return nil, nil, &ledgererr.ConfigurationError{
				Scope:  rule.Scope,
				Reason: "entry for account " + qualifying[i].AccountID + " allocates a non-positive amount",
			}
		}
	}
	return amounts, qualifying, nil
}

func (e *Engine) fanOut(ctx context.Context, tx interfaces.Tx, parent models.Transaction, rule models.AllocationRule, entries []models.RuleEntry, amounts []decimal.Decimal, principal models.Principal) ([]models.Transaction, error) {
	if err := tx.ClaimAllocation(ctx, parent.ID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	children := make([]models.Transaction, 0, len(entries))
	details := map[string]string{
		"rule_id":  rule.ID,
		"children": strconv.Itoa(len(entries)),
	}
	for i, entry := range entries {
		child := models.Transaction{
			ID:          uuid.NewString(),
			Type:        models.Allocation,
			Status:      models.Completed,
			Amount:      amounts[i],
			Currency:    parent.Currency,
			AccountID:   entry.AccountID,
			ParentID:    parent.ID,
			Description: entry.Description,
			Metadata:    map[string]string{"rule_id": rule.ID},
			CreatedAt:   now,
			CompletedAt: &now,
		}
		if err := tx.InsertTransaction(ctx, child); err != nil {
			return nil, err
		}
		if _, err := e.accounts.ApplyDelta(ctx, tx, entry.AccountID, child.SignedDelta()); err != nil {
			return nil, err
		}
		children = append(children, child)
		details["child_"+strconv.Itoa(i)] = child.ID
	}

	if err := e.auditor.Record(ctx, tx, principal, "allocation.performed", "transaction", parent.ID, details); err != nil {
		return nil, err
	}
	return children, nil
}

var _ interfaces.Allocator = (*Engine)(nil)

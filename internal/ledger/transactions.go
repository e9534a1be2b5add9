package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/allocation-ledger/internal/audit"
	"github.com/sheikh-saqib/allocation-ledger/internal/config"
	"github.com/sheikh-saqib/allocation-ledger/internal/interfaces"
	"github.com/sheikh-saqib/allocation-ledger/internal/ledgererr"
	"github.com/sheikh-saqib/allocation-ledger/internal/models"
	"github.com/sheikh-saqib/allocation-ledger/internal/models/events"
)

// TransactionLog owns the append-only record of ledger transactions and
// their lifecycle. Completion triggers the allocation engine through the
// same storage transaction.
type TransactionLog struct {
	store      interfaces.Store
	accounts   *AccountService
	allocator  interfaces.Allocator
	auditor    *audit.Recorder
	authz      interfaces.Authorizer
	currencies config.Currencies
	publisher  interfaces.EventPublisher
	log        zerolog.Logger
}

func NewTransactionLog(
	store interfaces.Store,
	accounts *AccountService,
	allocator interfaces.Allocator,
	auditor *audit.Recorder,
	authz interfaces.Authorizer,
	currencies config.Currencies,
	publisher interfaces.EventPublisher,
	log zerolog.Logger,
) *TransactionLog {
	return &TransactionLog{
		store:      store,
		accounts:   accounts,
		allocator:  allocator,
		auditor:    auditor,
		authz:      authz,
		currencies: currencies,
		publisher:  publisher,
		log:        log,
	}
}

// CreateTransactionRequest is the input for a new ledger transaction.
type CreateTransactionRequest struct {
	Type           models.TransactionType
	Amount         decimal.Decimal
	Currency       string
	AccountID      string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// Create validates the request and inserts a PENDING transaction. When an
// idempotency key is supplied, a retried create returns the original
// transaction (replayed=true) instead of inserting a second row.
func (l *TransactionLog) Create(ctx context.Context, principal models.Principal, req CreateTransactionRequest) (tx models.Transaction, replayed bool, err error) {
	if err := l.authz.Authorize(ctx, principal, interfaces.CapWrite); err != nil {
		l.auditor.RecordFailure(ctx, l.store, principal, "transaction.create", "transaction", "", err)
		return models.Transaction{}, false, err
	}
	if err := l.validateCreate(req); err != nil {
		l.auditor.RecordFailure(ctx, l.store, principal, "transaction.create", "transaction", "", err)
		return models.Transaction{}, false, err
	}

	now := time.Now().UTC()
	tx = models.Transaction{
		ID:             uuid.NewString(),
		Type:           req.Type,
		Status:         models.Pending,
		Amount:         req.Amount.Round(l.currencies.Precision(req.Currency)),
		Currency:       req.Currency,
		AccountID:      req.AccountID,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
		Metadata:       req.Metadata,
		CreatedAt:      now,
	}

	err = l.store.WithinTx(ctx, func(stx interfaces.Tx) error {
		account, err := stx.GetAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if account.Disabled {
			return ledgererr.NotFound("account", req.AccountID)
		}

		if req.IdempotencyKey != "" {
			existing, err := stx.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
			if err == nil {
				tx = existing
				replayed = true
				return l.auditor.Record(ctx, stx, principal, "transaction.create.replayed", "transaction", existing.ID, map[string]string{
					"idempotency_key": req.IdempotencyKey,
				})
			}
			var notFound *ledgererr.NotFoundError
			if !errors.As(err, &notFound) {
				return err
			}
		}

		if err := stx.InsertTransaction(ctx, tx); err != nil {
			return err
		}
		return l.auditor.Record(ctx, stx, principal, "transaction.create", "transaction", tx.ID, map[string]string{
			"type":     string(tx.Type),
			"amount":   tx.Amount.String(),
			"currency": tx.Currency,
			"account":  tx.AccountID,
		})
	})

	if errors.Is(err, ledgererr.ErrIdempotencyConflict) {
		// Lost a cross-process race on the key; the winner's row is the
		// answer.
		err = l.store.WithinSnapshot(ctx, func(stx interfaces.Tx) error {
			existing, getErr := stx.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
			if getErr != nil {
				return getErr
			}
			tx = existing
			replayed = true
			return nil
		})
	}
	if err != nil {
		l.auditor.RecordFailure(ctx, l.store, principal, "transaction.create", "transaction", tx.ID, err)
		return models.Transaction{}, false, err
	}
	return tx, replayed, nil
}

func (l *TransactionLog) validateCreate(req CreateTransactionRequest) error {
	if !req.Type.Valid() {
		return ledgererr.Validation("unknown transaction type %q", req.Type)
	}
	if req.Type == models.Allocation {
		return ledgererr.Validation("ALLOCATION transactions are created only by the allocation engine")
	}
	if !req.Amount.IsPositive() {
		return ledgererr.Validation("amount must be positive")
	}
	if !l.currencies.Recognized(req.Currency) {
		return ledgererr.Validation("unrecognized currency %q", req.Currency)
	}
	if req.AccountID == "" {
		return ledgererr.Validation("destination account is required")
	}
	if req.Type == models.Correction {
		switch req.Metadata[models.MetaCorrectionEffect] {
		case models.EffectCredit, models.EffectDebit:
		default:
			return ledgererr.Validation("corrections require %s metadata of %q or %q",
				models.MetaCorrectionEffect, models.EffectCredit, models.EffectDebit)
		}
	}
	return nil
}

// Complete transitions PENDING to COMPLETED, applies the balance delta, and
// hands the transaction to the allocation engine, all in one storage
// transaction. A missing or ambiguous allocation rule does not fail the
// completion: the warning is recorded against the transaction and the
// allocation is left for a manual retry.
func (l *TransactionLog) Complete(ctx context.Context, principal models.Principal, id string) (models.Transaction, []models.Transaction, error) {
	if err := l.authz.Authorize(ctx, principal, interfaces.CapWrite); err != nil {
		return models.Transaction{}, nil, err
	}

	var (
		completed models.Transaction
		children  []models.Transaction
	)
	now := time.Now().UTC()

	err := l.store.WithinTx(ctx, func(stx interfaces.Tx) error {
		if err := stx.UpdateTransactionStatus(ctx, id, models.Pending, models.Completed, &now); err != nil {
			return err
		}
		tx, err := stx.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		completed = tx

		if _, err := l.accounts.ApplyDelta(ctx, stx, tx.AccountID, tx.SignedDelta()); err != nil {
			return err
		}
		if err := l.auditor.Record(ctx, stx, principal, "transaction.complete", "transaction", tx.ID, map[string]string{
			"amount":   tx.Amount.String(),
			"currency": tx.Currency,
			"account":  tx.AccountID,
		}); err != nil {
			return err
		}

		if !tx.Type.Allocable() {
			return nil
		}

		children, err = l.allocator.MaybeAllocate(ctx, stx, tx, principal)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ledgererr.ErrAlreadyAllocated):
			// Idempotent no-op.
			return nil
		default:
			// The engine rolled its partial work back to the savepoint; the
			// completion stands, the transaction is simply unallocated.
			return l.recordAllocationWarning(ctx, stx, principal, tx.ID, err)
		}
	})
	if err != nil {
		l.auditor.RecordFailure(ctx, l.store, principal, "transaction.complete", "transaction", id, err)
		return models.Transaction{}, nil, err
	}

	l.publishCompleted(ctx, completed, children)
	return completed, children, nil
}

func (l *TransactionLog) recordAllocationWarning(ctx context.Context, stx interfaces.Tx, principal models.Principal, id string, allocErr error) error {
	l.log.Warn().Str("transaction_id", id).Err(allocErr).Msg("transaction completed unallocated")
	if err := stx.SetTransactionMetadata(ctx, id, models.MetaAllocationWarning, allocErr.Error()); err != nil {
		return err
	}
	return l.auditor.Record(ctx, stx, principal, "transaction.allocation.skipped", "transaction", id, map[string]string{
		"error":      allocErr.Error(),
		"error_kind": ledgererr.Kind(allocErr),
	})
}

func (l *TransactionLog) publishCompleted(ctx context.Context, tx models.Transaction, children []models.Transaction) {
	event := events.TransactionCompleted{
		TransactionID: tx.ID,
		Type:          string(tx.Type),
		AccountID:     tx.AccountID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		OccurredAt:    time.Now().UTC(),
	}
	if err := l.publisher.Publish(ctx, events.TypeTransactionCompleted, tx.ID, event); err != nil {
		l.log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("publish transaction.completed failed")
	}
	if len(children) > 0 {
		l.publishAllocation(ctx, tx.ID, children)
	}
}

func (l *TransactionLog) publishAllocation(ctx context.Context, parentID string, children []models.Transaction) {
	event := events.AllocationPerformed{
		ParentID:   parentID,
		OccurredAt: time.Now().UTC(),
	}
	for _, c := range children {
		event.RuleID = c.Metadata["rule_id"]
		event.Children = append(event.Children, events.AllocatedChild{
			TransactionID: c.ID,
			AccountID:     c.AccountID,
			Amount:        c.Amount,
		})
	}
	if err := l.publisher.Publish(ctx, events.TypeAllocationPerformed, parentID, event); err != nil {
		l.log.Warn().Err(err).Str("parent_id", parentID).Msg("publish allocation.performed failed")
	}
}

// Fail transitions PENDING to FAILED. Terminal.
func (l *TransactionLog) Fail(ctx context.Context, principal models.Principal, id, reason string) error {
	if err := l.authz.Authorize(ctx, principal, interfaces.CapWrite); err != nil {
		return err
	}
	err := l.store.WithinTx(ctx, func(stx interfaces.Tx) error {
		if err := stx.UpdateTransactionStatus(ctx, id, models.Pending, models.Failed, nil); err != nil {
			return err
		}
		if reason != "" {
			if err := stx.SetTransactionMetadata(ctx, id, "failure_reason", reason); err != nil {
				return err
			}
		}
		return l.auditor.Record(ctx, stx, principal, "transaction.fail", "transaction", id, map[string]string{
			"reason": reason,
		})
	})
	if err != nil {
		l.auditor.RecordFailure(ctx, l.store, principal, "transaction.fail", "transaction", id, err)
	}
	return err
}

// Reverse expresses an undo as a new COMPLETED CORRECTION transaction with
// the opposite balance effect. The original record keeps its amount and
// fields; it transitions to REVERSED and gains a cross-reference to the
// correction. Reversal never recurses into allocation.
func (l *TransactionLog) Reverse(ctx context.Context, principal models.Principal, id, reason string) (models.Transaction, error) {
	if err := l.authz.Authorize(ctx, principal, interfaces.CapWrite); err != nil {
		return models.Transaction{}, err
	}

	var correction models.Transaction
	err := l.store.WithinTx(ctx, func(stx interfaces.Tx) error {
		original, err := stx.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if original.Type == models.Correction {
			return ledgererr.Validation("a CORRECTION transaction cannot be reversed")
		}
		if original.Status != models.Completed {
			return &ledgererr.InvalidTransitionError{From: string(original.Status), To: string(models.Reversed)}
		}

		effect := models.EffectDebit
		if original.SignedDelta().IsNegative() {
			effect = models.EffectCredit
		}

		now := time.Now().UTC()
		correction = models.Transaction{
			ID:          uuid.NewString(),
			Type:        models.Correction,
			Status:      models.Completed,
			Amount:      original.Amount,
			Currency:    original.Currency,
			AccountID:   original.AccountID,
			ParentID:    original.ID,
			Description: reason,
			Metadata: map[string]string{
				models.MetaCorrectionEffect: effect,
				models.MetaReverses:         original.ID,
			},
			CreatedAt:   now,
			CompletedAt: &now,
		}
		if err := stx.InsertTransaction(ctx, correction); err != nil {
			return err
		}
		if _, err := l.accounts.ApplyDelta(ctx, stx, original.AccountID, correction.SignedDelta()); err != nil {
			return err
		}
		if err := stx.UpdateTransactionStatus(ctx, original.ID, models.Completed, models.Reversed, nil); err != nil {
			return err
		}
		if err := stx.SetTransactionMetadata(ctx, original.ID, models.MetaReversedBy, correction.ID); err != nil {
			return err
		}

		if err := l.auditor.Record(ctx, stx, principal, "transaction.reverse", "transaction", original.ID, map[string]string{
			"correction_id": correction.ID,
			"reason":        reason,
		}); err != nil {
			return err
		}
		return l.auditor.Record(ctx, stx, principal, "transaction.correction", "transaction", correction.ID, map[string]string{
			"reverses": original.ID,
		})
	})
	if err != nil {
		l.auditor.RecordFailure(ctx, l.store, principal, "transaction.reverse", "transaction", id, err)
		return models.Transaction{}, err
	}
	return correction, nil
}

// RetryAllocation re-runs allocation for a completed transaction after a
// configuration fix. Unlike completion, errors surface to the caller here.
func (l *TransactionLog) RetryAllocation(ctx context.Context, principal models.Principal, id string) ([]models.Transaction, error) {
	if err := l.authz.Authorize(ctx, principal, interfaces.CapWrite); err != nil {
		return nil, err
	}

	var children []models.Transaction
	err := l.store.WithinTx(ctx, func(stx interfaces.Tx) error {
		parent, err := stx.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		children, err = l.allocator.MaybeAllocate(ctx, stx, parent, principal)
		if err != nil {
			return err
		}
		return stx.SetTransactionMetadata(ctx, id, models.MetaAllocationWarning, "")
	})
	if err != nil {
		l.auditor.RecordFailure(ctx, l.store, principal, "transaction.allocation.retry", "transaction", id, err)
		return nil, err
	}
	if len(children) > 0 {
		l.publishAllocation(ctx, id, children)
	}
	return children, nil
}

// Get returns one transaction.
func (l *TransactionLog) Get(ctx context.Context, id string) (models.Transaction, error) {
	var tx models.Transaction
	err := l.store.WithinSnapshot(ctx, func(stx interfaces.Tx) error {
		var err error
		tx, err = stx.GetTransaction(ctx, id)
		return err
	})
	return tx, err
}

// List returns transactions matching the filter.
func (l *TransactionLog) List(ctx context.Context, filter interfaces.TransactionFilter) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := l.store.WithinSnapshot(ctx, func(stx interfaces.Tx) error {
		var err error
		txs, err = stx.ListTransactions(ctx, filter)
		return err
	})
	return txs, err
}

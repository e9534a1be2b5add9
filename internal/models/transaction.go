package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger transaction.
type TransactionType string

const (
	Deposit    TransactionType = "DEPOSIT"
	Withdrawal TransactionType = "WITHDRAWAL"
	Transfer   TransactionType = "TRANSFER"
	Allocation TransactionType = "ALLOCATION"
	Correction TransactionType = "CORRECTION"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case Deposit, Withdrawal, Transfer, Allocation, Correction:
		return true
	}
	return false
}

// Allocable reports whether a completed transaction of this type is fanned
// out by the allocation engine.
func (t TransactionType) Allocable() bool {
	return t == Deposit
}

// TransactionStatus is the lifecycle state of a ledger transaction.
type TransactionStatus string

const (
	Pending   TransactionStatus = "PENDING"
	Completed TransactionStatus = "COMPLETED"
	Failed    TransactionStatus = "FAILED"
	Reversed  TransactionStatus = "REVERSED"
)

// CanTransitionTo reports whether the lifecycle permits moving from s to
// next. PENDING goes to COMPLETED or FAILED exactly once; COMPLETED goes to
// REVERSED only, and only via a CORRECTION transaction referencing it.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	switch s {
	case Pending:
		return next == Completed || next == Failed
	case Completed:
		return next == Reversed
	}
	return false
}

// Metadata keys written by the engine.
const (
	// MetaCorrectionEffect marks whether a CORRECTION credits or debits its
	// destination account. Corrections carry a positive amount like every
	// other transaction; the direction lives here.
	MetaCorrectionEffect = "correction_effect"

	// MetaReversedBy cross-references the CORRECTION that reversed a
	// transaction.
	MetaReversedBy = "reversed_by"

	// MetaReverses cross-references the transaction a CORRECTION reverses.
	MetaReverses = "reverses"

	// MetaAllocationWarning records a configuration problem that left a
	// completed transaction unallocated, pending fix and manual retry.
	MetaAllocationWarning = "allocation_warning"
)

const (
	EffectCredit = "credit"
	EffectDebit  = "debit"
)

// Transaction is an immutable record of a value movement against one
// destination account. Amount is always positive; direction is a function of
// the type (and, for corrections, MetaCorrectionEffect).
type Transaction struct {
	ID             string            `json:"id"`
	Type           TransactionType   `json:"type"`
	Status         TransactionStatus `json:"status"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	AccountID      string            `json:"account_id"`
	ParentID       string            `json:"parent_id,omitempty"` // set only on ALLOCATION children and CORRECTION reversals
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Description    string            `json:"description,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// SignedDelta is the balance effect of this transaction on its destination
// account once COMPLETED.
func (t Transaction) SignedDelta() decimal.Decimal {
	switch t.Type {
	case Withdrawal:
		return t.Amount.Neg()
	case Correction:
		if t.Metadata[MetaCorrectionEffect] == EffectDebit {
			return t.Amount.Neg()
		}
		return t.Amount
	default:
		return t.Amount
	}
}

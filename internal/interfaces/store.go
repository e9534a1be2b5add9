package interfaces

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/allocation-ledger/internal/models"
)

// TransactionFilter narrows ListTransactions. Zero values match everything.
type TransactionFilter struct {
	AccountID string
	ParentID  string
	Status    models.TransactionStatus
	Type      models.TransactionType
}

// AccountTx is the per-account slice of a storage transaction.
type AccountTx interface {
	InsertAccount(ctx context.Context, account models.Account) error
	// GetAccount returns the account, disabled or not. Callers that must not
	// see disabled accounts check the flag themselves.
	GetAccount(ctx context.Context, id string) (models.Account, error)
	// GetAccountForUpdate additionally takes a row-level lock so concurrent
	// writers to the same account serialize.
	GetAccountForUpdate(ctx context.Context, id string) (models.Account, error)
	UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal) error
	SetAccountDisabled(ctx context.Context, id string, disabled bool) error
	ListAccounts(ctx context.Context) ([]models.Account, error)
}

// TransactionTx is the per-transaction slice of a storage transaction.
type TransactionTx interface {
	InsertTransaction(ctx context.Context, tx models.Transaction) error
	GetTransaction(ctx context.Context, id string) (models.Transaction, error)
	// GetTransactionByIdempotencyKey returns a NotFoundError when no
	// transaction carries the key.
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (models.Transaction, error)
	// UpdateTransactionStatus performs a conditional transition and fails
	// with an InvalidTransitionError when the stored status is not `from`.
	UpdateTransactionStatus(ctx context.Context, id string, from, to models.TransactionStatus, completedAt *time.Time) error
	// SetTransactionMetadata upserts one metadata key on a transaction.
	SetTransactionMetadata(ctx context.Context, id, key, value string) error
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error)
	// ClaimAllocation marks the parent as allocated. A second claim for the
	// same parent fails with ledgererr.ErrAlreadyAllocated; this is the
	// mutual exclusion that prevents double-crediting funds.
	ClaimAllocation(ctx context.Context, parentID string) error
}

// RuleTx is the allocation-rule slice of a storage transaction.
type RuleTx interface {
	InsertRule(ctx context.Context, rule models.AllocationRule) error
	UpdateRule(ctx context.Context, rule models.AllocationRule) error
	DeleteRule(ctx context.Context, id string) error
	GetRule(ctx context.Context, id string) (models.AllocationRule, error)
	ListRules(ctx context.Context) ([]models.AllocationRule, error)
	// FindActiveRules returns every active rule whose scope matches exactly.
	FindActiveRules(ctx context.Context, scope string) ([]models.AllocationRule, error)
}

// AuditTx is the append-only audit slice of a storage transaction.
type AuditTx interface {
	InsertAuditEntry(ctx context.Context, entry models.AuditEntry) error
	ListAuditEntries(ctx context.Context, targetType, targetID string) ([]models.AuditEntry, error)
}

// ReconciliationTx is the reconciliation-log slice of a storage transaction.
type ReconciliationTx interface {
	InsertReconciliationEntry(ctx context.Context, entry models.ReconciliationEntry) error
	GetReconciliationEntry(ctx context.Context, id string) (models.ReconciliationEntry, error)
	UpdateReconciliationEntry(ctx context.Context, entry models.ReconciliationEntry) error
	ListOpenReconciliationEntries(ctx context.Context) ([]models.ReconciliationEntry, error)
}

// Tx is one storage transaction. Everything called through it commits or
// rolls back as a unit.
type Tx interface {
	AccountTx
	TransactionTx
	RuleTx
	AuditTx
	ReconciliationTx

	// Savepoint / RollbackToSavepoint / ReleaseSavepoint scope a nested
	// all-or-nothing region inside the transaction. The allocation fan-out
	// runs inside one so a mid-flight failure discards every child while the
	// parent's completion stands.
	Savepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
}

// Store is the engine's single consistency boundary. There is no in-process
// locking outside of it.
type Store interface {
	// WithinTx runs fn inside a read-committed transaction, committing when
	// fn returns nil and rolling everything back otherwise.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	// WithinSnapshot runs fn inside a repeatable-read transaction so every
	// read observes one instant. Used by reconciliation runs.
	WithinSnapshot(ctx context.Context, fn func(tx Tx) error) error
}

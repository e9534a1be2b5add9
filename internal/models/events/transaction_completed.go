package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event type names used as kafka message headers.
const (
	TypeTransactionCompleted = "transaction.completed"
	TypeAllocationPerformed  = "allocation.performed"
	TypeDiscrepancyDetected  = "reconciliation.discrepancy"
)

type TransactionCompleted struct {
	TransactionID string          `json:"transaction_id"`
	Type          string          `json:"type"`
	AccountID     string          `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

type AllocatedChild struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
}

type AllocationPerformed struct {
	ParentID   string           `json:"parent_id"`
	RuleID     string           `json:"rule_id"`
	Children   []AllocatedChild `json:"children"`
	OccurredAt time.Time        `json:"occurred_at"`
}

type DiscrepancyDetected struct {
	ReconciliationID string          `json:"reconciliation_id"`
	AccountID        string          `json:"account_id"`
	ExternalBalance  decimal.Decimal `json:"external_balance"`
	InternalBalance  decimal.Decimal `json:"internal_balance"`
	Discrepancy      decimal.Decimal `json:"discrepancy"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

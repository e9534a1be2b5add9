package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FindingKind classifies a structural problem detected during a
// reconciliation run. Findings are reported, never auto-corrected.
type FindingKind string

const (
	FindingDuplicateTransaction FindingKind = "DUPLICATE_TRANSACTION_ID"
	FindingNegativeBalance      FindingKind = "NEGATIVE_BALANCE"
	FindingAllocationMismatch   FindingKind = "ALLOCATION_SUM_MISMATCH"
)

// Finding is one non-blocking structural observation attached to a
// reconciliation log entry.
type Finding struct {
	Kind   FindingKind `json:"kind"`
	Detail string      `json:"detail"`
}

// ReconciliationEntry records one comparison of an externally reported
// balance against the engine's internal balance, both captured in a single
// snapshot. Entries are mutated only to mark resolution.
type ReconciliationEntry struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	ExternalBalance decimal.Decimal `json:"external_balance"`
	InternalBalance decimal.Decimal `json:"internal_balance"`
	Discrepancy     decimal.Decimal `json:"discrepancy"` // external minus internal
	Resolved        bool            `json:"resolved"`
	ManualOverride  bool            `json:"manual_override"`
	ResolutionNotes string          `json:"resolution_notes,omitempty"`
	CorrectionID    string          `json:"correction_id,omitempty"` // CORRECTION transaction that closed the gap, if any
	Findings        []Finding       `json:"findings,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

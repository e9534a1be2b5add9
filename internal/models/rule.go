package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConditionOp is one of the closed set of comparators an allocation rule
// entry may apply against the parent transaction amount. The grammar is
// deliberately tiny: one comparator, one numeric threshold, nothing else.
type ConditionOp string

const (
	OpGT  ConditionOp = "gt"
	OpGTE ConditionOp = "gte"
	OpLT  ConditionOp = "lt"
	OpLTE ConditionOp = "lte"
	OpEQ  ConditionOp = "eq"
)

// Valid reports whether op is a known comparator.
func (op ConditionOp) Valid() bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ:
		return true
	}
	return false
}

// Condition is a single numeric comparison against the parent amount.
type Condition struct {
	Op        ConditionOp     `json:"op" yaml:"op"`
	Threshold decimal.Decimal `json:"threshold" yaml:"threshold"`
}

// Matches evaluates the condition against amount.
func (c Condition) Matches(amount decimal.Decimal) bool {
	cmp := amount.Cmp(c.Threshold)
	switch c.Op {
	case OpGT:
		return cmp > 0
	case OpGTE:
		return cmp >= 0
	case OpLT:
		return cmp < 0
	case OpLTE:
		return cmp <= 0
	case OpEQ:
		return cmp == 0
	}
	return false
}

// RuleEntry directs a percentage of a parent transaction to one destination
// account, optionally gated by a condition. Entry order is significant: the
// last qualifying entry absorbs the rounding residual.
type RuleEntry struct {
	AccountID   string          `json:"account_id"`
	Percentage  decimal.Decimal `json:"percentage"`
	Condition   *Condition      `json:"condition,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Qualifies reports whether this entry applies to a parent of the given
// amount. Entries without a condition always qualify.
func (e RuleEntry) Qualifies(amount decimal.Decimal) bool {
	return e.Condition == nil || e.Condition.Matches(amount)
}

// AllocationRule is a configuration splitting completed transactions for one
// scope across destination accounts. At most one rule may be active per
// scope; percentages of an active rule sum to 100 within tolerance, enforced
// at write time.
type AllocationRule struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Scope     string      `json:"scope"` // source account id, or ScopeAll
	Active    bool        `json:"active"`
	Entries   []RuleEntry `json:"entries"`
	CreatedBy string      `json:"created_by"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ScopeAll matches any source account that has no account-specific rule.
const ScopeAll = "*"

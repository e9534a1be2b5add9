package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType is the fundamental accounting classification of an account.
type AccountType string

const (
	Asset     AccountType = "ASSET"
	Liability AccountType = "LIABILITY"
	Equity    AccountType = "EQUITY"
	Revenue   AccountType = "REVENUE"
	Expense   AccountType = "EXPENSE"
)

// Valid reports whether t is one of the five known account types.
func (t AccountType) Valid() bool {
	switch t {
	case Asset, Liability, Equity, Revenue, Expense:
		return true
	}
	return false
}

// Account is a logical bookkeeping account with a running balance.
// Accounts are created administratively and never hard-deleted; retiring an
// account sets Disabled instead. Balance is mutated only as a side effect of
// committing a transaction, so it always equals the sum of signed amounts of
// all COMPLETED transactions touching the account.
type Account struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Type      AccountType       `json:"type"`
	Currency  string            `json:"currency"`
	Balance   decimal.Decimal   `json:"balance"`
	Disabled  bool              `json:"disabled"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

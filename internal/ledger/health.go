package ledger

import (
	"context"

	"github.com/sheikh-saqib/allocation-ledger/internal/interfaces"
	"github.com/sheikh-saqib/allocation-ledger/internal/models"
)

// HealthSummary is the engine's workflow/account health snapshot exposed to
// the API layer.
type HealthSummary struct {
	Accounts              int `json:"accounts"`
	DisabledAccounts      int `json:"disabled_accounts"`
	PendingTransactions   int `json:"pending_transactions"`
	CompletedTransactions int `json:"completed_transactions"`
	FailedTransactions    int `json:"failed_transactions"`
	ReversedTransactions  int `json:"reversed_transactions"`
	UnallocatedCompleted  int `json:"unallocated_completed"`
	OpenReconciliations   int `json:"open_reconciliations"`
}

// Summary computes the health snapshot in one consistent read.
func (l *TransactionLog) Summary(ctx context.Context) (HealthSummary, error) {
	var summary HealthSummary
	err := l.store.WithinSnapshot(ctx, func(stx interfaces.Tx) error {
		accounts, err := stx.ListAccounts(ctx)
		if err != nil {
			return err
		}
		summary.Accounts = len(accounts)
		for _, a := range accounts {
			if a.Disabled {
				summary.DisabledAccounts++
			}
		}

		txs, err := stx.ListTransactions(ctx, interfaces.TransactionFilter{})
		if err != nil {
			return err
		}
		allocated := make(map[string]bool)
		for _, tx := range txs {
			if tx.Type == models.Allocation && tx.ParentID != "" {
				allocated[tx.ParentID] = true
			}
		}
		for _, tx := range txs {
			switch tx.Status {
			case models.Pending:
				summary.PendingTransactions++
			case models.Completed:
				summary.CompletedTransactions++
				if tx.Type.Allocable() && !allocated[tx.ID] {
					summary.UnallocatedCompleted++
				}
			case models.Failed:
				summary.FailedTransactions++
			case models.Reversed:
				summary.ReversedTransactions++
			}
		}

		open, err := stx.ListOpenReconciliationEntries(ctx)
		if err != nil {
			return err
		}
		summary.OpenReconciliations = len(open)
		return nil
	})
	return summary, err
}

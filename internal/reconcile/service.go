// Package reconcile compares externally reported balances against the
// engine's internal balances, records discrepancies, and supports their
// resolution via correction transactions. Structural findings are reported,
// never auto-corrected.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/allocation-ledger/internal/audit"
	"github.com/sheikh-saqib/allocation-ledger/internal/interfaces"
	"github.com/sheikh-saqib/allocation-ledger/internal/ledgererr"
	"github.com/sheikh-saqib/allocation-ledger/internal/models"
	"github.com/sheikh-saqib/allocation-ledger/internal/models/events"
)

type Service struct {
	store     interfaces.Store
	auditor   *audit.Recorder
	authz     interfaces.Authorizer
	publisher interfaces.EventPublisher
	epsilon   decimal.Decimal
	log       zerolog.Logger
}

func NewService(
	store interfaces.Store,
	auditor *audit.Recorder,
	authz interfaces.Authorizer,
	publisher interfaces.EventPublisher,
	epsilon decimal.Decimal,
	log zerolog.Logger,
) *Service {
	return &Service{
		store:     store,
		auditor:   auditor,
		authz:     authz,
		publisher: publisher,
		epsilon:   epsilon,
		log:       log,
	}
}

// Reconcile compares the externally reported balance against the internal
// balance, both read in one snapshot, and records the result. The entry is
// born resolved when the discrepancy is within epsilon.
func (s *Service) Reconcile(ctx context.Context, principal models.Principal, accountID string, external decimal.Decimal) (models.ReconciliationEntry, error) {
	if err := s.authz.Authorize(ctx, principal, interfaces.CapWrite); err != nil {
		s.auditor.RecordFailure(ctx, s.store, principal, "reconciliation.run", "account", accountID, err)
		return models.ReconciliationEntry{}, err
	}

	var entry models.ReconciliationEntry
	err := s.store.WithinSnapshot(ctx, func(tx interfaces.Tx) error {
		account, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Disabled {
			return ledgererr.NotFound("account", accountID)
		}

		discrepancy := external.Sub(account.Balance)
		now := time.Now().UTC()
		entry = models.ReconciliationEntry{
			ID:              uuid.NewString(),
			AccountID:       accountID,
			ExternalBalance: external,
			InternalBalance: account.Balance,
			Discrepancy:     discrepancy,
			Resolved:        discrepancy.Abs().Cmp(s.epsilon) <= 0,
			CreatedAt:       now,
		}
		if entry.Resolved {
			entry.ResolvedAt = &now
		}

		findings, err := s.scanFindings(ctx, tx, account)
		if err != nil {
			return err
		}
		entry.Findings = findings

		if err := tx.InsertReconciliationEntry(ctx, entry); err != nil {
			return err
		}
		return s.auditor.Record(ctx, tx, principal, "reconciliation.run", "reconciliation", entry.ID, map[string]string{
			"account":     accountID,
			"external":    external.String(),
			"internal":    account.Balance.String(),
			"discrepancy": discrepancy.String(),
		})
	})
	if err != nil {
		s.auditor.RecordFailure(ctx, s.store, principal, "reconciliation.run", "account", accountID, err)
		return models.ReconciliationEntry{}, err
	}

	if !entry.Resolved {
		s.publishDiscrepancy(ctx, entry)
	}
	return entry, nil
}

// scanFindings looks for structural problems around the account: duplicate
// transaction identifiers, a negative balance, and allocation batches whose
// children do not sum to the parent amount. Findings never block the run.
func (s *Service) scanFindings(ctx context.Context, tx interfaces.Tx, account models.Account) ([]models.Finding, error) {
	var findings []models.Finding

	if account.Balance.IsNegative() {
		findings = append(findings, models.Finding{
			Kind:   models.FindingNegativeBalance,
			Detail: fmt.Sprintf("account %s balance is %s", account.ID, account.Balance),
		})
	}

	txs, err := tx.ListTransactions(ctx, interfaces.TransactionFilter{AccountID: account.ID})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]int)
	for _, t := range txs {
		seen[t.ID]++
	}
	for id, n := range seen {
		if n > 1 {
			findings = append(findings, models.Finding{
				Kind:   models.FindingDuplicateTransaction,
				Detail: fmt.Sprintf("transaction id %s appears %d times", id, n),
			})
		}
	}

	for _, parent := range txs {
		if !parent.Type.Allocable() || parent.Status == models.Pending || parent.Status == models.Failed {
			continue
		}
		children, err := tx.ListTransactions(ctx, interfaces.TransactionFilter{ParentID: parent.ID, Type: models.Allocation})
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			continue
		}
		sum := decimal.Zero
		for _, c := range children {
			sum = sum.Add(c.Amount)
		}
		if !sum.Equal(parent.Amount) {
			findings = append(findings, models.Finding{
				Kind:   models.FindingAllocationMismatch,
				Detail: fmt.Sprintf("children of %s sum to %s, parent amount is %s", parent.ID, sum, parent.Amount),
			})
		}
	}
	return findings, nil
}

// Resolve marks a reconciliation entry resolved. Requires the guardian
// capability. With a correction id, the correction must be a COMPLETED
// CORRECTION transaction and the internal balance must now equal the
// externally reported value — verified, not trusted. Without one, resolving
// a non-zero discrepancy is an explicit manual override, flagged distinctly
// in the audit trail.
func (s *Service) Resolve(ctx context.Context, principal models.Principal, logID, notes, correctionID string) (models.ReconciliationEntry, error) {
	if err := s.authz.Authorize(ctx, principal, interfaces.CapGuardian); err != nil {
		s.auditor.RecordFailure(ctx, s.store, principal, "reconciliation.resolve", "reconciliation", logID, err)
		return models.ReconciliationEntry{}, err
	}

	var entry models.ReconciliationEntry
	err := s.store.WithinTx(ctx, func(tx interfaces.Tx) error {
		var err error
		entry, err = tx.GetReconciliationEntry(ctx, logID)
		if err != nil {
			return err
		}
		if entry.Resolved {
			return &ledgererr.InvalidTransitionError{From: "RESOLVED", To: "RESOLVED"}
		}

		action := "reconciliation.resolve"
		if correctionID != "" {
			correction, err := tx.GetTransaction(ctx, correctionID)
			if err != nil {
				return err
			}
			if correction.Type != models.Correction {
				return ledgererr.Validation("transaction %s is not a CORRECTION", correctionID)
			}
			if correction.Status != models.Completed {
				return ledgererr.Validation("correction %s is not COMPLETED", correctionID)
			}
			account, err := tx.GetAccount(ctx, entry.AccountID)
			if err != nil {
				return err
			}
			if !account.Balance.Equal(entry.ExternalBalance) {
				return ledgererr.Validation("correction %s does not bring balance %s to external value %s",
					correctionID, account.Balance, entry.ExternalBalance)
			}
			entry.CorrectionID = correctionID
		} else if !entry.Discrepancy.IsZero() {
			entry.ManualOverride = true
			action = "reconciliation.resolve.manual_override"
		}

		now := time.Now().UTC()
		entry.Resolved = true
		entry.ResolutionNotes = notes
		entry.ResolvedAt = &now
		if err := tx.UpdateReconciliationEntry(ctx, entry); err != nil {
			return err
		}
		return s.auditor.Record(ctx, tx, principal, action, "reconciliation", entry.ID, map[string]string{
			"notes":         notes,
			"correction_id": correctionID,
			"discrepancy":   entry.Discrepancy.String(),
		})
	})
	if err != nil {
		s.auditor.RecordFailure(ctx, s.store, principal, "reconciliation.resolve", "reconciliation", logID, err)
		return models.ReconciliationEntry{}, err
	}
	return entry, nil
}

// ListOpen returns unresolved reconciliation entries.
func (s *Service) ListOpen(ctx context.Context) ([]models.ReconciliationEntry, error) {
	var entries []models.ReconciliationEntry
	err := s.store.WithinSnapshot(ctx, func(tx interfaces.Tx) error {
		var err error
		entries, err = tx.ListOpenReconciliationEntries(ctx)
		return err
	})
	return entries, err
}

// Get returns one reconciliation entry.
func (s *Service) Get(ctx context.Context, id string) (models.ReconciliationEntry, error) {
	var entry models.ReconciliationEntry
	err := s.store.WithinSnapshot(ctx, func(tx interfaces.Tx) error {
		var err error
		entry, err = tx.GetReconciliationEntry(ctx, id)
		return err
	})
	return entry, err
}

func (s *Service) publishDiscrepancy(ctx context.Context, entry models.ReconciliationEntry) {
	event := events.DiscrepancyDetected{
		ReconciliationID: entry.ID,
		AccountID:        entry.AccountID,
		ExternalBalance:  entry.ExternalBalance,
		InternalBalance:  entry.InternalBalance,
		Discrepancy:      entry.Discrepancy,
		OccurredAt:       time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, events.TypeDiscrepancyDetected, entry.AccountID, event); err != nil {
		s.log.Warn().Err(err).Str("reconciliation_id", entry.ID).Msg("publish reconciliation.discrepancy failed")
	}
}

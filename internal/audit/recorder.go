// Package audit writes the append-only audit trail. Every mutating call in
// the engine records an entry through the same storage transaction as the
// mutation, so there is no audited-but-not-applied or applied-but-unaudited
// state.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sheikh-saqib/allocation-ledger/internal/interfaces"
	"github.com/sheikh-saqib/allocation-ledger/internal/ledgererr"
	"github.com/sheikh-saqib/allocation-ledger/internal/models"
)

type Recorder struct{}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends one entry via the caller's transaction.
func (r *Recorder) Record(ctx context.Context, tx interfaces.AuditTx, principal models.Principal, action, targetType, targetID string, details map[string]string) error {
	entry := models.AuditEntry{
		ID:         uuid.NewString(),
		Action:     action,
		Actor:      principal.ID,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    details,
		RemoteAddr: principal.RemoteAddr,
		UserAgent:  principal.UserAgent,
		CreatedAt:  time.Now().UTC(),
	}
	return tx.InsertAuditEntry(ctx, entry)
}

// RecordFailure audits a failed attempt, tagging the error kind so no
// mutating call can fail without a trace. It runs in its own transaction
// because the caller's transaction is being rolled back.
func (r *Recorder) RecordFailure(ctx context.Context, store interfaces.Store, principal models.Principal, action, targetType, targetID string, opErr error) {
	_ = store.WithinTx(ctx, func(tx interfaces.Tx) error {
		return r.Record(ctx, tx, principal, action+".failed", targetType, targetID, map[string]string{
			"error":      opErr.Error(),
			"error_kind": ledgererr.Kind(opErr),
		})
	})
}

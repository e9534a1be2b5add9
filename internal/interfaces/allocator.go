package interfaces

import (
	"context"

	"github.com/sheikh-saqib/allocation-ledger/internal/models"
)

// Allocator fans a completed parent transaction out into ALLOCATION children
// according to the active rule for the parent's account. It is invoked by
// the transaction log through the caller's storage transaction, so the
// fan-out and the completion commit together.
type Allocator interface {
	MaybeAllocate(ctx context.Context, tx Tx, parent models.Transaction, principal models.Principal) ([]models.Transaction, error)
}

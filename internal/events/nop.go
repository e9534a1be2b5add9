// Package events provides the no-op publisher used when no broker is
// configured; the kafka implementation lives in the kafka subpackage.
package events

import (
	"context"

	"github.com/sheikh-saqib/allocation-ledger/internal/interfaces"
)

type Nop struct{}

func NewNop() *Nop {
	return &Nop{}
}

func (Nop) Publish(ctx context.Context, eventType, key string, event any) error {
	return nil
}

func (Nop) Close() error {
	return nil
}

var _ interfaces.EventPublisher = (*Nop)(nil)

package reputation

import (
	"context"
	"time"
)

// Store persists feedback. Entries are never deleted; Revoke only flags
// them.
type Store interface {
	// Create fails with ErrDuplicatePayment when feedback already
	// references f.PaymentID.
	Create(ctx context.Context, f *Feedback) error
	Get(ctx context.Context, id string) (*Feedback, error)
	GetByPayment(ctx context.Context, paymentID string) (*Feedback, error)
	// ListByAgent returns every entry for the agent, revoked included,
	// oldest first.
	ListByAgent(ctx context.Context, agentID string) ([]*Feedback, error)
	// Revoke flags the entry at the given time. Revoking an already
	// revoked entry returns it unchanged.
	Revoke(ctx context.Context, id string, at time.Time) (*Feedback, error)
	// AgentIDs lists agents that have received any feedback.
	AgentIDs(ctx context.Context) ([]string, error)
}

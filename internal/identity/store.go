package identity

import "context"

// Store persists agents with an append-only version history.
//
// Create fails with ErrOwnerTaken when the owner already has an agent.
// Backends that allocate their own identifiers overwrite agent.ID.
// Update stores agent as a new version; agent.Version must be exactly one
// past the stored version, else ErrStaleVersion.
type Store interface {
	Create(ctx context.Context, agent *Agent) error
	Update(ctx context.Context, agent *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	GetByOwner(ctx context.Context, owner string) (*Agent, error)
	List(ctx context.Context, limit, offset int) ([]*Agent, error)
	History(ctx context.Context, id string) ([]*Agent, error)
	SearchByCapability(ctx context.Context, capability string) ([]string, error)
}

// DefaultListLimit caps List when the caller passes no limit.
const DefaultListLimit = 100

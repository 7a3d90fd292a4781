// Package identity is the agent identity registry: registration,
// append-only metadata history, ownership lookup and capability search.
package identity

import (
	"strings"
	"time"

	"github.com/mbd888/trustmesh/internal/errkind"
)

var (
	ErrAgentNotFound   = errkind.New(errkind.NotFound, "identity: agent not found")
	ErrOwnerTaken      = errkind.New(errkind.OwnershipConflict, "identity: owner already has an agent")
	ErrInvalidOwner    = errkind.New(errkind.Validation, "identity: owner must be a 0x address")
	ErrNoCapabilities  = errkind.New(errkind.Validation, "identity: at least one capability is required")
	ErrInvalidPrice    = errkind.New(errkind.Validation, "identity: price must be a non-negative USDC amount")
	ErrInvalidEndpoint = errkind.New(errkind.Validation, "identity: invalid service endpoint")
	ErrStaleVersion    = errkind.New(errkind.Validation, "identity: agent was modified concurrently")
)

// DefaultCurrency is used when a registration names none.
const DefaultCurrency = "USDC"

// Agent is the current view of a registered agent. Every change produces
// a new Version; older versions stay readable through History.
type Agent struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"` // lowercase 0x address
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Capabilities []string  `json:"capabilities"`
	Endpoint     string    `json:"endpoint,omitempty"`
	Price        string    `json:"price"` // USDC per unit of service
	Currency     string    `json:"currency"`
	MetadataURI  string    `json:"metadataUri,omitempty"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Clone returns a deep copy.
func (a *Agent) Clone() *Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	return &c
}

// HasCapability reports a case-insensitive substring match of query
// against any capability.
func (a *Agent) HasCapability(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	for _, c := range a.Capabilities {
		if strings.Contains(strings.ToLower(c), q) {
			return true
		}
	}
	return false
}

// RegisterRequest is the metadata supplied at registration.
type RegisterRequest struct {
	Owner        string   `json:"owner"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities"`
	Endpoint     string   `json:"endpoint,omitempty"`
	Price        string   `json:"price"`
	Currency     string   `json:"currency,omitempty"`
}

// MetadataPatch is a partial update; nil fields are left unchanged.
type MetadataPatch struct {
	Name         *string   `json:"name,omitempty"`
	Description  *string   `json:"description,omitempty"`
	Capabilities *[]string `json:"capabilities,omitempty"`
	Endpoint     *string   `json:"endpoint,omitempty"`
	Price        *string   `json:"price,omitempty"`
}

func (p MetadataPatch) apply(a *Agent) {
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Description != nil {
		a.Description = *p.Description
	}
	if p.Capabilities != nil {
		a.Capabilities = normalizeCapabilities(*p.Capabilities)
	}
	if p.Endpoint != nil {
		a.Endpoint = *p.Endpoint
	}
	if p.Price != nil {
		a.Price = *p.Price
	}
}

// MetadataResult is one entry of a batch metadata lookup.
type MetadataResult struct {
	ID     string `json:"id"`
	Agent  *Agent `json:"agent,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func normalizeCapabilities(caps []string) []string {
	seen := make(map[string]bool, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		key := strings.ToLower(c)
		if c == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

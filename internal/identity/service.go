package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/trustmesh/internal/eip191"
	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/idgen"
	"github.com/mbd888/trustmesh/internal/metrics"
	"github.com/mbd888/trustmesh/internal/realtime"
	"github.com/mbd888/trustmesh/internal/security"
	"github.com/mbd888/trustmesh/internal/syncutil"
	"github.com/mbd888/trustmesh/internal/usdc"
)

const (
	maxNameLength        = 100
	maxDescriptionLength = 1000
)

// Service is the identity registry.
type Service struct {
	store         Store
	backend       string
	publisher     realtime.Publisher
	logger        *slog.Logger
	checkEndpoint func(string) error
	locks         *syncutil.KeyedMutex
	now           func() time.Time
}

// NewService creates a registry over store. backend labels metrics.
func NewService(store Store, backend string) *Service {
	return &Service{
		store:         store,
		backend:       backend,
		publisher:     realtime.Nop{},
		logger:        slog.Default(),
		checkEndpoint: security.ValidateEndpointURL,
		locks:         syncutil.NewKeyedMutex(0),
		now:           time.Now,
	}
}

// WithPublisher sends registry events to p.
func (s *Service) WithPublisher(p realtime.Publisher) *Service {
	s.publisher = p
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithEndpointCheck replaces the service endpoint validator. Development
// setups use security.ValidateEndpointSyntax to allow loopback endpoints.
func (s *Service) WithEndpointCheck(fn func(string) error) *Service {
	s.checkEndpoint = fn
	return s
}

// WithClock overrides time.Now.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates an agent for req.Owner. An owner holds at most one agent.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Agent, error) {
	if !security.IsValidAddress(req.Owner) {
		return nil, ErrInvalidOwner
	}
	owner := strings.ToLower(req.Owner)

	now := s.now().UTC()
	agent := &Agent{
		ID:           idgen.WithPrefix(idgen.PrefixAgent),
		Owner:        owner,
		Name:         security.SanitizeString(req.Name, maxNameLength),
		Description:  security.SanitizeString(req.Description, maxDescriptionLength),
		Capabilities: normalizeCapabilities(req.Capabilities),
		Endpoint:     strings.TrimSpace(req.Endpoint),
		Price:        req.Price,
		Currency:     strings.ToUpper(strings.TrimSpace(req.Currency)),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if agent.Currency == "" {
		agent.Currency = DefaultCurrency
	}
	if err := s.validate(agent); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock("owner:" + owner)
	defer unlock()

	if err := s.store.Create(ctx, agent); err != nil {
		return nil, err
	}

	metrics.AgentsRegisteredTotal.WithLabelValues(s.backend).Inc()
	s.logger.Info("agent registered", "agent_id", agent.ID, "owner", owner, "backend", s.backend)
	s.publish(realtime.EventAgentRegistered, agent)
	return agent, nil
}

// UpdateMetadata applies patch to the agent and stores the result as a new
// version.
func (s *Service) UpdateMetadata(ctx context.Context, agentID string, patch MetadataPatch) (*Agent, error) {
	unlock := s.locks.Lock("agent:" + agentID)
	defer unlock()

	current, err := s.store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	patch.apply(next)
	next.Name = security.SanitizeString(next.Name, maxNameLength)
	next.Description = security.SanitizeString(next.Description, maxDescriptionLength)
	next.Endpoint = strings.TrimSpace(next.Endpoint)
	if err := s.validate(next); err != nil {
		return nil, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = s.now().UTC()

	if err := s.store.Update(ctx, next); err != nil {
		return nil, err
	}

	s.logger.Info("agent updated", "agent_id", next.ID, "version", next.Version)
	s.publish(realtime.EventAgentUpdated, next)
	return next, nil
}

func (s *Service) validate(a *Agent) error {
	if len(a.Capabilities) == 0 {
		return ErrNoCapabilities
	}
	if a.Price == "" {
		a.Price = "0"
	}
	amount, err := usdc.Parse(a.Price)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}
	a.Price = usdc.Format(amount)
	if a.Endpoint != "" {
		if err := s.checkEndpoint(a.Endpoint); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
		}
	}
	return nil
}

// GetMetadata returns the current version of an agent, or ErrAgentNotFound.
func (s *Service) GetMetadata(ctx context.Context, agentID string) (*Agent, error) {
	return s.store.Get(ctx, agentID)
}

// GetOwner returns the agent's owning address.
func (s *Service) GetOwner(ctx context.Context, agentID string) (string, error) {
	a, err := s.store.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	return a.Owner, nil
}

// Exists reports whether agentID is registered.
func (s *Service) Exists(ctx context.Context, agentID string) (bool, error) {
	_, err := s.store.Get(ctx, agentID)
	if errors.Is(err, ErrAgentNotFound) {
		return false, nil
	}
	return err == nil, err
}

// SearchByCapability returns ids of agents with a capability containing
// query, ignoring case. An empty query matches every agent.
func (s *Service) SearchByCapability(ctx context.Context, query string) ([]string, error) {
	ids, err := s.store.SearchByCapability(ctx, strings.TrimSpace(query))
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// ListAgents pages through agents in registration order.
func (s *Service) ListAgents(ctx context.Context, limit, offset int) ([]*Agent, error) {
	if offset < 0 {
		offset = 0
	}
	return s.store.List(ctx, limit, offset)
}

// History returns every stored version of an agent, oldest first.
func (s *Service) History(ctx context.Context, agentID string) ([]*Agent, error) {
	return s.store.History(ctx, agentID)
}

// GetAgentMetadata looks up several agents at once. Unknown ids yield a
// result with a Reason instead of failing the batch.
func (s *Service) GetAgentMetadata(ctx context.Context, ids []string) ([]MetadataResult, error) {
	results := make([]MetadataResult, 0, len(ids))
	for _, id := range ids {
		a, err := s.store.Get(ctx, id)
		switch {
		case err == nil:
			results = append(results, MetadataResult{ID: id, Agent: a})
		case errkind.Is(err, errkind.NotFound):
			results = append(results, MetadataResult{ID: id, Reason: "agent not found"})
		default:
			return nil, err
		}
	}
	return results, nil
}

// WalletInfo describes the wallet that owns a newly created agent.
// PrivateKey is only set when the wallet was generated for the caller.
type WalletInfo struct {
	Address    string `json:"address"`
	PrivateKey string `json:"privateKey,omitempty"`
	Generated  bool   `json:"generated"`
}

// RegistrationProof is the owner's signature binding it to an agent id.
type RegistrationProof struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
	Timestamp int64  `json:"timestamp"`
}

// CreateAgentResult is returned by CreateAgent.
type CreateAgentResult struct {
	AgentID           string             `json:"agentId"`
	Agent             *Agent             `json:"agent"`
	Wallet            WalletInfo         `json:"walletInfo"`
	RegistrationProof *RegistrationProof `json:"registrationProof,omitempty"`
}

// RegistrationMessage is the text an owner signs to prove registration.
func RegistrationMessage(agentID, owner string, timestamp int64) string {
	return fmt.Sprintf("trustmesh-register|%s|%s|%d", agentID, strings.ToLower(owner), timestamp)
}

// VerifyRegistrationProof reports whether p was signed by owner for agentID.
func VerifyRegistrationProof(p *RegistrationProof, agentID, owner string) bool {
	if p == nil || !strings.EqualFold(p.Signer, owner) {
		return false
	}
	if p.Message != RegistrationMessage(agentID, owner, p.Timestamp) {
		return false
	}
	return eip191.Verify(p.Message, p.Signature, owner)
}

// CreateAgent registers an agent, generating an owner wallet when the
// request names none. A registration proof is produced whenever the owner
// key is at hand, which is only the generated case.
func (s *Service) CreateAgent(ctx context.Context, req RegisterRequest) (*CreateAgentResult, error) {
	var wallet WalletInfo
	var signer func(string) (string, error)

	if strings.TrimSpace(req.Owner) == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, errkind.Wrap(errkind.Fatal, "identity: generate wallet", err)
		}
		req.Owner = eip191.Address(key)
		wallet = WalletInfo{
			Address:    req.Owner,
			PrivateKey: hexutil.Encode(crypto.FromECDSA(key)),
			Generated:  true,
		}
		signer = func(msg string) (string, error) { return eip191.Sign(key, msg) }
	} else {
		wallet = WalletInfo{Address: strings.ToLower(req.Owner)}
	}

	agent, err := s.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	result := &CreateAgentResult{AgentID: agent.ID, Agent: agent, Wallet: wallet}

	if signer != nil {
		ts := s.now().Unix()
		msg := RegistrationMessage(agent.ID, agent.Owner, ts)
		sig, err := signer(msg)
		if err != nil {
			return nil, errkind.Wrap(errkind.Fatal, "identity: sign registration", err)
		}
		result.RegistrationProof = &RegistrationProof{
			Message:   msg,
			Signature: sig,
			Signer:    agent.Owner,
			Timestamp: ts,
		}
	}
	return result, nil
}

func (s *Service) publish(t realtime.EventType, a *Agent) {
	s.publisher.Publish(realtime.Event{
		Type:      t,
		AgentID:   a.ID,
		Timestamp: s.now().UTC(),
		Data:      a,
	})
}

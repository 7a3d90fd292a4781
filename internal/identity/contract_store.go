package identity

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/trustmesh/internal/chain"
)

// RegistryContract is the ledger registry surface ContractStore needs.
// *chain.Registry implements it.
type RegistryContract interface {
	RegisterAgent(ctx context.Context, owner common.Address, uri string) (*big.Int, error)
	UpdateURI(ctx context.Context, agentID *big.Int, uri string) error
	TokenURI(ctx context.Context, agentID *big.Int) (string, error)
	OwnerOf(ctx context.Context, agentID *big.Int) (common.Address, error)
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	TotalAgents(ctx context.Context) (*big.Int, error)
}

var _ RegistryContract = (*chain.Registry)(nil)

// ContractStore keeps agents on the registry contract. Agent ids are the
// contract's token ids and metadata travels as a JSON data URI. The
// contract only exposes the current URI, so History returns one version.
type ContractStore struct {
	registry RegistryContract
}

func NewContractStore(registry RegistryContract) *ContractStore {
	return &ContractStore{registry: registry}
}

func (s *ContractStore) Create(ctx context.Context, agent *Agent) error {
	owner := common.HexToAddress(agent.Owner)
	n, err := s.registry.BalanceOf(ctx, owner)
	if err != nil {
		return err
	}
	if n.Sign() > 0 {
		return ErrOwnerTaken
	}

	uri, err := chain.EncodeDataURI(agent)
	if err != nil {
		return err
	}
	id, err := s.registry.RegisterAgent(ctx, owner, uri)
	if err != nil {
		return err
	}
	agent.ID = id.String()
	agent.MetadataURI = uri
	return nil
}

func (s *ContractStore) Update(ctx context.Context, agent *Agent) error {
	current, err := s.Get(ctx, agent.ID)
	if err != nil {
		return err
	}
	if current.Version+1 != agent.Version {
		return ErrStaleVersion
	}
	id, _ := parseTokenID(agent.ID)

	stored := agent.Clone()
	stored.MetadataURI = ""
	uri, err := chain.EncodeDataURI(stored)
	if err != nil {
		return err
	}
	if err := s.registry.UpdateURI(ctx, id, uri); err != nil {
		return err
	}
	agent.MetadataURI = uri
	return nil
}

func (s *ContractStore) Get(ctx context.Context, id string) (*Agent, error) {
	tokenID, ok := parseTokenID(id)
	if !ok {
		return nil, ErrAgentNotFound
	}
	total, err := s.registry.TotalAgents(ctx)
	if err != nil {
		return nil, err
	}
	if tokenID.Cmp(total) > 0 {
		return nil, ErrAgentNotFound
	}
	return s.load(ctx, tokenID)
}

func (s *ContractStore) load(ctx context.Context, tokenID *big.Int) (*Agent, error) {
	uri, err := s.registry.TokenURI(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	owner, err := s.registry.OwnerOf(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	var a Agent
	if err := chain.DecodeDataURI(uri, &a); err != nil {
		// Registered by someone else with a non-inline URI.
		a = Agent{Version: 1, Currency: DefaultCurrency}
	}
	a.ID = tokenID.String()
	a.Owner = strings.ToLower(owner.Hex())
	a.MetadataURI = uri
	return &a, nil
}

func (s *ContractStore) GetByOwner(ctx context.Context, owner string) (*Agent, error) {
	agents, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if a.Owner == strings.ToLower(owner) {
			return a, nil
		}
	}
	return nil, ErrAgentNotFound
}

func (s *ContractStore) List(ctx context.Context, limit, offset int) ([]*Agent, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	total, err := s.registry.TotalAgents(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Agent
	for i := int64(offset) + 1; i <= total.Int64() && len(out) < limit; i++ {
		a, err := s.load(ctx, big.NewInt(i))
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *ContractStore) all(ctx context.Context) ([]*Agent, error) {
	total, err := s.registry.TotalAgents(ctx)
	if err != nil {
		return nil, err
	}
	return s.List(ctx, int(total.Int64())+1, 0)
}

func (s *ContractStore) History(ctx context.Context, id string) ([]*Agent, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return []*Agent{a}, nil
}

func (s *ContractStore) SearchByCapability(ctx context.Context, capability string) ([]string, error) {
	agents, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, a := range agents {
		if a.HasCapability(capability) {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

func parseTokenID(id string) (*big.Int, bool) {
	n, ok := new(big.Int).SetString(id, 10)
	if !ok || n.Sign() <= 0 {
		return nil, false
	}
	return n, true
}

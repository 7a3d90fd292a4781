package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/trustmesh/internal/errkind"
)

// RegistryABI is the agent identity registry: one token per agent, the
// token URI carries the agent's metadata.
const RegistryABI = `[
	{"inputs":[{"name":"owner","type":"address"},{"name":"uri","type":"string"}],"name":"register","outputs":[{"name":"agentId","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"agentId","type":"uint256"},{"name":"uri","type":"string"}],"name":"setTokenURI","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"agentId","type":"uint256"}],"name":"tokenURI","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"agentId","type":"uint256"}],"name":"ownerOf","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"agentId","type":"uint256"},{"indexed":true,"name":"owner","type":"address"},{"indexed":false,"name":"uri","type":"string"}],"name":"Registered","type":"event"}
]`

var ErrNoRegisteredEvent = errkind.New(errkind.ExternalService, "chain: receipt has no Registered event")

// Registry is a client for the registry contract.
type Registry struct {
	sender  *Sender
	address common.Address
	abi     abi.ABI
	timeout time.Duration
}

// NewRegistry binds a registry contract at address.
func NewRegistry(sender *Sender, address string) (*Registry, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("chain: invalid registry address %q", address)
	}
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse registry ABI: %w", err)
	}
	return &Registry{
		sender:  sender,
		address: common.HexToAddress(address),
		abi:     parsed,
		timeout: DefaultWaitTimeout,
	}, nil
}

// RegisterAgent mints a registry entry for owner and returns its id once
// the transaction is mined.
func (r *Registry) RegisterAgent(ctx context.Context, owner common.Address, uri string) (*big.Int, error) {
	data, err := r.abi.Pack("register", owner, uri)
	if err != nil {
		return nil, fmt.Errorf("chain: pack register: %w", err)
	}
	hash, err := r.sender.Send(ctx, r.address, data)
	if err != nil {
		return nil, err
	}
	receipt, err := r.sender.WaitReceipt(ctx, hash, r.timeout)
	if err != nil {
		return nil, err
	}

	event := r.abi.Events["Registered"]
	for _, l := range receipt.Logs {
		if l.Address != r.address || len(l.Topics) < 2 || l.Topics[0] != event.ID {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[1].Bytes()), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoRegisteredEvent, hash.Hex())
}

// UpdateURI replaces the metadata URI of a registered agent.
func (r *Registry) UpdateURI(ctx context.Context, agentID *big.Int, uri string) error {
	data, err := r.abi.Pack("setTokenURI", agentID, uri)
	if err != nil {
		return fmt.Errorf("chain: pack setTokenURI: %w", err)
	}
	hash, err := r.sender.Send(ctx, r.address, data)
	if err != nil {
		return err
	}
	_, err = r.sender.WaitReceipt(ctx, hash, r.timeout)
	return err
}

func (r *Registry) TokenURI(ctx context.Context, agentID *big.Int) (string, error) {
	out, err := r.call(ctx, "tokenURI", agentID)
	if err != nil {
		return "", err
	}
	uri, ok := out[0].(string)
	if !ok {
		return "", errkind.External("chain: tokenURI", fmt.Errorf("unexpected output %T", out[0]))
	}
	return uri, nil
}

func (r *Registry) OwnerOf(ctx context.Context, agentID *big.Int) (common.Address, error) {
	out, err := r.call(ctx, "ownerOf", agentID)
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, errkind.External("chain: ownerOf", fmt.Errorf("unexpected output %T", out[0]))
	}
	return owner, nil
}

func (r *Registry) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return r.callUint(ctx, "balanceOf", owner)
}

// TotalAgents is the number of ids minted so far. Ids run 1..TotalAgents.
func (r *Registry) TotalAgents(ctx context.Context) (*big.Int, error) {
	return r.callUint(ctx, "totalSupply")
}

func (r *Registry) callUint(ctx context.Context, method string, args ...any) (*big.Int, error) {
	out, err := r.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, errkind.External("chain: "+method, fmt.Errorf("unexpected output %T", out[0]))
	}
	return v, nil
}

func (r *Registry) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	raw, err := r.sender.Call(ctx, r.address, data)
	if err != nil {
		return nil, err
	}
	out, err := r.abi.Unpack(method, raw)
	if err != nil {
		return nil, errkind.External("chain: unpack "+method, err)
	}
	if len(out) == 0 {
		return nil, errkind.External("chain: "+method, fmt.Errorf("empty output"))
	}
	return out, nil
}

// Package chaintest is an in-process chain backend that executes the
// registry and ERC-20 contracts the layer talks to.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mbd888/trustmesh/internal/chain"
)

// Default contract addresses.
var (
	RegistryAddress = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	TokenAddress    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// ChainID used by the backend's signer.
const ChainID = 1337

// Backend implements chain.EthClient.
type Backend struct {
	mu       sync.Mutex
	registry abi.ABI
	erc20    abi.ABI
	signer   types.Signer

	nonces   map[common.Address]uint64
	receipts map[common.Hash]*types.Receipt
	block    uint64

	uris    map[string]string
	owners  map[string]common.Address
	minters map[string]common.Address
	supply  int64

	balances map[common.Address]*big.Int

	// FailCalls / FailSends make the next N calls fail with ErrUnavailable.
	FailCalls int
	FailSends int
	// Skim is subtracted from the sender on every token transfer on top of
	// the amount, to simulate a ledger that loses funds.
	Skim *big.Int
}

var ErrUnavailable = errors.New("chaintest: rpc unavailable")

var _ chain.EthClient = (*Backend)(nil)

func New() *Backend {
	reg, err := abi.JSON(strings.NewReader(chain.RegistryABI))
	if err != nil {
		panic(err)
	}
	tok, err := abi.JSON(strings.NewReader(chain.ERC20ABI))
	if err != nil {
		panic(err)
	}
	return &Backend{
		registry: reg,
		erc20:    tok,
		signer:   types.NewEIP155Signer(big.NewInt(ChainID)),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
		uris:     make(map[string]string),
		owners:   make(map[string]common.Address),
		minters:  make(map[string]common.Address),
		balances: make(map[common.Address]*big.Int),
	}
}

// Mint credits addr with amount token units.
func (b *Backend) Mint(addr common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[addr] = new(big.Int).Add(b.balance(addr), amount)
}

// Balance returns addr's token balance.
func (b *Backend) Balance(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.balance(addr))
}

func (b *Backend) balance(addr common.Address) *big.Int {
	if v, ok := b.balances[addr]; ok {
		return v
	}
	return new(big.Int)
}

func (b *Backend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *Backend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (b *Backend) NetworkID(context.Context) (*big.Int, error) {
	return big.NewInt(ChainID), nil
}

func (b *Backend) Close() {}

func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *Backend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailCalls > 0 {
		b.FailCalls--
		return nil, ErrUnavailable
	}
	if call.To == nil || len(call.Data) < 4 {
		return nil, fmt.Errorf("chaintest: bad call")
	}

	switch *call.To {
	case RegistryAddress:
		return b.callRegistry(call.Data)
	case TokenAddress:
		return b.callToken(call.Data)
	}
	return nil, fmt.Errorf("chaintest: no contract at %s", call.To.Hex())
}

func (b *Backend) callRegistry(data []byte) ([]byte, error) {
	method, args, err := unpack(b.registry, data)
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "tokenURI":
		uri, ok := b.uris[args[0].(*big.Int).String()]
		if !ok {
			return nil, fmt.Errorf("execution reverted: nonexistent token")
		}
		return method.Outputs.Pack(uri)
	case "ownerOf":
		owner, ok := b.owners[args[0].(*big.Int).String()]
		if !ok {
			return nil, fmt.Errorf("execution reverted: nonexistent token")
		}
		return method.Outputs.Pack(owner)
	case "balanceOf":
		owner := args[0].(common.Address)
		n := int64(0)
		for _, o := range b.owners {
			if o == owner {
				n++
			}
		}
		return method.Outputs.Pack(big.NewInt(n))
	case "totalSupply":
		return method.Outputs.Pack(big.NewInt(b.supply))
	}
	return nil, fmt.Errorf("chaintest: registry method %s is not a view", method.Name)
}

func (b *Backend) callToken(data []byte) ([]byte, error) {
	method, args, err := unpack(b.erc20, data)
	if err != nil {
		return nil, err
	}
	if method.Name != "balanceOf" {
		return nil, fmt.Errorf("chaintest: token method %s is not a view", method.Name)
	}
	return method.Outputs.Pack(new(big.Int).Set(b.balance(args[0].(common.Address))))
}

func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailSends > 0 {
		b.FailSends--
		return ErrUnavailable
	}
	from, err := types.Sender(b.signer, tx)
	if err != nil {
		return fmt.Errorf("chaintest: recover sender: %w", err)
	}
	if tx.Nonce() != b.nonces[from] {
		return fmt.Errorf("chaintest: nonce %d, want %d", tx.Nonce(), b.nonces[from])
	}
	b.nonces[from]++
	b.block++

	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(b.block),
		GasUsed:     21_000,
	}

	var logs []*types.Log
	switch *tx.To() {
	case RegistryAddress:
		logs, err = b.execRegistry(from, tx.Data())
	case TokenAddress:
		logs, err = b.execToken(from, tx.Data())
	default:
		err = fmt.Errorf("no contract")
	}
	if err != nil {
		receipt.Status = types.ReceiptStatusFailed
	}
	receipt.Logs = logs
	b.receipts[tx.Hash()] = receipt
	return nil
}

func (b *Backend) execRegistry(from common.Address, data []byte) ([]*types.Log, error) {
	method, args, err := unpack(b.registry, data)
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "register":
		owner := args[0].(common.Address)
		uri := args[1].(string)
		b.supply++
		id := big.NewInt(b.supply)
		b.uris[id.String()] = uri
		b.owners[id.String()] = owner
		b.minters[id.String()] = from

		event := b.registry.Events["Registered"]
		payload, err := event.Inputs.NonIndexed().Pack(uri)
		if err != nil {
			return nil, err
		}
		return []*types.Log{{
			Address: RegistryAddress,
			Topics:  []common.Hash{event.ID, common.BigToHash(id), common.BytesToHash(owner.Bytes())},
			Data:    payload,
		}}, nil
	case "setTokenURI":
		id := args[0].(*big.Int).String()
		if b.owners[id] != from && b.minters[id] != from {
			return nil, fmt.Errorf("not owner or registrar")
		}
		b.uris[id] = args[1].(string)
		return nil, nil
	}
	return nil, fmt.Errorf("chaintest: unknown registry method %s", method.Name)
}

func (b *Backend) execToken(from common.Address, data []byte) ([]*types.Log, error) {
	method, args, err := unpack(b.erc20, data)
	if err != nil {
		return nil, err
	}
	if method.Name != "transfer" {
		return nil, fmt.Errorf("chaintest: unknown token method %s", method.Name)
	}
	to := args[0].(common.Address)
	amount := args[1].(*big.Int)

	debit := new(big.Int).Set(amount)
	if b.Skim != nil {
		debit.Add(debit, b.Skim)
	}
	if b.balance(from).Cmp(debit) < 0 {
		return nil, fmt.Errorf("insufficient balance")
	}
	b.balances[from] = new(big.Int).Sub(b.balance(from), debit)
	b.balances[to] = new(big.Int).Add(b.balance(to), amount)

	event := b.erc20.Events["Transfer"]
	payload, err := event.Inputs.NonIndexed().Pack(amount)
	if err != nil {
		return nil, err
	}
	return []*types.Log{{
		Address: TokenAddress,
		Topics:  []common.Hash{event.ID, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:    payload,
	}}, nil
}

func unpack(contract abi.ABI, data []byte) (*abi.Method, []any, error) {
	method, err := contract.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, err
	}
	return method, args, nil
}

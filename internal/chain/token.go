package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/trustmesh/internal/errkind"
)

// ERC20ABI is the minimal token surface used for USDC settlement.
const ERC20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// Token is an ERC-20 contract client.
type Token struct {
	sender  *Sender
	address common.Address
	abi     abi.ABI
}

// NewToken binds an ERC-20 contract at address.
func NewToken(sender *Sender, address string) (*Token, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("chain: invalid token address %q", address)
	}
	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse ERC20 ABI: %w", err)
	}
	return &Token{sender: sender, address: common.HexToAddress(address), abi: parsed}, nil
}

// Sender exposes the account the token client transacts from.
func (t *Token) Sender() *Sender { return t.sender }

// BalanceOf returns owner's balance in the token's smallest unit.
func (t *Token) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := t.abi.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("chain: pack balanceOf: %w", err)
	}
	raw, err := t.sender.Call(ctx, t.address, data)
	if err != nil {
		return nil, err
	}
	out, err := t.abi.Unpack("balanceOf", raw)
	if err != nil || len(out) == 0 {
		return nil, errkind.External("chain: unpack balanceOf", fmt.Errorf("bad output: %v", err))
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, errkind.External("chain: balanceOf", fmt.Errorf("unexpected output %T", out[0]))
	}
	return bal, nil
}

// Transfer submits a transfer from the sender account and returns the
// transaction hash without waiting for it to be mined.
func (t *Token) Transfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	data, err := t.abi.Pack("transfer", to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack transfer: %w", err)
	}
	return t.sender.Send(ctx, t.address, data)
}

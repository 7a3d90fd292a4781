// Package chain talks to the settlement ledger: read calls, signed
// contract transactions, receipts, and the agent registry contract.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/metrics"
)

var (
	ErrInvalidPrivateKey = errkind.New(errkind.Validation, "chain: invalid private key")
	ErrTxReverted        = errkind.New(errkind.ExternalService, "chain: transaction reverted")
	ErrReceiptTimeout    = errkind.New(errkind.ExternalService, "chain: timed out waiting for receipt")
)

const (
	DefaultGasLimit     = uint64(300_000)
	DefaultPollInterval = 2 * time.Second
	DefaultWaitTimeout  = 60 * time.Second
)

// EthClient is the subset of ethclient.Client the layer uses. Tests swap
// in chaintest.Backend.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

var _ EthClient = (*ethclient.Client)(nil)

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errkind.External("chain: dial", err)
	}
	return c, nil
}

// ParsePrivateKey accepts a 64 hex char key with or without 0x.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return key, nil
}

// Sender signs and submits contract transactions from one account.
type Sender struct {
	client       EthClient
	key          *ecdsa.PrivateKey
	from         common.Address
	chainID      *big.Int
	pollInterval time.Duration

	// serializes nonce assignment
	mu sync.Mutex
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithPollInterval sets how often receipts are polled.
func WithPollInterval(d time.Duration) SenderOption {
	return func(s *Sender) { s.pollInterval = d }
}

// NewSender creates a sender for key on chainID.
func NewSender(client EthClient, key *ecdsa.PrivateKey, chainID int64, opts ...SenderOption) *Sender {
	s := &Sender{
		client:       client,
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		chainID:      big.NewInt(chainID),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// From is the sending account.
func (s *Sender) From() common.Address { return s.from }

// Client returns the underlying RPC client.
func (s *Sender) Client() EthClient { return s.client }

// Call performs a read-only contract call.
func (s *Sender) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := s.client.CallContract(ctx, ethereum.CallMsg{From: s.from, To: &to, Data: data}, nil)
	metrics.ObserveExternal("chain", "call", err)
	if err != nil {
		return nil, errkind.External("chain: call", err)
	}
	return out, nil
}

// Send signs data as a transaction to contract `to` and submits it,
// returning the transaction hash.
func (s *Sender) Send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return common.Hash{}, errkind.External("chain: nonce", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, errkind.External("chain: gas price", err)
	}
	gas, err := s.client.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &to, Value: big.NewInt(0), Data: data})
	if err != nil {
		gas = DefaultGasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign: %w", err)
	}

	err = s.client.SendTransaction(ctx, signed)
	metrics.ObserveExternal("chain", "send", err)
	if err != nil {
		return common.Hash{}, errkind.External("chain: send "+signed.Hash().Hex(), err)
	}
	return signed.Hash(), nil
}

// WaitReceipt polls for the receipt of hash until it is mined, the
// timeout passes, or ctx ends. A reverted transaction is ErrTxReverted.
func (s *Sender) WaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, fmt.Errorf("%w: %s", ErrTxReverted, hash.Hex())
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Package wallet settles transfers on chain through the stablecoin
// contract. It implements ledger.Client so settlement can run against the
// platform ledger or a real token without knowing which.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/trustmesh/internal/chain"
	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/ledger"
	"github.com/mbd888/trustmesh/internal/security"
	"github.com/mbd888/trustmesh/internal/usdc"
)

var (
	ErrNotSigner      = errkind.New(errkind.Validation, "wallet: transfer source is not this wallet")
	ErrUnknownWallet  = errkind.New(errkind.Validation, "wallet: no key held for source address")
	ErrInvalidAddress = errkind.New(errkind.Validation, "wallet: invalid address")
	ErrInvalidAmount  = errkind.New(errkind.Validation, "wallet: amount must be positive")
	ErrInvalidTxID    = errkind.New(errkind.Validation, "wallet: invalid transaction hash")
)

var _ ledger.Client = (*Wallet)(nil)

// Wallet signs token transfers from a single key.
type Wallet struct {
	token   *chain.Token
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*ledger.Transfer
}

// New wraps token. Transfers are signed by the token's sender.
func New(token *chain.Token) *Wallet {
	return &Wallet{
		token:   token,
		timeout: chain.DefaultWaitTimeout,
		logger:  slog.Default(),
		now:     time.Now,
		pending: make(map[string]*ledger.Transfer),
	}
}

// WithConfirmationTimeout bounds WaitForConfirmation.
func (w *Wallet) WithConfirmationTimeout(d time.Duration) *Wallet {
	w.timeout = d
	return w
}

// WithLogger sets the wallet logger.
func (w *Wallet) WithLogger(l *slog.Logger) *Wallet {
	w.logger = l
	return w
}

// WithClock overrides time.Now.
func (w *Wallet) WithClock(now func() time.Time) *Wallet {
	w.now = now
	return w
}

// Address is the lowercase hex address of the signing key.
func (w *Wallet) Address() string {
	return strings.ToLower(w.token.Sender().From().Hex())
}

// GetBalance reads address's token balance as a decimal string.
func (w *Wallet) GetBalance(ctx context.Context, address string) (string, error) {
	if !security.IsValidAddress(address) {
		return "", ErrInvalidAddress
	}
	bal, err := w.token.BalanceOf(ctx, common.HexToAddress(address))
	if err != nil {
		return "", err
	}
	return usdc.Format(bal), nil
}

// Transfer submits a token transfer and returns it pending. The memo is
// kept off chain; ERC-20 transfer carries no data field.
func (w *Wallet) Transfer(ctx context.Context, from, to, amount, memo string) (*ledger.Transfer, error) {
	if !strings.EqualFold(from, w.Address()) {
		return nil, ErrNotSigner
	}
	if !security.IsValidAddress(to) {
		return nil, ErrInvalidAddress
	}
	units, err := usdc.Parse(amount)
	if err != nil || units.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	hash, err := w.token.Transfer(ctx, common.HexToAddress(to), units)
	if err != nil {
		return nil, err
	}
	t := &ledger.Transfer{
		TxID:      hash.Hex(),
		From:      w.Address(),
		To:        strings.ToLower(to),
		Amount:    usdc.Format(units),
		Memo:      memo,
		Status:    ledger.TransferPending,
		CreatedAt: w.now().UTC(),
	}
	w.mu.Lock()
	w.pending[t.TxID] = t
	w.mu.Unlock()

	w.logger.Info("token transfer submitted", "tx_id", t.TxID, "to", t.To, "amount", t.Amount, "memo", memo)
	return copyTransfer(t), nil
}

// WaitForConfirmation blocks until txID is mined. A reverted transaction
// comes back with status failed alongside chain.ErrTxReverted.
func (w *Wallet) WaitForConfirmation(ctx context.Context, txID string) (*ledger.Transfer, error) {
	if len(txID) != 66 || !security.IsValidHex(txID) {
		return nil, ErrInvalidTxID
	}
	hash := common.HexToHash(txID)

	w.mu.Lock()
	t, ok := w.pending[hash.Hex()]
	if !ok {
		t = &ledger.Transfer{TxID: hash.Hex(), Status: ledger.TransferPending}
	}
	w.mu.Unlock()

	_, err := w.token.Sender().WaitReceipt(ctx, hash, w.timeout)
	switch {
	case errors.Is(err, chain.ErrTxReverted):
		t.Status = ledger.TransferFailed
		w.forget(t.TxID)
		return copyTransfer(t), err
	case err != nil:
		return nil, err
	}

	at := w.now().UTC()
	t.Status = ledger.TransferConfirmed
	t.ConfirmedAt = &at
	w.forget(t.TxID)
	return copyTransfer(t), nil
}

func (w *Wallet) forget(txID string) {
	w.mu.Lock()
	delete(w.pending, txID)
	w.mu.Unlock()
}

func copyTransfer(t *ledger.Transfer) *ledger.Transfer {
	c := *t
	return &c
}

// Keyring routes transfers to the wallet holding the source key.
type Keyring struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet
	reader  *Wallet
}

var _ ledger.Client = (*Keyring)(nil)

// NewKeyring holds wallets. The first one also serves balance reads and
// confirmations.
func NewKeyring(wallets ...*Wallet) *Keyring {
	k := &Keyring{wallets: make(map[string]*Wallet)}
	for _, w := range wallets {
		k.Add(w)
	}
	return k
}

// Add registers w under its address.
func (k *Keyring) Add(w *Wallet) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.wallets[w.Address()] = w
	if k.reader == nil {
		k.reader = w
	}
}

func (k *Keyring) lookup(address string) (*Wallet, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	w, ok := k.wallets[strings.ToLower(address)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWallet, address)
	}
	return w, nil
}

func (k *Keyring) any() (*Wallet, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.reader == nil {
		return nil, ErrUnknownWallet
	}
	return k.reader, nil
}

func (k *Keyring) GetBalance(ctx context.Context, address string) (string, error) {
	w, err := k.any()
	if err != nil {
		return "", err
	}
	return w.GetBalance(ctx, address)
}

func (k *Keyring) Transfer(ctx context.Context, from, to, amount, memo string) (*ledger.Transfer, error) {
	w, err := k.lookup(from)
	if err != nil {
		return nil, err
	}
	return w.Transfer(ctx, from, to, amount, memo)
}

// WaitForConfirmation asks every held wallet's pending set first so the
// returned transfer keeps its from, to and memo.
func (k *Keyring) WaitForConfirmation(ctx context.Context, txID string) (*ledger.Transfer, error) {
	hash := common.HexToHash(txID).Hex()
	k.mu.RLock()
	var owner *Wallet
	for _, w := range k.wallets {
		w.mu.Lock()
		_, ok := w.pending[hash]
		w.mu.Unlock()
		if ok {
			owner = w
			break
		}
	}
	k.mu.RUnlock()
	if owner == nil {
		var err error
		if owner, err = k.any(); err != nil {
			return nil, err
		}
	}
	return owner.WaitForConfirmation(ctx, txID)
}

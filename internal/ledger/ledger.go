// Package ledger keeps platform-held agent balances and moves them with
// memo-bearing transfers.
//
// Every transfer debits the payer and credits the payee in one store
// transaction, and records one entry per side so history can be replayed
// against balances.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/idgen"
	"github.com/mbd888/trustmesh/internal/security"
	"github.com/mbd888/trustmesh/internal/usdc"
)

var (
	ErrInsufficientBalance = errkind.New(errkind.InsufficientBalance, "ledger: insufficient balance")
	ErrInvalidAmount       = errkind.New(errkind.Validation, "ledger: invalid amount")
	ErrInvalidAddress      = errkind.New(errkind.Validation, "ledger: invalid address")
	ErrTransferNotFound    = errkind.New(errkind.NotFound, "ledger: transfer not found")
	ErrDuplicateDeposit    = errkind.New(errkind.Validation, "ledger: deposit already processed")
)

// TransferStatus is the confirmation state of a transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferConfirmed TransferStatus = "confirmed"
	TransferFailed    TransferStatus = "failed"
)

// Transfer moves Amount from one address to another.
type Transfer struct {
	TxID        string         `json:"txId"`
	From        string         `json:"from"`
	To          string         `json:"to"`
	Amount      string         `json:"amount"`
	Memo        string         `json:"memo,omitempty"`
	Status      TransferStatus `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	ConfirmedAt *time.Time     `json:"confirmedAt,omitempty"`
}

// Entry types.
const (
	EntryDeposit = "deposit"
	EntryDebit   = "debit"
	EntryCredit  = "credit"
)

// Entry is one side of a balance movement.
type Entry struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Type      string    `json:"type"`
	Amount    string    `json:"amount"`
	TxID      string    `json:"txId,omitempty"`
	Reference string    `json:"reference,omitempty"`
	Memo      string    `json:"memo,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Client is the transfer surface settlement runs against. The platform
// Ledger and the on-chain wallet both implement it.
type Client interface {
	GetBalance(ctx context.Context, address string) (string, error)
	Transfer(ctx context.Context, from, to, amount, memo string) (*Transfer, error)
	WaitForConfirmation(ctx context.Context, txID string) (*Transfer, error)
}

// Store persists balances, transfers and entries. Transfer must apply the
// debit, the credit and both entries atomically, and fail with
// ErrInsufficientBalance without side effects when the payer is short.
type Store interface {
	Balance(ctx context.Context, address string) (string, error)
	Deposit(ctx context.Context, e *Entry) error
	Transfer(ctx context.Context, t *Transfer) error
	GetTransfer(ctx context.Context, txID string) (*Transfer, error)
	History(ctx context.Context, address string, limit int) ([]*Entry, error)
}

// Ledger manages platform balances.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

var _ Client = (*Ledger)(nil)

// New creates a ledger over store.
func New(store Store) *Ledger {
	return &Ledger{store: store, logger: slog.Default(), now: time.Now}
}

func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// WithClock overrides time.Now.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// GetBalance returns the available balance of address.
func (l *Ledger) GetBalance(ctx context.Context, address string) (string, error) {
	addr, err := normalize(address)
	if err != nil {
		return "", err
	}
	bal, err := l.store.Balance(ctx, addr)
	if err != nil {
		return "", external("balance", err)
	}
	return bal, nil
}

// Deposit credits address. A reference (e.g. an inbound tx hash) may be
// credited only once.
func (l *Ledger) Deposit(ctx context.Context, address, amount, reference string) (*Entry, error) {
	addr, err := normalize(address)
	if err != nil {
		return nil, err
	}
	amt, err := positive(amount)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		ID:        idgen.WithPrefix(idgen.PrefixTransfer),
		Address:   addr,
		Type:      EntryDeposit,
		Amount:    amt,
		Reference: strings.TrimSpace(reference),
		CreatedAt: l.now().UTC(),
	}
	if err := l.store.Deposit(ctx, e); err != nil {
		return nil, external("deposit", err)
	}
	l.logger.Info("ledger deposit", "address", addr, "amount", amt, "reference", e.Reference)
	return e, nil
}

// Transfer moves amount from one address to another. Platform transfers
// confirm as soon as they commit.
func (l *Ledger) Transfer(ctx context.Context, from, to, amount, memo string) (*Transfer, error) {
	src, err := normalize(from)
	if err != nil {
		return nil, err
	}
	dst, err := normalize(to)
	if err != nil {
		return nil, err
	}
	amt, err := positive(amount)
	if err != nil {
		return nil, err
	}

	now := l.now().UTC()
	t := &Transfer{
		TxID:        idgen.WithPrefix(idgen.PrefixTransfer),
		From:        src,
		To:          dst,
		Amount:      amt,
		Memo:        security.SanitizeString(memo, 255),
		Status:      TransferConfirmed,
		CreatedAt:   now,
		ConfirmedAt: &now,
	}
	if err := l.store.Transfer(ctx, t); err != nil {
		return nil, external("transfer", err)
	}
	l.logger.Info("ledger transfer", "tx_id", t.TxID, "from", src, "to", dst, "amount", amt, "memo", t.Memo)
	return t, nil
}

// WaitForConfirmation returns the transfer once it is confirmed.
func (l *Ledger) WaitForConfirmation(ctx context.Context, txID string) (*Transfer, error) {
	t, err := l.store.GetTransfer(ctx, txID)
	if err != nil {
		return nil, external("get transfer", err)
	}
	return t, nil
}

// History returns the most recent entries of address, newest first.
func (l *Ledger) History(ctx context.Context, address string, limit int) ([]*Entry, error) {
	addr, err := normalize(address)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	entries, err := l.store.History(ctx, addr, limit)
	if err != nil {
		return nil, external("history", err)
	}
	return entries, nil
}

func normalize(address string) (string, error) {
	addr := security.NormalizeAddress(address)
	if !security.IsValidAddress(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return addr, nil
}

func positive(amount string) (string, error) {
	v, err := usdc.Parse(amount)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if v.Sign() <= 0 {
		return "", fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	return usdc.Format(v), nil
}

// external classifies store failures. Business errors the store raises
// keep their own kind.
func external(op string, err error) error {
	if errkind.KindOf(err) != errkind.Unknown {
		return err
	}
	return errkind.External("ledger: "+op, err)
}

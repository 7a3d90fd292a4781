// Package settlement moves the funds a verified payment proof promises.
//
// The executor re-checks the proof signature, checks the payer can cover
// the amount, transfers with a memo naming the payment, waits for the
// transfer to confirm and then re-reads the payer balance. A balance that
// moved by anything other than the amount is a fatal integrity error.
// Settlements touching an address, as payer or payee, run one at a time
// per executor so that check only ever sees its own transfer.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/trustmesh/internal/eip191"
	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/ledger"
	"github.com/mbd888/trustmesh/internal/metrics"
	"github.com/mbd888/trustmesh/internal/payment"
	"github.com/mbd888/trustmesh/internal/realtime"
	"github.com/mbd888/trustmesh/internal/retry"
	"github.com/mbd888/trustmesh/internal/syncutil"
	"github.com/mbd888/trustmesh/internal/traces"
	"github.com/mbd888/trustmesh/internal/usdc"
)

var (
	ErrProofMismatch       = errkind.New(errkind.Validation, "settlement: proof does not match request")
	ErrInvalidAmount       = errkind.New(errkind.Validation, "settlement: invalid amount")
	ErrInsufficientBalance = errkind.New(errkind.InsufficientBalance, "settlement: insufficient balance")
	ErrTransferFailed      = errkind.New(errkind.ExternalService, "settlement: transfer failed")
	ErrIntegrity           = errkind.New(errkind.Fatal, "settlement: balance change does not match amount")
	ErrNotVerified         = errkind.New(errkind.Validation, "settlement: payment is not in verified state")
)

// Status is the outcome of one settlement.
type Status string

const (
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
)

// MemoPrefix starts the memo of every settlement transfer.
const MemoPrefix = "payment:"

// Memo is the transfer memo for paymentID.
func Memo(paymentID string) string { return MemoPrefix + paymentID }

// Result describes a completed settlement.
type Result struct {
	PaymentID      string    `json:"paymentId"`
	Status         Status    `json:"status"`
	TxID           string    `json:"txId"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Amount         string    `json:"amount"`
	BalanceBefore  string    `json:"balanceBefore,omitempty"`
	BalanceAfter   string    `json:"balanceAfter,omitempty"`
	AlreadySettled bool      `json:"alreadySettled,omitempty"`
	SettledAt      time.Time `json:"settledAt"`
}

// Settler is anything that can settle a signed payment.
type Settler interface {
	ExecutePayment(ctx context.Context, req payment.Request, proof *payment.Proof) (*Result, error)
}

var _ Settler = (*Executor)(nil)

// DefaultInflightTTL bounds how long an unconfirmed transfer is
// remembered for a retry of its payment.
const DefaultInflightTTL = 24 * time.Hour

// Executor settles payments against a ledger.Client.
type Executor struct {
	ledger      ledger.Client
	store       payment.Store
	policy      retry.Policy
	locks       *syncutil.KeyedMutex
	publisher   realtime.Publisher
	logger      *slog.Logger
	now         func() time.Time
	inflightTTL time.Duration

	mu       sync.Mutex
	inflight map[string]submitted
}

// submitted is a transfer that went out but has not been confirmed yet.
// A retry of the same payment waits for it instead of paying again.
type submitted struct {
	txID   string
	before *big.Int
	at     time.Time
}

// NewExecutor settles over client.
func NewExecutor(client ledger.Client) *Executor {
	return &Executor{
		ledger:    client,
		policy:    retry.DefaultPolicy,
		locks:     syncutil.NewKeyedMutex(0),
		publisher: realtime.Nop{},
		logger:    slog.Default(),
		now:       time.Now,

		inflightTTL: DefaultInflightTTL,
		inflight:    make(map[string]submitted),
	}
}

// WithStore records settled and failed outcomes in the payee's received
// set.
func (e *Executor) WithStore(s payment.Store) *Executor {
	e.store = s
	return e
}

// WithRetry sets the policy for balance reads and confirmation waits.
// Transfers themselves are submitted once.
func (e *Executor) WithRetry(p retry.Policy) *Executor {
	e.policy = p
	return e
}

// WithPublisher sends settlement events to p.
func (e *Executor) WithPublisher(p realtime.Publisher) *Executor {
	e.publisher = p
	return e
}

// WithLogger sets the executor logger.
func (e *Executor) WithLogger(l *slog.Logger) *Executor {
	e.logger = l
	return e
}

// WithInflightTTL sets how long an unconfirmed transfer is kept for
// retries. Older entries are dropped.
func (e *Executor) WithInflightTTL(d time.Duration) *Executor {
	if d > 0 {
		e.inflightTTL = d
	}
	return e
}

// WithClock overrides time.Now.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// ExecutePayment settles proof. Settlements sharing the payer or the
// payee address are serialized so the balance check sees only this
// transfer. A payment already settled
// in the received set returns its recorded result with AlreadySettled set.
func (e *Executor) ExecutePayment(ctx context.Context, req payment.Request, proof *payment.Proof) (result *Result, err error) {
	start := e.now()
	ctx, span := traces.StartSpan(ctx, "settlement.execute", traces.PaymentID(req.PaymentID), traces.Amount(req.Amount))
	defer func() {
		traces.End(span, err)
		metrics.SettlementDuration.Observe(e.now().Sub(start).Seconds())
		metrics.SettlementsTotal.WithLabelValues(outcome(result, err)).Inc()
	}()

	amount, err := checkProof(req, proof)
	if err != nil {
		return nil, err
	}
	from := strings.ToLower(proof.Sender)
	to := strings.ToLower(proof.Recipient)

	unlock, err := e.locks.LockAllContext(ctx, from, to)
	if err != nil {
		return nil, errkind.Wrap(errkind.Cancelled, "settlement: execute", err)
	}
	defer unlock()

	tracked, existing, err := e.received(ctx, proof.PaymentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	result, err = e.settle(ctx, proof, from, to, amount)
	if err != nil {
		e.logger.Warn("settlement failed", "payment_id", proof.PaymentID, "kind", errkind.KindOf(err), "error", err)
		if tracked {
			e.markFailed(ctx, proof.PaymentID, err)
		}
		return nil, err
	}

	if tracked {
		if merr := e.store.MarkSettled(ctx, proof.PaymentID, result.TxID, result.SettledAt); merr != nil {
			// Funds have moved; surface the bookkeeping failure without
			// hiding the transfer.
			e.logger.Error("settled payment not recorded", "payment_id", proof.PaymentID, "tx_id", result.TxID, "error", merr)
			return result, errkind.External("settlement: record settled", merr)
		}
	}

	e.logger.Info("payment settled", "payment_id", result.PaymentID, "tx_id", result.TxID, "amount", result.Amount, "from", from, "to", to)
	e.publisher.Publish(realtime.Event{
		Type:      realtime.EventPaymentSettled,
		PaymentID: result.PaymentID,
		Timestamp: result.SettledAt,
		Data:      result,
	})
	return result, nil
}

func (e *Executor) settle(ctx context.Context, proof *payment.Proof, from, to string, amount *big.Int) (*Result, error) {
	sub, resumed := e.inflightTransfer(proof.PaymentID)
	if !resumed {
		before, err := e.balance(ctx, from)
		if err != nil {
			return nil, err
		}
		if before.Cmp(amount) < 0 {
			return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, usdc.Format(before), usdc.Format(amount))
		}

		t, err := e.ledger.Transfer(ctx, from, to, usdc.Format(amount), Memo(proof.PaymentID))
		if err != nil {
			return nil, external("settlement: transfer", err)
		}
		sub = submitted{txID: t.TxID, before: before, at: e.now()}
		e.remember(proof.PaymentID, sub)
	}
	before := sub.before
	t := &ledger.Transfer{TxID: sub.txID}

	var confirmed *ledger.Transfer
	err := e.policy.External(ctx, func(ctx context.Context) error {
		var werr error
		confirmed, werr = e.ledger.WaitForConfirmation(ctx, t.TxID)
		if werr != nil && confirmed != nil && confirmed.Status == ledger.TransferFailed {
			return retry.Permanent(werr)
		}
		return external("settlement: confirm "+t.TxID, werr)
	})
	switch {
	case confirmed != nil && confirmed.Status == ledger.TransferFailed:
		e.forget(proof.PaymentID)
		return nil, fmt.Errorf("%w: %s", ErrTransferFailed, t.TxID)
	case err != nil:
		return nil, err
	}

	after, err := e.balance(ctx, from)
	if err != nil {
		return nil, err
	}
	e.forget(proof.PaymentID)
	if delta := new(big.Int).Sub(before, after); delta.Cmp(amount) != 0 {
		e.logger.Error("settlement integrity violation", "payment_id", proof.PaymentID, "tx_id", t.TxID,
			"before", usdc.Format(before), "after", usdc.Format(after), "amount", usdc.Format(amount))
		return nil, fmt.Errorf("%w: moved %s, expected %s (tx %s)", ErrIntegrity, usdc.Format(delta), usdc.Format(amount), t.TxID)
	}

	return &Result{
		PaymentID:     proof.PaymentID,
		Status:        StatusSettled,
		TxID:          t.TxID,
		From:          from,
		To:            to,
		Amount:        usdc.Format(amount),
		BalanceBefore: usdc.Format(before),
		BalanceAfter:  usdc.Format(after),
		SettledAt:     e.now().UTC(),
	}, nil
}

func (e *Executor) inflightTransfer(paymentID string) (submitted, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked()
	s, ok := e.inflight[paymentID]
	return s, ok
}

func (e *Executor) remember(paymentID string, s submitted) {
	e.mu.Lock()
	e.pruneLocked()
	e.inflight[paymentID] = s
	e.mu.Unlock()
}

// pruneLocked drops unconfirmed transfers older than the TTL. Their
// orders were abandoned; a later settle of the payment starts over.
func (e *Executor) pruneLocked() {
	cutoff := e.now().Add(-e.inflightTTL)
	for id, s := range e.inflight {
		if s.at.Before(cutoff) {
			e.logger.Warn("dropping unconfirmed transfer", "payment_id", id, "tx_id", s.txID, "submitted_at", s.at)
			delete(e.inflight, id)
		}
	}
}

func (e *Executor) forget(paymentID string) {
	e.mu.Lock()
	delete(e.inflight, paymentID)
	e.mu.Unlock()
}

func (e *Executor) balance(ctx context.Context, address string) (*big.Int, error) {
	var raw string
	err := e.policy.External(ctx, func(ctx context.Context) error {
		var err error
		raw, err = e.ledger.GetBalance(ctx, address)
		return external("settlement: balance", err)
	})
	if err != nil {
		return nil, err
	}
	v, err := usdc.Parse(raw)
	if err != nil {
		return nil, errkind.External("settlement: balance", fmt.Errorf("unparseable balance %q: %w", raw, err))
	}
	return v, nil
}

func (e *Executor) received(ctx context.Context, paymentID string) (bool, *Result, error) {
	return lookupReceived(ctx, e.store, paymentID)
}

// lookupReceived reports whether paymentID is tracked in store and, when
// it is already settled, the result recorded for it.
func lookupReceived(ctx context.Context, store payment.Store, paymentID string) (bool, *Result, error) {
	if store == nil {
		return false, nil, nil
	}
	r, err := store.Get(ctx, paymentID)
	switch {
	case errors.Is(err, payment.ErrPaymentNotFound):
		return false, nil, nil
	case err != nil:
		return false, nil, errkind.External("settlement: received set", err)
	}
	switch r.Status {
	case payment.StatusSettled:
		res := &Result{
			PaymentID:      r.PaymentID,
			Status:         StatusSettled,
			TxID:           r.TxID,
			From:           r.Sender,
			To:             r.Recipient,
			Amount:         r.Amount,
			AlreadySettled: true,
		}
		if r.SettledAt != nil {
			res.SettledAt = *r.SettledAt
		}
		return true, res, nil
	case payment.StatusVerified:
		return true, nil, nil
	default:
		return false, nil, fmt.Errorf("%w: %s", ErrNotVerified, r.Status)
	}
}

func (e *Executor) markFailed(ctx context.Context, paymentID string, cause error) {
	recordFailure(ctx, e.store, e.logger, paymentID, cause, e.now().UTC())
}

// recordFailure marks paymentID failed when cause is final: a reverted or
// refused transfer, or a broken ledger. Anything else leaves the payment
// verified so it can be settled again.
func recordFailure(ctx context.Context, store payment.Store, logger *slog.Logger, paymentID string, cause error, at time.Time) {
	if !errors.Is(cause, ErrTransferFailed) && !errors.Is(cause, ErrIntegrity) && !errors.Is(cause, ErrRejected) {
		return
	}
	if err := store.MarkFailed(ctx, paymentID, cause.Error(), at); err != nil {
		logger.Error("failed payment not recorded", "payment_id", paymentID, "error", err)
	}
}

// checkProof re-verifies the signature and that proof is the one req
// describes. It returns the amount in smallest units.
func checkProof(req payment.Request, proof *payment.Proof) (*big.Int, error) {
	if proof == nil {
		return nil, fmt.Errorf("%w: missing proof", ErrProofMismatch)
	}
	if !eip191.Verify(proof.Message(), proof.Signature, proof.Sender) {
		return nil, payment.ErrInvalidSignature
	}
	amount, err := usdc.Parse(proof.Amount)
	if err != nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.PaymentID != "" && req.PaymentID != proof.PaymentID {
		return nil, fmt.Errorf("%w: payment id", ErrProofMismatch)
	}
	if req.Amount != "" {
		want, err := usdc.Parse(req.Amount)
		if err != nil || want.Cmp(amount) != 0 {
			return nil, fmt.Errorf("%w: amount", ErrProofMismatch)
		}
	}
	if req.Sender != "" && !strings.EqualFold(req.Sender, proof.Sender) {
		return nil, fmt.Errorf("%w: sender", ErrProofMismatch)
	}
	if req.Recipient != "" && !strings.EqualFold(req.Recipient, proof.Recipient) {
		return nil, fmt.Errorf("%w: recipient", ErrProofMismatch)
	}
	return amount, nil
}

// external keeps a classified ledger error and marks the rest external.
func external(op string, err error) error {
	if err == nil {
		return nil
	}
	if errkind.KindOf(err) != errkind.Unknown {
		return err
	}
	return errkind.External(op, err)
}

func outcome(r *Result, err error) string {
	switch {
	case err == nil && r != nil && r.AlreadySettled:
		return "duplicate"
	case err == nil:
		return string(StatusSettled)
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	default:
		return string(StatusFailed)
	}
}

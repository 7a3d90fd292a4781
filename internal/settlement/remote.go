package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/facilitator"
	"github.com/mbd888/trustmesh/internal/payment"
	"github.com/mbd888/trustmesh/internal/realtime"
	"github.com/mbd888/trustmesh/internal/traces"
	"github.com/mbd888/trustmesh/internal/usdc"
)

// ErrRejected means the facilitator refused the submitted payment.
var ErrRejected = errkind.New(errkind.Validation, "settlement: facilitator rejected payment")

const defaultPollInterval = time.Second

var _ Settler = (*Remote)(nil)

// Remote settles through a facilitator instead of a local ledger.
type Remote struct {
	client    *facilitator.Client
	store     payment.Store
	publisher realtime.Publisher
	poll      time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewRemote settles through client.
func NewRemote(client *facilitator.Client) *Remote {
	return &Remote{
		client:    client,
		publisher: realtime.Nop{},
		poll:      defaultPollInterval,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// WithPollInterval sets how often a pending settlement is re-checked.
func (r *Remote) WithPollInterval(d time.Duration) *Remote {
	r.poll = d
	return r
}

// WithLogger sets the logger.
func (r *Remote) WithLogger(l *slog.Logger) *Remote {
	r.logger = l
	return r
}

// WithStore tracks settlements in the received-payment store. A payment
// the store already holds as settled is answered from it.
func (r *Remote) WithStore(s payment.Store) *Remote {
	r.store = s
	return r
}

// WithPublisher sends settlement events to p.
func (r *Remote) WithPublisher(p realtime.Publisher) *Remote {
	r.publisher = p
	return r
}

// ExecutePayment submits proof, asks the facilitator to settle it and
// polls until the settlement leaves pending or ctx ends. A payment the
// facilitator already knows is not submitted again.
func (r *Remote) ExecutePayment(ctx context.Context, req payment.Request, proof *payment.Proof) (result *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.remote", traces.PaymentID(req.PaymentID))
	defer func() { traces.End(span, err) }()

	amount, err := checkProof(req, proof)
	if err != nil {
		return nil, err
	}

	tracked, existing, err := lookupReceived(ctx, r.store, proof.PaymentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	s, err := r.settle(ctx, req, proof)
	if err == nil && s.Status != facilitator.StatusSettled {
		err = fmt.Errorf("%w: %s %s", ErrTransferFailed, s.Status, s.Reason)
	}
	if err != nil {
		r.logger.Warn("facilitator settlement failed", "payment_id", proof.PaymentID, "kind", errkind.KindOf(err), "error", err)
		if tracked {
			recordFailure(ctx, r.store, r.logger, proof.PaymentID, err, r.now().UTC())
		}
		return nil, err
	}

	result = &Result{
		PaymentID: proof.PaymentID,
		Status:    StatusSettled,
		TxID:      s.TxID,
		From:      strings.ToLower(proof.Sender),
		To:        strings.ToLower(proof.Recipient),
		Amount:    usdc.Format(amount),
		SettledAt: r.now().UTC(),
	}
	if tracked {
		if merr := r.store.MarkSettled(ctx, proof.PaymentID, result.TxID, result.SettledAt); merr != nil {
			r.logger.Error("settled payment not recorded", "payment_id", proof.PaymentID, "tx_id", result.TxID, "error", merr)
			return result, errkind.External("settlement: record settled", merr)
		}
	}

	r.logger.Info("payment settled by facilitator", "payment_id", proof.PaymentID, "tx_id", s.TxID)
	r.publisher.Publish(realtime.Event{
		Type:      realtime.EventPaymentSettled,
		PaymentID: result.PaymentID,
		Timestamp: result.SettledAt,
		Data:      result,
	})
	return result, nil
}

// settle drives the facilitator to a final status. The facilitator is
// asked first so a retried call resumes the payment it already holds.
func (r *Remote) settle(ctx context.Context, req payment.Request, proof *payment.Proof) (*facilitator.Settlement, error) {
	s, err := r.client.CheckPaymentStatus(ctx, proof.PaymentID)
	switch {
	case errkind.KindOf(err) == errkind.NotFound:
		ack, err := r.client.SubmitPayment(ctx, req, proof)
		if err != nil {
			return nil, err
		}
		if !ack.Accepted {
			return nil, fmt.Errorf("%w: %s", ErrRejected, ack.Message)
		}
		if s, err = r.client.RequestSettlement(ctx, proof.PaymentID); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case s.Status == facilitator.StatusPending:
		r.logger.Info("resuming facilitator settlement", "payment_id", proof.PaymentID)
		if s, err = r.client.RequestSettlement(ctx, proof.PaymentID); err != nil {
			return nil, err
		}
	}

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for s.Status == facilitator.StatusPending {
		select {
		case <-ctx.Done():
			return nil, errkind.External("settlement: await facilitator", ctx.Err())
		case <-ticker.C:
		}
		if s, err = r.client.CheckPaymentStatus(ctx, proof.PaymentID); err != nil {
			return nil, err
		}
	}
	return s, nil
}

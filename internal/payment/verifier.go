package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/trustmesh/internal/eip191"
	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/metrics"
	"github.com/mbd888/trustmesh/internal/realtime"
	"github.com/mbd888/trustmesh/internal/syncutil"
	"github.com/mbd888/trustmesh/internal/traces"
)

const (
	// DefaultMaxAge is how old a proof may be when it is verified.
	DefaultMaxAge = 24 * time.Hour
	// MaxClockSkew is how far in the future a proof timestamp may be.
	MaxClockSkew = 5 * time.Minute
)

// Rejection reasons reported in VerificationResult.Reason.
const (
	ReasonMalformed         = "malformed proof"
	ReasonRecipientMismatch = "recipient mismatch"
	ReasonInvalidSignature  = "invalid signature"
	ReasonExpired           = "expired"
	ReasonFuture            = "timestamp in future"
	ReasonAlreadyProcessed  = "already processed"
)

// VerificationResult is the payee's verdict on a proof. Business
// rejections are results, not errors: Valid is false and Err carries the
// typed cause.
type VerificationResult struct {
	Valid      bool         `json:"valid"`
	PaymentID  string       `json:"paymentId"`
	Sender     string       `json:"sender,omitempty"`
	Amount     string       `json:"amount,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Kind       errkind.Kind `json:"kind,omitempty"`
	VerifiedAt *time.Time   `json:"verifiedAt,omitempty"`
	Err        error        `json:"-"`
}

// Verifier checks proofs addressed to a payee and records accepted ones
// in the received set.
type Verifier struct {
	store     Store
	validator *Validator
	maxAge    time.Duration
	locks     *syncutil.KeyedMutex
	publisher realtime.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewVerifier creates a verifier over store. A nil validator accepts any
// USDC amount without a ceiling.
func NewVerifier(store Store, validator *Validator) *Verifier {
	if validator == nil {
		validator = &Validator{currencies: DefaultCurrencies}
	}
	return &Verifier{
		store:     store,
		validator: validator,
		maxAge:    DefaultMaxAge,
		locks:     syncutil.NewKeyedMutex(0),
		publisher: realtime.Nop{},
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// WithMaxAge overrides DefaultMaxAge.
func (v *Verifier) WithMaxAge(d time.Duration) *Verifier {
	if d > 0 {
		v.maxAge = d
	}
	return v
}

func (v *Verifier) WithPublisher(p realtime.Publisher) *Verifier {
	v.publisher = p
	return v
}

func (v *Verifier) WithLogger(l *slog.Logger) *Verifier {
	v.logger = l
	return v
}

// WithClock overrides time.Now.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Store returns the received set the verifier writes to.
func (v *Verifier) Store() Store { return v.store }

// Check runs every stateless check on p: structure, recipient, signature
// and age. It does not touch the received set.
func (v *Verifier) Check(p *Proof, expectedRecipient string) *VerificationResult {
	if err := v.validator.Validate(p); err != nil {
		id := ""
		if p != nil {
			id = p.PaymentID
		}
		return reject(id, ReasonMalformed, err)
	}
	if !strings.EqualFold(p.Recipient, strings.TrimSpace(expectedRecipient)) {
		return reject(p.PaymentID, ReasonRecipientMismatch, ErrRecipientMismatch)
	}
	if !eip191.Verify(p.Message(), p.Signature, p.Sender) {
		return reject(p.PaymentID, ReasonInvalidSignature, ErrInvalidSignature)
	}
	age := v.now().Sub(p.IssuedAt())
	if age < -MaxClockSkew {
		return reject(p.PaymentID, ReasonFuture, ErrTimestampInFuture)
	}
	if age > v.maxAge {
		return reject(p.PaymentID, ReasonExpired, fmt.Errorf("%w: proof is %s old", ErrExpired, age.Truncate(time.Second)))
	}
	return &VerificationResult{Valid: true, PaymentID: p.PaymentID, Sender: strings.ToLower(p.Sender), Amount: p.Amount}
}

// Verify checks p and, if it passes, moves its payment id into the
// received set. The same payment id is never accepted twice. The returned
// error is reserved for failures of the received set itself.
func (v *Verifier) Verify(ctx context.Context, p *Proof, expectedRecipient string) (result *VerificationResult, err error) {
	var paymentID string
	if p != nil {
		paymentID = p.PaymentID
	}
	ctx, span := traces.StartSpan(ctx, "payment.verify", traces.PaymentID(paymentID))
	defer func() { traces.End(span, err) }()

	result = v.Check(p, expectedRecipient)
	if result.Valid {
		result, err = v.record(ctx, p)
		if err != nil {
			metrics.PaymentVerificationsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	if result.Valid {
		metrics.PaymentVerificationsTotal.WithLabelValues("valid").Inc()
		v.logger.Info("payment verified", "payment_id", p.PaymentID, "sender", result.Sender, "amount", p.Amount)
		v.publish(realtime.EventPaymentVerified, result)
	} else {
		metrics.PaymentVerificationsTotal.WithLabelValues(result.Reason).Inc()
		v.logger.Warn("payment rejected", "payment_id", result.PaymentID, "reason", result.Reason, "error", result.Err)
		v.publish(realtime.EventPaymentRejected, result)
	}
	return result, nil
}

func (v *Verifier) record(ctx context.Context, p *Proof) (*VerificationResult, error) {
	unlock, err := v.locks.LockContext(ctx, p.PaymentID)
	if err != nil {
		return nil, errkind.Wrap(errkind.Cancelled, "payment: verify", err)
	}
	defer unlock()

	at := v.now().UTC()
	inserted, err := v.store.Insert(ctx, ReceivedFromProof(p, at))
	if err != nil {
		return nil, errkind.External("payment: received set", err)
	}
	if !inserted {
		return reject(p.PaymentID, ReasonAlreadyProcessed, ErrAlreadyProcessed), nil
	}
	return &VerificationResult{
		Valid:      true,
		PaymentID:  p.PaymentID,
		Sender:     strings.ToLower(p.Sender),
		Amount:     p.Amount,
		VerifiedAt: &at,
	}, nil
}

// Received returns the received-set entry of paymentID.
func (v *Verifier) Received(ctx context.Context, paymentID string) (*Received, error) {
	r, err := v.store.Get(ctx, paymentID)
	if err != nil && !errors.Is(err, ErrPaymentNotFound) {
		return nil, errkind.External("payment: received set", err)
	}
	return r, err
}

func (v *Verifier) publish(t realtime.EventType, r *VerificationResult) {
	v.publisher.Publish(realtime.Event{
		Type:      t,
		PaymentID: r.PaymentID,
		Timestamp: v.now().UTC(),
		Data:      r,
	})
}

func reject(paymentID, reason string, err error) *VerificationResult {
	return &VerificationResult{
		PaymentID: paymentID,
		Reason:    reason,
		Kind:      errkind.KindOf(err),
		Err:       err,
	}
}

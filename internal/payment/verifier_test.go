package payment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/trustmesh/internal/eip191"
	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	signer    *Signer
	recipient string
	verifier  *Verifier
	events    *realtime.Recorder
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		signer:    NewSigner(newKey(t)),
		recipient: eip191.Address(newKey(t)),
		events:    &realtime.Recorder{},
		now:       time.Unix(1_700_000_000, 0),
	}
	f.signer.WithClock(func() time.Time { return f.now })
	f.verifier = NewVerifier(NewMemoryStore(), nil).
		WithPublisher(f.events).
		WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) proof(t *testing.T, amount string) *Proof {
	t.Helper()
	p, err := f.signer.CreateProof(Request{Amount: amount, Recipient: f.recipient})
	require.NoError(t, err)
	return p
}

func TestVerify_AcceptOnceThenReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.proof(t, "10")

	res, err := f.verifier.Verify(ctx, p, f.recipient)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, f.signer.Address(), res.Sender)
	require.NotNil(t, res.VerifiedAt)

	res, err = f.verifier.Verify(ctx, p, f.recipient)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonAlreadyProcessed, res.Reason)
	assert.ErrorIs(t, res.Err, ErrAlreadyProcessed)
	assert.Equal(t, errkind.Replay, res.Kind)

	rec, err := f.verifier.Received(ctx, p.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, rec.Status)
	assert.Equal(t, "10.000000", rec.Amount)

	assert.Equal(t, []realtime.EventType{realtime.EventPaymentVerified, realtime.EventPaymentRejected}, f.events.Types())
}

func TestVerify_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := NewSigner(newKey(t)).WithClock(func() time.Time { return f.now })

	tests := []struct {
		name      string
		proof     func() *Proof
		recipient string
		clock     time.Duration
		reason    string
		kind      errkind.Kind
		sentinel  error
	}{
		{
			name:      "recipient mismatch",
			proof:     func() *Proof { return f.proof(t, "1") },
			recipient: eip191.Address(newKey(t)),
			reason:    ReasonRecipientMismatch, kind: errkind.Validation, sentinel: ErrRecipientMismatch,
		},
		{
			name: "tampered amount",
			proof: func() *Proof {
				p := f.proof(t, "1")
				p.Amount = "1000.000000"
				return p
			},
			reason: ReasonInvalidSignature, kind: errkind.Signature, sentinel: ErrInvalidSignature,
		},
		{
			name: "signed by someone else",
			proof: func() *Proof {
				p, err := other.CreateProof(Request{Amount: "1", Recipient: f.recipient})
				require.NoError(t, err)
				p.Sender = f.signer.Address()
				return p
			},
			reason: ReasonInvalidSignature, kind: errkind.Signature, sentinel: ErrInvalidSignature,
		},
		{
			name:   "older than a day",
			proof:  func() *Proof { return f.proof(t, "1") },
			clock:  24*time.Hour + time.Second,
			reason: ReasonExpired, kind: errkind.Expired, sentinel: ErrExpired,
		},
		{
			name:   "from the future",
			proof:  func() *Proof { return f.proof(t, "1") },
			clock:  -(MaxClockSkew + time.Second),
			reason: ReasonFuture, kind: errkind.Validation, sentinel: ErrTimestampInFuture,
		},
		{
			name: "malformed",
			proof: func() *Proof {
				p := f.proof(t, "1")
				p.Currency = "DOGE"
				return p
			},
			reason: ReasonMalformed, kind: errkind.Validation, sentinel: ErrMalformedProof,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.proof()
			recipient := tt.recipient
			if recipient == "" {
				recipient = f.recipient
			}
			v := NewVerifier(NewMemoryStore(), nil).WithClock(func() time.Time { return f.now.Add(tt.clock) })

			res, err := v.Verify(ctx, p, recipient)
			require.NoError(t, err, "business rejections are results")
			assert.False(t, res.Valid)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Equal(t, tt.kind, res.Kind)
			assert.ErrorIs(t, res.Err, tt.sentinel)

			ok, err := v.Store().Has(ctx, p.PaymentID)
			require.NoError(t, err)
			assert.False(t, ok, "rejected proofs never enter the received set")
		})
	}
}

func TestVerify_ExactlyAtMaxAgeIsAccepted(t *testing.T) {
	f := newFixture(t)
	p := f.proof(t, "1")
	f.now = f.now.Add(DefaultMaxAge)
	res, err := f.verifier.Verify(context.Background(), p, f.recipient)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestVerify_ConcurrentSamePaymentAcceptedOnce(t *testing.T) {
	f := newFixture(t)
	p := f.proof(t, "5")

	var accepted, replayed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp := *p
			res, err := f.verifier.Verify(context.Background(), &cp, f.recipient)
			if err != nil {
				return
			}
			if res.Valid {
				accepted.Add(1)
			} else if res.Kind == errkind.Replay {
				replayed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(31), replayed.Load())
}

type brokenStore struct{ MemoryStore }

func (*brokenStore) Insert(context.Context, *Received) (bool, error) {
	return false, errors.New("connection refused")
}

func TestVerify_StoreFailureIsExternal(t *testing.T) {
	f := newFixture(t)
	v := NewVerifier(&brokenStore{}, nil).WithClock(func() time.Time { return f.now })

	res, err := v.Verify(context.Background(), f.proof(t, "1"), f.recipient)
	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, errkind.Retryable(err))
}

func TestCheck_DoesNotRecord(t *testing.T) {
	f := newFixture(t)
	p := f.proof(t, "2")

	assert.True(t, f.verifier.Check(p, f.recipient).Valid)
	assert.True(t, f.verifier.Check(p, f.recipient).Valid)

	res, err := f.verifier.Verify(context.Background(), p, f.recipient)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

package settlement

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/trustmesh/internal/chain"
	"github.com/mbd888/trustmesh/internal/chain/chaintest"
	"github.com/mbd888/trustmesh/internal/eip191"
	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/ledger"
	"github.com/mbd888/trustmesh/internal/payment"
	"github.com/mbd888/trustmesh/internal/realtime"
	"github.com/mbd888/trustmesh/internal/retry"
	"github.com/mbd888/trustmesh/internal/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = retry.Policy{Attempts: 2, BaseDelay: time.Millisecond}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

type fixture struct {
	key       *ecdsa.PrivateKey
	signer    *payment.Signer
	recipient string
	store     *payment.MemoryStore
	events    *realtime.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key := newKey(t)
	return &fixture{
		key:       key,
		signer:    payment.NewSigner(key),
		recipient: eip191.Address(newKey(t)),
		store:     payment.NewMemoryStore(),
		events:    &realtime.Recorder{},
	}
}

// verified signs a proof and enters it into the received set.
func (f *fixture) verified(t *testing.T, amount string) (payment.Request, *payment.Proof) {
	t.Helper()
	p, err := f.signer.CreateProof(payment.Request{Amount: amount, Recipient: f.recipient})
	require.NoError(t, err)
	ok, err := f.store.Insert(context.Background(), payment.ReceivedFromProof(p, time.Now()))
	require.NoError(t, err)
	require.True(t, ok)
	req := payment.Request{PaymentID: p.PaymentID, Amount: p.Amount, Currency: p.Currency, Sender: p.Sender, Recipient: p.Recipient}
	return req, p
}

func (f *fixture) executor(client ledger.Client) *Executor {
	return NewExecutor(client).WithStore(f.store).WithPublisher(f.events).WithRetry(fastRetry)
}

func TestExecutePayment_PlatformLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	_, err := l.Deposit(ctx, f.signer.Address(), "10", "dep-1")
	require.NoError(t, err)
	req, proof := f.verified(t, "4")

	res, err := f.executor(l).ExecutePayment(ctx, req, proof)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, res.Status)
	assert.Equal(t, "10.000000", res.BalanceBefore)
	assert.Equal(t, "6.000000", res.BalanceAfter)
	assert.NotEmpty(t, res.TxID)

	got, err := f.store.Get(ctx, proof.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSettled, got.Status)
	assert.Equal(t, res.TxID, got.TxID)

	history, err := l.History(ctx, f.recipient, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, Memo(proof.PaymentID), history[0].Memo)
	assert.Equal(t, []realtime.EventType{realtime.EventPaymentSettled}, f.events.Types())

	again, err := f.executor(l).ExecutePayment(ctx, req, proof)
	require.NoError(t, err)
	assert.True(t, again.AlreadySettled)
	assert.Equal(t, res.TxID, again.TxID)
	bal, err := l.GetBalance(ctx, f.signer.Address())
	require.NoError(t, err)
	assert.Equal(t, "6.000000", bal, "a settled payment is never paid twice")
}

func TestExecutePayment_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	_, err := l.Deposit(ctx, f.signer.Address(), "1", "dep-1")
	require.NoError(t, err)
	req, proof := f.verified(t, "4")

	_, err = f.executor(l).ExecutePayment(ctx, req, proof)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, errkind.InsufficientBalance, errkind.KindOf(err))

	got, err := f.store.Get(ctx, proof.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusVerified, got.Status, "a short balance leaves the payment settleable")
}

func TestExecutePayment_RejectsBadProofs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec := f.executor(ledger.New(ledger.NewMemoryStore()))
	req, proof := f.verified(t, "4")

	tampered := *proof
	tampered.Amount = "400.000000"
	_, err := exec.ExecutePayment(ctx, req, &tampered)
	assert.ErrorIs(t, err, payment.ErrInvalidSignature)

	other := req
	other.Amount = "5"
	_, err = exec.ExecutePayment(ctx, other, proof)
	assert.ErrorIs(t, err, ErrProofMismatch)

	_, err = exec.ExecutePayment(ctx, req, nil)
	assert.ErrorIs(t, err, ErrProofMismatch)
}

func TestExecutePayment_WithoutStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	_, err := l.Deposit(ctx, f.signer.Address(), "3", "dep-1")
	require.NoError(t, err)
	p, err := f.signer.CreateProof(payment.Request{Amount: "3", Recipient: f.recipient})
	require.NoError(t, err)

	res, err := NewExecutor(l).ExecutePayment(ctx, payment.Request{}, p)
	require.NoError(t, err)
	assert.Equal(t, "0.000000", res.BalanceAfter)
}

func onChain(t *testing.T, f *fixture) (*chaintest.Backend, *wallet.Wallet) {
	t.Helper()
	backend := chaintest.New()
	sender := chain.NewSender(backend, f.key, chaintest.ChainID, chain.WithPollInterval(time.Millisecond))
	token, err := chain.NewToken(sender, chaintest.TokenAddress.Hex())
	require.NoError(t, err)
	backend.Mint(common.HexToAddress(f.signer.Address()), big.NewInt(10_000_000))
	return backend, wallet.New(token).WithConfirmationTimeout(time.Second)
}

func TestExecutePayment_OnChain(t *testing.T) {
	f := newFixture(t)
	backend, w := onChain(t, f)
	req, proof := f.verified(t, "2.5")

	res, err := f.executor(w).ExecutePayment(context.Background(), req, proof)
	require.NoError(t, err)
	assert.Equal(t, "7.500000", res.BalanceAfter)
	assert.Equal(t, int64(2_500_000), backend.Balance(common.HexToAddress(f.recipient)).Int64())
}

func TestExecutePayment_BalanceDriftIsFatal(t *testing.T) {
	f := newFixture(t)
	backend, w := onChain(t, f)
	backend.Skim = big.NewInt(1)
	req, proof := f.verified(t, "1")
	ctx := context.Background()

	_, err := f.executor(w).ExecutePayment(ctx, req, proof)
	require.ErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, errkind.Fatal, errkind.KindOf(err))

	got, err := f.store.Get(ctx, proof.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, got.Status)
}

func TestExecutePayment_LedgerOutageIsExternal(t *testing.T) {
	f := newFixture(t)
	backend, w := onChain(t, f)
	req, proof := f.verified(t, "1")
	ctx := context.Background()

	backend.FailSends = 1
	_, err := f.executor(w).ExecutePayment(ctx, req, proof)
	require.Error(t, err)
	assert.True(t, errkind.Retryable(err))

	got, err := f.store.Get(ctx, proof.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusVerified, got.Status)

	res, err := f.executor(w).ExecutePayment(ctx, req, proof)
	require.NoError(t, err, "the outage passed, the retry settles")
	assert.Equal(t, StatusSettled, res.Status)
}

func TestExecutePayment_BalanceReadRetried(t *testing.T) {
	f := newFixture(t)
	backend, w := onChain(t, f)
	req, proof := f.verified(t, "1")

	backend.FailCalls = 1
	res, err := f.executor(w).ExecutePayment(context.Background(), req, proof)
	require.NoError(t, err)
	assert.Equal(t, "9.000000", res.BalanceAfter)
}

// flakyConfirm fails the first n confirmation waits.
type flakyConfirm struct {
	*ledger.Ledger
	n int
}

func (f *flakyConfirm) WaitForConfirmation(ctx context.Context, txID string) (*ledger.Transfer, error) {
	if f.n > 0 {
		f.n--
		return nil, errkind.External("test: confirm", context.DeadlineExceeded)
	}
	return f.Ledger.WaitForConfirmation(ctx, txID)
}

func TestExecutePayment_UnconfirmedTransferIsNotRepeated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	_, err := l.Deposit(ctx, f.signer.Address(), "10", "dep-1")
	require.NoError(t, err)
	client := &flakyConfirm{Ledger: l, n: fastRetry.Attempts}
	exec := f.executor(client)
	req, proof := f.verified(t, "4")

	_, err = exec.ExecutePayment(ctx, req, proof)
	require.Error(t, err)
	assert.True(t, errkind.Retryable(err))

	res, err := exec.ExecutePayment(ctx, req, proof)
	require.NoError(t, err)
	assert.Equal(t, "10.000000", res.BalanceBefore)
	assert.Equal(t, "6.000000", res.BalanceAfter)

	history, err := l.History(ctx, f.recipient, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1, "one transfer for one payment")
}

// gatedConfirm holds the first confirmation wait until release is closed.
type gatedConfirm struct {
	*ledger.Ledger
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedConfirm) WaitForConfirmation(ctx context.Context, txID string) (*ledger.Transfer, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Ledger.WaitForConfirmation(ctx, txID)
}

func TestExecutePayment_CrossingSettlementsAreSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	payer := f.signer.Address()
	other := payment.NewSigner(newKey(t))
	_, err := l.Deposit(ctx, payer, "10", "dep-a")
	require.NoError(t, err)
	_, err = l.Deposit(ctx, other.Address(), "10", "dep-c")
	require.NoError(t, err)

	// payer -> recipient for 4, and other -> payer for 3.
	outReq, outProof := f.verified(t, "4")
	inProof, err := other.CreateProof(payment.Request{Amount: "3", Recipient: payer})
	require.NoError(t, err)
	_, err = f.store.Insert(ctx, payment.ReceivedFromProof(inProof, time.Now()))
	require.NoError(t, err)
	inReq := payment.Request{PaymentID: inProof.PaymentID, Amount: inProof.Amount, Currency: inProof.Currency, Sender: inProof.Sender, Recipient: inProof.Recipient}

	client := &gatedConfirm{Ledger: l, entered: make(chan struct{}), release: make(chan struct{})}
	exec := f.executor(client)

	type outcome struct {
		res *Result
		err error
	}
	outDone := make(chan outcome, 1)
	go func() {
		res, err := exec.ExecutePayment(ctx, outReq, outProof)
		outDone <- outcome{res, err}
	}()
	<-client.entered

	inDone := make(chan outcome, 1)
	go func() {
		res, err := exec.ExecutePayment(ctx, inReq, inProof)
		inDone <- outcome{res, err}
	}()

	select {
	case <-inDone:
		t.Fatal("inbound settlement ran while the outbound one was confirming")
	case <-time.After(50 * time.Millisecond):
	}
	close(client.release)

	out := <-outDone
	require.NoError(t, out.err)
	assert.Equal(t, "10.000000", out.res.BalanceBefore)
	assert.Equal(t, "6.000000", out.res.BalanceAfter)

	in := <-inDone
	require.NoError(t, in.err)
	assert.Equal(t, StatusSettled, in.res.Status)

	bal, err := l.GetBalance(ctx, payer)
	require.NoError(t, err)
	assert.Equal(t, "9.000000", bal)
	for _, id := range []string{outProof.PaymentID, inProof.PaymentID} {
		got, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, payment.StatusSettled, got.Status, id)
	}
}

func TestExecutePayment_StaleInflightTransferIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	_, err := l.Deposit(ctx, f.signer.Address(), "10", "dep-1")
	require.NoError(t, err)

	now := time.Now()
	exec := f.executor(&flakyConfirm{Ledger: l, n: fastRetry.Attempts}).
		WithInflightTTL(time.Hour).
		WithClock(func() time.Time { return now })

	req, proof := f.verified(t, "4")
	_, err = exec.ExecutePayment(ctx, req, proof)
	require.Error(t, err)
	_, kept := exec.inflightTransfer(proof.PaymentID)
	assert.True(t, kept, "an unconfirmed transfer is remembered for a retry")

	now = now.Add(2 * time.Hour)
	_, kept = exec.inflightTransfer(proof.PaymentID)
	assert.False(t, kept)
	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Empty(t, exec.inflight)
}

package commerce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/identity"
	"github.com/mbd888/trustmesh/internal/idgen"
	"github.com/mbd888/trustmesh/internal/metrics"
	"github.com/mbd888/trustmesh/internal/payment"
	"github.com/mbd888/trustmesh/internal/realtime"
	"github.com/mbd888/trustmesh/internal/reputation"
	"github.com/mbd888/trustmesh/internal/retry"
	"github.com/mbd888/trustmesh/internal/security"
	"github.com/mbd888/trustmesh/internal/settlement"
	"github.com/mbd888/trustmesh/internal/traces"
	"github.com/mbd888/trustmesh/internal/usdc"
)

// DefaultStepTimeout bounds one attempt of one step.
const DefaultStepTimeout = 30 * time.Second

const (
	maxCapabilityLength = 100
	maxCommentLength    = 1000
	kindUnknown         = errkind.Kind("unknown")
)

// Directory finds sellers.
type Directory interface {
	SearchByCapability(ctx context.Context, query string) ([]string, error)
	GetMetadata(ctx context.Context, agentID string) (*identity.Agent, error)
	GetAgentMetadata(ctx context.Context, ids []string) ([]identity.MetadataResult, error)
}

// Reputation scores sellers and takes the buyer's feedback.
type Reputation interface {
	GetReputationSummary(ctx context.Context, agentID string) (*reputation.Summary, error)
	SubmitFeedback(ctx context.Context, req reputation.FeedbackRequest) (*reputation.Feedback, error)
}

// Verifier is the seller side of the payment protocol.
type Verifier interface {
	Verify(ctx context.Context, p *payment.Proof, expectedRecipient string) (*payment.VerificationResult, error)
	Received(ctx context.Context, paymentID string) (*payment.Received, error)
}

// Signers holds the payment keys of buyers the platform acts for.
type Signers struct {
	mu      sync.RWMutex
	signers map[string]*payment.Signer
}

func NewSigners(signers ...*payment.Signer) *Signers {
	s := &Signers{signers: make(map[string]*payment.Signer)}
	for _, sg := range signers {
		s.Add(sg)
	}
	return s
}

// Add makes sg available for its address.
func (s *Signers) Add(sg *payment.Signer) {
	s.mu.Lock()
	s.signers[strings.ToLower(sg.Address())] = sg
	s.mu.Unlock()
}

// Get returns the signer for address.
func (s *Signers) Get(address string) (*payment.Signer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sg, ok := s.signers[strings.ToLower(address)]
	return sg, ok
}

type running struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator runs orders.
type Orchestrator struct {
	store      Store
	directory  Directory
	reputation Reputation
	verifier   Verifier
	signers    *Signers
	settler    settlement.Settler

	policy      retry.Policy
	stepTimeout time.Duration
	publisher   realtime.Publisher
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	running map[string]*running
}

// New creates an orchestrator. Orders settle only when a settler is set.
func New(store Store, directory Directory, rep Reputation, verifier Verifier, signers *Signers) *Orchestrator {
	return &Orchestrator{
		store:       store,
		directory:   directory,
		reputation:  rep,
		verifier:    verifier,
		signers:     signers,
		policy:      retry.DefaultPolicy,
		stepTimeout: DefaultStepTimeout,
		publisher:   realtime.Nop{},
		logger:      slog.Default(),
		now:         time.Now,
		running:     make(map[string]*running),
	}
}

// WithSettler lets orders that ask for it settle their payment.
func (o *Orchestrator) WithSettler(s settlement.Settler) *Orchestrator {
	o.settler = s
	return o
}

// WithRetry sets the policy for steps failing with external errors.
func (o *Orchestrator) WithRetry(p retry.Policy) *Orchestrator {
	o.policy = p
	return o
}

// WithStepTimeout bounds each step attempt.
func (o *Orchestrator) WithStepTimeout(d time.Duration) *Orchestrator {
	o.stepTimeout = d
	return o
}

// WithPublisher sends order updates to p.
func (o *Orchestrator) WithPublisher(p realtime.Publisher) *Orchestrator {
	o.publisher = p
	return o
}

// WithLogger sets the orchestrator logger.
func (o *Orchestrator) WithLogger(l *slog.Logger) *Orchestrator {
	o.logger = l
	return o
}

// WithClock overrides time.Now.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// PlaceOrder validates req, persists a new order and runs it. The
// returned error covers only failures to create the order; an order that
// stops part way comes back with its status and Failure set.
func (o *Orchestrator) PlaceOrder(ctx context.Context, req Request) (*Order, error) {
	order, err := o.newOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	ctx, release, err := o.claim(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := o.store.Create(context.WithoutCancel(ctx), order); err != nil {
		return nil, errkind.External("commerce: create order", err)
	}
	o.logger.Info("order placed", "order_id", order.ID, "buyer", order.Buyer.AgentID, "capability", order.Capability, "budget", order.Budget)
	o.publish(order)
	return o.run(ctx, order)
}

func (o *Orchestrator) newOrder(ctx context.Context, req Request) (*Order, error) {
	capability := strings.TrimSpace(req.Capability)
	buyerID := strings.TrimSpace(req.BuyerAgentID)
	switch {
	case buyerID == "":
		return nil, fmt.Errorf("%w: buyerAgentId is required", ErrInvalidOrder)
	case capability == "" || len(capability) > maxCapabilityLength:
		return nil, fmt.Errorf("%w: capability is required and at most %d characters", ErrInvalidOrder, maxCapabilityLength)
	}
	budget, err := usdc.Parse(req.Budget)
	if err != nil || budget.Sign() <= 0 {
		return nil, fmt.Errorf("%w: budget must be a positive amount", ErrInvalidOrder)
	}
	rating := req.Rating
	if rating == 0 {
		rating = reputation.MaxRating
	}
	if !reputation.ValidRating(rating) {
		return nil, reputation.ErrInvalidRating
	}
	if req.Settle && o.settler == nil {
		return nil, fmt.Errorf("%w: settlement is not available", ErrInvalidOrder)
	}

	var buyer *identity.Agent
	err = o.policy.External(ctx, func(ctx context.Context) error {
		var err error
		buyer, err = o.directory.GetMetadata(ctx, buyerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if _, ok := o.signers.Get(buyer.Owner); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSigner, buyer.ID)
	}

	now := o.now().UTC()
	return &Order{
		ID:         idgen.WithPrefix(idgen.PrefixOrder),
		Capability: capability,
		Budget:     usdc.Format(budget),
		Rating:     rating,
		Comment:    security.SanitizeString(req.Comment, maxCommentLength),
		Settle:     req.Settle,
		Buyer:      Buyer(buyer.ID, buyer.Owner),
		Step:       StepCreated,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Resume continues a pending, interrupted or externally failed order from
// its last completed step.
func (o *Orchestrator) Resume(ctx context.Context, orderID string) (*Order, error) {
	ctx, release, err := o.claim(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer release()

	order, err := o.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch {
	case order.Status == StatusPending, order.Status == StatusInterrupted:
	case order.Status == StatusFailed && order.Failure != nil && order.Failure.Kind == errkind.ExternalService:
	default:
		return nil, fmt.Errorf("%w: status %s", ErrNotResumable, order.Status)
	}

	order.Status = StatusPending
	order.Failure = nil
	if err := o.save(ctx, order); err != nil {
		return nil, err
	}
	o.logger.Info("order resumed", "order_id", order.ID, "step", order.Step)
	return o.run(ctx, order)
}

// Cancel stops an order. A running order stops before its next step. An
// order whose payment was verified becomes interrupted_after_payment and
// keeps the payment; earlier orders become cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, orderID string) (*Order, error) {
	o.mu.Lock()
	r, active := o.running[orderID]
	o.mu.Unlock()
	if active {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, errkind.Wrap(errkind.Cancelled, "commerce: cancel", ctx.Err())
		}
		return o.store.Get(ctx, orderID)
	}

	ctx, release, err := o.claim(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer release()
	order, err := o.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case StatusPending:
		return o.interrupt(ctx, order)
	case StatusInterrupted:
		return order, nil
	default:
		return nil, fmt.Errorf("%w: status %s", ErrNotCancellable, order.Status)
	}
}

// Get returns an order.
func (o *Orchestrator) Get(ctx context.Context, orderID string) (*Order, error) {
	return o.store.Get(ctx, orderID)
}

// List returns a buyer's orders, newest first.
func (o *Orchestrator) List(ctx context.Context, buyerAgentID string, limit int) ([]*Order, error) {
	return o.store.ListByBuyer(ctx, buyerAgentID, limit)
}

// claim marks orderID as running in this process and returns a context
// that Cancel ends.
func (o *Orchestrator) claim(ctx context.Context, orderID string) (context.Context, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[orderID]; busy {
		return nil, nil, ErrOrderRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &running{cancel: cancel, done: make(chan struct{})}
	o.running[orderID] = r
	return ctx, func() {
		o.mu.Lock()
		delete(o.running, orderID)
		o.mu.Unlock()
		cancel()
		close(r.done)
	}, nil
}

func (o *Orchestrator) run(ctx context.Context, order *Order) (*Order, error) {
	for order.Status == StatusPending {
		next := order.Step.Next()
		if next == "" {
			order.Status = StatusCompleted
			break
		}
		if ctx.Err() != nil {
			return o.interrupt(ctx, order)
		}

		start := o.now()
		err := o.step(ctx, order, next)
		metrics.OrderStepDuration.WithLabelValues(string(next)).Observe(o.now().Sub(start).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return o.interrupt(ctx, order)
			}
			return o.fail(ctx, order, next, err)
		}

		order.Step = next
		if next.Next() == "" {
			order.Status = StatusCompleted
		}
		if err := o.save(ctx, order); err != nil {
			return order, err
		}
	}

	metrics.OrdersTotal.WithLabelValues(string(order.Status)).Inc()
	o.logger.Info("order completed", "order_id", order.ID, "seller", order.Seller.AgentID, "price", order.Price, "payment_id", order.PaymentID())
	return order, nil
}

// step runs one step, retrying external failures under the policy with a
// fresh timeout per attempt.
func (o *Orchestrator) step(ctx context.Context, order *Order, step Step) error {
	return o.policy.External(ctx, func(ctx context.Context) (err error) {
		ctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
		defer cancel()
		ctx, span := traces.StartSpan(ctx, "commerce."+string(step), traces.OrderID(order.ID), traces.Step(string(step)))
		defer func() { traces.End(span, err) }()

		switch step {
		case StepSelected:
			return o.selectSeller(ctx, order)
		case StepPaid:
			return o.pay(order)
		case StepVerified:
			return o.verify(ctx, order)
		case StepSettled:
			return o.settle(ctx, order)
		case StepDelivered:
			o.logger.Debug("order delivered", "order_id", order.ID, "seller", order.Seller.AgentID)
			return nil
		case StepReviewed:
			return o.review(ctx, order)
		}
		return retry.Permanent(fmt.Errorf("commerce: unknown step %q", step))
	})
}

func (o *Orchestrator) selectSeller(ctx context.Context, order *Order) error {
	ids, err := o.directory.SearchByCapability(ctx, order.Capability)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: %q", ErrNoCandidates, order.Capability)
	}
	results, err := o.directory.GetAgentMetadata(ctx, ids)
	if err != nil {
		return err
	}

	candidates := make([]Candidate, 0, len(results))
	for _, r := range results {
		a := r.Agent
		if a == nil || a.ID == order.Buyer.AgentID || strings.EqualFold(a.Owner, order.Buyer.Address) {
			continue
		}
		summary, err := o.reputation.GetReputationSummary(ctx, a.ID)
		if err != nil {
			return err
		}
		candidates = append(candidates, Candidate{
			AgentID:    a.ID,
			Owner:      a.Owner,
			Name:       a.Name,
			Price:      a.Price,
			TrustScore: summary.TrustScore,
		})
	}
	if len(candidates) == 0 {
		return fmt.Errorf("%w: %q", ErrNoCandidates, order.Capability)
	}

	ranked, best, ok := SelectAffordable(candidates, usdc.MustParse(order.Budget))
	order.Candidates = ranked
	if !ok {
		return fmt.Errorf("%w: %d candidates, budget %s", ErrBudgetExceeded, len(ranked), order.Budget)
	}
	seller := Seller(best.AgentID, best.Owner, best.Name)
	order.Seller = &seller
	order.Price = best.Price
	return nil
}

func (o *Orchestrator) pay(order *Order) error {
	if order.Buyer.Kind != RoleBuyer {
		return fmt.Errorf("%w: %s cannot pay", ErrWrongRole, order.Buyer.Kind)
	}
	signer, ok := o.signers.Get(order.Buyer.Address)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSigner, order.Buyer.AgentID)
	}
	proof, err := signer.CreateProof(payment.Request{Amount: order.Price, Recipient: order.Seller.Address})
	if err != nil {
		return err
	}
	order.Proof = proof
	return nil
}

func (o *Orchestrator) verify(ctx context.Context, order *Order) error {
	if order.Seller.Kind != RoleSeller {
		return fmt.Errorf("%w: %s cannot verify", ErrWrongRole, order.Seller.Kind)
	}
	res, err := o.verifier.Verify(ctx, order.Proof, order.Seller.Address)
	if err != nil {
		return err
	}
	if res.Valid {
		return nil
	}
	if res.Kind == errkind.Replay && o.ownPayment(ctx, order) {
		// An earlier attempt was accepted before its outcome reached us.
		return nil
	}
	return fmt.Errorf("commerce: seller rejected payment: %w", res.Err)
}

// ownPayment reports whether the seller's received set holds this order's
// payment.
func (o *Orchestrator) ownPayment(ctx context.Context, order *Order) bool {
	if order.Proof == nil {
		return false
	}
	r, err := o.verifier.Received(ctx, order.Proof.PaymentID)
	if err != nil || r == nil {
		return false
	}
	return strings.EqualFold(r.Sender, order.Buyer.Address) &&
		strings.EqualFold(r.Recipient, order.Seller.Address) &&
		r.Amount == order.Proof.Amount
}

func (o *Orchestrator) settle(ctx context.Context, order *Order) error {
	if !order.Settle || o.settler == nil {
		return nil
	}
	p := order.Proof
	res, err := o.settler.ExecutePayment(ctx, payment.Request{
		PaymentID: p.PaymentID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Sender:    p.Sender,
		Recipient: p.Recipient,
	}, p)
	if err != nil {
		return err
	}
	order.SettlementTx = res.TxID
	return nil
}

func (o *Orchestrator) review(ctx context.Context, order *Order) error {
	f, err := o.reputation.SubmitFeedback(ctx, reputation.FeedbackRequest{
		AgentID:   order.Seller.AgentID,
		Rating:    order.Rating,
		Comment:   order.Comment,
		PaymentID: order.PaymentID(),
		Reviewer:  order.Buyer.Address,
	})
	if err != nil {
		return err
	}
	order.FeedbackID = f.ID
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, order *Order, step Step, cause error) (*Order, error) {
	kind := errkind.KindOf(cause)
	if kind == errkind.Unknown {
		kind = kindUnknown
	}
	order.Status = StatusFailed
	order.Failure = &Failure{Step: step, Kind: kind, Reason: cause.Error()}
	o.logger.Warn("order failed", "order_id", order.ID, "step", step, "kind", kind, "error", cause)
	metrics.OrdersTotal.WithLabelValues(string(StatusFailed)).Inc()
	if err := o.save(ctx, order); err != nil {
		return order, err
	}
	return order, nil
}

// interrupt records a stopped order. A payment that reached the seller's
// received set is never rolled back, so such orders stay resumable.
func (o *Orchestrator) interrupt(ctx context.Context, order *Order) (*Order, error) {
	ctx = context.WithoutCancel(ctx)
	if !order.Step.Reached(StepVerified) && o.ownPayment(ctx, order) {
		order.Step = StepVerified
	}
	if order.Step.Reached(StepVerified) {
		order.Status = StatusInterrupted
	} else {
		order.Status = StatusCancelled
	}
	o.logger.Info("order interrupted", "order_id", order.ID, "step", order.Step, "status", order.Status)
	metrics.OrdersTotal.WithLabelValues(string(order.Status)).Inc()
	if err := o.save(ctx, order); err != nil {
		return order, err
	}
	return order, nil
}

// save persists order even after ctx is cancelled.
func (o *Orchestrator) save(ctx context.Context, order *Order) error {
	order.UpdatedAt = o.now().UTC()
	if err := o.store.Update(context.WithoutCancel(ctx), order); err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return err
		}
		return errkind.External("commerce: save order", err)
	}
	o.publish(order)
	return nil
}

func (o *Orchestrator) publish(order *Order) {
	o.publisher.Publish(realtime.Event{
		Type:      realtime.EventOrderUpdated,
		AgentID:   order.Buyer.AgentID,
		OrderID:   order.ID,
		PaymentID: order.PaymentID(),
		Timestamp: order.UpdatedAt,
		Data:      order.Clone(),
	})
}

package reputation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/trustmesh/internal/idgen"
	"github.com/mbd888/trustmesh/internal/metrics"
	"github.com/mbd888/trustmesh/internal/realtime"
	"github.com/mbd888/trustmesh/internal/security"
	"github.com/mbd888/trustmesh/internal/syncutil"
)

// PaymentLookup answers whether a payment id is in the verifier's
// received set.
type PaymentLookup interface {
	Has(ctx context.Context, paymentID string) (bool, error)
}

// AgentChecker answers whether an agent is registered.
type AgentChecker interface {
	Exists(ctx context.Context, agentID string) (bool, error)
}

// Service is the reputation ledger.
type Service struct {
	store     Store
	payments  PaymentLookup
	agents    AgentChecker
	publisher realtime.Publisher
	logger    *slog.Logger
	locks     *syncutil.KeyedMutex
	now       func() time.Time
}

// NewService creates a reputation ledger over store.
func NewService(store Store) *Service {
	return &Service{
		store:     store,
		publisher: realtime.Nop{},
		logger:    slog.Default(),
		locks:     syncutil.NewKeyedMutex(0),
		now:       time.Now,
	}
}

// WithPayments requires referenced payment ids to be in p's received set.
func (s *Service) WithPayments(p PaymentLookup) *Service {
	s.payments = p
	return s
}

// WithAgents rejects feedback for unregistered agents.
func (s *Service) WithAgents(a AgentChecker) *Service {
	s.agents = a
	return s
}

// WithPublisher sends feedback events to p.
func (s *Service) WithPublisher(p realtime.Publisher) *Service {
	s.publisher = p
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides time.Now.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SubmitFeedback records a rating for an agent. A payment id may back at
// most one feedback entry; resubmitting for the same agent returns the
// entry already stored.
func (s *Service) SubmitFeedback(ctx context.Context, req FeedbackRequest) (*Feedback, error) {
	if !ValidRating(req.Rating) {
		metrics.FeedbackTotal.WithLabelValues("rejected").Inc()
		return nil, ErrInvalidRating
	}
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		return nil, ErrMissingAgent
	}
	if errs := security.Check(security.ValidAddress("reviewer", req.Reviewer)); errs != nil {
		return nil, errs
	}

	if s.agents != nil {
		ok, err := s.agents.Exists(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrAgentNotFound
		}
	}

	paymentID := strings.TrimSpace(req.PaymentID)
	if paymentID != "" {
		if s.payments != nil {
			ok, err := s.payments.Has(ctx, paymentID)
			if err != nil {
				return nil, err
			}
			if !ok {
				metrics.FeedbackTotal.WithLabelValues("rejected").Inc()
				return nil, ErrPaymentNotReceived
			}
		}

		unlock := s.locks.Lock(paymentID)
		defer unlock()
		if existing, err := s.store.GetByPayment(ctx, paymentID); err == nil {
			return s.existing(existing, agentID)
		}
	}

	f := &Feedback{
		ID:        idgen.WithPrefix(idgen.PrefixFeedback),
		AgentID:   agentID,
		Rating:    req.Rating,
		Comment:   security.SanitizeString(req.Comment, maxCommentLength),
		PaymentID: paymentID,
		Reviewer:  strings.ToLower(req.Reviewer),
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Create(ctx, f); err != nil {
		if isDuplicate(err) {
			// Another process won the insert.
			existing, gerr := s.store.GetByPayment(ctx, paymentID)
			if gerr != nil {
				return nil, gerr
			}
			return s.existing(existing, agentID)
		}
		return nil, err
	}

	metrics.FeedbackTotal.WithLabelValues("accepted").Inc()
	s.logger.Info("feedback submitted", "feedback_id", f.ID, "agent_id", agentID, "rating", f.Rating, "payment_id", paymentID)
	s.publisher.Publish(realtime.Event{
		Type:      realtime.EventFeedbackSubmitted,
		AgentID:   agentID,
		PaymentID: paymentID,
		Timestamp: f.CreatedAt,
		Data:      f,
	})
	return f, nil
}

func (s *Service) existing(f *Feedback, agentID string) (*Feedback, error) {
	if f.AgentID != agentID {
		return nil, ErrPaymentReviewed
	}
	metrics.FeedbackTotal.WithLabelValues("duplicate").Inc()
	return f, nil
}

// GetReputationSummary aggregates the agent's non-revoked feedback.
func (s *Service) GetReputationSummary(ctx context.Context, agentID string) (*Summary, error) {
	feedback, err := s.store.ListByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return Summarize(agentID, feedback), nil
}

// IsTrustworthy reports whether the agent's trust score reaches minScore
// (DefaultTrustThreshold when non-positive).
func (s *Service) IsTrustworthy(ctx context.Context, agentID string, minScore int) (bool, error) {
	summary, err := s.GetReputationSummary(ctx, agentID)
	if err != nil {
		return false, err
	}
	return IsTrustworthy(summary, minScore), nil
}

// RevokeFeedback removes an entry from aggregation. Revoking twice is a
// no-op.
func (s *Service) RevokeFeedback(ctx context.Context, feedbackID string) (*Feedback, error) {
	before, err := s.store.Get(ctx, feedbackID)
	if err != nil {
		return nil, err
	}
	if before.Revoked {
		return before, nil
	}

	f, err := s.store.Revoke(ctx, feedbackID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	metrics.FeedbackTotal.WithLabelValues("revoked").Inc()
	s.logger.Info("feedback revoked", "feedback_id", f.ID, "agent_id", f.AgentID)
	s.publisher.Publish(realtime.Event{
		Type:      realtime.EventFeedbackRevoked,
		AgentID:   f.AgentID,
		PaymentID: f.PaymentID,
		Timestamp: s.now().UTC(),
		Data:      f,
	})
	return f, nil
}

// ListFeedback returns every entry for the agent, revoked ones included.
func (s *Service) ListFeedback(ctx context.Context, agentID string) ([]*Feedback, error) {
	return s.store.ListByAgent(ctx, agentID)
}

package validation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/trustmesh/internal/idgen"
	"github.com/mbd888/trustmesh/internal/metrics"
	"github.com/mbd888/trustmesh/internal/realtime"
	"github.com/mbd888/trustmesh/internal/security"
	"github.com/mbd888/trustmesh/internal/syncutil"
	"github.com/mbd888/trustmesh/internal/usdc"
)

const (
	maxDescriptionLength = 1000
	maxEvidenceLength    = 4000
)

// AgentChecker answers whether an agent is registered.
type AgentChecker interface {
	Exists(ctx context.Context, agentID string) (bool, error)
}

// Service is the validation registry.
type Service struct {
	store     Store
	policy    DuplicatePolicy
	agents    AgentChecker
	publisher realtime.Publisher
	logger    *slog.Logger
	locks     *syncutil.KeyedMutex
	now       func() time.Time
}

// NewService creates a registry. An empty policy means DuplicateOverwrite.
func NewService(store Store, policy DuplicatePolicy) *Service {
	if policy == "" {
		policy = DuplicateOverwrite
	}
	return &Service{
		store:     store,
		policy:    policy,
		publisher: realtime.Nop{},
		logger:    slog.Default(),
		locks:     syncutil.NewKeyedMutex(0),
		now:       time.Now,
	}
}

// WithAgents rejects requests for unregistered agents.
func (s *Service) WithAgents(a AgentChecker) *Service {
	s.agents = a
	return s
}

// WithPublisher sends completion events to p.
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

// RequestValidation opens a pending validation of agentID.
func (s *Service) RequestValidation(ctx context.Context, agentID, vtype, description, stake string) (*Validation, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, ErrMissingAgent
	}
	if !IsValidValidationType(vtype) {
		metrics.ValidationsTotal.WithLabelValues("request", "rejected").Inc()
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, vtype)
	}
	if strings.TrimSpace(stake) == "" {
		stake = "0"
	}
	amount, err := usdc.Parse(stake)
	if err != nil {
		metrics.ValidationsTotal.WithLabelValues("request", "rejected").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidStake, err)
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

	v := &Validation{
		ID:          idgen.WithPrefix(idgen.PrefixValidation),
		AgentID:     agentID,
		Type:        Type(vtype),
		Description: security.SanitizeString(description, maxDescriptionLength),
		Stake:       usdc.Format(amount),
		RequestedAt: s.now().UTC(),
	}
	if err := s.store.Create(ctx, v); err != nil {
		return nil, err
	}
	metrics.ValidationsTotal.WithLabelValues("request", "accepted").Inc()
	s.logger.Info("validation requested", "validation_id", v.ID, "agent_id", agentID, "type", vtype)
	return v, nil
}

// SubmitValidation records the outcome of a validation. A second call on
// a completed validation follows the service's DuplicatePolicy.
func (s *Service) SubmitValidation(ctx context.Context, id string, isValid bool, evidence string) (*Validation, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	v, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Completed && s.policy == DuplicateReject {
		metrics.ValidationsTotal.WithLabelValues("submit", "duplicate_rejected").Inc()
		return nil, ErrAlreadyCompleted
	}

	now := s.now().UTC()
	v.Completed = true
	v.IsValid = isValid
	v.Evidence = security.SanitizeString(evidence, maxEvidenceLength)
	v.Submissions++
	v.CompletedAt = &now
	if err := s.store.Update(ctx, v); err != nil {
		return nil, err
	}

	result := "failed"
	if isValid {
		result = "passed"
	}
	metrics.ValidationsTotal.WithLabelValues("submit", result).Inc()
	s.logger.Info("validation completed", "validation_id", id, "agent_id", v.AgentID, "valid", isValid, "submissions", v.Submissions)
	s.publisher.Publish(realtime.Event{
		Type:      realtime.EventValidationCompleted,
		AgentID:   v.AgentID,
		Timestamp: now,
		Data:      v,
	})
	return v, nil
}

// GetValidation returns one validation.
func (s *Service) GetValidation(ctx context.Context, id string) (*Validation, error) {
	return s.store.Get(ctx, id)
}

// ListValidations returns the agent's validations, pending ones included.
func (s *Service) ListValidations(ctx context.Context, agentID string) ([]*Validation, error) {
	return s.store.ListByAgent(ctx, agentID)
}

// GetValidationScore aggregates the agent's completed validations.
func (s *Service) GetValidationScore(ctx context.Context, agentID string) (*Score, error) {
	list, err := s.store.ListByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return ScoreOf(agentID, list), nil
}

// CalculateValidationConfidence returns the agent's confidence, 0-100.
func (s *Service) CalculateValidationConfidence(ctx context.Context, agentID string) (int, error) {
	score, err := s.GetValidationScore(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return score.Confidence, nil
}

// IsValidated reports whether the agent's confidence reaches
// minConfidence (DefaultMinConfidence when non-positive).
func (s *Service) IsValidated(ctx context.Context, agentID string, minConfidence int) (bool, error) {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	score, err := s.GetValidationScore(ctx, agentID)
	if err != nil {
		return false, err
	}
	return score.Total > 0 && score.Confidence >= minConfidence, nil
}

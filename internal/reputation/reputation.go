// Package reputation implements the feedback ledger and trust scoring.
//
// Trust is derived from peer feedback only:
//   - the average rating scaled to 0-100
//   - +5 once an agent has 10 reviews, +5 more at 50
//   - capped at 100, 0 with no reviews
//
// Revoked feedback stays stored but is left out of every aggregate.
package reputation

import (
	"math"
	"time"

	"github.com/mbd888/trustmesh/internal/errkind"
)

var (
	ErrFeedbackNotFound   = errkind.New(errkind.NotFound, "reputation: feedback not found")
	ErrAgentNotFound      = errkind.New(errkind.NotFound, "reputation: agent not found")
	ErrInvalidRating      = errkind.New(errkind.Validation, "reputation: rating must be between 1 and 5")
	ErrPaymentNotReceived = errkind.New(errkind.Validation, "reputation: payment not received")
	ErrPaymentReviewed    = errkind.New(errkind.Validation, "reputation: payment already reviewed for another agent")
	ErrMissingAgent       = errkind.New(errkind.Validation, "reputation: agentId is required")
)

const (
	MinRating = 1
	MaxRating = 5

	// DefaultTrustThreshold is the minimum trust score IsTrustworthy uses
	// when the caller passes none.
	DefaultTrustThreshold = 70

	maxCommentLength = 1000
)

// Feedback is one peer review of an agent.
type Feedback struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agentId"`
	Rating    int        `json:"rating"`
	Comment   string     `json:"comment,omitempty"`
	PaymentID string     `json:"paymentId,omitempty"`
	Reviewer  string     `json:"reviewer,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	Revoked   bool       `json:"revoked"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// FeedbackRequest is the input to SubmitFeedback.
type FeedbackRequest struct {
	AgentID   string `json:"agentId"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`
	Reviewer  string `json:"reviewer,omitempty"`
}

// Tier is a human-readable band of the trust score.
type Tier string

const (
	TierNew         Tier = "new"         // no reviews yet
	TierEmerging    Tier = "emerging"    // below 40
	TierEstablished Tier = "established" // 40-69
	TierTrusted     Tier = "trusted"     // 70-89
	TierElite       Tier = "elite"       // 90-100
)

// Summary is the derived reputation of an agent.
type Summary struct {
	AgentID      string  `json:"agentId"`
	AvgRating    float64 `json:"avgRating"`
	TotalReviews int     `json:"totalReviews"`
	TrustScore   int     `json:"trustScore"`
	Tier         Tier    `json:"tier"`
}

// ValidRating reports whether r is within [MinRating, MaxRating].
func ValidRating(r int) bool {
	return r >= MinRating && r <= MaxRating
}

// CalculateTrustScore maps an average rating and review count to 0-100.
func CalculateTrustScore(avgRating float64, totalReviews int) int {
	if totalReviews <= 0 {
		return 0
	}
	score := int(math.Round(avgRating / MaxRating * 100))
	if totalReviews >= 10 {
		score += 5
	}
	if totalReviews >= 50 {
		score += 5
	}
	return max(0, min(score, 100))
}

// TierFor bands a trust score.
func TierFor(trustScore, totalReviews int) Tier {
	switch {
	case totalReviews == 0:
		return TierNew
	case trustScore >= 90:
		return TierElite
	case trustScore >= 70:
		return TierTrusted
	case trustScore >= 40:
		return TierEstablished
	default:
		return TierEmerging
	}
}

// Summarize aggregates the non-revoked entries of feedback.
func Summarize(agentID string, feedback []*Feedback) *Summary {
	s := &Summary{AgentID: agentID}
	total := 0
	for _, f := range feedback {
		if f.Revoked {
			continue
		}
		total += f.Rating
		s.TotalReviews++
	}
	if s.TotalReviews > 0 {
		s.AvgRating = math.Round(float64(total)/float64(s.TotalReviews)*100) / 100
	}
	s.TrustScore = CalculateTrustScore(float64(total)/float64(max(s.TotalReviews, 1)), s.TotalReviews)
	s.Tier = TierFor(s.TrustScore, s.TotalReviews)
	return s
}

// IsTrustworthy reports whether the summary meets minScore. A non-positive
// minScore means DefaultTrustThreshold.
func IsTrustworthy(s *Summary, minScore int) bool {
	if minScore <= 0 {
		minScore = DefaultTrustThreshold
	}
	return s != nil && s.TrustScore >= minScore
}

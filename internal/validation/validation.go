// Package validation records independent checks of agent behaviour and
// derives a confidence score from their outcomes.
package validation

import (
	"math"
	"time"

	"github.com/mbd888/trustmesh/internal/errkind"
)

var (
	ErrValidationNotFound = errkind.New(errkind.NotFound, "validation: validation not found")
	ErrAgentNotFound      = errkind.New(errkind.NotFound, "validation: agent not found")
	ErrInvalidType        = errkind.New(errkind.Validation, "validation: unknown validation type")
	ErrInvalidStake       = errkind.New(errkind.Validation, "validation: stake must be a non-negative USDC amount")
	ErrAlreadyCompleted   = errkind.New(errkind.Validation, "validation: validation already completed")
	ErrMissingAgent       = errkind.New(errkind.Validation, "validation: agentId is required")
)

// Type is the validation mechanism.
type Type string

const (
	TypeStakeReExecution Type = "stake-re-execution"
	TypeZKMLProof        Type = "zkml-proof"
	TypeTEEOracle        Type = "tee-oracle"
	TypeTrustedJudge     Type = "trusted-judge"
	TypeMultiSig         Type = "multi-sig"
)

// Types lists every accepted validation type.
var Types = []Type{TypeStakeReExecution, TypeZKMLProof, TypeTEEOracle, TypeTrustedJudge, TypeMultiSig}

// IsValidValidationType reports whether t names a known type.
func IsValidValidationType(t string) bool {
	for _, known := range Types {
		if string(known) == t {
			return true
		}
	}
	return false
}

// DuplicatePolicy decides what a second SubmitValidation on a completed
// validation does.
type DuplicatePolicy string

const (
	// DuplicateOverwrite replaces the earlier outcome.
	DuplicateOverwrite DuplicatePolicy = "overwrite"
	// DuplicateReject fails with ErrAlreadyCompleted.
	DuplicateReject DuplicatePolicy = "reject"
)

// DefaultMinConfidence is the threshold IsValidated uses when the caller
// passes none.
const DefaultMinConfidence = 80

// Validation is one independent check of an agent.
type Validation struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agentId"`
	Type        Type       `json:"type"`
	Description string     `json:"description"`
	Stake       string     `json:"stake"`
	Completed   bool       `json:"completed"`
	IsValid     bool       `json:"isValid"`
	Evidence    string     `json:"evidence,omitempty"`
	Submissions int        `json:"submissions"`
	RequestedAt time.Time  `json:"requestedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Score is the derived confidence of an agent. Only completed
// validations count.
type Score struct {
	AgentID    string `json:"agentId"`
	Total      int    `json:"total"`
	Passed     int    `json:"passed"`
	Confidence int    `json:"score"`
}

// Confidence returns round(passed/total*100), or 0 when total is 0.
func Confidence(passed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(passed) / float64(total) * 100))
}

// ScoreOf aggregates validations for agentID.
func ScoreOf(agentID string, validations []*Validation) *Score {
	s := &Score{AgentID: agentID}
	for _, v := range validations {
		if !v.Completed {
			continue
		}
		s.Total++
		if v.IsValid {
			s.Passed++
		}
	}
	s.Confidence = Confidence(s.Passed, s.Total)
	return s
}

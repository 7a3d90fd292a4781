package reputation

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestCalculateTrustScore(t *testing.T) {
	tests := []struct {
		avg     float64
		reviews int
		want    int
	}{
		{0, 0, 0},
		{5, 0, 0},
		{5, 1, 100},
		{4, 2, 80},
		{3.5, 9, 70},
		{3.5, 10, 75},
		{3.5, 50, 80},
		{4.9, 10, 100}, // 98 + 5 capped
		{1, 1, 20},
		{2.47, 3, 49},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CalculateTrustScore(tt.avg, tt.reviews), "avg=%v reviews=%d", tt.avg, tt.reviews)
	}
}

func TestSummarize_SkipsRevoked(t *testing.T) {
	fb := []*Feedback{
		{Rating: 5},
		{Rating: 3},
		{Rating: 1, Revoked: true},
	}
	s := Summarize("agt_b", fb)
	assert.Equal(t, 4.0, s.AvgRating)
	assert.Equal(t, 2, s.TotalReviews)
	assert.Equal(t, 80, s.TrustScore)
	assert.Equal(t, TierTrusted, s.Tier)

	empty := Summarize("agt_none", nil)
	assert.Equal(t, 0, empty.TrustScore)
	assert.Equal(t, TierNew, empty.Tier)
}

func TestIsTrustworthy(t *testing.T) {
	assert.True(t, IsTrustworthy(&Summary{TrustScore: 70}, 0))
	assert.False(t, IsTrustworthy(&Summary{TrustScore: 69}, 0))
	assert.True(t, IsTrustworthy(&Summary{TrustScore: 50}, 50))
	assert.False(t, IsTrustworthy(nil, 10))
}

func TestTrustScoreProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	avg := gen.Float64Range(1, 5)
	reviews := gen.IntRange(1, 200)

	properties.Property("score stays within 0..100", prop.ForAll(
		func(a float64, n int) bool {
			s := CalculateTrustScore(a, n)
			return s >= 0 && s <= 100
		},
		avg, reviews,
	))

	properties.Property("non-decreasing in average rating", prop.ForAll(
		func(a, b float64, n int) bool {
			lo, hi := min(a, b), max(a, b)
			return CalculateTrustScore(lo, n) <= CalculateTrustScore(hi, n)
		},
		avg, avg, reviews,
	))

	properties.Property("non-decreasing in review count", prop.ForAll(
		func(a float64, m, n int) bool {
			lo, hi := min(m, n), max(m, n)
			return CalculateTrustScore(a, lo) <= CalculateTrustScore(a, hi)
		},
		avg, reviews, reviews,
	))

	properties.TestingRun(t)
}

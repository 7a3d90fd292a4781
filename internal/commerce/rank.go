package commerce

import (
	"math/big"
	"sort"

	"github.com/mbd888/trustmesh/internal/usdc"
)

// Rank orders candidates by trust score, highest first, then by price,
// lowest first. Ties keep agent id order so ranking is deterministic.
// Candidates with unparseable prices sort last.
func Rank(candidates []Candidate) []Candidate {
	out := append([]Candidate(nil), candidates...)
	prices := make(map[string]*big.Int, len(out))
	for _, c := range out {
		if p, err := usdc.Parse(c.Price); err == nil {
			prices[c.AgentID] = p
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		pa, oka := prices[a.AgentID]
		pb, okb := prices[b.AgentID]
		if oka != okb {
			return oka
		}
		if a.TrustScore != b.TrustScore {
			return a.TrustScore > b.TrustScore
		}
		if oka {
			if c := pa.Cmp(pb); c != 0 {
				return c < 0
			}
		}
		return a.AgentID < b.AgentID
	})
	return out
}

// SelectAffordable ranks candidates, flags the ones priced within budget
// and returns the best affordable one. ok is false when none fits.
func SelectAffordable(candidates []Candidate, budget *big.Int) (ranked []Candidate, best Candidate, ok bool) {
	ranked = Rank(candidates)
	for i := range ranked {
		p, err := usdc.Parse(ranked[i].Price)
		ranked[i].Affordable = err == nil && p.Cmp(budget) <= 0
		if ranked[i].Affordable && !ok {
			best, ok = ranked[i], true
		}
	}
	return ranked, best, ok
}

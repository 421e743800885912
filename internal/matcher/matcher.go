// Package matcher implements premium matching over the OTM call and put
// candidate quotes: target matching within a relative tolerance band, and the
// similarity fallback that pairs calls and puts trading near each other.
package matcher

import (
	"math"
	"sort"

	"github.com/mananvora/nifty_strangler/internal/models"
)

// MatchAtPrice finds the call/put pair whose last traded prices fall within
// the relative tolerance band around target. Each side's survivors are
// tie-broken by strike: the lowest-strike call and the highest-strike put,
// i.e. the pair straddling closest to at-the-money from outside. Found is
// false when either side has no survivor.
//
// Deterministic: identical inputs always yield the same pair.
func MatchAtPrice(target float64, calls, puts []models.QuotedStrike, tolerance float64) models.MatchResult {
	callSurvivors := filterNearTarget(target, sortByLTP(calls), tolerance)
	putSurvivors := filterNearTarget(target, sortByLTP(puts), tolerance)
	if len(callSurvivors) == 0 || len(putSurvivors) == 0 {
		return models.MatchResult{}
	}

	sort.SliceStable(callSurvivors, func(i, j int) bool {
		return callSurvivors[i].Strike < callSurvivors[j].Strike
	})
	sort.SliceStable(putSurvivors, func(i, j int) bool {
		return putSurvivors[i].Strike > putSurvivors[j].Strike
	})

	return models.MatchResult{
		Found: true,
		Call:  callSurvivors[0],
		Put:   putSurvivors[0],
	}
}

// MatchBySimilarity cross-joins the call and put quotes and keeps every pair
// whose premiums differ by less than tolerance relative to the call premium,
// ranked ascending by the distance between the two strikes. The first entry
// is the pair straddling nearest the at-the-money strike. Both input windows
// are bounded (ten strikes wide), so the O(n*m) join is fine.
//
// The sort is stable so that equidistant pairs keep their quote order,
// which keeps the listing reproducible.
func MatchBySimilarity(calls, puts []models.QuotedStrike, tolerance float64) []models.SimilarPair {
	sortedCalls := sortByLTP(calls)
	sortedPuts := sortByLTP(puts)

	var pairs []models.SimilarPair
	for _, c := range sortedCalls {
		diff := c.LTP * tolerance
		for _, p := range sortedPuts {
			if math.Abs(p.LTP-c.LTP) < diff {
				pairs = append(pairs, models.SimilarPair{
					StrikeDistance: math.Abs(p.Strike - c.Strike),
					Call:           c,
					Put:            p,
				})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].StrikeDistance < pairs[j].StrikeDistance
	})
	return pairs
}

// filterNearTarget keeps quotes whose LTP lies within the relative tolerance
// band of target: |target - ltp| <= ltp * tolerance. Widening the tolerance
// can only grow the surviving set.
func filterNearTarget(target float64, quotes []models.QuotedStrike, tolerance float64) []models.QuotedStrike {
	var out []models.QuotedStrike
	for _, q := range quotes {
		if math.Abs(target-q.LTP) <= q.LTP*tolerance {
			out = append(out, q)
		}
	}
	return out
}

// sortByLTP returns a copy sorted ascending by last traded price.
func sortByLTP(quotes []models.QuotedStrike) []models.QuotedStrike {
	out := make([]models.QuotedStrike, len(quotes))
	copy(out, quotes)
	sort.SliceStable(out, func(i, j int) bool { return out[i].LTP < out[j].LTP })
	return out
}

package discovery

import (
	"math/rand/v2"
	"sort"
)

// Ranking weights.
const (
	SimilarityWeight  = 0.7
	NativeBoostWeight = 0.15
	CommunityWeight   = 0.15

	// PageNativeBoost is the fixed readiness term of page candidates.
	PageNativeBoost = 0.5

	// ExplorationWindow is the head slice the luck shuffle reorders.
	ExplorationWindow = 5
	// explorationFactor bounds the noise to a fraction of the gap to the leader.
	explorationFactor = 0.5
)

// NativeBoost rewards resources the caller can run without further setup.
func NativeBoost(required, optional []string, connected map[string]bool) float64 {
	if len(required) == 0 {
		if len(optional) > 0 {
			return 0.3
		}
		return 1.0
	}
	for _, k := range required {
		if !connected[k] {
			return 0.0
		}
	}
	return 0.8
}

// CommunitySignal is the smoothed like ratio.
func CommunitySignal(likes, dislikes float64) float64 {
	return likes / (likes + dislikes + 1)
}

// FinalScore combines the three ranking terms.
func FinalScore(similarity, nativeBoost, community float64) float64 {
	return similarity*SimilarityWeight + nativeBoost*NativeBoostWeight + community*CommunityWeight
}

// SortByScore orders candidates by descending score, ties broken by id so
// the order is stable across runs.
func SortByScore(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		return cs[i].ID < cs[j].ID
	})
}

// LuckShuffle perturbs the top ExplorationWindow candidates of a sorted
// slice. Each gets uniform noise in [0, gap*0.5) where gap is its distance
// to the leader, then only that slice is re-sorted. Nothing past the window
// moves, and no perturbed score reaches the leader's.
func LuckShuffle(cs []Candidate, rng *rand.Rand) {
	n := min(ExplorationWindow, len(cs))
	if n < 2 {
		return
	}
	top := cs[0].Score
	for i := 1; i < n; i++ {
		gap := top - cs[i].Score
		if gap <= 0 {
			continue
		}
		cs[i].Score += rng.Float64() * gap * explorationFactor
	}
	SortByScore(cs[:n])
}

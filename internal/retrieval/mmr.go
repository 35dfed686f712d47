package retrieval

import (
	"sort"

	"github.com/google/uuid"
)

// rankedSpans sorts normalized candidates descending by score, breaking
// ties by created_at descending then span id ascending so ranking is
// stable and deterministic for a given tenant and snapshot.
func rankedSpans(spans []normalized) []normalized {
	sort.Slice(spans, func(i, j int) bool {
		a, b := spans[i], spans[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.createdAt.Equal(b.createdAt) {
			return a.createdAt.After(b.createdAt)
		}
		return a.id.String() < b.id.String()
	})
	return spans
}

// selectMMR greedily selects up to finalK spans from the top mmrPool
// ranked candidates, maximizing relevance while penalizing similarity to
// already-selected spans. A span missing an embedding contributes 0 to
// every similarity term, per spec: it is treated as uncorrelated rather
// than excluded outright.
func selectMMR(ranked []normalized, embeddings map[uuid.UUID][]float32, lambda float64, mmrPool, finalK int) []uuid.UUID {
	if mmrPool > len(ranked) {
		mmrPool = len(ranked)
	}
	pool := ranked[:mmrPool]

	relevance := make(map[uuid.UUID]float64, len(pool))
	for _, s := range pool {
		relevance[s.id] = s.score
	}

	selected := make([]uuid.UUID, 0, finalK)
	remaining := make([]normalized, len(pool))
	copy(remaining, pool)

	for len(selected) < finalK && len(remaining) > 0 {
		bestIdx := -1
		bestVal := 0.0
		for i, cand := range remaining {
			maxSim := 0.0
			for _, sel := range selected {
				sim := cosineSimilarity(embeddings[cand.id], embeddings[sel])
				if sim > maxSim {
					maxSim = sim
				}
			}
			val := lambda*relevance[cand.id] - (1-lambda)*maxSim
			if bestIdx == -1 || val > bestVal {
				bestIdx = i
				bestVal = val
			}
		}
		selected = append(selected, remaining[bestIdx].id)
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

// greedyTopK takes the first finalK ranked spans with no diversification,
// the fallback path when MMR is disabled.
func greedyTopK(ranked []normalized, finalK int) []uuid.UUID {
	if finalK > len(ranked) {
		finalK = len(ranked)
	}
	out := make([]uuid.UUID, finalK)
	for i := 0; i < finalK; i++ {
		out[i] = ranked[i].id
	}
	return out
}

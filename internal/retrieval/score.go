package retrieval

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/fieldnotes/memoryengine/internal/store"
)

// normalized holds the min-max normalized signals for a single candidate
// span, plus the recency factor and the final blended score.
type normalized struct {
	id        uuid.UUID
	vec       float64
	lex       float64
	graph     float64
	recency   float64
	score     float64
	createdAt time.Time
}

// safeNormalize min-max normalizes values in place, keyed by span id. If
// every value is equal (including the degenerate single-element case), it
// assigns 1.0 to all of them rather than producing a divide-by-zero NaN.
func safeNormalize(raw map[uuid.UUID]float64) map[uuid.UUID]float64 {
	out := make(map[uuid.UUID]float64, len(raw))
	if len(raw) == 0 {
		return out
	}
	min, max := math.Inf(1), math.Inf(-1)
	for _, v := range raw {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max == min {
		for id := range raw {
			out[id] = 1.0
		}
		return out
	}
	span := max - min
	for id, v := range raw {
		out[id] = (v - min) / span
	}
	return out
}

// recencyFactor computes exp(-ln(2) * age_days / halflife_days). A span
// created in the future (clock skew, replication lag) is treated as age 0
// rather than given a bonus above 1.0.
func recencyFactor(createdAt, now time.Time, halflifeDays float64) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	if halflifeDays <= 0 {
		halflifeDays = 45
	}
	return math.Exp(-math.Ln2 * ageDays / halflifeDays)
}

// scoreCandidates normalizes vec_sim, lex, and edge_support independently
// across the allowed set, computes the recency factor for each span, and
// blends them into a single score per the configured weights.
func scoreCandidates(feats map[uuid.UUID]store.SpanFeatures, weights Weights, now time.Time) []normalized {
	rawVec := make(map[uuid.UUID]float64, len(feats))
	rawLex := make(map[uuid.UUID]float64, len(feats))
	rawGraph := make(map[uuid.UUID]float64, len(feats))
	for id, f := range feats {
		rawVec[id] = f.VecSim
		rawLex[id] = f.Lex
		rawGraph[id] = f.EdgeSupport
	}
	vecN := safeNormalize(rawVec)
	lexN := safeNormalize(rawLex)
	graphN := safeNormalize(rawGraph)

	out := make([]normalized, 0, len(feats))
	for id, f := range feats {
		r := recencyFactor(f.CreatedAt, now, weights.RecencyHalflifeDays)
		n := normalized{
			id:        id,
			vec:       vecN[id],
			lex:       lexN[id],
			graph:     graphN[id],
			recency:   r,
			createdAt: f.CreatedAt,
		}
		n.score = weights.AlphaVec*n.vec + weights.BetaLex*n.lex + weights.GammaGraph*n.graph + weights.DeltaRecency*n.recency
		out = append(out, n)
	}
	return out
}

// cosineSimilarity returns the cosine similarity of two equal-length
// vectors, or 0 if either is empty, mismatched, or zero-norm.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		da, db := float64(a[i]), float64(b[i])
		dot += da * db
		normA += da * da
		normB += db * db
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Package retrieval implements the evidence-anchored retrieval pipeline:
// seed, graph expand, feature extraction, policy filter, score, diversify,
// hydrate.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fieldnotes/memoryengine/internal/model"
	"github.com/fieldnotes/memoryengine/internal/policy"
	"github.com/fieldnotes/memoryengine/internal/store"
)

// Embedder turns query text into the vector the store compares evidence
// embeddings against. Implemented by internal/embedclient against the
// external embedding service.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorSeeder runs the vector half of the seed stage. *store.Store
// satisfies this directly against pgvector; internal/annindex.Index
// satisfies it against a Qdrant mirror when one is configured.
type VectorSeeder interface {
	SeedSpansVector(ctx context.Context, orgID uuid.UUID, queryEmbedding []float32, seedK int) ([]store.SeedSpan, error)
}

// Transient Postgres errors (serialization failures, deadlocks) inside a
// request get exactly one retry with a short jittered backoff, per
// spec.md §7's StoreError handling. Deriver and backfill retries, which
// aren't bounded by a request deadline, can afford more attempts and live
// closer to their own call sites instead of sharing this constant.
const (
	storeRetryAttempts  = 1
	storeRetryBaseDelay = 25 * time.Millisecond
)

// Pipeline runs the retrieval stages against a Store for a given tenant.
type Pipeline struct {
	store        *store.Store
	embedder     Embedder
	logger       *slog.Logger
	weights      Weights
	policyCache  *policy.Cache
	vectorSeeder VectorSeeder // defaults to store when nil
}

// New creates a retrieval pipeline. policyCache may be nil to disable
// policy-filter result caching.
func New(s *store.Store, embedder Embedder, logger *slog.Logger, weights Weights, policyCache *policy.Cache) *Pipeline {
	return &Pipeline{store: s, embedder: embedder, logger: logger, weights: weights, policyCache: policyCache}
}

// SetVectorSeeder overrides the vector half of seeding, e.g. to run it
// against a Qdrant mirror instead of pgvector. Passing nil restores the
// store-backed default.
func (p *Pipeline) SetVectorSeeder(v VectorSeeder) {
	p.vectorSeeder = v
}

// Retrieve runs the full pipeline for a single request and returns the
// response envelope, including debug counts.
func (p *Pipeline) Retrieve(ctx context.Context, req model.RetrieveRequest) (model.RetrieveResponse, error) {
	if req.OrgID == uuid.Nil || req.PrincipalID == uuid.Nil {
		return model.RetrieveResponse{}, fmt.Errorf("%w: org_id and principal_id are required", ErrValidation)
	}
	if req.QueryText == "" {
		return model.RetrieveResponse{}, fmt.Errorf("%w: query_text is required", ErrValidation)
	}
	if !req.Mode.IsValid() {
		return model.RetrieveResponse{}, fmt.Errorf("%w: unrecognized mode %q", ErrValidation, req.Mode)
	}

	resp := model.RetrieveResponse{
		OrgID: req.OrgID,
		Query: req.QueryText,
		TopK:  p.weights.FinalK,
		Debug: model.DebugEnvelope{
			MMREnabled: p.weights.UseMMR,
			MMRLambda:  p.weights.MMRLambda,
			MMRPool:    p.weights.MMRPool,
		},
	}

	queryEmbedding, err := p.embedder.Embed(ctx, req.QueryText)
	if err != nil {
		return resp, fmt.Errorf("retrieval: embed query: %w", err)
	}

	// Stage 1 — seed. Vector and lexical searches are independent Store
	// calls; run them concurrently.
	var vecSeeds, lexSeeds []store.SeedSpan
	vectorSeeder := p.vectorSeeder
	if vectorSeeder == nil {
		vectorSeeder = p.store
	}
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var v []store.SeedSpan
		err := store.WithRetry(gCtx, storeRetryAttempts, storeRetryBaseDelay, func() error {
			var err error
			v, err = vectorSeeder.SeedSpansVector(gCtx, req.OrgID, queryEmbedding, p.weights.SeedK)
			return err
		})
		if err != nil {
			return fmt.Errorf("seed vector: %w", err)
		}
		vecSeeds = v
		return nil
	})
	g.Go(func() error {
		var l []store.SeedSpan
		err := store.WithRetry(gCtx, storeRetryAttempts, storeRetryBaseDelay, func() error {
			var err error
			l, err = p.store.SeedSpansLexical(gCtx, req.OrgID, req.QueryText, p.weights.SeedK)
			return err
		})
		if err != nil {
			return fmt.Errorf("seed lexical: %w", err)
		}
		lexSeeds = l
		return nil
	})
	if err := g.Wait(); err != nil {
		return resp, fmt.Errorf("retrieval: %w", err)
	}
	seeds := store.MergeSeedSpans(vecSeeds, lexSeeds)
	resp.Debug.SeedSpans = len(seeds)
	if len(seeds) == 0 {
		return resp, nil
	}

	seedSpanIDs := make([]uuid.UUID, len(seeds))
	for i, sp := range seeds {
		seedSpanIDs[i] = sp.ID
	}

	var seedNodeIDs []uuid.UUID
	err = store.WithRetry(ctx, storeRetryAttempts, storeRetryBaseDelay, func() error {
		var err error
		seedNodeIDs, err = p.store.SeedNodesFromSpans(ctx, req.OrgID, seedSpanIDs)
		return err
	})
	if err != nil {
		return resp, fmt.Errorf("retrieval: seed nodes: %w", err)
	}
	resp.Debug.SeedNodes = len(seedNodeIDs)

	// Stage 2 — graph expand.
	var expandedNodeIDs []uuid.UUID
	err = store.WithRetry(ctx, storeRetryAttempts, storeRetryBaseDelay, func() error {
		var err error
		expandedNodeIDs, err = p.store.ExpandNodes(ctx, req.OrgID, seedNodeIDs, p.weights.HopDepth, p.weights.HopFanout)
		return err
	})
	if err != nil {
		return resp, fmt.Errorf("retrieval: expand nodes: %w", err)
	}
	resp.Debug.ExpandedNodesCount = len(expandedNodeIDs)

	// Stage 3/4 — candidate spans from seed spans plus spans anchoring
	// expanded nodes.
	var candidateSpanIDs []uuid.UUID
	err = store.WithRetry(ctx, storeRetryAttempts, storeRetryBaseDelay, func() error {
		var err error
		candidateSpanIDs, err = p.store.CandidateSpans(ctx, req.OrgID, seedSpanIDs, expandedNodeIDs)
		return err
	})
	if err != nil {
		return resp, fmt.Errorf("retrieval: candidate spans: %w", err)
	}
	resp.Debug.CandidateSpansCount = len(candidateSpanIDs)
	if len(candidateSpanIDs) == 0 {
		return resp, nil
	}

	// Stage 5 — feature extraction. Vector, lexical, and edge-support
	// sub-queries are independent; run them concurrently.
	var vecFeats map[uuid.UUID]store.SpanFeatures
	var lexFeats map[uuid.UUID]float64
	var edgeFeats map[uuid.UUID]float64
	var createdAt map[uuid.UUID]time.Time
	fg, fgCtx := errgroup.WithContext(ctx)
	fg.Go(func() error {
		var v map[uuid.UUID]store.SpanFeatures
		err := store.WithRetry(fgCtx, storeRetryAttempts, storeRetryBaseDelay, func() error {
			var err error
			v, err = p.store.SpanVecFeatures(fgCtx, req.OrgID, queryEmbedding, candidateSpanIDs)
			return err
		})
		if err != nil {
			return fmt.Errorf("span vec features: %w", err)
		}
		vecFeats = v
		return nil
	})
	fg.Go(func() error {
		var l map[uuid.UUID]float64
		err := store.WithRetry(fgCtx, storeRetryAttempts, storeRetryBaseDelay, func() error {
			var err error
			l, err = p.store.SpanLexFeatures(fgCtx, req.OrgID, req.QueryText, candidateSpanIDs)
			return err
		})
		if err != nil {
			return fmt.Errorf("span lex features: %w", err)
		}
		lexFeats = l
		return nil
	})
	fg.Go(func() error {
		var e map[uuid.UUID]float64
		err := store.WithRetry(fgCtx, storeRetryAttempts, storeRetryBaseDelay, func() error {
			var err error
			e, err = p.store.SpanEdgeSupport(fgCtx, req.OrgID, candidateSpanIDs, expandedNodeIDs, p.weights.GraphBonusMap)
			return err
		})
		if err != nil {
			return fmt.Errorf("span edge support: %w", err)
		}
		edgeFeats = e
		return nil
	})
	fg.Go(func() error {
		var c map[uuid.UUID]time.Time
		err := store.WithRetry(fgCtx, storeRetryAttempts, storeRetryBaseDelay, func() error {
			var err error
			c, err = p.store.SpanCreatedAt(fgCtx, req.OrgID, candidateSpanIDs)
			return err
		})
		if err != nil {
			return fmt.Errorf("span created_at: %w", err)
		}
		createdAt = c
		return nil
	})
	if err := fg.Wait(); err != nil {
		return resp, fmt.Errorf("retrieval: %w", err)
	}

	feats := make(map[uuid.UUID]store.SpanFeatures, len(candidateSpanIDs))
	for _, id := range candidateSpanIDs {
		f := vecFeats[id]
		f.Lex = lexFeats[id]
		f.EdgeSupport = edgeFeats[id]
		if f.CreatedAt.IsZero() {
			f.CreatedAt = createdAt[id]
		}
		feats[id] = f
	}

	// Stage 6 — policy filter. Must run before any truncation.
	allowedIDs, err := policy.Filter(ctx, p.store, p.policyCache, req.OrgID, req.PrincipalID, candidateSpanIDs)
	if err != nil {
		return resp, fmt.Errorf("retrieval: policy filter: %w", err)
	}
	resp.Debug.AllowedSpansCount = len(allowedIDs)
	if len(allowedIDs) == 0 {
		return resp, nil
	}

	allowedFeats := make(map[uuid.UUID]store.SpanFeatures, len(allowedIDs))
	for _, id := range allowedIDs {
		allowedFeats[id] = feats[id]
	}

	// Stage 7 — score, rank, diversify.
	ranked := rankedSpans(scoreCandidates(allowedFeats, p.weights, time.Now().UTC()))

	var selectedIDs []uuid.UUID
	if p.weights.UseMMR && len(ranked) > 0 {
		var embeddings map[uuid.UUID][]float32
		err := store.WithRetry(ctx, storeRetryAttempts, storeRetryBaseDelay, func() error {
			var err error
			embeddings, err = p.store.SpanEmbeddings(ctx, firstN(idsOf(ranked), p.weights.MMRPool))
			return err
		})
		if err != nil {
			return resp, fmt.Errorf("retrieval: span embeddings: %w", err)
		}
		selectedIDs = selectMMR(ranked, embeddings, p.weights.MMRLambda, p.weights.MMRPool, p.weights.FinalK)
	} else {
		selectedIDs = greedyTopK(ranked, p.weights.FinalK)
	}

	var hydrated []model.HydratedSpan
	err = store.WithRetry(ctx, storeRetryAttempts, storeRetryBaseDelay, func() error {
		var err error
		hydrated, err = p.store.HydrateSpans(ctx, req.OrgID, selectedIDs)
		return err
	})
	if err != nil {
		return resp, fmt.Errorf("retrieval: hydrate: %w", err)
	}
	hydrated = reorderByIDs(hydrated, selectedIDs)

	final := dedupByArtifactOverlap(hydrated, p.weights.FinalK)
	resp.Results = final
	resp.Debug.Returned = len(final)
	return resp, nil
}

func idsOf(spans []normalized) []uuid.UUID {
	ids := make([]uuid.UUID, len(spans))
	for i, s := range spans {
		ids[i] = s.id
	}
	return ids
}

func firstN(ids []uuid.UUID, n int) []uuid.UUID {
	if n > len(ids) {
		n = len(ids)
	}
	return ids[:n]
}

// reorderByIDs reorders hydrated spans to match the rank order in ids;
// HydrateSpans doesn't guarantee result ordering since it runs a single
// ANY($) query.
func reorderByIDs(spans []model.HydratedSpan, ids []uuid.UUID) []model.HydratedSpan {
	byID := make(map[uuid.UUID]model.HydratedSpan, len(spans))
	for _, s := range spans {
		byID[s.ID] = s
	}
	out := make([]model.HydratedSpan, 0, len(ids))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

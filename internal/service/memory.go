// Package service runs startup and maintenance passes over the store that
// don't belong inside a single HTTP request: backfilling embeddings for
// spans ingested before an embedding model was configured or while the
// embedding service was down.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/fieldnotes/memoryengine/internal/model"
)

// Embedder turns span text into a vector. internal/embedclient.Client
// satisfies this directly.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is the subset of *store.Store the backfill pass needs.
type Store interface {
	ListOrgIDs(ctx context.Context) ([]uuid.UUID, error)
	SpansMissingEmbedding(ctx context.Context, orgID uuid.UUID, modelName, modelVersion string, limit int) ([]uuid.UUID, error)
	SpanText(ctx context.Context, spanID uuid.UUID) (string, error)
	UpsertEvidenceEmbedding(ctx context.Context, e model.EvidenceEmbedding) error
}

// Service runs maintenance passes over a tenant's evidence spans.
type Service struct {
	store        Store
	embedder     Embedder
	logger       *slog.Logger
	modelName    string
	modelVersion string
	batchSize    int
}

// New creates a maintenance Service. batchSize bounds how many spans are
// fetched and embedded per org per BackfillEmbeddings call.
func New(store Store, embedder Embedder, logger *slog.Logger, modelName, modelVersion string, batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Service{
		store:        store,
		embedder:     embedder,
		logger:       logger,
		modelName:    modelName,
		modelVersion: modelVersion,
		batchSize:    batchSize,
	}
}

// BackfillEmbeddings embeds every evidence span across every tenant that has
// no row in evidence_embedding for the configured model name/version, up to
// batchSize spans per org per call. cmd/memoryd runs it once at startup, so
// a model upgrade or an embedding service outage during ingestion doesn't
// leave spans permanently unreachable by vector seeding.
func (s *Service) BackfillEmbeddings(ctx context.Context) (int, error) {
	orgIDs, err := s.store.ListOrgIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("service: list orgs: %w", err)
	}

	var total int
	for _, orgID := range orgIDs {
		n, err := s.backfillOrg(ctx, orgID)
		if err != nil {
			s.logger.Error("service: backfill embeddings failed for org", "org_id", orgID, "error", err)
			continue
		}
		total += n
	}
	return total, nil
}

func (s *Service) backfillOrg(ctx context.Context, orgID uuid.UUID) (int, error) {
	spanIDs, err := s.store.SpansMissingEmbedding(ctx, orgID, s.modelName, s.modelVersion, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("service: spans missing embedding: %w", err)
	}
	if len(spanIDs) == 0 {
		return 0, nil
	}

	var embedded int
	for _, spanID := range spanIDs {
		if ctx.Err() != nil {
			return embedded, ctx.Err()
		}

		text, err := s.store.SpanText(ctx, spanID)
		if err != nil {
			s.logger.Warn("service: backfill: read span text failed", "span_id", spanID, "error", err)
			continue
		}

		vec, err := s.embedder.Embed(ctx, text)
		if err != nil {
			s.logger.Warn("service: backfill: embed span failed", "span_id", spanID, "error", err)
			continue
		}

		if err := s.store.UpsertEvidenceEmbedding(ctx, model.EvidenceEmbedding{
			EvidenceSpanID: spanID,
			OrgID:          orgID,
			ModelName:      s.modelName,
			ModelVersion:   s.modelVersion,
			Embedding:      vec,
		}); err != nil {
			s.logger.Warn("service: backfill: upsert embedding failed", "span_id", spanID, "error", err)
			continue
		}
		embedded++
	}

	s.logger.Info("service: backfilled embeddings", "org_id", orgID, "count", embedded, "candidates", len(spanIDs))
	return embedded, nil
}

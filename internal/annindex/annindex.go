// Package annindex mirrors evidence span embeddings into Qdrant so the
// vector half of seeding can run against a purpose-built ANN index instead
// of pgvector. It is optional: an empty Qdrant URL in configuration means
// the pgvector index inside the store stays the only seed path.
package annindex

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/fieldnotes/memoryengine/internal/store"
)

// Config holds connection settings for the mirror index.
type Config struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Point is a single evidence span's embedding plus the fields needed for
// tenant-scoped filtering and recency scoring once it comes back from a
// search.
type Point struct {
	SpanID    uuid.UUID
	OrgID     uuid.UUID
	CreatedAt time.Time
	Embedding []float32
}

// Index is a Qdrant-backed mirror of evidence span embeddings.
type Index struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthMu  sync.Mutex
	lastCheck time.Time
	lastErr   error
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("annindex: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("annindex: invalid port in qdrant URL: %q", portStr)
		}
		if p == 6333 {
			port = 6334 // REST port given; use the gRPC port instead.
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// New connects to Qdrant via gRPC.
func New(cfg Config, logger *slog.Logger) (*Index, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("annindex: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &Index{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist, with
// HNSW parameters tuned for cosine similarity, plus payload indexes for the
// org_id filter every seed query applies.
func (idx *Index) EnsureCollection(ctx context.Context) error {
	exists, err := idx.client.CollectionExists(ctx, idx.collection)
	if err != nil {
		return fmt.Errorf("annindex: check collection exists: %w", err)
	}
	if exists {
		idx.logger.Info("annindex: collection already exists", "collection", idx.collection)
		return nil
	}

	m := uint64(16)
	efConstruct := uint64(128)

	err = idx.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: idx.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     idx.dims,
			Distance: qdrant.Distance_Cosine,
			HnswConfig: &qdrant.HnswConfigDiff{
				M:           &m,
				EfConstruct: &efConstruct,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("annindex: create collection %q: %w", idx.collection, err)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := idx.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: idx.collection,
		FieldName:      "org_id",
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("annindex: create index on org_id: %w", err)
	}

	idx.logger.Info("annindex: created collection", "collection", idx.collection, "dims", idx.dims)
	return nil
}

// SeedSpansVector implements retrieval.VectorSeeder, running the vector
// half of seeding against Qdrant instead of pgvector. Signature matches
// store.Store.SeedSpansVector so either can back the pipeline's seed stage.
func (idx *Index) SeedSpansVector(ctx context.Context, orgID uuid.UUID, queryEmbedding []float32, seedK int) ([]store.SeedSpan, error) {
	limit := uint64(seedK) //nolint:gosec // seedK is bounded by MEMORY_SEED_K config validation
	scored, err := idx.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: idx.collection,
		Query:          qdrant.NewQueryDense(queryEmbedding),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("org_id", orgID.String())},
		},
		Limit:       &limit,
		WithPayload: qdrant.NewWithPayloadInclude("created_at_unix"),
	})
	if err != nil {
		return nil, fmt.Errorf("annindex: seed query: %w", err)
	}

	out := make([]store.SeedSpan, 0, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		if idStr == "" {
			continue
		}
		spanID, err := uuid.Parse(idStr)
		if err != nil {
			idx.logger.Warn("annindex: invalid UUID in point ID", "id", idStr)
			continue
		}

		var createdAt time.Time
		if v, ok := sp.Payload["created_at_unix"]; ok {
			createdAt = time.Unix(int64(v.GetDoubleValue()), 0).UTC()
		}

		out = append(out, store.SeedSpan{ID: spanID, CreatedAt: createdAt, VecSim: float64(sp.Score)})
	}
	return out, nil
}

// Upsert inserts or updates span embeddings in the mirror index. Called
// after a span's embedding is written to Postgres so the two stay in sync.
func (idx *Index) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]any{
			"org_id":          p.OrgID.String(),
			"created_at_unix": float64(p.CreatedAt.Unix()),
		}
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.SpanID.String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := idx.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: idx.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("annindex: upsert %d points: %w", len(points), err)
	}
	return nil
}

// DeleteByIDs removes specific spans from the mirror index, e.g. after a
// retention sweep deletes the corresponding rows from Postgres.
func (idx *Index) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id.String())
	}

	_, err := idx.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: idx.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("annindex: delete %d points: %w", len(ids), err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds to avoid hammering the health endpoint on every request.
func (idx *Index) Healthy(ctx context.Context) error {
	idx.healthMu.Lock()
	defer idx.healthMu.Unlock()

	if time.Since(idx.lastCheck) < 5*time.Second {
		return idx.lastErr
	}

	_, err := idx.client.HealthCheck(ctx)
	idx.lastCheck = time.Now()
	if err != nil {
		idx.lastErr = fmt.Errorf("annindex: qdrant unhealthy: %w", err)
	} else {
		idx.lastErr = nil
	}
	return idx.lastErr
}

// Close shuts down the Qdrant gRPC connection.
func (idx *Index) Close() error {
	return idx.client.Close()
}

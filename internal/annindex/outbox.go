package annindex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/fieldnotes/memoryengine/internal/telemetry"
)

// maxOutboxAttempts must match the partial index predicate on span_outbox
// (WHERE attempts < 10). Changing it requires a new migration.
const maxOutboxAttempts = 10

// outboxEntry is a single row from span_outbox.
type outboxEntry struct {
	ID        int64
	OrgID     uuid.UUID
	SpanID    uuid.UUID
	Operation string
	Attempts  int
}

// OutboxWorker polls span_outbox and syncs evidence span embeddings into the
// Qdrant mirror, so the mirror stays current regardless of which vector
// backend is currently serving seed queries.
type OutboxWorker struct {
	pool         *pgxpool.Pool
	index        *Index
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	drainOnce   sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context
}

// NewOutboxWorker creates an outbox worker bound to a pool and a mirror index.
func NewOutboxWorker(pool *pgxpool.Pool, index *Index, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &OutboxWorker{
		pool:         pool,
		index:        index,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Safe to call only once; later
// calls are no-ops.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("annindex outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain stops the poll loop, runs one final batch, and blocks until it
// finishes or ctx expires. Safe to call more than once; only the first call
// triggers the drain.
func (w *OutboxWorker) Drain(ctx context.Context) {
	w.drainOnce.Do(func() {
		sendCtx, sendCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		select {
		case w.drainCh <- ctx:
		case <-sendCtx.Done():
			w.logger.Warn("annindex outbox: drain context channel busy, final poll will use fallback timeout")
		}
		sendCancel()
		if w.cancelLoop != nil {
			w.cancelLoop()
		}
	})
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("annindex outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *OutboxWorker) processBatch(ctx context.Context) {
	if w.pool == nil {
		w.logger.Warn("annindex outbox: skipping batch, pool is nil")
		return
	}
	if w.index == nil {
		w.logger.Warn("annindex outbox: skipping batch, index is nil")
		return
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		w.logger.Error("annindex outbox: begin tx", "error", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, org_id, span_id, operation, attempts
		 FROM span_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, w.batchSize,
	)
	if err != nil {
		w.logger.Error("annindex outbox: select pending", "error", err)
		return
	}
	entries, err := scanOutboxEntries(rows)
	if err != nil {
		w.logger.Error("annindex outbox: scan entries", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE span_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`,
		ids,
	); err != nil {
		w.logger.Error("annindex outbox: lock entries", "error", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("annindex outbox: commit lock", "error", err)
		return
	}

	var upserts, deletes []outboxEntry
	for _, e := range entries {
		switch e.Operation {
		case "upsert":
			upserts = append(upserts, e)
		case "delete":
			deletes = append(deletes, e)
		}
	}
	if len(upserts) > 0 {
		w.processUpserts(ctx, upserts)
	}
	if len(deletes) > 0 {
		w.processDeletes(ctx, deletes)
	}

	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
}

func (w *OutboxWorker) processUpserts(ctx context.Context, entries []outboxEntry) {
	spanIDs := make([]uuid.UUID, len(entries))
	orgIDs := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		spanIDs[i] = e.SpanID
		orgIDs[i] = e.OrgID
	}

	points, err := w.fetchPoints(ctx, spanIDs, orgIDs)
	if err != nil {
		w.logger.Error("annindex outbox: fetch span embeddings", "error", err, "count", len(spanIDs))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	readyEntries, readyPoints, pendingEntries := partitionUpsertEntries(entries, points)

	if len(readyPoints) > 0 {
		if err := w.index.Upsert(ctx, readyPoints); err != nil {
			w.logger.Error("annindex outbox: qdrant upsert", "error", err, "count", len(readyPoints))
			w.failEntries(ctx, readyEntries, err.Error())
		} else {
			w.succeedEntries(ctx, readyEntries)
			w.logger.Info("annindex outbox: upserted", "count", len(readyPoints))
		}
	}

	if len(pendingEntries) > 0 {
		var toDefer, toFail []outboxEntry
		for _, e := range pendingEntries {
			if e.Attempts >= maxOutboxAttempts-1 {
				toFail = append(toFail, e)
			} else {
				toDefer = append(toDefer, e)
			}
		}
		if len(toFail) > 0 {
			w.failEntries(ctx, toFail, "span embedding not ready after max defer cycles")
		}
		if len(toDefer) > 0 {
			w.deferPendingEntries(ctx, toDefer, "span embedding not ready for indexing")
		}
	}
}

func (w *OutboxWorker) processDeletes(ctx context.Context, entries []outboxEntry) {
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.SpanID
	}
	if err := w.index.DeleteByIDs(ctx, ids); err != nil {
		w.logger.Error("annindex outbox: qdrant delete", "error", err, "count", len(ids))
		w.failEntries(ctx, entries, err.Error())
		return
	}
	w.succeedEntries(ctx, entries)
	w.logger.Info("annindex outbox: deleted", "count", len(ids))
}

func (w *OutboxWorker) succeedEntries(ctx context.Context, entries []outboxEntry) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.pool.Exec(ctx, `DELETE FROM span_outbox WHERE id = ANY($1)`, ids); err != nil {
		w.logger.Error("annindex outbox: delete completed entries", "error", err)
	}
}

// deferPendingEntries backs off entries whose backing span embedding isn't
// visible yet (e.g. still waiting on the backfill pass). Each defer counts as
// an attempt, but waits a flat 30 minutes instead of failEntries' exponential
// backoff, so a late embedding has hours to land before the entry reaches
// maxOutboxAttempts.
func (w *OutboxWorker) deferPendingEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.pool.Exec(ctx,
		`UPDATE span_outbox
		 SET attempts = attempts + 1, last_error = $1, locked_until = now() + interval '30 minutes'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		w.logger.Error("annindex outbox: defer pending entries", "error", err)
	}
}

// failEntries backs off with exponential delay, capped at 5 minutes, so a
// Qdrant outage doesn't turn into a tight retry loop.
func (w *OutboxWorker) failEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.pool.Exec(ctx,
		`UPDATE span_outbox
		 SET attempts = attempts + 1, last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		w.logger.Error("annindex outbox: update failed entries", "error", err)
	}

	for _, e := range entries {
		if e.Attempts+1 >= maxOutboxAttempts {
			w.logger.Warn("annindex outbox: dead-letter entry",
				"outbox_id", e.ID, "span_id", e.SpanID, "operation", e.Operation, "attempts", e.Attempts+1)
		}
	}
}

func (w *OutboxWorker) cleanupDeadLetters(ctx context.Context) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		w.logger.Error("annindex outbox: begin dead-letter cleanup", "error", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`WITH candidates AS (
		    SELECT id, org_id, span_id, operation, attempts, last_error, created_at, locked_until
		    FROM span_outbox
		    WHERE attempts >= $1
		      AND (locked_until IS NULL OR locked_until < now())
		      AND created_at < now() - interval '7 days'
		    FOR UPDATE SKIP LOCKED
		)
		INSERT INTO span_outbox_dead_letters (outbox_id, org_id, span_id, operation, attempts, last_error, created_at, locked_until)
		SELECT id, org_id, span_id, operation, attempts, last_error, created_at, locked_until
		FROM candidates
		ON CONFLICT (outbox_id) DO NOTHING`,
		maxOutboxAttempts,
	); err != nil {
		w.logger.Error("annindex outbox: archive dead-letters", "error", err)
		return
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM span_outbox s
		 WHERE s.attempts >= $1
		   AND (s.locked_until IS NULL OR s.locked_until < now())
		   AND s.created_at < now() - interval '7 days'
		   AND EXISTS (SELECT 1 FROM span_outbox_dead_letters d WHERE d.outbox_id = s.id)`,
		maxOutboxAttempts,
	)
	if err != nil {
		w.logger.Error("annindex outbox: delete archived dead-letters", "error", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("annindex outbox: commit dead-letter cleanup", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		w.logger.Info("annindex outbox: archived and cleaned dead-letter entries", "deleted", tag.RowsAffected())
	}
}

func (w *OutboxWorker) fetchPoints(ctx context.Context, spanIDs, orgIDs []uuid.UUID) ([]Point, error) {
	if len(spanIDs) == 0 {
		return nil, nil
	}

	rows, err := w.pool.Query(ctx,
		`SELECT es.evidence_span_id, es.org_id, es.created_at, ee.embedding
		 FROM evidence_span es
		 JOIN unnest($1::uuid[], $2::uuid[]) AS pair(sid, oid)
		   ON es.evidence_span_id = pair.sid AND es.org_id = pair.oid
		 JOIN evidence_embedding ee ON ee.evidence_span_id = es.evidence_span_id`,
		spanIDs, orgIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("annindex outbox: query span embeddings: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		var emb pgvector.Vector
		if err := rows.Scan(&p.SpanID, &p.OrgID, &p.CreatedAt, &emb); err != nil {
			return nil, fmt.Errorf("annindex outbox: scan span embedding: %w", err)
		}
		p.Embedding = emb.Slice()
		points = append(points, p)
	}
	return points, rows.Err()
}

// registerMetrics publishes an OTEL gauge estimating outbox depth, using
// pg_class.reltuples instead of COUNT(*) so observing it doesn't cost a full
// table scan during a sustained Qdrant outage.
func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter("memoryengine/annindex/outbox")

	_, _ = meter.Int64ObservableGauge("memoryengine.annindex.outbox.depth",
		metric.WithDescription("Estimated pending entries in span_outbox (via pg_class.reltuples)"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var estimate float64
			err := w.pool.QueryRow(ctx, `SELECT reltuples FROM pg_class WHERE relname = 'span_outbox'`).Scan(&estimate)
			if err != nil {
				return nil
			}
			if estimate < 0 {
				estimate = 0
			}
			o.Observe(int64(estimate))
			return nil
		}),
	)
}

func scanOutboxEntries(rows pgx.Rows) ([]outboxEntry, error) {
	defer rows.Close()
	var entries []outboxEntry
	for rows.Next() {
		var e outboxEntry
		if err := rows.Scan(&e.ID, &e.OrgID, &e.SpanID, &e.Operation, &e.Attempts); err != nil {
			return nil, fmt.Errorf("annindex outbox: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// partitionUpsertEntries splits outbox entries by whether a matching
// embedding was found, so an entry racing ahead of its own embedding write
// (or queued before the backfill pass reaches it) defers instead of failing.
func partitionUpsertEntries(entries []outboxEntry, points []Point) ([]outboxEntry, []Point, []outboxEntry) {
	byID := make(map[uuid.UUID]Point, len(points))
	for _, p := range points {
		byID[p.SpanID] = p
	}

	readyEntries := make([]outboxEntry, 0, len(entries))
	readyPoints := make([]Point, 0, len(entries))
	pendingEntries := make([]outboxEntry, 0)
	for _, e := range entries {
		p, ok := byID[e.SpanID]
		if !ok {
			pendingEntries = append(pendingEntries, e)
			continue
		}
		readyEntries = append(readyEntries, e)
		readyPoints = append(readyPoints, p)
	}
	return readyEntries, readyPoints, pendingEntries
}

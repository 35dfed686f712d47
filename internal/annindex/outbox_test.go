package annindex

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRows implements pgx.Rows for unit testing scanOutboxEntries.
type mockRows struct {
	rows    [][]any
	cursor  int
	scanErr error
}

func (m *mockRows) Close()                                       {}
func (m *mockRows) Err() error                                   { return nil }
func (m *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (m *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (m *mockRows) RawValues() [][]byte                          { return nil }
func (m *mockRows) Conn() *pgx.Conn                              { return nil }
func (m *mockRows) Values() ([]any, error)                       { return m.rows[m.cursor-1], nil }

func (m *mockRows) Next() bool {
	if m.cursor >= len(m.rows) {
		return false
	}
	m.cursor++
	return true
}

func (m *mockRows) Scan(dest ...any) error {
	if m.scanErr != nil {
		return m.scanErr
	}
	row := m.rows[m.cursor-1]
	if len(dest) != len(row) {
		return fmt.Errorf("mockRows: scan %d dest into %d columns", len(dest), len(row))
	}
	for i, val := range row {
		switch d := dest[i].(type) {
		case *int64:
			*d = val.(int64)
		case *uuid.UUID:
			*d = val.(uuid.UUID)
		case *string:
			*d = val.(string)
		case *int:
			*d = val.(int)
		default:
			return fmt.Errorf("mockRows: unsupported dest type %T", d)
		}
	}
	return nil
}

func TestMaxOutboxAttempts(t *testing.T) {
	assert.Equal(t, 10, maxOutboxAttempts)
}

func TestScanOutboxEntries(t *testing.T) {
	orgID, spanID := uuid.New(), uuid.New()
	rows := &mockRows{rows: [][]any{
		{int64(1), orgID, spanID, "upsert", 0},
	}}

	entries, err := scanOutboxEntries(rows)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].ID)
	assert.Equal(t, orgID, entries[0].OrgID)
	assert.Equal(t, spanID, entries[0].SpanID)
	assert.Equal(t, "upsert", entries[0].Operation)
}

func TestScanOutboxEntries_Empty(t *testing.T) {
	entries, err := scanOutboxEntries(&mockRows{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestScanOutboxEntries_ScanError(t *testing.T) {
	rows := &mockRows{
		rows:    [][]any{{int64(1), uuid.New(), uuid.New(), "upsert", 0}},
		scanErr: fmt.Errorf("boom"),
	}
	_, err := scanOutboxEntries(rows)
	require.Error(t, err)
}

func TestPartitionUpsertEntries(t *testing.T) {
	readySpan := uuid.New()
	pendingSpan := uuid.New()
	entries := []outboxEntry{
		{ID: 1, SpanID: readySpan, Operation: "upsert"},
		{ID: 2, SpanID: pendingSpan, Operation: "upsert"},
	}
	points := []Point{{SpanID: readySpan, Embedding: []float32{0.1, 0.2}}}

	ready, readyPoints, pending := partitionUpsertEntries(entries, points)
	require.Len(t, ready, 1)
	require.Len(t, readyPoints, 1)
	require.Len(t, pending, 1)
	assert.Equal(t, readySpan, ready[0].SpanID)
	assert.Equal(t, pendingSpan, pending[0].SpanID)
}

func TestPartitionUpsertEntries_AllMissing(t *testing.T) {
	entries := []outboxEntry{{ID: 1, SpanID: uuid.New(), Operation: "upsert"}}
	ready, readyPoints, pending := partitionUpsertEntries(entries, nil)
	assert.Empty(t, ready)
	assert.Empty(t, readyPoints)
	assert.Len(t, pending, 1)
}

func TestPartitionUpsertEntries_AllReady(t *testing.T) {
	spanID := uuid.New()
	entries := []outboxEntry{{ID: 1, SpanID: spanID, Operation: "upsert"}}
	points := []Point{{SpanID: spanID, Embedding: []float32{0.3}}}
	ready, readyPoints, pending := partitionUpsertEntries(entries, points)
	assert.Len(t, ready, 1)
	assert.Len(t, readyPoints, 1)
	assert.Empty(t, pending)
}

func TestPartitionUpsertEntries_EmptyInputs(t *testing.T) {
	ready, readyPoints, pending := partitionUpsertEntries(nil, nil)
	assert.Empty(t, ready)
	assert.Empty(t, readyPoints)
	assert.Empty(t, pending)
}

func TestNewOutboxWorker(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(nil, nil))
	w := NewOutboxWorker(nil, nil, logger, 5*time.Second, 50)

	require.NotNil(t, w)
	assert.Nil(t, w.pool)
	assert.Nil(t, w.index)
	assert.NotNil(t, w.logger)
	assert.Equal(t, 5*time.Second, w.pollInterval)
	assert.Equal(t, 50, w.batchSize)
	assert.NotNil(t, w.done)
	assert.NotNil(t, w.drainCh)
	assert.False(t, w.started.Load())
}

func TestNewOutboxWorker_Defaults(t *testing.T) {
	w := NewOutboxWorker(nil, nil, slog.Default(), time.Second, 0)
	assert.Equal(t, 200, w.batchSize, "non-positive batch size falls back to the default")
}

func TestOutboxWorker_StartStop(t *testing.T) {
	w := NewOutboxWorker(nil, nil, slog.Default(), 100*time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	assert.True(t, w.started.Load())

	w.Start(ctx)
	assert.True(t, w.started.Load(), "double-start should still be started")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	w.Drain(drainCtx)

	select {
	case <-w.done:
	default:
		t.Fatal("done channel should be closed after drain")
	}
}

func TestOutboxWorker_DrainIdempotent(t *testing.T) {
	w := NewOutboxWorker(nil, nil, slog.Default(), 100*time.Millisecond, 10)

	ctx := context.Background()
	w.Start(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w.Drain(drainCtx)

	drainCtx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	w.Drain(drainCtx2)
}

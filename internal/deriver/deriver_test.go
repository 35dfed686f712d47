package deriver_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fieldnotes/memoryengine/internal/deriver"
	"github.com/fieldnotes/memoryengine/internal/model"
	"github.com/fieldnotes/memoryengine/internal/store"
	"github.com/fieldnotes/memoryengine/internal/testutil"
)

var testStore *store.Store

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	s, err := tc.NewTestStore(context.Background(), testutil.TestLogger())
	if err != nil {
		panic(err)
	}
	testStore = s
	os.Exit(m.Run())
}

func insertEvent(t *testing.T, ctx context.Context, orgID uuid.UUID, payload map[string]any) model.Event {
	t.Helper()
	e, err := testStore.InsertEvent(ctx, model.Event{
		OrgID:      orgID,
		EventType:  "ingest_completed",
		OccurredAt: time.Now().UTC(),
		Actor:      "avery@example.com",
		Payload:    payload,
	})
	require.NoError(t, err)
	return e
}

func TestDeriveDecisionCreatesNodesAndEdges(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	insertEvent(t, ctx, orgID, map[string]any{
		"kind":        "decision",
		"title":       "Move the migration deadline",
		"description": "deadline moved to march",
		"priority":    "P1",
		"owner":       "avery",
		"assumptions": []any{"the vendor confirms capacity"},
	})

	d := deriver.New(testStore, testutil.TestLogger(), time.Millisecond)
	claimed, err := d.DeriveOne(ctx, orgID)
	require.NoError(t, err)
	require.True(t, claimed)

	decisionID, err := testStore.FindNodeByKeyOrTitle(ctx, orgID, model.NodeDecision, "Move the migration deadline")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, decisionID)

	ownerID, err := testStore.FindNodeByKeyOrTitle(ctx, orgID, model.NodePerson, "avery")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, ownerID)

	// decided_by (owner), depends_on (assumption), relates_to (priority)
	var edgeCount int
	require.NoError(t, testStore.Pool().QueryRow(ctx,
		`SELECT count(*) FROM graph_edge WHERE org_id = $1`, orgID).Scan(&edgeCount))
	require.Equal(t, 3, edgeCount)

	// a second poll finds nothing left pending
	claimed, err = d.DeriveOne(ctx, orgID)
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestDeriveOutcomeLinksToExistingDecision(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	d := deriver.New(testStore, testutil.TestLogger(), time.Millisecond)

	insertEvent(t, ctx, orgID, map[string]any{
		"kind":     "decision",
		"title":    "Adopt the new vector index",
		"priority": "P2",
	})
	claimed, err := d.DeriveOne(ctx, orgID)
	require.NoError(t, err)
	require.True(t, claimed)

	insertEvent(t, ctx, orgID, map[string]any{
		"kind":         "outcome",
		"title":        "Index rollout completed",
		"decision_ref": "Adopt the new vector index",
	})
	claimed, err = d.DeriveOne(ctx, orgID)
	require.NoError(t, err)
	require.True(t, claimed)

	outcomeID, err := testStore.FindNodeByKeyOrTitle(ctx, orgID, model.NodeOutcome, "Index rollout completed")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, outcomeID)
}

func TestDeriverLastErrorStartsNil(t *testing.T) {
	d := deriver.New(testStore, testutil.TestLogger(), time.Millisecond)
	require.NoError(t, d.LastError(uuid.New()))
}

func TestDeriverStatusEmptyBeforeAnyPoll(t *testing.T) {
	d := deriver.New(testStore, testutil.TestLogger(), time.Millisecond)
	require.Empty(t, d.Status())
}

func TestDeriverStatusReflectsDerivationOutcome(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	d := deriver.New(testStore, testutil.TestLogger(), time.Millisecond)

	insertEvent(t, ctx, orgID, map[string]any{
		"kind":  "decision",
		"title": "Ship the new onboarding flow",
	})

	claimed, err := d.DeriveOne(ctx, orgID)
	require.NoError(t, err)
	require.True(t, claimed)

	statuses := d.Status()
	require.Len(t, statuses, 1)
	require.Equal(t, orgID, statuses[0].OrgID)
	require.Nil(t, statuses[0].LastErr)
	require.False(t, statuses[0].LastPoll.IsZero())
}

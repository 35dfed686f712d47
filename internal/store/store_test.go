package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

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

// seedArtifact inserts an artifact, its text, an ACL granting principalID
// direct access, and a single evidence span covering the whole text.
func seedArtifact(t *testing.T, ctx context.Context, orgID, principalID uuid.UUID, text string) model.EvidenceSpan {
	t.Helper()

	aclID, err := testStore.UpsertACL(ctx, orgID, "default-"+uuid.NewString())
	require.NoError(t, err)
	require.NoError(t, testStore.GrantPrincipal(ctx, orgID, aclID, principalID))

	artifact, err := testStore.UpsertArtifact(ctx, model.Artifact{
		OrgID:        orgID,
		SourceSystem: "test",
		SourceURI:    "test://doc/" + uuid.NewString(),
		ContentType:  "text/plain",
		ContentHash:  uuid.NewString(),
		ACLID:        aclID,
		CapturedAt:   time.Now().UTC(),
		OccurredAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	artText, err := testStore.UpsertArtifactText(ctx, model.ArtifactText{
		OrgID:       orgID,
		ArtifactID:  artifact.ID,
		TextUTF8:    text,
		Language:    "en",
		ContentHash: uuid.NewString(),
	})
	require.NoError(t, err)

	span, err := testStore.InsertEvidenceSpan(ctx, model.EvidenceSpan{
		OrgID:          orgID,
		ArtifactID:     artifact.ID,
		ArtifactTextID: artText.ID,
		StartChar:      0,
		EndChar:        len(text),
		SpanType:       model.SpanTypeParagraph,
		ExtractedBy:    "test",
		Confidence:     0.9,
	})
	require.NoError(t, err)
	return span
}

func TestArtifactIngestAndSpanText(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	principalID := uuid.New()

	span := seedArtifact(t, ctx, orgID, principalID, "the migration deadline was moved to march")

	text, err := testStore.SpanText(ctx, span.ID)
	require.NoError(t, err)
	require.Equal(t, "the migration deadline was moved to march", text)
}

func TestPolicyFilterDeniesUngrantedPrincipal(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	grantedPrincipal := uuid.New()
	strangerPrincipal := uuid.New()

	span := seedArtifact(t, ctx, orgID, grantedPrincipal, "only the granted principal should see this")

	allowed, err := testStore.PolicyFilter(ctx, orgID, grantedPrincipal, []uuid.UUID{span.ID})
	require.NoError(t, err)
	require.ElementsMatch(t, []uuid.UUID{span.ID}, allowed)

	denied, err := testStore.PolicyFilter(ctx, orgID, strangerPrincipal, []uuid.UUID{span.ID})
	require.NoError(t, err)
	require.Empty(t, denied)
}

func TestGraphUpsertNodeMergesMetadata(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	n1, err := testStore.UpsertNode(ctx, model.GraphNode{
		OrgID:    orgID,
		NodeType: model.NodeDecision,
		Key:      "decision:test",
		Title:    "Ship the thing",
		Metadata: map[string]any{"priority": "P1"},
	})
	require.NoError(t, err)

	n2, err := testStore.UpsertNode(ctx, model.GraphNode{
		OrgID:    orgID,
		NodeType: model.NodeDecision,
		Key:      "decision:test",
		Title:    "Ship the thing (revised)",
		Metadata: map[string]any{"owner": "avery"},
	})
	require.NoError(t, err)

	require.Equal(t, n1.ID, n2.ID)
	require.Equal(t, "Ship the thing (revised)", n2.Title)

	var meta map[string]any
	require.NoError(t, testStore.Pool().QueryRow(ctx,
		`SELECT metadata FROM graph_node WHERE node_id = $1`, n2.ID).Scan(&meta))
	require.Equal(t, map[string]any{"priority": "P1", "owner": "avery"}, meta)
}

func TestExpandNodesStopsAtHopDepth(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	a, err := testStore.UpsertNode(ctx, model.GraphNode{OrgID: orgID, NodeType: model.NodeDecision, Key: "a", Title: "A"})
	require.NoError(t, err)
	b, err := testStore.UpsertNode(ctx, model.GraphNode{OrgID: orgID, NodeType: model.NodeTopic, Key: "b", Title: "B"})
	require.NoError(t, err)
	c, err := testStore.UpsertNode(ctx, model.GraphNode{OrgID: orgID, NodeType: model.NodeTopic, Key: "c", Title: "C"})
	require.NoError(t, err)

	_, err = testStore.UpsertEdge(ctx, model.GraphEdge{OrgID: orgID, SrcNodeID: a.ID, DstNodeID: b.ID, EdgeType: model.EdgeRelates})
	require.NoError(t, err)
	_, err = testStore.UpsertEdge(ctx, model.GraphEdge{OrgID: orgID, SrcNodeID: b.ID, DstNodeID: c.ID, EdgeType: model.EdgeRelates})
	require.NoError(t, err)

	oneHop, err := testStore.ExpandNodes(ctx, orgID, []uuid.UUID{a.ID}, 1, 80)
	require.NoError(t, err)
	require.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, oneHop)

	twoHop, err := testStore.ExpandNodes(ctx, orgID, []uuid.UUID{a.ID}, 2, 80)
	require.NoError(t, err)
	require.ElementsMatch(t, []uuid.UUID{a.ID, b.ID, c.ID}, twoHop)
}

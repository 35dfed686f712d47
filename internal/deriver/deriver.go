package deriver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fieldnotes/memoryengine/internal/model"
	"github.com/fieldnotes/memoryengine/internal/store"
)

// notifyChannel is the Postgres NOTIFY channel event ingestion fires on, so
// a tenant with a dedicated LISTEN/NOTIFY connection can wake before its
// next poll tick instead of waiting out the full interval.
const notifyChannel = "event_ingested"

// Deriver polls the event log tenant by tenant and turns each event's
// payload into typed graph nodes and edges. A tenant that fails to derive
// an event is left with its cursor unmoved — the event stays unprocessed
// and is retried on the next poll — while the loop moves on to the next
// tenant rather than retrying immediately.
type Deriver struct {
	store        *store.Store
	logger       *slog.Logger
	pollInterval time.Duration
	wake         chan struct{}

	mu        sync.Mutex
	lastError map[uuid.UUID]error
	lastPoll  map[uuid.UUID]time.Time
}

// TenantStatus summarizes a single tenant's derivation health for
// operational surfaces (health checks, admin tooling).
type TenantStatus struct {
	OrgID    uuid.UUID
	LastPoll time.Time
	LastErr  error
}

// New constructs a Deriver against the given store.
func New(s *store.Store, logger *slog.Logger, pollInterval time.Duration) *Deriver {
	return &Deriver{
		store:        s,
		logger:       logger,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, 1),
		lastError:    map[uuid.UUID]error{},
		lastPoll:     map[uuid.UUID]time.Time{},
	}
}

// LastError returns the most recent derivation failure recorded for orgID,
// or nil if its last attempt (or all attempts so far) succeeded.
func (d *Deriver) LastError(orgID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastError[orgID]
}

// Status returns a per-tenant health snapshot for every org the deriver has
// polled at least once, for an operational health surface (e.g. an admin
// endpoint or periodic log line) separate from the request-serving path.
func (d *Deriver) Status() []TenantStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]TenantStatus, 0, len(d.lastPoll))
	for orgID, lastPoll := range d.lastPoll {
		out = append(out, TenantStatus{
			OrgID:    orgID,
			LastPoll: lastPoll,
			LastErr:  d.lastError[orgID],
		})
	}
	return out
}

func (d *Deriver) setLastError(orgID uuid.UUID, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastError[orgID] = err
	d.lastPoll[orgID] = time.Now().UTC()
}

// Run polls every tenant with at least one event, claiming and deriving one
// event at a time, until ctx is cancelled. When the store carries a
// dedicated LISTEN/NOTIFY connection, Run also wakes early on a
// notifyChannel notification instead of waiting out the full poll interval.
func (d *Deriver) Run(ctx context.Context) error {
	if d.store.HasNotifyConn() {
		if err := d.store.Listen(ctx, notifyChannel); err != nil {
			d.logger.Warn("deriver: listen failed, falling back to poll-only", "error", err)
		} else {
			go d.notifyLoop(ctx)
		}
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		if err := d.pollOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// notifyLoop blocks on incoming notifications and nudges Run's select loop.
// A notification that arrives mid-poll is coalesced into the next wake since
// d.wake is a buffered-1 channel with a non-blocking send.
func (d *Deriver) notifyLoop(ctx context.Context) {
	for {
		_, err := d.store.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Debug("deriver: notification wait error, retrying", "error", err)
			continue
		}
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
}

// pollOnce drains every pending event for every known tenant once.
func (d *Deriver) pollOnce(ctx context.Context) error {
	orgIDs, err := d.store.ListOrgIDs(ctx)
	if err != nil {
		return fmt.Errorf("deriver: list orgs: %w", err)
	}

	for _, orgID := range orgIDs {
		for {
			claimed, err := d.DeriveOne(ctx, orgID)
			if err != nil {
				break
			}
			if !claimed {
				break
			}
		}
		d.touchLastPoll(orgID)
	}
	return nil
}

func (d *Deriver) touchLastPoll(orgID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastPoll[orgID] = time.Now().UTC()
}

// DeriveOne claims and derives a single pending event for orgID. It reports
// (false, nil) when there is nothing pending. A derivation failure is
// recorded via LastError and the event's cursor is left unmoved, since
// ClaimNextEvent rolls back the claiming transaction on a callback error.
func (d *Deriver) DeriveOne(ctx context.Context, orgID uuid.UUID) (bool, error) {
	claimed, err := d.store.ClaimNextEvent(ctx, orgID, func(_ pgx.Tx, e model.Event) error {
		return d.deriveFromEvent(ctx, e)
	})
	if err != nil {
		d.logger.Error("deriver: derivation failed, halting tenant for this round",
			"org_id", orgID, "error", err)
		d.setLastError(orgID, err)
		return claimed, err
	}
	d.setLastError(orgID, nil)
	return claimed, nil
}

// deriveFromEvent dispatches on the event's payload kind, ported from the
// reference graph-deriver's derive_from_event.
func (d *Deriver) deriveFromEvent(ctx context.Context, e model.Event) error {
	d.logger.Info("deriver: deriving event", "event_id", e.ID, "org_id", e.OrgID, "kind", e.Kind())

	switch e.Kind() {
	case model.EventKindDecision:
		return d.deriveDecision(ctx, e)
	case model.EventKindOutcome:
		return d.deriveOutcome(ctx, e)
	case model.EventKindRisk:
		return d.deriveRisk(ctx, e)
	default:
		return d.deriveGeneric(ctx, e)
	}
}

func payloadString(payload map[string]any, key, fallback string) string {
	v, ok := payload[key]
	if !ok {
		return fallback
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return fallback
	}
	return s
}

func payloadStringSlice(payload map[string]any, key string) []string {
	v, ok := payload[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (d *Deriver) attachEvidence(ctx context.Context, edgeID uuid.UUID, artifactID *uuid.UUID, confidence float64) error {
	if artifactID == nil {
		return nil
	}
	return d.store.AttachEdgeEvidence(ctx, edgeID, *artifactID, confidence, string(model.EvidenceDerivedFromEvent), "graph-deriver")
}

func (d *Deriver) deriveDecision(ctx context.Context, e model.Event) error {
	title := payloadString(e.Payload, "title", "Untitled Decision")
	desc := payloadString(e.Payload, "description", "")
	priority := payloadString(e.Payload, "priority", "P2")

	decision, err := d.store.UpsertNode(ctx, model.GraphNode{
		OrgID:         e.OrgID,
		NodeType:      model.NodeDecision,
		Key:           stableKey(e.OrgID, title),
		Title:         title,
		CanonicalText: desc,
		Metadata: map[string]any{
			"source_event_id": e.ID.String(),
			"priority":        priority,
			"decided_by":      e.Actor,
		},
	})
	if err != nil {
		return fmt.Errorf("deriver: upsert decision node: %w", err)
	}

	if owner := payloadString(e.Payload, "owner", ""); owner != "" {
		ownerNode, err := d.store.UpsertNode(ctx, model.GraphNode{
			OrgID:    e.OrgID,
			NodeType: model.NodePerson,
			Key:      stableKey(e.OrgID, owner),
			Title:    owner,
			Metadata: map[string]any{"source_event_id": e.ID.String()},
		})
		if err != nil {
			return fmt.Errorf("deriver: upsert owner node: %w", err)
		}
		edge, err := d.store.UpsertEdge(ctx, model.GraphEdge{
			OrgID:     e.OrgID,
			SrcNodeID: decision.ID,
			DstNodeID: ownerNode.ID,
			EdgeType:  model.EdgeDecidedBy,
			Weight:    1.0,
			Metadata:  map[string]any{"derived_from": e.ID.String()},
		})
		if err != nil {
			return fmt.Errorf("deriver: upsert decided_by edge: %w", err)
		}
		if err := d.attachEvidence(ctx, edge.ID, e.ArtifactID, 0.85); err != nil {
			return fmt.Errorf("deriver: attach decided_by evidence: %w", err)
		}
	}

	for _, assumption := range payloadStringSlice(e.Payload, "assumptions") {
		text := strings.TrimSpace(assumption)
		if text == "" {
			continue
		}
		title := text
		if len(title) > 200 {
			title = title[:200]
		}
		assumptionNode, err := d.store.UpsertNode(ctx, model.GraphNode{
			OrgID:         e.OrgID,
			NodeType:      model.NodeAssumption,
			Key:           stableKey(e.OrgID, text),
			Title:         title,
			CanonicalText: text,
			Metadata:      map[string]any{"source_event_id": e.ID.String()},
		})
		if err != nil {
			return fmt.Errorf("deriver: upsert assumption node: %w", err)
		}
		edge, err := d.store.UpsertEdge(ctx, model.GraphEdge{
			OrgID:     e.OrgID,
			SrcNodeID: decision.ID,
			DstNodeID: assumptionNode.ID,
			EdgeType:  model.EdgeDependsOn,
			Weight:    0.9,
			Metadata:  map[string]any{"derived_from": e.ID.String()},
		})
		if err != nil {
			return fmt.Errorf("deriver: upsert depends_on edge: %w", err)
		}
		if err := d.attachEvidence(ctx, edge.ID, e.ArtifactID, 0.85); err != nil {
			return fmt.Errorf("deriver: attach depends_on evidence: %w", err)
		}
	}

	priorityNode, err := d.store.UpsertNode(ctx, model.GraphNode{
		OrgID:    e.OrgID,
		NodeType: model.NodePriority,
		Key:      stableKey(e.OrgID, "priority_"+priority),
		Title:    "Priority " + priority,
		Metadata: map[string]any{"level": priority},
	})
	if err != nil {
		return fmt.Errorf("deriver: upsert priority node: %w", err)
	}
	edge, err := d.store.UpsertEdge(ctx, model.GraphEdge{
		OrgID:     e.OrgID,
		SrcNodeID: decision.ID,
		DstNodeID: priorityNode.ID,
		EdgeType:  model.EdgeRelatesTo,
		Weight:    0.8,
		Metadata:  map[string]any{"derived_from": e.ID.String()},
	})
	if err != nil {
		return fmt.Errorf("deriver: upsert relates_to edge: %w", err)
	}
	return d.attachEvidence(ctx, edge.ID, e.ArtifactID, 0.85)
}

func (d *Deriver) deriveOutcome(ctx context.Context, e model.Event) error {
	title := payloadString(e.Payload, "title", "Untitled Outcome")
	desc := payloadString(e.Payload, "description", "")
	decisionRef := payloadString(e.Payload, "decision_ref", "")

	outcome, err := d.store.UpsertNode(ctx, model.GraphNode{
		OrgID:         e.OrgID,
		NodeType:      model.NodeOutcome,
		Key:           stableKey(e.OrgID, title),
		Title:         title,
		CanonicalText: desc,
		Metadata:      map[string]any{"source_event_id": e.ID.String()},
	})
	if err != nil {
		return fmt.Errorf("deriver: upsert outcome node: %w", err)
	}

	if decisionRef == "" {
		return nil
	}
	decisionID, err := d.store.FindNodeByKeyOrTitle(ctx, e.OrgID, model.NodeDecision, decisionRef)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("deriver: find decision by ref: %w", err)
	}
	edge, err := d.store.UpsertEdge(ctx, model.GraphEdge{
		OrgID:     e.OrgID,
		SrcNodeID: decisionID,
		DstNodeID: outcome.ID,
		EdgeType:  model.EdgeAffects,
		Weight:    1.0,
		Metadata:  map[string]any{"derived_from": e.ID.String()},
	})
	if err != nil {
		return fmt.Errorf("deriver: upsert outcome affects edge: %w", err)
	}
	return d.attachEvidence(ctx, edge.ID, e.ArtifactID, 0.85)
}

func (d *Deriver) deriveRisk(ctx context.Context, e model.Event) error {
	title := payloadString(e.Payload, "title", "Untitled Risk")
	desc := payloadString(e.Payload, "description", "")
	severity := payloadString(e.Payload, "severity", "medium")
	relatesTo := payloadString(e.Payload, "relates_to", "")

	risk, err := d.store.UpsertNode(ctx, model.GraphNode{
		OrgID:         e.OrgID,
		NodeType:      model.NodeRisk,
		Key:           stableKey(e.OrgID, title),
		Title:         title,
		CanonicalText: desc,
		Metadata: map[string]any{
			"source_event_id": e.ID.String(),
			"severity":        severity,
		},
	})
	if err != nil {
		return fmt.Errorf("deriver: upsert risk node: %w", err)
	}

	if relatesTo == "" {
		return nil
	}
	targetID, err := d.store.FindNodeByKeyOrTitle(ctx, e.OrgID, "", relatesTo)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("deriver: find relates_to target: %w", err)
	}
	edge, err := d.store.UpsertEdge(ctx, model.GraphEdge{
		OrgID:     e.OrgID,
		SrcNodeID: risk.ID,
		DstNodeID: targetID,
		EdgeType:  model.EdgeAffects,
		Weight:    0.9,
		Metadata:  map[string]any{"derived_from": e.ID.String()},
	})
	if err != nil {
		return fmt.Errorf("deriver: upsert risk affects edge: %w", err)
	}
	return d.attachEvidence(ctx, edge.ID, e.ArtifactID, 0.85)
}

func (d *Deriver) deriveGeneric(ctx context.Context, e model.Event) error {
	title := payloadString(e.Payload, "title", "Event "+e.EventType)
	_, err := d.store.UpsertNode(ctx, model.GraphNode{
		OrgID:         e.OrgID,
		NodeType:      model.NodeEvent,
		Key:           stableKey(e.OrgID, "event_"+e.ID.String()),
		Title:         title,
		CanonicalText: fmt.Sprintf("%v", e.Payload),
		Metadata: map[string]any{
			"event_id":   e.ID.String(),
			"event_type": e.EventType,
		},
	})
	if err != nil {
		return fmt.Errorf("deriver: upsert generic event node: %w", err)
	}
	return nil
}

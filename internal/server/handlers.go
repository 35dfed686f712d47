package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/fieldnotes/memoryengine/internal/auth"
	"github.com/fieldnotes/memoryengine/internal/ctxutil"
	"github.com/fieldnotes/memoryengine/internal/model"
	"github.com/fieldnotes/memoryengine/internal/retrieval"
	"github.com/fieldnotes/memoryengine/internal/store"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               *store.Store
	jwtMgr              *auth.JWTManager
	pipeline            *retrieval.Pipeline
	weights             retrieval.Weights
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
	seedBackend         string
	startedAt           time.Time
}

// HandlersDeps bundles the dependencies NewHandlers needs.
type HandlersDeps struct {
	Store               *store.Store
	JWTMgr              *auth.JWTManager
	Pipeline            *retrieval.Pipeline
	Weights             retrieval.Weights
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	SeedBackend         string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		store:               deps.Store,
		jwtMgr:              deps.JWTMgr,
		pipeline:            deps.Pipeline,
		weights:             deps.Weights,
		logger:              deps.Logger,
		version:             deps.Version,
		maxRequestBodyBytes: deps.MaxRequestBodyBytes,
		seedBackend:         deps.SeedBackend,
		startedAt:           time.Now(),
	}
}

// HandleRetrieve handles POST /v1/retrieve. The caller's org_id and
// principal_id come from the authenticated claims, not the request body —
// a principal can never query on behalf of another org or identity by
// forging those fields.
func (h *Handlers) HandleRetrieve(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var body struct {
		Mode      model.RetrievalMode `json:"mode"`
		QueryText string              `json:"query_text"`
		Scopes    []string            `json:"scopes,omitempty"`
	}
	if err := decodeJSON(r, &body, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}
	if body.Mode == "" {
		body.Mode = model.ModeRecall
	}

	req := model.RetrieveRequest{
		OrgID:       claims.OrgID,
		PrincipalID: claims.PrincipalID(),
		Mode:        body.Mode,
		QueryText:   body.QueryText,
		Scopes:      body.Scopes,
	}

	resp, err := h.pipeline.Retrieve(r.Context(), req)
	if err != nil {
		if errors.Is(err, retrieval.ErrValidation) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "request exceeded its time budget")
			return
		}
		h.writeInternalError(w, r, "retrieve failed", err)
		return
	}

	h.logRetrieveAudit(r, req, resp)
	writeJSON(w, r, http.StatusOK, resp)
}

// logRetrieveAudit records who retrieved what, so a later access review can
// reconstruct which principal saw which spans without replaying the query.
func (h *Handlers) logRetrieveAudit(r *http.Request, req model.RetrieveRequest, resp model.RetrieveResponse) {
	meta := ctxutil.AuditMeta{
		RequestID:  RequestIDFromContext(r.Context()),
		OrgID:      req.OrgID,
		Principal:  req.PrincipalID.String(),
		HTTPMethod: r.Method,
		Endpoint:   r.URL.Path,
	}
	spanIDs := make([]string, len(resp.Results))
	for i, s := range resp.Results {
		spanIDs[i] = s.ID.String()
	}
	h.logger.Info("evidence retrieved",
		"request_id", meta.RequestID,
		"org_id", meta.OrgID,
		"principal_id", meta.Principal,
		"mode", req.Mode,
		"returned_span_ids", spanIDs,
	)
}

// debugWeightsResponse is the GET /v1/debug/weights payload: the scoring
// weights plus enough runtime context (resolved bonus map, active seed
// backend) that a caller tuning GRAPH_BONUS_MAP or the alpha/beta/gamma/delta
// blend can see what the server actually applied without cross-referencing
// deploy config.
type debugWeightsResponse struct {
	retrieval.Weights
	ResolvedBonusMap map[string]float64 `json:"resolved_bonus_map"`
	SeedBackend      string             `json:"seed_backend"`
}

// HandleDebugWeights handles GET /v1/debug/weights.
func (h *Handlers) HandleDebugWeights(w http.ResponseWriter, r *http.Request) {
	backend := h.seedBackend
	if backend == "" {
		backend = "pgvector"
	}
	writeJSON(w, r, http.StatusOK, debugWeightsResponse{
		Weights:          h.weights,
		ResolvedBonusMap: h.weights.GraphBonusMap,
		SeedBackend:      backend,
	})
}

// HandleHealth handles GET /v1/health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	if err := h.store.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
	}

	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

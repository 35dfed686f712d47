package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldnotes/memoryengine/internal/auth"
	"github.com/fieldnotes/memoryengine/internal/model"
	"github.com/fieldnotes/memoryengine/internal/testutil"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDMiddleware_GeneratesWhenMissing(t *testing.T) {
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, RequestIDFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/health", nil)
	handler.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDMiddleware_RejectsUnsafeClientID(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/health", nil)
	req.Header.Set("X-Request-ID", "line1\nline2")
	handler.ServeHTTP(rec, req)

	assert.NotEqual(t, "line1\nline2", seen, "control characters must be rejected")
}

func TestRequestIDMiddleware_AcceptsValidClientID(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-supplied-id-123")
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "client-supplied-id-123", seen)
}

func newTestJWTManager(t *testing.T) *auth.JWTManager {
	t.Helper()
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	return mgr
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	mgr := newTestJWTManager(t)
	handler := authMiddleware(mgr, okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/retrieve", nil)
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_WrongScheme(t *testing.T) {
	mgr := newTestJWTManager(t)
	handler := authMiddleware(mgr, okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/retrieve", nil)
	req.Header.Set("Authorization", "Basic abc123")
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	mgr := newTestJWTManager(t)
	orgID, principalID := uuid.New(), uuid.New()
	token, _, err := mgr.IssueToken(orgID, principalID)
	require.NoError(t, err)

	var gotClaims *auth.Claims
	handler := authMiddleware(mgr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/retrieve", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotClaims)
	assert.Equal(t, orgID, gotClaims.OrgID)
	assert.Equal(t, principalID, gotClaims.PrincipalID())
}

func TestAuthMiddleware_SkipsNoAuthPaths(t *testing.T) {
	mgr := newTestJWTManager(t)
	handler := authMiddleware(mgr, okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/health", nil)
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAuthenticated_NoClaims(t *testing.T) {
	handler := requireAuthenticated()(okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/retrieve", nil)
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := securityHeadersMiddleware(okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/health", nil)
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
}

func TestCORSMiddleware_ReflectsAllowedOrigin(t *testing.T) {
	handler := corsMiddleware([]string{"https://app.example.com"}, okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddleware_RejectsUnlistedOrigin(t *testing.T) {
	handler := corsMiddleware([]string{"https://app.example.com"}, okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddleware_PreflightNoContent(t *testing.T) {
	handler := corsMiddleware([]string{"*"}, okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/v1/retrieve", nil)
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRecoveryMiddleware_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	handler := requestIDMiddleware(recoveryMiddleware(testutil.TestLogger(), panicking))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/retrieve", nil)

	require.NotPanics(t, func() { handler.ServeHTTP(rec, req) })
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeInternalError, body.Error.Code)
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	handler := rateLimitMiddleware(nil, false, okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/retrieve", nil)
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestBudgetMiddleware_Disabled(t *testing.T) {
	handler := requestBudgetMiddleware(0, okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/retrieve", nil)
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestBudgetMiddleware_PassesWithinBudget(t *testing.T) {
	handler := requestBudgetMiddleware(time.Second, okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/retrieve", nil)
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestBudgetMiddleware_ExceededBudgetReturns503(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	handler := requestBudgetMiddleware(10*time.Millisecond, slow)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/retrieve", nil)
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeUnavailable, body.Error.Code)
}

func TestWriteJSON_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := requestIDMiddlewareTestRequest(t)

	writeJSON(rec, req, http.StatusOK, map[string]string{"ok": "true"})

	var body model.APIResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.Meta.Timestamp.IsZero())
}

func TestWriteError_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := requestIDMiddlewareTestRequest(t)

	writeError(rec, req, http.StatusBadRequest, model.ErrCodeBadRequest, "bad input")

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeBadRequest, body.Error.Code)
	assert.Equal(t, "bad input", body.Error.Message)
}

func requestIDMiddlewareTestRequest(t *testing.T) *http.Request {
	t.Helper()
	return httptest.NewRequest("GET", "/v1/health", nil)
}

package integration

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/gentlify/internal/adminauth"
	"github.com/terminal-bench/gentlify/internal/audit"
	"github.com/terminal-bench/gentlify/internal/gateway"
	"github.com/terminal-bench/gentlify/internal/upstream"
	"github.com/terminal-bench/gentlify/pkg/throttle"
)

// sha256Hex mirrors adminauth's unexported password hash so tests can seed
// rows the service will recognize without reaching into its internals.
func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// These tests wire a Gateway to real component implementations — a real
// Throttle, a real Redis-backed QuoteCache (against miniredis), a real
// Postgres-backed audit Trail (against sqlmock), and a real adminauth
// Service — and drive it end to end over HTTP, the way it actually runs in
// cmd/gateway.

func init() {
	gin.SetMode(gin.TestMode)
}

type testStack struct {
	gateway  *gateway.Gateway
	redis    *miniredis.Miniredis
	sqlMock  sqlmock.Sqlmock
	adminSvc *adminauth.Service
}

func newStack(t *testing.T, failureRate float64) *testStack {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := upstream.NewQuoteCache(rdb, time.Minute)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	trail := audit.NewTrail(db)
	adminSvc := adminauth.NewService(db, "integration-test-secret")

	cfg := throttle.DefaultConfig()
	cfg.MaxConcurrency = 4
	cfg.MinDispatchInterval = 0
	cfg.MaxDispatchInterval = 5 * time.Millisecond
	th, err := throttle.New(cfg)
	require.NoError(t, err)

	origin := upstream.NewOrigin(failureRate, 0, 0, 7)

	// recordAudit runs the insert through a best-effort breaker, so every
	// quote request expects exactly one audit exec regardless of outcome.
	// newStack registers the exec for one request; tests that make more
	// quote requests register the rest themselves.
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec("INSERT INTO throttle_audit").WillReturnResult(sqlmock.NewResult(1, 1))

	g := gateway.New(th, origin, adminSvc, nil, cache, trail)

	return &testStack{gateway: g, redis: mr, sqlMock: mock, adminSvc: adminSvc}
}

func TestQuoteRequestIsCachedAcrossRepeatedCalls(t *testing.T) {
	stack := newStack(t, 0)
	stack.sqlMock.ExpectExec("INSERT INTO throttle_audit").WillReturnResult(sqlmock.NewResult(1, 1))

	var first map[string]interface{}
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/quote/AAPL", nil)
		stack.gateway.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		if i == 0 {
			first = body
		} else {
			assert.Equal(t, first["bid"], body["bid"], "second call should be served from cache with the same price")
			assert.Equal(t, first["ask"], body["ask"], "second call should be served from cache with the same price")
		}
	}
}

func TestQuoteRequestPersistsAuditRowOnSuccess(t *testing.T) {
	stack := newStack(t, 0)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/quote/MSFT", nil)
	stack.gateway.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, stack.sqlMock.ExpectationsWereMet())
}

func TestQuoteRequestStillAuditsOnUpstreamFailure(t *testing.T) {
	stack := newStack(t, 1)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/quote/MSFT", nil)
	stack.gateway.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NoError(t, stack.sqlMock.ExpectationsWereMet(), "a failed quote fetch is still recorded to the audit trail")
}

func TestAdminFlowLoginThenSnapshotThenClose(t *testing.T) {
	stack := newStack(t, 0)

	rows := sqlmock.NewRows([]string{"id", "password_hash"}).
		AddRow("operator-7", sha256Hex("hunter2"))
	stack.sqlMock.ExpectQuery("SELECT id, password_hash FROM operators").WillReturnRows(rows)

	loginBody, _ := json.Marshal(map[string]string{"email": "ops@example.com", "password": "hunter2"})
	loginReq := httptest.NewRequest(http.MethodPost, "/api/v1/admin/login", bytesReader(loginBody))
	loginReq.Header.Set("Content-Type", "application/json")
	loginRec := httptest.NewRecorder()
	stack.gateway.ServeHTTP(loginRec, loginReq)
	require.Equal(t, http.StatusOK, loginRec.Code)

	var loginResp map[string]string
	require.NoError(t, json.Unmarshal(loginRec.Body.Bytes(), &loginResp))
	token := loginResp["token"]
	require.NotEmpty(t, token)

	snapReq := httptest.NewRequest(http.MethodGet, "/api/v1/admin/snapshot", nil)
	snapReq.Header.Set("Authorization", "Bearer "+token)
	snapRec := httptest.NewRecorder()
	stack.gateway.ServeHTTP(snapRec, snapReq)
	// a fresh login carries no perms claim, so it passes every permission
	// check (len(claims.Perms) == 0 short-circuits adminAuthMiddleware).
	assert.Equal(t, http.StatusOK, snapRec.Code)

	closeReq := httptest.NewRequest(http.MethodPost, "/api/v1/admin/close", nil)
	closeReq.Header.Set("Authorization", "Bearer "+token)
	closeRec := httptest.NewRecorder()
	stack.gateway.ServeHTTP(closeRec, closeReq)
	assert.Equal(t, http.StatusAccepted, closeRec.Code)

	drainReq := httptest.NewRequest(http.MethodGet, "/api/v1/quote/AAPL", nil)
	drainRec := httptest.NewRecorder()
	stack.gateway.ServeHTTP(drainRec, drainReq)
	assert.Equal(t, http.StatusServiceUnavailable, drainRec.Code, "the quote route should stop admitting work once closed")
}

package gateway

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/gentlify/internal/adminauth"
	"github.com/terminal-bench/gentlify/internal/upstream"
	"github.com/terminal-bench/gentlify/pkg/throttle"
)

// sha256Hex mirrors adminauth's unexported password hash so tests can seed
// rows the service will recognize without reaching into its internals.
func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newAuthedTestGateway(t *testing.T) (*Gateway, sqlmock.Sqlmock, *adminauth.Service) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	adminSvc := adminauth.NewService(db, "gateway-test-secret")

	cfg := throttle.DefaultConfig()
	cfg.MaxConcurrency = 4
	cfg.MinDispatchInterval = 0
	cfg.MaxDispatchInterval = 10 * time.Millisecond
	th, err := throttle.New(cfg)
	require.NoError(t, err)

	origin := upstream.NewOrigin(0, 0, 0, 1)
	g := New(th, origin, adminSvc, nil, nil, nil)
	return g, mock, adminSvc
}

func TestAdminLoginIssuesTokenOnValidCredentials(t *testing.T) {
	g, mock, _ := newAuthedTestGateway(t)

	rows := sqlmock.NewRows([]string{"id", "password_hash"}).
		AddRow("operator-1", sha256Hex("s3cret"))
	mock.ExpectQuery("SELECT id, password_hash FROM operators").WillReturnRows(rows)

	body, _ := json.Marshal(map[string]string{"email": "ops@example.com", "password": "s3cret"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["token"])
}

func TestAdminSnapshotAcceptsValidBearerToken(t *testing.T) {
	g, _, adminSvc := newAuthedTestGateway(t)

	token := mustSignAdminToken(t, adminSvc, "operator-1", []string{"throttle:read"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/snapshot", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminWriteRouteRejectsReadOnlyPermission(t *testing.T) {
	g, _, adminSvc := newAuthedTestGateway(t)

	token := mustSignAdminToken(t, adminSvc, "operator-1", []string{"throttle:read"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/close", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminCloseWithWritePermissionSucceeds(t *testing.T) {
	g, _, adminSvc := newAuthedTestGateway(t)

	token := mustSignAdminToken(t, adminSvc, "operator-1", []string{"throttle:write"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/close", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, throttle.StateClosed, g.throttle.Snapshot().State)
}

func mustSignAdminToken(t *testing.T, svc *adminauth.Service, operatorID string, perms []string) string {
	t.Helper()
	claims := &adminauth.Claims{
		OperatorID: operatorID,
		Perms:      perms,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("gateway-test-secret"))
	require.NoError(t, err)
	return signed
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/phoneverify/internal/auth"
	"github.com/pendergraft/phoneverify/internal/config"
	"github.com/pendergraft/phoneverify/internal/storage"
	"github.com/pendergraft/phoneverify/internal/verification/domain"
)

var testKey = auth.KeyPrefix + strings.Repeat("ab", auth.KeyLength)

type fakeStore struct {
	pingErr error
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) ValidateAPIKey(ctx context.Context, key string) (*storage.APIKey, error) {
	if key == testKey {
		return &storage.APIKey{ID: "k1", Name: "test"}, nil
	}
	return nil, storage.ErrNotFound
}

type stubService struct{}

func (stubService) Start(ctx context.Context, req domain.StartRequest) (domain.Status, error) {
	return domain.Status{Phase: domain.PhaseCheckingRelayerReady}, nil
}
func (stubService) Cancel(ctx context.Context) error { return nil }
func (stubService) Status(ctx context.Context) (domain.Status, error) {
	return domain.Status{Phase: domain.PhaseIdle}, nil
}
func (stubService) SubmitCode(ctx context.Context, req domain.CodeRequest) (domain.CodeResult, error) {
	return domain.CodeResult{Slot: 0}, nil
}
func (stubService) Resend(ctx context.Context) (int, error) { return 0, nil }
func (stubService) Reset(ctx context.Context, req domain.ResetRequest) error { return nil }
func (stubService) Subscribe(ctx context.Context) (<-chan domain.Status, error) { return nil, nil }
func (stubService) History(ctx context.Context, p domain.PaginationParams) (*domain.HistoryResult, error) {
	return &domain.HistoryResult{}, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Auth.Type = "none"
	cfg.Server.MaxBodyKB = 1
	cfg.Server.FilterProbes = true
	cfg.RateLimit.Enabled = false
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, store *fakeStore, opts ...Option) *Server {
	t.Helper()
	s := New(cfg, store, stubService{}, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	t.Cleanup(s.Close)
	return s
}

func get(s *Server, path string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestServer_Health(t *testing.T) {
	s := newTestServer(t, testConfig(), &fakeStore{})

	for _, path := range []string{"/health", "/healthz"} {
		rec := get(s, path)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestServer_Ready(t *testing.T) {
	s := newTestServer(t, testConfig(), &fakeStore{}, WithReadinessCheck("ledger", pingFunc(func(ctx context.Context) error { return nil })))

	rec := get(s, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, map[string]string{"storage": "ok", "ledger": "ok"}, body.Checks)
}

func TestServer_NotReady(t *testing.T) {
	s := newTestServer(t, testConfig(), &fakeStore{pingErr: errors.New("database is locked")})

	rec := get(s, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is locked")
}

func TestServer_APIKeyAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Type = "api-key"
	s := newTestServer(t, cfg, &fakeStore{})

	assert.Equal(t, http.StatusUnauthorized, get(s, "/api/v1/verification").Code)
	assert.Equal(t, http.StatusOK, get(s, "/api/v1/verification", "X-API-Key", testKey).Code)
	// Health stays public.
	assert.Equal(t, http.StatusOK, get(s, "/health").Code)
}

func TestServer_NoAuth(t *testing.T) {
	s := newTestServer(t, testConfig(), &fakeStore{})
	assert.Equal(t, http.StatusOK, get(s, "/api/v1/verification").Code)
}

func TestServer_MetricsRouteDisabled(t *testing.T) {
	s := newTestServer(t, testConfig(), &fakeStore{})
	assert.Equal(t, http.StatusNotFound, get(s, "/metrics").Code)
}

func TestServer_CodeRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerMin = 600
	cfg.RateLimit.BurstSize = 100
	cfg.RateLimit.CodesPerMin = 1
	cfg.RateLimit.CodesBurst = 1
	s := newTestServer(t, cfg, &fakeStore{})

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/v1/verification/codes", strings.NewReader(`{"message":"x","channel":"manual"}`))
		req.RemoteAddr = "198.51.100.7:5555"
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusAccepted, post().Code)
	rec := post()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "CODE_RATE_LIMIT_EXCEEDED")

	// Other routes still have room.
	assert.Equal(t, http.StatusOK, get(s, "/api/v1/verification").Code)
}

func TestServer_CodeRateLimitPerAPIKey(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Type = "api-key"
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerMin = 600
	cfg.RateLimit.BurstSize = 100
	cfg.RateLimit.CodesPerMin = 1
	cfg.RateLimit.CodesBurst = 1
	s := newTestServer(t, cfg, &fakeStore{})

	post := func(addr string) int {
		req := httptest.NewRequest("POST", "/api/v1/verification/codes", strings.NewReader(`{"message":"x","channel":"manual"}`))
		req.Header.Set("X-API-Key", testKey)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusAccepted, post("198.51.100.7:5555"))
	// Same key from another address shares the bucket.
	assert.Equal(t, http.StatusTooManyRequests, post("203.0.113.9:4444"))
}

func TestServer_BodyLimit(t *testing.T) {
	s := newTestServer(t, testConfig(), &fakeStore{})

	req := httptest.NewRequest("POST", "/api/v1/verification", strings.NewReader(`{"phoneNumber":"`+strings.Repeat("1", 2048)+`"}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestServer_ProbeFilter(t *testing.T) {
	s := newTestServer(t, testConfig(), &fakeStore{})

	rec := get(s, "/.env")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "BAD_REQUEST")
	assert.Equal(t, http.StatusNotFound, get(s, "/no-such-route").Code)
}

func TestServer_CORSPreflight(t *testing.T) {
	s := newTestServer(t, testConfig(), &fakeStore{})

	req := httptest.NewRequest("OPTIONS", "/api/v1/verification", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestParseOracleKey(t *testing.T) {
	_, err := ParseOracleKey("not base64!")
	assert.Error(t, err)

	_, err = ParseOracleKey("0xzz")
	assert.Error(t, err)
}

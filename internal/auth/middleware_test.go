package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/phoneverify/internal/storage"
)

var (
	validKey  = KeyPrefix + strings.Repeat("ab", KeyLength)
	bearerKey = KeyPrefix + strings.Repeat("cd", KeyLength)
)

type mockKeyValidator struct {
	keys  map[string]*storage.APIKey
	calls int
}

func (m *mockKeyValidator) ValidateAPIKey(ctx context.Context, key string) (*storage.APIKey, error) {
	m.calls++
	if apiKey, ok := m.keys[key]; ok {
		return apiKey, nil
	}
	return nil, storage.ErrNotFound
}

func newValidator() *mockKeyValidator {
	return &mockKeyValidator{keys: map[string]*storage.APIKey{
		validKey:  {ID: "key-123", Name: "test"},
		bearerKey: {ID: "key-456", Name: "bearer-test"},
	}}
}

func writeStatus(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
}

func serve(t *testing.T, store KeyValidator, req *http.Request) (*httptest.ResponseRecorder, context.Context) {
	t.Helper()
	var captured context.Context
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Context()
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	Middleware(store, writeStatus)(handler).ServeHTTP(rec, req)
	return rec, captured
}

func TestMiddleware_ValidKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/verification", nil)
	req.Header.Set("X-API-Key", validKey)

	rec, ctx := serve(t, newValidator(), req)

	assert.Equal(t, http.StatusOK, rec.Code)
	apiKey := GetAPIKeyFromContext(ctx)
	require.NotNil(t, apiKey)
	assert.Equal(t, "key-123", apiKey.ID)
	assert.Equal(t, "key-123", GetKeyIDFromContext(ctx))
}

func TestMiddleware_UnknownKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/verification", nil)
	req.Header.Set("X-API-Key", KeyPrefix+strings.Repeat("00", KeyLength))

	rec, _ := serve(t, newValidator(), req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_MalformedKeySkipsStore(t *testing.T) {
	store := newValidator()
	req := httptest.NewRequest("GET", "/api/v1/verification", nil)
	req.Header.Set("X-API-Key", "cf_key_invalid")

	rec, _ := serve(t, store, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, store.calls)
}

func TestMiddleware_MissingKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/verification", nil)

	rec, _ := serve(t, newValidator(), req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_BearerToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/verification", nil)
	req.Header.Set("Authorization", "Bearer "+bearerKey)

	rec, ctx := serve(t, newValidator(), req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "key-456", GetKeyIDFromContext(ctx))
}

func TestMiddleware_QueryKeyOnlyForEvents(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/verification/events?api_key="+validKey, nil)
	rec, _ := serve(t, newValidator(), req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest("GET", "/api/v1/verification?api_key="+validKey, nil)
	rec, _ = serve(t, newValidator(), req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLooksLikeKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{validKey, true},
		{strings.ToUpper(validKey[:len(KeyPrefix)]) + validKey[len(KeyPrefix):], false},
		{KeyPrefix + "abc", false},
		{KeyPrefix + strings.Repeat("zz", KeyLength), false},
		{"", false},
	}

	for _, tt := range tests {
		if got := LooksLikeKey(tt.key); got != tt.want {
			t.Errorf("LooksLikeKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

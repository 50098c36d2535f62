package management_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajiwo/tokenlimit"
	"github.com/ajiwo/tokenlimit/management"
)

func newTestHandler(t *testing.T) (*management.Handler, *tokenlimit.Limiter) {
	t.Helper()
	l, err := tokenlimit.New(tokenlimit.WithKey("admin-test"), tokenlimit.WithCapacity(5), tokenlimit.WithRefillRate(1))
	require.NoError(t, err)
	return management.NewHandler(l), l
}

func TestHandler_Reset(t *testing.T) {
	h, l := newTestHandler(t)
	_, err := l.TryConsume(t.Context(), 3)
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux, "/admin")

	req := httptest.NewRequest(http.MethodPost, "/admin/reset", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	state, err := l.GetState(t.Context())
	require.NoError(t, err)
	assert.Equal(t, float64(5), state.Tokens)
}

func TestHandler_UnblockAndHealth(t *testing.T) {
	h, l := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, "/admin")

	req := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/admin/unblock", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	_ = l
}

func TestHandler_State(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, "/admin")

	req := httptest.NewRequest(http.MethodGet, "/admin/state", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Tokens")
}

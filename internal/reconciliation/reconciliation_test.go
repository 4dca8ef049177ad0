package reconciliation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/auth"
)

func fixed(findings ...Finding) func(context.Context) ([]Finding, error) {
	return func(context.Context) ([]Finding, error) { return findings, nil }
}

func TestRunAll(t *testing.T) {
	r := NewRunner([]Check{
		{Name: "clean", Severity: SeverityCritical, Run: fixed()},
		{Name: "payouts", Severity: SeverityCritical, Run: fixed(Finding{Subject: "hold-1", Detail: "payout entries: 2"})},
		{Name: "balances", Severity: SeverityWarning, Run: fixed(
			Finding{Subject: "seller-1/USD", Detail: "available -900"},
			Finding{Subject: "seller-2/USD", Detail: "available -10"},
		)},
		{Name: "broken", Severity: SeverityCritical, Run: func(context.Context) ([]Finding, error) {
			return nil, errors.New("relation does not exist")
		}},
	}, nil)
	assert.Nil(t, r.Last())

	rep, err := r.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Mismatches)
	assert.Equal(t, 1, rep.Critical)
	assert.Equal(t, 1, rep.Errors)
	assert.False(t, rep.Healthy())
	require.Len(t, rep.Results, 4)
	assert.Empty(t, rep.Results[0].Findings)
	assert.Equal(t, "relation does not exist", rep.Results[3].Error)
	assert.Same(t, rep, r.Last())
}

func TestRunAll_WarningsStayHealthy(t *testing.T) {
	r := NewRunner([]Check{
		{Name: "balances", Severity: SeverityWarning, Run: fixed(Finding{Subject: "seller-1/USD"})},
	}, nil)
	rep, err := r.RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Healthy())
}

func TestRunAll_AllChecksFailing(t *testing.T) {
	fail := func(context.Context) ([]Finding, error) { return nil, errors.New("db down") }
	r := NewRunner([]Check{{Name: "a", Run: fail}, {Name: "b", Run: fail}}, nil)
	rep, err := r.RunAll(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 2, rep.Errors)
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	runner := NewRunner([]Check{{Name: "clean", Severity: SeverityCritical, Run: fixed()}}, nil)
	r := gin.New()
	r.Use(auth.Middleware())
	NewHandler(runner).RegisterRoutes(r.Group("/v1"))

	do := func(method, actor string, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set(auth.HeaderActorID, actor)
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusForbidden, do("GET", "seller-1", "/v1/admin/reconciliation").Code)
	assert.Equal(t, http.StatusNotFound, do("GET", auth.ActorAdmin, "/v1/admin/reconciliation").Code)

	w := do("POST", auth.ActorAdmin, "/v1/admin/reconciliation/run")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy":true`)

	w = do("GET", auth.ActorAdmin, "/v1/admin/reconciliation")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"clean"`)
}

package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/auth"
)

func setupHandler(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService()
	h := NewHandler(svc, svc.logger)

	r := gin.New()
	r.Use(auth.Middleware())
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	admin := v1.Group("", auth.RequireAdmin())
	h.RegisterAdminRoutes(admin)
	return r, svc
}

func request(r *gin.Engine, method, path, actor, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(auth.HeaderActorID, actor)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Balance(t *testing.T) {
	r, svc := setupHandler(t)
	completed(t, svc, TypeSale, 2_500)

	w := request(r, "GET", "/v1/sellers/seller-1/balance", "seller-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Balance Balance `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(2_500), resp.Balance.NetCents)

	w = request(r, "GET", "/v1/sellers/seller-1/balance", "seller-2", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = request(r, "GET", "/v1/sellers/seller-1/balance?currency=xx", "admin", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_History(t *testing.T) {
	r, svc := setupHandler(t)
	completed(t, svc, TypeSale, 100)
	completed(t, svc, TypeCommission, 10)

	w := request(r, "GET", "/v1/sellers/seller-1/ledger?limit=1", "seller-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var page Page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Entries, 1)
	assert.True(t, page.HasMore)
	assert.NotEmpty(t, page.NextCursor)
}

func TestHandler_Reverse(t *testing.T) {
	r, svc := setupHandler(t)
	sale := completed(t, svc, TypeSale, 1_000)

	w := request(r, "POST", "/v1/ledger/"+sale.ID+"/reverse", "seller-1", `{"reason":"x"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = request(r, "POST", "/v1/ledger/"+sale.ID+"/reverse", "admin", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(r, "POST", "/v1/ledger/"+sale.ID+"/reverse", "admin", `{"amountCents":400,"reason":"goodwill"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = request(r, "POST", "/v1/ledger/"+sale.ID+"/reverse", "admin", `{"amountCents":700,"reason":"too much"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(r, "POST", "/v1/ledger/"+sale.ID+"/reverse", "admin", `{"reason":"rest"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	b, err := svc.SellerBalance(context.Background(), "seller-1", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.NetCents)

	w = request(r, "POST", "/v1/ledger/"+sale.ID+"/reverse", "admin", `{"reason":"again"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

package checkout

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/orders"
)

func setupHandler(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(defaultConfig())
	h := NewHandler(f.svc, f.svc.logger)

	r := gin.New()
	r.Use(auth.Middleware())
	h.RegisterRoutes(r.Group("/v1", auth.RequireActor()))
	return r, f
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

func TestHandler_StartConfirm(t *testing.T) {
	r, f := setupHandler(t)
	l := f.listing(t, 1_999, 2)

	w := request(r, "POST", "/v1/checkout", "buyer-1", `{"listingId":"`+l.ID+`","quantity":2}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sess Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, int64(3_998), sess.Order.AmountCents)

	w = request(r, "POST", "/v1/checkout", "buyer-2", `{"listingId":"`+l.ID+`","quantity":1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	confirm := `{"providerRef":"pi_123","amount":"39.98","currency":"usd"}`
	w = request(r, "POST", "/v1/checkout/"+sess.Order.ID+"/confirm", "buyer-1", confirm)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = request(r, "POST", "/v1/checkout/"+sess.Order.ID+"/confirm", auth.ActorAdmin, confirm)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, orders.StatusConfirmed, res.Order.Status)
	assert.NotEmpty(t, res.Hold.ID)

	w = request(r, "POST", "/v1/checkout/"+sess.Order.ID+"/confirm", auth.ActorAdmin, confirm)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"duplicate":true`)
}

func TestHandler_Validation(t *testing.T) {
	r, _ := setupHandler(t)

	w := request(r, "POST", "/v1/checkout", "buyer-1", `{"listingId":"not-a-uuid","quantity":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = request(r, "POST", "/v1/checkout", "buyer-1", `{"listingId":"`+"00000000-0000-4000-8000-000000000000"+`","quantity":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = request(r, "POST", "/v1/checkout", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = request(r, "POST", "/v1/checkout/x/confirm", auth.ActorAdmin, `{"amount":"1.00","currency":"USD"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Abandon(t *testing.T) {
	r, f := setupHandler(t)
	l := f.listing(t, 500, 1)

	w := request(r, "POST", "/v1/checkout", "buyer-1", `{"listingId":"`+l.ID+`","quantity":1}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var sess Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))

	w = request(r, "POST", "/v1/checkout/"+sess.Order.ID+"/abandon", "buyer-2", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = request(r, "POST", "/v1/checkout/"+sess.Order.ID+"/abandon", "buyer-1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"canceled"`)
}

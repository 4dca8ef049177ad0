package webhooks

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/auth"
)

func setupHandler(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture()
	h := NewHandler(f.intake, f.intake.logger)

	r := gin.New()
	r.Use(auth.Middleware())
	h.RegisterProviderRoutes(r.Group(""))
	h.RegisterAdminRoutes(r.Group("/v1"))
	return r, f
}

func post(r *gin.Engine, path string, payload []byte, sig string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Stripe(t *testing.T) {
	r, f := setupHandler(t)
	payload, sig := signed(t, paymentEvent("evt_1", "order-1"))

	w := post(r, "/webhooks/stripe", payload, sig)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"processed"`)

	w = post(r, "/webhooks/stripe", payload, sig)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"duplicate"`)
	assert.Equal(t, 1, f.checkout.calls())

	w = post(r, "/webhooks/stripe", payload, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	big := bytes.Repeat([]byte("x"), MaxPayloadSize+1)
	w = post(r, "/webhooks/stripe", big, sig)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHandler_AdminEvents(t *testing.T) {
	r, f := setupHandler(t)
	f.checkout.err = assert.AnError
	payload, sig := signed(t, paymentEvent("evt_1", "order-1"))
	w := post(r, "/webhooks/stripe", payload, sig)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	get := func(path, actor string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", path, nil)
		req.Header.Set(auth.HeaderActorID, actor)
		r.ServeHTTP(w, req)
		return w
	}
	w = get("/v1/webhooks/events", "buyer-1")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = get("/v1/webhooks/events?status=failed", auth.ActorAdmin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = get("/v1/webhooks/events/evt_1", auth.ActorAdmin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"failed"`)

	f.checkout.err = nil
	w = httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/webhooks/events/evt_1/replay", nil)
	req.Header.Set(auth.HeaderActorID, auth.ActorAdmin)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"processed"`)
}

package disputes

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
)

func setupHandler(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture()
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

func TestHandler_DisputeLifecycle(t *testing.T) {
	r, f := setupHandler(t)
	o := f.confirmedOrder(t)

	w := request(r, "POST", "/v1/disputes", "buyer-1", `{"orderId":"`+o.ID+`","reason":"empty box"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Dispute Dispute `json:"dispute"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Dispute.ID

	w = request(r, "POST", "/v1/disputes", "buyer-1", `{"orderId":"`+o.ID+`","reason":"again"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = request(r, "GET", "/v1/disputes/"+id, "seller-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = request(r, "GET", "/v1/disputes/"+id, "stranger", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = request(r, "GET", "/v1/disputes/"+id+"/status", "buyer-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"level":"initial"`)

	w = request(r, "GET", "/v1/disputes", "buyer-1", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = request(r, "GET", "/v1/disputes", "admin", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = request(r, "POST", "/v1/disputes/"+id+"/resolve", "buyer-1", `{"resolution":"buyer_refunded"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = request(r, "POST", "/v1/disputes/"+id+"/resolve", "admin", `{"resolution":"split"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = request(r, "POST", "/v1/disputes/"+id+"/resolve", "admin", `{"resolution":"buyer_refunded"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"closed"`)
}

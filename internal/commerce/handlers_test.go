package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func newTestRouter(t *testing.T) (*gin.Engine, *market) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m := newMarket(t)
	r := gin.New()
	NewHandler(m.orchestrator()).RegisterRoutes(r.Group("/v1"))
	return r, m
}

func TestHandler_PlaceGetAndList(t *testing.T) {
	r, m := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/orders", m.request("1000"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var body struct {
		Order Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, StatusCompleted, body.Order.Status)

	w = doJSON(r, http.MethodGet, "/v1/orders/"+body.Order.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), body.Order.PaymentID())

	w = doJSON(r, http.MethodGet, "/v1/orders?buyerAgentId="+m.buyer.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = doJSON(r, http.MethodGet, "/v1/orders", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/orders/"+body.Order.ID+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doJSON(r, http.MethodPost, "/v1/orders/"+body.Order.ID+"/resume", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_FailedOrders(t *testing.T) {
	r, m := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/orders", m.request("10"))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "budget_exceeded")
	assert.Contains(t, w.Body.String(), `"status":"failed"`)

	w = doJSON(r, http.MethodPost, "/v1/orders", Request{BuyerAgentID: m.buyer.ID, Capability: "weather"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/orders", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")

	w = doJSON(r, http.MethodGet, "/v1/orders/ord_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	o := &Order{
		ID: "ord_pg", Capability: "weather", Budget: "10.000000", Rating: 5,
		Buyer: Buyer("agt_b", testAddr(1)), Step: StepCreated, Status: StatusPending,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, o))

	seller := Seller("agt_s", testAddr(2), "weather")
	o.Seller = &seller
	o.Step = StepSelected
	o.Candidates = []Candidate{{AgentID: "agt_s", Price: "5.000000", TrustScore: 80, Affordable: true}}
	require.NoError(t, store.Update(ctx, o))

	got, err := store.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StepSelected, got.Step)
	assert.Equal(t, "agt_s", got.Seller.AgentID)
	assert.Len(t, got.Candidates, 1)

	list, err := store.ListByBuyer(ctx, "agt_b", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = store.Get(ctx, "ord_none")
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.ErrorIs(t, store.Update(ctx, &Order{ID: "ord_none"}), ErrOrderNotFound)
}

func TestPostgresStore_ConnectionErrorsAreRetryable(t *testing.T) {
	s := NewPostgresStore(testutil.ClosedDB(t))
	ctx := context.Background()

	_, err := s.Get(ctx, "ord_1")
	assert.True(t, errkind.Retryable(err), "get: %v", err)
	_, err = s.ListByBuyer(ctx, "agt_a", 10)
	assert.True(t, errkind.Retryable(err), "list: %v", err)
	err = s.Create(ctx, &Order{ID: "ord_1"})
	assert.True(t, errkind.Retryable(err), "create: %v", err)
}

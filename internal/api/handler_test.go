package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"storefront-service/internal/aftersales"
	"storefront-service/internal/broker"
	"storefront-service/internal/memstore"
	"storefront-service/internal/models"
	"storefront-service/internal/service"
	"storefront-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

type testAPI struct {
	store  *memstore.Store
	router *gin.Engine
}

func newTestAPI(t *testing.T, checks map[string]Pinger) *testAPI {
	t.Helper()
	store := memstore.New()
	events := broker.NewEventPublisher(
		broker.NewLogPublisher("cart-events"),
		broker.NewLogPublisher("aftersales-events"),
		broker.NewLogPublisher("refund-requests"),
	)
	policy, err := aftersales.NewPolicy(30, []string{"REFUND"}, true)
	require.NoError(t, err)

	ledger := service.NewStockLedger(store, nil)
	bridge := service.NewOrderBridge(store, events)
	carts := service.NewCartService(store, ledger, bridge, nil, events, time.Second)
	tickets := service.NewTicketService(store, bridge, service.NewRefundService(events), events, policy)

	router := gin.New()
	NewHandler(carts, ledger, tickets, bridge, checks).SetupRoutes(router)
	return &testAPI{store: store, router: router}
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorBody      `json:"error"`
}

func (a *testAPI) do(t *testing.T, method, path string, user int64, body interface{}) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != 0 {
		req.Header.Set(UserIDHeader, strconv.FormatInt(user, 10))
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var res response
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	return w.Code, res
}

func TestCartEndpoints(t *testing.T) {
	a := newTestAPI(t, nil)
	v := a.store.PutVariant(models.Variant{ProductName: "Linen Shirt", Color: "Sand", Size: "M", Price: decimal.NewFromInt(20)}, 5)

	code, res := a.do(t, http.MethodGet, "/api/v1/cart", 7, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"items":[],"total_items":0,"total_price":"0"}`, string(res.Data))

	code, res = a.do(t, http.MethodPost, "/api/v1/cart/items", 7, gin.H{"variant_id": v.ID, "quantity": 3})
	require.Equal(t, http.StatusOK, code)
	var cart service.CartView
	require.NoError(t, json.Unmarshal(res.Data, &cart))
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 3, cart.TotalItems)
	assert.True(t, cart.Items[0].InStock)

	code, res = a.do(t, http.MethodPost, "/api/v1/cart/items", 7, gin.H{"variant_id": v.ID, "quantity": 3})
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, "conflict", res.Error.Kind)
	assert.Equal(t, "stock_unavailable", res.Error.Code)

	code, res = a.do(t, http.MethodGet, "/api/v1/variants/"+strconv.FormatInt(v.ID, 10)+"/availability", 0, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"variant_id":`+strconv.FormatInt(v.ID, 10)+`,"available":2}`, string(res.Data))

	path := "/api/v1/cart/items/" + strconv.FormatInt(cart.Items[0].ID, 10)
	code, _ = a.do(t, http.MethodPatch, path, 7, gin.H{"quantity": 1})
	assert.Equal(t, http.StatusOK, code)
	code, _ = a.do(t, http.MethodDelete, path, 8, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, res = a.do(t, http.MethodPost, "/api/v1/cart/checkout", 7, gin.H{"customer_name": "Ana", "customer_email": "ana@example.com"})
	require.Equal(t, http.StatusCreated, code)
	var result service.CheckoutResult
	require.NoError(t, json.Unmarshal(res.Data, &result))
	assert.Equal(t, models.OrderStatusCreated, result.OrderStatus)

	orderPath := "/api/v1/orders/" + strconv.FormatInt(result.OrderID, 10)
	code, _ = a.do(t, http.MethodGet, orderPath, 7, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = a.do(t, http.MethodGet, orderPath, 8, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRequestValidation(t *testing.T) {
	a := newTestAPI(t, nil)

	code, res := a.do(t, http.MethodGet, "/api/v1/cart", 0, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", res.Error.Code)

	code, res = a.do(t, http.MethodPost, "/api/v1/cart/items", 7, gin.H{"variant_id": 1})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", res.Error.Kind)
	assert.Equal(t, "invalid_request", res.Error.Code)

	code, res = a.do(t, http.MethodPost, "/api/v1/cart/items", 7, gin.H{"variant_id": 1, "quantity": -2})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_quantity", res.Error.Code)

	code, res = a.do(t, http.MethodPost, "/api/v1/cart/items", 7, gin.H{"variant_id": 1, "quantity": 1000})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_quantity", res.Error.Code)

	code, res = a.do(t, http.MethodPost, "/api/v1/cart/items/batch", 7, gin.H{"items": []gin.H{}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", res.Error.Code)

	code, res = a.do(t, http.MethodPost, "/api/v1/cart/items/batch", 7, gin.H{"items": []gin.H{{"variant_id": 1, "quantity": 5000}}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_quantity", res.Error.Code)

	code, res = a.do(t, http.MethodPost, "/api/v1/cart/checkout", 7, gin.H{"customer_name": "Ana", "customer_email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", res.Error.Code)

	code, res = a.do(t, http.MethodPost, "/api/v1/cart/checkout", 7, gin.H{"customer_name": "Ana", "customer_email": "ana@example.com"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "empty_cart", res.Error.Code)

	code, _ = a.do(t, http.MethodPatch, "/api/v1/cart/items/abc", 7, gin.H{"quantity": 1})
	assert.Equal(t, http.StatusBadRequest, code)

	code, res = a.do(t, http.MethodGet, "/api/v1/variants/999/availability", 0, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", res.Error.Kind)
}

func TestBatchAddEndpoint(t *testing.T) {
	a := newTestAPI(t, nil)
	shirt := a.store.PutVariant(models.Variant{ProductName: "Linen Shirt", Price: decimal.NewFromInt(20)}, 5)
	socks := a.store.PutVariant(models.Variant{ProductName: "Wool Socks", Price: decimal.NewFromInt(4)}, 1)

	code, res := a.do(t, http.MethodPost, "/api/v1/cart/items/batch", 7, gin.H{"items": []gin.H{
		{"variant_id": shirt.ID, "quantity": 2},
		{"variant_id": socks.ID, "quantity": 2},
	}})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "stock_unavailable", res.Error.Code)

	code, res = a.do(t, http.MethodGet, "/api/v1/cart", 7, nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"items":[],"total_items":0,"total_price":"0"}`, string(res.Data))

	code, res = a.do(t, http.MethodPost, "/api/v1/cart/items/batch", 7, gin.H{"items": []gin.H{
		{"variant_id": shirt.ID, "quantity": 2},
		{"variant_id": socks.ID, "quantity": 1},
	}})
	require.Equal(t, http.StatusOK, code)
	var cart service.CartView
	require.NoError(t, json.Unmarshal(res.Data, &cart))
	assert.Len(t, cart.Items, 2)
	assert.Equal(t, 3, cart.TotalItems)
}

func TestTicketWorkflowEndpoints(t *testing.T) {
	a := newTestAPI(t, nil)
	order, items := a.store.PutOrder(models.Order{
		UserID:      7,
		Status:      models.OrderStatusDelivered,
		TotalAmount: decimal.NewFromInt(45),
	}, []models.OrderItem{{ProductName: "Boots", Quantity: 1, UnitPrice: decimal.NewFromInt(45)}})

	code, res := a.do(t, http.MethodPost, "/api/v1/tickets", 7, gin.H{
		"order_id":      order.ID,
		"order_item_id": items[0].ID,
		"type":          "refund",
		"reason":        "sole came off",
	})
	require.Equal(t, http.StatusCreated, code)
	var ticket service.TicketView
	require.NoError(t, json.Unmarshal(res.Data, &ticket))
	assert.Equal(t, aftersales.StatusOpen, ticket.Status)
	assert.True(t, ticket.IsEvidenceRequired)
	base := "/api/v1/admin/tickets/" + strconv.FormatInt(ticket.ID, 10)

	code, _ = a.do(t, http.MethodPost, base+"/review", 0, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = a.do(t, http.MethodPost, base+"/request-evidence", 0, gin.H{"note": "photo please"})
	require.Equal(t, http.StatusOK, code)

	evidencePath := "/api/v1/tickets/" + strconv.FormatInt(ticket.ID, 10) + "/evidence"
	code, res = a.do(t, http.MethodPost, evidencePath, 7, gin.H{"evidence": []gin.H{{"url": "not a url"}}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", res.Error.Code)
	code, _ = a.do(t, http.MethodPost, evidencePath, 7, gin.H{"evidence": []gin.H{{"url": "https://img.example.com/sole.jpg"}}})
	require.Equal(t, http.StatusOK, code)

	code, res = a.do(t, http.MethodPost, base+"/resolve", 0, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "invalid_transition", res.Error.Code)

	code, res = a.do(t, http.MethodPost, base+"/decide", 0, gin.H{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, res = a.do(t, http.MethodPost, base+"/decide", 0, gin.H{"approve": true})
	require.Equal(t, http.StatusOK, code)
	var decision service.DecisionResult
	require.NoError(t, json.Unmarshal(res.Data, &decision))
	assert.Equal(t, service.OutcomeApproved, decision.Outcome)
	assert.Equal(t, aftersales.StatusApproved, decision.Ticket.Status)
	assert.True(t, decimal.NewFromInt(45).Equal(decision.Ticket.RefundAmount.Decimal))

	code, res = a.do(t, http.MethodGet, "/api/v1/tickets", 7, nil)
	require.Equal(t, http.StatusOK, code)
	var list []service.TicketView
	require.NoError(t, json.Unmarshal(res.Data, &list))
	assert.Len(t, list, 1)

	code, _ = a.do(t, http.MethodGet, "/api/v1/tickets/"+strconv.FormatInt(ticket.ID, 10), 8, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAdminStockAndOrderStatus(t *testing.T) {
	a := newTestAPI(t, nil)
	v := a.store.PutVariant(models.Variant{ProductName: "Cap", Price: decimal.NewFromInt(9)}, 2)
	path := "/api/v1/admin/stock/" + strconv.FormatInt(v.ID, 10)

	code, res := a.do(t, http.MethodPut, path, 0, gin.H{"on_hand": 0})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"variant_id":`+strconv.FormatInt(v.ID, 10)+`,"on_hand":0,"reserved":0,"available":0}`, string(res.Data))

	code, res = a.do(t, http.MethodPut, path, 0, gin.H{"on_hand": -1})
	assert.Equal(t, http.StatusBadRequest, code)

	code, res = a.do(t, http.MethodPut, path, 0, gin.H{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", res.Error.Code)

	order, _ := a.store.PutOrder(models.Order{UserID: 7, Status: models.OrderStatusCreated}, nil)
	statusPath := "/api/v1/admin/orders/" + strconv.FormatInt(order.ID, 10) + "/status"
	code, res = a.do(t, http.MethodPut, statusPath, 0, gin.H{"status": "paid"})
	require.Equal(t, http.StatusOK, code)
	var updated models.Order
	require.NoError(t, json.Unmarshal(res.Data, &updated))
	assert.Equal(t, models.OrderStatusPaid, updated.Status)

	code, _ = a.do(t, http.MethodPut, statusPath, 0, gin.H{"status": "SHIPPED_TO_MARS"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestInternalErrorsAreMasked(t *testing.T) {
	router := gin.New()
	router.GET("/boom", func(c *gin.Context) {
		fail(c, errors.New("pq: password authentication failed for user app"))
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
	assert.JSONEq(t, `{"success":false,"error":{"kind":"internal","code":"internal_error","message":"internal error"}}`, w.Body.String())
}

func TestHealthAndReadiness(t *testing.T) {
	a := newTestAPI(t, map[string]Pinger{"postgres": pinger{}, "redis": pinger{err: errors.New("dial tcp: refused")}})

	code, _ := a.do(t, http.MethodGet, "/health", 0, nil)
	assert.Equal(t, http.StatusOK, code)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, map[string]string{"postgres": "ok", "redis": "unavailable"}, body.Dependencies)

	code, _ = a.do(t, http.MethodGet, "/metrics", 0, nil)
	assert.Equal(t, http.StatusOK, code)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"order-reconciler/internal/memstore"
	"order-reconciler/internal/models"
	"order-reconciler/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sequenceGateway struct {
	mu   sync.Mutex
	next int
	err  error
}

func (g *sequenceGateway) Initiate(ctx context.Context, req service.InitiationRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.next++
	return fmt.Sprintf("REF%d", g.next), nil
}

type recordingSink struct {
	mu       sync.Mutex
	payloads map[string][][]byte
	err      error
}

func (s *recordingSink) Submit(ctx context.Context, provider string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.payloads == nil {
		s.payloads = make(map[string][][]byte)
	}
	s.payloads[provider] = append(s.payloads[provider], payload)
	return nil
}

type testServer struct {
	router  *gin.Engine
	gateway *sequenceGateway
	sink    *recordingSink
	ready   error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	catalog := memstore.NewCatalog()
	catalog.AddProduct("bread", "Bread", 100, 50)
	catalog.AddProduct("milk", "Milk", 75, 50)

	ts := &testServer{
		gateway: &sequenceGateway{},
		sink:    &recordingSink{},
	}

	reconciler := service.NewReconciler(service.Dependencies{
		Store:    memstore.NewOrders(),
		Index:    memstore.NewIndex(),
		Gateway:  ts.gateway,
		Catalog:  service.NewInventoryClient(catalog, nil),
		Requests: memstore.NewRequestCache(),
	}, service.ReconcilerConfig{})

	handler := NewHandler(reconciler, ts.sink, map[string]ReadinessCheck{
		"store": func(ctx context.Context) error { return ts.ready },
	})

	ts.router = gin.New()
	handler.SetupRoutes(ts.router)
	return ts
}

func (ts *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

const breadAndMilk = `{"customer_ref":"254700000001","items":[{"sku":"bread","quantity":2},{"sku":"milk","quantity":1}]}`

func decodeOrder(t *testing.T, w *httptest.ResponseRecorder) models.Order {
	t.Helper()
	var order models.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &order))
	return order
}

func (ts *testServer) createOrder(t *testing.T) models.Order {
	t.Helper()
	w := ts.do(http.MethodPost, "/api/v1/orders", breadAndMilk)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeOrder(t, w)
}

func TestCreateOrder(t *testing.T) {
	ts := newTestServer(t)

	order := ts.createOrder(t)
	assert.Equal(t, models.OrderStateCreated, order.State)
	assert.Equal(t, int64(275), order.TotalAmount)
	assert.Len(t, order.LineItems, 2)
}

func TestCreateOrderIdempotencyHeader(t *testing.T) {
	ts := newTestServer(t)
	body := `{"customer_ref":"254700000001","items":[{"sku":"bread","quantity":1}]}`

	first := ts.do(http.MethodPost, "/api/v1/orders", body, "Idempotency-Key", "wamid-1")
	second := ts.do(http.MethodPost, "/api/v1/orders", body, "Idempotency-Key", "wamid-1")
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, decodeOrder(t, first).ID, decodeOrder(t, second).ID)
}

func TestCreateOrderInvalid(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"customer_ref":`},
		{"no items", `{"customer_ref":"c","items":[]}`},
		{"zero quantity", `{"customer_ref":"c","items":[{"sku":"bread","quantity":0}]}`},
		{"unknown sku", `{"customer_ref":"c","items":[{"sku":"caviar","quantity":1}]}`},
		{"insufficient stock", `{"customer_ref":"c","items":[{"sku":"bread","quantity":500}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(http.MethodPost, "/api/v1/orders", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestInitiatePayment(t *testing.T) {
	ts := newTestServer(t)
	order := ts.createOrder(t)

	w := ts.do(http.MethodPost, "/api/v1/orders/"+order.ID+"/pay", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	paid := decodeOrder(t, w)
	assert.Equal(t, models.OrderStatePaymentInitiated, paid.State)
	assert.Equal(t, "REF1", paid.Ref())
}

func TestInitiatePaymentGatewayFailure(t *testing.T) {
	ts := newTestServer(t)
	order := ts.createOrder(t)
	ts.gateway.err = errors.New("gateway down")

	w := ts.do(http.MethodPost, "/api/v1/orders/"+order.ID+"/pay", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)

	var body struct {
		Error string       `json:"error"`
		Order models.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, models.OrderStatePaymentFailed, body.Order.State)
}

func TestGetOrderNotFound(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/api/v1/orders/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelOrder(t *testing.T) {
	ts := newTestServer(t)
	order := ts.createOrder(t)

	w := ts.do(http.MethodPost, "/api/v1/orders/"+order.ID+"/cancel", `{"reason":"customer_request"}`)
	require.Equal(t, http.StatusOK, w.Code)
	cancelled := decodeOrder(t, w)
	assert.Equal(t, models.OrderStateCancelled, cancelled.State)
	assert.Equal(t, "customer_request", cancelled.FailureReason)

	w = ts.do(http.MethodPost, "/api/v1/orders/"+order.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListOrders(t *testing.T) {
	ts := newTestServer(t)
	ts.createOrder(t)

	w := ts.do(http.MethodGet, "/api/v1/orders?state=created", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Orders []models.Order `json:"orders"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/orders", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/orders?state=shipped", "").Code)
}

func TestGetTransitions(t *testing.T) {
	ts := newTestServer(t)
	order := ts.createOrder(t)
	ts.do(http.MethodPost, "/api/v1/orders/"+order.ID+"/pay", "")

	w := ts.do(http.MethodGet, "/api/v1/orders/"+order.ID+"/transitions", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Transitions []models.Transition `json:"transitions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Transitions, 2)
	assert.Equal(t, models.OrderStatePaymentInitiated, body.Transitions[1].ToState)
}

func TestReceiveCallback(t *testing.T) {
	ts := newTestServer(t)
	payload := `{"Body":{"stkCallback":{"CheckoutRequestID":"REF1","ResultCode":0}}}`

	w := ts.do(http.MethodPost, "/api/v1/callbacks/mpesa", payload)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, w.Body.String())
	require.Len(t, ts.sink.payloads["mpesa"], 1)
	assert.Equal(t, payload, string(ts.sink.payloads["mpesa"][0]))
}

func TestReceiveCallbackUnknownProvider(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/v1/callbacks/paypal", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, ts.sink.payloads)
}

func TestReceiveCallbackTooLarge(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/v1/callbacks/generic", `{"pad":"`+strings.Repeat("x", maxCallbackBody)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestReceiveCallbackSinkUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.sink.err = errors.New("queue full")

	w := ts.do(http.MethodPost, "/api/v1/callbacks/generic", `{"payment_ref":"REF1","result":"success","amount":275}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/ready", "").Code)

	ts.ready = errors.New("connection refused")
	w := ts.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"order-reconciler/internal/gateway"
	"order-reconciler/internal/models"
	"order-reconciler/internal/service"
	"order-reconciler/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxCallbackBody = 64 << 10

// OrderService is the reconciliation engine as seen by the HTTP layer
type OrderService interface {
	CreateOrder(ctx context.Context, req *service.CreateOrderRequest) (*models.Order, error)
	InitiatePayment(ctx context.Context, orderID string) (*models.Order, error)
	Cancel(ctx context.Context, orderID, reason string) (*models.Order, error)
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	ListByState(ctx context.Context, state models.OrderState) ([]models.Order, error)
	Transitions(ctx context.Context, orderID string) ([]models.Transition, error)
}

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	orders    OrderService
	callbacks gateway.CallbackSink
	checks    map[string]ReadinessCheck
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(orders OrderService, callbacks gateway.CallbackSink, checks map[string]ReadinessCheck) *Handler {
	return &Handler{
		orders:    orders,
		callbacks: callbacks,
		checks:    checks,
		logger:    util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/pay", h.initiatePayment)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.GET("/orders/:id/transitions", h.getTransitions)

		v1.POST("/callbacks/:provider", h.receiveCallback)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only if every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failures := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "not ready",
			"failures": failures,
			"time":     time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, order)
}

// listOrders handles listing orders in one state
func (h *Handler) listOrders(c *gin.Context) {
	state := models.OrderState(strings.ToUpper(c.Query("state")))
	if state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state query parameter is required"})
		return
	}

	orders, err := h.orders.ListByState(c.Request.Context(), state)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}

	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

// initiatePayment starts the payment of a CREATED order
func (h *Handler) initiatePayment(c *gin.Context) {
	order, err := h.orders.InitiatePayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, order)
		return
	}
	c.JSON(http.StatusOK, order)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// cancelOrder handles customer cancellation
func (h *Handler) cancelOrder(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request body",
				"details": err.Error(),
			})
			return
		}
	}

	order, err := h.orders.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.writeError(c, err, order)
		return
	}
	c.JSON(http.StatusOK, order)
}

// getTransitions returns the audit trail of an order
func (h *Handler) getTransitions(c *gin.Context) {
	trail, err := h.orders.Transitions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	if trail == nil {
		trail = []models.Transition{}
	}
	c.JSON(http.StatusOK, gin.H{"transitions": trail})
}

// receiveCallback accepts a gateway webhook and hands the raw body to the
// callback sink. The gateway only learns whether the body was enqueued.
func (h *Handler) receiveCallback(c *gin.Context) {
	provider := strings.ToLower(c.Param("provider"))
	if provider != gateway.ProviderMpesa && provider != gateway.ProviderGeneric {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown callback provider"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Callback body too large"})
		return
	}

	if err := h.callbacks.Submit(c.Request.Context(), provider, body); err != nil {
		h.logger.Error("Failed to enqueue payment callback",
			zap.String("provider", provider),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"ResultCode": 1,
			"ResultDesc": "Temporarily unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
	})
}

// writeError maps engine errors to HTTP status codes; order, when known,
// is returned alongside so the caller sees the state it ended in
func (h *Handler) writeError(c *gin.Context, err error, order *models.Order) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidOrderRequest):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrOrderAlreadyFinalized),
		errors.Is(err, models.ErrRequestInFlight),
		errors.Is(err, models.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, models.ErrInitiationFailed), errors.Is(err, models.ErrDuplicateRef):
		status = http.StatusBadGateway
	case errors.Is(err, models.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
	}

	body := gin.H{"error": err.Error()}
	if order != nil {
		body["order"] = order
	}
	c.JSON(status, body)
}

// requestLogger logs each request through zap
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

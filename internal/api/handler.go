package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"storefront-service/internal/apperr"
	"storefront-service/internal/service"
	"storefront-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a dependency the readiness probe checks
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	carts   *service.CartService
	ledger  *service.StockLedger
	tickets *service.TicketService
	orders  *service.OrderBridge
	checks  map[string]Pinger
}

// NewHandler creates a new HTTP handler. checks are probed by /ready.
func NewHandler(
	carts *service.CartService,
	ledger *service.StockLedger,
	tickets *service.TicketService,
	orders *service.OrderBridge,
	checks map[string]Pinger,
) *Handler {
	return &Handler{
		carts:   carts,
		ledger:  ledger,
		tickets: tickets,
		orders:  orders,
		checks:  checks,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/variants/:id/availability", h.getAvailability)

		customer := v1.Group("", requireUser())
		customer.GET("/cart", h.getCart)
		customer.POST("/cart/items", h.addItem)
		customer.POST("/cart/items/batch", h.addItems)
		customer.PATCH("/cart/items/:itemId", h.updateItem)
		customer.DELETE("/cart/items/:itemId", h.removeItem)
		customer.POST("/cart/checkout", h.checkout)

		customer.GET("/orders/:id", h.getOrder)

		customer.POST("/tickets", h.openTicket)
		customer.GET("/tickets", h.listTickets)
		customer.GET("/tickets/:id", h.getTicket)
		customer.POST("/tickets/:id/evidence", h.submitEvidence)

		admin := v1.Group("/admin")
		admin.GET("/tickets/:id", h.getTicketForStaff)
		admin.POST("/tickets/:id/review", h.requestReview)
		admin.POST("/tickets/:id/request-evidence", h.requestEvidence)
		admin.POST("/tickets/:id/decide", h.decide)
		admin.POST("/tickets/:id/resolve", h.resolve)
		admin.PUT("/stock/:variantId", h.restock)
		admin.PUT("/orders/:id/status", h.setOrderStatus)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency and reports each one
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	deps := gin.H{}
	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			deps[name] = "unavailable"
			util.Component("http").Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			continue
		}
		deps[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	c.JSON(status, gin.H{
		"status":       state,
		"dependencies": deps,
		"time":         time.Now().Unix(),
	})
}

func (h *Handler) getCart(c *gin.Context) {
	cart, err := h.carts.GetCart(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, cart)
}

func (h *Handler) addItem(c *gin.Context) {
	var req service.AddItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindError(err))
		return
	}

	cart, err := h.carts.AddItem(c.Request.Context(), userID(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, cart)
}

func (h *Handler) addItems(c *gin.Context) {
	var req service.AddItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindError(err))
		return
	}

	cart, err := h.carts.AddItems(c.Request.Context(), userID(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, cart)
}

func (h *Handler) updateItem(c *gin.Context) {
	itemID, err := pathID(c, "itemId")
	if err != nil {
		fail(c, err)
		return
	}
	var req service.UpdateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindError(err))
		return
	}

	cart, err := h.carts.UpdateItem(c.Request.Context(), userID(c), itemID, req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, cart)
}

func (h *Handler) removeItem(c *gin.Context) {
	itemID, err := pathID(c, "itemId")
	if err != nil {
		fail(c, err)
		return
	}

	cart, err := h.carts.RemoveItem(c.Request.Context(), userID(c), itemID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, cart)
}

func (h *Handler) checkout(c *gin.Context) {
	var req service.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindError(err))
		return
	}

	result, err := h.carts.Checkout(c.Request.Context(), userID(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, result)
}

func (h *Handler) getAvailability(c *gin.Context) {
	variantID, err := pathID(c, "id")
	if err != nil {
		fail(c, err)
		return
	}

	available, err := h.ledger.Available(c.Request.Context(), variantID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"variant_id": variantID, "available": available})
}

// getOrder returns one of the caller's orders
func (h *Handler) getOrder(c *gin.Context) {
	orderID, err := pathID(c, "id")
	if err != nil {
		fail(c, err)
		return
	}

	order, items, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		fail(c, err)
		return
	}
	if order.UserID != userID(c) {
		fail(c, apperr.NotFound("order %d not found", orderID))
		return
	}
	ok(c, http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

func (h *Handler) openTicket(c *gin.Context) {
	var req service.OpenTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindError(err))
		return
	}

	ticket, err := h.tickets.Open(c.Request.Context(), userID(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, ticket)
}

func (h *Handler) listTickets(c *gin.Context) {
	tickets, err := h.tickets.List(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, tickets)
}

func (h *Handler) getTicket(c *gin.Context) {
	ticketID, err := pathID(c, "id")
	if err != nil {
		fail(c, err)
		return
	}

	ticket, err := h.tickets.Get(c.Request.Context(), userID(c), ticketID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, ticket)
}

func (h *Handler) submitEvidence(c *gin.Context) {
	ticketID, err := pathID(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	var req service.SubmitEvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindError(err))
		return
	}

	ticket, err := h.tickets.SubmitEvidence(c.Request.Context(), userID(c), ticketID, req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, ticket)
}

func (h *Handler) getTicketForStaff(c *gin.Context) {
	ticketID, err := pathID(c, "id")
	if err != nil {
		fail(c, err)
		return
	}

	ticket, err := h.tickets.GetForStaff(c.Request.Context(), ticketID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, ticket)
}

// staffStep runs a workflow step that takes an optional note
func (h *Handler) staffStep(c *gin.Context, step func(context.Context, int64, service.NoteRequest) (*service.TicketView, error)) {
	ticketID, err := pathID(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	var req service.NoteRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, bindError(err))
			return
		}
	}

	ticket, err := step(c.Request.Context(), ticketID, req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, ticket)
}

func (h *Handler) requestReview(c *gin.Context)   { h.staffStep(c, h.tickets.RequestReview) }
func (h *Handler) requestEvidence(c *gin.Context) { h.staffStep(c, h.tickets.RequestEvidence) }
func (h *Handler) resolve(c *gin.Context)         { h.staffStep(c, h.tickets.Resolve) }

func (h *Handler) decide(c *gin.Context) {
	ticketID, err := pathID(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	var req service.DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindError(err))
		return
	}

	result, err := h.tickets.Decide(c.Request.Context(), ticketID, req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, result)
}

// RestockRequest sets the physical stock of a variant
type RestockRequest struct {
	OnHand *int `json:"on_hand" binding:"required"`
}

func (h *Handler) restock(c *gin.Context) {
	variantID, err := pathID(c, "variantId")
	if err != nil {
		fail(c, err)
		return
	}
	var req RestockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindError(err))
		return
	}

	entry, err := h.ledger.Restock(c.Request.Context(), variantID, *req.OnHand)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{
		"variant_id": entry.VariantID,
		"on_hand":    entry.OnHand,
		"reserved":   entry.Reserved,
		"available":  entry.Available(),
	})
}

// OrderStatusRequest moves an order along its lifecycle, e.g. to PAID
type OrderStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) setOrderStatus(c *gin.Context) {
	orderID, err := pathID(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	var req OrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindError(err))
		return
	}

	order, err := h.orders.SetStatus(c.Request.Context(), orderID, req.Status)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, order)
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

// requestLogger logs one line per request
func requestLogger() gin.HandlerFunc {
	logger := util.Component("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

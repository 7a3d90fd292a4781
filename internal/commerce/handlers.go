package commerce

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/httperr"
)

// Handler exposes orders over HTTP.
type Handler struct {
	orchestrator *Orchestrator
}

func NewHandler(o *Orchestrator) *Handler {
	return &Handler{orchestrator: o}
}

// RegisterRoutes sets up order endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.Place)
	r.GET("/orders", h.List)
	r.GET("/orders/:id", h.Get)
	r.POST("/orders/:id/resume", h.Resume)
	r.POST("/orders/:id/cancel", h.Cancel)
}

// Place handles POST /v1/orders. Orders keep running if the client goes
// away; POST /v1/orders/:id/cancel stops them.
func (h *Handler) Place(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "Request body must contain 'buyerAgentId', 'capability' and 'budget'")
		return
	}
	order, err := h.orchestrator.PlaceOrder(context.WithoutCancel(c.Request.Context()), req)
	respondOrder(c, order, err, http.StatusCreated)
}

// Get handles GET /v1/orders/:id.
func (h *Handler) Get(c *gin.Context) {
	order, err := h.orchestrator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// List handles GET /v1/orders?buyerAgentId=&limit=.
func (h *Handler) List(c *gin.Context) {
	buyer := c.Query("buyerAgentId")
	if buyer == "" {
		httperr.BadRequest(c, "'buyerAgentId' query parameter is required")
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, 500)
		}
	}
	orders, err := h.orchestrator.List(c.Request.Context(), buyer, limit)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	if orders == nil {
		orders = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// Resume handles POST /v1/orders/:id/resume.
func (h *Handler) Resume(c *gin.Context) {
	order, err := h.orchestrator.Resume(context.WithoutCancel(c.Request.Context()), c.Param("id"))
	respondOrder(c, order, err, http.StatusOK)
}

// Cancel handles POST /v1/orders/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	order, err := h.orchestrator.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func respondOrder(c *gin.Context, order *Order, err error, okStatus int) {
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	switch order.Status {
	case StatusCompleted:
		c.JSON(okStatus, gin.H{"order": order})
	case StatusFailed:
		status := errkind.HTTPStatus(order.Failure.Kind)
		if status >= http.StatusInternalServerError && order.Failure.Kind != errkind.ExternalService {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Order failed", "order": order})
			return
		}
		c.JSON(status, gin.H{"error": string(order.Failure.Kind), "message": order.Failure.Reason, "order": order})
	default:
		c.JSON(http.StatusAccepted, gin.H{"order": order})
	}
}

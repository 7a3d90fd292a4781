package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/trustmesh/internal/httperr"
)

// Handler provides HTTP endpoints for ledger reads.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/:address", h.GetBalance)
	r.GET("/ledger/:address/history", h.GetHistory)
	r.GET("/transfers/:txId", h.GetTransfer)
}

// RegisterAdminRoutes sets up operator-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/ledger/deposits", h.Deposit)
}

// GetBalance handles GET /v1/ledger/:address.
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.ledger.GetBalance(c.Request.Context(), c.Param("address"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": c.Param("address"), "available": bal})
}

// GetHistory handles GET /v1/ledger/:address/history?limit=.
func (h *Handler) GetHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.ledger.History(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// GetTransfer handles GET /v1/transfers/:txId.
func (h *Handler) GetTransfer(c *gin.Context) {
	t, err := h.ledger.WaitForConfirmation(c.Request.Context(), c.Param("txId"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfer": t})
}

type depositRequest struct {
	Address   string `json:"address" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// Deposit handles POST /v1/admin/ledger/deposits.
func (h *Handler) Deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "Request body must contain 'address' and 'amount'")
		return
	}
	e, err := h.ledger.Deposit(c.Request.Context(), req.Address, req.Amount, req.Reference)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": e})
}

package identity

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/trustmesh/internal/httperr"
)

const maxBatchIDs = 100

// Handler provides HTTP endpoints for the identity registry.
type Handler struct {
	service *Service
}

// NewHandler creates a new identity handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up agent endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agents", h.CreateAgent)
	r.GET("/agents", h.ListAgents)
	r.GET("/agents/search", h.Search)
	r.POST("/agents/metadata", h.BatchMetadata)
	r.GET("/agents/:id", h.GetAgent)
	r.GET("/agents/:id/history", h.History)
	r.PATCH("/agents/:id", h.UpdateAgent)
}

// CreateAgent handles POST /v1/agents.
func (h *Handler) CreateAgent(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "Request body must be a JSON agent registration")
		return
	}
	res, err := h.service.CreateAgent(c.Request.Context(), req)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// GetAgent handles GET /v1/agents/:id.
func (h *Handler) GetAgent(c *gin.Context) {
	a, err := h.service.GetMetadata(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": a})
}

// ListAgents handles GET /v1/agents?limit=&offset=.
func (h *Handler) ListAgents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}

	agents, err := h.service.ListAgents(c.Request.Context(), limit, offset)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	if agents == nil {
		agents = []*Agent{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// Search handles GET /v1/agents/search?capability=.
func (h *Handler) Search(c *gin.Context) {
	capability := c.Query("capability")
	ids, err := h.service.SearchByCapability(c.Request.Context(), capability)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"capability": capability, "agentIds": ids, "count": len(ids)})
}

type batchRequest struct {
	IDs []string `json:"ids"`
}

// BatchMetadata handles POST /v1/agents/metadata.
func (h *Handler) BatchMetadata(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		httperr.BadRequest(c, "Request body must contain a non-empty 'ids' array")
		return
	}
	if len(req.IDs) > maxBatchIDs {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "too_many_ids",
			"message": "Maximum 100 ids per batch request",
		})
		return
	}

	results, err := h.service.GetAgentMetadata(c.Request.Context(), req.IDs)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// History handles GET /v1/agents/:id/history.
func (h *Handler) History(c *gin.Context) {
	versions, err := h.service.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agentId": c.Param("id"), "versions": versions})
}

// UpdateAgent handles PATCH /v1/agents/:id.
func (h *Handler) UpdateAgent(c *gin.Context) {
	var patch MetadataPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		httperr.BadRequest(c, "Request body must be a JSON metadata patch")
		return
	}
	a, err := h.service.UpdateMetadata(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": a})
}

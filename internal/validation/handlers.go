package validation

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/trustmesh/internal/httperr"
)

// Handler provides HTTP endpoints for the validation registry.
type Handler struct {
	service *Service
}

// NewHandler creates a new validation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up validation endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/validations", h.Request)
	r.GET("/validations", h.List)
	r.GET("/validations/:id", h.Get)
	r.POST("/validations/:id/submit", h.Submit)
	r.GET("/validation-score/:agentId", h.GetScore)
}

type requestBody struct {
	AgentID     string `json:"agentId"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Stake       string `json:"stake"`
}

// Request handles POST /v1/validations.
func (h *Handler) Request(c *gin.Context) {
	var req requestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "Request body must contain 'agentId' and 'type'")
		return
	}
	v, err := h.service.RequestValidation(c.Request.Context(), req.AgentID, req.Type, req.Description, req.Stake)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"validation": v})
}

type submitBody struct {
	IsValid  *bool  `json:"isValid"`
	Evidence string `json:"evidence"`
}

// Submit handles POST /v1/validations/:id/submit.
func (h *Handler) Submit(c *gin.Context) {
	var req submitBody
	if err := c.ShouldBindJSON(&req); err != nil || req.IsValid == nil {
		httperr.BadRequest(c, "Request body must contain boolean 'isValid'")
		return
	}
	v, err := h.service.SubmitValidation(c.Request.Context(), c.Param("id"), *req.IsValid, req.Evidence)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"validation": v})
}

// Get handles GET /v1/validations/:id.
func (h *Handler) Get(c *gin.Context) {
	v, err := h.service.GetValidation(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"validation": v})
}

// List handles GET /v1/validations?agentId=.
func (h *Handler) List(c *gin.Context) {
	agentID := c.Query("agentId")
	if agentID == "" {
		httperr.BadRequest(c, "Query parameter 'agentId' is required")
		return
	}
	list, err := h.service.ListValidations(c.Request.Context(), agentID)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"validations": list, "count": len(list)})
}

// GetScore handles GET /v1/validation-score/:agentId?min=.
func (h *Handler) GetScore(c *gin.Context) {
	minConfidence := DefaultMinConfidence
	if v := c.Query("min"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 || parsed > 100 {
			httperr.BadRequest(c, "'min' must be an integer between 0 and 100")
			return
		}
		minConfidence = parsed
	}

	ctx := c.Request.Context()
	score, err := h.service.GetValidationScore(ctx, c.Param("agentId"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	validated, err := h.service.IsValidated(ctx, c.Param("agentId"), minConfidence)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"validationScore": score, "minConfidence": minConfidence, "validated": validated})
}

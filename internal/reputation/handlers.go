package reputation

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/trustmesh/internal/httperr"
)

// Handler provides HTTP endpoints for reputation
type Handler struct {
	service       *Service
	snapshotStore SnapshotStore
}

// NewHandler creates a new reputation handler. snapshots may be nil, in
// which case the history endpoint answers 501.
func NewHandler(service *Service, snapshots SnapshotStore) *Handler {
	return &Handler{service: service, snapshotStore: snapshots}
}

// RegisterRoutes sets up reputation endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/feedback", h.SubmitFeedback)
	r.POST("/feedback/:id/revoke", h.RevokeFeedback)
	r.GET("/reputation/:agentId", h.GetReputation)
	r.GET("/reputation/:agentId/feedback", h.ListFeedback)
	r.GET("/reputation/:agentId/trustworthy", h.IsTrustworthy)
	r.GET("/reputation/:agentId/history", h.GetReputationHistory)
}

// SubmitFeedback handles POST /v1/feedback.
func (h *Handler) SubmitFeedback(c *gin.Context) {
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "Request body must contain 'agentId' and 'rating'")
		return
	}
	f, err := h.service.SubmitFeedback(c.Request.Context(), req)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"feedback": f})
}

// RevokeFeedback handles POST /v1/feedback/:id/revoke.
func (h *Handler) RevokeFeedback(c *gin.Context) {
	f, err := h.service.RevokeFeedback(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"feedback": f})
}

// GetReputation returns the reputation summary for a single agent
func (h *Handler) GetReputation(c *gin.Context) {
	summary, err := h.service.GetReputationSummary(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reputation": summary})
}

// ListFeedback handles GET /v1/reputation/:agentId/feedback.
func (h *Handler) ListFeedback(c *gin.Context) {
	list, err := h.service.ListFeedback(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	if list == nil {
		list = []*Feedback{}
	}
	c.JSON(http.StatusOK, gin.H{"feedback": list, "count": len(list)})
}

// IsTrustworthy handles GET /v1/reputation/:agentId/trustworthy?min=.
func (h *Handler) IsTrustworthy(c *gin.Context) {
	minScore := DefaultTrustThreshold
	if v := c.Query("min"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 || parsed > 100 {
			httperr.BadRequest(c, "'min' must be an integer between 0 and 100")
			return
		}
		minScore = parsed
	}
	ok, err := h.service.IsTrustworthy(c.Request.Context(), c.Param("agentId"), minScore)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agentId": c.Param("agentId"), "minScore": minScore, "trustworthy": ok})
}

// GetReputationHistory returns historical reputation snapshots.
// GET /v1/reputation/:agentId/history?from=&to=&limit=
func (h *Handler) GetReputationHistory(c *gin.Context) {
	agentID := c.Param("agentId")

	if h.snapshotStore == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_available",
			"message": "Historical reputation data is not available",
		})
		return
	}

	q := HistoryQuery{AgentID: agentID, Limit: 100}
	if from := c.Query("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			q.From = t
		}
	}
	if to := c.Query("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			q.To = t
		}
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			q.Limit = min(parsed, 1000)
		}
	}

	snapshots, err := h.snapshotStore.Query(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "query_failed",
			"message": "Failed to query reputation history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agentId":   agentID,
		"snapshots": snapshots,
		"count":     len(snapshots),
	})
}

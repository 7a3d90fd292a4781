package payment

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/httperr"
)

// Handler exposes a payee's verifier over HTTP. Proofs are signed by
// clients; the server never holds payer keys.
type Handler struct {
	verifier *Verifier
}

func NewHandler(verifier *Verifier) *Handler {
	return &Handler{verifier: verifier}
}

// RegisterRoutes sets up payment endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.Check)
	r.POST("/payments/verify", h.Verify)
	r.GET("/payments/:id", h.Get)
}

// verifyRequest carries a proof either as JSON or in its encoded form.
type verifyRequest struct {
	Proof             *Proof `json:"proof"`
	Encoded           string `json:"encoded"`
	ExpectedRecipient string `json:"expectedRecipient"`
}

func (h *Handler) bind(c *gin.Context) (*Proof, string, bool) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "Request body must contain 'proof' or 'encoded'")
		return nil, "", false
	}
	proof := req.Proof
	if req.Encoded != "" {
		p, err := Decode(req.Encoded)
		if err != nil {
			httperr.Respond(c, err)
			return nil, "", false
		}
		proof = p
	}
	if proof == nil {
		httperr.BadRequest(c, "Request body must contain 'proof' or 'encoded'")
		return nil, "", false
	}
	// The payee names itself; the proof's own recipient field is what is
	// being checked and cannot stand in for it.
	recipient := req.ExpectedRecipient
	if h := c.GetHeader("X-Expected-Recipient"); h != "" {
		recipient = h
	}
	if recipient == "" {
		httperr.BadRequest(c, "expectedRecipient (or X-Expected-Recipient) is required")
		return nil, "", false
	}
	return proof, recipient, true
}

// Check handles POST /v1/payments: stateless structural, signature and
// age checks that leave the received set untouched.
func (h *Handler) Check(c *gin.Context) {
	proof, recipient, ok := h.bind(c)
	if !ok {
		return
	}
	respondResult(c, h.verifier.Check(proof, recipient), http.StatusOK)
}

// Verify handles POST /v1/payments/verify.
func (h *Handler) Verify(c *gin.Context) {
	proof, recipient, ok := h.bind(c)
	if !ok {
		return
	}
	result, err := h.verifier.Verify(c.Request.Context(), proof, recipient)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	respondResult(c, result, http.StatusCreated)
}

// Get handles GET /v1/payments/:id.
func (h *Handler) Get(c *gin.Context) {
	r, err := h.verifier.Received(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": r})
}

func respondResult(c *gin.Context, r *VerificationResult, okStatus int) {
	if r.Valid {
		c.JSON(okStatus, gin.H{"result": r})
		return
	}
	c.JSON(errkind.HTTPStatus(r.Kind), gin.H{
		"error":   string(r.Kind),
		"message": r.Reason,
		"result":  r,
	})
}

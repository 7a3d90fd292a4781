// Package httperr renders classified errors as JSON API responses.
package httperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/logging"
	"github.com/mbd888/trustmesh/internal/security"
)

// Respond writes err with the status its kind maps to. Unclassified and
// fatal errors are logged and answered with a generic message.
func Respond(c *gin.Context, err error) {
	var fields security.FieldErrors
	if errors.As(err, &fields) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": fields.Error(),
			"details": fields,
		})
		return
	}

	kind := errkind.KindOf(err)
	status := errkind.HTTPStatus(kind)
	if status >= http.StatusInternalServerError && kind != errkind.ExternalService {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
		return
	}

	code := string(kind)
	if code == "" {
		code = "error"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}

// BadRequest answers a malformed request body.
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": message,
	})
}

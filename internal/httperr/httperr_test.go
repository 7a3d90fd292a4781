package httperr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func respond(t *testing.T, err error) (int, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/", nil)
	Respond(c, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestRespond(t *testing.T) {
	code, body := respond(t, errkind.New(errkind.NotFound, "identity: agent not found"))
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["error"])
	assert.Equal(t, "identity: agent not found", body["message"])

	code, body = respond(t, errkind.New(errkind.OwnershipConflict, "identity: owner already has an agent"))
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "ownership_conflict", body["error"])

	code, _ = respond(t, errkind.External("facilitator: submit", errors.New("refused")))
	assert.Equal(t, http.StatusBadGateway, code)

	code, body = respond(t, errors.New("pq: connection reset"))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "Internal server error", body["message"])

	code, body = respond(t, security.FieldErrors{{Field: "owner", Message: "is required"}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_failed", body["error"])
}

package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:       ts.URL,
		AgentID:      "agent_buyer",
		AgentAddress: "0xbuyer",
	}
	h := NewHandlers(NewClient(cfg))
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":   "not_found",
			"message": "agent not found",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.GetReputation(context.Background(), "agent_x")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Contains(t, err.Error(), "agent not found")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.GetBalance(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestClient_ConnectionRefused(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.GetBalance(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.GetOrder(ctx, "ord_1")
	require.Error(t, err)
}

func TestClient_SearchAgents_FetchesMetadata(t *testing.T) {
	var batchIDs []string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agents/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "weather", r.URL.Query().Get("capability"))
		writeJSON(w, http.StatusOK, map[string]any{
			"capability": "weather",
			"agentIds":   []string{"agent_1", "agent_2"},
			"count":      2,
		})
	})
	mux.HandleFunc("/v1/agents/metadata", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body struct {
			IDs []string `json:"ids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		batchIDs = body.IDs
		writeJSON(w, http.StatusOK, map[string]any{
			"results": []map[string]any{
				{"id": "agent_1", "agent": map[string]any{"id": "agent_1", "name": "Sky", "price": "1.5", "currency": "USDC"}},
				{"id": "agent_2", "reason": "not_found"},
			},
		})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	agents, err := client.SearchAgents(context.Background(), "weather")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent_1", "agent_2"}, batchIDs)
	require.Len(t, agents, 1)
	assert.Equal(t, "Sky", agents[0].Name)
}

func TestClient_SearchAgents_EmptySkipsMetadata(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusOK, map[string]any{"agentIds": []string{}, "count": 0})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	agents, err := client.SearchAgents(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, agents)
	assert.Equal(t, 1, calls)
}

func TestClient_SubmitFeedback_DefaultsReviewer(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		writeJSON(w, http.StatusCreated, map[string]any{"feedback": map[string]any{"id": "fb_1", "agentId": "agent_1", "rating": 4}})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, AgentAddress: "0xme"})
	h := NewHandlers(client)
	result, err := h.HandleSubmitFeedback(context.Background(), makeRequest(map[string]any{
		"agent_id": "agent_1",
		"rating":   float64(4),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError, resultText(t, result))
	assert.Equal(t, "0xme", got["reviewer"])
	assert.Equal(t, "agent_1", got["agentId"])
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleSearchAgents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agents/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"agentIds": []string{"agent_1"}})
	})
	mux.HandleFunc("/v1/agents/metadata", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"results": []map[string]any{{
				"id": "agent_1",
				"agent": map[string]any{
					"id": "agent_1", "owner": "0xseller", "name": "Sky",
					"capabilities": []string{"weather"}, "price": "1.5", "currency": "USDC",
				},
			}},
		})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleSearchAgents(context.Background(), makeRequest(map[string]any{"capability": "weather"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 1 agent(s)")
	assert.Contains(t, text, "Sky")
	assert.Contains(t, text, "0xseller")
	assert.Contains(t, text, "1.5 USDC")
}

func TestHandleSearchAgents_MissingCapability(t *testing.T) {
	h := NewHandlers(NewClient(Config{APIURL: "http://unused"}))
	result, err := h.HandleSearchAgents(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "capability is required")
}

func TestHandleSearchAgents_NoResults(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"agentIds": []string{}})
	}))
	defer cleanup()

	result, err := h.HandleSearchAgents(context.Background(), makeRequest(map[string]any{"capability": "poetry"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No agents offer")
}

func TestHandleGetReputation(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/reputation/agent_1", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"reputation": map[string]any{
			"agentId": "agent_1", "avgRating": 4.5, "totalReviews": 2, "trustScore": 90, "tier": "elite",
		}})
	}))
	defer cleanup()

	result, err := h.HandleGetReputation(context.Background(), makeRequest(map[string]any{"agent_id": "agent_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "90/100 (elite)")
	assert.Contains(t, text, "Reviews: 2")
	assert.Contains(t, text, "4.50/5")
}

func TestHandleGetReputation_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "agent not found"})
	}))
	defer cleanup()

	result, err := h.HandleGetReputation(context.Background(), makeRequest(map[string]any{"agent_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "agent not found")
}

func TestHandleSubmitFeedback_RejectsRatingOutOfRange(t *testing.T) {
	h := NewHandlers(NewClient(Config{APIURL: "http://unused"}))
	for _, rating := range []float64{0, 6} {
		result, err := h.HandleSubmitFeedback(context.Background(), makeRequest(map[string]any{
			"agent_id": "agent_1",
			"rating":   rating,
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "between 1 and 5")
	}
}

func TestHandleGetValidationScore(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"validationScore": map[string]any{"agentId": "agent_1", "total": 4, "passed": 3, "score": 75},
			"minConfidence":   70,
			"validated":       true,
		})
	}))
	defer cleanup()

	result, err := h.HandleGetValidationScore(context.Background(), makeRequest(map[string]any{"agent_id": "agent_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Confidence: 75/100")
	assert.Contains(t, text, "Passed: 3 of 4")
	assert.Contains(t, text, "validated")
}

func TestHandlePlaceOrder_Completed(t *testing.T) {
	var got map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orders", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusCreated, map[string]any{"order": map[string]any{
			"id": "ord_1", "capability": "weather", "budget": "2", "status": "completed", "step": "reviewed",
			"seller":       map[string]any{"kind": "seller", "agentId": "agent_s", "name": "Sky"},
			"price":        "1.5",
			"proof":        map[string]any{"paymentId": "pay_1"},
			"settlementTx": "tx_1",
			"feedbackId":   "fb_1",
		}})
	}))
	defer cleanup()

	result, err := h.HandlePlaceOrder(context.Background(), makeRequest(map[string]any{
		"capability": "weather",
		"budget":     "2",
		"settle":     true,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "ord_1: completed")
	assert.Contains(t, text, "Sky (agent_s)")
	assert.Contains(t, text, "Payment: pay_1")
	assert.Contains(t, text, "Settlement: tx_1")

	assert.Equal(t, "agent_buyer", got["buyerAgentId"])
	assert.Equal(t, true, got["settle"])
}

func TestHandlePlaceOrder_FailedOrderShowsReason(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":   "budget_exceeded",
			"message": "no seller within budget",
			"order": map[string]any{
				"id": "ord_2", "capability": "weather", "budget": "0.5", "status": "failed", "step": "created",
				"failure": map[string]any{"step": "selected", "kind": "budget_exceeded", "reason": "no seller within budget"},
			},
		})
	}))
	defer cleanup()

	result, err := h.HandlePlaceOrder(context.Background(), makeRequest(map[string]any{
		"capability": "weather",
		"budget":     "0.5",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "ord_2: failed")
	assert.Contains(t, text, "budget_exceeded")
}

func TestHandlePlaceOrder_MissingBudget(t *testing.T) {
	h := NewHandlers(NewClient(Config{APIURL: "http://unused"}))
	result, err := h.HandlePlaceOrder(context.Background(), makeRequest(map[string]any{"capability": "weather"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "budget is required")
}

func TestHandleGetOrder_NotFound(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "order not found"})
	}))
	defer cleanup()

	result, err := h.HandleGetOrder(context.Background(), makeRequest(map[string]any{"order_id": "ord_x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "order not found")
}

func TestHandleCheckBalance(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ledger/0xbuyer", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"address": "0xbuyer", "available": "3.500000"})
	}))
	defer cleanup()

	result, err := h.HandleCheckBalance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "Available: 3.500000 USDC", resultText(t, result))
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://unused"})
	require.NotNil(t, s)
}

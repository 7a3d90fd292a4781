package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustmesh/internal/chain/chaintest"
	"github.com/mbd888/trustmesh/internal/commerce"
	"github.com/mbd888/trustmesh/internal/config"
	"github.com/mbd888/trustmesh/internal/health"
	"github.com/mbd888/trustmesh/internal/identity"
	"github.com/mbd888/trustmesh/internal/logging"
	"github.com/mbd888/trustmesh/internal/reputation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                      "0",
		Env:                       "development",
		LogLevel:                  "error",
		LogFormat:                 "text",
		IdentityBackend:           "memory",
		SettlementMode:            "ledger",
		ChainID:                   chaintest.ChainID,
		USDCContract:              chaintest.TokenAddress.Hex(),
		ExternalTimeout:           time.Second,
		RetryAttempts:             2,
		RetryBaseDelay:            time.Millisecond,
		ProofMaxAge:               24 * time.Hour,
		AllowedCurrencies:         []string{"USDC"},
		MaxPayment:                "1000000",
		ValidationDuplicatePolicy: "overwrite",
		SnapshotInterval:          time.Hour,
		RateLimitRPM:              100000,
	}
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard()), WithDrainDelay(0)}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.closeResources() })
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func buyerKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, hex.EncodeToString(crypto.FromECDSA(key))
}

func address(key *ecdsa.PrivateKey) string {
	return strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func register(t *testing.T, s *Server, owner, capability, price string) string {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/v1/agents", identity.RegisterRequest{
		Owner:        owner,
		Name:         capability + " agent",
		Capabilities: []string{capability},
		Price:        price,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res identity.CreateAgentResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res.AgentID
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := doJSON(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestLivenessAndReadiness(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := doJSON(t, s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Run() has not been called.
	w = doJSON(t, s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealth_FailingCheckDegrades(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.health.Register(health.Ping("rpc", func(context.Context) error {
		return errors.New("dial tcp: connection refused")
	}))

	w := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded"`)
	assert.Contains(t, w.Body.String(), "connection refused")
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t, testConfig())

	routes := make(map[string]bool)
	for _, r := range s.Router().Routes() {
		routes[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /metrics",
		"GET /ws",
		"GET /v1/info",
		"POST /v1/agents",
		"GET /v1/agents/search",
		"POST /v1/feedback",
		"GET /v1/reputation/:agentId",
		"POST /v1/validations",
		"GET /v1/validation-score/:agentId",
		"POST /v1/payments/verify",
		"GET /v1/payments/:id",
		"POST /v1/orders",
		"POST /v1/orders/:id/resume",
		"GET /v1/ledger/:address",
		"POST /v1/admin/ledger/deposits",
	} {
		assert.True(t, routes[want], "missing route %s", want)
	}
}

func TestProductionHidesAdminRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	s := newTestServer(t, cfg)
	gin.SetMode(gin.TestMode)

	w := doJSON(t, s, http.MethodPost, "/v1/admin/ledger/deposits", map[string]string{"address": "0x1", "amount": "1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t, testConfig())
	w := doJSON(t, s, http.MethodGet, "/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

func TestNew_RejectsBadAgentKey(t *testing.T) {
	cfg := testConfig()
	cfg.AgentKeys = []string{"zz"}
	_, err := New(cfg, WithLogger(logging.Discard()))
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// End-to-end order flow
// ---------------------------------------------------------------------------

func TestOrderFlow_LedgerSettlement(t *testing.T) {
	key, hexKey := buyerKey(t)
	cfg := testConfig()
	cfg.AgentKeys = []string{hexKey}
	s := newTestServer(t, cfg)

	buyer := address(key)
	_, sellerHex := buyerKey(t)
	sellerKey, err := crypto.HexToECDSA(sellerHex)
	require.NoError(t, err)
	seller := address(sellerKey)

	buyerID := register(t, s, buyer, "shopping", "0")
	sellerID := register(t, s, seller, "weather", "1.5")

	w := doJSON(t, s, http.MethodPost, "/v1/admin/ledger/deposits", map[string]string{
		"address": buyer, "amount": "5", "reference": "seed",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, s, http.MethodPost, "/v1/orders", commerce.Request{
		BuyerAgentID: buyerID,
		Capability:   "weather",
		Budget:       "2",
		Settle:       true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var placed struct {
		Order commerce.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &placed))
	order := placed.Order
	assert.Equal(t, commerce.StatusCompleted, order.Status)
	assert.Equal(t, commerce.StepReviewed, order.Step)
	require.NotNil(t, order.Seller)
	assert.Equal(t, sellerID, order.Seller.AgentID)
	assert.NotEmpty(t, order.SettlementTx)

	w = doJSON(t, s, http.MethodGet, "/v1/ledger/"+buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"available":"3.500000"`)

	w = doJSON(t, s, http.MethodGet, "/v1/payments/"+order.PaymentID(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "settled")

	w = doJSON(t, s, http.MethodGet, "/v1/reputation/"+sellerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rep struct {
		Reputation reputation.Summary `json:"reputation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Equal(t, 1, rep.Reputation.TotalReviews)
	assert.Equal(t, 100, rep.Reputation.TrustScore)

	w = doJSON(t, s, http.MethodGet, "/v1/orders/"+order.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOrderFlow_WalletSettlement(t *testing.T) {
	key, hexKey := buyerKey(t)
	cfg := testConfig()
	cfg.PrivateKey = hexKey
	cfg.SettlementMode = "wallet"
	backend := chaintest.New()
	s := newTestServer(t, cfg, WithEthClient(backend))

	buyerAddr := crypto.PubkeyToAddress(key.PublicKey)
	backend.Mint(buyerAddr, big.NewInt(10_000_000))

	_, sellerHex := buyerKey(t)
	sellerKey, err := crypto.HexToECDSA(sellerHex)
	require.NoError(t, err)
	sellerAddr := crypto.PubkeyToAddress(sellerKey.PublicKey)

	buyerID := register(t, s, address(key), "shopping", "0")
	register(t, s, address(sellerKey), "weather", "4")

	w := doJSON(t, s, http.MethodPost, "/v1/orders", commerce.Request{
		BuyerAgentID: buyerID,
		Capability:   "weather",
		Budget:       "5",
		Settle:       true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.Equal(t, big.NewInt(6_000_000), backend.Balance(buyerAddr))
	assert.Equal(t, big.NewInt(4_000_000), backend.Balance(sellerAddr))
}

func TestOrderFlow_UnknownSignerIsRejected(t *testing.T) {
	s := newTestServer(t, testConfig())
	_, k := buyerKey(t)
	other, err := crypto.HexToECDSA(k)
	require.NoError(t, err)
	buyerID := register(t, s, address(other), "shopping", "0")

	w := doJSON(t, s, http.MethodPost, "/v1/orders", commerce.Request{
		BuyerAgentID: buyerID,
		Capability:   "weather",
		Budget:       "1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

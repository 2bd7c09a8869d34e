package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinsub/coinsub/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		Env:            "development",
		LogLevel:       "error",
		LogFormat:      "text",
		PlatformFeePct: 10,
		OrderExpiry:    30 * time.Minute,
		WatchInterval:  15 * time.Second,
		SweepInterval:  30 * time.Second,
		Currencies: []config.CurrencyConfig{
			{Code: "USDT_BEP20", TokenDecimals: 18, Confirmations: 15},
		},
	}
}

func testServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, err := New(testConfig())
	require.NoError(t, err)
	return s
}

func doJSON(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	s := testServer(t)

	w := doJSON(s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run() has started
	w = doJSON(s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	// No tick yet is healthy, not degraded
	w = doJSON(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInfoEndpoint(t *testing.T) {
	s := testServer(t)

	w := doJSON(s, http.MethodGet, "/api", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp["currencies"], "USDT_BEP20")
}

func TestOrderFlowOverHTTP(t *testing.T) {
	s := testServer(t)

	// Admin routes are open without ADMIN_SECRET in development
	w := doJSON(s, http.MethodPost, "/v1/admin/listings", map[string]any{
		"merchantId":   "m1",
		"title":        "Pro plan",
		"fiatCents":    5000,
		"durationDays": 30,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Listing struct {
			ID string `json:"id"`
		} `json:"listing"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.Listing.ID)

	w = doJSON(s, http.MethodPost, "/v1/orders", map[string]any{
		"buyerId":   "b1",
		"listingId": created.Listing.ID,
		"currency":  "USDT_BEP20",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var orderResp struct {
		Order struct {
			ID             string `json:"id"`
			Status         string `json:"status"`
			DepositAddress string `json:"depositAddress"`
			CryptoAmount   string `json:"cryptoAmount"`
		} `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &orderResp))
	assert.Equal(t, "pending_payment", orderResp.Order.Status)
	assert.NotEmpty(t, orderResp.Order.DepositAddress)
	// Fixed 1:1 dev rate: $50.00 -> 50 units
	assert.Equal(t, "50.00000000", orderResp.Order.CryptoAmount)

	w = doJSON(s, http.MethodGet, "/v1/orders/"+orderResp.Order.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(s, http.MethodGet, "/v1/buyers/b1/orders", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(s, http.MethodPost, "/v1/orders/"+orderResp.Order.ID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOrderUnknownListing(t *testing.T) {
	s := testServer(t)

	w := doJSON(s, http.MethodPost, "/v1/orders", map[string]any{
		"buyerId":   "b1",
		"listingId": "lst_missing",
		"currency":  "USDT_BEP20",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAdminSecretEnforced(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = "s3cret"
	gin.SetMode(gin.TestMode)
	s, err := New(cfg)
	require.NoError(t, err)

	body := map[string]any{
		"merchantId":   "m1",
		"title":        "Pro plan",
		"fiatCents":    5000,
		"durationDays": 30,
	}

	w := doJSON(s, http.MethodPost, "/v1/admin/listings", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/listings", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", "s3cret")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	s := testServer(t)

	w := doJSON(s, http.MethodGet, "/api", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRunStartsBackgroundLoops(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	cfg.WatchInterval = time.Hour // keep the poll loop idle for the duration
	cfg.Currencies[0].RPCURL = "http://127.0.0.1:1"

	s, err := New(cfg)
	require.NoError(t, err)
	require.Len(t, s.watchers, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Every background loop must come up, the watcher included.
	require.Eventually(t, func() bool {
		return s.orderTimer.Running() &&
			s.escrowTimer.Running() &&
			s.watchers[0].Running() &&
			s.ready.Load()
	}, 3*time.Second, 10*time.Millisecond, "background loops did not start")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}

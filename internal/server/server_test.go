package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sentinel "github.com/nikillxh/sentinel"
	"github.com/nikillxh/sentinel/pkg/policy"
	"github.com/nikillxh/sentinel/pkg/quote"
	"github.com/nikillxh/sentinel/pkg/types"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	engine, err := policy.NewEngine(policy.Config{
		MaxTradeBps:    200,
		MaxSlippageBps: 50,
		AllowedDexes:   []string{sentinel.DefaultDex},
		AllowedAssets:  []types.Asset{types.AssetUSDC, types.AssetETH},
	})
	require.NoError(t, err)
	kernel := sentinel.New(engine, quote.NewLocalAMM())
	ts := httptest.NewServer(New(kernel).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	// No session yet.
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/session", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, false, body["success"])

	// Open with an explicit deposit.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/session", `{"depositUsdc":"1000"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	// Swap.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/swap",
		`{"tokenIn":"USDC","tokenOut":"ETH","amount":"20"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]interface{})
	decision := data["decision"].(map[string]interface{})
	assert.Equal(t, true, decision["approved"])

	// Close (no settlement backend configured: closed session comes back).
	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/session", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Further swaps conflict.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/swap",
		`{"tokenIn":"USDC","tokenOut":"ETH","amount":"5"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSwapRejectionStatus(t *testing.T) {
	ts := newTestServer(t)
	doJSON(t, http.MethodPost, ts.URL+"/api/session", `{"depositUsdc":"1000"}`)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/swap",
		`{"tokenIn":"USDC","tokenOut":"ETH","amount":"50"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, true, data["rejected"])
}

func TestSimulateEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/simulate",
		`{"tokenIn":"USDC","tokenOut":"ETH","amount":"20"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, true, data["wouldApprove"])
}

func TestPolicyAndStatusEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/policy", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(200), data["maxTradeBps"])
	assert.Contains(t, data["policyHash"], "0x")

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data = body["data"].(map[string]interface{})
	assert.Equal(t, "none", data["status"])
}

func TestAuditEndpoint(t *testing.T) {
	ts := newTestServer(t)
	doJSON(t, http.MethodPost, ts.URL+"/api/session", `{"depositUsdc":"1000"}`)
	doJSON(t, http.MethodPost, ts.URL+"/api/swap",
		`{"tokenIn":"USDC","tokenOut":"ETH","amount":"20"}`)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/audit", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := body["data"].([]interface{})
	assert.NotEmpty(t, entries)
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t)
	doJSON(t, http.MethodPost, ts.URL+"/api/session", `{"depositUsdc":"1000"}`)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/swap",
		`{"tokenIn":"WBTC","tokenOut":"ETH","amount":"20"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/swap",
		`{"tokenIn":"USDC","tokenOut":"ETH","amount":"20","extra":true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORSHeaders(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/status", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

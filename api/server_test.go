package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/config"
	"tradeloop/events"
	"tradeloop/store"
	"tradeloop/stream"
)

func TestMain(m *testing.M) {
	if err := store.Init(":memory:"); err != nil {
		fmt.Fprintln(os.Stderr, "store init:", err)
		os.Exit(1)
	}
	code := m.Run()
	store.Close()
	os.Exit(code)
}

func newTestServer() (*Server, *stream.Supervisor) {
	cfg := &config.Config{WaitRunningSec: 1, LogLevel: "disabled"}
	hub := events.NewHub(zerolog.Nop())
	go hub.Run()
	supervisor := stream.NewSupervisor(cfg, hub, zerolog.Nop())
	return NewServer(supervisor, hub, zerolog.Nop()), supervisor
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Body.String(), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func createPayload(name string) string {
	return fmt.Sprintf(`{
		"name": %q,
		"symbols": ["BTC-USDT"],
		"trading_mode": "VIRTUAL",
		"market_type": "SWAP",
		"initial_capital": 10000,
		"decide_interval_sec": 1,
		"composer": "grid",
		"constraints": {"max_leverage": 2},
		"api_key": "secret-key-material",
		"secret_key": "even-more-secret"
	}`, name)
}

func TestCreateAndGetRedactsCredentials(t *testing.T) {
	srv, sup := newTestServer()
	defer sup.Shutdown()
	h := srv.Handler()

	rec, created := doJSON(t, h, http.MethodPost, "/api/strategies", createPayload("redact test"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id, _ := created["strategy_id"].(string)
	require.NotEmpty(t, id)

	rec, got := doJSON(t, h, http.MethodGet, "/api/strategies/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	cfg, ok := got["config"].(map[string]interface{})
	require.True(t, ok)
	assert.Empty(t, cfg["api_key"])
	assert.Empty(t, cfg["secret_key"])
	// The rest of the config round-trips.
	assert.Equal(t, "redact test", cfg["name"])

	// Nothing in the whole response body leaks the key material.
	assert.NotContains(t, rec.Body.String(), "secret-key-material")
	assert.NotContains(t, rec.Body.String(), "even-more-secret")

	// The persisted row keeps credentials for auto-resume.
	st, err := store.NewStrategyStore().Get(id)
	require.NoError(t, err)
	assert.Equal(t, "secret-key-material", st.Config.APIKey)
}

func TestListRedactsCredentials(t *testing.T) {
	srv, sup := newTestServer()
	defer sup.Shutdown()
	h := srv.Handler()

	rec, _ := doJSON(t, h, http.MethodPost, "/api/strategies", createPayload("list test"))
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/strategies", nil)
	out := httptest.NewRecorder()
	h.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)
	assert.NotContains(t, out.Body.String(), "secret-key-material")
}

func TestCreateRejectsBadRequest(t *testing.T) {
	srv, sup := newTestServer()
	defer sup.Shutdown()
	h := srv.Handler()

	rec, _ := doJSON(t, h, http.MethodPost, "/api/strategies", `{"name":"no symbols"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPost, "/api/strategies", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMissingStrategy(t *testing.T) {
	srv, sup := newTestServer()
	defer sup.Shutdown()
	rec, _ := doJSON(t, srv.Handler(), http.MethodGet, "/api/strategies/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPromptEndpoints(t *testing.T) {
	srv, sup := newTestServer()
	defer sup.Shutdown()
	h := srv.Handler()

	rec, _ := doJSON(t, h, http.MethodPut, "/api/prompts/momentum", `{"content":"ride the trend"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/prompts", nil)
	out := httptest.NewRecorder()
	h.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)
	assert.Contains(t, out.Body.String(), "momentum")

	rec, _ = doJSON(t, h, http.MethodDelete, "/api/prompts/momentum", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPut, "/api/prompts/empty", `{"content":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHoldingCurveRequiresSymbol(t *testing.T) {
	srv, sup := newTestServer()
	defer sup.Shutdown()
	rec, _ := doJSON(t, srv.Handler(), http.MethodGet, "/api/strategies/x/holding_price_curve", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

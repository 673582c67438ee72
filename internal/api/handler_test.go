package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublewordai/waycast/internal/auth"
	"github.com/doublewordai/waycast/internal/config"
	"github.com/doublewordai/waycast/internal/ledger"
	"github.com/doublewordai/waycast/internal/pricing"
	"github.com/doublewordai/waycast/internal/proxy"
	"github.com/doublewordai/waycast/internal/ratelimit"
	"github.com/doublewordai/waycast/internal/router"
	"github.com/doublewordai/waycast/internal/secret"
	"github.com/doublewordai/waycast/internal/translate"
	"github.com/doublewordai/waycast/pkg/gatewayerr"
)

// testGateway wires the full handler set over memory stores. Tests drive
// it through Routes so the auth middleware, capability wrappers, and mux
// patterns see the same traffic shape production does.
type testGateway struct {
	t      *testing.T
	routes http.Handler
	users  *auth.MemoryStore
	deps   *router.MemoryStore
	ledger *ledger.Service
}

// gatewayConfig tweaks the fixture. The zero value gives the reject
// debit policy, an empty price list, default probe exemptions, and no
// metrics route.
type gatewayConfig struct {
	policy       string
	prices       []config.PriceConfig
	probes       config.ProbeConfig
	metricsRoute config.MetricsConfig
	maxBodyBytes int64
}

func newTestGateway(t *testing.T, cfg gatewayConfig) *testGateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	users := auth.NewMemoryStore()
	authenticator, err := auth.NewAuthenticator(auth.AuthenticatorConfig{Store: users, Logger: logger})
	require.NoError(t, err)

	limiter := ratelimit.New(config.RateLimitConfig{
		DefaultRequestsPerSecond: 100,
		DefaultBurstSize:         100,
	}, logger)
	t.Cleanup(limiter.Close)

	engine := proxy.New(config.ProxyConfig{
		ConnectTimeout:   5 * time.Second,
		FirstByteTimeout: 5 * time.Second,
		RequestTimeout:   10 * time.Second,
		MaxResponseBytes: 1 << 20,
	}, secret.NewRegistry(), logger)
	t.Cleanup(engine.Close)

	policy := cfg.policy
	if policy == "" {
		policy = config.DebitReject
	}
	svc := ledger.NewService(ledger.NewMemoryStore(), policy, logger)

	calc := pricing.NewCalculator(pricing.NewStaticSource(cfg.prices), 0, logger)
	require.NoError(t, calc.Refresh(context.Background()))

	deps := router.NewMemoryStore()
	h := NewHandler(HandlerConfig{
		Authenticator: authenticator,
		Limiter:       limiter,
		Router:        router.New(deps, time.Minute, logger),
		Engine:        engine,
		Ledger:        svc,
		Pricing:       calc,
		Logger:        logger,
		MaxBodyBytes:  cfg.maxBodyBytes,
		Probes:        cfg.probes,
		MetricsRoute:  cfg.metricsRoute,
	})

	return &testGateway{t: t, routes: h.Routes(), users: users, deps: deps, ledger: svc}
}

// seedUser creates an active user plus one API key and returns the user
// id and the bearer key. Defaults: standard user with access to gpt-test.
func (g *testGateway) seedUser(mutate func(*auth.User)) (uuid.UUID, string) {
	g.t.Helper()
	u := &auth.User{
		Email:  uuid.NewString() + "@example.com",
		Roles:  []auth.Role{auth.RoleStandardUser},
		Active: true,
		Models: []string{"gpt-test"},
	}
	if mutate != nil {
		mutate(u)
	}
	require.NoError(g.t, g.users.CreateUser(context.Background(), u))

	key, hash, err := auth.GenerateAPIKey()
	require.NoError(g.t, err)
	require.NoError(g.t, g.users.CreateKey(context.Background(), &auth.APIKey{
		UserID: u.ID,
		Hash:   hash,
		Name:   "test key",
		Active: true,
	}))
	return u.ID, key
}

// seedDeployment registers an active gpt-test deployment pointing at
// upstream.
func (g *testGateway) seedDeployment(upstream string, mutate func(*router.Deployment)) *router.Deployment {
	g.t.Helper()
	d := &router.Deployment{
		ID:            uuid.New(),
		Alias:         "gpt-test",
		UpstreamURL:   upstream,
		Kind:          translate.KindOpenAI,
		ModelID:       "gpt-upstream-v2",
		CredentialRef: "sk-live",
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}
	if mutate != nil {
		mutate(d)
	}
	require.NoError(g.t, g.deps.Upsert(context.Background(), d))
	return d
}

func (g *testGateway) grant(user uuid.UUID, amount float64) {
	g.t.Helper()
	_, err := g.ledger.Record(context.Background(), user, ledger.TypeAdminGrant, amount, "test grant")
	require.NoError(g.t, err)
}

func (g *testGateway) balance(user uuid.UUID) float64 {
	g.t.Helper()
	b, err := g.ledger.Balance(context.Background(), user)
	require.NoError(g.t, err)
	return b
}

// do sends one request through the full route table.
func (g *testGateway) do(method, target, key, body string) *httptest.ResponseRecorder {
	g.t.Helper()
	var rd io.Reader = http.NoBody
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	g.routes.ServeHTTP(rec, req)
	return rec
}

// wireError is the envelope every failure path writes.
type wireError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) wireError {
	t.Helper()
	var e wireError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	return e
}

const upstreamChatBody = `{"id":"chatcmpl-1","object":"chat.completion","created":1700000000,` +
	`"model":"gpt-upstream-v2","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},` +
	`"finish_reason":"stop","logprobs":null}],` +
	`"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`

// chatUpstream serves a fixed OpenAI chat completion and counts hits.
func chatUpstream(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(upstreamChatBody))
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func TestHealthz_Unauthenticated(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})

	rec := g.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAuthenticate_RejectsBadCredentials(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})

	tests := []struct {
		name string
		key  string
	}{
		{"missing credentials", ""},
		{"unknown API key", "wk-not-a-real-key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := g.do(http.MethodGet, "/ai/v1/models", tt.key, "")
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, gatewayerr.KindAuthentication, decodeError(t, rec).Error.Type)
		})
	}
}

func TestMetricsRoute_CIDRGate(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{metricsRoute: config.MetricsConfig{
		Enabled:      true,
		AllowedCIDRs: []string{"127.0.0.0/8"},
	}})

	req := httptest.NewRequest(http.MethodGet, "/internal/metrics", http.NoBody)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	g.routes.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "loopback peer may scrape")

	req = httptest.NewRequest(http.MethodGet, "/internal/metrics", http.NoBody)
	req.RemoteAddr = "10.9.8.7:54321"
	rec = httptest.NewRecorder()
	g.routes.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code, "peer outside the allowed CIDRs is refused")
}

func TestMetricsRoute_DisabledByDefault(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})

	rec := g.do(http.MethodGet, "/internal/metrics", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublewordai/waycast/internal/auth"
	"github.com/doublewordai/waycast/internal/config"
	"github.com/doublewordai/waycast/internal/ledger"
	"github.com/doublewordai/waycast/internal/proxy"
	"github.com/doublewordai/waycast/internal/router"
)

func platformManager(u *auth.User) {
	u.Roles = []auth.Role{auth.RolePlatformManager}
}

func TestProbeTest_ReportsHealthAndSkipsLedger(t *testing.T) {
	server, hits := chatUpstream(t)
	g := newTestGateway(t, gatewayConfig{
		prices: []config.PriceConfig{{Model: "gpt-test", PerToken: 0.5}},
	})
	dep := g.seedDeployment(server.URL, nil)
	user, key := g.seedUser(platformManager)
	g.grant(user, 100)

	rec := g.do(http.MethodPost, "/admin/api/v1/probes/test/"+dep.ID.String(), key, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1), hits.Load())

	var result proxy.ProbeResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, dep.ID, result.DeploymentID)
	assert.Equal(t, "gpt-test", result.Alias)
	assert.Equal(t, "ok", result.Status)
	assert.Empty(t, result.Error)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 15, result.Usage.TotalTokens)

	// Priced model, probed anyway: the ledger must not move.
	assert.InDelta(t, 100.0, g.balance(user), 1e-9)
	txs, err := g.ledger.List(context.Background(), user, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, txs, 1, "only the grant")
}

func TestProbeTest_RequiresTestCapability(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})
	dep := g.seedDeployment("http://upstream.internal", nil)
	_, standardKey := g.seedUser(nil)

	rec := g.do(http.MethodPost, "/admin/api/v1/probes/test/"+dep.ID.String(), standardKey, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProbeTest_DeploymentLookup(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})
	_, key := g.seedUser(platformManager)

	rec := g.do(http.MethodPost, "/admin/api/v1/probes/test/"+uuid.NewString(), key, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = g.do(http.MethodPost, "/admin/api/v1/probes/test/not-a-uuid", key, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProbeTest_InactiveDeploymentIsProbeable(t *testing.T) {
	server, _ := chatUpstream(t)
	g := newTestGateway(t, gatewayConfig{})
	dep := g.seedDeployment(server.URL, func(d *router.Deployment) { d.Active = false })
	_, key := g.seedUser(platformManager)

	rec := g.do(http.MethodPost, "/admin/api/v1/probes/test/"+dep.ID.String(), key, "")
	require.Equal(t, http.StatusOK, rec.Code, "operators verify an upstream before activating it")

	var result proxy.ProbeResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, "ok", result.Status)
}

func TestProbeTest_UpstreamFailureIsAReportNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	g := newTestGateway(t, gatewayConfig{})
	dep := g.seedDeployment(server.URL, nil)
	_, key := g.seedUser(platformManager)

	rec := g.do(http.MethodPost, "/admin/api/v1/probes/test/"+dep.ID.String(), key, "")
	require.Equal(t, http.StatusOK, rec.Code, "the probe succeeded even though the target is down")

	var result proxy.ProbeResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, "error", result.Status)
	assert.Contains(t, result.Error, "503")
}

func TestProbeTest_ExemptionsOff(t *testing.T) {
	off := false
	server, _ := chatUpstream(t)
	g := newTestGateway(t, gatewayConfig{probes: config.ProbeConfig{
		ExemptRateLimit:   &off,
		ExemptModelAccess: &off,
	}})
	dep := g.seedDeployment(server.URL, func(d *router.Deployment) {
		d.RequestsPerSecond = 1
		d.BurstSize = 1
	})

	t.Run("model access enforced", func(t *testing.T) {
		_, key := g.seedUser(func(u *auth.User) {
			platformManager(u)
			u.Models = []string{"other-model"}
		})
		rec := g.do(http.MethodPost, "/admin/api/v1/probes/test/"+dep.ID.String(), key, "")
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("admission enforced", func(t *testing.T) {
		_, key := g.seedUser(platformManager)

		first := g.do(http.MethodPost, "/admin/api/v1/probes/test/"+dep.ID.String(), key, "")
		require.Equal(t, http.StatusOK, first.Code, first.Body.String())

		second := g.do(http.MethodPost, "/admin/api/v1/probes/test/"+dep.ID.String(), key, "")
		require.Equal(t, http.StatusTooManyRequests, second.Code)
		assert.NotEmpty(t, second.Header().Get("Retry-After"))
	})
}

func TestProbeTest_ExemptByDefault(t *testing.T) {
	server, hits := chatUpstream(t)
	g := newTestGateway(t, gatewayConfig{})
	dep := g.seedDeployment(server.URL, func(d *router.Deployment) {
		d.RequestsPerSecond = 1
		d.BurstSize = 1
	})
	_, key := g.seedUser(func(u *auth.User) {
		platformManager(u)
		u.Models = []string{"other-model"} // probed alias not in the set
	})

	for i := 0; i < 3; i++ {
		rec := g.do(http.MethodPost, "/admin/api/v1/probes/test/"+dep.ID.String(), key, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	assert.Equal(t, int64(3), hits.Load(),
		"default exemptions let operators probe past limits and access sets")
}

package e2e

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visagelab/visage/internal/healthcheck"
	"github.com/visagelab/visage/tests/testutil"
)

type depsPayload struct {
	Status       string                        `json:"status"`
	Dependencies map[string]healthcheck.Status `json:"dependencies"`
}

func getDeps(t *testing.T, ctx context.Context, tc *testutil.TestClient) (int, depsPayload) {
	t.Helper()

	resp, err := tc.HealthCheck(ctx, "/health/deps")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body depsPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealth_LiveAndReady(t *testing.T) {
	ctx := testContext(t)

	resp, err := testClient.HealthCheck(ctx, "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	testutil.RequireStatusOK(t, resp)
	testutil.AssertJSONResponse(t, resp)

	resp, err = testClient.HealthCheck(ctx, "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	testutil.RequireStatusOK(t, resp)
}

func TestHealth_DepsWithoutProber(t *testing.T) {
	ctx := testContext(t)
	code, body := getDeps(t, ctx, testClient)

	// The shared server runs without a prober; the endpoint stays
	// informational and reports nothing as degraded.
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
	assert.Empty(t, body.Dependencies)
}

func TestHealth_DepsProbing(t *testing.T) {
	mock, srv := newIsolatedServer(t, testutil.WithDependencyProbes())
	tc := testutil.NewTestClient(srv.URL())
	ctx := testContext(t)

	require.Eventually(t, func() bool {
		code, body := getDeps(t, ctx, tc)
		if code != http.StatusOK || body.Status != "ok" {
			return false
		}
		for _, name := range []string{"redis", "blob", "model"} {
			if !body.Dependencies[name].Healthy {
				return false
			}
		}
		return true
	}, 5*time.Second, 50*time.Millisecond, "all dependencies should probe healthy")

	// Take the model host down; only its probe should start failing.
	mock.Close()

	require.Eventually(t, func() bool {
		code, body := getDeps(t, ctx, tc)
		model := body.Dependencies["model"]
		return code == http.StatusServiceUnavailable &&
			body.Status == "degraded" &&
			!model.Healthy &&
			model.ConsecutiveFails >= 1 &&
			body.Dependencies["redis"].Healthy
	}, 5*time.Second, 50*time.Millisecond, "model probe should degrade while redis stays up")
}

func TestHealth_ReadinessFailsWhenKVDown(t *testing.T) {
	_, srv := newIsolatedServer(t)
	tc := testutil.NewTestClient(srv.URL())
	ctx := testContext(t)

	resp, err := tc.HealthCheck(ctx, "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	testutil.RequireStatusOK(t, resp)

	srv.Miniredis().Close()

	resp, err = tc.HealthCheck(ctx, "/health/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	msg := testutil.DecodeErrorEnvelope(t, resp)
	assert.Contains(t, msg, "kv tier")
}

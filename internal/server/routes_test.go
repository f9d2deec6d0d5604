package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/berfenger/autarco2mqtt/internal/core/domain"
	"github.com/berfenger/autarco2mqtt/internal/core/port"
	"github.com/berfenger/autarco2mqtt/internal/util"
	"github.com/berfenger/autarco2mqtt/pkg/autarco"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	snapshot *domain.Snapshot
	status   domain.Status
}

func (s staticSource) Snapshot() (*domain.Snapshot, error) {
	if s.snapshot == nil {
		return nil, domain.ErrNotReady
	}
	return s.snapshot, nil
}

func (s staticSource) Status() domain.Status {
	return s.status
}

func (s staticSource) OnUpdate(port.UpdateSink) func() {
	return func() {}
}

func newTestServer(t *testing.T, healthy bool, source port.SnapshotSource) http.Handler {
	t.Helper()
	as := actor.NewActorSystem()
	t.Cleanup(as.Shutdown)

	master := as.Root.Spawn(actor.PropsFromFunc(func(ctx actor.Context) {
		if _, ok := ctx.Message().(domain.ActorHealthRequest); ok {
			ctx.Respond(domain.ActorHealthResponse{Id: domain.ACTOR_ID_MASTER, Healthy: healthy})
		}
	}))
	return New(util.LoadTestConfig(), as.Root, master, source).RegisterRoutes()
}

func get(handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func readySource() staticSource {
	now := time.Now()
	return staticSource{
		snapshot: &domain.Snapshot{
			Solar:     autarco.Solar{PowerProduction: autarco.Some[int64](1500)},
			FetchedAt: now,
		},
		status: domain.Status{State: domain.StateReady, LastSuccess: now},
	}
}

func TestHealthCheckHandler(t *testing.T) {
	rec := get(newTestServer(t, true, readySource()), "/healthcheck")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "health_check: OK", rec.Body.String())

	rec = get(newTestServer(t, false, readySource()), "/healthcheck")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "health_check: FAIL", rec.Body.String())
}

func TestSnapshotHandler(t *testing.T) {
	rec := get(newTestServer(t, true, readySource()), "/api/snapshot")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Snapshot struct {
			Solar struct {
				PowerProduction *int64 `json:"power_production"`
			} `json:"solar"`
		} `json:"snapshot"`
		Status struct {
			State string `json:"state"`
			Stale bool   `json:"stale"`
		} `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Snapshot.Solar.PowerProduction)
	assert.Equal(t, int64(1500), *body.Snapshot.Solar.PowerProduction)
	assert.Equal(t, "ready", body.Status.State)
	assert.False(t, body.Status.Stale)
}

func TestSnapshotHandlerNotReady(t *testing.T) {
	source := staticSource{status: domain.Status{State: domain.StateFailed, ConsecutiveFailures: 1}}
	rec := get(newTestServer(t, true, source), "/api/snapshot")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotContains(t, body, "snapshot")
	assert.Contains(t, string(body["status"]), `"state":"failed"`)
}

func TestSnapshotHandlerStale(t *testing.T) {
	source := readySource()
	source.status.Stale = true
	rec := get(newTestServer(t, true, source), "/api/snapshot")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stale":true`)
}

func TestMetricsHandler(t *testing.T) {
	rec := get(newTestServer(t, true, readySource()), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "autarco_solar_power_production_watts 1500")
	assert.Contains(t, rec.Body.String(), "autarco_coordinator_ready 1")
}

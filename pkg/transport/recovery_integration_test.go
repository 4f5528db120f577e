package transport

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanfleet/dispatch/pkg/broker"
	"github.com/urbanfleet/dispatch/pkg/config"
	"github.com/urbanfleet/dispatch/pkg/discovery"
	"github.com/urbanfleet/dispatch/pkg/recovery"
	"github.com/urbanfleet/dispatch/pkg/types"
)

// TestRegisterAndHeartbeatOverHTTPFeedRecoveryManager drives registration and
// heartbeats through the real HTTP handlers, the same path the binary wires
// in cmd/dispatchd, and checks that the recovery manager's own Sweep can act
// on what those handlers recorded. A unit test against Manager alone would
// pass even if the transport layer never called Register/Heartbeat at all.
func TestRegisterAndHeartbeatOverHTTPFeedRecoveryManager(t *testing.T) {
	cfg := *config.Default()
	coordinator := broker.New("B1", cfg, discovery.NewStatic(nil), nil, nil, zerolog.Nop())
	mgr := recovery.New(coordinator, 5*time.Millisecond, 2, zerolog.Nop()) // failureGap = 10ms

	server := NewBrokerServer(coordinator, zerolog.Nop())
	server.Recovery = mgr
	h := server.Handler()

	rec := doJSON(t, h, http.MethodPut, "/executors/register/E1", registerBody{
		Endpoint:     "e1.local:9000",
		Capabilities: types.Capabilities{CPU: 2},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPut, "/executors/heartbeat/E1", heartbeatBody{
		Capabilities: types.Capabilities{CPU: 2},
		Clock:        map[string]uint64{"E1": 1},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Sweep immediately after: the heartbeat just recorded is fresh, so the
	// executor must still be healthy.
	mgr.Sweep(context.Background())
	entry, ok := coordinator.Executors.Get("E1")
	require.True(t, ok)
	assert.Equal(t, types.HealthHealthy, entry.Health, "a fresh heartbeat delivered over HTTP must reach the recovery manager's history")

	time.Sleep(20 * time.Millisecond)
	mgr.Sweep(context.Background())

	entry, ok = coordinator.Executors.Get("E1")
	require.True(t, ok)
	assert.Equal(t, types.HealthFailed, entry.Health, "once the handler-fed heartbeat history goes stale past the failure gap, Sweep must declare the executor failed")
}

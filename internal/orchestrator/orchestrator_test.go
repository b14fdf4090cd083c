package orchestrator

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trakbridge/trakbridge/internal/eventbus"
	"github.com/trakbridge/trakbridge/internal/model"
	"github.com/trakbridge/trakbridge/internal/plugin"
	"github.com/trakbridge/trakbridge/internal/queue"
	"github.com/trakbridge/trakbridge/internal/transmit"
)

// recordingConn captures eventbus publishes so tests can observe worker
// lifecycle without reaching into the orchestrator's private handle maps.
type recordingConn struct {
	mu       sync.Mutex
	subjects []string
}

func (c *recordingConn) Publish(subject string, _ []byte) error {
	c.mu.Lock()
	c.subjects = append(c.subjects, subject)
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) has(subject string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subjects {
		if s == subject {
			return true
		}
	}
	return false
}

type idlePlugin struct{}

func (idlePlugin) Name() string              { return "idle" }
func (idlePlugin) Metadata() plugin.Metadata { return plugin.Metadata{} }
func (idlePlugin) ValidateConfig(map[string]any) plugin.ValidationResult {
	return plugin.ValidationResult{OK: true}
}
func (idlePlugin) TestConnection(context.Context, map[string]any) plugin.ConnectionTestResult {
	return plugin.ConnectionTestResult{Success: true}
}
func (idlePlugin) Fetch(context.Context, *http.Client, map[string]any) ([]model.Position, error) {
	return nil, nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *queue.Manager, *recordingConn, context.CancelFunc) {
	t.Helper()
	reg := plugin.NewRegistry()
	reg.Register("idle", func() plugin.Plugin { return idlePlugin{} })

	ctx, cancel := context.WithCancel(context.Background())
	queues := queue.NewManager(queue.DefaultConfig())
	conn := &recordingConn{}
	o := New(ctx, reg, queues, queue.DefaultConfig(), eventbus.New(conn, zap.NewNop()), zap.NewNop())
	return o, queues, conn, cancel
}

func streamCfg(id string, rowVersion int64, destinations ...string) model.StreamConfig {
	return model.StreamConfig{
		ID:                  id,
		PluginType:          "idle",
		PollIntervalSeconds: 3600,
		CotTypeDefault:      "a-f-G",
		CotStaleSeconds:     120,
		Destinations:        destinations,
		Enabled:             true,
		RowVersion:          rowVersion,
	}
}

func serverCfg(id string, rowVersion int64) model.ServerConfig {
	// An unroutable port: the transmission worker stays in its reconnect
	// loop, which is all these tests need.
	return model.ServerConfig{
		ID: id, Host: "127.0.0.1", Port: 1, Protocol: model.ProtocolTCP, RowVersion: rowVersion,
	}
}

func TestReconcile_StartsStreamAndServerWorkers(t *testing.T) {
	o, queues, conn, cancel := newTestOrchestrator(t)
	defer cancel()
	defer o.Shutdown()

	o.Reconcile(DesiredState{
		Streams: []model.StreamConfig{streamCfg("st1", 1, "sv1")},
		Servers: []model.ServerConfig{serverCfg("sv1", 1)},
	})

	_, ok := queues.Config("sv1")
	assert.True(t, ok, "destination queue should exist after reconcile")

	_, running := o.ServerState("sv1")
	assert.True(t, running, "transmission worker should be running")

	assert.True(t, conn.has("SYSTEM_EVENTS.trakbridge.stream.started"))
}

func TestReconcile_RemovedServer_StopsWorkerAndDeletesQueue(t *testing.T) {
	o, queues, _, cancel := newTestOrchestrator(t)
	defer cancel()
	defer o.Shutdown()

	o.Reconcile(DesiredState{Servers: []model.ServerConfig{serverCfg("sv1", 1)}})
	_, ok := queues.Config("sv1")
	require.True(t, ok)

	o.Reconcile(DesiredState{})

	_, ok = queues.Config("sv1")
	assert.False(t, ok, "queue should be deleted with its server")
	_, running := o.ServerState("sv1")
	assert.False(t, running)
}

func TestReconcile_DisabledStream_IsStopped(t *testing.T) {
	o, _, conn, cancel := newTestOrchestrator(t)
	defer cancel()
	defer o.Shutdown()

	s := streamCfg("st1", 1, "sv1")
	o.Reconcile(DesiredState{Streams: []model.StreamConfig{s}, Servers: []model.ServerConfig{serverCfg("sv1", 1)}})

	s.Enabled = false
	s.RowVersion = 2
	o.Reconcile(DesiredState{Streams: []model.StreamConfig{s}, Servers: []model.ServerConfig{serverCfg("sv1", 1)}})

	assert.True(t, conn.has("SYSTEM_EVENTS.trakbridge.stream.stopped"))
}

func TestReconcile_UnknownPluginType_IsolatedFailure(t *testing.T) {
	o, queues, conn, cancel := newTestOrchestrator(t)
	defer cancel()
	defer o.Shutdown()

	bad := streamCfg("st-bad", 1, "sv1")
	bad.PluginType = "no-such-plugin"
	good := streamCfg("st-good", 1, "sv1")

	o.Reconcile(DesiredState{
		Streams: []model.StreamConfig{bad, good},
		Servers: []model.ServerConfig{serverCfg("sv1", 1)},
	})

	assert.True(t, conn.has("SYSTEM_EVENTS.trakbridge.stream.failed"))
	assert.True(t, conn.has("SYSTEM_EVENTS.trakbridge.stream.started"),
		"the healthy stream starts even though its sibling failed")
	_, ok := queues.Config("sv1")
	assert.True(t, ok)
}

func TestReconcile_ModifiedServer_FlushesWithHardReset(t *testing.T) {
	o, queues, _, cancel := newTestOrchestrator(t)
	defer cancel()
	defer o.Shutdown()

	o.Reconcile(DesiredState{Servers: []model.ServerConfig{serverCfg("sv1", 1)}})

	t0 := time.Now().UTC()
	require.True(t, queues.EnqueueWithReplacement(context.Background(), []queue.Event{
		{Entry: model.QueueEntry{UID: "d1", EventTime: t0, XML: []byte("<event/>")}},
	}, "sv1"))

	o.Reconcile(DesiredState{Servers: []model.ServerConfig{serverCfg("sv1", 2)}})

	assert.Equal(t, 0, queues.Stats("sv1").Size, "buffered events are flushed on a server change")
	// Hard reset: the tracker forgot d1, so the same timestamp is accepted.
	require.True(t, queues.EnqueueWithReplacement(context.Background(), []queue.Event{
		{Entry: model.QueueEntry{UID: "d1", EventTime: t0, XML: []byte("<event/>")}},
	}, "sv1"))
	assert.Equal(t, 1, queues.Stats("sv1").Size)
}

func TestRequestReconcile_CoalescesIntoOneTrailingRun(t *testing.T) {
	o, queues, _, cancel := newTestOrchestrator(t)
	defer cancel()
	defer o.Shutdown()

	// Two rapid requests: only the second's desired state should win.
	o.RequestReconcile(DesiredState{Servers: []model.ServerConfig{serverCfg("sv1", 1)}})
	o.RequestReconcile(DesiredState{Servers: []model.ServerConfig{serverCfg("sv2", 1)}})

	require.Eventually(t, func() bool {
		_, ok := queues.Config("sv2")
		return ok
	}, 5*time.Second, 50*time.Millisecond)

	_, ok := queues.Config("sv1")
	assert.False(t, ok, "the superseded desired state is never applied")
}

func TestShutdown_StopsEverything(t *testing.T) {
	o, _, _, cancel := newTestOrchestrator(t)

	o.Reconcile(DesiredState{
		Streams: []model.StreamConfig{streamCfg("st1", 1, "sv1")},
		Servers: []model.ServerConfig{serverCfg("sv1", 1)},
	})

	cancel()
	o.Shutdown()

	_, running := o.ServerState("sv1")
	assert.False(t, running)
}

func TestServerState_ReportsWorkerState(t *testing.T) {
	o, _, _, cancel := newTestOrchestrator(t)
	defer cancel()
	defer o.Shutdown()

	o.Reconcile(DesiredState{Servers: []model.ServerConfig{serverCfg("sv1", 1)}})

	state, ok := o.ServerState("sv1")
	require.True(t, ok)
	assert.Contains(t, []transmit.State{transmit.Disconnected, transmit.Connecting, transmit.Connected}, state)

	_, ok = o.ServerState("nope")
	assert.False(t, ok)
}

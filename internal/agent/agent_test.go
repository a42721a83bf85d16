package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pve-agent/internal/config"
	"pve-agent/internal/dispatch"
	"pve-agent/internal/entity"
	"pve-agent/internal/model"
	"pve-agent/internal/proxmox/proxmoxtest"
	"pve-agent/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu        sync.Mutex
	snapshots []stream.SnapshotFrame
	commands  []stream.CommandFrame
}

func (s *recordingSink) SendSnapshot(_ context.Context, f stream.SnapshotFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, f)
	return nil
}

func (s *recordingSink) SendCommandResult(_ context.Context, f stream.CommandFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, f)
	return nil
}

func (s *recordingSink) Close(context.Context) error { return nil }

func (s *recordingSink) frames() ([]stream.SnapshotFrame, []stream.CommandFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.SnapshotFrame(nil), s.snapshots...), append([]stream.CommandFrame(nil), s.commands...)
}

// fakeCluster serves one node, pve1, and VM 100 while withVM is set. When
// gate is set, the container listing signals entered and waits for gate.
type fakeCluster struct {
	*proxmoxtest.Cluster
	withVM    atomic.Bool
	failNodes atomic.Bool
	gate      chan struct{}
	entered   chan struct{}
}

func newFakeCluster(t *testing.T) *fakeCluster {
	t.Helper()
	f := &fakeCluster{Cluster: proxmoxtest.New(t)}
	f.withVM.Store(true)
	f.JSON("GET /version", map[string]any{"version": "8.2.4", "release": "8.2"})
	f.Handle("GET /nodes", func(w http.ResponseWriter, _ *http.Request) {
		if f.failNodes.Load() {
			proxmoxtest.WriteError(w, http.StatusInternalServerError, "pveproxy busy")
			return
		}
		proxmoxtest.WriteData(w, http.StatusOK, []map[string]any{
			{"node": "pve1", "status": "online", "cpu": 0.1, "mem": 1 << 30, "maxmem": 8 << 30},
		})
	})
	f.Handle("GET /nodes/{node}/qemu", func(w http.ResponseWriter, _ *http.Request) {
		guests := []map[string]any{}
		if f.withVM.Load() {
			guests = append(guests, map[string]any{"vmid": 100, "name": "web", "status": "running"})
		}
		proxmoxtest.WriteData(w, http.StatusOK, guests)
	})
	f.Handle("GET /nodes/{node}/lxc", func(w http.ResponseWriter, _ *http.Request) {
		if f.gate != nil {
			f.entered <- struct{}{}
			<-f.gate
		}
		proxmoxtest.WriteData(w, http.StatusOK, []any{})
	})
	f.JSON("GET /nodes/{node}/storage", []any{})
	f.JSON("GET /nodes/{node}/qemu/{vmid}/agent/network-get-interfaces", map[string]any{"result": []any{}})
	return f
}

func testConfig(cluster model.ClusterConfig) config.Config {
	return config.Config{
		Cluster:               cluster,
		ClusterID:             "home",
		UpdateInterval:        time.Hour,
		RequestTimeout:        5 * time.Second,
		FetchConcurrency:      2,
		CollectorErrorBackoff: 0,
		CommandRetention:      time.Minute,
		SweepInterval:         time.Hour,
		HealthInterval:        time.Hour,
		ProbeListenAddr:       "127.0.0.1:0",
		ShutdownTimeout:       5 * time.Second,
		AgentVersion:          "test",
		StreamMode:            config.StreamModeNone,
	}
}

func newTestCoordinator(t *testing.T, f *fakeCluster) (*Coordinator, *recordingSink, *entity.LogRegistry) {
	t.Helper()
	sink := &recordingSink{}
	registry := entity.NewLogRegistry(testLogger())
	c, err := New(testConfig(f.Config()), testLogger(), WithSink(sink), WithRegistry(registry))
	require.NoError(t, err)
	return c, sink, registry
}

func TestPollOnce_PublishesAndRemoves(t *testing.T) {
	f := newFakeCluster(t)
	c, sink, registry := newTestCoordinator(t, f)
	assert.Nil(t, c.Snapshot())

	require.NoError(t, c.PollOnce(context.Background()))
	snap := c.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(1), snap.Sequence)
	assert.ElementsMatch(t, []string{"pve1", "100"}, snap.IDs())
	assert.Len(t, registry.Entities(), 8+12)

	f.withVM.Store(false)
	require.NoError(t, c.PollOnce(context.Background()))
	snap = c.Snapshot()
	assert.Equal(t, uint64(2), snap.Sequence)
	assert.Equal(t, []string{"pve1"}, snap.IDs())
	assert.Len(t, registry.Entities(), 8)
	assert.Equal(t, []string{"pve1"}, c.Binder().Registered())

	frames, _ := sink.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, model.SyncModeFull, frames[0].SyncMode)
	assert.Equal(t, []string{"100"}, frames[1].RemovedIDs)

	m := c.Metrics()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.snapshotSequence))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.pollTotal.WithLabelValues("success")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.resources.WithLabelValues("qemu")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.resources.WithLabelValues("node")))
}

func TestPollOnce_FailureKeepsSnapshot(t *testing.T) {
	f := newFakeCluster(t)
	c, sink, _ := newTestCoordinator(t, f)
	require.NoError(t, c.PollOnce(context.Background()))
	before := c.Snapshot()

	f.failNodes.Store(true)
	err := c.PollOnce(context.Background())
	require.Error(t, err)
	assert.Same(t, before, c.Snapshot())
	assert.Equal(t, uint64(1), c.Snapshot().Sequence)
	assert.Equal(t, int64(1), c.Health().ConsecutiveFailures())
	assert.False(t, c.Health().Healthy())

	require.Error(t, c.PollOnce(context.Background()))
	assert.Equal(t, int64(2), c.Health().ConsecutiveFailures())
	assert.Equal(t, float64(2), testutil.ToFloat64(c.Metrics().consecutiveFailures))

	frames, _ := sink.frames()
	assert.Len(t, frames, 1, "failed polls publish nothing")

	f.failNodes.Store(false)
	require.NoError(t, c.PollOnce(context.Background()))
	assert.Equal(t, uint64(2), c.Snapshot().Sequence)
	assert.True(t, c.Health().Healthy())
}

func TestPollOnce_SingleFlight(t *testing.T) {
	f := newFakeCluster(t)
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 1)
	c, _, _ := newTestCoordinator(t, f)

	errCh := make(chan error, 1)
	go func() { errCh <- c.PollOnce(context.Background()) }()
	<-f.entered

	err := c.PollOnce(context.Background())
	assert.ErrorIs(t, err, ErrPollInProgress)
	assert.Equal(t, PhaseFetching, c.Health().Phase())

	close(f.gate)
	require.NoError(t, <-errCh)
	assert.Equal(t, uint64(1), c.Snapshot().Sequence)
	assert.Equal(t, PhaseIdle, c.Health().Phase())
}

func TestPollOnce_CancelMidFetchKeepsSnapshot(t *testing.T) {
	f := newFakeCluster(t)
	c, sink, _ := newTestCoordinator(t, f)
	require.NoError(t, c.PollOnce(context.Background()))
	before := c.Snapshot()

	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 1)
	defer close(f.gate)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.PollOnce(ctx) }()
	<-f.entered
	assert.Equal(t, PhaseFetching, c.Health().Phase())
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Same(t, before, c.Snapshot())
	assert.Equal(t, uint64(1), c.Snapshot().Sequence)
	assert.Equal(t, PhaseIdle, c.Health().Phase())

	frames, _ := sink.frames()
	assert.Len(t, frames, 1)
}

func TestInvoke_PublishesResult(t *testing.T) {
	f := newFakeCluster(t)
	f.JSON("POST /nodes/{node}/qemu/{vmid}/status/shutdown", "UPID:pve1:0001:shutdown")
	c, sink, _ := newTestCoordinator(t, f)

	_, err := c.Invoke(context.Background(), "100", model.ActionShutdown)
	require.ErrorIs(t, err, dispatch.ErrNotFound, "no snapshot yet")

	require.NoError(t, c.PollOnce(context.Background()))
	cmd, err := c.Invoke(context.Background(), "100", model.ActionShutdown)
	require.NoError(t, err)
	assert.Equal(t, model.CommandSucceeded, cmd.State)
	assert.Equal(t, "UPID:pve1:0001:shutdown", cmd.TaskID)

	_, commands := sink.frames()
	require.Len(t, commands, 1)
	assert.Equal(t, "100", commands[0].Command.ResourceID)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.Metrics().commandsTotal.WithLabelValues("shutdown", "succeeded")))
	assert.Equal(t, 1, f.Requests(http.MethodPost, "/nodes/pve1/qemu/100/status/shutdown"))
}

func TestSetup_ClassifiesFailures(t *testing.T) {
	f := newFakeCluster(t)

	c, _, _ := newTestCoordinator(t, f)
	require.NoError(t, c.Setup(context.Background()))
	assert.Equal(t, "8.2.4", c.Version().PVEVersion)

	bad := f.Config()
	bad.Password = "wrong"
	c, err := New(testConfig(bad), testLogger(), WithSink(stream.NopSink{}))
	require.NoError(t, err)
	err = c.Setup(context.Background())
	var setupErr *SetupError
	require.True(t, errors.As(err, &setupErr))
	assert.Equal(t, SetupInvalidAuth, setupErr.Reason)

	unreachable := f.Config()
	unreachable.Port = 1
	c, err = New(testConfig(unreachable), testLogger(), WithSink(stream.NopSink{}))
	require.NoError(t, err)
	err = c.Setup(context.Background())
	require.True(t, errors.As(err, &setupErr))
	assert.Equal(t, SetupCannotConnect, setupErr.Reason)
}

func TestStartStop(t *testing.T) {
	f := newFakeCluster(t)
	c, _, _ := newTestCoordinator(t, f)

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), errAlreadyStarted)
	require.Eventually(t, func() bool { return c.Snapshot() != nil }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))

	assert.Equal(t, uint64(1), c.Snapshot().Sequence, "last snapshot stays readable")
	_, err := c.Invoke(context.Background(), "100", model.ActionStart)
	assert.ErrorIs(t, err, dispatch.ErrClosed)
}

func TestStart_SetupFailure(t *testing.T) {
	f := newFakeCluster(t)
	cfg := f.Config()
	cfg.Password = "wrong"
	c, err := New(testConfig(cfg), testLogger(), WithSink(stream.NopSink{}))
	require.NoError(t, err)

	err = c.Start(context.Background())
	var setupErr *SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, SetupInvalidAuth, setupErr.Reason)
	assert.Nil(t, c.Snapshot())
}

func TestBuildLogger(t *testing.T) {
	l := BuildLogger(config.Config{LogLevel: "debug"})
	assert.True(t, l.Enabled(context.Background(), slog.LevelDebug))
	l = BuildLogger(config.Config{LogLevel: "warn", LogJSON: true})
	assert.False(t, l.Enabled(context.Background(), slog.LevelInfo))
	_, isJSON := l.Handler().(*slog.JSONHandler)
	assert.True(t, isJSON)
}

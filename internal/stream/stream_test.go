package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"nhooyr.io/websocket"

	"pve-agent/internal/config"
	"pve-agent/internal/model"
	"pve-agent/internal/reconcile"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu        sync.Mutex
	snapshots []SnapshotFrame
	commands  []CommandFrame
	fail      error
}

func (s *recordingSink) SendSnapshot(_ context.Context, f SnapshotFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.snapshots = append(s.snapshots, f)
	return nil
}

func (s *recordingSink) SendCommandResult(_ context.Context, f CommandFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, f)
	return s.fail
}

func (s *recordingSink) Close(context.Context) error { return nil }

func inventory() []model.ResourceRecord {
	return []model.ResourceRecord{
		{ID: "pve1", Kind: model.KindNode, Status: model.StatusOnline},
		{ID: "100", Kind: model.KindQemu, ParentNode: "pve1", Status: model.StatusRunning},
	}
}

func TestPublisher_FullThenDelta(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink, "home", testLogger())

	snap1, d1 := reconcile.Reconcile(nil, inventory(), time.Now())
	require.NoError(t, p.Publish(context.Background(), snap1, d1))

	snap2, d2 := reconcile.Reconcile(snap1, inventory()[:1], time.Now())
	require.NoError(t, p.Publish(context.Background(), snap2, d2))

	snap3, d3 := reconcile.Reconcile(snap2, inventory()[:1], time.Now())
	require.NoError(t, p.Publish(context.Background(), snap3, d3), "empty diff sends nothing")

	require.Len(t, sink.snapshots, 2)
	assert.Equal(t, model.SyncModeFull, sink.snapshots[0].SyncMode)
	assert.Len(t, sink.snapshots[0].Upserts, 2)
	assert.Equal(t, uint64(1), sink.snapshots[0].Sequence)

	assert.Equal(t, model.SyncModeDelta, sink.snapshots[1].SyncMode)
	assert.Empty(t, sink.snapshots[1].Upserts)
	assert.Equal(t, []string{"100"}, sink.snapshots[1].RemovedIDs)
}

func TestPublisher_FailureForcesFullSync(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink, "home", testLogger())
	var results []error
	p.OnResult(func(err error) { results = append(results, err) })

	snap1, d1 := reconcile.Reconcile(nil, inventory(), time.Now())
	require.NoError(t, p.Publish(context.Background(), snap1, d1))

	sink.fail = errors.New("backend down")
	changed := inventory()
	changed[1].Status = model.StatusStopped
	snap2, d2 := reconcile.Reconcile(snap1, changed, time.Now())
	require.Error(t, p.Publish(context.Background(), snap2, d2))

	sink.fail = nil
	snap3, d3 := reconcile.Reconcile(snap2, changed, time.Now())
	require.NoError(t, p.Publish(context.Background(), snap3, d3))

	require.Len(t, sink.snapshots, 2)
	assert.Equal(t, model.SyncModeFull, sink.snapshots[1].SyncMode)
	assert.Equal(t, uint64(3), sink.snapshots[1].Sequence)
	require.Len(t, results, 3)
	assert.Error(t, results[1])
}

func TestPublisher_Command(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink, "home", testLogger())
	done := time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)
	require.NoError(t, p.PublishCommand(context.Background(), model.PendingCommand{
		ResourceID: "100", Action: model.ActionShutdown, State: model.CommandSucceeded, CompletedAt: done,
	}))
	require.Len(t, sink.commands, 1)
	assert.Equal(t, done.Unix(), sink.commands[0].TimestampUnix)
	assert.Equal(t, "home", sink.commands[0].Cluster)
}

func TestWebSocketClient_SendsEnvelopes(t *testing.T) {
	received := make(chan model.Envelope, 4)
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var env model.Envelope
			if json.Unmarshal(data, &env) == nil {
				received <- env
			}
		}
	}))
	defer srv.Close()

	c := NewWebSocketClient("ws"+strings.TrimPrefix(srv.URL, "http"), "tok", nil, time.Second, time.Minute, testLogger())
	defer c.Close(context.Background())

	snap, d := reconcile.Reconcile(nil, inventory(), time.Now())
	require.NoError(t, c.SendSnapshot(context.Background(), NewSnapshotFrame("home", snap, d, true)))
	require.NoError(t, c.SendCommandResult(context.Background(), NewCommandFrame("home", model.PendingCommand{ResourceID: "100"})))

	first := <-received
	assert.Equal(t, model.FrameTypeSnapshot, first.Type)
	assert.Equal(t, "home", first.Cluster)
	payload := first.Payload.(map[string]any)
	assert.Equal(t, model.SyncModeFull, payload["sync_mode"])
	assert.Len(t, payload["upserts"], 2)

	second := <-received
	assert.Equal(t, model.FrameTypeCommand, second.Type)
	assert.Equal(t, "Bearer tok", auth)
}

func TestWebSocketClient_PingsAreAnswered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := NewWebSocketClient("ws"+strings.TrimPrefix(srv.URL, "http"), "", nil, time.Second, 20*time.Millisecond, testLogger())
	defer c.Close(context.Background())

	require.NoError(t, c.SendCommandResult(context.Background(), NewCommandFrame("home", model.PendingCommand{ResourceID: "100"})))
	require.Eventually(t, func() bool { return c.pongs.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestGRPCClient_SendsOnClientStreams(t *testing.T) {
	type call struct {
		method string
		frame  map[string]any
		auth   []string
	}
	calls := make(chan call, 4)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, ss grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(ss)
		md, _ := metadata.FromIncomingContext(ss.Context())
		for {
			var frame map[string]any
			if err := ss.RecvMsg(&frame); err != nil {
				return nil
			}
			calls <- call{method: method, frame: frame, auth: md.Get("authorization")}
		}
	}))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	defer srv.Stop()

	c := NewGRPCClient(ln.Addr().String(), nil, "tok", "/pve.v1.Inventory/Snapshots", "/pve.v1.Inventory/Commands", testLogger())
	defer c.Close(context.Background())

	snap, d := reconcile.Reconcile(nil, inventory(), time.Now())
	require.NoError(t, c.SendSnapshot(context.Background(), NewSnapshotFrame("home", snap, d, true)))
	require.NoError(t, c.SendCommandResult(context.Background(), NewCommandFrame("home", model.PendingCommand{ResourceID: "100"})))

	got := map[string]call{}
	for i := 0; i < 2; i++ {
		select {
		case c := <-calls:
			got[c.method] = c
		case <-time.After(5 * time.Second):
			t.Fatal("frame not received")
		}
	}
	assert.Equal(t, float64(1), got["/pve.v1.Inventory/Snapshots"].frame["sequence"])
	assert.Equal(t, []string{"Bearer tok"}, got["/pve.v1.Inventory/Snapshots"].auth)
	assert.Equal(t, "home", got["/pve.v1.Inventory/Commands"].frame["cluster"])
}

func TestNewSinkFromConfig(t *testing.T) {
	sink, err := NewSinkFromConfig(config.Config{StreamMode: config.StreamModeNone}, nil, testLogger())
	require.NoError(t, err)
	assert.IsType(t, NopSink{}, sink)

	sink, err = NewSinkFromConfig(config.Config{StreamMode: config.StreamModeWebSocket, BackendWSURL: "ws://x"}, nil, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &WebSocketClient{}, sink)

	_, err = NewSinkFromConfig(config.Config{StreamMode: "kafka"}, nil, testLogger())
	assert.Error(t, err)
}

package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tickstream/codec"
	"github.com/c360/tickstream/config"
	"github.com/c360/tickstream/errors"
	"github.com/c360/tickstream/market"
	"github.com/c360/tickstream/pkg/buffer"
	"github.com/c360/tickstream/publisher"
	"github.com/c360/tickstream/registry"
	"github.com/c360/tickstream/subindex"
)

// fakeTransport records delivered frames for command-routing tests.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed atomic.Bool
}

func (f *fakeTransport) WriteText(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeTransport) WriteBinary(data []byte) error { return f.WriteText(data) }
func (f *fakeTransport) Ping() error                   { return nil }
func (f *fakeTransport) Close() error                  { f.closed.Store(true); return nil }
func (f *fakeTransport) RemoteAddr() string            { return "127.0.0.1:9999" }

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) frameAt(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[i]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// waitFrame blocks until the transport holds at least n frames and
// decodes the nth one.
func waitFrame(t *testing.T, ft *fakeTransport, n int) codec.Frame {
	t.Helper()
	waitFor(t, func() bool { return ft.frameCount() >= n }, "frame not delivered")
	var f codec.Frame
	require.NoError(t, json.Unmarshal(ft.frameAt(n-1), &f))
	return f
}

func newTestSupervisor(t *testing.T, perConnCap int) (*Supervisor, *registry.Registry, *subindex.Index) {
	t.Helper()

	idx := subindex.New(perConnCap, 1000)
	reg := registry.New(registry.Options{
		QueueCapacity:  64,
		OverflowPolicy: buffer.Reject,
		OnCleanup:      func(connID string) int { return idx.Cleanup(connID) },
	})

	cfg := config.Default()
	s := New(Options{
		Server:   cfg.Server,
		Limits:   cfg.Limits,
		Registry: reg,
		Index:    idx,
		Codec:    codec.New(nil, cfg.Server.CompressionThreshold),
	})
	require.NoError(t, s.Initialize())
	t.Cleanup(func() { reg.Shutdown(registry.ReasonServerClose) })
	return s, reg, idx
}

func activeConn(t *testing.T, reg *registry.Registry) (*registry.Connection, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	conn, err := reg.Register(ft)
	require.NoError(t, err)
	require.True(t, conn.Activate())
	return conn, ft
}

func TestSupervisor_Subscribe(t *testing.T) {
	s, reg, idx := newTestSupervisor(t, 10)
	conn, ft := activeConn(t, reg)

	err := s.processInbound(context.Background(),
		inbound{connID: conn.ID, raw: []byte(`{"type":"subscribe","instrument":"AAPL","kind":"quote"}`)})
	require.NoError(t, err)

	ack := waitFrame(t, ft, 1)
	assert.Equal(t, codec.FrameAck, ack.Type)
	assert.Equal(t, "ok", ack.Status)
	assert.NotEmpty(t, ack.SubscriptionID)
	assert.Equal(t, 1, idx.Count(conn.ID))
}

func TestSupervisor_SubscribeDuplicateReturnsSameID(t *testing.T) {
	s, reg, idx := newTestSupervisor(t, 10)
	conn, ft := activeConn(t, reg)

	cmd := inbound{connID: conn.ID, raw: []byte(`{"type":"subscribe","instrument":"AAPL","kind":"quote"}`)}
	require.NoError(t, s.processInbound(context.Background(), cmd))
	require.NoError(t, s.processInbound(context.Background(), cmd))

	first := waitFrame(t, ft, 1)
	second := waitFrame(t, ft, 2)
	assert.Equal(t, first.SubscriptionID, second.SubscriptionID)
	assert.Equal(t, 1, idx.Count(conn.ID))
}

func TestSupervisor_SubscribeInvalidKind(t *testing.T) {
	s, reg, idx := newTestSupervisor(t, 10)
	conn, ft := activeConn(t, reg)

	err := s.processInbound(context.Background(),
		inbound{connID: conn.ID, raw: []byte(`{"type":"subscribe","instrument":"AAPL","kind":"candles"}`)})
	require.Error(t, err)

	reply := waitFrame(t, ft, 1)
	assert.Equal(t, codec.FrameError, reply.Type)
	assert.Equal(t, errors.CodeInvalidKind, reply.Code)
	assert.Equal(t, 0, idx.Count(conn.ID))
}

func TestSupervisor_SubscriptionCapRejected(t *testing.T) {
	s, reg, _ := newTestSupervisor(t, 1)
	conn, ft := activeConn(t, reg)

	require.NoError(t, s.processInbound(context.Background(),
		inbound{connID: conn.ID, raw: []byte(`{"type":"subscribe","instrument":"AAPL","kind":"quote"}`)}))
	err := s.processInbound(context.Background(),
		inbound{connID: conn.ID, raw: []byte(`{"type":"subscribe","instrument":"MSFT","kind":"quote"}`)})
	require.Error(t, err)

	reply := waitFrame(t, ft, 2)
	assert.Equal(t, codec.FrameAck, reply.Type)
	assert.Equal(t, "error", reply.Status)
	assert.Equal(t, errors.CodeLimitExceeded, reply.Code)
}

func TestSupervisor_Unsubscribe(t *testing.T) {
	s, reg, idx := newTestSupervisor(t, 10)
	conn, ft := activeConn(t, reg)

	require.NoError(t, s.processInbound(context.Background(),
		inbound{connID: conn.ID, raw: []byte(`{"type":"subscribe","instrument":"AAPL","kind":"trade"}`)}))
	ack := waitFrame(t, ft, 1)

	raw := `{"type":"unsubscribe","subscription_id":"` + ack.SubscriptionID + `"}`
	require.NoError(t, s.processInbound(context.Background(),
		inbound{connID: conn.ID, raw: []byte(raw)}))

	reply := waitFrame(t, ft, 2)
	assert.Equal(t, codec.FrameAck, reply.Type)
	assert.Equal(t, "ok", reply.Status)
	assert.Equal(t, ack.SubscriptionID, reply.SubscriptionID)
	assert.Equal(t, 0, idx.Count(conn.ID))
}

func TestSupervisor_UnsubscribeUnknown(t *testing.T) {
	s, reg, _ := newTestSupervisor(t, 10)
	conn, ft := activeConn(t, reg)

	err := s.processInbound(context.Background(),
		inbound{connID: conn.ID, raw: []byte(`{"type":"unsubscribe","subscription_id":"nope"}`)})
	require.Error(t, err)

	reply := waitFrame(t, ft, 1)
	assert.Equal(t, codec.FrameAck, reply.Type)
	assert.Equal(t, "error", reply.Status)
	assert.Equal(t, errors.CodeUnknownSub, reply.Code)
}

func TestSupervisor_MalformedFrameKeepsConnection(t *testing.T) {
	s, reg, _ := newTestSupervisor(t, 10)
	conn, ft := activeConn(t, reg)

	err := s.processInbound(context.Background(),
		inbound{connID: conn.ID, raw: []byte(`{not json`)})
	require.Error(t, err)

	reply := waitFrame(t, ft, 1)
	assert.Equal(t, codec.FrameError, reply.Type)
	assert.Equal(t, errors.CodeMalformedFrame, reply.Code)
	assert.True(t, reg.Alive(conn.ID))
}

func TestSupervisor_PingPong(t *testing.T) {
	s, reg, _ := newTestSupervisor(t, 10)
	conn, ft := activeConn(t, reg)

	require.NoError(t, s.processInbound(context.Background(),
		inbound{connID: conn.ID, raw: []byte(`{"type":"ping"}`)}))

	reply := waitFrame(t, ft, 1)
	assert.Equal(t, codec.FramePong, reply.Type)
}

func TestSupervisor_StatsCommand(t *testing.T) {
	s, reg, _ := newTestSupervisor(t, 10)
	conn, ft := activeConn(t, reg)

	require.NoError(t, s.processInbound(context.Background(),
		inbound{connID: conn.ID, raw: []byte(`{"type":"subscribe","instrument":"AAPL","kind":"quote"}`)}))
	waitFrame(t, ft, 1)

	require.NoError(t, s.processInbound(context.Background(),
		inbound{connID: conn.ID, raw: []byte(`{"type":"stats"}`)}))

	reply := waitFrame(t, ft, 2)
	require.Equal(t, codec.FrameStats, reply.Type)

	var snap StatsSnapshot
	require.NoError(t, json.Unmarshal(reply.Payload, &snap))
	assert.Equal(t, 1, snap.Connections)
	assert.Equal(t, 1, snap.Subscriptions)
	assert.Equal(t, 1, snap.Streams)
}

func TestSupervisor_ThroughputRates(t *testing.T) {
	s, reg, idx := newTestSupervisor(t, 10)
	conn, _ := activeConn(t, reg)

	pub := publisher.New(idx, reg, codec.New(nil, 0), publisher.Options{
		FlushInterval: time.Hour,
	})
	s.opts.Publisher = pub

	_, err := idx.Subscribe(conn.ID,
		market.StreamKey{InstrumentID: "AAPL", Kind: market.KindTrade}, 0)
	require.NoError(t, err)

	base := time.Now()
	s.updateRates(base)

	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, pub.Ingest(&market.Event{
			InstrumentID: "AAPL",
			Kind:         market.KindTrade,
			Sequence:     i,
			Timestamp:    time.Now().UTC(),
			Payload:      json.RawMessage(`{"price":100}`),
		}))
	}
	pub.Flush()
	s.updateRates(base.Add(2 * time.Second))

	snap := s.Snapshot()
	assert.InDelta(t, 2.0, snap.MessagesPerSecond, 0.001, "4 frames over 2 seconds")
	assert.GreaterOrEqual(t, snap.AvgPublishLatencyMs, 0.0)

	// A quiet interval decays the rate back to zero.
	s.updateRates(base.Add(4 * time.Second))
	assert.Zero(t, s.Snapshot().MessagesPerSecond)
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestSupervisor_WebSocketSession(t *testing.T) {
	s, reg, idx := newTestSupervisor(t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.pool.Start(ctx))
	defer s.pool.Stop(time.Second)

	ts := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"subscribe","instrument":"AAPL","kind":"quote"}`)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var ack codec.Frame
	require.NoError(t, json.Unmarshal(data, &ack))
	assert.Equal(t, codec.FrameAck, ack.Type)
	assert.Equal(t, "ok", ack.Status)
	assert.NotEmpty(t, ack.SubscriptionID)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	_, data, err = ws.ReadMessage()
	require.NoError(t, err)
	var pong codec.Frame
	require.NoError(t, json.Unmarshal(data, &pong))
	assert.Equal(t, codec.FramePong, pong.Type)

	assert.Equal(t, 1, reg.Len())

	// A clean client close tears down the session and its subscriptions.
	ws.Close()
	waitFor(t, func() bool { return reg.Len() == 0 }, "connection not deregistered after close")
	waitFor(t, func() bool { return idx.Total() == 0 }, "subscriptions not cleaned up after close")
}

type denyAll struct{}

func (denyAll) Authorize(*http.Request) bool { return false }

func TestSupervisor_AuthorizationRejected(t *testing.T) {
	s, reg, _ := newTestSupervisor(t, 10)
	s.opts.Authorizer = denyAll{}

	ts := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))

	// The rejection frame is flushed before the server closes the socket.
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var reply codec.Frame
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, codec.FrameError, reply.Type)
	assert.Equal(t, errors.CodeUnauthorized, reply.Code)

	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
	waitFor(t, func() bool { return reg.Len() == 0 }, "rejected connection not removed")
}

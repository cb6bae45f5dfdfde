package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tickstream/codec"
	"github.com/c360/tickstream/pkg/buffer"
)

// fakeTransport records written frames and can be made to block or fail.
type fakeTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	binary  []bool
	failAll bool
	block   chan struct{} // when non-nil, writes wait here
	closed  atomic.Bool
	pings   atomic.Int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) write(data []byte, isBinary bool) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return fmt.Errorf("transport broken")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	f.binary = append(f.binary, isBinary)
	return nil
}

func (f *fakeTransport) WriteText(data []byte) error   { return f.write(data, false) }
func (f *fakeTransport) WriteBinary(data []byte) error { return f.write(data, true) }
func (f *fakeTransport) Ping() error                   { f.pings.Add(1); return nil }
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

func enc(s string) codec.Encoded {
	return codec.Encoded{Data: []byte(s)}
}

func TestRegistry_RegisterAndActivate(t *testing.T) {
	r := New(Options{})
	tr := newFakeTransport()

	conn, err := r.Register(tr)
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, conn.State())
	assert.Equal(t, 1, r.Len())

	assert.True(t, conn.Activate())
	assert.Equal(t, StateActive, conn.State())
	assert.False(t, conn.Activate(), "second activation must fail")

	r.Deregister(conn.ID, ReasonServerClose)
}

func TestRegistry_MaxConnections(t *testing.T) {
	r := New(Options{MaxConnections: 2})

	c1, err := r.Register(newFakeTransport())
	require.NoError(t, err)
	_, err = r.Register(newFakeTransport())
	require.NoError(t, err)

	rejected := newFakeTransport()
	_, err = r.Register(rejected)
	require.Error(t, err)
	assert.True(t, rejected.closed.Load(), "rejected transport must be closed")

	// Freeing a slot admits the next connection
	r.Deregister(c1.ID, ReasonServerClose)
	_, err = r.Register(newFakeTransport())
	assert.NoError(t, err)
}

func TestRegistry_EnqueueDeliversInOrder(t *testing.T) {
	r := New(Options{QueueCapacity: 16})
	tr := newFakeTransport()
	conn, err := r.Register(tr)
	require.NoError(t, err)
	conn.Activate()

	for i := 0; i < 5; i++ {
		require.True(t, r.Enqueue(conn.ID, enc(fmt.Sprintf("frame-%d", i))))
	}

	waitFor(t, func() bool { return tr.frameCount() == 5 }, "frames not delivered")
	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("frame-%d", i), string(tr.frameAt(i)))
	}

	stats := conn.Stats()
	assert.Equal(t, int64(5), stats.MessagesSent)
	r.Deregister(conn.ID, ReasonServerClose)
}

func TestRegistry_CompressedFramesGoBinary(t *testing.T) {
	r := New(Options{})
	tr := newFakeTransport()
	conn, err := r.Register(tr)
	require.NoError(t, err)
	conn.Activate()

	require.True(t, r.Enqueue(conn.ID, codec.Encoded{Data: []byte("zipped"), Compressed: true}))
	waitFor(t, func() bool { return tr.frameCount() == 1 }, "frame not delivered")

	tr.mu.Lock()
	assert.True(t, tr.binary[0])
	tr.mu.Unlock()
	r.Deregister(conn.ID, ReasonServerClose)
}

func TestRegistry_EnqueueUnknownConnection(t *testing.T) {
	r := New(Options{})
	assert.False(t, r.Enqueue("no-such-id", enc("x")))
}

func TestRegistry_SlowConsumerDisconnects(t *testing.T) {
	var disconnectReason atomic.Value
	r := New(Options{
		QueueCapacity:  4,
		OverflowPolicy: buffer.Reject,
		DrainTimeout:   100 * time.Millisecond,
		OnDisconnect: func(_ string, reason string) {
			disconnectReason.Store(reason)
		},
	})

	tr := newFakeTransport()
	tr.block = make(chan struct{}) // writer stalls on first frame
	conn, err := r.Register(tr)
	require.NoError(t, err)
	conn.Activate()

	// Frames stall in the writer and fill the queue until one is rejected.
	sawReject := false
	for i := 0; i < 20; i++ {
		if !r.Enqueue(conn.ID, enc(fmt.Sprintf("frame-%d", i))) {
			sawReject = true
			break
		}
	}
	require.True(t, sawReject, "queue overflow must reject and disconnect")

	close(tr.block)
	waitFor(t, func() bool { return r.Len() == 0 }, "slow consumer not deregistered")
	waitFor(t, func() bool { return disconnectReason.Load() != nil }, "disconnect callback not invoked")
	assert.Equal(t, ReasonSlowConsumer, disconnectReason.Load())
}

func TestRegistry_DropOldestKeepsConnection(t *testing.T) {
	r := New(Options{
		QueueCapacity:  4,
		OverflowPolicy: buffer.DropOldest,
	})

	tr := newFakeTransport()
	tr.block = make(chan struct{})
	conn, err := r.Register(tr)
	require.NoError(t, err)
	conn.Activate()

	// Burst far beyond capacity; every enqueue succeeds and the oldest
	// frames are overwritten.
	for i := 0; i < 20; i++ {
		assert.True(t, r.Enqueue(conn.ID, enc(fmt.Sprintf("frame-%d", i))))
	}
	assert.Equal(t, 1, r.Len(), "drop-oldest must keep the connection")

	close(tr.block)

	// The newest frame always survives drop-oldest and arrives last
	waitFor(t, func() bool {
		n := tr.frameCount()
		return n > 0 && string(tr.frameAt(n-1)) == "frame-19"
	}, "newest frame never delivered")

	r.Deregister(conn.ID, ReasonServerClose)
}

func TestRegistry_DeregisterFlushesQueue(t *testing.T) {
	cleaned := make(chan string, 1)
	r := New(Options{
		QueueCapacity: 16,
		DrainTimeout:  time.Second,
		OnCleanup: func(connID string) int {
			cleaned <- connID
			return 3
		},
	})

	tr := newFakeTransport()
	tr.block = make(chan struct{})
	conn, err := r.Register(tr)
	require.NoError(t, err)
	conn.Activate()

	for i := 0; i < 5; i++ {
		require.True(t, r.Enqueue(conn.ID, enc(fmt.Sprintf("frame-%d", i))))
	}

	// Unblock the transport as the drain starts
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(tr.block)
	}()
	r.Deregister(conn.ID, ReasonClientClose)

	assert.Equal(t, conn.ID, <-cleaned, "cleanup must run during deregistration")
	assert.Equal(t, StateClosed, conn.State())
	assert.True(t, tr.closed.Load())
	assert.Equal(t, 5, tr.frameCount(), "queued frames flush before close")
}

func TestRegistry_DeregisterIdempotent(t *testing.T) {
	var cleanups atomic.Int64
	r := New(Options{
		OnCleanup: func(string) int { cleanups.Add(1); return 0 },
	})

	conn, err := r.Register(newFakeTransport())
	require.NoError(t, err)
	conn.Activate()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Deregister(conn.ID, ReasonServerClose)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), cleanups.Load(), "cleanup runs exactly once")
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_EnqueueAfterDeregister(t *testing.T) {
	r := New(Options{})
	conn, err := r.Register(newFakeTransport())
	require.NoError(t, err)
	conn.Activate()

	r.Deregister(conn.ID, ReasonServerClose)
	assert.False(t, r.Enqueue(conn.ID, enc("late")))
}

func TestRegistry_Broadcast(t *testing.T) {
	r := New(Options{QueueCapacity: 16})

	var ids []string
	var transports []*fakeTransport
	for i := 0; i < 3; i++ {
		tr := newFakeTransport()
		conn, err := r.Register(tr)
		require.NoError(t, err)
		conn.Activate()
		ids = append(ids, conn.ID)
		transports = append(transports, tr)
	}

	// One target is already gone; the others still get the frame
	r.Deregister(ids[1], ReasonServerClose)

	delivered := r.Broadcast(ids, enc("tick"))
	assert.Equal(t, 2, delivered)

	waitFor(t, func() bool {
		return transports[0].frameCount() == 1 && transports[2].frameCount() == 1
	}, "broadcast frames not delivered")
	assert.Equal(t, 0, transports[1].frameCount())
}

func TestRegistry_WriteFailureClosesConnection(t *testing.T) {
	r := New(Options{DrainTimeout: 100 * time.Millisecond})
	tr := newFakeTransport()
	tr.failAll = true
	conn, err := r.Register(tr)
	require.NoError(t, err)
	conn.Activate()

	require.True(t, r.Enqueue(conn.ID, enc("doomed")))
	waitFor(t, func() bool { return r.Len() == 0 }, "failed connection not removed")

	stats := conn.Stats()
	assert.Equal(t, int64(1), stats.SendFailures)
}

func TestRegistry_SweepIdle(t *testing.T) {
	r := New(Options{})

	idleConn, err := r.Register(newFakeTransport())
	require.NoError(t, err)
	idleConn.Activate()

	activeConn, err := r.Register(newFakeTransport())
	require.NoError(t, err)
	activeConn.Activate()

	// Backdate the idle connection's activity
	idleConn.lastActivity.Store(time.Now().Add(-10 * time.Minute).UnixNano())

	closed := r.SweepIdle(time.Minute)
	require.Len(t, closed, 1)
	assert.Equal(t, idleConn.ID, closed[0])
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Alive(activeConn.ID))
	assert.False(t, r.Alive(idleConn.ID))
}

func TestRegistry_Snapshot(t *testing.T) {
	r := New(Options{})
	conn, err := r.Register(newFakeTransport())
	require.NoError(t, err)
	conn.Activate()
	conn.RecordReceived(42)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, conn.ID, snap[0].ID)
	assert.Equal(t, "active", snap[0].State)
	assert.Equal(t, int64(1), snap[0].MessagesReceived)
	assert.Equal(t, int64(42), snap[0].BytesReceived)
}

func TestRegistry_Shutdown(t *testing.T) {
	r := New(Options{DrainTimeout: 100 * time.Millisecond})
	for i := 0; i < 5; i++ {
		conn, err := r.Register(newFakeTransport())
		require.NoError(t, err)
		conn.Activate()
	}

	r.Shutdown(ReasonServerClose)
	assert.Equal(t, 0, r.Len())
}

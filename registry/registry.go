// Package registry owns the set of live client connections. It is the
// single writer of connection state: registration, frame delivery with
// explicit back-pressure, draining and removal all happen here.
package registry

import (
	goerrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/tickstream/codec"
	"github.com/c360/tickstream/errors"
	"github.com/c360/tickstream/metric"
	"github.com/c360/tickstream/pkg/buffer"
)

// Disconnect reasons reported through metrics and cleanup callbacks.
const (
	ReasonSlowConsumer = "slow_consumer"
	ReasonIdleTimeout  = "idle_timeout"
	ReasonWriteFailure = "write_failure"
	ReasonClientClose  = "client_close"
	ReasonServerClose  = "server_close"
	ReasonHandshake    = "handshake_failure"
)

// CleanupFunc is called synchronously during deregistration, before the
// connection is forgotten. The subscription index hangs its cascading
// cleanup here.
type CleanupFunc func(connID string) int

// DisconnectFunc observes a finished deregistration, after cleanup.
type DisconnectFunc func(connID, reason string)

// Options configures a Registry.
type Options struct {
	QueueCapacity  int
	OverflowPolicy buffer.OverflowPolicy
	MaxConnections int
	DrainTimeout   time.Duration
	Logger         *slog.Logger
	Metrics        *metric.Metrics
	OnCleanup      CleanupFunc
	OnDisconnect   DisconnectFunc
}

// Registry tracks live connections and delivers frames to them.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	opts Options
	log  *slog.Logger
}

// New creates a registry.
func New(opts Options) *Registry {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 256
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10_000
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		conns: make(map[string]*Connection),
		opts:  opts,
		log:   log.With("component", "registry"),
	}
}

// Register admits a new transport and starts its delivery goroutine.
// The connection comes back in Connecting state; the caller activates
// it once the handshake completes.
func (r *Registry) Register(transport Transport) (*Connection, error) {
	queue, err := buffer.NewRing[codec.Encoded](r.opts.QueueCapacity,
		buffer.WithOverflowPolicy[codec.Encoded](r.opts.OverflowPolicy))
	if err != nil {
		return nil, fmt.Errorf("creating outbound queue: %w", err)
	}

	conn := newConnection(transport, queue)

	r.mu.Lock()
	if len(r.conns) >= r.opts.MaxConnections {
		r.mu.Unlock()
		transport.Close()
		return nil, errors.Wrap(errors.ErrResourceExhausted, "Registry", "Register",
			fmt.Sprintf("connection limit %d reached", r.opts.MaxConnections))
	}
	r.conns[conn.ID] = conn
	r.mu.Unlock()

	go r.writeLoop(conn)

	if m := r.opts.Metrics; m != nil {
		m.ConnectionsTotal.Inc()
		m.ConnectionsActive.Inc()
	}
	r.log.Info("connection registered", "conn_id", conn.ID, "remote", conn.Remote)
	return conn, nil
}

// Get returns a connection by id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Alive reports whether a connection is registered and not shutting
// down. The subscription index uses this as its liveness check.
func (r *Registry) Alive(id string) bool {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	s := conn.State()
	return s == StateConnecting || s == StateActive
}

// Deregister removes a connection: Draining, best-effort queue flush,
// Closed, gone. Subscription cleanup runs synchronously before the id
// is forgotten, so a concurrent resolve never picks up a freed
// connection. Idempotent.
func (r *Registry) Deregister(id, reason string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	conn.closeOnce.Do(func() {
		if r.opts.OnCleanup != nil {
			removed := r.opts.OnCleanup(id)
			if removed > 0 {
				r.log.Debug("cascading subscription cleanup",
					"conn_id", id, "removed", removed)
			}
		}

		conn.state.Store(int32(StateDraining))
		// Closing the queue stops new enqueues but leaves queued
		// frames readable for the final drain.
		conn.queue.Close()
		conn.signalWriter()

		select {
		case <-conn.done:
		case <-time.After(r.opts.DrainTimeout):
			r.log.Warn("drain timeout, dropping remaining frames",
				"conn_id", id, "pending", conn.queue.Size())
		}

		conn.state.Store(int32(StateClosed))
		conn.transport.Close()

		if m := r.opts.Metrics; m != nil {
			m.ConnectionsActive.Dec()
			m.DisconnectsTotal.WithLabelValues(reason).Inc()
		}
		if r.opts.OnDisconnect != nil {
			r.opts.OnDisconnect(id, reason)
		}
		r.log.Info("connection closed", "conn_id", id, "reason", reason)
	})
}

// Enqueue hands one encoded frame to a connection's outbound queue.
// It never blocks. Returns false when the frame was not queued: the
// connection is unknown, closing, or a slow consumer under the
// disconnect policy (in which case the connection is closed here).
func (r *Registry) Enqueue(id string, enc codec.Encoded) bool {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	s := conn.State()
	if s != StateActive && s != StateConnecting {
		return false
	}

	err := conn.queue.Write(enc)
	switch {
	case err == nil:
		conn.signalWriter()
		return true
	case goerrors.Is(err, buffer.ErrFull):
		// Reject policy: the queue stayed full for a whole capacity
		// worth of traffic. The consumer is too slow to keep.
		delivery := errors.NewDeliveryError(errors.ReasonSlowConsumer, id, err)
		r.log.Warn("slow consumer, disconnecting",
			"conn_id", id, "queue_capacity", conn.queue.Capacity(), "err", delivery)
		if m := r.opts.Metrics; m != nil {
			m.FramesDropped.WithLabelValues(ReasonSlowConsumer).Inc()
		}
		go r.Deregister(id, ReasonSlowConsumer)
		return false
	default:
		// Queue closed under us; the connection is on its way out.
		return false
	}
}

// Broadcast enqueues the same encoded frame to many connections and
// returns how many accepted it. Per-connection failures never affect
// the other targets.
func (r *Registry) Broadcast(ids []string, enc codec.Encoded) int {
	delivered := 0
	for _, id := range ids {
		if r.Enqueue(id, enc) {
			delivered++
		}
	}
	return delivered
}

// SweepIdle closes connections with no inbound activity for longer
// than timeout and returns their ids.
func (r *Registry) SweepIdle(timeout time.Duration) []string {
	cutoff := time.Now().Add(-timeout)

	r.mu.RLock()
	var idle []string
	for id, conn := range r.conns {
		if conn.State() == StateActive && conn.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		r.Deregister(id, ReasonIdleTimeout)
	}
	return idle
}

// PingAll sends a transport-level keepalive to every active connection
// and returns how many pings went out. Transports serialize writes
// internally, so pinging is safe alongside the delivery goroutine.
func (r *Registry) PingAll() int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.State() == StateActive {
			conns = append(conns, conn)
		}
	}
	r.mu.RUnlock()

	pinged := 0
	for _, conn := range conns {
		if err := conn.transport.Ping(); err != nil {
			r.log.Debug("keepalive ping failed", "conn_id", conn.ID, "err", err)
			continue
		}
		pinged++
	}
	return pinged
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns per-connection stats for every registered
// connection.
func (r *Registry) Snapshot() []ConnectionStats {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	out := make([]ConnectionStats, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn.Stats())
	}
	return out
}

// Shutdown drains and closes every connection.
func (r *Registry) Shutdown(reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Deregister(id, reason)
	}
}

// writeLoop is the single dequeuer for one connection. It drains the
// queue in batches on each wake-up and exits once the queue is closed
// and empty or a write fails.
func (r *Registry) writeLoop(conn *Connection) {
	defer close(conn.done)

	const batchSize = 32
	for {
		frames := conn.queue.ReadBatch(batchSize)
		if len(frames) == 0 {
			if conn.queue.IsEmpty() && conn.State() >= StateDraining {
				return
			}
			select {
			case <-conn.wake:
				continue
			case <-time.After(time.Second):
				// Periodic re-check in case a wake signal was coalesced
				// away while the queue transitioned to draining.
				continue
			}
		}

		for _, enc := range frames {
			if err := conn.writeEncoded(enc); err != nil {
				r.log.Warn("transport write failed",
					"conn_id", conn.ID, "err", err)
				if conn.State() < StateDraining {
					go r.Deregister(conn.ID, ReasonWriteFailure)
				}
				return
			}
			if m := r.opts.Metrics; m != nil {
				m.BytesSent.Add(float64(len(enc.Data)))
			}
		}
	}
}

// Package supervisor is the top-level session orchestrator. It accepts
// websocket connections, drives the per-connection handshake and read
// loop, routes client commands through the codec into the subscription
// index, and runs the idle sweep and statistics snapshots.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/c360/tickstream/codec"
	"github.com/c360/tickstream/config"
	"github.com/c360/tickstream/errors"
	"github.com/c360/tickstream/market"
	"github.com/c360/tickstream/metric"
	"github.com/c360/tickstream/pkg/worker"
	"github.com/c360/tickstream/publisher"
	"github.com/c360/tickstream/registry"
	"github.com/c360/tickstream/subindex"
)

// Authorizer decides whether a handshake may proceed. Called once per
// connection before activation.
type Authorizer interface {
	Authorize(r *http.Request) bool
}

// AllowAll authorizes every connection. The default when no external
// auth collaborator is wired in.
type AllowAll struct{}

// Authorize always returns true.
func (AllowAll) Authorize(*http.Request) bool { return true }

// inbound is one raw client frame awaiting processing.
type inbound struct {
	connID string
	raw    []byte
}

// Options wires the supervisor to its collaborators.
type Options struct {
	Server     config.ServerConfig
	Limits     config.LimitsConfig
	Registry   *registry.Registry
	Index      *subindex.Index
	Codec      *codec.Codec
	Publisher  *publisher.Publisher
	Authorizer Authorizer
	Metrics    *metric.Metrics
	Logger     *slog.Logger
}

// Supervisor owns the client-facing server and per-session routing.
type Supervisor struct {
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
	pool     *worker.Pool[inbound]

	startTime time.Time

	// Throughput rates recomputed by the stats ticker in maintain.
	rateMu       sync.Mutex
	lastRatesAt  time.Time
	lastDelivery publisher.DeliveryStats
	msgPerSec    float64
	avgLatencyMs float64

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	shutdown    chan struct{}
}

// New creates a supervisor. Call Initialize before Start.
func New(opts Options) *Supervisor {
	if opts.Authorizer == nil {
		opts.Authorizer = AllowAll{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		opts: opts,
		log:  log.With("component", "supervisor"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			HandshakeTimeout:  opts.Server.HandshakeTimeout.Std(),
			EnableCompression: opts.Server.EnableCompression,
			CheckOrigin:       func(*http.Request) bool { return true },
		},
	}
}

// Initialize builds the HTTP server and the command worker pool.
func (s *Supervisor) Initialize() error {
	if s.opts.Registry == nil || s.opts.Index == nil || s.opts.Codec == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Supervisor", "Initialize",
			"registry, index and codec are required")
	}

	s.pool = worker.NewPool(s.opts.Limits.CommandWorkers, s.opts.Limits.CommandQueueSize,
		s.processInbound)

	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Server.Path, s.handleWebSocket)
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.opts.Server.Host, s.opts.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Start launches the server, the command pool, and the background
// sweeps.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.started {
		return errors.ErrAlreadyStarted
	}
	if s.server == nil {
		return errors.ErrNotStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.shutdown = make(chan struct{})
	s.startTime = time.Now()
	s.updateRates(s.startTime)

	if err := s.pool.Start(runCtx); err != nil {
		cancel()
		return errors.Wrap(err, "Supervisor", "Start", "starting command pool")
	}

	s.wg.Add(2)
	go s.runServer()
	go s.maintain(runCtx)

	s.started = true
	s.log.Info("supervisor started", "addr", s.server.Addr, "path", s.opts.Server.Path)
	return nil
}

// Stop drains the server, closes every session and stops the pool.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.started {
		return errors.ErrNotStarted
	}
	s.started = false

	close(s.shutdown)
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown incomplete", "err", err)
	}

	s.opts.Registry.Shutdown(registry.ReasonServerClose)

	if err := s.pool.Stop(timeout); err != nil {
		s.log.Warn("command pool stop incomplete", "err", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.ErrConnectionTimeout
	}

	s.log.Info("supervisor stopped")
	return nil
}

func (s *Supervisor) runServer() {
	defer s.wg.Done()

	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		s.log.Error("http server failed", "err", err)
	}
}

// maintain runs the idle sweep and the keepalive ping on the server's
// cadence. Both only read registry state and never touch the publish
// path locks.
func (s *Supervisor) maintain(ctx context.Context) {
	defer s.wg.Done()

	pingTicker := time.NewTicker(s.opts.Server.PingInterval.Std())
	defer pingTicker.Stop()
	sweepTicker := time.NewTicker(s.opts.Server.IdleTimeout.Std() / 4)
	defer sweepTicker.Stop()
	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			s.opts.Registry.PingAll()
		case <-sweepTicker.C:
			if closed := s.opts.Registry.SweepIdle(s.opts.Server.IdleTimeout.Std()); len(closed) > 0 {
				s.log.Info("idle sweep closed connections", "count", len(closed))
			}
		case <-statsTicker.C:
			s.updateRates(time.Now())
		}
	}
}

// updateRates folds the publisher's cumulative delivery counters into
// per-interval rates: messages per second since the last tick and the
// average wall time of the flushes in between.
func (s *Supervisor) updateRates(now time.Time) {
	if s.opts.Publisher == nil {
		return
	}
	cur := s.opts.Publisher.Deliveries()

	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	if !s.lastRatesAt.IsZero() {
		if elapsed := now.Sub(s.lastRatesAt).Seconds(); elapsed > 0 {
			s.msgPerSec = float64(cur.FramesDelivered-s.lastDelivery.FramesDelivered) / elapsed
		}
		if flushes := cur.Flushes - s.lastDelivery.Flushes; flushes > 0 {
			s.avgLatencyMs = float64(cur.FlushNanos-s.lastDelivery.FlushNanos) /
				float64(flushes) / float64(time.Millisecond)
		} else {
			s.avgLatencyMs = 0
		}
	}
	s.lastRatesAt = now
	s.lastDelivery = cur
}

// handleWebSocket runs the handshake: upgrade, register in Connecting,
// authorize, activate. Any failure closes the connection before it ever
// sees a data frame.
func (s *Supervisor) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	transport := newWSTransport(ws, s.opts.Server.WriteTimeout.Std())
	conn, err := s.opts.Registry.Register(transport)
	if err != nil {
		s.log.Warn("connection rejected", "remote", r.RemoteAddr, "err", err)
		return
	}

	if !s.opts.Authorizer.Authorize(r) {
		s.log.Warn("authorization failed", "conn_id", conn.ID, "remote", conn.Remote)
		s.reply(conn.ID, codec.NewErrorFrame(errors.CodeUnauthorized, "authorization failed"))
		s.opts.Registry.Deregister(conn.ID, registry.ReasonHandshake)
		return
	}

	conn.Activate()
	s.wg.Add(1)
	go s.readLoop(conn, ws)
}

// readLoop is the single reader for one session. It feeds raw frames to
// the worker pool and exits when the peer goes away or the server shuts
// down.
func (s *Supervisor) readLoop(conn *registry.Connection, ws *websocket.Conn) {
	defer s.wg.Done()
	defer s.opts.Registry.Deregister(conn.ID, registry.ReasonClientClose)

	idle := s.opts.Server.IdleTimeout.Std()
	ws.SetReadLimit(s.opts.Server.ReadLimit)
	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return ws.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		_ = ws.SetReadDeadline(time.Now().Add(idle))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		conn.RecordReceived(len(data))

		if err := s.pool.Submit(inbound{connID: conn.ID, raw: data}); err != nil {
			// Command queue saturated; push back on this client only.
			s.reply(conn.ID, codec.NewErrorFrame(errors.CodeLimitExceeded,
				"server busy, retry shortly"))
		}
	}
}

// processInbound is the worker pool processor: parse, validate, apply,
// reply. Every client-originated command gets a structured reply; a
// failure here never affects any other session.
func (s *Supervisor) processInbound(_ context.Context, work inbound) error {
	cmd, err := s.opts.Codec.Parse(work.raw)
	if err != nil {
		s.commandError("parse", work.connID, err)
		return err
	}

	if m := s.opts.Metrics; m != nil {
		m.CommandsTotal.WithLabelValues(string(cmd.Type)).Inc()
	}

	if err := s.opts.Codec.Validate(cmd); err != nil {
		s.commandError(string(cmd.Type), work.connID, err)
		return err
	}

	switch cmd.Type {
	case codec.CmdSubscribe:
		return s.handleSubscribe(work.connID, cmd)
	case codec.CmdUnsubscribe:
		return s.handleUnsubscribe(work.connID, cmd)
	case codec.CmdPing:
		s.reply(work.connID, codec.NewPongFrame())
		return nil
	case codec.CmdStats:
		return s.handleStats(work.connID)
	default:
		// Parse already rejects unknown types; this is unreachable.
		return nil
	}
}

func (s *Supervisor) handleSubscribe(connID string, cmd codec.Command) error {
	key := market.StreamKey{InstrumentID: cmd.Instrument, Kind: cmd.Kind}
	subID, err := s.opts.Index.Subscribe(connID, key, cmd.Params.MaxFrequencyMs)
	if err != nil {
		if m := s.opts.Metrics; m != nil {
			m.SubscribeTotal.WithLabelValues("rejected").Inc()
		}
		s.reply(connID, codec.NewErrorAckFrame("", errors.ClientCode(err), err.Error()))
		return err
	}

	if m := s.opts.Metrics; m != nil {
		m.SubscribeTotal.WithLabelValues("ok").Inc()
		m.SubscriptionsActive.Set(float64(s.opts.Index.Total()))
	}
	s.reply(connID, codec.NewAckFrame(subID))
	s.log.Debug("subscribed", "conn_id", connID, "stream", key.String(), "sub_id", subID)
	return nil
}

func (s *Supervisor) handleUnsubscribe(connID string, cmd codec.Command) error {
	if !s.opts.Index.Unsubscribe(connID, cmd.SubscriptionID) {
		err := errors.NewSubscriptionError(errors.CodeUnknownSub,
			"no such subscription "+cmd.SubscriptionID)
		s.reply(connID, codec.NewErrorAckFrame(cmd.SubscriptionID, errors.CodeUnknownSub, err.Error()))
		return err
	}

	if s.opts.Publisher != nil {
		s.opts.Publisher.ForgetSubscription(cmd.SubscriptionID)
	}
	if m := s.opts.Metrics; m != nil {
		m.UnsubscribeTotal.Inc()
		m.SubscriptionsActive.Set(float64(s.opts.Index.Total()))
	}
	s.reply(connID, codec.NewAckFrame(cmd.SubscriptionID))
	return nil
}

func (s *Supervisor) handleStats(connID string) error {
	snapshot, err := s.StatsJSON()
	if err != nil {
		s.reply(connID, codec.NewErrorFrame(errors.CodeInternal, "stats unavailable"))
		return err
	}
	s.reply(connID, codec.NewStatsFrame(snapshot))
	return nil
}

// commandError records a failed command and sends the structured error
// frame back to its originator.
func (s *Supervisor) commandError(stage, connID string, err error) {
	code := errors.ClientCode(err)
	if m := s.opts.Metrics; m != nil {
		m.CommandErrors.WithLabelValues(code).Inc()
	}
	s.log.Debug("command rejected", "conn_id", connID, "stage", stage, "code", code, "err", err)
	s.reply(connID, codec.NewErrorFrame(code, err.Error()))
}

// reply encodes and enqueues one frame to a single connection.
func (s *Supervisor) reply(connID string, frame codec.Frame) {
	enc, err := s.opts.Codec.EncodeFrame(frame)
	if err != nil {
		s.log.Error("reply encoding failed", "conn_id", connID, "type", frame.Type, "err", err)
		return
	}
	s.opts.Registry.Enqueue(connID, enc)
}

// StatsSnapshot is the aggregate statistics document served to stats
// commands and the metrics endpoint.
type StatsSnapshot struct {
	UptimeSeconds       float64          `json:"uptime_seconds"`
	Connections         int              `json:"connections"`
	Subscriptions       int              `json:"subscriptions"`
	Streams             int              `json:"streams"`
	PendingStreams      int              `json:"pending_streams"`
	MessagesPerSecond   float64          `json:"messages_per_second"`
	AvgPublishLatencyMs float64          `json:"avg_publish_latency_ms"`
	StaleInstruments    []string         `json:"stale_instruments,omitempty"`
	CommandPool         worker.PoolStats `json:"command_pool"`
}

// Snapshot assembles the aggregate statistics. Read-only with respect
// to the publish path.
func (s *Supervisor) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		Connections:   s.opts.Registry.Len(),
		Subscriptions: s.opts.Index.Total(),
		Streams:       s.opts.Index.StreamCount(),
		CommandPool:   s.pool.Stats(),
	}
	if s.opts.Publisher != nil {
		snap.PendingStreams = s.opts.Publisher.PendingStreams()
		snap.StaleInstruments = s.opts.Publisher.StaleInstruments()
	}
	s.rateMu.Lock()
	snap.MessagesPerSecond = s.msgPerSec
	snap.AvgPublishLatencyMs = s.avgLatencyMs
	s.rateMu.Unlock()
	return snap
}

// StatsJSON implements metric.StatsProvider.
func (s *Supervisor) StatsJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

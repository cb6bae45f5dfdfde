// Package publisher batches upstream events per flush window and fans
// them out to subscribed connections. Ingestion never blocks the feed:
// coalescing kinds keep only the newest pending value and append-only
// kinds are delivered one frame per event in sequence order.
package publisher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/tickstream/codec"
	"github.com/c360/tickstream/errors"
	"github.com/c360/tickstream/market"
	"github.com/c360/tickstream/metric"
	"github.com/c360/tickstream/subindex"
)

// Enqueuer is the slice of the connection registry the publisher needs.
type Enqueuer interface {
	Enqueue(id string, enc codec.Encoded) bool
}

// Resolver is the slice of the subscription index the publisher needs.
type Resolver interface {
	Resolve(key market.StreamKey) []subindex.Target
}

// Options configures a Publisher.
type Options struct {
	FlushInterval time.Duration
	MaxBatchSize  int
	// StaleAfter marks a stream stale when no event arrives for this
	// long. Zero disables the sweep.
	StaleAfter time.Duration
	Logger     *slog.Logger
	Metrics    *metric.Metrics
}

type pendingStream struct {
	key    market.StreamKey
	events []*market.Event
}

// Publisher is the event buffer and flush driver.
type Publisher struct {
	index    Resolver
	registry Enqueuer
	codec    *codec.Codec
	opts     Options
	log      *slog.Logger

	mu            sync.Mutex
	pending       map[market.StreamKey]*pendingStream
	pendingEvents int
	lastSeq       map[market.StreamKey]uint64

	// stale tracks instruments whose upstream feed reported an error
	// or went quiet; lastEvent records the most recent ingest per
	// instrument for the quiet-stream sweep.
	staleMu   sync.Mutex
	stale     map[string]time.Time
	lastEvent map[string]time.Time

	// Cumulative delivery counters for throughput snapshots.
	delivered  atomic.Int64
	flushCount atomic.Int64
	flushNanos atomic.Int64

	// throttle tracks last delivery per subscription for clients that
	// asked for a frequency cap on coalescing kinds.
	throttleMu sync.Mutex
	lastSent   map[string]time.Time

	flushNow chan struct{}
	done     chan struct{}

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
}

// New creates a publisher wired to the index, registry and codec.
func New(index Resolver, reg Enqueuer, cdc *codec.Codec, opts Options) *Publisher {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 100 * time.Millisecond
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 500
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		index:     index,
		registry:  reg,
		codec:     cdc,
		opts:      opts,
		log:       log.With("component", "publisher"),
		pending:   make(map[market.StreamKey]*pendingStream),
		lastSeq:   make(map[market.StreamKey]uint64),
		stale:     make(map[string]time.Time),
		lastEvent: make(map[string]time.Time),
		lastSent:  make(map[string]time.Time),
		flushNow:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Ingest accepts one upstream event. It never blocks: the event is
// buffered for the next flush, or dropped when its sequence number is
// not newer than the last one seen for its stream.
func (p *Publisher) Ingest(ev *market.Event) error {
	if err := ev.Validate(); err != nil {
		if m := p.opts.Metrics; m != nil {
			m.FramesDropped.WithLabelValues("invalid_event").Inc()
		}
		return errors.WrapInvalid(err, "Publisher", "Ingest", "validating event")
	}

	key := ev.StreamKey()

	p.mu.Lock()
	if last, ok := p.lastSeq[key]; ok && ev.Sequence <= last {
		p.mu.Unlock()
		if m := p.opts.Metrics; m != nil {
			m.FramesDropped.WithLabelValues("stale_sequence").Inc()
		}
		return errors.WrapInvalid(errors.ErrStaleSequence, "Publisher", "Ingest",
			"event for "+key.String())
	}
	p.lastSeq[key] = ev.Sequence

	stream := p.pending[key]
	if stream == nil {
		stream = &pendingStream{key: key}
		p.pending[key] = stream
	}

	if key.Kind.Coalescing() && len(stream.events) > 0 {
		// Retroactive coalescing: the newest value replaces whatever
		// is still waiting, so the buffer never grows under pressure.
		stream.events[0] = ev
	} else {
		stream.events = append(stream.events, ev)
		p.pendingEvents++
		if len(stream.events) > p.opts.MaxBatchSize {
			// A stream can only hold one flush window's worth of
			// events; past that the oldest gives way to the newest.
			copy(stream.events, stream.events[1:])
			stream.events[len(stream.events)-1] = nil
			stream.events = stream.events[:len(stream.events)-1]
			p.pendingEvents--
			if m := p.opts.Metrics; m != nil {
				m.FramesDropped.WithLabelValues("overflow").Inc()
			}
		}
	}
	shouldFlush := p.pendingEvents >= p.opts.MaxBatchSize
	if m := p.opts.Metrics; m != nil {
		m.BufferOccupancy.Set(float64(len(p.pending)))
	}
	p.mu.Unlock()

	if m := p.opts.Metrics; m != nil {
		m.EventsIngested.WithLabelValues(string(ev.Kind)).Inc()
	}

	p.noteIngest(ev.InstrumentID)

	if shouldFlush {
		select {
		case p.flushNow <- struct{}{}:
		default:
		}
	}
	return nil
}

// Start launches the flush loop.
func (p *Publisher) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.started {
		return errors.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.started = true
	go p.run(runCtx)
	return nil
}

// Stop halts the flush loop after one final flush of pending events.
func (p *Publisher) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if !p.started {
		return errors.ErrNotStarted
	}
	p.started = false
	p.cancel()

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return errors.ErrConnectionTimeout
	}
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flush()
			return
		case <-ticker.C:
			p.flush()
			p.sweepStale(time.Now())
		case <-p.flushNow:
			p.flush()
		}
	}
}

// Flush forces an immediate flush cycle. Exposed for tests and for the
// supervisor's drain path.
func (p *Publisher) Flush() {
	p.flush()
}

func (p *Publisher) flush() {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.pending
	p.pending = make(map[market.StreamKey]*pendingStream)
	p.pendingEvents = 0
	if m := p.opts.Metrics; m != nil {
		m.BufferOccupancy.Set(0)
	}
	p.mu.Unlock()

	start := time.Now()
	total := 0
	for _, stream := range batch {
		total += p.flushStream(stream)
	}
	elapsed := time.Since(start)
	p.delivered.Add(int64(total))
	p.flushCount.Add(1)
	p.flushNanos.Add(elapsed.Nanoseconds())
	if m := p.opts.Metrics; m != nil {
		m.PublishLatency.Observe(elapsed.Seconds())
		m.FlushBatchSize.Observe(float64(len(batch)))
	}
}

// flushStream frames each pending event once and enqueues the same
// bytes to every resolved connection. It returns the number of frame
// deliveries enqueued.
func (p *Publisher) flushStream(stream *pendingStream) int {
	targets := p.index.Resolve(stream.key)
	if len(targets) == 0 {
		return 0
	}

	now := time.Now()
	coalescing := stream.key.Kind.Coalescing()

	total := 0
	for _, ev := range stream.events {
		enc, err := p.codec.EncodeFrame(codec.NewDataFrame(ev))
		if err != nil {
			p.log.Error("frame encoding failed",
				"instrument", ev.InstrumentID, "kind", ev.Kind, "err", err)
			continue
		}

		delivered := 0
		for _, target := range targets {
			if coalescing && p.throttled(target, now) {
				continue
			}
			if p.registry.Enqueue(target.ConnID, enc) {
				delivered++
			}
		}
		if m := p.opts.Metrics; m != nil && delivered > 0 {
			m.FramesDelivered.WithLabelValues(string(ev.Kind)).Add(float64(delivered))
		}
		total += delivered
	}
	return total
}

// throttled reports whether a frequency-capped subscription should skip
// this flush, and records the delivery time when it should not.
func (p *Publisher) throttled(target subindex.Target, now time.Time) bool {
	if target.MaxFrequencyMs <= 0 {
		return false
	}

	interval := time.Duration(target.MaxFrequencyMs) * time.Millisecond
	p.throttleMu.Lock()
	defer p.throttleMu.Unlock()

	if last, ok := p.lastSent[target.SubscriptionID]; ok && now.Sub(last) < interval {
		return true
	}
	p.lastSent[target.SubscriptionID] = now
	return false
}

// ForgetSubscription drops throttle state for an ended subscription.
func (p *Publisher) ForgetSubscription(subscriptionID string) {
	p.throttleMu.Lock()
	delete(p.lastSent, subscriptionID)
	p.throttleMu.Unlock()
}

// MarkStale flags an instrument after an upstream error. The flag
// clears itself on the next successfully ingested event.
func (p *Publisher) MarkStale(instrumentID string) {
	p.staleMu.Lock()
	if _, ok := p.stale[instrumentID]; !ok {
		p.stale[instrumentID] = time.Now().UTC()
	}
	count := len(p.stale)
	p.staleMu.Unlock()

	if m := p.opts.Metrics; m != nil {
		m.StaleStreams.Set(float64(count))
	}
	p.log.Warn("instrument marked stale", "instrument", instrumentID)
}

// noteIngest stamps the instrument's last-event time and clears any
// stale flag a fresh event supersedes.
func (p *Publisher) noteIngest(instrumentID string) {
	p.staleMu.Lock()
	p.lastEvent[instrumentID] = time.Now().UTC()
	_, wasStale := p.stale[instrumentID]
	if wasStale {
		delete(p.stale, instrumentID)
	}
	count := len(p.stale)
	p.staleMu.Unlock()

	if wasStale {
		if m := p.opts.Metrics; m != nil {
			m.StaleStreams.Set(float64(count))
		}
		p.log.Info("instrument recovered", "instrument", instrumentID)
	}
}

// sweepStale flags instruments that have gone quiet for longer than
// StaleAfter. A zero StaleAfter disables the sweep.
func (p *Publisher) sweepStale(now time.Time) {
	if p.opts.StaleAfter <= 0 {
		return
	}

	var flagged []string
	p.staleMu.Lock()
	for id, last := range p.lastEvent {
		if now.Sub(last) < p.opts.StaleAfter {
			continue
		}
		if _, already := p.stale[id]; already {
			continue
		}
		p.stale[id] = now.UTC()
		flagged = append(flagged, id)
	}
	count := len(p.stale)
	p.staleMu.Unlock()

	if len(flagged) == 0 {
		return
	}
	if m := p.opts.Metrics; m != nil {
		m.StaleStreams.Set(float64(count))
	}
	for _, id := range flagged {
		p.log.Warn("instrument marked stale", "instrument", id, "reason", "quiet")
	}
}

// MarkAllStale flags every instrument seen so far. The feed calls it
// when the upstream connection drops.
func (p *Publisher) MarkAllStale() {
	now := time.Now().UTC()
	p.staleMu.Lock()
	for id := range p.lastEvent {
		if _, already := p.stale[id]; !already {
			p.stale[id] = now
		}
	}
	count := len(p.stale)
	p.staleMu.Unlock()

	if m := p.opts.Metrics; m != nil {
		m.StaleStreams.Set(float64(count))
	}
	p.log.Warn("all instruments marked stale", "count", count)
}

// IsStale reports whether an instrument is currently flagged stale.
func (p *Publisher) IsStale(instrumentID string) bool {
	p.staleMu.Lock()
	defer p.staleMu.Unlock()
	_, ok := p.stale[instrumentID]
	return ok
}

// StaleInstruments returns the currently stale instrument ids.
func (p *Publisher) StaleInstruments() []string {
	p.staleMu.Lock()
	defer p.staleMu.Unlock()
	out := make([]string, 0, len(p.stale))
	for id := range p.stale {
		out = append(out, id)
	}
	return out
}

// DeliveryStats is a point-in-time view of the cumulative delivery
// counters kept for throughput reporting.
type DeliveryStats struct {
	FramesDelivered int64
	Flushes         int64
	FlushNanos      int64
}

// Deliveries returns the cumulative delivery counters.
func (p *Publisher) Deliveries() DeliveryStats {
	return DeliveryStats{
		FramesDelivered: p.delivered.Load(),
		Flushes:         p.flushCount.Load(),
		FlushNanos:      p.flushNanos.Load(),
	}
}

// PendingStreams returns the number of streams awaiting flush.
func (p *Publisher) PendingStreams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Package subindex maintains the subscription index: which connections
// want which (instrument, kind) streams. Mutation is linearizable per
// stream bucket; the index is sharded so fan-out resolution under load
// never serializes behind a global lock.
package subindex

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/tickstream/errors"
	"github.com/c360/tickstream/market"
)

const shardCount = 64

// Target is one delivery destination for a stream, as returned by
// Resolve. MaxFrequencyMs is the subscriber's requested delivery cap
// for coalescing kinds; zero means every flush.
type Target struct {
	ConnID         string
	SubscriptionID string
	MaxFrequencyMs int
}

// Subscription is the ledger record for one active subscription.
type Subscription struct {
	ID             string
	ConnID         string
	Key            market.StreamKey
	MaxFrequencyMs int
	CreatedAt      time.Time
}

// entry is the shard-side record for one subscriber. It carries the
// delivery params so Resolve never needs the ledger.
type entry struct {
	subID          string
	maxFrequencyMs int
}

type shard struct {
	mu sync.RWMutex
	// streams maps a stream key to its subscribers (conn id -> entry)
	streams map[market.StreamKey]map[string]entry
}

// Index is the sharded subscription index.
type Index struct {
	shards [shardCount]shard

	// ledger tracks subscriptions per connection for cap enforcement
	// and cascading cleanup. Only the mutation paths and per-connection
	// queries take it; Resolve reads shards alone. Lock order: ledger
	// before shard, always.
	ledgerMu sync.RWMutex
	byConn   map[string]map[string]Subscription

	perConnCap int
	globalCap  int
	total      atomic.Int64

	alive  func(connID string) bool
	logger *slog.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithLivenessCheck installs a callback consulted during Resolve. Ids
// the callback rejects are treated as dangling and self-healed out of
// the index.
func WithLivenessCheck(alive func(connID string) bool) Option {
	return func(idx *Index) { idx.alive = alive }
}

// WithLogger sets the logger for self-heal warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(idx *Index) { idx.logger = logger }
}

// New creates an index enforcing the given per-connection and global
// subscription caps.
func New(perConnCap, globalCap int, opts ...Option) *Index {
	idx := &Index{
		byConn:     make(map[string]map[string]Subscription),
		perConnCap: perConnCap,
		globalCap:  globalCap,
		logger:     slog.Default(),
	}
	for i := range idx.shards {
		idx.shards[i].streams = make(map[market.StreamKey]map[string]entry)
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

func (idx *Index) shardFor(key market.StreamKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.InstrumentID))
	h.Write([]byte{0})
	h.Write([]byte(key.Kind))
	return &idx.shards[h.Sum32()%shardCount]
}

// Subscribe registers interest in a stream. Subscribing twice to the
// same stream from the same connection is idempotent: the existing
// subscription id comes back with no state change. Both caps are
// checked atomically with insertion; exceeding either fails the whole
// request.
func (idx *Index) Subscribe(connID string, key market.StreamKey, maxFrequencyMs int) (string, error) {
	idx.ledgerMu.Lock()
	defer idx.ledgerMu.Unlock()

	conn := idx.byConn[connID]
	for _, sub := range conn {
		if sub.Key == key {
			return sub.ID, nil
		}
	}

	if len(conn) >= idx.perConnCap {
		return "", errors.NewSubscriptionError(errors.CodeLimitExceeded,
			fmt.Sprintf("connection already holds %d subscriptions (limit %d)", len(conn), idx.perConnCap))
	}
	if int(idx.total.Load()) >= idx.globalCap {
		return "", errors.NewSubscriptionError(errors.CodeLimitExceeded,
			fmt.Sprintf("global subscription limit %d reached", idx.globalCap))
	}

	sub := Subscription{
		ID:             uuid.NewString(),
		ConnID:         connID,
		Key:            key,
		MaxFrequencyMs: maxFrequencyMs,
		CreatedAt:      time.Now().UTC(),
	}

	if conn == nil {
		conn = make(map[string]Subscription)
		idx.byConn[connID] = conn
	}
	conn[sub.ID] = sub
	idx.total.Add(1)

	s := idx.shardFor(key)
	s.mu.Lock()
	subscribers := s.streams[key]
	if subscribers == nil {
		subscribers = make(map[string]entry)
		s.streams[key] = subscribers
	}
	subscribers[connID] = entry{subID: sub.ID, maxFrequencyMs: maxFrequencyMs}
	s.mu.Unlock()

	return sub.ID, nil
}

// Unsubscribe removes one subscription by id. Returns false when the
// connection holds no such subscription.
func (idx *Index) Unsubscribe(connID, subscriptionID string) bool {
	idx.ledgerMu.Lock()
	defer idx.ledgerMu.Unlock()

	conn := idx.byConn[connID]
	sub, ok := conn[subscriptionID]
	if !ok {
		return false
	}

	delete(conn, subscriptionID)
	if len(conn) == 0 {
		delete(idx.byConn, connID)
	}
	idx.total.Add(-1)

	idx.removeFromShard(sub.Key, connID)
	return true
}

// Cleanup removes every subscription owned by a connection. Called
// synchronously on deregistration so resolve never hands out a freed
// connection. Idempotent; returns the number removed.
func (idx *Index) Cleanup(connID string) int {
	idx.ledgerMu.Lock()
	defer idx.ledgerMu.Unlock()

	conn := idx.byConn[connID]
	if len(conn) == 0 {
		delete(idx.byConn, connID)
		return 0
	}

	for _, sub := range conn {
		idx.removeFromShard(sub.Key, connID)
	}
	removed := len(conn)
	delete(idx.byConn, connID)
	idx.total.Add(int64(-removed))
	return removed
}

func (idx *Index) removeFromShard(key market.StreamKey, connID string) {
	s := idx.shardFor(key)
	s.mu.Lock()
	if subscribers := s.streams[key]; subscribers != nil {
		delete(subscribers, connID)
		if len(subscribers) == 0 {
			delete(s.streams, key)
		}
	}
	s.mu.Unlock()
}

// Resolve returns the delivery targets for a stream as of call time.
// The result is a snapshot: concurrent subscribe/unsubscribe after the
// call starts may or may not be reflected, but an id removed before the
// call started is never returned. Dangling ids rejected by the liveness
// check are dropped from the index and logged.
func (idx *Index) Resolve(key market.StreamKey) []Target {
	s := idx.shardFor(key)

	s.mu.RLock()
	subscribers := s.streams[key]
	conns := make([]Target, 0, len(subscribers))
	for connID, e := range subscribers {
		conns = append(conns, Target{
			ConnID:         connID,
			SubscriptionID: e.subID,
			MaxFrequencyMs: e.maxFrequencyMs,
		})
	}
	s.mu.RUnlock()

	if len(conns) == 0 {
		return nil
	}
	if idx.alive == nil {
		return conns
	}

	// The liveness callback may block on other subsystems' locks, so it
	// runs with no index lock held. A resolve on one shard never waits
	// on another shard or on the ledger.
	targets := conns[:0]
	for _, t := range conns {
		if !idx.alive(t.ConnID) {
			idx.logger.Warn("dropping dangling subscription entry",
				"conn_id", t.ConnID,
				"instrument", key.InstrumentID,
				"kind", key.Kind)
			idx.removeFromShard(key, t.ConnID)
			continue
		}
		targets = append(targets, t)
	}
	return targets
}

// Subscriptions returns the active subscriptions for one connection.
func (idx *Index) Subscriptions(connID string) []Subscription {
	idx.ledgerMu.RLock()
	defer idx.ledgerMu.RUnlock()

	conn := idx.byConn[connID]
	out := make([]Subscription, 0, len(conn))
	for _, sub := range conn {
		out = append(out, sub)
	}
	return out
}

// Count returns the number of active subscriptions for one connection.
func (idx *Index) Count(connID string) int {
	idx.ledgerMu.RLock()
	defer idx.ledgerMu.RUnlock()
	return len(idx.byConn[connID])
}

// Total returns the number of active subscriptions across all
// connections.
func (idx *Index) Total() int {
	return int(idx.total.Load())
}

// StreamCount returns the number of streams with at least one
// subscriber.
func (idx *Index) StreamCount() int {
	count := 0
	for i := range idx.shards {
		s := &idx.shards[i]
		s.mu.RLock()
		count += len(s.streams)
		s.mu.RUnlock()
	}
	return count
}

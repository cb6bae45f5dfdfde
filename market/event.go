// Package market defines the market data model: instruments, data
// kinds, events flowing from the upstream feed, and the typed payloads
// they carry.
package market

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Event is a single update for one (instrument, kind) stream as
// received from the upstream feed. Payload stays raw until a consumer
// needs the typed form; the distribution path forwards it untouched.
type Event struct {
	InstrumentID string          `json:"instrument_id"`
	Kind         DataKind        `json:"kind"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	Payload      json.RawMessage `json:"payload"`
}

// StreamKey identifies the (instrument, kind) stream an event belongs to.
func (e *Event) StreamKey() StreamKey {
	return StreamKey{InstrumentID: e.InstrumentID, Kind: e.Kind}
}

// Validate checks the envelope fields a malformed upstream message
// would get wrong.
func (e *Event) Validate() error {
	if e.InstrumentID == "" {
		return fmt.Errorf("event missing instrument_id")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("event has unknown kind %q", e.Kind)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("event for %s/%s has empty payload", e.InstrumentID, e.Kind)
	}
	return nil
}

// StreamKey is the unit of subscription and routing.
type StreamKey struct {
	InstrumentID string   `json:"instrument_id"`
	Kind         DataKind `json:"kind"`
}

func (k StreamKey) String() string {
	return k.InstrumentID + "/" + string(k.Kind)
}

// Quote is a top-of-book snapshot.
type Quote struct {
	Bid     decimal.Decimal `json:"bid"`
	BidSize decimal.Decimal `json:"bid_size"`
	Ask     decimal.Decimal `json:"ask"`
	AskSize decimal.Decimal `json:"ask_size"`
}

// Trade is a single execution.
type Trade struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	Side  string          `json:"side,omitempty"` // buy or sell, when the feed reports it
	ID    string          `json:"id,omitempty"`
}

// Bar is a time-bucketed OHLCV aggregate.
type Bar struct {
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
	Start  time.Time       `json:"start"`
	End    time.Time       `json:"end"`
}

// DepthLevel is one price level of the order book.
type DepthLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Depth is an order book snapshot up to the feed's level limit.
type Depth struct {
	Bids []DepthLevel `json:"bids"`
	Asks []DepthLevel `json:"asks"`
}

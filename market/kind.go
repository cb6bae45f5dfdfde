package market

import "fmt"

// DataKind identifies a category of market data carried on a stream.
type DataKind string

// Supported data kinds.
const (
	KindQuote DataKind = "quote" // top-of-book bid/ask
	KindTrade DataKind = "trade" // executed trades
	KindBar   DataKind = "bar"   // time-bucketed OHLCV
	KindDepth DataKind = "depth" // order book levels
)

var allKinds = []DataKind{KindQuote, KindTrade, KindBar, KindDepth}

// Kinds returns all supported data kinds.
func Kinds() []DataKind {
	out := make([]DataKind, len(allKinds))
	copy(out, allKinds)
	return out
}

// ParseKind validates a wire-level kind string.
func ParseKind(s string) (DataKind, error) {
	k := DataKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown data kind %q", s)
	}
	return k, nil
}

// Valid reports whether the kind is one of the supported set.
func (k DataKind) Valid() bool {
	switch k {
	case KindQuote, KindTrade, KindBar, KindDepth:
		return true
	}
	return false
}

// Coalescing reports whether only the latest event per flush window
// matters for this kind. Trades are append-only: every execution must
// reach the client. Quotes, bars and depth snapshots supersede their
// predecessors.
func (k DataKind) Coalescing() bool {
	return k != KindTrade
}

func (k DataKind) String() string {
	return string(k)
}

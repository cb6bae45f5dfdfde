package feed

import (
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tickstream/errors"
	"github.com/c360/tickstream/market"
	"github.com/c360/tickstream/metric"
	"github.com/c360/tickstream/natsclient"
)

type fakeIngester struct {
	mu       sync.Mutex
	events   []*market.Event
	stale    []string
	allStale int
	err      error
}

func (f *fakeIngester) Ingest(ev *market.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeIngester) MarkStale(instrumentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale = append(f.stale, instrumentID)
}

func (f *fakeIngester) MarkAllStale() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allStale++
}

func (f *fakeIngester) allStaleCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allStale
}

func newTestFeed(t *testing.T, ingester Ingester) *Feed {
	t.Helper()
	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)
	f, err := New(client, ingester, Options{SubjectPrefix: "md"})
	require.NoError(t, err)
	return f
}

func eventBody(t *testing.T, ev market.Event) []byte {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return data
}

func TestNew_RequiresValidPrefix(t *testing.T) {
	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = New(client, &fakeIngester{}, Options{})
	assert.Error(t, err)

	_, err = New(client, &fakeIngester{}, Options{SubjectPrefix: "md.*"})
	assert.Error(t, err)
}

func TestHandleMessage_ForwardsEvent(t *testing.T) {
	ingester := &fakeIngester{}
	f := newTestFeed(t, ingester)

	body := eventBody(t, market.Event{
		InstrumentID: "AAPL",
		Kind:         market.KindQuote,
		Sequence:     1,
		Timestamp:    time.Now().UTC(),
		Payload:      json.RawMessage(`{"bid":"189.2"}`),
	})
	f.handleMessage(&nats.Msg{Subject: "md.quote.AAPL", Data: body})

	require.Len(t, ingester.events, 1)
	assert.Equal(t, "AAPL", ingester.events[0].InstrumentID)
	assert.Equal(t, market.KindQuote, ingester.events[0].Kind)
	assert.Empty(t, ingester.stale)
}

func TestHandleMessage_FillsEnvelopeFromSubject(t *testing.T) {
	ingester := &fakeIngester{}
	f := newTestFeed(t, ingester)

	// Envelope leaves routing fields empty; the subject supplies them
	body := eventBody(t, market.Event{
		Sequence: 5,
		Payload:  json.RawMessage(`{"price":"42"}`),
	})
	f.handleMessage(&nats.Msg{Subject: "md.trade.BTC-USD", Data: body})

	require.Len(t, ingester.events, 1)
	assert.Equal(t, "BTC-USD", ingester.events[0].InstrumentID)
	assert.Equal(t, market.KindTrade, ingester.events[0].Kind)
	assert.False(t, ingester.events[0].Timestamp.IsZero())
}

func TestHandleMessage_DottedInstrument(t *testing.T) {
	ingester := &fakeIngester{}
	f := newTestFeed(t, ingester)

	body := eventBody(t, market.Event{
		Sequence: 1,
		Payload:  json.RawMessage(`{"price":"1"}`),
	})
	f.handleMessage(&nats.Msg{Subject: "md.bar.ES.2026Z", Data: body})

	require.Len(t, ingester.events, 1)
	assert.Equal(t, "ES.2026Z", ingester.events[0].InstrumentID)
}

func TestHandleMessage_MalformedBodyMarksStale(t *testing.T) {
	ingester := &fakeIngester{}
	f := newTestFeed(t, ingester)

	f.handleMessage(&nats.Msg{Subject: "md.quote.AAPL", Data: []byte("{broken")})

	assert.Empty(t, ingester.events)
	assert.Equal(t, []string{"AAPL"}, ingester.stale)
}

func TestHandleMessage_InstrumentMismatchMarksStale(t *testing.T) {
	ingester := &fakeIngester{}
	f := newTestFeed(t, ingester)

	body := eventBody(t, market.Event{
		InstrumentID: "TSLA",
		Kind:         market.KindQuote,
		Sequence:     1,
		Payload:      json.RawMessage(`{"bid":"1"}`),
	})
	f.handleMessage(&nats.Msg{Subject: "md.quote.AAPL", Data: body})

	assert.Empty(t, ingester.events)
	assert.Equal(t, []string{"AAPL"}, ingester.stale)
}

func TestHandleMessage_UnroutableSubjectIgnored(t *testing.T) {
	ingester := &fakeIngester{}
	f := newTestFeed(t, ingester)

	f.handleMessage(&nats.Msg{Subject: "other.quote.AAPL", Data: []byte("{}")})
	f.handleMessage(&nats.Msg{Subject: "md.candles.AAPL", Data: []byte("{}")})
	f.handleMessage(&nats.Msg{Subject: "md.quote", Data: []byte("{}")})

	assert.Empty(t, ingester.events)
	assert.Empty(t, ingester.stale)
}

func TestHandleMessage_StaleSequenceDroppedQuietly(t *testing.T) {
	ingester := &fakeIngester{err: errors.ErrStaleSequence}
	f := newTestFeed(t, ingester)

	body := eventBody(t, market.Event{
		Sequence: 1,
		Payload:  json.RawMessage(`{"bid":"1"}`),
	})
	f.handleMessage(&nats.Msg{Subject: "md.quote.AAPL", Data: body})

	assert.Empty(t, ingester.events)
	assert.Empty(t, ingester.stale, "out-of-order events are dropped, not stale-marked")
}

func TestFeed_UpstreamDownMarksEverythingStale(t *testing.T) {
	ingester := &fakeIngester{}
	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)
	metrics := metric.NewMetricsRegistry().CoreMetrics()

	f, err := New(client, ingester, Options{SubjectPrefix: "md", Metrics: metrics})
	require.NoError(t, err)

	f.handleUpstreamDown(stderrors.New("connection reset"))
	assert.Equal(t, 1, ingester.allStaleCalls())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.FeedConnected))

	f.handleUpstreamUp()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FeedConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FeedReconnects))

	f.handleUpstreamDown(stderrors.New("connection reset"))
	f.handleUpstreamUp()
	assert.Equal(t, 2, ingester.allStaleCalls())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.FeedReconnects))
}

func TestParseSubject(t *testing.T) {
	f := newTestFeed(t, &fakeIngester{})

	instrument, kind, err := f.parseSubject("md.depth.BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", instrument)
	assert.Equal(t, market.KindDepth, kind)

	_, _, err = f.parseSubject("md.depth")
	assert.Error(t, err)
	_, _, err = f.parseSubject("nope.depth.X")
	assert.Error(t, err)
}

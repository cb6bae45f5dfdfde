// Package feed bridges the upstream NATS market data feed into the
// publisher. Subjects follow <prefix>.<kind>.<instrument>; each message
// body is one event envelope.
package feed

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/c360/tickstream/errors"
	"github.com/c360/tickstream/market"
	"github.com/c360/tickstream/metric"
	"github.com/c360/tickstream/natsclient"
	"github.com/c360/tickstream/pkg/retry"
)

// Ingester is the slice of the publisher the feed needs.
type Ingester interface {
	Ingest(ev *market.Event) error
	MarkStale(instrumentID string)
	MarkAllStale()
}

// Options configures a Feed.
type Options struct {
	SubjectPrefix string
	Logger        *slog.Logger
	Metrics       *metric.Metrics
	ConnectRetry  retry.Config
}

// Feed subscribes to the upstream subjects and forwards events.
type Feed struct {
	client   *natsclient.Client
	ingester Ingester
	opts     Options
	log      *slog.Logger

	lifecycleMu sync.Mutex
	started     bool
}

// New creates a feed on an existing NATS client.
func New(client *natsclient.Client, ingester Ingester, opts Options) (*Feed, error) {
	if opts.SubjectPrefix == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Feed", "New", "subject prefix")
	}
	if strings.ContainsAny(opts.SubjectPrefix, " .*>") {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Feed", "New",
			"subject prefix must be a single token")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.ConnectRetry.MaxAttempts == 0 {
		opts.ConnectRetry = retry.Persistent()
	}
	f := &Feed{
		client:   client,
		ingester: ingester,
		opts:     opts,
		log:      log.With("component", "feed"),
	}

	client.SetDisconnectCallback(f.handleUpstreamDown)
	client.SetReconnectCallback(f.handleUpstreamUp)
	return f, nil
}

// handleUpstreamDown runs when the NATS connection drops. Until the
// feed is back, every stream the publisher has seen is serving data of
// unknown freshness.
func (f *Feed) handleUpstreamDown(err error) {
	if m := f.opts.Metrics; m != nil {
		m.FeedConnected.Set(0)
	}
	f.ingester.MarkAllStale()
	f.log.Warn("upstream feed lost", "err", err)
}

// handleUpstreamUp runs on every successful reconnect.
func (f *Feed) handleUpstreamUp() {
	if m := f.opts.Metrics; m != nil {
		m.FeedConnected.Set(1)
		m.FeedReconnects.Inc()
	}
	f.log.Info("upstream feed restored")
}

// Start connects to the upstream server, retrying with backoff, and
// subscribes to one subject per data kind.
func (f *Feed) Start(ctx context.Context) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()
	if f.started {
		return errors.ErrAlreadyStarted
	}

	err := retry.Do(ctx, f.opts.ConnectRetry, func() error {
		return f.client.Connect(ctx)
	})
	if err != nil {
		return errors.WrapTransient(err, "Feed", "Start", "connecting upstream")
	}

	for _, kind := range market.Kinds() {
		subject := fmt.Sprintf("%s.%s.>", f.opts.SubjectPrefix, kind)
		if _, err := f.client.Subscribe(subject, f.handleMessage); err != nil {
			return errors.WrapTransient(err, "Feed", "Start", "subscribing "+subject)
		}
		f.log.Info("subscribed to upstream subject", "subject", subject)
	}

	if m := f.opts.Metrics; m != nil {
		m.FeedConnected.Set(1)
	}
	f.started = true
	return nil
}

// Stop drains the upstream connection.
func (f *Feed) Stop(timeout time.Duration) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()
	if !f.started {
		return errors.ErrNotStarted
	}
	f.started = false

	if m := f.opts.Metrics; m != nil {
		m.FeedConnected.Set(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return f.client.Close(ctx)
}

// Healthy reports whether the upstream connection is up.
func (f *Feed) Healthy() bool {
	return f.client.IsHealthy()
}

// handleMessage decodes one upstream message and hands it to the
// publisher. A malformed event marks the instrument stale instead of
// crashing anything downstream.
func (f *Feed) handleMessage(msg *nats.Msg) {
	instrument, kind, err := f.parseSubject(msg.Subject)
	if err != nil {
		f.log.Error("unroutable upstream message", "subject", msg.Subject, "err", err)
		return
	}

	var ev market.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		upstream := errors.NewUpstreamError(instrument, "malformed event body", err)
		f.log.Error("dropping malformed upstream event",
			"subject", msg.Subject, "err", upstream)
		f.ingester.MarkStale(instrument)
		return
	}

	// The subject is authoritative for routing; a disagreeing envelope
	// is a feed bug worth flagging.
	if ev.InstrumentID == "" {
		ev.InstrumentID = instrument
	} else if ev.InstrumentID != instrument {
		upstream := errors.NewUpstreamError(instrument, "subject/envelope instrument mismatch", nil)
		f.log.Error("dropping inconsistent upstream event",
			"subject", msg.Subject, "envelope_instrument", ev.InstrumentID, "err", upstream)
		f.ingester.MarkStale(instrument)
		return
	}
	if ev.Kind == "" {
		ev.Kind = kind
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if err := f.ingester.Ingest(&ev); err != nil {
		if stderrors.Is(err, errors.ErrStaleSequence) {
			f.log.Debug("dropped out-of-order upstream event",
				"instrument", ev.InstrumentID, "kind", ev.Kind, "sequence", ev.Sequence)
			return
		}
		f.log.Warn("event rejected by publisher",
			"instrument", ev.InstrumentID, "kind", ev.Kind, "err", err)
	}
}

// parseSubject splits <prefix>.<kind>.<instrument...>. Instruments may
// contain dots, so everything after the kind token belongs to the id.
func (f *Feed) parseSubject(subject string) (instrument string, kind market.DataKind, err error) {
	rest, ok := strings.CutPrefix(subject, f.opts.SubjectPrefix+".")
	if !ok {
		return "", "", fmt.Errorf("subject %q lacks prefix %q", subject, f.opts.SubjectPrefix)
	}

	kindToken, instrument, ok := strings.Cut(rest, ".")
	if !ok || instrument == "" {
		return "", "", fmt.Errorf("subject %q missing instrument token", subject)
	}

	kind, err = market.ParseKind(kindToken)
	if err != nil {
		return "", "", fmt.Errorf("subject %q: %w", subject, err)
	}
	return instrument, kind, nil
}

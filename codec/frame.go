package codec

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/c360/tickstream/market"
)

// FrameType enumerates the closed set of outbound frames.
type FrameType string

// Outbound frame types.
const (
	FrameData  FrameType = "data"
	FrameAck   FrameType = "ack"
	FramePong  FrameType = "pong"
	FrameError FrameType = "error"
	FrameStats FrameType = "stats"
)

// Frame is one outbound message. Constructed through the helpers below
// so each type carries exactly its fields; never shared mutably across
// connections once encoded.
type Frame struct {
	Type       FrameType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	Kind       market.DataKind `json:"kind,omitempty"`
	Instrument string          `json:"instrument,omitempty"`
	Sequence   uint64          `json:"sequence,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	SubscriptionID string `json:"subscription_id,omitempty"`
	Status         string `json:"status,omitempty"`
	Message        string `json:"message,omitempty"`
	Code           string `json:"code,omitempty"`
}

// NewDataFrame wraps one event payload for delivery.
func NewDataFrame(ev *market.Event) Frame {
	return Frame{
		Type:       FrameData,
		Timestamp:  ev.Timestamp,
		Kind:       ev.Kind,
		Instrument: ev.InstrumentID,
		Sequence:   ev.Sequence,
		Payload:    ev.Payload,
	}
}

// NewAckFrame acknowledges a successful subscribe or unsubscribe.
func NewAckFrame(subscriptionID string) Frame {
	return Frame{
		Type:           FrameAck,
		Timestamp:      time.Now().UTC(),
		SubscriptionID: subscriptionID,
		Status:         "ok",
	}
}

// NewErrorAckFrame reports a failed subscribe or unsubscribe.
func NewErrorAckFrame(subscriptionID, code, message string) Frame {
	return Frame{
		Type:           FrameAck,
		Timestamp:      time.Now().UTC(),
		SubscriptionID: subscriptionID,
		Status:         "error",
		Code:           code,
		Message:        message,
	}
}

// NewPongFrame answers a client ping.
func NewPongFrame() Frame {
	return Frame{
		Type:      FramePong,
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorFrame reports a command failure with a stable code.
func NewErrorFrame(code, message string) Frame {
	return Frame{
		Type:      FrameError,
		Timestamp: time.Now().UTC(),
		Code:      code,
		Message:   message,
	}
}

// NewStatsFrame carries an aggregate statistics snapshot.
func NewStatsFrame(snapshot json.RawMessage) Frame {
	return Frame{
		Type:      FrameStats,
		Timestamp: time.Now().UTC(),
		Payload:   snapshot,
	}
}

// Encoded is a wire-ready frame. When Compressed is true, Data holds
// the gzipped JSON and must be sent as a binary message.
type Encoded struct {
	Data       []byte
	Compressed bool
}

// EncodeFrame serializes a frame, gzipping it when the JSON exceeds the
// configured threshold. The encoded bytes are immutable and safe to
// enqueue to any number of connections.
func (c *Codec) EncodeFrame(f Frame) (Encoded, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return Encoded{}, fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}

	if c.compressionThreshold <= 0 || len(data) < c.compressionThreshold {
		return Encoded{Data: data}, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return Encoded{}, fmt.Errorf("compressing %s frame: %w", f.Type, err)
	}
	if err := gz.Close(); err != nil {
		return Encoded{}, fmt.Errorf("compressing %s frame: %w", f.Type, err)
	}

	// Incompressible payloads can come out larger; keep the original.
	if buf.Len() >= len(data) {
		return Encoded{Data: data}, nil
	}
	return Encoded{Data: buf.Bytes(), Compressed: true}, nil
}

// Package codec parses and validates inbound client commands and
// serializes outbound frames. It is the only package that touches raw
// client bytes; everything behind it works with typed values.
package codec

import (
	"github.com/goccy/go-json"

	"github.com/c360/tickstream/errors"
	"github.com/c360/tickstream/market"
)

// CommandType enumerates the closed set of inbound commands.
type CommandType string

// Inbound command types.
const (
	CmdSubscribe   CommandType = "subscribe"
	CmdUnsubscribe CommandType = "unsubscribe"
	CmdPing        CommandType = "ping"
	CmdStats       CommandType = "stats"
)

// SubscribeParams carries the optional tuning knobs on a subscribe.
type SubscribeParams struct {
	// MaxFrequencyMs asks the server to deliver at most one frame per
	// interval for coalescing kinds. Zero means every flush.
	MaxFrequencyMs int `json:"max_frequency_ms,omitempty"`
}

// Command is the parsed form of one inbound client frame. Exactly the
// fields for its Type are populated; the rest stay zero.
type Command struct {
	Type CommandType

	// Subscribe fields
	Instrument string
	Kind       market.DataKind
	Params     SubscribeParams

	// Unsubscribe field
	SubscriptionID string
}

// commandEnvelope is the wire shape shared by all inbound commands.
type commandEnvelope struct {
	Type           string          `json:"type"`
	Instrument     string          `json:"instrument"`
	Kind           string          `json:"kind"`
	Params         SubscribeParams `json:"params"`
	SubscriptionID string          `json:"subscription_id"`
}

// Parse decodes one raw client frame into a Command. Malformed JSON or
// an unknown type yields a ProtocolError; the caller replies with an
// error frame and drops the input, never the connection.
func (c *Codec) Parse(raw []byte) (Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Command{}, errors.NewProtocolError(errors.CodeMalformedFrame, "frame is not valid JSON", err)
	}

	switch CommandType(env.Type) {
	case CmdSubscribe:
		return Command{
			Type:       CmdSubscribe,
			Instrument: env.Instrument,
			Kind:       market.DataKind(env.Kind),
			Params:     env.Params,
		}, nil
	case CmdUnsubscribe:
		return Command{
			Type:           CmdUnsubscribe,
			SubscriptionID: env.SubscriptionID,
		}, nil
	case CmdPing:
		return Command{Type: CmdPing}, nil
	case CmdStats:
		return Command{Type: CmdStats}, nil
	default:
		return Command{}, errors.NewProtocolError(errors.CodeUnknownType,
			"unknown command type "+env.Type, nil)
	}
}

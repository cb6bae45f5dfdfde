package codec

import (
	"fmt"
	"unicode"

	"github.com/c360/tickstream/errors"
	"github.com/c360/tickstream/market"
)

const (
	maxInstrumentLen  = 64
	maxFrequencyMsCap = 60_000
)

// Codec validates commands against the instrument catalog and encodes
// outbound frames, compressing large payloads. A single Codec is shared
// by all connections; it holds no per-connection state.
type Codec struct {
	catalog              market.Catalog
	compressionThreshold int
}

// New creates a codec. A nil catalog disables instrument existence
// checks (format checks still apply). A non-positive threshold disables
// payload compression.
func New(catalog market.Catalog, compressionThreshold int) *Codec {
	return &Codec{
		catalog:              catalog,
		compressionThreshold: compressionThreshold,
	}
}

// Validate checks a parsed command semantically. It never mutates any
// state; a failure means the caller replies with an error frame and the
// command is discarded.
func (c *Codec) Validate(cmd Command) error {
	switch cmd.Type {
	case CmdSubscribe:
		if err := validateInstrumentID(cmd.Instrument); err != nil {
			return err
		}
		if !cmd.Kind.Valid() {
			return errors.NewValidationError(errors.CodeInvalidKind, "kind",
				fmt.Sprintf("unsupported data kind %q", cmd.Kind))
		}
		if cmd.Params.MaxFrequencyMs < 0 || cmd.Params.MaxFrequencyMs > maxFrequencyMsCap {
			return errors.NewValidationError(errors.CodeInvalidParams, "params.max_frequency_ms",
				fmt.Sprintf("max_frequency_ms must be in 0-%d, got %d", maxFrequencyMsCap, cmd.Params.MaxFrequencyMs))
		}
		if c.catalog != nil && !c.catalog.Has(cmd.Instrument) {
			return errors.NewSubscriptionError(errors.CodeUnknownInstrument,
				fmt.Sprintf("instrument %q is not in the catalog", cmd.Instrument))
		}
		return nil

	case CmdUnsubscribe:
		if cmd.SubscriptionID == "" {
			return errors.NewValidationError(errors.CodeInvalidParams, "subscription_id",
				"subscription_id must not be empty")
		}
		return nil

	case CmdPing, CmdStats:
		return nil

	default:
		return errors.NewProtocolError(errors.CodeUnknownType,
			"unknown command type "+string(cmd.Type), nil)
	}
}

// validateInstrumentID enforces the identifier format: 1-64 characters,
// letters, digits, dash, dot or underscore, starting with a letter or
// digit.
func validateInstrumentID(id string) error {
	if id == "" {
		return errors.NewValidationError(errors.CodeInvalidInstrument, "instrument",
			"instrument must not be empty")
	}
	if len(id) > maxInstrumentLen {
		return errors.NewValidationError(errors.CodeInvalidInstrument, "instrument",
			fmt.Sprintf("instrument exceeds %d characters", maxInstrumentLen))
	}
	for i, r := range id {
		switch {
		case unicode.IsLetter(r) && r < 128, unicode.IsDigit(r) && r < 128:
		case (r == '-' || r == '.' || r == '_') && i > 0:
		default:
			return errors.NewValidationError(errors.CodeInvalidInstrument, "instrument",
				fmt.Sprintf("instrument contains invalid character %q", r))
		}
	}
	return nil
}

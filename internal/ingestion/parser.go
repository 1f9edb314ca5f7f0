package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"MarginLedger/internal/instruction"
	"MarginLedger/internal/oracle"
)

// Subjects and streams.
//
//	margin.ix.<type>          instruction payloads, <type> is the wire name
//	margin.prices.<feed>      raw oracle readings for one feed
//	margin.events.<type>[.m]  applied instructions, per market when one is touched
const (
	InstructionSubjectPrefix = "margin.ix."
	PriceSubjectPrefix       = "margin.prices."
	EventSubjectPrefix       = "margin.events."

	InstructionStream = "MARGIN_INSTRUCTIONS"
	PriceStream       = "MARGIN_PRICES"
	EventStream       = "MARGIN_EVENTS"
)

// ErrUnknownSubject is returned for messages outside the ledger's subjects.
var ErrUnknownSubject = errors.New("unknown subject")

// InstructionSubject is the subject instructions of type t are published on.
func InstructionSubject(t instruction.Type) string {
	return InstructionSubjectPrefix + t.String()
}

// PriceSubject is the subject readings of feed are published on.
func PriceSubject(feed uuid.UUID) string {
	return PriceSubjectPrefix + feed.String()
}

// ParseMessage converts a raw message into a validated instruction. The
// subject selects the payload type.
func ParseMessage(subject string, data []byte) (instruction.Instruction, error) {
	switch {
	case strings.HasPrefix(subject, InstructionSubjectPrefix):
		name := strings.TrimPrefix(subject, InstructionSubjectPrefix)
		if i := strings.IndexByte(name, '.'); i >= 0 {
			name = name[:i]
		}
		return instruction.DecodeNamed(name, data)

	case strings.HasPrefix(subject, PriceSubjectPrefix):
		return parsePrice(strings.TrimPrefix(subject, PriceSubjectPrefix), data)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
}

// parsePrice accepts a bare oracle reading. The feed id may be omitted from
// the payload; when present it must match the subject.
func parsePrice(token string, data []byte) (instruction.Instruction, error) {
	feedID, err := uuid.Parse(token)
	if err != nil {
		return nil, instruction.ErrMalformed.Wrapf("price subject feed %q: %v", token, err)
	}

	var feed oracle.Feed
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&feed); err != nil {
		return nil, instruction.ErrMalformed.Wrapf("decode price: %v", err)
	}
	switch feed.ID {
	case uuid.Nil:
		feed.ID = feedID
	case feedID:
	default:
		return nil, instruction.ErrMalformed.Wrapf("price for feed %s published on %s", feed.ID, token)
	}

	ix := &instruction.PriceUpdate{Feed: feed}
	if err := instruction.Validate(ix); err != nil {
		return nil, err
	}
	return ix, nil
}

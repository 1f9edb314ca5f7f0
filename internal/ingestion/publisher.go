package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"MarginLedger/internal/core"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/orderbook"
)

// OutboundEvent is the public form of one applied instruction. An
// instruction touching markets yields one event per market.
type OutboundEvent struct {
	Sequence       int64                 `json:"sequence"`
	Type           string                `json:"type"`
	IdempotencyKey string                `json:"idempotency_key"`
	Partition      string                `json:"partition"`
	Timestamp      int64                 `json:"timestamp"`
	StateHash      string                `json:"state_hash"`
	Result         json.RawMessage       `json:"result,omitempty"`
	Balances       []ledger.BalanceEntry `json:"balances,omitempty"`
	Accounts       []AccountEvent        `json:"accounts,omitempty"`
	Market         *MarketEvent          `json:"market,omitempty"`
}

// AccountEvent summarizes a touched margin account.
type AccountEvent struct {
	ID               uuid.UUID `json:"id"`
	LiquidationState string    `json:"liquidation_state,omitempty"`
	Closed           bool      `json:"closed,omitempty"`
}

// MarketEvent carries what happened in one market.
type MarketEvent struct {
	Market     uuid.UUID        `json:"market"`
	Fills      []orderbook.Fill `json:"fills,omitempty"`
	OpenLoans  int              `json:"open_loans"`
	QueueDepth int              `json:"queue_depth"`
	OpenOrders int              `json:"open_orders"`
}

// Subject is margin.events.<type>, suffixed with the market when set.
func (e OutboundEvent) Subject() string {
	subject := EventSubjectPrefix + e.Type
	if e.Market != nil {
		subject = fmt.Sprintf("%s.%s", subject, e.Market.Market)
	}
	return subject
}

// MsgID deduplicates republished events in the outbound stream.
func (e OutboundEvent) MsgID() string {
	if e.Market != nil {
		return fmt.Sprintf("%d:%s", e.Sequence, e.Market.Market)
	}
	return fmt.Sprintf("%d", e.Sequence)
}

// NewOutboundEvents builds the events of one core output.
func NewOutboundEvents(out core.CoreOutput) []OutboundEvent {
	env := out.Envelope
	base := OutboundEvent{
		Sequence:       env.Sequence,
		Type:           env.Type.String(),
		IdempotencyKey: env.IdempotencyKey,
		Partition:      env.Partition,
		Timestamp:      env.Timestamp,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Result:         env.Result,
		Balances:       out.Balances,
	}
	for _, a := range out.Accounts {
		ev := AccountEvent{ID: a.ID, Closed: a.Closed}
		if a.Account != nil {
			ev.LiquidationState = a.Account.State().String()
		}
		base.Accounts = append(base.Accounts, ev)
	}

	if len(out.Markets) == 0 {
		return []OutboundEvent{base}
	}
	events := make([]OutboundEvent, 0, len(out.Markets))
	for _, m := range out.Markets {
		ev := base
		ev.Market = &MarketEvent{
			Market:     m.Market,
			Fills:      m.Fills,
			OpenLoans:  len(m.Loans),
			QueueDepth: m.QueueDepth,
			OpenOrders: m.OpenOrders,
		}
		events = append(events, ev)
	}
	return events
}

// OutboundPublisher publishes applied instructions to NATS for downstream
// consumers. Outputs arrive after persistence is confirmed.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	log       zerolog.Logger
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       observability.NewLogger("publisher"),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			for _, evt := range NewOutboundEvents(out) {
				if err := op.publish(ctx, evt); err != nil {
					// Non-fatal: downstream consumers can read the log directly
					op.log.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt OutboundEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(evt.MsgID()))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStream,
		Subjects:   []string{EventSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log := observability.NewLogger("nats")
	log.Info().Str("stream", EventStream).Msg("ensured outbound stream")
	return nil
}

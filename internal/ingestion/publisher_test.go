package ingestion_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarginLedger/internal/core"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/instruction"
)

func TestNewOutboundEvents_WithoutMarkets(t *testing.T) {
	out := core.CoreOutput{
		Envelope: &instruction.Envelope{
			Sequence:       5,
			IdempotencyKey: "k",
			Type:           instruction.TypeFundWallet,
			Partition:      instruction.GlobalPartition,
			Timestamp:      1_700_000_000,
		},
		Accounts: []core.AccountUpdate{{ID: uuid.New(), Closed: true}},
	}

	events := ingestion.NewOutboundEvents(out)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "margin.events.fund_wallet", ev.Subject())
	assert.Equal(t, "5", ev.MsgID())
	assert.Len(t, ev.StateHash, 64)
	require.Len(t, ev.Accounts, 1)
	assert.True(t, ev.Accounts[0].Closed)
	assert.Empty(t, ev.Accounts[0].LiquidationState)
}

func TestNewOutboundEvents_OnePerMarket(t *testing.T) {
	m1, m2 := uuid.New(), uuid.New()
	out := core.CoreOutput{
		Envelope: &instruction.Envelope{Sequence: 9, Type: instruction.TypeConsumeEvents},
		Markets: []core.MarketUpdate{
			{Market: m1, QueueDepth: 3},
			{Market: m2, OpenOrders: 1},
		},
	}

	events := ingestion.NewOutboundEvents(out)
	require.Len(t, events, 2)
	assert.Equal(t, "margin.events.consume_events."+m1.String(), events[0].Subject())
	assert.Equal(t, "margin.events.consume_events."+m2.String(), events[1].Subject())
	assert.Equal(t, 3, events[0].Market.QueueDepth)
	assert.Equal(t, 1, events[1].Market.OpenOrders)
	assert.NotEqual(t, events[0].MsgID(), events[1].MsgID())
}

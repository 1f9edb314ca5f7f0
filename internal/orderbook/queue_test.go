package orderbook_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarginLedger/internal/orderbook"
)

func outEvent(qty uint64) orderbook.Event {
	return orderbook.OutEvent(orderbook.Out{BaseQty: qty})
}

func TestEventQueue_FIFOAcrossWrap(t *testing.T) {
	q := orderbook.NewEventQueue(uuid.New(), 3)
	require.NoError(t, q.PushAll(outEvent(1), outEvent(2)))
	require.NoError(t, q.Pop(1))
	require.NoError(t, q.PushAll(outEvent(3), outEvent(4)))

	require.Equal(t, 3, q.Len())
	for i, want := range []uint64{2, 3, 4} {
		ev, err := q.Peek(i)
		require.NoError(t, err)
		assert.Equal(t, want, ev.Out.BaseQty)
	}
	assert.Equal(t, uint64(1), q.HeadSeq())
}

func TestEventQueue_PushAllIsAtomic(t *testing.T) {
	q := orderbook.NewEventQueue(uuid.New(), 2)
	require.NoError(t, q.PushAll(outEvent(1)))

	err := q.PushAll(outEvent(2), outEvent(3))
	require.ErrorIs(t, err, orderbook.ErrEventQueueFull)
	assert.Equal(t, 1, q.Len(), "a rejected batch must not be partially appended")
}

func TestEventQueue_PeekAndPopBounds(t *testing.T) {
	q := orderbook.NewEventQueue(uuid.New(), 2)
	_, err := q.Peek(0)
	require.ErrorIs(t, err, orderbook.ErrEventOutOfRange)
	require.ErrorIs(t, q.Pop(1), orderbook.ErrEventOutOfRange)
}

func TestEventQueue_CloneAndJSON(t *testing.T) {
	q := orderbook.NewEventQueue(uuid.New(), 4)
	require.NoError(t, q.PushAll(outEvent(1), outEvent(2)))
	require.NoError(t, q.Pop(1))

	clone := q.Clone()
	require.NoError(t, clone.Pop(1))
	assert.Equal(t, 1, q.Len())

	data, err := json.Marshal(q)
	require.NoError(t, err)
	var back orderbook.EventQueue
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, q.ID(), back.ID())
	assert.Equal(t, q.HeadSeq(), back.HeadSeq())
	ev, err := back.Peek(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ev.Out.BaseQty)
}

func TestEventQueue_RejectsZeroCapacitySnapshot(t *testing.T) {
	data := []byte(`{"id":"` + uuid.NewString() + `","capacity":0,"pushed":0,"events":[]}`)
	var q orderbook.EventQueue
	require.ErrorIs(t, json.Unmarshal(data, &q), orderbook.ErrInvalidQueueCapacity)

	empty := orderbook.NewEventQueue(uuid.New(), 1)
	assert.NoError(t, empty.Pop(0))
}

package orderbook

import (
	"encoding/json"

	"github.com/google/uuid"
)

type EventKind uint8

const (
	EventFill EventKind = iota
	EventOut
)

func (k EventKind) String() string {
	if k == EventFill {
		return "fill"
	}
	return "out"
}

// Event is a queued Fill or Out. Exactly one of Fill and Out is set.
type Event struct {
	Kind EventKind `json:"kind"`
	Fill *Fill     `json:"fill,omitempty"`
	Out  *Out      `json:"out,omitempty"`
}

func FillEvent(f Fill) Event { return Event{Kind: EventFill, Fill: &f} }
func OutEvent(o Out) Event   { return Event{Kind: EventOut, Out: &o} }

// EventQueue is a bounded FIFO ring buffer. Events are read by index from
// the head and only removed by Pop once their effects were applied.
type EventQueue struct {
	id    uuid.UUID
	buf   []Event
	head  int
	count int
	// pushed counts every event ever accepted; consumers use it as a
	// monotonically increasing event number.
	pushed uint64
}

func NewEventQueue(id uuid.UUID, capacity int) *EventQueue {
	return &EventQueue{id: id, buf: make([]Event, capacity)}
}

func (q *EventQueue) ID() uuid.UUID { return q.id }
func (q *EventQueue) Len() int      { return q.count }
func (q *EventQueue) Cap() int      { return len(q.buf) }
func (q *EventQueue) Free() int     { return len(q.buf) - q.count }

// HeadSeq is the event number of the event at the head.
func (q *EventQueue) HeadSeq() uint64 { return q.pushed - uint64(q.count) }

// PushAll appends events atomically: either all fit or none are added.
func (q *EventQueue) PushAll(events ...Event) error {
	if len(events) > q.Free() {
		return ErrEventQueueFull.Wrapf("need %d slots, %d free", len(events), q.Free())
	}
	for _, ev := range events {
		q.buf[(q.head+q.count)%len(q.buf)] = ev
		q.count++
		q.pushed++
	}
	return nil
}

// Peek returns the i-th event from the head.
func (q *EventQueue) Peek(i int) (Event, error) {
	if i < 0 || i >= q.count {
		return Event{}, ErrEventOutOfRange
	}
	return q.buf[(q.head+i)%len(q.buf)], nil
}

// Pop discards n events from the head.
func (q *EventQueue) Pop(n int) error {
	if n < 0 || n > q.count {
		return ErrEventOutOfRange
	}
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		q.buf[(q.head+i)%len(q.buf)] = Event{}
	}
	q.head = (q.head + n) % len(q.buf)
	q.count -= n
	return nil
}

// Clone copies the queue; event payloads are never mutated in place.
func (q *EventQueue) Clone() *EventQueue {
	out := *q
	out.buf = make([]Event, len(q.buf))
	copy(out.buf, q.buf)
	return &out
}

type queueJSON struct {
	ID       uuid.UUID `json:"id"`
	Capacity int       `json:"capacity"`
	Pushed   uint64    `json:"pushed"`
	Events   []Event   `json:"events"`
}

func (q *EventQueue) MarshalJSON() ([]byte, error) {
	events := make([]Event, 0, q.count)
	for i := 0; i < q.count; i++ {
		ev, _ := q.Peek(i)
		events = append(events, ev)
	}
	return json.Marshal(queueJSON{ID: q.id, Capacity: len(q.buf), Pushed: q.pushed, Events: events})
}

func (q *EventQueue) UnmarshalJSON(data []byte) error {
	var raw queueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Capacity <= 0 {
		return ErrInvalidQueueCapacity.Wrapf("capacity %d", raw.Capacity)
	}
	*q = EventQueue{id: raw.ID, buf: make([]Event, raw.Capacity)}
	if err := q.PushAll(raw.Events...); err != nil {
		return err
	}
	q.pushed = raw.Pushed
	return nil
}

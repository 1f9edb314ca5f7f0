package oracle

import (
	"sort"

	"github.com/google/uuid"
)

// Table is the deterministic feed store owned by the core. Feeds must be
// registered before readings are accepted; readings older than the current
// one are ignored, gaps are fine.
type Table struct {
	feeds map[uuid.UUID]*Feed
}

func NewTable() *Table {
	return &Table{feeds: make(map[uuid.UUID]*Feed)}
}

// Register declares a feed id. Registering twice is a no-op.
func (t *Table) Register(id uuid.UUID) {
	if _, ok := t.feeds[id]; !ok {
		t.feeds[id] = nil
	}
}

func (t *Table) Known(id uuid.UUID) bool {
	_, ok := t.feeds[id]
	return ok
}

// Apply stores a reading. It returns false when the reading was ignored
// because a newer one is already held.
func (t *Table) Apply(feed Feed) (bool, error) {
	current, ok := t.feeds[feed.ID]
	if !ok {
		return false, ErrWrongOracle
	}
	if current != nil && current.PublishTime >= feed.PublishTime {
		return false, nil
	}
	f := feed
	t.feeds[feed.ID] = &f
	return true, nil
}

func (t *Table) GetPrice(feedID uuid.UUID) (Feed, error) {
	f, ok := t.feeds[feedID]
	if !ok {
		return Feed{}, ErrWrongOracle
	}
	if f == nil {
		return Feed{}, ErrPriceMissing
	}
	return *f, nil
}

// Clone returns an independent copy for scratch transactions.
func (t *Table) Clone() *Table {
	out := &Table{feeds: make(map[uuid.UUID]*Feed, len(t.feeds))}
	for id, f := range t.feeds {
		if f == nil {
			out.feeds[id] = nil
			continue
		}
		cp := *f
		out.feeds[id] = &cp
	}
	return out
}

// Snapshot returns the registered feeds ordered by id. Feeds without a
// reading carry only their id.
func (t *Table) Snapshot() []Feed {
	out := make([]Feed, 0, len(t.feeds))
	for id, f := range t.feeds {
		if f == nil {
			out = append(out, Feed{ID: id})
			continue
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Restore rebuilds a table from Snapshot output.
func Restore(feeds []Feed) *Table {
	t := NewTable()
	for _, f := range feeds {
		if f.PublishTime == 0 && f.Price == 0 {
			t.feeds[f.ID] = nil
			continue
		}
		cp := f
		t.feeds[f.ID] = &cp
	}
	return t
}

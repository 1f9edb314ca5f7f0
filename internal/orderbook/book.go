package orderbook

import (
	"errors"
	"math"

	"github.com/google/btree"
	"github.com/oklog/ulid/v2"

	"MarginLedger/internal/fault"
	fp "MarginLedger/internal/math"
)

const btreeDegree = 32

// priceLevel holds the orders resting at one price in arrival order.
// Levels are values: every mutation stores a fresh copy so a cloned tree
// never observes changes made through the original.
type priceLevel struct {
	price  fp.Fp32
	orders []Order
}

// bookSide is one side of the book. Min() is always the best level: bids
// sort by descending price, asks ascending.
type bookSide struct {
	tree *btree.BTreeG[priceLevel]
	desc bool
}

func newBookSide(desc bool) *bookSide {
	less := func(a, b priceLevel) bool { return a.price < b.price }
	if desc {
		less = func(a, b priceLevel) bool { return a.price > b.price }
	}
	return &bookSide{tree: btree.NewG[priceLevel](btreeDegree, less), desc: desc}
}

func (s *bookSide) best() (priceLevel, bool) {
	return s.tree.Min()
}

func (s *bookSide) get(price fp.Fp32) (priceLevel, bool) {
	return s.tree.Get(priceLevel{price: price})
}

func (s *bookSide) set(level priceLevel) {
	if len(level.orders) == 0 {
		s.tree.Delete(priceLevel{price: level.price})
		return
	}
	s.tree.ReplaceOrInsert(level)
}

func (s *bookSide) iterate(fn func(priceLevel) bool) {
	s.tree.Ascend(func(l priceLevel) bool { return fn(l) })
}

func (s *bookSide) clone() *bookSide {
	return &bookSide{tree: s.tree.Clone(), desc: s.desc}
}

type locator struct {
	side  Side
	price fp.Fp32
}

// Book is the order book of one market.
type Book struct {
	bids     *bookSide
	asks     *bookSide
	index    map[ulid.ULID]locator
	sequence uint64
}

func NewBook() *Book {
	return &Book{
		bids:  newBookSide(true),
		asks:  newBookSide(false),
		index: make(map[ulid.ULID]locator),
	}
}

func (b *Book) side(s Side) *bookSide {
	if s == Bid {
		return b.bids
	}
	return b.asks
}

// Clone is cheap: the trees share nodes copy-on-write.
func (b *Book) Clone() *Book {
	out := &Book{
		bids:     b.bids.clone(),
		asks:     b.asks.clone(),
		index:    make(map[ulid.ULID]locator, len(b.index)),
		sequence: b.sequence,
	}
	for id, loc := range b.index {
		out.index[id] = loc
	}
	return out
}

// Fill is one match between a resting maker and the incoming taker. Price
// is always the maker's price. MakerRefund is the rounding remainder of a
// finished maker bid's locked quote.
type Fill struct {
	MakerOrderID ulid.ULID `json:"maker_order_id"`
	TakerOrderID ulid.ULID `json:"taker_order_id"`
	MakerSide    Side      `json:"maker_side"`
	Maker        Callback  `json:"maker"`
	Taker        Callback  `json:"taker"`
	BaseQty      uint64    `json:"base_qty"`
	QuoteQty     uint64    `json:"quote_qty"`
	Price        fp.Fp32   `json:"price"`
	MakerDone    bool      `json:"maker_done"`
	MakerRefund  uint64    `json:"maker_refund,omitempty"`
}

// MatchSummary reports what happened to an incoming order.
type MatchSummary struct {
	OrderID     ulid.ULID `json:"order_id"`
	Fills       []Fill    `json:"fills"`
	BaseFilled  uint64    `json:"base_filled"`
	QuoteFilled uint64    `json:"quote_filled"`
	Posted      *Order    `json:"posted,omitempty"`
}

func crosses(taker Side, limit, resting fp.Fp32) bool {
	if taker == Bid {
		return resting <= limit
	}
	return resting >= limit
}

// affordableBase is how much base quote buys at price. Below par the
// result can exceed uint64, which saturates: base is capped elsewhere.
func affordableBase(price fp.Fp32, quote uint64) (uint64, error) {
	n, err := price.DivIntoU64(quote)
	if errors.Is(err, fault.ErrOverflow) {
		return math.MaxUint64, nil
	}
	return n, err
}

// Place matches params against the opposite side and posts the remainder
// when allowed. Nothing is changed when an error is returned.
func (b *Book) Place(id ulid.ULID, params OrderParams, cb Callback, now int64) (MatchSummary, error) {
	if params.MaxBaseQty == 0 || params.LimitPrice == 0 {
		return MatchSummary{}, ErrInvalidOrder
	}
	if _, exists := b.index[id]; exists {
		return MatchSummary{}, ErrDuplicateOrderID
	}
	opposite := b.side(params.Side.Opposite())

	if best, ok := opposite.best(); ok && params.PostOnly && crosses(params.Side, params.LimitPrice, best.price) {
		return MatchSummary{}, ErrPostOnlyCrosses
	}

	// a zero MaxQuoteQty leaves the quote side unbounded
	bounded := params.MaxQuoteQty > 0
	quoteBudget := params.MaxQuoteQty
	summary := MatchSummary{OrderID: id}
	baseLeft := params.MaxBaseQty
	matches := uint32(0)

	// work on a scratch copy of the opposite side so a failure midway
	// leaves the book untouched
	scratch := opposite.clone()
	removed := make([]ulid.ULID, 0)

match:
	for baseLeft > 0 && (!bounded || quoteBudget > 0) {
		level, ok := scratch.best()
		if !ok || !crosses(params.Side, params.LimitPrice, level.price) {
			break
		}
		orders := append([]Order(nil), level.orders...)

		for len(orders) > 0 {
			if params.MatchLimit > 0 && matches >= params.MatchLimit {
				scratch.set(priceLevel{price: level.price, orders: orders})
				break match
			}
			maker := &orders[0]

			base := min(baseLeft, maker.BaseQty)
			if bounded {
				affordable, err := affordableBase(level.price, quoteBudget)
				if err != nil {
					return MatchSummary{}, err
				}
				base = min(base, affordable)
			}
			if base == 0 {
				scratch.set(priceLevel{price: level.price, orders: orders})
				break match
			}
			quote, err := level.price.MulU64(base)
			if err != nil {
				return MatchSummary{}, err
			}

			maker.BaseQty -= base
			maker.QuoteLocked -= min(quote, maker.QuoteLocked)
			var refund uint64
			if maker.BaseQty == 0 {
				refund, maker.QuoteLocked = maker.QuoteLocked, 0
			}
			baseLeft -= base
			if bounded {
				quoteBudget -= quote
			}
			summary.BaseFilled += base
			summary.QuoteFilled += quote
			matches++

			summary.Fills = append(summary.Fills, Fill{
				MakerOrderID: maker.ID,
				TakerOrderID: id,
				MakerSide:    maker.Side,
				Maker:        maker.Callback,
				Taker:        cb,
				BaseQty:      base,
				QuoteQty:     quote,
				Price:        level.price,
				MakerDone:    maker.BaseQty == 0,
				MakerRefund:  refund,
			})

			if maker.BaseQty == 0 {
				removed = append(removed, maker.ID)
				orders = orders[1:]
			}
			if baseLeft == 0 {
				break
			}
		}
		scratch.set(priceLevel{price: level.price, orders: orders})
	}

	var posted *Order
	if baseLeft > 0 && params.PostAllowed {
		postQty := baseLeft
		if bounded {
			affordable, err := affordableBase(params.LimitPrice, quoteBudget)
			if err != nil {
				return MatchSummary{}, err
			}
			postQty = min(postQty, affordable)
		}
		if postQty > 0 {
			var locked uint64
			if params.Side == Bid {
				var err error
				if locked, err = params.LimitPrice.MulU64(postQty); err != nil {
					return MatchSummary{}, err
				}
			}
			posted = &Order{
				ID:          id,
				Side:        params.Side,
				BaseQty:     postQty,
				Price:       params.LimitPrice,
				QuoteLocked: locked,
				Sequence:    b.sequence + 1,
				PostedAt:    now,
				Callback:    cb,
			}
		}
	}

	// commit
	if params.Side == Bid {
		b.asks = scratch
	} else {
		b.bids = scratch
	}
	for _, rid := range removed {
		delete(b.index, rid)
	}
	if posted != nil {
		b.sequence++
		own := b.side(params.Side)
		level, _ := own.get(posted.Price)
		level.price = posted.Price
		level.orders = append(append([]Order(nil), level.orders...), *posted)
		own.set(level)
		b.index[posted.ID] = locator{side: posted.Side, price: posted.Price}
		summary.Posted = posted
	}
	return summary, nil
}

// Out reports an order leaving the book without a fill.
type Out struct {
	OrderID     ulid.ULID `json:"order_id"`
	Side        Side      `json:"side"`
	BaseQty     uint64    `json:"base_qty"`
	Price       fp.Fp32   `json:"price"`
	QuoteLocked uint64    `json:"quote_locked,omitempty"`
	Callback    Callback  `json:"callback"`
}

// Cancel removes a resting order owned by owner.
func (b *Book) Cancel(id ulid.ULID, owner func(Callback) bool) (Out, error) {
	loc, ok := b.index[id]
	if !ok {
		return Out{}, ErrOrderNotFound
	}
	side := b.side(loc.side)
	level, _ := side.get(loc.price)

	for i, o := range level.orders {
		if o.ID != id {
			continue
		}
		if !owner(o.Callback) {
			return Out{}, ErrWrongOrderOwner
		}
		orders := make([]Order, 0, len(level.orders)-1)
		orders = append(orders, level.orders[:i]...)
		orders = append(orders, level.orders[i+1:]...)
		side.set(priceLevel{price: level.price, orders: orders})
		delete(b.index, id)
		return Out{OrderID: o.ID, Side: o.Side, BaseQty: o.BaseQty, Price: o.Price, QuoteLocked: o.QuoteLocked, Callback: o.Callback}, nil
	}
	return Out{}, ErrOrderNotFound
}

// Order looks up a resting order.
func (b *Book) Order(id ulid.ULID) (Order, bool) {
	loc, ok := b.index[id]
	if !ok {
		return Order{}, false
	}
	level, _ := b.side(loc.side).get(loc.price)
	for _, o := range level.orders {
		if o.ID == id {
			return o, true
		}
	}
	return Order{}, false
}

// Orders lists one side best price first, FIFO within a level.
func (b *Book) Orders(s Side) []Order {
	var out []Order
	b.side(s).iterate(func(l priceLevel) bool {
		out = append(out, l.orders...)
		return true
	})
	return out
}

// Depth aggregates the remaining base quantity per price, best first.
type DepthLevel struct {
	Price   fp.Fp32 `json:"price"`
	BaseQty uint64  `json:"base_qty"`
	Orders  int     `json:"orders"`
}

func (b *Book) Depth(s Side, levels int) []DepthLevel {
	var out []DepthLevel
	b.side(s).iterate(func(l priceLevel) bool {
		d := DepthLevel{Price: l.price, Orders: len(l.orders)}
		for _, o := range l.orders {
			d.BaseQty += o.BaseQty
		}
		out = append(out, d)
		return levels <= 0 || len(out) < levels
	})
	return out
}

// Len is the number of resting orders.
func (b *Book) Len() int { return len(b.index) }

// BookSnapshot is the serializable form of a Book.
type BookSnapshot struct {
	Bids     []Order `json:"bids"`
	Asks     []Order `json:"asks"`
	Sequence uint64  `json:"sequence"`
}

func (b *Book) Snapshot() BookSnapshot {
	return BookSnapshot{Bids: b.Orders(Bid), Asks: b.Orders(Ask), Sequence: b.sequence}
}

// RestoreBook rebuilds a book, preserving per-level order of the snapshot.
func RestoreBook(snap BookSnapshot) *Book {
	b := NewBook()
	b.sequence = snap.Sequence
	for _, orders := range [][]Order{snap.Bids, snap.Asks} {
		for _, o := range orders {
			side := b.side(o.Side)
			level, _ := side.get(o.Price)
			level.price = o.Price
			level.orders = append(append([]Order(nil), level.orders...), o)
			side.set(level)
			b.index[o.ID] = locator{side: o.Side, price: o.Price}
		}
	}
	return b
}

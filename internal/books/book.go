// Package books maintains per-symbol order book state and provides the market
// order execution estimator.
package books

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quoterra/marketfeed/errs"
	"github.com/quoterra/marketfeed/internal/schema"
)

// Level is one aggregated order book price level.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Book holds both sides of an order book: bids descending, asks ascending by
// price. Levels with non-positive quantity are never stored. The container is
// not goroutine safe; the cache serializes access.
type Book struct {
	Bids       []Level
	Asks       []Level
	LastUpdate time.Time
}

// ParseLevels converts wire price levels into decimal levels, dropping entries
// with non-positive quantity.
func ParseLevels(levels []schema.PriceLevel) ([]Level, error) {
	out := make([]Level, 0, len(levels))
	for _, lvl := range levels {
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			return nil, errs.New("books", errs.CodeInvalid, errs.WithMessage("malformed level price"), errs.WithCause(err))
		}
		qty, err := decimal.NewFromString(lvl.Quantity)
		if err != nil {
			return nil, errs.New("books", errs.CodeInvalid, errs.WithMessage("malformed level quantity"), errs.WithCause(err))
		}
		if qty.Sign() <= 0 {
			continue
		}
		out = append(out, Level{Price: price, Quantity: qty})
	}
	return out, nil
}

// ReplaceSnapshot discards current state and installs the given depth, sorting
// each side into its canonical order.
func (b *Book) ReplaceSnapshot(bids, asks []Level, at time.Time) {
	b.Bids = append(b.Bids[:0], bids...)
	b.Asks = append(b.Asks[:0], asks...)
	sort.Slice(b.Bids, func(i, j int) bool { return b.Bids[i].Price.GreaterThan(b.Bids[j].Price) })
	sort.Slice(b.Asks, func(i, j int) bool { return b.Asks[i].Price.LessThan(b.Asks[j].Price) })
	if at.IsZero() {
		at = time.Now().UTC()
	}
	b.LastUpdate = at
}

// ApplyChange upserts or removes a single level in place, preserving sort
// order. A non-positive quantity removes the level. Crossed updates from the
// feed are stored as given; periodic REST refresh re-synchronizes the book.
func (b *Book) ApplyChange(side schema.BookSide, price, quantity decimal.Decimal) {
	switch side {
	case schema.BookSideBid:
		b.Bids = applyToSide(b.Bids, price, quantity, func(a, b decimal.Decimal) bool { return a.GreaterThan(b) })
	case schema.BookSideAsk:
		b.Asks = applyToSide(b.Asks, price, quantity, func(a, b decimal.Decimal) bool { return a.LessThan(b) })
	}
	b.LastUpdate = time.Now().UTC()
}

// applyToSide keeps levels sorted by the provided strict ordering.
func applyToSide(levels []Level, price, quantity decimal.Decimal, before func(a, b decimal.Decimal) bool) []Level {
	idx := sort.Search(len(levels), func(i int) bool {
		return !before(levels[i].Price, price)
	})
	exists := idx < len(levels) && levels[idx].Price.Equal(price)

	if quantity.Sign() <= 0 {
		if exists {
			levels = append(levels[:idx], levels[idx+1:]...)
		}
		return levels
	}

	if exists {
		levels[idx].Quantity = quantity
		return levels
	}

	levels = append(levels, Level{})
	copy(levels[idx+1:], levels[idx:])
	levels[idx] = Level{Price: price, Quantity: quantity}
	return levels
}

// BestBid returns the highest bid, or false when the side is empty.
func (b *Book) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, or false when the side is empty.
func (b *Book) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// Clone returns a deep copy safe to hand to readers.
func (b *Book) Clone() *Book {
	if b == nil {
		return nil
	}
	clone := &Book{LastUpdate: b.LastUpdate}
	if b.Bids != nil {
		clone.Bids = make([]Level, len(b.Bids))
		copy(clone.Bids, b.Bids)
	}
	if b.Asks != nil {
		clone.Asks = make([]Level, len(b.Asks))
		copy(clone.Asks, b.Asks)
	}
	return clone
}

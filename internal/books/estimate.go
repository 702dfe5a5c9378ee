package books

import (
	"github.com/shopspring/decimal"

	"github.com/quoterra/marketfeed/internal/schema"
)

var hundred = decimal.NewFromInt(100)

// Fill records one consumed price level of a simulated execution.
type Fill struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Cost     decimal.Decimal
}

// Estimate is the outcome of simulating a market order against a book
// snapshot. When Feasible is false the book lacked depth and Shortfall holds
// the unfilled remainder; no average price is computed in that case.
type Estimate struct {
	Feasible        bool
	AveragePrice    decimal.Decimal
	TotalCost       decimal.Decimal
	Consumed        []Fill
	SlippagePercent decimal.Decimal
	Shortfall       decimal.Decimal
}

// EstimateMarketOrder walks the book and simulates filling a market order of
// the given size. Buys consume asks, sells consume bids, in stored price
// order. The book is never mutated and identical inputs yield identical
// results.
func EstimateMarketOrder(book *Book, side schema.TradeSide, quantity decimal.Decimal) Estimate {
	var levels []Level
	if book != nil {
		if side == schema.TradeSideBuy {
			levels = book.Asks
		} else {
			levels = book.Bids
		}
	}

	if quantity.Sign() <= 0 {
		return Estimate{Feasible: false, Shortfall: quantity}
	}

	remaining := quantity
	totalCost := decimal.Zero
	consumed := make([]Fill, 0, 4)

	for _, lvl := range levels {
		take := decimal.Min(remaining, lvl.Quantity)
		cost := take.Mul(lvl.Price)
		totalCost = totalCost.Add(cost)
		consumed = append(consumed, Fill{Price: lvl.Price, Quantity: take, Cost: cost})
		remaining = remaining.Sub(take)
		if remaining.Sign() <= 0 {
			break
		}
	}

	if remaining.Sign() > 0 {
		return Estimate{
			Feasible:  false,
			TotalCost: totalCost,
			Consumed:  consumed,
			Shortfall: remaining,
		}
	}

	avg := totalCost.Div(quantity)
	best := levels[0].Price
	slippage := decimal.Zero
	if best.Sign() != 0 {
		slippage = avg.Sub(best).Abs().Div(best).Mul(hundred)
	}

	return Estimate{
		Feasible:        true,
		AveragePrice:    avg,
		TotalCost:       totalCost,
		Consumed:        consumed,
		SlippagePercent: slippage,
	}
}

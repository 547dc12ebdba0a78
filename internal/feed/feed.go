// Package feed consumes order-book snapshots from the market-data
// provider. The lifecycle core only reads the stream; transport details
// stay behind the Feed interface.
package feed

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderBook is one snapshot of the top of book for a (client, pair).
type OrderBook struct {
	Client       string          `json:"clientName"`
	CurrencyFrom string          `json:"currencyFrom"`
	CurrencyTo   string          `json:"currencyTo"`
	BestBuy      decimal.Decimal `json:"bestBuy"`
	BestSell     decimal.Decimal `json:"bestSell"`
	AmountBuy    decimal.Decimal `json:"amountBuy"`
	AmountSell   decimal.Decimal `json:"amountSell"`
	ReceivedAt   time.Time       `json:"-"`
}

// Feed delivers a lazy, unbounded sequence of order-book snapshots. The
// channel closes when the feed shuts down.
type Feed interface {
	Books() <-chan OrderBook
}

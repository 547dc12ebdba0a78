// Package model holds the persisted entities of the trade lifecycle
// subsystem: trades, wallets and per-(client, pair) trading policies.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus is the lifecycle state of a trade. Transitions between
// statuses go through the state machine only.
type TradeStatus string

const (
	// StatusDependsOn marks a slave trade waiting for its master to close.
	StatusDependsOn TradeStatus = "DEPENDS_ON"
	// StatusUnknown means the trade was submitted and the venue has not
	// acknowledged it yet.
	StatusUnknown TradeStatus = "UNKNOWN"
	// StatusOpened means the venue acknowledged the order and it rests on
	// the book.
	StatusOpened TradeStatus = "OPENED"
	// StatusClosed means the order filled.
	StatusClosed TradeStatus = "CLOSED"
	// StatusCancelled means the order was withdrawn, rejected or timed out.
	StatusCancelled TradeStatus = "CANCELLED"
	// StatusDoneMan means an operator resolved the trade by hand.
	StatusDoneMan TradeStatus = "DONE_MAN"
)

// Terminal reports whether no further events are accepted for the status.
func (s TradeStatus) Terminal() bool {
	switch s {
	case StatusClosed, StatusCancelled, StatusDoneMan:
		return true
	}
	return false
}

// TradeEvent is an input to the per-trade state machine.
type TradeEvent string

const (
	EventAck           TradeEvent = "ACK"
	EventFill          TradeEvent = "FILL"
	EventCancel        TradeEvent = "CANCEL"
	EventTimeout       TradeEvent = "TIMEOUT"
	EventManualResolve TradeEvent = "MANUAL_RESOLVE"
	EventRelease       TradeEvent = "RELEASE"
)

// TradingPair identifies a market as a from/to currency combination.
type TradingPair struct {
	From string
	To   string
}

func (p TradingPair) String() string { return p.From + "/" + p.To }

// Trade is the central entity of the subsystem. Amount is signed:
// positive buys CurrencyFrom, negative sells it. Status and StatusUpdated
// are owned by the state machine and must not be written directly.
type Trade struct {
	ID            string      `gorm:"primaryKey;type:varchar(64)"`
	AssignedID    *string     `gorm:"type:varchar(64);index"`
	Client        string      `gorm:"type:varchar(64);not null;index:idx_trades_client_pair"`
	CurrencyFrom  string      `gorm:"type:varchar(16);not null;index:idx_trades_client_pair"`
	CurrencyTo    string      `gorm:"type:varchar(16);not null;index:idx_trades_client_pair"`
	OpeningAmount decimal.Decimal `gorm:"type:numeric(40,20);not null"`
	OpeningPrice  decimal.Decimal `gorm:"type:numeric(40,20);not null"`
	Status        TradeStatus `gorm:"type:varchar(16);not null;index"`
	StatusUpdated time.Time   `gorm:"not null;index"`
	RecordedOn    time.Time   `gorm:"not null"`

	// IgnoreAsSideLimit excludes the trade from per-side exposure sums.
	// Set on corrective/replenishment trades.
	IgnoreAsSideLimit bool `gorm:"not null;default:false"`

	// DependsOnID references the master trade. Immutable after creation.
	DependsOnID *string `gorm:"type:varchar(64);index"`

	// Strategy correlation ids. Used for tracing only, never for control
	// flow.
	XoOrderID *string `gorm:"type:varchar(64)"`
	NnOrderID *string `gorm:"type:varchar(64)"`
}

// Pair returns the trade's market.
func (t *Trade) Pair() TradingPair {
	return TradingPair{From: t.CurrencyFrom, To: t.CurrencyTo}
}

// IsBuy reports whether the trade buys CurrencyFrom.
func (t *Trade) IsBuy() bool { return t.OpeningAmount.IsPositive() }

// Wallet is a per-(client, currency) balance snapshot. The lifecycle core
// reads wallets during admission and never mutates them; settlement owns
// the writes.
type Wallet struct {
	ID        uint            `gorm:"primaryKey"`
	Client    string          `gorm:"type:varchar(64);not null;uniqueIndex:idx_wallets_client_ccy"`
	Currency  string          `gorm:"type:varchar(16);not null;uniqueIndex:idx_wallets_client_ccy"`
	Available decimal.Decimal `gorm:"type:numeric(40,20);not null"`
	Locked    decimal.Decimal `gorm:"type:numeric(40,20);not null"`
}

// ByClientAndPair is the grouping key produced by symbol queries.
type ByClientAndPair struct {
	Client string
	Pair   TradingPair
}

// ClientConfig is the trading policy for one (client, pair). Absence of a
// config is a rejection reason in itself, never a default.
type ClientConfig struct {
	ID              uint            `gorm:"primaryKey"`
	Client          string          `gorm:"type:varchar(64);not null;uniqueIndex:idx_cfg_client_pair"`
	CurrencyFrom    string          `gorm:"type:varchar(16);not null;uniqueIndex:idx_cfg_client_pair"`
	CurrencyTo      string          `gorm:"type:varchar(16);not null;uniqueIndex:idx_cfg_client_pair"`
	Enabled         bool            `gorm:"not null;default:true"`
	SingleSideLimit decimal.Decimal `gorm:"type:numeric(40,20);not null"`

	// Token-bucket parameters for trade creation on this symbol.
	RatePerS  float64 `gorm:"not null"`
	RateBurst int     `gorm:"not null"`
}

func (c *ClientConfig) Pair() TradingPair {
	return TradingPair{From: c.CurrencyFrom, To: c.CurrencyTo}
}

// NnConfig carries the dependency-coordination policy for one
// (client, pair): how long a slave may wait for its master.
type NnConfig struct {
	ID            uint   `gorm:"primaryKey"`
	Client        string `gorm:"type:varchar(64);not null;uniqueIndex:idx_nncfg_client_pair"`
	CurrencyFrom  string `gorm:"type:varchar(16);not null;uniqueIndex:idx_nncfg_client_pair"`
	CurrencyTo    string `gorm:"type:varchar(16);not null;uniqueIndex:idx_nncfg_client_pair"`
	MaxSlaveDelay time.Duration `gorm:"not null"`
}

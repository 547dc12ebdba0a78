// Package gateway speaks to the venue gateway: outbound commands are
// fire-and-forget, acknowledgements and order updates come back
// asynchronously and are fed into the state machine.
package gateway

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ttateluc/xo-trader/internal/model"
)

// Command message types on the wire.
const (
	TypeCreate   = "create"
	TypeGetOrder = "manage.get"
	TypeListOpen = "manage.list"
	TypeWithdraw = "withdraw"
)

// Base carries the fields every gateway command shares.
type Base struct {
	ID         string `json:"id"`
	ClientName string `json:"clientName"`
}

// NewBase stamps a command with a fresh id for the given venue client.
func NewBase(clientName string) Base {
	return Base{ID: uuid.NewString(), ClientName: clientName}
}

// CreateOrderCommand opens an order. OrderID is the local trade id so the
// async acknowledgement can be correlated back.
type CreateOrderCommand struct {
	Base
	CurrencyFrom string          `json:"currencyFrom"`
	CurrencyTo   string          `json:"currencyTo"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
	OrderID      string          `json:"orderId"`
}

// NewCreateOrder builds the open command for a trade.
func NewCreateOrder(trade *model.Trade) *CreateOrderCommand {
	return &CreateOrderCommand{
		Base:         NewBase(trade.Client),
		CurrencyFrom: trade.CurrencyFrom,
		CurrencyTo:   trade.CurrencyTo,
		Amount:       trade.OpeningAmount,
		Price:        trade.OpeningPrice,
		OrderID:      trade.ID,
	}
}

// GetOrderCommand queries one order by its venue-assigned id.
type GetOrderCommand struct {
	Base
	OrderID string `json:"orderId"`
}

// ListOpenCommand queries all open orders on one symbol.
type ListOpenCommand struct {
	Base
	CurrencyFrom string `json:"currencyFrom"`
	CurrencyTo   string `json:"currencyTo"`
}

// WithdrawCommand moves funds off the venue.
type WithdrawCommand struct {
	Base
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	ToDestination string          `json:"toDestination"`
}

// Commander is the venue contract the lifecycle core depends on. Calls
// return once the command is handed to the transport; outcomes arrive
// later as OrderResults.
type Commander interface {
	CreateOrder(ctx context.Context, cmd *CreateOrderCommand) error
	GetOrder(ctx context.Context, cmd *GetOrderCommand) error
	ListOpenOrders(ctx context.Context, cmd *ListOpenCommand) error
	Withdraw(ctx context.Context, cmd *WithdrawCommand) error
}

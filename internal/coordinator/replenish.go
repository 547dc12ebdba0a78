package coordinator

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ttateluc/xo-trader/internal/model"
)

// Replenisher creates corrective trades that restore a wallet after an
// opportunity consumed one side. Replenishment trades are flagged
// ignoreAsSideLimit so they never count against the side cap they exist
// to unwind.
type Replenisher struct {
	creator *Creator
	logger  *zap.Logger
}

// NewReplenisher wires the replenishment creation service.
func NewReplenisher(creator *Creator, logger *zap.Logger) *Replenisher {
	return &Replenisher{creator: creator, logger: logger.Named("replenish")}
}

// Replenish opens a corrective trade correlated to the opportunity that
// caused it.
func (r *Replenisher) Replenish(ctx context.Context, client string, pair model.TradingPair, amount, price decimal.Decimal, xoOrderID *string) (*model.Trade, error) {
	r.logger.Info("creating replenishment trade",
		zap.String("client", client),
		zap.String("pair", pair.String()),
		zap.String("amount", amount.String()),
	)
	return r.creator.Create(ctx, Request{
		Client:            client,
		Pair:              pair,
		Amount:            amount,
		Price:             price,
		IgnoreAsSideLimit: true,
		XoOrderID:         xoOrderID,
	})
}

package admission

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/ttateluc/xo-trader/internal/model"
)

// exposureStatuses are the states counted towards per-side exposure.
var exposureStatuses = []model.TradeStatus{
	model.StatusUnknown,
	model.StatusOpened,
	model.StatusClosed,
	model.StatusDoneMan,
}

// ExposureStore is the slice of the ledger the exposure gate reads.
type ExposureStore interface {
	SumExposure(ctx context.Context, client string, pair model.TradingPair, statuses []model.TradeStatus) (decimal.Decimal, error)
}

// ExposureLimiter caps the signed trade sum per (client, pair) side.
type ExposureLimiter struct {
	cache *ConfigCache
	store ExposureStore
}

// NewExposureLimiter builds the per-side exposure gate.
func NewExposureLimiter(cache *ConfigCache, store ExposureStore) *ExposureLimiter {
	return &ExposureLimiter{cache: cache, store: store}
}

// CanProceed admits trade unless it grows exposure while the pre-trade
// balance already sits at or beyond the configured cap. A trade that
// shrinks |exposure| is always admitted. The comparison deliberately uses
// the pre-trade balance, so exactly one trade may cross the cap before the
// gate shuts.
func (l *ExposureLimiter) CanProceed(ctx context.Context, trade *model.Trade) error {
	bal, err := l.store.SumExposure(ctx, trade.Client, trade.Pair(), exposureStatuses)
	if err != nil {
		return err
	}

	cfg, err := l.cache.ClientCfg(ctx, trade.Client, trade.Pair())
	if err != nil {
		return err
	}

	newBal := bal.Add(trade.OpeningAmount)
	if newBal.Abs().LessThan(bal.Abs()) {
		return nil
	}

	if cfg.SingleSideLimit.GreaterThanOrEqual(bal.Abs()) {
		return nil
	}

	return RejectBounded(ReasonSideLimit, bal.Abs(), cfg.SingleSideLimit)
}

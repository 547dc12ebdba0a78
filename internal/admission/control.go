package admission

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ttateluc/xo-trader/internal/ledger"
	"github.com/ttateluc/xo-trader/internal/metrics"
	"github.com/ttateluc/xo-trader/internal/model"
)

// WalletStore is the slice of the ledger the balance gate reads.
type WalletStore interface {
	Wallet(ctx context.Context, client, currency string) (*model.Wallet, error)
}

// Control is the admission front door. All gates must pass before a trade
// may be submitted to the venue.
type Control struct {
	cache    *ConfigCache
	limiters *RateLimiters
	exposure *ExposureLimiter
	wallets  WalletStore
	logger   *zap.Logger
	metrics  *metrics.Set
}

// NewControl wires the admission gates together.
func NewControl(cache *ConfigCache, limiters *RateLimiters, exposure *ExposureLimiter, wallets WalletStore, m *metrics.Set, logger *zap.Logger) *Control {
	return &Control{
		cache:    cache,
		limiters: limiters,
		exposure: exposure,
		wallets:  wallets,
		logger:   logger.Named("admission"),
		metrics:  m,
	}
}

// Admit runs the gates in cost order: config presence, enablement, rate
// limit, wallet balance, exposure. A returned *Rejection is a declined
// trade, not an error condition; anything else is a real failure.
func (c *Control) Admit(ctx context.Context, trade *model.Trade) error {
	err := c.admit(ctx, trade)
	if reason, ok := ReasonOf(err); ok {
		c.metrics.Rejections.WithLabelValues(string(reason)).Inc()
		c.logger.Debug("trade declined",
			zap.String("trade_id", trade.ID),
			zap.String("client", trade.Client),
			zap.String("pair", trade.Pair().String()),
			zap.String("reason", string(reason)),
		)
	}
	return err
}

func (c *Control) admit(ctx context.Context, trade *model.Trade) error {
	cfg, err := c.cache.ClientCfg(ctx, trade.Client, trade.Pair())
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return Reject(ReasonDisabled)
	}

	if !c.limiters.Allow(cfg) {
		return Reject(ReasonRateTooHigh)
	}

	if err := c.checkBalance(ctx, trade); err != nil {
		return err
	}

	return c.exposure.CanProceed(ctx, trade)
}

// checkBalance verifies the spending wallet covers the trade: a buy
// spends CurrencyTo (amount * price), a sell spends CurrencyFrom.
func (c *Control) checkBalance(ctx context.Context, trade *model.Trade) error {
	var currency string
	var required decimal.Decimal
	if trade.IsBuy() {
		currency = trade.CurrencyTo
		required = trade.OpeningAmount.Mul(trade.OpeningPrice)
	} else {
		currency = trade.CurrencyFrom
		required = trade.OpeningAmount.Neg()
	}

	wallet, err := c.wallets.Wallet(ctx, trade.Client, currency)
	if errors.Is(err, ledger.ErrNotFound) {
		return RejectBounded(ReasonLowBal, decimal.Zero, required)
	}
	if err != nil {
		return err
	}

	return ValidateAtLeast(ReasonLowBal, wallet.Available, required)
}

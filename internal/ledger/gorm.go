package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ttateluc/xo-trader/internal/model"
)

// Gorm is the gorm-backed Ledger implementation.
type Gorm struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ Ledger = (*Gorm)(nil)

// NewGorm wraps db as a Ledger and migrates the lifecycle tables.
func NewGorm(db *gorm.DB, logger *zap.Logger) (*Gorm, error) {
	if err := db.AutoMigrate(
		&model.Trade{},
		&model.Wallet{},
		&model.ClientConfig{},
		&model.NnConfig{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger tables: %w", err)
	}
	return &Gorm{db: db, logger: logger.Named("ledger")}, nil
}

func (g *Gorm) scoped(tx *gorm.DB) *Gorm {
	return &Gorm{db: tx, logger: g.logger}
}

func (g *Gorm) FindByID(ctx context.Context, id string) (*model.Trade, error) {
	var trade model.Trade
	err := g.db.WithContext(ctx).Where("id = ?", id).First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trade %s: %w", id, err)
	}
	return &trade, nil
}

func (g *Gorm) FindByAssignedID(ctx context.Context, client, assignedID string) (*model.Trade, error) {
	var trade model.Trade
	err := g.db.WithContext(ctx).
		Where("client = ? AND assigned_id = ?", client, assignedID).
		First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trade by assigned id %s/%s: %w", client, assignedID, err)
	}
	return &trade, nil
}

func (g *Gorm) Save(ctx context.Context, trade *model.Trade) error {
	if err := g.db.WithContext(ctx).Save(trade).Error; err != nil {
		return fmt.Errorf("failed to save trade %s: %w", trade.ID, err)
	}
	return nil
}

func (g *Gorm) UpdateStatus(ctx context.Context, id string, status model.TradeStatus, at time.Time) error {
	res := g.db.WithContext(ctx).Model(&model.Trade{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "status_updated": at})
	if res.Error != nil {
		return fmt.Errorf("failed to update status of trade %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *Gorm) FindByStatusInAndUpdatedBefore(ctx context.Context, statuses []model.TradeStatus, cutoff time.Time) ([]*model.Trade, error) {
	var trades []*model.Trade
	err := g.db.WithContext(ctx).
		Where("status IN ? AND status_updated <= ?", statuses, cutoff).
		Order("status_updated DESC").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query trades by status: %w", err)
	}
	return trades, nil
}

func (g *Gorm) FindSymbols(ctx context.Context, statuses []model.TradeStatus, cutoff time.Time) ([]model.ByClientAndPair, error) {
	var rows []struct {
		Client       string
		CurrencyFrom string
		CurrencyTo   string
	}
	err := g.db.WithContext(ctx).Model(&model.Trade{}).
		Distinct("client", "currency_from", "currency_to").
		Where("status IN ? AND status_updated <= ?", statuses, cutoff).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols: %w", err)
	}
	symbols := make([]model.ByClientAndPair, 0, len(rows))
	for _, r := range rows {
		symbols = append(symbols, model.ByClientAndPair{
			Client: r.Client,
			Pair:   model.TradingPair{From: r.CurrencyFrom, To: r.CurrencyTo},
		})
	}
	return symbols, nil
}

func (g *Gorm) FindDependantsByMasterStatus(ctx context.Context, dependentStatuses, masterStatuses []model.TradeStatus) ([]*model.Trade, error) {
	var trades []*model.Trade
	err := g.db.WithContext(ctx).
		Joins("JOIN trades masters ON masters.id = trades.depends_on_id").
		Where("trades.status IN ? AND masters.status IN ?", dependentStatuses, masterStatuses).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query dependants: %w", err)
	}
	return trades, nil
}

// SumExposure sums in Go rather than in SQL so that decimal precision does
// not depend on the backing database's numeric affinity.
func (g *Gorm) SumExposure(ctx context.Context, client string, pair model.TradingPair, statuses []model.TradeStatus) (decimal.Decimal, error) {
	var trades []*model.Trade
	err := g.db.WithContext(ctx).
		Select("opening_amount").
		Where("client = ? AND currency_from = ? AND currency_to = ?", client, pair.From, pair.To).
		Where("status IN ? AND ignore_as_side_limit = ?", statuses, false).
		Find(&trades).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum exposure for %s %s: %w", client, pair, err)
	}
	sum := decimal.Zero
	for _, t := range trades {
		sum = sum.Add(t.OpeningAmount)
	}
	return sum, nil
}

func (g *Gorm) CountByStatus(ctx context.Context, status model.TradeStatus) (int64, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&model.Trade{}).
		Where("status = ?", status).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count trades in %s: %w", status, err)
	}
	return n, nil
}

func (g *Gorm) Wallet(ctx context.Context, client, currency string) (*model.Wallet, error) {
	var wallet model.Wallet
	err := g.db.WithContext(ctx).
		Where("client = ? AND currency = ?", client, currency).
		First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet %s/%s: %w", client, currency, err)
	}
	return &wallet, nil
}

func (g *Gorm) ClientConfig(ctx context.Context, client string, pair model.TradingPair) (*model.ClientConfig, error) {
	var cfg model.ClientConfig
	err := g.db.WithContext(ctx).
		Where("client = ? AND currency_from = ? AND currency_to = ?", client, pair.From, pair.To).
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client config %s %s: %w", client, pair, err)
	}
	return &cfg, nil
}

func (g *Gorm) NnConfig(ctx context.Context, client string, pair model.TradingPair) (*model.NnConfig, error) {
	var cfg model.NnConfig
	err := g.db.WithContext(ctx).
		Where("client = ? AND currency_from = ? AND currency_to = ?", client, pair.From, pair.To).
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load nn config %s %s: %w", client, pair, err)
	}
	return &cfg, nil
}

func (g *Gorm) ActiveConfigs(ctx context.Context) ([]*model.ClientConfig, error) {
	var cfgs []*model.ClientConfig
	err := g.db.WithContext(ctx).
		Where("enabled = ?", true).
		Find(&cfgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load active configs: %w", err)
	}
	return cfgs, nil
}

func (g *Gorm) ReadOnly(ctx context.Context, fn func(Ledger) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(g.scoped(tx))
	}, &sql.TxOptions{ReadOnly: true})
}

func (g *Gorm) Transact(ctx context.Context, fn func(Ledger) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(g.scoped(tx))
	})
}

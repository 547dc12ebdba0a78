// Package ledger is the durable store of trade records. The core depends
// on the Ledger interface only; the gorm implementation in this package is
// the production backend.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ttateluc/xo-trader/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("ledger: record not found")

// Ledger is the storage contract of the trade lifecycle core.
//
// ReadOnly and Transact make the consistency boundary explicit: scheduled
// jobs that only poll run inside ReadOnly, jobs that transition trades run
// inside Transact. The Ledger passed to the callback is scoped to that
// boundary.
type Ledger interface {
	FindByID(ctx context.Context, id string) (*model.Trade, error)
	FindByAssignedID(ctx context.Context, client, assignedID string) (*model.Trade, error)
	Save(ctx context.Context, trade *model.Trade) error

	// UpdateStatus writes status and statusUpdated in one statement. It is
	// the only status write path and is reserved for the state machine.
	UpdateStatus(ctx context.Context, id string, status model.TradeStatus, at time.Time) error

	FindByStatusInAndUpdatedBefore(ctx context.Context, statuses []model.TradeStatus, cutoff time.Time) ([]*model.Trade, error)

	// FindSymbols returns the distinct (client, pair) combinations having
	// trades in the given statuses last updated before cutoff.
	FindSymbols(ctx context.Context, statuses []model.TradeStatus, cutoff time.Time) ([]model.ByClientAndPair, error)

	// FindDependantsByMasterStatus returns slave trades in one of
	// dependentStatuses whose master is in one of masterStatuses.
	FindDependantsByMasterStatus(ctx context.Context, dependentStatuses, masterStatuses []model.TradeStatus) ([]*model.Trade, error)

	// SumExposure returns the signed sum of opening amounts for
	// (client, pair) over the given statuses, excluding trades flagged
	// ignoreAsSideLimit.
	SumExposure(ctx context.Context, client string, pair model.TradingPair, statuses []model.TradeStatus) (decimal.Decimal, error)

	CountByStatus(ctx context.Context, status model.TradeStatus) (int64, error)

	Wallet(ctx context.Context, client, currency string) (*model.Wallet, error)
	ClientConfig(ctx context.Context, client string, pair model.TradingPair) (*model.ClientConfig, error)
	NnConfig(ctx context.Context, client string, pair model.TradingPair) (*model.NnConfig, error)
	ActiveConfigs(ctx context.Context) ([]*model.ClientConfig, error)

	// ReadOnly runs fn inside a read-consistent snapshot.
	ReadOnly(ctx context.Context, fn func(Ledger) error) error
	// Transact runs fn inside a read-write transaction.
	Transact(ctx context.Context, fn func(Ledger) error) error
}

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/ttateluc/xo-trader/internal/clock"
	"github.com/ttateluc/xo-trader/internal/gateway"
	"github.com/ttateluc/xo-trader/internal/ledger"
	"github.com/ttateluc/xo-trader/internal/metrics"
	"github.com/ttateluc/xo-trader/internal/model"
	"github.com/ttateluc/xo-trader/internal/statemachine"
)

// updateEligible are the statuses worth re-querying at the venue.
var updateEligible = []model.TradeStatus{model.StatusUnknown, model.StatusOpened}

// symbolSource and tradeSource are the ledger slices the jobs read.
type symbolSource interface {
	FindSymbols(ctx context.Context, statuses []model.TradeStatus, cutoff time.Time) ([]model.ByClientAndPair, error)
}

type tradeSource interface {
	FindByStatusInAndUpdatedBefore(ctx context.Context, statuses []model.TradeStatus, cutoff time.Time) ([]*model.Trade, error)
}

// UpdaterConfig carries the schedule and caps of the three jobs.
type UpdaterConfig struct {
	BulkInterval    time.Duration
	StuckInterval   time.Duration
	TimeoutInterval time.Duration

	// OrderTimeout is how long a trade may sit in UNKNOWN before the sweep
	// cancels it.
	OrderTimeout time.Duration

	// MaxToCheckStuckPerClient bounds individual order queries per client
	// per tick, regardless of backlog size.
	MaxToCheckStuckPerClient int
}

// Updater owns the three reconciliation jobs: bulk refresh, stuck-order
// recheck and the timeout sweep.
type Updater struct {
	commander gateway.Commander
	machines  *statemachine.Registry
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Set
	cfg       UpdaterConfig
}

// NewUpdater wires the reconciliation jobs.
func NewUpdater(commander gateway.Commander, machines *statemachine.Registry, clk clock.Clock, cfg UpdaterConfig, m *metrics.Set, logger *zap.Logger) *Updater {
	return &Updater{
		commander: commander,
		machines:  machines,
		clock:     clk,
		logger:    logger.Named("updater"),
		metrics:   m,
		cfg:       cfg,
	}
}

// Register adds the three jobs to the scheduler. Only the timeout sweep
// transitions trades, so only it runs read-write.
func (u *Updater) Register(s *Scheduler) {
	s.Register(Task{
		Name:      "bulk-refresh",
		Interval:  u.cfg.BulkInterval,
		Isolation: ReadOnly,
		Run: func(ctx context.Context, lg ledger.Ledger) error {
			return u.bulkRefresh(ctx, lg)
		},
	})
	s.Register(Task{
		Name:         "stuck-recheck",
		Interval:     u.cfg.StuckInterval,
		InitialDelay: u.cfg.StuckInterval,
		Isolation:    ReadOnly,
		Run: func(ctx context.Context, lg ledger.Ledger) error {
			return u.stuckRecheck(ctx, lg)
		},
	})
	s.Register(Task{
		Name:         "timeout-sweep",
		Interval:     u.cfg.TimeoutInterval,
		InitialDelay: u.cfg.TimeoutInterval,
		Isolation:    ReadWrite,
		Run: func(ctx context.Context, lg ledger.Ledger) error {
			return u.timeoutSweep(ctx, lg)
		},
	})
}

// bulkRefresh issues one list-open-orders query per stale symbol. The
// symbol list is shuffled so venue rate limiting does not starve the same
// tail of symbols every tick.
func (u *Updater) bulkRefresh(ctx context.Context, lg symbolSource) error {
	cutoff := u.clock.Now().Add(-u.cfg.BulkInterval)
	symbols, err := lg.FindSymbols(ctx, updateEligible, cutoff)
	if err != nil {
		return fmt.Errorf("query stale symbols: %w", err)
	}

	rand.Shuffle(len(symbols), func(i, j int) {
		symbols[i], symbols[j] = symbols[j], symbols[i]
	})

	for _, sym := range symbols {
		cmd := &gateway.ListOpenCommand{
			Base:         gateway.NewBase(sym.Client),
			CurrencyFrom: sym.Pair.From,
			CurrencyTo:   sym.Pair.To,
		}
		if err := u.commander.ListOpenOrders(ctx, cmd); err != nil {
			u.logger.Warn("bulk refresh query not sent",
				zap.String("client", sym.Client),
				zap.String("pair", sym.Pair.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

// stuckRecheck queries individually the orders that have not moved for a
// while, at most MaxToCheckStuckPerClient per client per tick.
func (u *Updater) stuckRecheck(ctx context.Context, lg tradeSource) error {
	cutoff := u.clock.Now().Add(-u.cfg.StuckInterval)
	trades, err := lg.FindByStatusInAndUpdatedBefore(ctx, updateEligible, cutoff)
	if err != nil {
		return fmt.Errorf("query stuck trades: %w", err)
	}

	byClient := make(map[string][]*model.Trade)
	for _, t := range trades {
		byClient[t.Client] = append(byClient[t.Client], t)
	}

	for client, stuck := range byClient {
		rand.Shuffle(len(stuck), func(i, j int) {
			stuck[i], stuck[j] = stuck[j], stuck[i]
		})
		checked := 0
		for _, t := range stuck {
			if checked >= u.cfg.MaxToCheckStuckPerClient {
				break
			}
			if t.AssignedID == nil {
				// Never acknowledged; nothing to query individually, the
				// timeout sweep owns it.
				continue
			}
			cmd := &gateway.GetOrderCommand{
				Base:    gateway.NewBase(client),
				OrderID: *t.AssignedID,
			}
			if err := u.commander.GetOrder(ctx, cmd); err != nil {
				u.logger.Warn("stuck recheck query not sent",
					zap.String("trade_id", t.ID),
					zap.Error(err),
				)
				continue
			}
			checked++
		}
	}
	return nil
}

// timeoutSweep cancels trades that sat in UNKNOWN longer than the order
// timeout. It is the only path out of UNKNOWN without a venue answer.
func (u *Updater) timeoutSweep(ctx context.Context, lg tradeSource) error {
	cutoff := u.clock.Now().Add(-u.cfg.OrderTimeout)
	trades, err := lg.FindByStatusInAndUpdatedBefore(ctx, []model.TradeStatus{model.StatusUnknown}, cutoff)
	if err != nil {
		return fmt.Errorf("query timed out trades: %w", err)
	}

	for _, t := range trades {
		err := u.machines.SendEvent(ctx, t.ID, model.EventTimeout)
		var illegal *statemachine.IllegalTransitionError
		switch {
		case err == nil:
			u.metrics.TimeoutsSwept.Inc()
		case errors.As(err, &illegal):
			// Moved on between the select and the checkout; nothing to do.
		default:
			u.logger.Warn("timeout not applied",
				zap.String("trade_id", t.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ttateluc/xo-trader/internal/admission"
	"github.com/ttateluc/xo-trader/internal/clock"
	"github.com/ttateluc/xo-trader/internal/gateway"
	"github.com/ttateluc/xo-trader/internal/metrics"
	"github.com/ttateluc/xo-trader/internal/model"
	"github.com/ttateluc/xo-trader/internal/statemachine"
)

// DependencyStore is the slice of the ledger the coordinator reads.
type DependencyStore interface {
	FindDependantsByMasterStatus(ctx context.Context, dependentStatuses, masterStatuses []model.TradeStatus) ([]*model.Trade, error)
	FindByID(ctx context.Context, id string) (*model.Trade, error)
}

// Configs resolves the dependency policy per (client, pair).
type Configs interface {
	NnCfg(ctx context.Context, client string, pair model.TradingPair) (*model.NnConfig, error)
}

// Coordinator pushes slave trades forward once their master closes, or
// expires them when the wait exceeded the configured delay.
type Coordinator struct {
	configs   Configs
	admission Admitter
	machines  *statemachine.Registry
	commander gateway.Commander
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Set
}

// NewCoordinator wires the dependency coordinator.
func NewCoordinator(configs Configs, adm Admitter, machines *statemachine.Registry, commander gateway.Commander, clk clock.Clock, m *metrics.Set, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		configs:   configs,
		admission: adm,
		machines:  machines,
		commander: commander,
		clock:     clk,
		logger:    logger.Named("dependency"),
		metrics:   m,
	}
}

// TradeClosed implements statemachine.CompletionListener. It runs under
// the master's checkout, so it only records the completion; the scheduled
// push does the actual work.
func (c *Coordinator) TradeClosed(ctx context.Context, trade *model.Trade) {
	c.logger.Info("master closed, dependents eligible for push",
		zap.String("master_id", trade.ID),
	)
}

// PushSlaves processes every slave whose master is CLOSED. One slave's
// failure never aborts the batch.
func (c *Coordinator) PushSlaves(ctx context.Context, store DependencyStore) error {
	slaves, err := store.FindDependantsByMasterStatus(ctx,
		[]model.TradeStatus{model.StatusDependsOn},
		[]model.TradeStatus{model.StatusClosed},
	)
	if err != nil {
		return fmt.Errorf("query pushable slaves: %w", err)
	}

	for _, slave := range slaves {
		if err := c.push(ctx, store, slave); err != nil {
			c.logger.Warn("failed to push dependent trade",
				zap.String("trade_id", slave.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// push advances one slave. The slave's machine checkout serializes
// concurrent ticks; once RELEASE lands the trade leaves DEPENDS_ON, so a
// second publish cannot happen.
func (c *Coordinator) push(ctx context.Context, store DependencyStore, slave *model.Trade) error {
	m, err := c.machines.TryAcquire(ctx, slave.ID)
	if err != nil {
		return err
	}
	if m == nil {
		// Another tick owns this slave right now.
		return nil
	}
	defer m.Release()

	trade := m.Trade()
	if trade.Status != model.StatusDependsOn {
		return nil
	}
	if trade.DependsOnID == nil {
		return fmt.Errorf("slave %s has no master reference", trade.ID)
	}

	master, err := store.FindByID(ctx, *trade.DependsOnID)
	if err != nil {
		return fmt.Errorf("load master %s: %w", *trade.DependsOnID, err)
	}

	cfg, err := c.configs.NnCfg(ctx, trade.Client, trade.Pair())
	if err != nil {
		// A trade in flight without policy is an illegal state; leave the
		// slave untouched for the operator, the cause may be cache
		// staleness.
		c.logger.Error("no dependency policy for in-flight slave",
			zap.String("trade_id", trade.ID),
			zap.String("client", trade.Client),
			zap.String("pair", trade.Pair().String()),
			zap.Error(err),
		)
		return nil
	}

	if c.clock.Now().After(master.RecordedOn.Add(cfg.MaxSlaveDelay)) {
		c.logger.Info("dependent trade expired, cancelling",
			zap.String("trade_id", trade.ID),
			zap.String("master_id", master.ID),
		)
		if err := m.Send(ctx, model.EventCancel); err != nil {
			return err
		}
		c.metrics.SlavesExpired.Inc()
		return nil
	}

	if err := c.admission.Admit(ctx, trade); err != nil {
		if admission.IsRejection(err) {
			// Not pushable yet; the next tick retries.
			c.logger.Debug("dependent trade not admitted yet",
				zap.String("trade_id", trade.ID),
				zap.Error(err),
			)
			return nil
		}
		return err
	}

	if err := c.commander.CreateOrder(ctx, gateway.NewCreateOrder(trade)); err != nil {
		// Transport failure: stay in DEPENDS_ON, retry on the next tick.
		c.logger.Warn("publish failed, leaving slave for next tick",
			zap.String("trade_id", trade.ID),
			zap.Error(err),
		)
		return nil
	}

	if err := m.Send(ctx, model.EventRelease); err != nil {
		return err
	}
	c.metrics.SlavesPushed.Inc()
	return nil
}

// Package coordinator creates trades and chains slave trades to their
// master's completion.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ttateluc/xo-trader/internal/admission"
	"github.com/ttateluc/xo-trader/internal/clock"
	"github.com/ttateluc/xo-trader/internal/gateway"
	"github.com/ttateluc/xo-trader/internal/metrics"
	"github.com/ttateluc/xo-trader/internal/model"
)

// ErrDependencyCycle rejects a dependency link that would close a loop in
// the dependency forest.
var ErrDependencyCycle = errors.New("coordinator: dependency would form a cycle")

// maxDependencyDepth bounds the ancestor walk; chains deeper than this are
// treated as corrupt.
const maxDependencyDepth = 64

// CreationStore is the slice of the ledger trade creation needs.
type CreationStore interface {
	FindByID(ctx context.Context, id string) (*model.Trade, error)
	Save(ctx context.Context, trade *model.Trade) error
}

// Admitter is the admission front door.
type Admitter interface {
	Admit(ctx context.Context, trade *model.Trade) error
}

// Request describes a candidate trade. Amount is signed; a non-nil
// DependsOn makes the trade a slave held back until the master closes.
type Request struct {
	ID                string // optional; generated when empty
	Client            string
	Pair              model.TradingPair
	Amount            decimal.Decimal
	Price             decimal.Decimal
	DependsOn         *model.Trade
	IgnoreAsSideLimit bool
	XoOrderID         *string
	NnOrderID         *string
}

// Creator runs a candidate through admission, persists it and submits the
// opening command for immediately eligible trades.
type Creator struct {
	admission Admitter
	store     CreationStore
	commander gateway.Commander
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Set
}

// NewCreator wires the trade creation service.
func NewCreator(adm Admitter, store CreationStore, commander gateway.Commander, clk clock.Clock, m *metrics.Set, logger *zap.Logger) *Creator {
	return &Creator{
		admission: adm,
		store:     store,
		commander: commander,
		clock:     clk,
		logger:    logger.Named("creation"),
		metrics:   m,
	}
}

// Create validates, admits and records the candidate. Slaves are stored
// as DEPENDS_ON and not submitted; everything else is stored as UNKNOWN
// and its opening command goes out before returning. A command transport
// failure does not roll the trade back: the reconciler owns its fate from
// the moment it is recorded.
func (c *Creator) Create(ctx context.Context, req Request) (*model.Trade, error) {
	if req.Amount.IsZero() || !req.Price.IsPositive() {
		return nil, admission.Reject(admission.ReasonValidationFail)
	}

	trade := &model.Trade{
		ID:                req.ID,
		Client:            req.Client,
		CurrencyFrom:      req.Pair.From,
		CurrencyTo:        req.Pair.To,
		OpeningAmount:     req.Amount,
		OpeningPrice:      req.Price,
		IgnoreAsSideLimit: req.IgnoreAsSideLimit,
		XoOrderID:         req.XoOrderID,
		NnOrderID:         req.NnOrderID,
	}
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}

	now := c.clock.Now()
	trade.RecordedOn = now
	trade.StatusUpdated = now
	trade.Status = model.StatusUnknown

	if req.DependsOn != nil {
		if err := c.ensureAcyclic(ctx, req.DependsOn, trade.ID); err != nil {
			return nil, err
		}
		masterID := req.DependsOn.ID
		trade.DependsOnID = &masterID
		trade.Status = model.StatusDependsOn
	}

	if err := c.admission.Admit(ctx, trade); err != nil {
		return nil, err
	}

	if err := c.store.Save(ctx, trade); err != nil {
		return nil, fmt.Errorf("record trade: %w", err)
	}
	c.metrics.TradesCreated.Inc()
	c.logger.Info("trade created",
		zap.String("trade_id", trade.ID),
		zap.String("client", trade.Client),
		zap.String("pair", trade.Pair().String()),
		zap.String("amount", trade.OpeningAmount.String()),
		zap.String("status", string(trade.Status)),
	)

	if trade.Status == model.StatusUnknown {
		if err := c.commander.CreateOrder(ctx, gateway.NewCreateOrder(trade)); err != nil {
			c.logger.Warn("opening command not sent, reconciler will settle the trade",
				zap.String("trade_id", trade.ID),
				zap.Error(err),
			)
		}
	}
	return trade, nil
}

// ensureAcyclic walks the master's ancestor chain and rejects the link if
// the candidate already appears in it, or if the chain itself loops.
func (c *Creator) ensureAcyclic(ctx context.Context, master *model.Trade, candidateID string) error {
	seen := map[string]struct{}{candidateID: {}}
	current := master
	for depth := 0; depth < maxDependencyDepth; depth++ {
		if _, ok := seen[current.ID]; ok {
			return ErrDependencyCycle
		}
		seen[current.ID] = struct{}{}
		if current.DependsOnID == nil {
			return nil
		}
		next, err := c.store.FindByID(ctx, *current.DependsOnID)
		if err != nil {
			return fmt.Errorf("walk dependency chain of %s: %w", master.ID, err)
		}
		current = next
	}
	return ErrDependencyCycle
}

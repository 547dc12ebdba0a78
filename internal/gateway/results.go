package gateway

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ttateluc/xo-trader/internal/ledger"
	"github.com/ttateluc/xo-trader/internal/metrics"
	"github.com/ttateluc/xo-trader/internal/model"
	"github.com/ttateluc/xo-trader/internal/statemachine"
)

// Venue-side order statuses reported in results.
const (
	ResultOpened    = "opened"
	ResultClosed    = "closed"
	ResultCancelled = "cancelled"
)

// OrderResult is an asynchronous venue answer about one order. OrderID is
// the local trade id when the venue echoes it back; otherwise the trade is
// located through AssignedID.
type OrderResult struct {
	Type       string `json:"type"`
	ClientName string `json:"clientName"`
	OrderID    string `json:"orderId"`
	AssignedID string `json:"assignedId"`
	Status     string `json:"status"`
}

// ResultStore resolves trades the venue knows only by its own id.
type ResultStore interface {
	FindByAssignedID(ctx context.Context, client, assignedID string) (*model.Trade, error)
}

// ResultHandler turns venue results into state machine events. Late
// results for already-terminal trades are logged and discarded, never
// re-applied.
type ResultHandler struct {
	machines *statemachine.Registry
	store    ResultStore
	logger   *zap.Logger
	metrics  *metrics.Set
}

// NewResultHandler builds the dispatcher feeding machines.
func NewResultHandler(machines *statemachine.Registry, store ResultStore, m *metrics.Set, logger *zap.Logger) *ResultHandler {
	return &ResultHandler{
		machines: machines,
		store:    store,
		logger:   logger.Named("gateway-results"),
		metrics:  m,
	}
}

func eventFor(status string) (model.TradeEvent, bool) {
	switch status {
	case ResultOpened:
		return model.EventAck, true
	case ResultClosed:
		return model.EventFill, true
	case ResultCancelled:
		return model.EventCancel, true
	}
	return "", false
}

// Accept processes one result. Failures are logged, not propagated: a
// venue answer nobody can apply must not take the read pump down.
func (h *ResultHandler) Accept(ctx context.Context, res *OrderResult) {
	event, ok := eventFor(res.Status)
	if !ok {
		h.logger.Warn("unrecognized venue order status",
			zap.String("client", res.ClientName),
			zap.String("status", res.Status),
		)
		return
	}

	id := res.OrderID
	if id == "" {
		trade, err := h.store.FindByAssignedID(ctx, res.ClientName, res.AssignedID)
		if errors.Is(err, ledger.ErrNotFound) {
			h.logger.Warn("result for unknown order discarded",
				zap.String("client", res.ClientName),
				zap.String("assigned_id", res.AssignedID),
			)
			return
		}
		if err != nil {
			h.logger.Error("failed to resolve result order", zap.Error(err))
			return
		}
		id = trade.ID
	}

	m, err := h.machines.Acquire(ctx, id)
	if err != nil {
		h.logger.Error("failed to acquire machine for result",
			zap.String("trade_id", id),
			zap.Error(err),
		)
		return
	}
	defer m.Release()

	if m.Trade().Status.Terminal() {
		h.metrics.LateResults.Inc()
		h.logger.Info("late result for terminal trade discarded",
			zap.String("trade_id", id),
			zap.String("status", string(m.Trade().Status)),
			zap.String("venue_status", res.Status),
		)
		return
	}

	if event == model.EventAck && res.AssignedID != "" && m.Trade().AssignedID == nil {
		if err := m.SetAssignedID(ctx, res.AssignedID); err != nil {
			h.logger.Error("failed to record assigned id",
				zap.String("trade_id", id),
				zap.Error(err),
			)
			return
		}
	}

	// A fill reported while still UNKNOWN means the ack got lost; take the
	// ACK step first so the history stays within the transition table.
	if event == model.EventFill && m.Trade().Status == model.StatusUnknown {
		if err := m.Send(ctx, model.EventAck); err != nil {
			return
		}
	}

	if err := m.Send(ctx, event); err != nil {
		var illegal *statemachine.IllegalTransitionError
		if !errors.As(err, &illegal) {
			h.logger.Error("failed to apply venue result",
				zap.String("trade_id", id),
				zap.Error(err),
			)
		}
	}
}

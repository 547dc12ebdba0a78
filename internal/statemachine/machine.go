// Package statemachine governs trade status transitions. Machines are
// addressed by trade id and checked out of a registry; the checkout is a
// per-key mutex, so at most one owner processes events for a trade at a
// time.
package statemachine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ttateluc/xo-trader/internal/model"
)

// transitions is the authoritative table. MANUAL_RESOLVE is handled
// separately: it moves any non-terminal state to DONE_MAN.
var transitions = map[model.TradeStatus]map[model.TradeEvent]model.TradeStatus{
	model.StatusDependsOn: {
		model.EventRelease: model.StatusUnknown,
		model.EventCancel:  model.StatusCancelled,
		model.EventTimeout: model.StatusCancelled,
	},
	model.StatusUnknown: {
		model.EventAck:     model.StatusOpened,
		model.EventTimeout: model.StatusCancelled,
		model.EventCancel:  model.StatusCancelled,
	},
	model.StatusOpened: {
		model.EventFill:   model.StatusClosed,
		model.EventCancel: model.StatusCancelled,
	},
}

// target resolves the table for (from, event); ok is false for illegal
// transitions, including any event aimed at a terminal state.
func target(from model.TradeStatus, event model.TradeEvent) (model.TradeStatus, bool) {
	if from.Terminal() {
		return "", false
	}
	if event == model.EventManualResolve {
		return model.StatusDoneMan, true
	}
	to, ok := transitions[from][event]
	return to, ok
}

// IllegalTransitionError reports an event a trade's current state does not
// accept. It is observable, never fatal; the trade's stored state stays
// untouched.
type IllegalTransitionError struct {
	TradeID string
	From    model.TradeStatus
	Event   model.TradeEvent
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("trade %s in %s does not accept %s", e.TradeID, e.From, e.Event)
}

// Machine is a checked-out per-trade state machine. It is valid until
// Release and must not be shared across goroutines.
type Machine struct {
	registry *Registry
	slot     *slot
	trade    *model.Trade
}

// Trade returns the trade under the checkout. Callers must not mutate
// Status or StatusUpdated directly.
func (m *Machine) Trade() *model.Trade { return m.trade }

// Send applies event to the trade. On a legal transition the new status
// and a monotonically non-decreasing statusUpdated are persisted in one
// write; on an illegal one the stored state is untouched and an
// *IllegalTransitionError comes back.
func (m *Machine) Send(ctx context.Context, event model.TradeEvent) error {
	r := m.registry
	to, ok := target(m.trade.Status, event)
	if !ok {
		r.metrics.IllegalTransitions.Inc()
		r.logger.Warn("illegal transition attempted",
			zap.String("trade_id", m.trade.ID),
			zap.String("status", string(m.trade.Status)),
			zap.String("event", string(event)),
		)
		return &IllegalTransitionError{TradeID: m.trade.ID, From: m.trade.Status, Event: event}
	}

	now := r.clock.Now()
	if now.Before(m.trade.StatusUpdated) {
		now = m.trade.StatusUpdated
	}

	if err := r.store.UpdateStatus(ctx, m.trade.ID, to, now); err != nil {
		return fmt.Errorf("transition %s --%s--> %s: %w", m.trade.Status, event, to, err)
	}

	from := m.trade.Status
	m.trade.Status = to
	m.trade.StatusUpdated = now

	r.metrics.Transitions.WithLabelValues(string(event)).Inc()
	r.logger.Info("trade transitioned",
		zap.String("trade_id", m.trade.ID),
		zap.String("from", string(from)),
		zap.String("event", string(event)),
		zap.String("to", string(to)),
	)

	if to == model.StatusClosed {
		snapshot := *m.trade
		for _, l := range r.listeners {
			l.TradeClosed(ctx, &snapshot)
		}
	}
	return nil
}

// SetAssignedID records the venue's id for the trade. The write happens
// under the checkout, so it cannot race a transition.
func (m *Machine) SetAssignedID(ctx context.Context, assignedID string) error {
	m.trade.AssignedID = &assignedID
	if err := m.registry.store.Save(ctx, m.trade); err != nil {
		return fmt.Errorf("assign venue id to trade %s: %w", m.trade.ID, err)
	}
	return nil
}

// Release hands the machine back to the registry. It is safe to call from
// a defer; the machine must not be used afterwards.
func (m *Machine) Release() {
	m.slot.mu.Unlock()
	m.registry.deref(m.trade.ID, m.slot)
}

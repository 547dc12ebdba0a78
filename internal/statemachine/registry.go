package statemachine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ttateluc/xo-trader/internal/clock"
	"github.com/ttateluc/xo-trader/internal/metrics"
	"github.com/ttateluc/xo-trader/internal/model"
)

// Store is the slice of the ledger the state machine writes through.
type Store interface {
	FindByID(ctx context.Context, id string) (*model.Trade, error)
	UpdateStatus(ctx context.Context, id string, status model.TradeStatus, at time.Time) error
	Save(ctx context.Context, trade *model.Trade) error
}

// CompletionListener is notified when a trade enters CLOSED, so dependent
// trades can be released.
type CompletionListener interface {
	TradeClosed(ctx context.Context, trade *model.Trade)
}

type slot struct {
	mu   sync.Mutex
	refs int
}

// Registry hands out per-trade machines under an acquire/release
// discipline. Slots are reference counted so the map does not grow with
// the ledger.
type Registry struct {
	store     Store
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Set
	listeners []CompletionListener

	mu    sync.Mutex
	slots map[string]*slot
}

// NewRegistry builds a machine registry over the given store.
func NewRegistry(store Store, clk clock.Clock, m *metrics.Set, logger *zap.Logger) *Registry {
	return &Registry{
		store:   store,
		clock:   clk,
		logger:  logger.Named("statemachine"),
		metrics: m,
		slots:   make(map[string]*slot),
	}
}

// AddCompletionListener registers a listener for CLOSED transitions.
// Not safe to call once machines are being acquired.
func (r *Registry) AddCompletionListener(l CompletionListener) {
	r.listeners = append(r.listeners, l)
}

func (r *Registry) checkout(id string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		s = &slot{}
		r.slots[id] = s
	}
	s.refs++
	return s
}

func (r *Registry) deref(id string, s *slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(r.slots, id)
	}
}

// Acquire checks out the machine for id, blocking while another owner
// holds it, and loads the trade's current state.
func (r *Registry) Acquire(ctx context.Context, id string) (*Machine, error) {
	s := r.checkout(id)
	s.mu.Lock()

	trade, err := r.store.FindByID(ctx, id)
	if err != nil {
		s.mu.Unlock()
		r.deref(id, s)
		return nil, fmt.Errorf("acquire machine for trade %s: %w", id, err)
	}
	return &Machine{registry: r, slot: s, trade: trade}, nil
}

// TryAcquire is the fail-fast variant: it returns (nil, nil) when another
// owner already holds the machine.
func (r *Registry) TryAcquire(ctx context.Context, id string) (*Machine, error) {
	s := r.checkout(id)
	if !s.mu.TryLock() {
		r.deref(id, s)
		return nil, nil
	}

	trade, err := r.store.FindByID(ctx, id)
	if err != nil {
		s.mu.Unlock()
		r.deref(id, s)
		return nil, fmt.Errorf("acquire machine for trade %s: %w", id, err)
	}
	return &Machine{registry: r, slot: s, trade: trade}, nil
}

// SendEvent is acquire-send-release in one call.
func (r *Registry) SendEvent(ctx context.Context, id string, event model.TradeEvent) error {
	m, err := r.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer m.Release()
	return m.Send(ctx, event)
}

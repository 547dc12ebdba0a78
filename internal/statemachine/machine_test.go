package statemachine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ttateluc/xo-trader/internal/clock"
	"github.com/ttateluc/xo-trader/internal/metrics"
	"github.com/ttateluc/xo-trader/internal/model"
)

// memStore is an in-memory Store tracking status writes.
type memStore struct {
	mu        sync.Mutex
	trades    map[string]*model.Trade
	updateErr error
	updates   int
}

func newMemStore(trades ...*model.Trade) *memStore {
	s := &memStore{trades: make(map[string]*model.Trade)}
	for _, t := range trades {
		cp := *t
		s.trades[t.ID] = &cp
	}
	return s
}

func (s *memStore) FindByID(_ context.Context, id string) (*model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, status model.TradeStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	t := s.trades[id]
	t.Status = status
	t.StatusUpdated = at
	s.updates++
	return nil
}

func (s *memStore) Save(_ context.Context, trade *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *trade
	s.trades[trade.ID] = &cp
	return nil
}

func (s *memStore) status(id string) model.TradeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trades[id].Status
}

type recordingListener struct {
	mu     sync.Mutex
	closed []string
}

func (l *recordingListener) TradeClosed(_ context.Context, trade *model.Trade) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, trade.ID)
}

func newTrade(id string, status model.TradeStatus) *model.Trade {
	return &model.Trade{
		ID:            id,
		Client:        "binance",
		CurrencyFrom:  "BTC",
		CurrencyTo:    "USD",
		OpeningAmount: decimal.NewFromInt(1),
		OpeningPrice:  decimal.NewFromInt(100),
		Status:        status,
		StatusUpdated: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		RecordedOn:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newRegistry(t *testing.T, store Store, clk clock.Clock) *Registry {
	t.Helper()
	return NewRegistry(store, clk, metrics.NewNop(), zap.NewNop())
}

func TestMachine_HappyPathToClosed(t *testing.T) {
	store := newMemStore(newTrade("t1", model.StatusUnknown))
	clk := clock.NewFake(time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC))
	r := newRegistry(t, store, clk)
	listener := &recordingListener{}
	r.AddCompletionListener(listener)

	require.NoError(t, r.SendEvent(context.Background(), "t1", model.EventAck))
	assert.Equal(t, model.StatusOpened, store.status("t1"))

	clk.Advance(time.Minute)
	require.NoError(t, r.SendEvent(context.Background(), "t1", model.EventFill))
	assert.Equal(t, model.StatusClosed, store.status("t1"))
	assert.Equal(t, []string{"t1"}, listener.closed)
}

func TestMachine_TransitionTable(t *testing.T) {
	cases := []struct {
		from  model.TradeStatus
		event model.TradeEvent
		to    model.TradeStatus
		legal bool
	}{
		{model.StatusDependsOn, model.EventRelease, model.StatusUnknown, true},
		{model.StatusDependsOn, model.EventCancel, model.StatusCancelled, true},
		{model.StatusDependsOn, model.EventTimeout, model.StatusCancelled, true},
		{model.StatusDependsOn, model.EventAck, "", false},
		{model.StatusUnknown, model.EventAck, model.StatusOpened, true},
		{model.StatusUnknown, model.EventTimeout, model.StatusCancelled, true},
		{model.StatusUnknown, model.EventCancel, model.StatusCancelled, true},
		{model.StatusUnknown, model.EventFill, "", false},
		{model.StatusUnknown, model.EventRelease, "", false},
		{model.StatusOpened, model.EventFill, model.StatusClosed, true},
		{model.StatusOpened, model.EventCancel, model.StatusCancelled, true},
		{model.StatusOpened, model.EventAck, "", false},
		{model.StatusOpened, model.EventTimeout, "", false},
		{model.StatusDependsOn, model.EventManualResolve, model.StatusDoneMan, true},
		{model.StatusUnknown, model.EventManualResolve, model.StatusDoneMan, true},
		{model.StatusOpened, model.EventManualResolve, model.StatusDoneMan, true},
	}

	for _, tc := range cases {
		t.Run(string(tc.from)+"_"+string(tc.event), func(t *testing.T) {
			store := newMemStore(newTrade("t1", tc.from))
			clk := clock.NewFake(time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC))
			r := newRegistry(t, store, clk)

			err := r.SendEvent(context.Background(), "t1", tc.event)
			if tc.legal {
				require.NoError(t, err)
				assert.Equal(t, tc.to, store.status("t1"))
			} else {
				var illegal *IllegalTransitionError
				require.ErrorAs(t, err, &illegal)
				assert.Equal(t, tc.from, illegal.From)
				assert.Equal(t, tc.event, illegal.Event)
				assert.Equal(t, tc.from, store.status("t1"), "stored state must be untouched")
			}
		})
	}
}

func TestMachine_TerminalStatesAcceptNothing(t *testing.T) {
	terminals := []model.TradeStatus{model.StatusClosed, model.StatusCancelled, model.StatusDoneMan}
	events := []model.TradeEvent{
		model.EventAck, model.EventFill, model.EventCancel,
		model.EventTimeout, model.EventManualResolve, model.EventRelease,
	}

	for _, status := range terminals {
		for _, event := range events {
			store := newMemStore(newTrade("t1", status))
			clk := clock.NewFake(time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC))
			r := newRegistry(t, store, clk)

			err := r.SendEvent(context.Background(), "t1", event)
			var illegal *IllegalTransitionError
			require.ErrorAs(t, err, &illegal, "%s must not accept %s", status, event)
			assert.Equal(t, status, store.status("t1"))
			assert.Zero(t, store.updates)
		}
	}
}

func TestMachine_StatusUpdatedNeverDecreases(t *testing.T) {
	trade := newTrade("t1", model.StatusUnknown)
	trade.StatusUpdated = time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)
	store := newMemStore(trade)
	// The fake clock sits behind the last transition.
	clk := clock.NewFake(time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC))
	r := newRegistry(t, store, clk)

	require.NoError(t, r.SendEvent(context.Background(), "t1", model.EventAck))

	got, err := store.FindByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, got.StatusUpdated.Before(trade.StatusUpdated))
}

func TestMachine_StoreFailureKeepsLocalState(t *testing.T) {
	store := newMemStore(newTrade("t1", model.StatusUnknown))
	store.updateErr = errors.New("connection reset")
	clk := clock.NewFake(time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC))
	r := newRegistry(t, store, clk)

	m, err := r.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	defer m.Release()

	err = m.Send(context.Background(), model.EventAck)
	require.Error(t, err)
	assert.Equal(t, model.StatusUnknown, m.Trade().Status)
	assert.Equal(t, model.StatusUnknown, store.status("t1"))
}

func TestRegistry_TryAcquireFailsWhileHeld(t *testing.T) {
	store := newMemStore(newTrade("t1", model.StatusUnknown))
	clk := clock.NewFake(time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC))
	r := newRegistry(t, store, clk)

	m, err := r.Acquire(context.Background(), "t1")
	require.NoError(t, err)

	other, err := r.TryAcquire(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, other)

	m.Release()

	other, err = r.TryAcquire(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, other)
	other.Release()
}

func TestRegistry_SerializesEventsPerTrade(t *testing.T) {
	store := newMemStore(newTrade("t1", model.StatusUnknown))
	clk := clock.NewFake(time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC))
	r := newRegistry(t, store, clk)

	// Two concurrent owners race TIMEOUT and CANCEL; exactly one wins,
	// the loser observes an illegal transition because the trade is
	// already terminal.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, event := range []model.TradeEvent{model.EventTimeout, model.EventCancel} {
		wg.Add(1)
		go func(i int, ev model.TradeEvent) {
			defer wg.Done()
			errs[i] = r.SendEvent(context.Background(), "t1", ev)
		}(i, event)
	}
	wg.Wait()

	var illegalCount, okCount int
	for _, err := range errs {
		var illegal *IllegalTransitionError
		switch {
		case err == nil:
			okCount++
		case errors.As(err, &illegal):
			illegalCount++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, 1, illegalCount)
	assert.Equal(t, 1, store.updates)
}

package reconciler

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ttateluc/xo-trader/internal/clock"
	"github.com/ttateluc/xo-trader/internal/gateway"
	"github.com/ttateluc/xo-trader/internal/ledger"
	"github.com/ttateluc/xo-trader/internal/metrics"
	"github.com/ttateluc/xo-trader/internal/model"
	"github.com/ttateluc/xo-trader/internal/statemachine"
)

// recordingCommander keeps every command issued by a job.
type recordingCommander struct {
	mu     sync.Mutex
	lists  []*gateway.ListOpenCommand
	gets   []*gateway.GetOrderCommand
	getErr error
}

func (c *recordingCommander) CreateOrder(context.Context, *gateway.CreateOrderCommand) error {
	return nil
}

func (c *recordingCommander) GetOrder(_ context.Context, cmd *gateway.GetOrderCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return c.getErr
	}
	c.gets = append(c.gets, cmd)
	return nil
}

func (c *recordingCommander) ListOpenOrders(_ context.Context, cmd *gateway.ListOpenCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists = append(c.lists, cmd)
	return nil
}

func (c *recordingCommander) Withdraw(context.Context, *gateway.WithdrawCommand) error { return nil }

// jobStore is the in-memory ledger slice the jobs read and write.
type jobStore struct {
	mu      sync.Mutex
	trades  map[string]*model.Trade
	symbols []model.ByClientAndPair

	// staleExtra is returned by FindByStatusInAndUpdatedBefore on top of the
	// real matches; it lets a test hand the sweep a row that moved on
	// between the select and the checkout.
	staleExtra []*model.Trade
}

func newJobStore(trades ...*model.Trade) *jobStore {
	s := &jobStore{trades: make(map[string]*model.Trade)}
	for _, tr := range trades {
		cp := *tr
		s.trades[tr.ID] = &cp
	}
	return s
}

func (s *jobStore) FindByID(_ context.Context, id string) (*model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.trades[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *tr
	return &cp, nil
}

func (s *jobStore) Save(_ context.Context, trade *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *trade
	s.trades[trade.ID] = &cp
	return nil
}

func (s *jobStore) UpdateStatus(_ context.Context, id string, status model.TradeStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.trades[id]
	if !ok {
		return ledger.ErrNotFound
	}
	tr.Status = status
	tr.StatusUpdated = at
	return nil
}

func (s *jobStore) FindSymbols(context.Context, []model.TradeStatus, time.Time) ([]model.ByClientAndPair, error) {
	return s.symbols, nil
}

func (s *jobStore) FindByStatusInAndUpdatedBefore(_ context.Context, statuses []model.TradeStatus, cutoff time.Time) ([]*model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Trade
	for _, tr := range s.trades {
		for _, st := range statuses {
			if tr.Status == st && tr.StatusUpdated.Before(cutoff) {
				cp := *tr
				out = append(out, &cp)
				break
			}
		}
	}
	out = append(out, s.staleExtra...)
	return out, nil
}

func (s *jobStore) status(t *testing.T, id string) model.TradeStatus {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.trades[id]
	require.True(t, ok)
	return tr.Status
}

var jobNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newUpdater(store *jobStore, cmd gateway.Commander) *Updater {
	clk := clock.NewFake(jobNow)
	machines := statemachine.NewRegistry(store, clk, metrics.NewNop(), zap.NewNop())
	return NewUpdater(cmd, machines, clk, UpdaterConfig{
		BulkInterval:             30 * time.Second,
		StuckInterval:            time.Minute,
		TimeoutInterval:          15 * time.Second,
		OrderTimeout:             5 * time.Minute,
		MaxToCheckStuckPerClient: 2,
	}, metrics.NewNop(), zap.NewNop())
}

func staleTrade(id, client string, status model.TradeStatus, age time.Duration) *model.Trade {
	assigned := id + "-ext"
	return &model.Trade{
		ID:            id,
		Client:        client,
		CurrencyFrom:  "BTC",
		CurrencyTo:    "USD",
		Status:        status,
		AssignedID:    &assigned,
		StatusUpdated: jobNow.Add(-age),
	}
}

func TestBulkRefresh_OneQueryPerSymbol(t *testing.T) {
	store := newJobStore()
	store.symbols = []model.ByClientAndPair{
		{Client: "X", Pair: model.TradingPair{From: "BTC", To: "USD"}},
		{Client: "X", Pair: model.TradingPair{From: "ETH", To: "USD"}},
		{Client: "Y", Pair: model.TradingPair{From: "BTC", To: "USD"}},
	}
	cmd := &recordingCommander{}
	u := newUpdater(store, cmd)

	require.NoError(t, u.bulkRefresh(context.Background(), store))

	require.Len(t, cmd.lists, 3)
	var got []string
	for _, c := range cmd.lists {
		got = append(got, c.ClientName+"/"+c.CurrencyFrom+c.CurrencyTo)
	}
	sort.Strings(got)
	assert.Equal(t, []string{"X/BTCUSD", "X/ETHUSD", "Y/BTCUSD"}, got)
}

func TestStuckRecheck_CapsQueriesPerClient(t *testing.T) {
	store := newJobStore(
		staleTrade("a", "X", model.StatusOpened, 2*time.Hour),
		staleTrade("b", "X", model.StatusOpened, 2*time.Hour),
		staleTrade("c", "X", model.StatusUnknown, 2*time.Hour),
		staleTrade("d", "Y", model.StatusOpened, 2*time.Hour),
	)
	cmd := &recordingCommander{}
	u := newUpdater(store, cmd)

	require.NoError(t, u.stuckRecheck(context.Background(), store))

	perClient := map[string]int{}
	for _, c := range cmd.gets {
		perClient[c.ClientName]++
	}
	assert.Equal(t, 2, perClient["X"], "cap is per client per tick")
	assert.Equal(t, 1, perClient["Y"])
}

func TestStuckRecheck_SkipsUnacknowledgedTrades(t *testing.T) {
	unacked := staleTrade("a", "X", model.StatusUnknown, 2*time.Hour)
	unacked.AssignedID = nil
	store := newJobStore(unacked)
	cmd := &recordingCommander{}
	u := newUpdater(store, cmd)

	require.NoError(t, u.stuckRecheck(context.Background(), store))
	assert.Empty(t, cmd.gets, "no venue id means nothing to query individually")
}

func TestStuckRecheck_IgnoresFreshTrades(t *testing.T) {
	store := newJobStore(staleTrade("a", "X", model.StatusOpened, time.Second))
	cmd := &recordingCommander{}
	u := newUpdater(store, cmd)

	require.NoError(t, u.stuckRecheck(context.Background(), store))
	assert.Empty(t, cmd.gets)
}

func TestTimeoutSweep_CancelsLongUnknownTrades(t *testing.T) {
	store := newJobStore(
		staleTrade("old-unknown", "X", model.StatusUnknown, time.Hour),
		staleTrade("old-opened", "X", model.StatusOpened, time.Hour),
		staleTrade("fresh-unknown", "X", model.StatusUnknown, time.Minute),
	)
	u := newUpdater(store, &recordingCommander{})

	require.NoError(t, u.timeoutSweep(context.Background(), store))

	assert.Equal(t, model.StatusCancelled, store.status(t, "old-unknown"))
	assert.Equal(t, model.StatusOpened, store.status(t, "old-opened"), "acknowledged trades are never swept")
	assert.Equal(t, model.StatusUnknown, store.status(t, "fresh-unknown"))
}

func TestTimeoutSweep_ToleratesRacedTransitions(t *testing.T) {
	// The trade the select returned was filled before the sweep checked it
	// out; the sweep must treat the illegal TIMEOUT as already handled.
	closed := staleTrade("t", "X", model.StatusClosed, time.Hour)
	store := newJobStore(closed)
	raced := *closed
	raced.Status = model.StatusUnknown
	store.staleExtra = []*model.Trade{&raced}
	u := newUpdater(store, &recordingCommander{})

	require.NoError(t, u.timeoutSweep(context.Background(), store))
	assert.Equal(t, model.StatusClosed, store.status(t, "t"))
}

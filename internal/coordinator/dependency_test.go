package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ttateluc/xo-trader/internal/admission"
	"github.com/ttateluc/xo-trader/internal/clock"
	"github.com/ttateluc/xo-trader/internal/metrics"
	"github.com/ttateluc/xo-trader/internal/model"
	"github.com/ttateluc/xo-trader/internal/statemachine"
)

type stubConfigs struct {
	cfg *model.NnConfig
	err error
}

func (c *stubConfigs) NnCfg(context.Context, string, model.TradingPair) (*model.NnConfig, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.cfg, nil
}

var (
	recordedOn = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	slaveDelay = 10 * time.Minute
)

func closedMaster() *model.Trade {
	return &model.Trade{
		ID:           "master",
		Client:       "X",
		CurrencyFrom: "BTC",
		CurrencyTo:   "USD",
		Status:       model.StatusClosed,
		RecordedOn:   recordedOn,
	}
}

func heldSlave() *model.Trade {
	masterID := "master"
	return &model.Trade{
		ID:            "slave",
		Client:        "X",
		CurrencyFrom:  "BTC",
		CurrencyTo:    "USD",
		OpeningAmount: decimal.NewFromInt(10),
		OpeningPrice:  decimal.NewFromInt(100),
		Status:        model.StatusDependsOn,
		DependsOnID:   &masterID,
		RecordedOn:    recordedOn,
	}
}

type pushFixture struct {
	ledger    *memLedger
	commander *stubCommander
	admitter  *stubAdmitter
	configs   *stubConfigs
	clock     *clock.Fake
	coord     *Coordinator
}

func newPushFixture(t *testing.T, now time.Time) *pushFixture {
	t.Helper()
	lg := newMemLedger(closedMaster(), heldSlave())
	cmd := &stubCommander{}
	adm := &stubAdmitter{}
	cfgs := &stubConfigs{cfg: &model.NnConfig{
		Client:        "X",
		CurrencyFrom:  "BTC",
		CurrencyTo:    "USD",
		MaxSlaveDelay: slaveDelay,
	}}
	clk := clock.NewFake(now)
	machines := statemachine.NewRegistry(lg, clk, metrics.NewNop(), zap.NewNop())
	coord := NewCoordinator(cfgs, adm, machines, cmd, clk, metrics.NewNop(), zap.NewNop())
	return &pushFixture{
		ledger:    lg,
		commander: cmd,
		admitter:  adm,
		configs:   cfgs,
		clock:     clk,
		coord:     coord,
	}
}

func TestCoordinator_PushesSlaveBeforeExpiry(t *testing.T) {
	f := newPushFixture(t, recordedOn.Add(slaveDelay-time.Second))

	require.NoError(t, f.coord.PushSlaves(context.Background(), f.ledger))

	assert.Equal(t, model.StatusUnknown, f.ledger.status(t, "slave"))
	require.Equal(t, 1, f.commander.createdCount())
	assert.Equal(t, "slave", f.commander.created[0].OrderID)
}

func TestCoordinator_ExpiresSlavePastDeadline(t *testing.T) {
	f := newPushFixture(t, recordedOn.Add(slaveDelay+time.Second))

	require.NoError(t, f.coord.PushSlaves(context.Background(), f.ledger))

	assert.Equal(t, model.StatusCancelled, f.ledger.status(t, "slave"))
	assert.Zero(t, f.commander.createdCount(), "expired slaves must not reach the venue")
}

func TestCoordinator_DeadlineItselfStillPushes(t *testing.T) {
	// The wait becomes excessive strictly after recordedOn+delay.
	f := newPushFixture(t, recordedOn.Add(slaveDelay))

	require.NoError(t, f.coord.PushSlaves(context.Background(), f.ledger))

	assert.Equal(t, model.StatusUnknown, f.ledger.status(t, "slave"))
	assert.Equal(t, 1, f.commander.createdCount())
}

func TestCoordinator_RepeatedTicksPublishOnce(t *testing.T) {
	f := newPushFixture(t, recordedOn.Add(time.Minute))

	for i := 0; i < 3; i++ {
		require.NoError(t, f.coord.PushSlaves(context.Background(), f.ledger))
	}

	assert.Equal(t, 1, f.commander.createdCount(), "a released slave must never be published again")
}

func TestCoordinator_RejectedSlaveWaitsForNextTick(t *testing.T) {
	f := newPushFixture(t, recordedOn.Add(time.Minute))
	f.admitter.err = admission.Reject(admission.ReasonSideLimit)

	require.NoError(t, f.coord.PushSlaves(context.Background(), f.ledger))

	assert.Equal(t, model.StatusDependsOn, f.ledger.status(t, "slave"))
	assert.Zero(t, f.commander.createdCount())

	// Capacity frees up before the next tick.
	f.admitter.err = nil
	require.NoError(t, f.coord.PushSlaves(context.Background(), f.ledger))
	assert.Equal(t, model.StatusUnknown, f.ledger.status(t, "slave"))
	assert.Equal(t, 1, f.commander.createdCount())
}

func TestCoordinator_MissingPolicyLeavesSlaveUntouched(t *testing.T) {
	f := newPushFixture(t, recordedOn.Add(time.Minute))
	f.configs.err = admission.Reject(admission.ReasonNoConfig)

	require.NoError(t, f.coord.PushSlaves(context.Background(), f.ledger))

	assert.Equal(t, model.StatusDependsOn, f.ledger.status(t, "slave"))
	assert.Zero(t, f.commander.createdCount())
}

func TestCoordinator_TransportFailureRetriesNextTick(t *testing.T) {
	f := newPushFixture(t, recordedOn.Add(time.Minute))
	f.commander.createErr = errors.New("gateway down")

	require.NoError(t, f.coord.PushSlaves(context.Background(), f.ledger))
	assert.Equal(t, model.StatusDependsOn, f.ledger.status(t, "slave"))

	f.commander.createErr = nil
	require.NoError(t, f.coord.PushSlaves(context.Background(), f.ledger))
	assert.Equal(t, model.StatusUnknown, f.ledger.status(t, "slave"))
	assert.Equal(t, 1, f.commander.createdCount())
}

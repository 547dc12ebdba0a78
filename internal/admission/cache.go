package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ttateluc/xo-trader/internal/clock"
	"github.com/ttateluc/xo-trader/internal/ledger"
	"github.com/ttateluc/xo-trader/internal/model"
)

// ConfigStore is the slice of the ledger the cache reads through.
type ConfigStore interface {
	ClientConfig(ctx context.Context, client string, pair model.TradingPair) (*model.ClientConfig, error)
	NnConfig(ctx context.Context, client string, pair model.TradingPair) (*model.NnConfig, error)
	ActiveConfigs(ctx context.Context) ([]*model.ClientConfig, error)
}

type clientEntry struct {
	cfg       *model.ClientConfig // nil records a confirmed absence
	fetchedAt time.Time
}

type nnEntry struct {
	cfg       *model.NnConfig
	fetchedAt time.Time
}

// ConfigCache is a read-through cache of per-(client, pair) policies.
// Entries are immutable snapshots replaced wholesale after the refresh
// interval; concurrent creators race benignly, the map keeps one winner.
type ConfigCache struct {
	store   ConfigStore
	clock   clock.Clock
	logger  *zap.Logger
	refresh time.Duration

	clientCfgs sync.Map // key -> *clientEntry
	nnCfgs     sync.Map // key -> *nnEntry
}

// NewConfigCache builds a cache refreshing entries every refresh interval.
func NewConfigCache(store ConfigStore, clk clock.Clock, refresh time.Duration, logger *zap.Logger) *ConfigCache {
	return &ConfigCache{
		store:   store,
		clock:   clk,
		logger:  logger.Named("config-cache"),
		refresh: refresh,
	}
}

func cacheKey(client string, pair model.TradingPair) string {
	return client + "|" + pair.String()
}

// ClientCfg returns the trading policy for (client, pair), or a NO_CONFIG
// rejection when none exists. Absence is cached for one refresh interval
// like any other answer.
func (c *ConfigCache) ClientCfg(ctx context.Context, client string, pair model.TradingPair) (*model.ClientConfig, error) {
	key := cacheKey(client, pair)
	now := c.clock.Now()

	if v, ok := c.clientCfgs.Load(key); ok {
		entry := v.(*clientEntry)
		if now.Sub(entry.fetchedAt) < c.refresh {
			if entry.cfg == nil {
				return nil, Reject(ReasonNoConfig)
			}
			return entry.cfg, nil
		}
	}

	cfg, err := c.store.ClientConfig(ctx, client, pair)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		c.clientCfgs.Store(key, &clientEntry{cfg: nil, fetchedAt: now})
		return nil, Reject(ReasonNoConfig)
	case err != nil:
		return nil, fmt.Errorf("config lookup for %s %s: %w", client, pair, err)
	}

	c.clientCfgs.Store(key, &clientEntry{cfg: cfg, fetchedAt: now})
	return cfg, nil
}

// NnCfg returns the dependency policy for (client, pair), or a NO_CONFIG
// rejection when none exists.
func (c *ConfigCache) NnCfg(ctx context.Context, client string, pair model.TradingPair) (*model.NnConfig, error) {
	key := cacheKey(client, pair)
	now := c.clock.Now()

	if v, ok := c.nnCfgs.Load(key); ok {
		entry := v.(*nnEntry)
		if now.Sub(entry.fetchedAt) < c.refresh {
			if entry.cfg == nil {
				return nil, Reject(ReasonNoConfig)
			}
			return entry.cfg, nil
		}
	}

	cfg, err := c.store.NnConfig(ctx, client, pair)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		c.nnCfgs.Store(key, &nnEntry{cfg: nil, fetchedAt: now})
		return nil, Reject(ReasonNoConfig)
	case err != nil:
		return nil, fmt.Errorf("nn config lookup for %s %s: %w", client, pair, err)
	}

	c.nnCfgs.Store(key, &nnEntry{cfg: cfg, fetchedAt: now})
	return cfg, nil
}

// ActiveConfigs lists enabled configs straight from the store; feed
// subscriptions are set up once per connect, not per trade, so they do not
// go through the cache.
func (c *ConfigCache) ActiveConfigs(ctx context.Context) ([]*model.ClientConfig, error) {
	return c.store.ActiveConfigs(ctx)
}

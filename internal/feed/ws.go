package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingPeriod       = 15 * time.Second
	writeTimeout     = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	reconnectDelay   = 5 * time.Second
	bookBuffer       = 1024
)

// Subscription names one stream to request after connecting.
type Subscription struct {
	Mode   string `json:"mode"`
	Client string `json:"clientName"`
}

// SubscriptionSource yields the streams to subscribe. It is re-evaluated
// on every (re)connect, so newly enabled configs are picked up without a
// restart.
type SubscriptionSource func(ctx context.Context) ([]Subscription, error)

// WsFeed is the websocket Feed implementation, one stream subscription
// per active config entry.
type WsFeed struct {
	url    string
	subs   SubscriptionSource
	logger *zap.Logger
	books  chan OrderBook
}

var _ Feed = (*WsFeed)(nil)

// NewWsFeed builds a feed client for the provider at url.
func NewWsFeed(url string, subs SubscriptionSource, logger *zap.Logger) *WsFeed {
	return &WsFeed{
		url:    url,
		subs:   subs,
		logger: logger.Named("feed-ws"),
		books:  make(chan OrderBook, bookBuffer),
	}
}

func (f *WsFeed) Books() <-chan OrderBook { return f.books }

// Run keeps the provider connection alive until ctx is done. The books
// channel closes on return.
func (f *WsFeed) Run(ctx context.Context) {
	defer close(f.books)
	for {
		if err := f.connectAndServe(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("feed connection lost", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (f *WsFeed) connectAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}
	defer conn.Close()

	subs, err := f.subs(ctx)
	if err != nil {
		return fmt.Errorf("resolve subscriptions: %w", err)
	}
	for _, sub := range subs {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.Client, err)
		}
	}
	f.logger.Info("feed connected",
		zap.String("url", f.url),
		zap.Int("subscriptions", len(subs)),
	)

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go f.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var book OrderBook
		if err := conn.ReadJSON(&book); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		book.ReceivedAt = time.Now().UTC()
		select {
		case f.books <- book:
		default:
			// Snapshots supersede each other; dropping under backpressure
			// is safer than stalling the read pump.
			f.logger.Debug("book dropped, consumer behind",
				zap.String("client", book.Client))
		}
	}
}

func (f *WsFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				f.logger.Warn("feed ping failed", zap.Error(err))
				return
			}
		}
	}
}

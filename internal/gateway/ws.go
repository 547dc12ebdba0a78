package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ttateluc/xo-trader/internal/metrics"
)

const (
	pingPeriod       = 15 * time.Second
	writeTimeout     = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	reconnectDelay   = 5 * time.Second
	readLimit        = 1 << 20
)

// ErrDisconnected is returned when a command is issued while the gateway
// socket is down. It is a transient failure: no local state changes, the
// next reconciliation tick retries.
var ErrDisconnected = errors.New("gateway: not connected")

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// WsCommander is the websocket Commander implementation. One write lock
// serializes outbound frames; inbound frames are decoded on the read pump
// and handed to the result handler.
type WsCommander struct {
	url     string
	handler *ResultHandler
	logger  *zap.Logger
	metrics *metrics.Set

	mu   sync.Mutex
	conn *websocket.Conn
}

var _ Commander = (*WsCommander)(nil)

// NewWsCommander builds a commander for the gateway at url.
func NewWsCommander(url string, handler *ResultHandler, m *metrics.Set, logger *zap.Logger) *WsCommander {
	return &WsCommander{
		url:     url,
		handler: handler,
		logger:  logger.Named("gateway-ws"),
		metrics: m,
	}
}

// Run keeps the gateway connection alive until ctx is done, reconnecting
// with a fixed delay after any drop.
func (c *WsCommander) Run(ctx context.Context) {
	for {
		if err := c.connectAndServe(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("gateway connection lost", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *WsCommander) connectAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("gateway connected", zap.String("url", c.url))

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var res OrderResult
		if err := conn.ReadJSON(&res); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handler.Accept(ctx, &res)
	}
}

func (c *WsCommander) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Warn("gateway ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *WsCommander) send(msgType string, cmd any) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s command: %w", msgType, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrDisconnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(envelope{Type: msgType, Data: data}); err != nil {
		return fmt.Errorf("send %s command: %w", msgType, err)
	}
	c.metrics.CommandsSent.WithLabelValues(msgType).Inc()
	return nil
}

func (c *WsCommander) CreateOrder(ctx context.Context, cmd *CreateOrderCommand) error {
	return c.send(TypeCreate, cmd)
}

func (c *WsCommander) GetOrder(ctx context.Context, cmd *GetOrderCommand) error {
	return c.send(TypeGetOrder, cmd)
}

func (c *WsCommander) ListOpenOrders(ctx context.Context, cmd *ListOpenCommand) error {
	return c.send(TypeListOpen, cmd)
}

func (c *WsCommander) Withdraw(ctx context.Context, cmd *WithdrawCommand) error {
	return c.send(TypeWithdraw, cmd)
}

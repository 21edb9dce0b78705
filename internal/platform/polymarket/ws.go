package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// TradeHandler is called for every trade on the activity feed.
type TradeHandler func(ActivityTrade)

// ActivityClient subscribes to the live-data activity feed and hands every
// finalized trade to a handler. It reconnects with exponential backoff until
// its context is cancelled.
type ActivityClient struct {
	wsURL   string
	handler TradeHandler
	logger  *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	// backoff bounds, shortened in tests
	minDelay time.Duration
	maxDelay time.Duration
}

// NewActivityClient creates a client for wsURL, e.g.
// "wss://ws-live-data.polymarket.com".
func NewActivityClient(wsURL string, handler TradeHandler, logger *slog.Logger) *ActivityClient {
	return &ActivityClient{
		wsURL:    wsURL,
		handler:  handler,
		logger:   logger.With(slog.String("component", "activity_ws")),
		minDelay: reconnectDelay,
		maxDelay: maxReconnectDelay,
	}
}

// Run connects and reads until ctx is cancelled. Connection failures are
// logged and retried; Run returns nil on shutdown.
func (a *ActivityClient) Run(ctx context.Context) error {
	delay := a.minDelay
	for {
		err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			delay = a.minDelay
		}
		a.logger.WarnContext(ctx, "activity feed disconnected",
			slog.Any("error", err),
			slog.Duration("retry_in", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if err != nil {
			delay *= 2
			if delay > a.maxDelay {
				delay = a.maxDelay
			}
		}
	}
}

// Close drops the current connection; Run will reconnect unless its
// context is done.
func (a *ActivityClient) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	_ = a.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	err := a.conn.Close()
	a.conn = nil
	return err
}

// session runs one connection. It returns nil when a healthy connection
// was closed after delivering at least one frame.
func (a *ActivityClient) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	defer a.Close()

	sub := activitySubscribe{
		Action:        "subscribe",
		Subscriptions: []activitySubscription{{Topic: "activity", Type: "trades"}},
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("polymarket/ws: marshal subscribe: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}
	a.logger.InfoContext(ctx, "activity feed connected", slog.String("url", a.wsURL))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.pingLoop(sessCtx, conn)
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	received := false
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if received {
				return nil
			}
			return fmt.Errorf("polymarket/ws: read: %w", err)
		}
		received = true
		conn.SetReadDeadline(time.Now().Add(pongWait))
		a.handleMessage(msg)
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (a *ActivityClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			a.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleMessage routes activity trade frames to the handler. Other topics
// and malformed frames are dropped.
func (a *ActivityClient) handleMessage(raw []byte) {
	var env ActivityEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	if env.Topic != "activity" || (env.Type != "trades" && env.Type != "orders_matched") {
		return
	}
	var trade ActivityTrade
	if err := json.Unmarshal(env.Payload, &trade); err != nil {
		a.logger.Debug("undecodable activity payload", slog.String("error", err.Error()))
		return
	}
	if trade.TransactionHash == "" || trade.Asset == "" {
		return
	}
	a.handler(trade)
}

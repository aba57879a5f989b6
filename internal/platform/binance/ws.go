package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantfold/fundinghunter/internal/domain"
	"github.com/quantfold/fundinghunter/internal/metrics"
)

const (
	// wsWriteWait is the time allowed to write a message to the peer.
	wsWriteWait = 10 * time.Second

	// wsReadWait is the time allowed between reads; Binance pings every few
	// minutes so the deadline is generous.
	wsReadWait = 5 * time.Minute

	// wsReconnectDelay is the base delay before attempting to reconnect.
	wsReconnectDelay = 2 * time.Second

	// wsMaxReconnectDelay caps the exponential backoff.
	wsMaxReconnectDelay = 60 * time.Second

	// listenKeyKeepalive refreshes the listen key well inside its 60-minute
	// server-side expiry.
	listenKeyKeepalive = 30 * time.Minute
)

// OrderUpdateHandler is called for every order state change pushed by the
// user-data stream.
type OrderUpdateHandler func(domain.OrderUpdate)

// UserStream consumes the Binance futures user-data stream and surfaces
// order updates. Lost updates are backstopped by the reconciliation sweep, so
// the stream reconnects best-effort without replay.
type UserStream struct {
	client *Client
	wsURL  string
	logger *slog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	listenKey string
	closed    bool

	handlerMu sync.RWMutex
	handlers  []OrderUpdateHandler

	done chan struct{}
}

// NewUserStream creates a user-data stream client. wsURL is the stream root,
// e.g. "wss://fstream.binance.com".
func NewUserStream(client *Client, wsURL string, logger *slog.Logger) *UserStream {
	return &UserStream{
		client: client,
		wsURL:  wsURL,
		logger: logger.With(slog.String("component", "binance_userstream")),
		done:   make(chan struct{}),
	}
}

// OnOrderUpdate registers a handler invoked for every ORDER_TRADE_UPDATE.
func (u *UserStream) OnOrderUpdate(h OrderUpdateHandler) {
	u.handlerMu.Lock()
	defer u.handlerMu.Unlock()
	u.handlers = append(u.handlers, h)
}

// Connect obtains a listen key and opens the stream. Background goroutines
// keep the key alive and read events until Close.
func (u *UserStream) Connect(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return fmt.Errorf("binance/ws: stream is closed")
	}

	key, err := u.createListenKey(ctx)
	if err != nil {
		return fmt.Errorf("binance/ws: create listen key: %w", err)
	}
	u.listenKey = key

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.wsURL+"/ws/"+key, nil)
	if err != nil {
		return fmt.Errorf("binance/ws: connect: %w", err)
	}
	u.conn = conn

	conn.SetReadDeadline(time.Now().Add(wsReadWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadWait))
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	go u.readLoop(conn)
	go u.keepaliveLoop()

	u.logger.Info("user-data stream connected")
	return nil
}

// Close shuts the stream down.
func (u *UserStream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil
	}
	u.closed = true
	close(u.done)

	if u.conn != nil {
		_ = u.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return u.conn.Close()
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (u *UserStream) createListenKey(ctx context.Context) (string, error) {
	body, err := u.client.doSigned(ctx, http.MethodPost, "/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	return resp.ListenKey, nil
}

// keepaliveLoop refreshes the listen key on a fixed period.
func (u *UserStream) keepaliveLoop() {
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-u.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			_, err := u.client.doSigned(ctx, http.MethodPut, "/fapi/v1/listenKey", nil)
			cancel()
			if err != nil {
				u.logger.Warn("listen key keepalive failed", slog.String("error", err.Error()))
			}
		}
	}
}

// readLoop reads stream events until the connection drops, then reconnects.
func (u *UserStream) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		select {
		case <-u.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-u.done:
				return
			default:
			}
			u.logger.Warn("stream read failed, reconnecting", slog.String("error", err.Error()))
			u.reconnect()
			return
		}

		u.handleMessage(message)
	}
}

// handleMessage parses a raw event and dispatches order updates.
func (u *UserStream) handleMessage(raw []byte) {
	var envelope wsEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}

	switch envelope.Event {
	case "ORDER_TRADE_UPDATE":
		var o wsOrderUpdate
		if err := json.Unmarshal(envelope.Order, &o); err != nil {
			return
		}

		update := domain.OrderUpdate{
			Symbol:       o.Symbol,
			OrderID:      fmt.Sprintf("%d", o.OrderID),
			ClientToken:  o.ClientOrderID,
			Status:       orderStatusFromAPI(o.Status),
			AvgFillPrice: parseFloat(o.AvgPrice),
			At:           time.UnixMilli(o.TradeTime).UTC(),
		}

		u.handlerMu.RLock()
		handlers := u.handlers
		u.handlerMu.RUnlock()

		for _, h := range handlers {
			h(update)
		}

	case "listenKeyExpired":
		u.logger.Warn("listen key expired, reconnecting")
		go u.reconnect()
	}
}

// reconnect re-establishes the stream with exponential backoff. A fresh
// listen key is requested on every attempt.
func (u *UserStream) reconnect() {
	metrics.StreamReconnects.Inc()
	delay := wsReconnectDelay

	for {
		select {
		case <-u.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := u.Connect(ctx)
		cancel()

		if err == nil {
			return
		}
		u.logger.Warn("stream reconnect failed", slog.String("error", err.Error()))

		delay *= 2
		if delay > wsMaxReconnectDelay {
			delay = wsMaxReconnectDelay
		}
	}
}

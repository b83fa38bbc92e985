package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
)

// SubscriptionKind names an eth_subscribe stream.
type SubscriptionKind string

const (
	KindLogs  SubscriptionKind = "logs"
	KindHeads SubscriptionKind = "newHeads"
)

// Notification is one eth_subscription message routed by stream kind.
type Notification struct {
	Kind   SubscriptionKind
	Result json.RawMessage
}

// WSClient manages a WebSocket connection to an Ethereum node.
type WSClient struct {
	url  string
	conn *websocket.Conn
	mu   sync.Mutex

	// Subscription tracking: request id -> kind until confirmed, then
	// subscription id -> kind
	pending       map[int64]SubscriptionKind
	subscriptions map[string]SubscriptionKind
	requestID     atomic.Int64

	// Message handling
	msgCh chan Notification
	done  chan struct{}

	// State
	connected atomic.Bool
}

// NewWSClient creates a new WebSocket client.
func NewWSClient(url string) *WSClient {
	return &WSClient{
		url:           url,
		pending:       make(map[int64]SubscriptionKind),
		subscriptions: make(map[string]SubscriptionKind),
		msgCh:         make(chan Notification, 1000),
		done:          make(chan struct{}),
	}
}

// Connect establishes a WebSocket connection.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.conn = conn
	c.connected.Store(true)

	log.Info().Str("url", c.url).Msg("WebSocket connected")
	return nil
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	close(c.done)
	c.connected.Store(false)

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsConnected returns true if the client is connected.
func (c *WSClient) IsConnected() bool {
	return c.connected.Load()
}

// SubscribeLogs subscribes to log events for the given addresses and topics.
func (c *WSClient) SubscribeLogs(ctx context.Context, addresses []string, topics []string) error {
	filter := map[string]interface{}{
		"topics": []interface{}{topics},
	}
	if len(addresses) > 0 {
		filter["address"] = addresses
	}

	if err := c.subscribe(KindLogs, []interface{}{string(KindLogs), filter}); err != nil {
		return err
	}

	log.Info().
		Int("addresses", len(addresses)).
		Strs("topics", topics).
		Msg("Sent log subscription request")
	return nil
}

// SubscribeHeads subscribes to new block headers.
func (c *WSClient) SubscribeHeads(ctx context.Context) error {
	if err := c.subscribe(KindHeads, []interface{}{string(KindHeads)}); err != nil {
		return err
	}

	log.Info().Msg("Sent newHeads subscription request")
	return nil
}

func (c *WSClient) subscribe(kind SubscriptionKind, params []interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	id := c.requestID.Add(1)
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "eth_subscribe",
		"params":  params,
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("writing subscribe request: %w", err)
	}

	c.pending[id] = kind
	return nil
}

// Unsubscribe removes every confirmed subscription of the given kind.
func (c *WSClient) Unsubscribe(ctx context.Context, kind SubscriptionKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	for subID, k := range c.subscriptions {
		if k != kind {
			continue
		}

		id := c.requestID.Add(1)
		req := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"method":  "eth_unsubscribe",
			"params":  []interface{}{subID},
		}

		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(req); err != nil {
			return fmt.Errorf("writing unsubscribe request: %w", err)
		}
		delete(c.subscriptions, subID)
	}
	return nil
}

// ReadMessages reads messages from the WebSocket and sends them to the channel.
// Returns when the connection is closed or an error occurs.
func (c *WSClient) ReadMessages(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return fmt.Errorf("connection closed")
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			c.connected.Store(false)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading message: %w", err)
		}

		// Parse the message to check type
		var msg struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      *int64          `json:"id"`
			Result  json.RawMessage `json:"result"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params"`
			Error   *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}

		if err := json.Unmarshal(message, &msg); err != nil {
			log.Warn().Err(err).Str("message", string(message)).Msg("Failed to parse message")
			continue
		}

		// Handle subscription response
		if msg.ID != nil && msg.Result != nil {
			c.confirm(*msg.ID, msg.Result)
			continue
		}

		// Handle errors
		if msg.Error != nil {
			log.Error().
				Int("code", msg.Error.Code).
				Str("message", msg.Error.Message).
				Msg("WebSocket error")
			continue
		}

		// Handle subscription notifications
		if msg.Method == "eth_subscription" && msg.Params != nil {
			n, ok := c.route(msg.Params)
			if !ok {
				continue
			}
			select {
			case c.msgCh <- n:
			default:
				log.Warn().Str("kind", string(n.Kind)).Msg("Message channel full, discarding message")
			}
		}
	}
}

// confirm records the subscription id returned for a subscribe request.
func (c *WSClient) confirm(id int64, result json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kind, ok := c.pending[id]
	if !ok {
		return
	}
	delete(c.pending, id)

	var subID string
	if err := json.Unmarshal(result, &subID); err != nil || subID == "" {
		return
	}
	c.subscriptions[subID] = kind
	log.Info().Str("subscription_id", subID).Str("kind", string(kind)).Msg("Subscription confirmed")
}

// route maps notification params to the stream they belong to.
func (c *WSClient) route(params json.RawMessage) (Notification, bool) {
	var p struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		log.Warn().Err(err).Msg("Failed to parse notification")
		return Notification{}, false
	}

	c.mu.Lock()
	kind, ok := c.subscriptions[p.Subscription]
	c.mu.Unlock()
	if !ok {
		// Unknown or already cancelled subscription
		return Notification{}, false
	}
	return Notification{Kind: kind, Result: p.Result}, true
}

// Messages returns the channel for received notifications.
func (c *WSClient) Messages() <-chan Notification {
	return c.msgCh
}

// Ping sends a ping to keep the connection alive.
func (c *WSClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// StartPingLoop starts a goroutine that sends periodic pings.
func (c *WSClient) StartPingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Ping(ctx); err != nil {
				log.Warn().Err(err).Msg("Ping failed")
			}
		}
	}
}

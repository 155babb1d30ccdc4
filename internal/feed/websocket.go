package feed

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chainview/internal/errors"
	"chainview/internal/logging"
	"chainview/internal/models"
	"chainview/pkg/utils"
)

// WebSocketClient implements Client over the upstream WebSocket
// protocol: an auth handshake on open, JSON subscribe commands, and a
// stream of market-data messages.
type WebSocketClient struct {
	url    string
	apiKey string
	logger zerolog.Logger

	// Handlers
	onTick   func(models.Tick)
	onStatus func(Status)
	onError  func(error)

	// State
	conn          *websocket.Conn
	connected     bool
	authenticated bool
	selection     models.Selection
	subs          map[string]Instrument
	started       bool
	cancel        context.CancelFunc

	retry      utils.RetryConfig
	maxRetries int
	fatal      atomic.Bool

	mu      sync.RWMutex
	writeMu sync.Mutex // Protects websocket writes
}

// WebSocketConfig holds configuration for the feed client.
type WebSocketConfig struct {
	URL        string
	APIKey     string
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int // 0 means retry until cancelled
}

// NewWebSocketClient creates a new feed client.
func NewWebSocketClient(cfg WebSocketConfig, logger zerolog.Logger) *WebSocketClient {
	baseDelay := cfg.BaseDelay
	if baseDelay == 0 {
		baseDelay = time.Second
	}
	maxDelay := cfg.MaxDelay
	if maxDelay == 0 {
		maxDelay = 30 * time.Second
	}

	return &WebSocketClient{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		logger: logging.WithComponent(logger, "feed"),
		subs:   make(map[string]Instrument),
		retry: utils.RetryConfig{
			InitialDelay:  baseDelay,
			MaxDelay:      maxDelay,
			BackoffFactor: 2.0,
			Jitter:        0.2,
		},
		maxRetries: cfg.MaxRetries,
	}
}

// Connect dials the upstream and starts the read/reconnect loop.
func (c *WebSocketClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.dial(runCtx); err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		cancel()
		return err
	}

	go c.run(runCtx)
	return nil
}

// Close tears down the connection and stops reconnection.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.started = false
	c.connected = false
	c.authenticated = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Subscribe adds instruments under the current selection. If the
// connection is not yet authenticated the subscriptions are queued and
// flushed once authentication completes.
func (c *WebSocketClient) Subscribe(instruments []Instrument) error {
	c.mu.Lock()
	for _, inst := range instruments {
		c.subs[inst.Symbol] = inst
	}
	authed := c.authenticated
	c.mu.Unlock()

	if !authed {
		return nil
	}
	return c.writeSubscriptions(instruments)
}

// Switch replaces the entire subscription set for a new selection.
func (c *WebSocketClient) Switch(sel models.Selection, instruments []Instrument) error {
	c.mu.Lock()
	old := make([]Instrument, 0, len(c.subs))
	for _, inst := range c.subs {
		old = append(old, inst)
	}
	c.selection = sel
	c.subs = make(map[string]Instrument, len(instruments))
	for _, inst := range instruments {
		c.subs[inst.Symbol] = inst
	}
	authed := c.authenticated
	c.mu.Unlock()

	if !authed {
		return nil
	}

	// Best effort: a failed unsubscribe only costs extra upstream
	// traffic for instruments we will drop on parse anyway.
	for _, inst := range old {
		_ = c.writeJSON(map[string]any{
			"action":   "unsubscribe",
			"symbol":   inst.Symbol,
			"exchange": string(inst.Exchange),
			"mode":     int(inst.Mode),
		})
	}

	return c.writeSubscriptions(instruments)
}

// OnTick sets the tick handler.
func (c *WebSocketClient) OnTick(handler func(models.Tick)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTick = handler
}

// OnStatus sets the connectivity handler.
func (c *WebSocketClient) OnStatus(handler func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = handler
}

// OnError sets the error handler.
func (c *WebSocketClient) OnError(handler func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// IsConnected returns whether the feed is connected and authenticated.
func (c *WebSocketClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.authenticated
}

// dial opens the socket and sends the auth handshake.
func (c *WebSocketClient) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return errors.NewFeedError("connect", c.url, "dial failed", errors.Wrap(errors.ErrConnectionFailed, err.Error()))
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.authenticated = false
	c.mu.Unlock()

	return c.writeJSON(map[string]any{
		"action":  "authenticate",
		"api_key": c.apiKey,
	})
}

// run owns the connection lifecycle: it reads until failure, then
// reconnects with jittered exponential backoff. Only a fatal auth
// rejection or context cancellation stops it.
func (c *WebSocketClient) run(ctx context.Context) {
	for {
		c.readLoop(ctx)

		if ctx.Err() != nil || c.fatal.Load() {
			return
		}

		c.mu.Lock()
		c.connected = false
		c.authenticated = false
		c.mu.Unlock()
		c.emitStatus(StatusDown)

		attempt := 0
		for {
			if c.maxRetries > 0 && attempt >= c.maxRetries {
				c.emitError(errors.NewFeedError("reconnect", c.url, "max reconnection attempts reached", errors.ErrConnectionFailed))
				return
			}

			delay := utils.Backoff(attempt, c.retry)
			c.logger.Warn().Dur("delay", delay).Int("attempt", attempt+1).Msg("Feed disconnected, reconnecting")
			if !utils.SleepContext(ctx, delay) {
				return
			}

			if err := c.dial(ctx); err == nil {
				break
			}
			attempt++
		}
	}
}

// readLoop consumes messages until the connection fails.
func (c *WebSocketClient) readLoop(ctx context.Context) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !c.fatal.Load() {
				c.logger.Debug().Err(err).Msg("Feed read failed")
			}
			return
		}
		c.handleMessage(raw)
	}
}

func (c *WebSocketClient) handleMessage(raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Debug().Err(err).Msg("Unparseable feed message")
		return
	}

	switch {
	case msg.Type == "auth":
		c.handleAuth(msg)
	case msg.Type == "market_data" || len(msg.LTP) > 0:
		c.handleMarketData(msg, raw)
	}
}

func (c *WebSocketClient) handleAuth(msg wsMessage) {
	if msg.Status != "success" {
		// Invalid credentials are the one fatal condition: stop
		// retrying and surface upward.
		c.fatal.Store(true)
		c.logger.Error().Str("message", msg.Message).Msg("Feed authentication rejected")
		c.emitError(errors.ErrAuthFailure)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	c.mu.Lock()
	c.authenticated = true
	subs := make([]Instrument, 0, len(c.subs))
	for _, inst := range c.subs {
		subs = append(subs, inst)
	}
	sel := c.selection
	c.mu.Unlock()

	c.logger.Info().Str("underlying", sel.Underlying).Int("subscriptions", len(subs)).
		Msg("Feed authenticated")

	if len(subs) > 0 {
		if err := c.writeSubscriptions(subs); err != nil {
			c.emitError(err)
			return
		}
	}
	c.emitStatus(StatusUp)
}

func (c *WebSocketClient) handleMarketData(msg wsMessage, raw []byte) {
	// Market data may arrive nested under "data" or flattened.
	var md marketData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &md); err != nil {
			c.logger.Debug().Err(err).Msg("Unparseable market data")
			return
		}
		if md.Symbol == "" {
			md.Symbol = msg.Symbol
		}
	} else if err := json.Unmarshal(raw, &md); err != nil {
		return
	}

	if md.Symbol == "" {
		return
	}

	tick := c.toTick(md)

	c.mu.RLock()
	handler := c.onTick
	c.mu.RUnlock()
	if handler != nil {
		handler(tick)
	}
}

// toTick normalizes one market-data message. Depth messages carry best
// bid/ask from the top book level; quote messages carry them directly.
func (c *WebSocketClient) toTick(md marketData) models.Tick {
	c.mu.RLock()
	sel := c.selection
	c.mu.RUnlock()

	q := models.OptionQuote{
		LTP:    md.LTP.value(),
		Bid:    md.Bid,
		Ask:    md.Ask,
		Volume: md.Volume,
		OI:     md.OI,
		Change: md.Change,
	}

	if md.Depth != nil {
		if len(md.Depth.Buy) > 0 {
			q.Bid = md.Depth.Buy[0].Price
			q.BidQty = md.Depth.Buy[0].Quantity
		}
		if len(md.Depth.Sell) > 0 {
			q.Ask = md.Depth.Sell[0].Price
			q.AskQty = md.Depth.Sell[0].Quantity
		}
	}

	ts := time.Now()
	if md.Timestamp > 0 {
		ts = time.UnixMilli(md.Timestamp)
	}

	return models.Tick{
		Selection: sel,
		Symbol:    md.Symbol,
		Quote:     q,
		Timestamp: ts,
	}
}

func (c *WebSocketClient) writeSubscriptions(instruments []Instrument) error {
	for _, inst := range instruments {
		err := c.writeJSON(map[string]any{
			"action":   "subscribe",
			"symbol":   inst.Symbol,
			"exchange": string(inst.Exchange),
			"mode":     int(inst.Mode),
			"depth":    5,
		})
		if err != nil {
			return errors.NewFeedError("subscribe", inst.Symbol, "write failed", err)
		}
	}
	return nil
}

func (c *WebSocketClient) writeJSON(v any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errors.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (c *WebSocketClient) emitStatus(s Status) {
	c.mu.RLock()
	handler := c.onStatus
	c.mu.RUnlock()
	if handler != nil {
		handler(s)
	}
}

func (c *WebSocketClient) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

// wsMessage is the envelope of every upstream frame.
type wsMessage struct {
	Type    string          `json:"type"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Symbol  string          `json:"symbol"`
	LTP     json.RawMessage `json:"ltp"`
	Data    json.RawMessage `json:"data"`
}

// marketData is the payload of a market-data frame.
type marketData struct {
	Symbol    string     `json:"symbol"`
	LTP       jsonNumber `json:"ltp"`
	Bid       float64    `json:"bid"`
	Ask       float64    `json:"ask"`
	Volume    int64      `json:"volume"`
	OI        int64      `json:"oi"`
	Change    float64    `json:"change"`
	Timestamp int64      `json:"timestamp"`
	Depth     *depthData `json:"depth"`
}

type depthData struct {
	Buy  []depthLevel `json:"buy"`
	Sell []depthLevel `json:"sell"`
}

type depthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
}

// jsonNumber tolerates the upstream sending prices as either numbers
// or strings.
type jsonNumber float64

func (n *jsonNumber) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*n = jsonNumber(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*n = jsonNumber(parsed)
	return nil
}

func (n jsonNumber) value() float64 {
	return float64(n)
}

// Ensure WebSocketClient implements Client.
var _ Client = (*WebSocketClient)(nil)

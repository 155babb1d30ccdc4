package feed

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chainview/internal/errors"
	"chainview/internal/models"
)

func newTestClient() *WebSocketClient {
	return NewWebSocketClient(WebSocketConfig{
		URL:    "ws://localhost:0/ws",
		APIKey: "test-key",
	}, zerolog.Nop())
}

func captureTicks(c *WebSocketClient) *[]models.Tick {
	var ticks []models.Tick
	c.OnTick(func(t models.Tick) { ticks = append(ticks, t) })
	return &ticks
}

func TestHandleMessageNestedMarketData(t *testing.T) {
	c := newTestClient()
	c.selection = models.Selection{Underlying: "NIFTY", Expiry: "28-AUG-25"}
	ticks := captureTicks(c)

	c.handleMessage([]byte(`{
		"type": "market_data",
		"symbol": "NIFTY28AUG2524500CE",
		"data": {
			"ltp": 101.55,
			"volume": 1200,
			"oi": 45000,
			"change": -2.3,
			"timestamp": 1756363200000
		}
	}`))

	if len(*ticks) != 1 {
		t.Fatalf("ticks = %d, want 1", len(*ticks))
	}
	tick := (*ticks)[0]
	if tick.Symbol != "NIFTY28AUG2524500CE" {
		t.Errorf("symbol = %q", tick.Symbol)
	}
	if tick.Quote.LTP != 101.55 {
		t.Errorf("ltp = %v, want 101.55", tick.Quote.LTP)
	}
	if tick.Quote.Volume != 1200 || tick.Quote.OI != 45000 {
		t.Errorf("volume/oi = %d/%d", tick.Quote.Volume, tick.Quote.OI)
	}
	if tick.Selection.Underlying != "NIFTY" {
		t.Errorf("selection = %+v", tick.Selection)
	}
	if got := tick.Timestamp; got != time.UnixMilli(1756363200000) {
		t.Errorf("timestamp = %v", got)
	}
}

func TestHandleMessageFlattenedFrameWithStringPrice(t *testing.T) {
	c := newTestClient()
	ticks := captureTicks(c)

	c.handleMessage([]byte(`{"symbol": "NIFTY", "ltp": "24512.35"}`))

	if len(*ticks) != 1 {
		t.Fatalf("ticks = %d, want 1", len(*ticks))
	}
	if got := (*ticks)[0].Quote.LTP; got != 24512.35 {
		t.Errorf("ltp = %v, want 24512.35", got)
	}
}

func TestHandleMessageDepthFrame(t *testing.T) {
	c := newTestClient()
	ticks := captureTicks(c)

	c.handleMessage([]byte(`{
		"type": "market_data",
		"data": {
			"symbol": "NIFTY28AUG2524500PE",
			"ltp": 95.2,
			"depth": {
				"buy":  [{"price": 95.10, "quantity": 750}, {"price": 95.05, "quantity": 300}],
				"sell": [{"price": 95.30, "quantity": 525}]
			}
		}
	}`))

	if len(*ticks) != 1 {
		t.Fatalf("ticks = %d, want 1", len(*ticks))
	}
	q := (*ticks)[0].Quote
	if q.Bid != 95.10 || q.BidQty != 750 {
		t.Errorf("bid = %v/%d, want 95.10/750", q.Bid, q.BidQty)
	}
	if q.Ask != 95.30 || q.AskQty != 525 {
		t.Errorf("ask = %v/%d, want 95.30/525", q.Ask, q.AskQty)
	}
}

func TestHandleMessageIgnoresGarbage(t *testing.T) {
	c := newTestClient()
	ticks := captureTicks(c)

	c.handleMessage([]byte(`not json`))
	c.handleMessage([]byte(`{"type": "unknown"}`))
	c.handleMessage([]byte(`{"type": "market_data", "data": {"ltp": 5}}`)) // no symbol

	if len(*ticks) != 0 {
		t.Errorf("ticks = %d, want 0", len(*ticks))
	}
}

func TestHandleAuthSuccess(t *testing.T) {
	c := newTestClient()

	var statuses []Status
	c.OnStatus(func(s Status) { statuses = append(statuses, s) })

	c.handleMessage([]byte(`{"type": "auth", "status": "success"}`))

	if !c.authenticated {
		t.Error("client not marked authenticated")
	}
	if len(statuses) != 1 || statuses[0] != StatusUp {
		t.Errorf("statuses = %v, want [UP]", statuses)
	}
}

func TestHandleAuthRejectionIsFatal(t *testing.T) {
	c := newTestClient()

	var errs []error
	c.OnError(func(err error) { errs = append(errs, err) })

	c.handleMessage([]byte(`{"type": "auth", "status": "error", "message": "invalid api key"}`))

	if !c.fatal.Load() {
		t.Error("auth rejection did not set fatal")
	}
	if len(errs) != 1 || !errors.Is(errs[0], errors.ErrAuthFailure) {
		t.Errorf("errors = %v, want [ErrAuthFailure]", errs)
	}
	if c.authenticated {
		t.Error("client marked authenticated after rejection")
	}
}

func TestSubscribeQueuesUntilAuthenticated(t *testing.T) {
	c := newTestClient()

	inst := Instrument{Symbol: "NIFTY28AUG2524500CE", Exchange: models.NFO, Mode: ModeDepth}
	if err := c.Subscribe([]Instrument{inst}); err != nil {
		t.Fatalf("Subscribe before auth: %v", err)
	}

	c.mu.RLock()
	_, queued := c.subs[inst.Symbol]
	c.mu.RUnlock()
	if !queued {
		t.Error("subscription not queued while unauthenticated")
	}
}

func TestSwitchReplacesSubscriptionSet(t *testing.T) {
	c := newTestClient()

	oldSel := models.Selection{Underlying: "NIFTY", Expiry: "28-AUG-25"}
	if err := c.Switch(oldSel, []Instrument{
		{Symbol: "NIFTY28AUG2524500CE", Exchange: models.NFO, Mode: ModeDepth},
	}); err != nil {
		t.Fatalf("first Switch: %v", err)
	}

	newSel := models.Selection{Underlying: "BANKNIFTY", Expiry: "02-SEP-25"}
	if err := c.Switch(newSel, []Instrument{
		{Symbol: "BANKNIFTY02SEP2551000CE", Exchange: models.NFO, Mode: ModeDepth},
	}); err != nil {
		t.Fatalf("second Switch: %v", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.selection != newSel {
		t.Errorf("selection = %+v, want %+v", c.selection, newSel)
	}
	if _, ok := c.subs["NIFTY28AUG2524500CE"]; ok {
		t.Error("old subscription survived the switch")
	}
	if _, ok := c.subs["BANKNIFTY02SEP2551000CE"]; !ok {
		t.Error("new subscription missing after the switch")
	}
}

// Package engine wires the feed, chain store, analytics and hub into
// the aggregation pipeline.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chainview/internal/chain"
	"chainview/internal/errors"
	"chainview/internal/expiry"
	"chainview/internal/feed"
	"chainview/internal/logging"
	"chainview/internal/models"
	"chainview/internal/openalgo"
	"chainview/internal/stream"
	"chainview/pkg/utils"
)

// Quoter is the slice of the upstream REST API the engine needs.
type Quoter interface {
	Quote(ctx context.Context, underlying string) (*openalgo.Quote, error)
	Ping(ctx context.Context) error
}

// OutageJournal records feed outages. Optional.
type OutageJournal interface {
	RecordOutageStart(startedAt time.Time, reason string) (int64, error)
	RecordOutageEnd(id int64, endedAt time.Time) error
}

// Config holds engine configuration.
type Config struct {
	// MinPublishInterval throttles broadcasts under high tick rates.
	// Zero publishes on every applied tick.
	MinPublishInterval time.Duration
	// TickBuffer is the feed-to-writer channel depth.
	TickBuffer int
}

// Engine drives the single-writer ingestion loop: feed ticks mutate
// the store, snapshots are composed with analytics and handed to the
// hub on a throttled cadence. All store writes happen on the loop
// goroutine; reads may come from anywhere.
type Engine struct {
	cfg     Config
	store   *chain.Store
	cache   *expiry.Cache
	rest    Quoter
	feed    feed.Client
	hub     *stream.Hub
	journal OutageJournal
	logger  zerolog.Logger

	tickCh   chan models.Tick
	statusCh chan feed.Status
	fatalCh  chan error
	cmdCh    chan switchCmd

	stale             bool
	dirty             bool
	lastPublish       time.Time
	optionsSubscribed bool
	outageID          int64
}

type switchCmd struct {
	sel   models.Selection
	reply chan error
}

// New creates a new engine. journal may be nil.
func New(cfg Config, store *chain.Store, cache *expiry.Cache, rest Quoter, fc feed.Client, hub *stream.Hub, journal OutageJournal, logger zerolog.Logger) *Engine {
	if cfg.TickBuffer <= 0 {
		cfg.TickBuffer = 1000
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		cache:    cache,
		rest:     rest,
		feed:     fc,
		hub:      hub,
		journal:  journal,
		logger:   logging.WithComponent(logger, "engine"),
		tickCh:   make(chan models.Tick, cfg.TickBuffer),
		statusCh: make(chan feed.Status, 8),
		fatalCh:  make(chan error, 1),
		cmdCh:    make(chan switchCmd),
	}
}

// Switch tears down the current chain context and activates a new
// selection. Safe to call from any goroutine while Run is active.
func (e *Engine) Switch(ctx context.Context, sel models.Selection) error {
	cmd := switchCmd{sel: sel, reply: make(chan error, 1)}
	select {
	case e.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Payload composes the current full-state payload on demand.
func (e *Engine) Payload() models.Payload {
	if p, ok := e.hub.Latest(); ok {
		return p
	}
	return e.compose()
}

// Stale reports whether the feed is currently down.
func (e *Engine) Stale() bool {
	p, ok := e.hub.Latest()
	return ok && p.Stale
}

// Run validates upstream auth, activates the initial selection and
// drives the ingestion loop until the context is cancelled or the
// upstream rejects our credentials.
func (e *Engine) Run(ctx context.Context, initial models.Selection) error {
	if err := e.rest.Ping(ctx); err != nil {
		if errors.IsFatal(err) {
			return err
		}
		// Transient: the feed path will keep retrying; start degraded.
		e.logger.Warn().Err(err).Msg("Upstream ping failed, starting degraded")
	}

	e.feed.OnTick(func(t models.Tick) {
		select {
		case e.tickCh <- t:
		default:
			// Writer loop saturated; the next tick for the same key
			// supersedes this one anyway.
		}
	})
	e.feed.OnStatus(func(s feed.Status) {
		select {
		case e.statusCh <- s:
		default:
		}
	})
	e.feed.OnError(func(err error) {
		if errors.IsFatal(err) {
			select {
			case e.fatalCh <- err:
			default:
			}
			return
		}
		e.logger.Warn().Err(err).Msg("Feed error")
	})

	if err := e.connectFeed(ctx); err != nil {
		return err
	}

	if err := e.activate(ctx, initial); err != nil {
		e.logger.Warn().Err(err).Msg("Initial activation incomplete, waiting on feed")
	}
	e.publish()

	return e.loop(ctx)
}

// connectFeed dials until the first connection succeeds. The client
// handles later reconnects itself.
func (e *Engine) connectFeed(ctx context.Context) error {
	retry := utils.RetryConfig{
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        0.2,
	}
	attempt := 0
	for {
		err := e.feed.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.IsFatal(err) || ctx.Err() != nil {
			return err
		}
		e.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Feed connect failed")
		if !utils.SleepContext(ctx, utils.Backoff(attempt, retry)) {
			return ctx.Err()
		}
		attempt++
	}
}

func (e *Engine) loop(ctx context.Context) error {
	throttle := time.NewTimer(0)
	if !throttle.Stop() {
		<-throttle.C
	}
	defer throttle.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil

		case err := <-e.fatalCh:
			e.logger.Error().Err(err).Msg("Fatal feed failure, stopping")
			e.shutdown()
			return err

		case t := <-e.tickCh:
			// Discard in-flight events tagged with a prior selection.
			if t.Selection != e.store.Selection() {
				continue
			}
			if e.applyTick(t) {
				e.maybePublish(throttle)
			}

		case s := <-e.statusCh:
			e.handleStatus(s)

		case cmd := <-e.cmdCh:
			cmd.reply <- e.handleSwitch(ctx, cmd.sel)
			e.publish()

		case <-throttle.C:
			if e.dirty {
				e.publish()
			}
		}
	}
}

func (e *Engine) applyTick(t models.Tick) bool {
	if t.Symbol == t.Selection.Underlying {
		t.Side = ""
		t.Strike = 0
	} else {
		strike, side, ok := e.store.Resolve(t.Symbol)
		if !ok {
			e.store.NoteMalformed()
			e.logger.Debug().Str("symbol", t.Symbol).Msg("Dropping tick for unknown symbol")
			return false
		}
		t.Strike = strike
		t.Side = side
	}

	if err := e.store.ApplyTick(t); err != nil {
		e.logger.Debug().Err(err).Msg("Dropped malformed tick")
		return false
	}

	// Fresh data clears staleness.
	if e.stale {
		e.stale = false
		logging.LogFeedStatus(e.logger, t.Selection.Underlying, t.Selection.Expiry, "recovered")
	}

	// The strike table materializes on the first index tick when spot
	// was unknown at activation; subscribe the option legs then.
	if !e.optionsSubscribed {
		if insts := e.optionInstruments(); len(insts) > 0 {
			if err := e.feed.Subscribe(insts); err != nil {
				e.logger.Warn().Err(err).Msg("Option subscription failed")
			} else {
				e.optionsSubscribed = true
			}
		}
	}

	return true
}

func (e *Engine) handleStatus(s feed.Status) {
	sel := e.store.Selection()
	switch s {
	case feed.StatusDown:
		if !e.stale {
			e.stale = true
			logging.LogFeedStatus(e.logger, sel.Underlying, sel.Expiry, "down")
			if e.journal != nil {
				if id, err := e.journal.RecordOutageStart(time.Now(), "feed disconnected"); err == nil {
					e.outageID = id
				}
			}
			// Propagate stale immediately so subscribers see
			// last-known-good data flagged rather than frozen.
			e.publish()
		}
	case feed.StatusUp:
		logging.LogFeedStatus(e.logger, sel.Underlying, sel.Expiry, "up")
		if e.journal != nil && e.outageID != 0 {
			_ = e.journal.RecordOutageEnd(e.outageID, time.Now())
			e.outageID = 0
		}
		// stale itself clears on the first fresh tick.
	}
}

// activate resolves the expiry if missing, seeds the spot quote and
// subscribes the feed for sel. Partial failure leaves the store reset;
// the chain then materializes from live index ticks.
func (e *Engine) activate(ctx context.Context, sel models.Selection) error {
	if sel.Expiry == "" {
		dates, err := e.cache.Get(ctx, sel.Underlying)
		if err != nil {
			return errors.Wrap(err, "resolving default expiry")
		}
		if len(dates) == 0 {
			return errors.NewCacheError(sel.Underlying, "upstream returned no expiries", errors.ErrUpstreamUnavailable)
		}
		sel.Expiry = dates[0]
	}

	e.store.ResetFor(sel)
	e.optionsSubscribed = false

	instruments := []feed.Instrument{{
		Symbol:   chain.IndexSymbol(sel),
		Exchange: sel.IndexExchange(),
		Mode:     feed.ModeQuote,
	}}

	if quote, err := e.rest.Quote(ctx, sel.Underlying); err != nil {
		e.logger.Warn().Err(err).Str("underlying", sel.Underlying).
			Msg("Spot quote unavailable, chain will build from live ticks")
	} else {
		e.store.SeedSpot(quote.LTP, quote.Bid, quote.Ask)
	}

	if insts := e.optionInstruments(); len(insts) > 0 {
		instruments = append(instruments, insts...)
		e.optionsSubscribed = true
	}

	if err := e.feed.Switch(sel, instruments); err != nil {
		return errors.Wrap(err, "switching feed subscription")
	}

	e.logger.Info().Str("underlying", sel.Underlying).Str("expiry", sel.Expiry).
		Int("instruments", len(instruments)).Msg("Selection activated")
	return nil
}

func (e *Engine) handleSwitch(ctx context.Context, sel models.Selection) error {
	current := e.store.Selection()
	if sel == current {
		return nil
	}
	e.stale = !e.feed.IsConnected()
	return e.activate(ctx, sel)
}

func (e *Engine) optionInstruments() []feed.Instrument {
	sel := e.store.Selection()
	symbols := e.store.Symbols()
	insts := make([]feed.Instrument, 0, len(symbols))
	for _, sym := range symbols {
		insts = append(insts, feed.Instrument{
			Symbol:   sym,
			Exchange: sel.OptionsExchange(),
			Mode:     feed.ModeDepth,
		})
	}
	return insts
}

func (e *Engine) compose() models.Payload {
	snap := e.store.Snapshot()
	analytics := chain.Compute(snap)
	return models.Payload{
		Version:    snap.Version,
		Underlying: snap.Selection.Underlying,
		Expiry:     snap.Selection.Expiry,
		SpotLTP:    snap.SpotLTP,
		SpotBid:    snap.SpotBid,
		SpotAsk:    snap.SpotAsk,
		ATMStrike:  snap.ATMStrike,
		Stale:      e.stale,
		Strikes:    snap.Rows,
		Analytics:  analytics,
		Timestamp:  snap.TakenAt,
	}
}

func (e *Engine) publish() {
	p := e.compose()
	e.hub.Publish(p)
	e.lastPublish = time.Now()
	e.dirty = false
	logging.LogPublish(e.logger, p.Version, e.hub.SubscriberCount(), p.Stale)
}

// maybePublish publishes immediately when outside the throttle window,
// otherwise arms the timer for the remainder.
func (e *Engine) maybePublish(throttle *time.Timer) {
	if e.cfg.MinPublishInterval <= 0 {
		e.publish()
		return
	}

	elapsed := time.Since(e.lastPublish)
	if elapsed >= e.cfg.MinPublishInterval {
		e.publish()
		return
	}

	if !e.dirty {
		e.dirty = true
		throttle.Reset(e.cfg.MinPublishInterval - elapsed)
	}
}

func (e *Engine) shutdown() {
	if err := e.feed.Close(); err != nil {
		e.logger.Debug().Err(err).Msg("Feed close")
	}
	e.hub.Stop()
}

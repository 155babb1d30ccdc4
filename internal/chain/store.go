package chain

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chainview/internal/errors"
	"chainview/internal/models"
)

// symbolRef maps an upstream option symbol back to its chain slot.
type symbolRef struct {
	strike float64
	side   models.OptionSide
}

// Store is the authoritative in-memory table of per-strike option data
// for one active selection. It follows a single-writer discipline:
// ApplyTick and ResetFor are called from the feed loop only, while
// Snapshot may be called from any goroutine.
type Store struct {
	mu sync.RWMutex

	selection  models.Selection
	strikeStep float64
	window     int
	version    uint64

	spotLTP float64
	spotBid float64
	spotAsk float64
	atm     float64

	rows    map[float64]*models.StrikeRow
	symbols map[string]symbolRef

	malformed atomic.Uint64
}

// NewStore creates an empty store for the given selection.
// Rows are generated once the spot price is known; window is the number
// of strikes kept on each side of ATM.
func NewStore(sel models.Selection, window int) *Store {
	return &Store{
		selection:  sel,
		strikeStep: StrikeStep(sel.Underlying),
		window:     window,
		rows:       make(map[float64]*models.StrikeRow),
		symbols:    make(map[string]symbolRef),
	}
}

// Selection returns the store's active selection.
func (s *Store) Selection() models.Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selection
}

// Version returns the current state version.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// MalformedCount returns the number of dropped malformed ticks.
func (s *Store) MalformedCount() uint64 {
	return s.malformed.Load()
}

// NoteMalformed counts a tick that could not be mapped into the active
// chain at all (unknown symbol).
func (s *Store) NoteMalformed() {
	s.malformed.Add(1)
}

// SeedSpot installs an initial spot quote (typically from the REST
// quote call) and generates the strike table around the resulting ATM.
func (s *Store) SeedSpot(ltp, bid, ask float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.spotLTP = ltp
	s.spotBid = bid
	s.spotAsk = ask
	s.regenerateLocked()
}

// ResetFor atomically swaps the table for a new selection. All prior
// rows are discarded and the version restarts at zero.
func (s *Store) ResetFor(sel models.Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.selection = sel
	s.strikeStep = StrikeStep(sel.Underlying)
	s.version = 0
	s.spotLTP = 0
	s.spotBid = 0
	s.spotAsk = 0
	s.atm = 0
	s.rows = make(map[float64]*models.StrikeRow)
	s.symbols = make(map[string]symbolRef)
}

// Symbols returns every option symbol in the current table, for feed
// subscription.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Resolve maps an upstream option symbol to its strike and side.
func (s *Store) Resolve(symbol string) (float64, models.OptionSide, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.symbols[symbol]
	if !ok {
		return 0, "", false
	}
	return ref.strike, ref.side, true
}

// ApplyTick applies one normalized feed event. Index ticks update the
// spot quote and may shift the ATM tags; option ticks overwrite that
// side's quote (last-writer-wins). Each applied tick bumps the version
// exactly once. Ticks for an unknown strike or side are counted and
// dropped with ErrMalformedTick.
func (s *Store) ApplyTick(tick models.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tick.IsIndex() {
		s.applyIndexLocked(tick)
		s.version++
		return nil
	}

	if !tick.Side.Valid() {
		s.malformed.Add(1)
		return errors.NewTickError(tick.Symbol, "unknown option side")
	}

	strike := tick.Strike
	if strike == 0 {
		ref, ok := s.symbols[tick.Symbol]
		if !ok {
			s.malformed.Add(1)
			return errors.NewTickError(tick.Symbol, "symbol not in active chain")
		}
		strike = ref.strike
	}

	row, ok := s.rows[strike]
	if !ok {
		s.malformed.Add(1)
		return errors.NewTickError(tick.Symbol, "strike outside active chain")
	}

	q := tick.Quote
	if q.Bid > 0 && q.Ask > 0 {
		q.Spread = q.Ask - q.Bid
	}

	switch tick.Side {
	case models.SideCall:
		row.Call = q
	case models.SidePut:
		row.Put = q
	}

	s.version++
	return nil
}

// Snapshot returns an immutable copy of the chain state, safe for
// concurrent readers. Rows are sorted by strike.
func (s *Store) Snapshot() models.ChainSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]models.StrikeRow, 0, len(s.rows))
	for _, row := range s.rows {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Strike < rows[j].Strike
	})

	return models.ChainSnapshot{
		Selection: s.selection,
		Version:   s.version,
		SpotLTP:   s.spotLTP,
		SpotBid:   s.spotBid,
		SpotAsk:   s.spotAsk,
		ATMStrike: s.atm,
		Rows:      rows,
		TakenAt:   time.Now(),
	}
}

func (s *Store) applyIndexLocked(tick models.Tick) {
	if tick.Quote.LTP > 0 {
		s.spotLTP = tick.Quote.LTP
	}
	if tick.Quote.Bid > 0 {
		s.spotBid = tick.Quote.Bid
	}
	if tick.Quote.Ask > 0 {
		s.spotAsk = tick.Quote.Ask
	}

	newATM := ATMStrike(s.spotLTP, s.strikeStep)
	if newATM == s.atm || newATM == 0 {
		return
	}
	s.atm = newATM

	if len(s.rows) == 0 {
		s.regenerateLocked()
		return
	}
	s.retagLocked()
}

// regenerateLocked builds the strike table around the current ATM,
// keeping window strikes on each side. Existing rows are discarded.
func (s *Store) regenerateLocked() {
	s.atm = ATMStrike(s.spotLTP, s.strikeStep)
	if s.atm == 0 {
		return
	}

	s.rows = make(map[float64]*models.StrikeRow, 2*s.window+1)
	s.symbols = make(map[string]symbolRef, 2*(2*s.window+1))

	for i := -s.window; i <= s.window; i++ {
		strike := s.atm + float64(i)*s.strikeStep
		s.rows[strike] = &models.StrikeRow{
			Strike:   strike,
			Tag:      PositionTag(i),
			Position: i,
		}
		s.symbols[OptionSymbol(s.selection, strike, models.SideCall)] = symbolRef{strike: strike, side: models.SideCall}
		s.symbols[OptionSymbol(s.selection, strike, models.SidePut)] = symbolRef{strike: strike, side: models.SidePut}
	}
}

// retagLocked recomputes moneyness tags after an ATM shift without
// discarding quote data.
func (s *Store) retagLocked() {
	for strike, row := range s.rows {
		position := int((strike - s.atm) / s.strikeStep)
		row.Position = position
		row.Tag = PositionTag(position)
	}
}

package chain

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"chainview/internal/errors"
	"chainview/internal/models"
)

func testSelection() models.Selection {
	return models.Selection{Underlying: "NIFTY", Expiry: "28-AUG-25"}
}

func seededStore(t *testing.T, window int, spot float64) *Store {
	t.Helper()
	s := NewStore(testSelection(), window)
	s.SeedSpot(spot, spot-0.5, spot+0.5)
	return s
}

// Property: every applied tick bumps the version by exactly one, so
// versions observed through snapshots are strictly increasing.
func TestProperty_VersionIncrementsOncePerAppliedTick(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("Version increments once per applied tick", prop.ForAll(
		func(tickCount int, basePrice float64) bool {
			s := seededStore(t, 5, 24512)
			symbols := s.Symbols()

			applied := uint64(0)
			last := s.Version()

			for i := 0; i < tickCount; i++ {
				sym := symbols[i%len(symbols)]
				strike, side, ok := s.Resolve(sym)
				if !ok {
					return false
				}
				err := s.ApplyTick(models.Tick{
					Selection: testSelection(),
					Symbol:    sym,
					Strike:    strike,
					Side:      side,
					Quote:     models.OptionQuote{LTP: basePrice + float64(i)},
					Timestamp: time.Now(),
				})
				if err != nil {
					return false
				}
				applied++

				v := s.Version()
				if v != last+1 {
					return false
				}
				last = v
			}

			return s.Version() == applied
		},
		gen.IntRange(1, 50),
		gen.Float64Range(1, 500),
	))

	properties.TestingRun(t)
}

// Property: for any sequence of ticks on the same leg, the snapshot
// reflects the last one applied.
func TestProperty_LastWriterWinsPerLeg(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("Snapshot reflects the last tick per leg", prop.ForAll(
		func(prices []float64) bool {
			if len(prices) == 0 {
				return true
			}

			s := seededStore(t, 3, 24500)
			sym := OptionSymbol(testSelection(), 24500, models.SideCall)

			for _, p := range prices {
				if err := s.ApplyTick(models.Tick{
					Selection: testSelection(),
					Symbol:    sym,
					Strike:    24500,
					Side:      models.SideCall,
					Quote:     models.OptionQuote{LTP: p},
					Timestamp: time.Now(),
				}); err != nil {
					return false
				}
			}

			snap := s.Snapshot()
			for _, row := range snap.Rows {
				if row.Strike == 24500 {
					return row.Call.LTP == prices[len(prices)-1]
				}
			}
			return false
		},
		gen.SliceOfN(10, gen.Float64Range(0.05, 2000)),
	))

	properties.TestingRun(t)
}

// Property: malformed ticks never change the version or the table; they
// only advance the malformed counter.
func TestProperty_MalformedTicksAreCountedAndDropped(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("Malformed ticks leave version untouched", prop.ForAll(
		func(badStrike float64, price float64) bool {
			s := seededStore(t, 3, 24500)
			before := s.Version()
			beforeMalformed := s.MalformedCount()

			// A strike far outside the generated window.
			err := s.ApplyTick(models.Tick{
				Selection: testSelection(),
				Symbol:    "BOGUS28AUG25999999CE",
				Strike:    badStrike,
				Side:      models.SideCall,
				Quote:     models.OptionQuote{LTP: price},
			})
			if err == nil {
				return false
			}
			if !errors.Is(err, errors.ErrMalformedTick) {
				return false
			}

			return s.Version() == before && s.MalformedCount() == beforeMalformed+1
		},
		gen.Float64Range(1_000_000, 2_000_000),
		gen.Float64Range(0.05, 2000),
	))

	properties.TestingRun(t)
}

func TestResetForRestartsVersionAndClearsRows(t *testing.T) {
	s := seededStore(t, 5, 24500)

	sym := OptionSymbol(testSelection(), 24500, models.SidePut)
	if err := s.ApplyTick(models.Tick{
		Selection: testSelection(),
		Symbol:    sym,
		Strike:    24500,
		Side:      models.SidePut,
		Quote:     models.OptionQuote{LTP: 120.5},
	}); err != nil {
		t.Fatalf("ApplyTick: %v", err)
	}
	if s.Version() == 0 {
		t.Fatal("expected non-zero version before reset")
	}

	next := models.Selection{Underlying: "BANKNIFTY", Expiry: "02-SEP-25"}
	s.ResetFor(next)

	if got := s.Version(); got != 0 {
		t.Errorf("version after reset = %d, want 0", got)
	}
	if got := s.Selection(); got != next {
		t.Errorf("selection after reset = %+v, want %+v", got, next)
	}
	if snap := s.Snapshot(); len(snap.Rows) != 0 {
		t.Errorf("rows after reset = %d, want 0", len(snap.Rows))
	}
}

func TestSeedSpotGeneratesWindowAroundATM(t *testing.T) {
	s := seededStore(t, 20, 24512)

	snap := s.Snapshot()
	if want := 41; len(snap.Rows) != want {
		t.Fatalf("rows = %d, want %d", len(snap.Rows), want)
	}
	if snap.ATMStrike != 24500 {
		t.Errorf("ATM = %v, want 24500", snap.ATMStrike)
	}
	if snap.Rows[0].Strike != 23500 || snap.Rows[len(snap.Rows)-1].Strike != 25500 {
		t.Errorf("window = [%v, %v], want [23500, 25500]",
			snap.Rows[0].Strike, snap.Rows[len(snap.Rows)-1].Strike)
	}

	// Two legs per strike.
	if got, want := len(s.Symbols()), 82; got != want {
		t.Errorf("symbols = %d, want %d", got, want)
	}
}

func TestATMShiftRetagsWithoutDiscardingQuotes(t *testing.T) {
	s := seededStore(t, 5, 24500)

	sym := OptionSymbol(testSelection(), 24600, models.SideCall)
	if err := s.ApplyTick(models.Tick{
		Selection: testSelection(),
		Symbol:    sym,
		Strike:    24600,
		Side:      models.SideCall,
		Quote:     models.OptionQuote{LTP: 85, Volume: 1200},
	}); err != nil {
		t.Fatalf("ApplyTick: %v", err)
	}

	// Spot moves up past a strike boundary.
	if err := s.ApplyTick(models.Tick{
		Selection: testSelection(),
		Symbol:    "NIFTY",
		Quote:     models.OptionQuote{LTP: 24560},
	}); err != nil {
		t.Fatalf("index tick: %v", err)
	}

	snap := s.Snapshot()
	if snap.ATMStrike != 24550 {
		t.Fatalf("ATM = %v, want 24550", snap.ATMStrike)
	}
	for _, row := range snap.Rows {
		if row.Strike == 24600 {
			if row.Call.Volume != 1200 {
				t.Errorf("quote lost on retag: volume = %d", row.Call.Volume)
			}
			if row.Tag != "OTM1" {
				t.Errorf("tag = %q, want OTM1", row.Tag)
			}
			return
		}
	}
	t.Fatal("strike 24600 missing after retag")
}

func TestIndexTickWithUnknownSpotDoesNotGenerateRows(t *testing.T) {
	s := NewStore(testSelection(), 5)

	snap := s.Snapshot()
	if len(snap.Rows) != 0 {
		t.Fatalf("rows before spot = %d, want 0", len(snap.Rows))
	}

	if err := s.ApplyTick(models.Tick{
		Selection: testSelection(),
		Symbol:    "NIFTY",
		Quote:     models.OptionQuote{LTP: 24512},
	}); err != nil {
		t.Fatalf("index tick: %v", err)
	}

	snap = s.Snapshot()
	if want := 11; len(snap.Rows) != want {
		t.Errorf("rows after first index tick = %d, want %d", len(snap.Rows), want)
	}
}

func TestApplyTickComputesSpread(t *testing.T) {
	s := seededStore(t, 3, 24500)
	sym := OptionSymbol(testSelection(), 24500, models.SideCall)

	if err := s.ApplyTick(models.Tick{
		Selection: testSelection(),
		Symbol:    sym,
		Strike:    24500,
		Side:      models.SideCall,
		Quote:     models.OptionQuote{LTP: 100, Bid: 99.5, Ask: 100.6},
	}); err != nil {
		t.Fatalf("ApplyTick: %v", err)
	}

	snap := s.Snapshot()
	for _, row := range snap.Rows {
		if row.Strike == 24500 {
			got := row.Call.Spread
			if got < 1.09 || got > 1.11 {
				t.Errorf("spread = %v, want ~1.1", got)
			}
			return
		}
	}
	t.Fatal("strike 24500 missing")
}

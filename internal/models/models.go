// Package models provides domain models for the option chain engine.
package models

import (
	"fmt"
	"time"
)

// Exchange represents a stock exchange segment.
type Exchange string

const (
	NFO      Exchange = "NFO"
	BFO      Exchange = "BFO"
	NSEIndex Exchange = "NSE_INDEX"
	BSEIndex Exchange = "BSE_INDEX"
)

// OptionSide identifies the call or put leg of a strike.
type OptionSide string

const (
	SideCall OptionSide = "CE"
	SidePut  OptionSide = "PE"
)

// Valid reports whether the side is one of the two known legs.
func (s OptionSide) Valid() bool {
	return s == SideCall || s == SidePut
}

// Selection identifies the active chain context: one underlying and one
// expiry. It is passed explicitly into feed and store operations so that
// independent chain contexts can coexist.
type Selection struct {
	Underlying string
	Expiry     string // upstream date format, e.g. "28-AUG-25"
}

// Key returns the canonical cache/store key for the selection.
func (s Selection) Key() string {
	return fmt.Sprintf("%s_%s", s.Underlying, s.Expiry)
}

// OptionsExchange returns the derivatives segment for the underlying.
func (s Selection) OptionsExchange() Exchange {
	if s.Underlying == "SENSEX" {
		return BFO
	}
	return NFO
}

// IndexExchange returns the cash index segment for the underlying.
func (s Selection) IndexExchange() Exchange {
	if s.Underlying == "SENSEX" {
		return BSEIndex
	}
	return NSEIndex
}

// Tick is a normalized upstream market-data event for one instrument.
// Exactly one of the two shapes arrives: an index quote for the
// underlying (Strike == 0, Side empty) or an option depth update.
type Tick struct {
	Selection Selection
	Symbol    string
	Strike    float64
	Side      OptionSide
	Quote     OptionQuote
	Timestamp time.Time
}

// IsIndex reports whether the tick updates the underlying index rather
// than an option leg.
func (t Tick) IsIndex() bool {
	return t.Side == ""
}

// OptionQuote holds the per-side market data carried by a tick and
// stored in a strike row.
type OptionQuote struct {
	LTP    float64 `json:"ltp"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	BidQty int64   `json:"bid_qty"`
	AskQty int64   `json:"ask_qty"`
	Spread float64 `json:"spread"`
	Volume int64   `json:"volume"`
	OI     int64   `json:"oi"`
	Change float64 `json:"change"`
}

// StrikeRow is one row of the chain table: both legs of a strike plus
// its moneyness tag relative to the ATM strike.
type StrikeRow struct {
	Strike   float64     `json:"strike"`
	Tag      string      `json:"tag"`
	Position int         `json:"position"`
	Call     OptionQuote `json:"ce_data"`
	Put      OptionQuote `json:"pe_data"`
}

// ChainSnapshot is an immutable point-in-time copy of the chain state.
// Version increases by exactly one per applied tick and resets to zero
// when the selection changes.
type ChainSnapshot struct {
	Selection Selection
	Version   uint64
	SpotLTP   float64
	SpotBid   float64
	SpotAsk   float64
	ATMStrike float64
	Rows      []StrikeRow
	TakenAt   time.Time
}

// Analytics is derived from one ChainSnapshot. PCR is the volume-based
// put/call ratio and is defined as 0 when call volume is 0; PCROI is the
// open-interest based ratio with the same zero rule.
type Analytics struct {
	CallVolume  int64   `json:"call_volume"`
	PutVolume   int64   `json:"put_volume"`
	TotalVolume int64   `json:"total_volume"`
	CallOI      int64   `json:"call_oi"`
	PutOI       int64   `json:"put_oi"`
	PCR         float64 `json:"pcr"`
	PCROI       float64 `json:"pcr_oi"`
	TotalSpread float64 `json:"total_spread"`
}

// Payload is the full-state message pushed to every subscriber. Each
// payload supersedes all prior ones.
type Payload struct {
	Version    uint64      `json:"version"`
	Underlying string      `json:"underlying"`
	Expiry     string      `json:"expiry"`
	SpotLTP    float64     `json:"underlying_ltp"`
	SpotBid    float64     `json:"underlying_bid"`
	SpotAsk    float64     `json:"underlying_ask"`
	ATMStrike  float64     `json:"atm_strike"`
	Stale      bool        `json:"stale"`
	Strikes    []StrikeRow `json:"strikes"`
	Analytics  Analytics   `json:"analytics"`
	Timestamp  time.Time   `json:"timestamp"`
}

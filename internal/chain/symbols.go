// Package chain provides the in-memory option chain state and analytics.
package chain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"chainview/internal/models"
)

// StrikeStep returns the strike spacing for an underlying.
func StrikeStep(underlying string) float64 {
	if underlying == "NIFTY" {
		return 50
	}
	return 100
}

// ATMStrike rounds the spot price to the nearest strike.
// Returns 0 when spot is not yet known.
func ATMStrike(spot, step float64) float64 {
	if spot <= 0 || step <= 0 {
		return 0
	}
	return math.Round(spot/step) * step
}

// PositionTag returns the moneyness tag for a strike position relative
// to ATM, from the call side's perspective (negative positions are ITM).
func PositionTag(position int) string {
	switch {
	case position == 0:
		return "ATM"
	case position > 0:
		return fmt.Sprintf("OTM%d", position)
	default:
		return fmt.Sprintf("ITM%d", -position)
	}
}

// OptionSymbol constructs the upstream trading symbol for one option
// leg: {UNDERLYING}{DDMMM}{YY}{STRIKE}{CE|PE}.
func OptionSymbol(sel models.Selection, strike float64, side models.OptionSide) string {
	day, mon, year := parseExpiry(sel.Expiry)

	strikeStr := fmt.Sprintf("%.2f", strike)
	if strike == math.Trunc(strike) {
		strikeStr = fmt.Sprintf("%d", int64(strike))
	}

	return fmt.Sprintf("%s%s%s%s%s%s", sel.Underlying, day, mon, year, strikeStr, side)
}

// IndexSymbol returns the upstream symbol for the underlying index.
func IndexSymbol(sel models.Selection) string {
	return sel.Underlying
}

// parseExpiry splits an upstream expiry string such as "28-AUG-25" into
// its day, month and two-digit year parts. Falls back to the current
// year when the year part is missing.
func parseExpiry(expiry string) (day, mon, year string) {
	year = time.Now().Format("06")

	parts := strings.Split(strings.ToUpper(strings.TrimSpace(expiry)), "-")
	if len(parts) >= 2 {
		day = zeroPad(parts[0])
		mon = parts[1][:min(3, len(parts[1]))]
		if len(parts) >= 3 && len(parts[2]) >= 2 {
			year = parts[2][len(parts[2])-2:]
		}
		return day, mon, year
	}

	// Compact form like "28AUG25".
	clean := strings.ReplaceAll(strings.ToUpper(expiry), "-", "")
	for _, m := range []string{"JAN", "FEB", "MAR", "APR", "MAY", "JUN", "JUL", "AUG", "SEP", "OCT", "NOV", "DEC"} {
		idx := strings.Index(clean, m)
		if idx < 0 {
			continue
		}
		day = clean[max(0, idx-2):idx]
		if day == "" {
			day = "01"
		}
		day = zeroPad(day)
		mon = m
		if rest := clean[idx+3:]; len(rest) >= 2 {
			year = rest[:2]
		}
		return day, mon, year
	}

	return "01", "JAN", year
}

func zeroPad(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

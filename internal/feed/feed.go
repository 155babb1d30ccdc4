// Package feed provides the upstream market-data feed client.
package feed

import (
	"context"

	"chainview/internal/models"
)

// Status represents feed connectivity, surfaced to dependents so they
// can mark data stale instead of showing silently frozen values.
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Mode is the upstream subscription mode for an instrument.
type Mode int

const (
	ModeLTP   Mode = 1
	ModeQuote Mode = 2
	ModeDepth Mode = 3
)

// Instrument is one upstream subscription target.
type Instrument struct {
	Symbol   string
	Exchange models.Exchange
	Mode     Mode
}

// Client defines the interface for the streaming feed.
type Client interface {
	// Connect establishes the upstream stream and keeps it alive with
	// backoff reconnection until the context is cancelled or a fatal
	// auth rejection occurs.
	Connect(ctx context.Context) error
	Close() error

	// Subscribe adds instruments under the current selection.
	Subscribe(instruments []Instrument) error
	// Switch tears down the current subscription set and establishes a
	// new one for sel. Ticks still in flight for the old selection are
	// tagged with the old key and can be discarded by the consumer.
	Switch(sel models.Selection, instruments []Instrument) error

	OnTick(handler func(models.Tick))
	OnStatus(handler func(Status))
	OnError(handler func(error))
	IsConnected() bool
}

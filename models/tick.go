package models

import (
	"fmt"
	"time"
)

// Mode is the delivery mode of a market data subscription.
type Mode string

const (
	ModeLTP   Mode = "ltp"
	ModeQuote Mode = "quote"
	ModeDepth Mode = "depth"
)

// Modes lists every supported delivery mode in a fixed order.
var Modes = []Mode{ModeLTP, ModeQuote, ModeDepth}

// Valid reports whether m is one of the supported delivery modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeLTP, ModeQuote, ModeDepth:
		return true
	}
	return false
}

// Instrument identifies a tradable instrument on an exchange.
type Instrument struct {
	Symbol   string `json:"symbol" yaml:"symbol"`
	Exchange string `json:"exchange" yaml:"exchange"`
}

func (i Instrument) String() string {
	return fmt.Sprintf("%s:%s", i.Exchange, i.Symbol)
}

// Subscription is an instrument plus the delivery mode it is streamed in.
// The pool's subscription set is the union of everything any handler
// currently requires.
type Subscription struct {
	Instrument
	Mode Mode `json:"mode" yaml:"mode"`
}

// DepthLevel is a single price level on one side of the book.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
}

// Tick is a typed market update decoded from the broker transport.
// Bids/Asks are present only in depth mode; absent numeric fields
// unmarshal to zero.
type Tick struct {
	Mode       Mode         `json:"mode"`
	Symbol     string       `json:"symbol"`
	Exchange   string       `json:"exchange"`
	LTP        float64      `json:"ltp"`
	Volume     int64        `json:"volume"`
	OI         int64        `json:"oi"`
	Bids       []DepthLevel `json:"bids,omitempty"`
	Asks       []DepthLevel `json:"asks,omitempty"`
	Timestamp  int64        `json:"timestamp"`
	ReceivedAt time.Time    `json:"-"`
}

// BestBid returns the top bid level, if any.
func (t *Tick) BestBid() (DepthLevel, bool) {
	if len(t.Bids) == 0 {
		return DepthLevel{}, false
	}
	return t.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (t *Tick) BestAsk() (DepthLevel, bool) {
	if len(t.Asks) == 0 {
		return DepthLevel{}, false
	}
	return t.Asks[0], true
}

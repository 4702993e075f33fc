package models

import (
	"fmt"
	"time"
)

// OptionType distinguishes calls from puts. The wire suffixes are CE/PE.
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

// Suffix returns the symbol suffix used by the broker for this option type.
func (o OptionType) Suffix() string {
	if o == OptionCall {
		return "CE"
	}
	return "PE"
}

// ChainState is the monitoring state of one option chain.
type ChainState string

const (
	ChainStopped  ChainState = "Stopped"
	ChainStarting ChainState = "Starting"
	ChainRunning  ChainState = "Running"
)

// DepthSnapshot is the latest depth data recorded for one strike/type.
type DepthSnapshot struct {
	LTP    float64      `json:"ltp"`
	Volume int64        `json:"volume"`
	OI     int64        `json:"oi"`
	Bids   []DepthLevel `json:"bids"`
	Asks   []DepthLevel `json:"asks"`
}

// StrikeEntry is one strike/type slot in an option chain. Tag is a pure
// function of the strike offset from ATM: "ATM" at offset 0, "ITM<k>" on the
// in-the-money side, "OTM<k>" on the out-of-the-money side.
type StrikeEntry struct {
	Symbol    string        `json:"symbol"`
	Strike    float64       `json:"strike"`
	Type      OptionType    `json:"type"`
	Tag       string        `json:"tag"`
	Depth     DepthSnapshot `json:"depth"`
	UpdatedAt time.Time     `json:"updated_at"`
	IsStale   bool          `json:"stale"`
}

// Stale reports whether the entry's snapshot is older than maxAge. Entries
// never recorded (zero UpdatedAt) are always stale.
func (e StrikeEntry) Stale(now time.Time, maxAge time.Duration) bool {
	if e.UpdatedAt.IsZero() {
		return true
	}
	return now.Sub(e.UpdatedAt) > maxAge
}

// StrikeTag computes the tag for a strike at the given step offset from ATM.
// Negative offsets are in the money, positive offsets out of the money.
func StrikeTag(offset int) string {
	switch {
	case offset == 0:
		return "ATM"
	case offset < 0:
		return fmt.Sprintf("ITM%d", -offset)
	default:
		return fmt.Sprintf("OTM%d", offset)
	}
}

// OptionChainSnapshot is a point-in-time copy of one monitored chain,
// safe for concurrent readers.
type OptionChainSnapshot struct {
	Underlying string        `json:"underlying"`
	Expiry     string        `json:"expiry"`
	ATMStrike  float64       `json:"atm_strike"`
	Step       float64       `json:"step"`
	State      ChainState    `json:"state"`
	Entries    []StrikeEntry `json:"entries"`
	TakenAt    time.Time     `json:"taken_at"`
}

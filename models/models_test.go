package models

import (
	"testing"
	"time"
)

func TestStrikeTag(t *testing.T) {
	cases := []struct {
		offset int
		want   string
	}{
		{0, "ATM"},
		{-1, "ITM1"},
		{1, "OTM1"},
		{-20, "ITM20"},
		{20, "OTM20"},
	}
	for _, c := range cases {
		if got := StrikeTag(c.offset); got != c.want {
			t.Errorf("StrikeTag(%d) = %q, want %q", c.offset, got, c.want)
		}
	}
}

func TestOptionTypeSuffix(t *testing.T) {
	if OptionCall.Suffix() != "CE" {
		t.Errorf("call suffix = %q", OptionCall.Suffix())
	}
	if OptionPut.Suffix() != "PE" {
		t.Errorf("put suffix = %q", OptionPut.Suffix())
	}
}

func TestModeValid(t *testing.T) {
	for _, m := range Modes {
		if !m.Valid() {
			t.Errorf("%q should be valid", m)
		}
	}
	if Mode("candles").Valid() {
		t.Errorf("unknown mode accepted")
	}
}

func TestStrikeEntryStale(t *testing.T) {
	now := time.Now()

	var never StrikeEntry
	if !never.Stale(now, time.Minute) {
		t.Errorf("entry with zero UpdatedAt should be stale")
	}

	fresh := StrikeEntry{UpdatedAt: now.Add(-time.Second)}
	if fresh.Stale(now, time.Minute) {
		t.Errorf("fresh entry marked stale")
	}

	old := StrikeEntry{UpdatedAt: now.Add(-2 * time.Minute)}
	if !old.Stale(now, time.Minute) {
		t.Errorf("old entry not marked stale")
	}
}

func TestBestBidAsk(t *testing.T) {
	tick := Tick{
		Bids: []DepthLevel{{Price: 99.5, Quantity: 75}, {Price: 99.4, Quantity: 150}},
		Asks: []DepthLevel{{Price: 99.7, Quantity: 50}},
	}
	if bid, ok := tick.BestBid(); !ok || bid.Price != 99.5 {
		t.Errorf("best bid = %v, %v", bid, ok)
	}
	if ask, ok := tick.BestAsk(); !ok || ask.Price != 99.7 {
		t.Errorf("best ask = %v, %v", ask, ok)
	}

	var empty Tick
	if _, ok := empty.BestBid(); ok {
		t.Errorf("empty book returned a bid")
	}
}

func TestAccountAPIKeyFromEnv(t *testing.T) {
	t.Setenv("MODELS_TEST_KEY", "secret")
	a := Account{ID: "a", APIKeyEnv: "MODELS_TEST_KEY"}
	if a.APIKey() != "secret" {
		t.Errorf("api key not resolved from env")
	}
}

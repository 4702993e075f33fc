package execute

import (
	"errors"
	"testing"
	"time"

	"algomirror/config"
	"algomirror/models"
)

type fakeQuoter struct {
	entries map[string]models.StrikeEntry
}

func (f *fakeQuoter) EntryBySymbol(symbol string) (models.StrikeEntry, bool) {
	e, ok := f.entries[symbol]
	return e, ok
}

func executorWith(entries map[string]models.StrikeEntry) *Executor {
	return NewExecutor(config.ExecutorConfig{
		MaxQuoteAge: 10 * time.Second,
		Product:     "MIS",
		Exchange:    "NFO",
	}, &fakeQuoter{entries: entries})
}

func entry(bid, ask, ltp float64) models.StrikeEntry {
	return models.StrikeEntry{
		Symbol: "NIFTY25SEP24500CE",
		Depth: models.DepthSnapshot{
			LTP:  ltp,
			Bids: []models.DepthLevel{{Price: bid, Quantity: 75}},
			Asks: []models.DepthLevel{{Price: ask, Quantity: 75}},
		},
		UpdatedAt: time.Now(),
	}
}

func TestPriceTightSpread(t *testing.T) {
	x := executorWith(map[string]models.StrikeEntry{
		"NIFTY25SEP24500CE": entry(99.5, 99.7, 99.6),
	})

	buy, err := x.Price("NIFTY25SEP24500CE", models.ActionBuy, 75)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	// 99.7 * 1.001 = 99.7997, rounded to 99.80.
	if buy.Price != 99.80 {
		t.Errorf("buy price = %v, want 99.80", buy.Price)
	}
	if buy.OrderType != "LIMIT" {
		t.Errorf("order type = %q, want LIMIT", buy.OrderType)
	}
	if buy.Exchange != "NFO" || buy.Product != "MIS" || buy.Quantity != 75 {
		t.Errorf("intent fields wrong: %+v", buy)
	}

	sell, err := x.Price("NIFTY25SEP24500CE", models.ActionSell, 75)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sell.Price != 99.40 {
		t.Errorf("sell price = %v, want 99.40", sell.Price)
	}
}

func TestPriceWideSpreadUsesMidpoint(t *testing.T) {
	x := executorWith(map[string]models.StrikeEntry{
		"NIFTY25SEP24500CE": entry(90, 110, 100),
	})

	for _, action := range []models.Action{models.ActionBuy, models.ActionSell} {
		intent, err := x.Price("NIFTY25SEP24500CE", action, 75)
		if err != nil {
			t.Fatalf("%s: %v", action, err)
		}
		if intent.Price != 100.00 {
			t.Errorf("%s price = %v, want 100.00", action, intent.Price)
		}
		if intent.OrderType != "LIMIT" {
			t.Errorf("%s order type = %q, want LIMIT", action, intent.OrderType)
		}
	}
}

func TestPriceNoSnapshot(t *testing.T) {
	x := executorWith(map[string]models.StrikeEntry{})
	if _, err := x.Price("NIFTY25SEP24500CE", models.ActionBuy, 75); !errors.Is(err, ErrNoMarketData) {
		t.Fatalf("err = %v, want ErrNoMarketData", err)
	}
}

func TestPriceStaleSnapshot(t *testing.T) {
	stale := entry(99.5, 99.7, 99.6)
	stale.UpdatedAt = time.Now().Add(-time.Minute)
	x := executorWith(map[string]models.StrikeEntry{"NIFTY25SEP24500CE": stale})

	if _, err := x.Price("NIFTY25SEP24500CE", models.ActionBuy, 75); !errors.Is(err, ErrNoMarketData) {
		t.Fatalf("err = %v, want ErrNoMarketData", err)
	}
}

func TestPriceOneSidedBook(t *testing.T) {
	oneSided := models.StrikeEntry{
		Symbol: "NIFTY25SEP24500CE",
		Depth: models.DepthSnapshot{
			LTP:  99.6,
			Bids: []models.DepthLevel{{Price: 99.5, Quantity: 75}},
		},
		UpdatedAt: time.Now(),
	}
	x := executorWith(map[string]models.StrikeEntry{"NIFTY25SEP24500CE": oneSided})

	if _, err := x.Price("NIFTY25SEP24500CE", models.ActionBuy, 75); !errors.Is(err, ErrNoMarketData) {
		t.Fatalf("err = %v, want ErrNoMarketData", err)
	}
}

func TestRound2(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{99.8997, 99.90},
		{99.4005, 99.40},
		{1.234, 1.23},
		{1.236, 1.24},
		{0.004, 0.00},
	}
	for _, c := range cases {
		if got := round2(c.in); got != c.want {
			t.Errorf("round2(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

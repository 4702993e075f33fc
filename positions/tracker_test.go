package positions

import (
	"context"
	"sync"
	"testing"

	"github.com/asaskevich/EventBus"

	"algomirror/models"
)

type nopSubscriber struct{}

func (nopSubscriber) Subscribe(context.Context, ...models.Subscription) error   { return nil }
func (nopSubscriber) Unsubscribe(context.Context, ...models.Subscription) error { return nil }

func longPosition() models.Position {
	return models.Position{
		Symbol:     "NIFTY25SEP24500CE",
		Exchange:   "NFO",
		Side:       models.ActionBuy,
		Quantity:   75,
		EntryPrice: 100,
		StopLoss:   90,
		TakeProfit: 120,
	}
}

func TestPnLLongAndShort(t *testing.T) {
	tr := NewTracker(nopSubscriber{}, nil)

	long := longPosition()
	long.StopLoss, long.TakeProfit = 0, 0
	if err := tr.Track(context.Background(), long); err != nil {
		t.Fatalf("track: %v", err)
	}

	short := models.Position{
		Symbol: "NIFTY25SEP24500PE", Exchange: "NFO",
		Side: models.ActionSell, Quantity: 75, EntryPrice: 50,
	}
	if err := tr.Track(context.Background(), short); err != nil {
		t.Fatalf("track: %v", err)
	}

	tr.HandleTick(models.Tick{Mode: models.ModeQuote, Symbol: "NIFTY25SEP24500CE", LTP: 104.5})
	tr.HandleTick(models.Tick{Mode: models.ModeQuote, Symbol: "NIFTY25SEP24500PE", LTP: 47})

	got := make(map[string]float64)
	for _, u := range tr.Positions() {
		got[u.Symbol] = u.PnL
	}
	if got["NIFTY25SEP24500CE"] != 337.5 {
		t.Errorf("long pnl = %v, want 337.5", got["NIFTY25SEP24500CE"])
	}
	if got["NIFTY25SEP24500PE"] != 225 {
		t.Errorf("short pnl = %v, want 225", got["NIFTY25SEP24500PE"])
	}
}

func TestUntrackedSymbolIgnored(t *testing.T) {
	tr := NewTracker(nopSubscriber{}, nil)
	if err := tr.HandleTick(models.Tick{Mode: models.ModeQuote, Symbol: "UNKNOWN", LTP: 10}); err != nil {
		t.Fatalf("untracked tick should be ignored, got %v", err)
	}
}

func TestStopLossFiresOnce(t *testing.T) {
	bus := EventBus.New()
	tr := NewTracker(nopSubscriber{}, bus)

	var mu sync.Mutex
	var signals []ExitSignal
	bus.Subscribe(TopicRiskExit, func(s ExitSignal) {
		mu.Lock()
		signals = append(signals, s)
		mu.Unlock()
	})

	if err := tr.Track(context.Background(), longPosition()); err != nil {
		t.Fatalf("track: %v", err)
	}

	// Three ticks at or below the stop; only the first may trigger.
	for _, ltp := range []float64{90, 88, 85} {
		tr.HandleTick(models.Tick{Mode: models.ModeQuote, Symbol: "NIFTY25SEP24500CE", LTP: ltp})
	}
	bus.WaitAsync()

	mu.Lock()
	defer mu.Unlock()
	if len(signals) != 1 {
		t.Fatalf("exit signals = %d, want 1", len(signals))
	}
	s := signals[0]
	if s.Trigger != "stop_loss" {
		t.Errorf("trigger = %q, want stop_loss", s.Trigger)
	}
	if s.Side != models.ActionSell {
		t.Errorf("exit side = %q, want SELL", s.Side)
	}
	if s.LTP != 90 {
		t.Errorf("signal ltp = %v, want 90", s.LTP)
	}
}

func TestTakeProfitShortSide(t *testing.T) {
	bus := EventBus.New()
	tr := NewTracker(nopSubscriber{}, bus)

	var mu sync.Mutex
	var signals []ExitSignal
	bus.Subscribe(TopicRiskExit, func(s ExitSignal) {
		mu.Lock()
		signals = append(signals, s)
		mu.Unlock()
	})

	short := models.Position{
		Symbol: "NIFTY25SEP24500PE", Exchange: "NFO",
		Side: models.ActionSell, Quantity: 75, EntryPrice: 50,
		TakeProfit: 40,
	}
	if err := tr.Track(context.Background(), short); err != nil {
		t.Fatalf("track: %v", err)
	}

	tr.HandleTick(models.Tick{Mode: models.ModeQuote, Symbol: "NIFTY25SEP24500PE", LTP: 39.5})
	bus.WaitAsync()

	mu.Lock()
	defer mu.Unlock()
	if len(signals) != 1 {
		t.Fatalf("exit signals = %d, want 1", len(signals))
	}
	if signals[0].Trigger != "take_profit" {
		t.Errorf("trigger = %q, want take_profit", signals[0].Trigger)
	}
	if signals[0].Side != models.ActionBuy {
		t.Errorf("exit side = %q, want BUY", signals[0].Side)
	}
}

func TestRetrackRearmsExit(t *testing.T) {
	bus := EventBus.New()
	tr := NewTracker(nopSubscriber{}, bus)

	var mu sync.Mutex
	count := 0
	bus.Subscribe(TopicRiskExit, func(ExitSignal) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	tr.Track(context.Background(), longPosition())
	tr.HandleTick(models.Tick{Mode: models.ModeQuote, Symbol: "NIFTY25SEP24500CE", LTP: 85})

	// Replacing the position re-arms the trigger.
	tr.Track(context.Background(), longPosition())
	tr.HandleTick(models.Tick{Mode: models.ModeQuote, Symbol: "NIFTY25SEP24500CE", LTP: 85})
	bus.WaitAsync()

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("exit signals = %d, want 2", count)
	}
}

func TestPositionEnvelopePublished(t *testing.T) {
	bus := EventBus.New()
	tr := NewTracker(nopSubscriber{}, bus)

	var mu sync.Mutex
	var updates []Update
	bus.Subscribe(TopicPosition, func(u Update) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	})

	pos := longPosition()
	pos.StopLoss, pos.TakeProfit = 0, 0
	tr.Track(context.Background(), pos)
	tr.HandleTick(models.Tick{Mode: models.ModeLTP, Symbol: "NIFTY25SEP24500CE", LTP: 95})
	bus.WaitAsync()

	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	if updates[0].PnL != -375 {
		t.Errorf("pnl = %v, want -375", updates[0].PnL)
	}
}

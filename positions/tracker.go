package positions

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"

	"algomirror/logger"
	"algomirror/models"
)

const (
	// TopicPosition carries position updates for feed consumers.
	TopicPosition = "feed.position"

	// TopicRiskExit carries stop-loss / take-profit trigger signals.
	TopicRiskExit = "risk.exit"
)

// Update is one position's live state pushed to the feed on every tick.
type Update struct {
	Symbol     string        `json:"symbol"`
	Exchange   string        `json:"exchange"`
	Side       models.Action `json:"side"`
	Quantity   int64         `json:"quantity"`
	EntryPrice float64       `json:"entry_price"`
	LTP        float64       `json:"ltp"`
	PnL        float64       `json:"pnl"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// ExitSignal asks the order-placement collaborator to flatten a position.
// Emitted at most once per position.
type ExitSignal struct {
	Symbol    string        `json:"symbol"`
	Exchange  string        `json:"exchange"`
	Side      models.Action `json:"side"`
	Quantity  int64         `json:"quantity"`
	Trigger   string        `json:"trigger"`
	LTP       float64       `json:"ltp"`
	PnL       float64       `json:"pnl"`
	Timestamp time.Time     `json:"timestamp"`
}

type tracked struct {
	pos       models.Position
	ltp       float64
	pnl       float64
	updatedAt time.Time
	exited    bool
}

// Subscriber is the slice of the connection pool the tracker needs.
type Subscriber interface {
	Subscribe(ctx context.Context, subs ...models.Subscription) error
	Unsubscribe(ctx context.Context, subs ...models.Subscription) error
}

// Tracker maintains open positions and recomputes unrealized P&L as
// prices arrive. Each update is pushed to the feed bus; when a position's
// price crosses its stop-loss or take-profit it emits one exit signal and
// stops re-triggering until the position is replaced.
type Tracker struct {
	sub Subscriber
	bus EventBus.Bus

	mu        sync.RWMutex
	positions map[string]*tracked

	log *logger.Log
}

// NewTracker creates a tracker publishing to bus. bus may be nil.
func NewTracker(sub Subscriber, bus EventBus.Bus) *Tracker {
	return &Tracker{
		sub:       sub,
		bus:       bus,
		positions: make(map[string]*tracked),
		log:       logger.GetLogger(),
	}
}

// Track registers an open position and subscribes its symbol for quote
// updates. Re-tracking a symbol replaces the prior position and re-arms
// its exit trigger.
func (t *Tracker) Track(ctx context.Context, pos models.Position) error {
	if pos.Symbol == "" || pos.Quantity <= 0 {
		return fmt.Errorf("invalid position %+v", pos)
	}

	t.mu.Lock()
	t.positions[pos.Symbol] = &tracked{pos: pos}
	t.mu.Unlock()

	t.log.WithComponent("positions").WithFields(logger.Fields{
		"symbol":      pos.Symbol,
		"side":        string(pos.Side),
		"quantity":    pos.Quantity,
		"entry_price": pos.EntryPrice,
	}).Info("position tracked")

	return t.sub.Subscribe(ctx, models.Subscription{
		Instrument: models.Instrument{Symbol: pos.Symbol, Exchange: pos.Exchange},
		Mode:       models.ModeQuote,
	})
}

// Untrack removes a position and drops its subscription.
func (t *Tracker) Untrack(ctx context.Context, symbol string) error {
	t.mu.Lock()
	tr, ok := t.positions[symbol]
	if ok {
		delete(t.positions, symbol)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("position %s not tracked", symbol)
	}

	t.log.WithComponent("positions").WithFields(logger.Fields{"symbol": symbol}).Info("position untracked")
	return t.sub.Unsubscribe(ctx, models.Subscription{
		Instrument: models.Instrument{Symbol: symbol, Exchange: tr.pos.Exchange},
		Mode:       models.ModeQuote,
	})
}

// Positions returns the current live state of every tracked position.
func (t *Tracker) Positions() []Update {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Update, 0, len(t.positions))
	for _, tr := range t.positions {
		out = append(out, t.update(tr))
	}
	return out
}

func (t *Tracker) update(tr *tracked) Update {
	return Update{
		Symbol:     tr.pos.Symbol,
		Exchange:   tr.pos.Exchange,
		Side:       tr.pos.Side,
		Quantity:   tr.pos.Quantity,
		EntryPrice: tr.pos.EntryPrice,
		LTP:        tr.ltp,
		PnL:        tr.pnl,
		UpdatedAt:  tr.updatedAt,
	}
}

// HandleTick recomputes P&L for the tracked position matching the tick's
// symbol. Ticks for untracked symbols are ignored.
func (t *Tracker) HandleTick(tick models.Tick) error {
	if tick.LTP <= 0 {
		return nil
	}

	t.mu.Lock()
	tr, ok := t.positions[tick.Symbol]
	if !ok {
		t.mu.Unlock()
		return nil
	}

	tr.ltp = tick.LTP
	tr.updatedAt = tick.ReceivedAt
	if tr.updatedAt.IsZero() {
		tr.updatedAt = time.Now()
	}
	tr.pnl = pnl(tr.pos, tick.LTP)

	update := t.update(tr)
	signal, fire := t.checkExit(tr)
	t.mu.Unlock()

	if t.bus != nil {
		t.bus.Publish(TopicPosition, update)
	}

	if fire {
		t.log.WithComponent("positions").WithFields(logger.Fields{
			"symbol":  signal.Symbol,
			"trigger": signal.Trigger,
			"ltp":     signal.LTP,
			"pnl":     signal.PnL,
		}).Warn("risk exit triggered")
		if t.bus != nil {
			t.bus.Publish(TopicRiskExit, signal)
		}
	}
	return nil
}

// checkExit evaluates stop-loss / take-profit against the last price.
// Must be called with t.mu held. Thresholds are prices: for a long, LTP
// at or below stop-loss or at or above take-profit exits; for a short the
// comparisons invert.
func (t *Tracker) checkExit(tr *tracked) (ExitSignal, bool) {
	if tr.exited {
		return ExitSignal{}, false
	}

	var trigger string
	long := tr.pos.Side == models.ActionBuy
	switch {
	case tr.pos.StopLoss > 0 && ((long && tr.ltp <= tr.pos.StopLoss) || (!long && tr.ltp >= tr.pos.StopLoss)):
		trigger = "stop_loss"
	case tr.pos.TakeProfit > 0 && ((long && tr.ltp >= tr.pos.TakeProfit) || (!long && tr.ltp <= tr.pos.TakeProfit)):
		trigger = "take_profit"
	default:
		return ExitSignal{}, false
	}

	tr.exited = true
	exitSide := models.ActionSell
	if !long {
		exitSide = models.ActionBuy
	}
	return ExitSignal{
		Symbol:    tr.pos.Symbol,
		Exchange:  tr.pos.Exchange,
		Side:      exitSide,
		Quantity:  tr.pos.Quantity,
		Trigger:   trigger,
		LTP:       tr.ltp,
		PnL:       tr.pnl,
		Timestamp: time.Now().UTC(),
	}, true
}

// Resubscribe re-requests quote delivery for every tracked position.
func (t *Tracker) Resubscribe(ctx context.Context) error {
	t.mu.RLock()
	subs := make([]models.Subscription, 0, len(t.positions))
	for _, tr := range t.positions {
		subs = append(subs, models.Subscription{
			Instrument: models.Instrument{Symbol: tr.pos.Symbol, Exchange: tr.pos.Exchange},
			Mode:       models.ModeQuote,
		})
	}
	t.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}
	return t.sub.Subscribe(ctx, subs...)
}

// pnl computes unrealized P&L rounded to two decimals.
func pnl(pos models.Position, ltp float64) float64 {
	diff := ltp - pos.EntryPrice
	if pos.Side == models.ActionSell {
		diff = -diff
	}
	return math.Round(diff*float64(pos.Quantity)*100) / 100
}

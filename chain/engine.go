package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"

	"algomirror/config"
	"algomirror/logger"
	"algomirror/models"
)

// TopicOptionChain is the bus topic option chain snapshots are published on.
const TopicOptionChain = "feed.option_chain"

var (
	// ErrAlreadyMonitored is returned when a chain for the underlying exists.
	ErrAlreadyMonitored = errors.New("underlying already monitored")

	// ErrNotMonitored is returned for operations on an unknown underlying.
	ErrNotMonitored = errors.New("underlying not monitored")

	// ErrNoUnderlyingPrice is returned when no underlying tick arrives in
	// time to anchor the chain.
	ErrNoUnderlyingPrice = errors.New("no underlying price received")
)

// Subscriber is the slice of the connection pool the engine needs.
type Subscriber interface {
	Subscribe(ctx context.Context, subs ...models.Subscription) error
	Unsubscribe(ctx context.Context, subs ...models.Subscription) error
}

// slot is one strike/type cell of a chain. Each slot has its own lock so
// depth updates for different strikes never contend.
type slot struct {
	owner *chainEntry

	mu    sync.Mutex
	entry models.StrikeEntry
}

type chainEntry struct {
	underlying string
	exchange   string
	expiry     string
	step       float64

	mu          sync.RWMutex
	state       models.ChainState
	atm         float64
	lastLTP     float64
	slots       []*slot
	lastPublish time.Time

	ready chan struct{}
}

// Engine maintains live option chains around the at-the-money strike.
// For each monitored underlying it anchors the chain on the first spot
// price, subscribes depth for every strike in the window, and keeps a
// per-strike snapshot current as ticks arrive. Ticks for symbols no
// chain tracks are ignored without logging; they are routine after a
// window rebuild.
type Engine struct {
	cfg config.ChainConfig
	sub Subscriber
	bus EventBus.Bus

	mu       sync.RWMutex
	chains   map[string]*chainEntry
	bySymbol map[string]*slot

	log *logger.Log
}

// NewEngine creates an engine over the subscriber. bus may be nil when no
// feed consumers exist.
func NewEngine(cfg config.ChainConfig, sub Subscriber, bus EventBus.Bus) *Engine {
	e := &Engine{
		cfg:      cfg,
		sub:      sub,
		bus:      bus,
		chains:   make(map[string]*chainEntry),
		bySymbol: make(map[string]*slot),
		log:      logger.GetLogger(),
	}
	e.log.WithComponent("chain").WithFields(logger.Fields{
		"window_steps": cfg.WindowSteps,
		"staleness":    cfg.Staleness.String(),
	}).Info("option chain engine initialized")
	return e
}

// StartMonitoring begins tracking the chain for one underlying and expiry.
// It subscribes the underlying spot price, waits for the first tick to
// anchor the at-the-money strike, then subscribes depth for the full
// strike window. The wait is bounded by ctx; on timeout the underlying
// subscription is rolled back and ErrNoUnderlyingPrice returned.
func (e *Engine) StartMonitoring(ctx context.Context, underlying, expiry string) error {
	e.mu.Lock()
	if _, ok := e.chains[underlying]; ok {
		e.mu.Unlock()
		return fmt.Errorf("%s: %w", underlying, ErrAlreadyMonitored)
	}
	ce := &chainEntry{
		underlying: underlying,
		exchange:   e.cfg.Exchange,
		expiry:     expiry,
		step:       e.cfg.StrikeStep(underlying),
		state:      models.ChainStarting,
		ready:      make(chan struct{}),
	}
	e.chains[underlying] = ce
	e.mu.Unlock()

	log := e.log.WithComponent("chain").WithFields(logger.Fields{
		"underlying": underlying,
		"expiry":     expiry,
		"step":       ce.step,
	})
	log.Info("starting chain monitoring")

	spot := models.Subscription{
		Instrument: models.Instrument{Symbol: underlying, Exchange: e.cfg.Exchange},
		Mode:       models.ModeLTP,
	}
	if err := e.sub.Subscribe(ctx, spot); err != nil {
		e.removeChain(underlying)
		return fmt.Errorf("subscribe underlying %s: %w", underlying, err)
	}

	select {
	case <-ce.ready:
	case <-ctx.Done():
		e.sub.Unsubscribe(context.Background(), spot)
		e.removeChain(underlying)
		log.Warn("no spot price before deadline, monitoring aborted")
		return fmt.Errorf("%s: %w", underlying, ErrNoUnderlyingPrice)
	}

	ce.mu.RLock()
	atm := ce.atm
	ce.mu.RUnlock()

	subs := e.buildWindow(ce, atm)
	if err := e.sub.Subscribe(ctx, subs...); err != nil {
		e.sub.Unsubscribe(context.Background(), spot)
		e.removeChain(underlying)
		return fmt.Errorf("subscribe chain %s: %w", underlying, err)
	}

	ce.mu.Lock()
	ce.state = models.ChainRunning
	ce.mu.Unlock()

	log.WithFields(logger.Fields{
		"atm_strike": atm,
		"contracts":  len(subs),
	}).Info("chain monitoring running")
	return nil
}

// buildWindow populates the chain's strike slots around atm and returns
// the depth subscriptions for every contract in the window.
func (e *Engine) buildWindow(ce *chainEntry, atm float64) []models.Subscription {
	n := e.cfg.WindowSteps
	slots := make([]*slot, 0, (2*n+1)*2)
	subs := make([]models.Subscription, 0, (2*n+1)*2)

	e.mu.Lock()
	for offset := -n; offset <= n; offset++ {
		strike := atm + float64(offset)*ce.step
		tag := models.StrikeTag(offset)
		for _, typ := range []models.OptionType{models.OptionCall, models.OptionPut} {
			sym := OptionSymbol(ce.underlying, ce.expiry, strike, typ)
			s := &slot{owner: ce, entry: models.StrikeEntry{
				Symbol: sym,
				Strike: strike,
				Type:   typ,
				Tag:    tag,
			}}
			slots = append(slots, s)
			e.bySymbol[sym] = s
			subs = append(subs, models.Subscription{
				Instrument: models.Instrument{Symbol: sym, Exchange: ce.exchange},
				Mode:       models.ModeDepth,
			})
		}
	}
	e.mu.Unlock()

	ce.mu.Lock()
	ce.slots = slots
	ce.mu.Unlock()
	return subs
}

// StopMonitoring tears down one chain and unsubscribes its contracts.
func (e *Engine) StopMonitoring(ctx context.Context, underlying string) error {
	e.mu.Lock()
	ce, ok := e.chains[underlying]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%s: %w", underlying, ErrNotMonitored)
	}
	delete(e.chains, underlying)

	ce.mu.RLock()
	subs := make([]models.Subscription, 0, len(ce.slots)+1)
	subs = append(subs, models.Subscription{
		Instrument: models.Instrument{Symbol: underlying, Exchange: ce.exchange},
		Mode:       models.ModeLTP,
	})
	for _, s := range ce.slots {
		delete(e.bySymbol, s.entry.Symbol)
		subs = append(subs, models.Subscription{
			Instrument: models.Instrument{Symbol: s.entry.Symbol, Exchange: ce.exchange},
			Mode:       models.ModeDepth,
		})
	}
	ce.mu.RUnlock()
	e.mu.Unlock()

	ce.mu.Lock()
	ce.state = models.ChainStopped
	ce.mu.Unlock()

	if err := e.sub.Unsubscribe(ctx, subs...); err != nil {
		return fmt.Errorf("unsubscribe chain %s: %w", underlying, err)
	}
	e.log.WithComponent("chain").WithFields(logger.Fields{"underlying": underlying}).Info("chain monitoring stopped")
	return nil
}

// removeChain rolls back a chain that never reached Running, including
// any window slots already indexed by symbol.
func (e *Engine) removeChain(underlying string) {
	e.mu.Lock()
	ce, ok := e.chains[underlying]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.chains, underlying)
	ce.mu.RLock()
	for _, s := range ce.slots {
		delete(e.bySymbol, s.entry.Symbol)
	}
	ce.mu.RUnlock()
	e.mu.Unlock()
}

// HandleLTP consumes spot price ticks. The first tick for a starting
// chain anchors the at-the-money strike; later ticks just refresh the
// last traded price used in snapshots.
func (e *Engine) HandleLTP(tick models.Tick) error {
	e.mu.RLock()
	ce, ok := e.chains[tick.Symbol]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	ce.mu.Lock()
	ce.lastLTP = tick.LTP
	anchored := false
	if ce.state == models.ChainStarting && ce.atm == 0 && tick.LTP > 0 {
		ce.atm = ATMStrike(tick.LTP, ce.step)
		anchored = true
	}
	ce.mu.Unlock()

	if anchored {
		close(ce.ready)
	}
	return nil
}

// HandleDepth consumes depth ticks for chain contracts. Symbols not in
// any window are ignored.
func (e *Engine) HandleDepth(tick models.Tick) error {
	e.mu.RLock()
	s, ok := e.bySymbol[tick.Symbol]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.entry.Depth = models.DepthSnapshot{
		LTP:    tick.LTP,
		Volume: tick.Volume,
		OI:     tick.OI,
		Bids:   tick.Bids,
		Asks:   tick.Asks,
	}
	s.entry.UpdatedAt = tick.ReceivedAt
	if s.entry.UpdatedAt.IsZero() {
		s.entry.UpdatedAt = time.Now()
	}
	s.mu.Unlock()

	e.maybePublish(s.owner)
	return nil
}

// maybePublish emits a chain snapshot to the bus, throttled per chain.
func (e *Engine) maybePublish(ce *chainEntry) {
	if e.bus == nil {
		return
	}

	now := time.Now()
	ce.mu.Lock()
	if now.Sub(ce.lastPublish) < e.cfg.PublishMin {
		ce.mu.Unlock()
		return
	}
	ce.lastPublish = now
	underlying := ce.underlying
	ce.mu.Unlock()

	if snap, ok := e.Snapshot(underlying); ok {
		e.bus.Publish(TopicOptionChain, snap)
	}
}

// Snapshot returns a point-in-time copy of one chain. Entries older than
// the configured staleness window are marked stale.
func (e *Engine) Snapshot(underlying string) (models.OptionChainSnapshot, bool) {
	e.mu.RLock()
	ce, ok := e.chains[underlying]
	e.mu.RUnlock()
	if !ok {
		return models.OptionChainSnapshot{}, false
	}

	now := time.Now()

	ce.mu.RLock()
	snap := models.OptionChainSnapshot{
		Underlying: ce.underlying,
		Expiry:     ce.expiry,
		ATMStrike:  ce.atm,
		Step:       ce.step,
		State:      ce.state,
		TakenAt:    now,
		Entries:    make([]models.StrikeEntry, 0, len(ce.slots)),
	}
	slots := ce.slots
	ce.mu.RUnlock()

	for _, s := range slots {
		s.mu.Lock()
		entry := s.entry
		s.mu.Unlock()
		entry.IsStale = entry.Stale(now, e.cfg.Staleness)
		snap.Entries = append(snap.Entries, entry)
	}
	return snap, true
}

// Depth returns the current entry for one strike/type of a monitored chain.
func (e *Engine) Depth(underlying string, strike float64, typ models.OptionType) (models.StrikeEntry, bool) {
	e.mu.RLock()
	ce, ok := e.chains[underlying]
	e.mu.RUnlock()
	if !ok {
		return models.StrikeEntry{}, false
	}

	sym := OptionSymbol(ce.underlying, ce.expiry, strike, typ)

	e.mu.RLock()
	s, ok := e.bySymbol[sym]
	e.mu.RUnlock()
	if !ok {
		return models.StrikeEntry{}, false
	}

	s.mu.Lock()
	entry := s.entry
	s.mu.Unlock()
	entry.IsStale = entry.Stale(time.Now(), e.cfg.Staleness)
	return entry, true
}

// EntryBySymbol returns the current entry for a contract symbol in any
// monitored chain.
func (e *Engine) EntryBySymbol(symbol string) (models.StrikeEntry, bool) {
	e.mu.RLock()
	s, ok := e.bySymbol[symbol]
	e.mu.RUnlock()
	if !ok {
		return models.StrikeEntry{}, false
	}

	s.mu.Lock()
	entry := s.entry
	s.mu.Unlock()
	entry.IsStale = entry.Stale(time.Now(), e.cfg.Staleness)
	return entry, true
}

// Underlyings lists the monitored underlyings.
func (e *Engine) Underlyings() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.chains))
	for u := range e.chains {
		out = append(out, u)
	}
	return out
}

// Resubscribe re-requests every chain subscription. Invoked after a
// connection promotion; duplicate requests are absorbed by the transport
// layer's subscription set.
func (e *Engine) Resubscribe(ctx context.Context) error {
	e.mu.RLock()
	var subs []models.Subscription
	for underlying, ce := range e.chains {
		subs = append(subs, models.Subscription{
			Instrument: models.Instrument{Symbol: underlying, Exchange: ce.exchange},
			Mode:       models.ModeLTP,
		})
		ce.mu.RLock()
		for _, s := range ce.slots {
			subs = append(subs, models.Subscription{
				Instrument: models.Instrument{Symbol: s.entry.Symbol, Exchange: ce.exchange},
				Mode:       models.ModeDepth,
			})
		}
		ce.mu.RUnlock()
	}
	e.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}
	return e.sub.Subscribe(ctx, subs...)
}

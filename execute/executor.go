package execute

import (
	"errors"
	"fmt"
	"math"
	"time"

	"algomirror/config"
	"algomirror/logger"
	"algomirror/models"
)

// ErrNoMarketData is returned when pricing is requested for a symbol with
// no usable depth snapshot.
var ErrNoMarketData = errors.New("no market data for symbol")

// wideSpreadPct is the spread threshold above which orders price at the
// midpoint instead of chasing the touch.
const wideSpreadPct = 2.0

// Quoter supplies the latest depth entry for a contract symbol.
type Quoter interface {
	EntryBySymbol(symbol string) (models.StrikeEntry, bool)
}

// Executor turns trade requests into priced limit order intents. It holds
// no sockets and performs no I/O: pricing reads the chain engine's depth
// snapshots, and the resulting intent is handed to the order-placement
// collaborator by the caller.
type Executor struct {
	cfg    config.ExecutorConfig
	quotes Quoter
	log    *logger.Log
}

// NewExecutor creates an executor pricing against quotes.
func NewExecutor(cfg config.ExecutorConfig, quotes Quoter) *Executor {
	return &Executor{
		cfg:    cfg,
		quotes: quotes,
		log:    logger.GetLogger(),
	}
}

// Price computes a limit order intent for the given symbol and direction.
//
// With spread_pct = (ask - bid) / ltp * 100:
//   - spread_pct > 2: price at the midpoint, never cross a wide spread
//   - otherwise: buy at ask*1.001, sell at bid*0.999
//
// The price is rounded to two decimals. Fails with ErrNoMarketData when
// the symbol has no snapshot, the snapshot is stale, or the book is
// one-sided.
func (x *Executor) Price(symbol string, action models.Action, quantity int64) (models.OrderIntent, error) {
	entry, ok := x.quotes.EntryBySymbol(symbol)
	if !ok {
		return models.OrderIntent{}, fmt.Errorf("%s: %w", symbol, ErrNoMarketData)
	}
	if entry.Stale(time.Now(), x.cfg.MaxQuoteAge) {
		return models.OrderIntent{}, fmt.Errorf("%s: snapshot stale: %w", symbol, ErrNoMarketData)
	}

	bid, ask, ltp := bestPrices(entry.Depth)
	if bid <= 0 || ask <= 0 || ltp <= 0 {
		return models.OrderIntent{}, fmt.Errorf("%s: incomplete book: %w", symbol, ErrNoMarketData)
	}

	spreadPct := (ask - bid) / ltp * 100

	var price float64
	var policy string
	if spreadPct > wideSpreadPct {
		price = (ask + bid) / 2
		policy = "midpoint"
	} else if action == models.ActionBuy {
		price = ask * 1.001
		policy = "cross_ask"
	} else {
		price = bid * 0.999
		policy = "cross_bid"
	}
	price = round2(price)

	intent := models.OrderIntent{
		Symbol:    symbol,
		Exchange:  x.cfg.Exchange,
		Action:    action,
		Quantity:  quantity,
		OrderType: "LIMIT",
		Price:     price,
		Product:   x.cfg.Product,
	}

	logger.IncrementOrderPriced()
	x.log.WithComponent("execute").WithFields(logger.Fields{
		"symbol":     symbol,
		"action":     string(action),
		"quantity":   quantity,
		"spread_pct": round2(spreadPct),
		"policy":     policy,
		"price":      price,
	}).Info("order intent priced")

	return intent, nil
}

func bestPrices(d models.DepthSnapshot) (bid, ask, ltp float64) {
	if len(d.Bids) > 0 {
		bid = d.Bids[0].Price
	}
	if len(d.Asks) > 0 {
		ask = d.Asks[0].Price
	}
	return bid, ask, d.LTP
}

// round2 rounds half away from zero to two decimals.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"algomirror/logger"
	"algomirror/models"
)

// priceEntry is one symbol's latest price in the shared file.
type priceEntry struct {
	LTP       float64 `json:"ltp"`
	Volume    int64   `json:"volume,omitempty"`
	OI        int64   `json:"oi,omitempty"`
	UpdatedAt string  `json:"updated_at"`
}

// sharedFile is the on-disk layout read by the companion app.
type sharedFile struct {
	UpdatedAt     string                `json:"updated_at"`
	Prices        map[string]priceEntry `json:"prices"`
	Subscriptions []models.Subscription `json:"subscriptions"`
}

// SubscriptionSource supplies the current desired subscription set.
type SubscriptionSource interface {
	Subscriptions() []models.Subscription
}

// PriceFile periodically rewrites a JSON file of latest prices and
// active subscriptions for out-of-process consumers. Writes go to a
// temp file in the same directory followed by a rename, so readers
// never see a torn file.
type PriceFile struct {
	path     string
	interval time.Duration
	source   SubscriptionSource

	mu     sync.RWMutex
	prices map[string]priceEntry
	dirty  bool

	ctx     context.Context
	wg      *sync.WaitGroup
	runMu   sync.Mutex
	running bool
	log     *logger.Log
}

// NewPriceFile creates a price file writer. source may be nil, in which
// case the subscriptions list is omitted.
func NewPriceFile(path string, interval time.Duration, source SubscriptionSource) *PriceFile {
	if interval <= 0 {
		interval = time.Second
	}
	return &PriceFile{
		path:     path,
		interval: interval,
		source:   source,
		prices:   make(map[string]priceEntry),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// HandleTick records the tick's price for the next file rewrite.
func (p *PriceFile) HandleTick(tick models.Tick) error {
	if tick.Symbol == "" || tick.LTP <= 0 {
		return nil
	}
	at := tick.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}

	p.mu.Lock()
	p.prices[tick.Symbol] = priceEntry{
		LTP:       tick.LTP,
		Volume:    tick.Volume,
		OI:        tick.OI,
		UpdatedAt: at.UTC().Format(time.RFC3339Nano),
	}
	p.dirty = true
	p.mu.Unlock()
	return nil
}

// Start launches the rewrite worker.
func (p *PriceFile) Start(ctx context.Context) error {
	p.runMu.Lock()
	if p.running {
		p.runMu.Unlock()
		return fmt.Errorf("price file writer already running")
	}
	p.running = true
	p.ctx = ctx
	p.runMu.Unlock()

	p.wg.Add(1)
	go p.run()

	p.log.WithComponent("pricefile").WithFields(logger.Fields{
		"path":     p.path,
		"interval": p.interval.String(),
	}).Info("price file writer started")
	return nil
}

// Stop writes a final snapshot and waits for the worker to exit.
func (p *PriceFile) Stop() {
	p.runMu.Lock()
	p.running = false
	p.runMu.Unlock()

	p.log.WithComponent("pricefile").Info("stopping price file writer")
	p.wg.Wait()
	p.log.WithComponent("pricefile").Info("price file writer stopped")
}

func (p *PriceFile) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.writeFile()
			return
		case <-ticker.C:
			p.mu.RLock()
			dirty := p.dirty
			p.mu.RUnlock()
			if dirty {
				p.writeFile()
			}
		}
	}
}

// Write forces an immediate rewrite, mainly for tests.
func (p *PriceFile) Write() error {
	return p.writeFile()
}

func (p *PriceFile) writeFile() error {
	p.mu.Lock()
	out := sharedFile{
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Prices:    make(map[string]priceEntry, len(p.prices)),
	}
	for sym, e := range p.prices {
		out.Prices[sym] = e
	}
	p.dirty = false
	p.mu.Unlock()

	if p.source != nil {
		out.Subscriptions = p.source.Subscriptions()
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode price file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".prices-*.tmp")
	if err != nil {
		p.log.WithComponent("pricefile").WithError(err).Warn("temp file creation failed")
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		p.log.WithComponent("pricefile").WithError(err).Warn("price file write failed")
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		os.Remove(tmpName)
		p.log.WithComponent("pricefile").WithError(err).Warn("price file rename failed")
		return err
	}
	return nil
}

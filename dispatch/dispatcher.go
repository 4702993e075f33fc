package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"algomirror/logger"
	"algomirror/models"
)

// HandlerFunc consumes one tick. A returned error is logged and counted
// but never interrupts delivery to other handlers or later ticks.
type HandlerFunc func(models.Tick) error

type handler struct {
	name    string
	fn      HandlerFunc
	queue   chan models.Tick
	dropped int64
	errors  int64
}

// HandlerStats is a point-in-time view of one handler's counters.
type HandlerStats struct {
	Name    string
	Mode    models.Mode
	Queued  int
	Dropped int64
	Errors  int64
}

// Dispatcher fans decoded ticks out to registered handlers. Registration
// is keyed by the fixed delivery-mode set; per mode, handlers run in
// registration order. Each handler owns a bounded queue and a worker
// goroutine: enqueueing never blocks ingestion, excess backlog beyond the
// queue capacity is dropped and counted for that handler only. A single
// queue per handler preserves per-instrument arrival order.
type Dispatcher struct {
	buffer   int
	handlers map[models.Mode][]*handler

	ticks <-chan models.Tick

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewDispatcher creates a dispatcher reading from ticks. buffer is the
// per-handler queue capacity.
func NewDispatcher(ticks <-chan models.Tick, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	d := &Dispatcher{
		buffer:   buffer,
		handlers: make(map[models.Mode][]*handler),
		ticks:    ticks,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
	d.log.WithComponent("dispatch").WithFields(logger.Fields{
		"handler_buffer": buffer,
	}).Info("dispatcher initialized")
	return d
}

// Register adds a handler for one delivery mode. Must be called before
// Start. Invalid modes are rejected.
func (d *Dispatcher) Register(mode models.Mode, name string, fn HandlerFunc) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid delivery mode %q", mode)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("cannot register handler %s while running", name)
	}
	d.handlers[mode] = append(d.handlers[mode], &handler{
		name:  name,
		fn:    fn,
		queue: make(chan models.Tick, d.buffer),
	})
	d.log.WithComponent("dispatch").WithFields(logger.Fields{
		"mode":    string(mode),
		"handler": name,
	}).Info("handler registered")
	return nil
}

// Start launches the ingestion loop and one worker per handler.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.ctx = ctx
	d.mu.Unlock()

	log := d.log.WithComponent("dispatch").WithFields(logger.Fields{"operation": "start"})

	for mode, hs := range d.handlers {
		for _, h := range hs {
			d.wg.Add(1)
			go d.worker(mode, h)
		}
	}

	d.wg.Add(1)
	go d.run()

	log.Info("dispatcher started")
	return nil
}

// Stop waits for the ingestion loop and workers to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.log.WithComponent("dispatch").Info("stopping dispatcher")
	d.wg.Wait()
	d.log.WithComponent("dispatch").Info("dispatcher stopped")
}

// Stats returns a snapshot of every handler's counters.
func (d *Dispatcher) Stats() []HandlerStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []HandlerStats
	for _, mode := range models.Modes {
		for _, h := range d.handlers[mode] {
			out = append(out, HandlerStats{
				Name:    h.name,
				Mode:    mode,
				Queued:  len(h.queue),
				Dropped: atomic.LoadInt64(&h.dropped),
				Errors:  atomic.LoadInt64(&h.errors),
			})
		}
	}
	return out
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	log := d.log.WithComponent("dispatch").WithFields(logger.Fields{"worker": "ingest"})
	log.Info("starting ingestion loop")

	for {
		select {
		case <-d.ctx.Done():
			log.Info("ingestion loop stopped due to context cancellation")
			return
		case tick, ok := <-d.ticks:
			if !ok {
				log.Info("tick channel closed, ingestion loop stopping")
				return
			}
			d.dispatch(tick)
		}
	}
}

// dispatch enqueues the tick for every handler registered for its mode,
// in registration order, without ever blocking.
func (d *Dispatcher) dispatch(tick models.Tick) {
	d.mu.RLock()
	hs := d.handlers[tick.Mode]
	d.mu.RUnlock()

	for _, h := range hs {
		select {
		case h.queue <- tick:
		default:
			if atomic.AddInt64(&h.dropped, 1)%1000 == 1 {
				d.log.WithComponent("dispatch").WithFields(logger.Fields{
					"handler": h.name,
					"dropped": atomic.LoadInt64(&h.dropped),
				}).Warn("handler queue full, dropping tick")
			}
			logger.IncrementTickDropped(h.name)
		}
	}
}

func (d *Dispatcher) worker(mode models.Mode, h *handler) {
	defer d.wg.Done()

	log := d.log.WithComponent("dispatch").WithFields(logger.Fields{
		"handler": h.name,
		"mode":    string(mode),
		"worker":  "handler",
	})
	log.Info("starting handler worker")

	for {
		select {
		case <-d.ctx.Done():
			log.Info("handler worker stopped due to context cancellation")
			return
		case tick := <-h.queue:
			if err := h.fn(tick); err != nil {
				atomic.AddInt64(&h.errors, 1)
				log.WithError(err).WithFields(logger.Fields{
					"symbol": tick.Symbol,
				}).Warn("handler error, tick skipped")
			}
		}
	}
}

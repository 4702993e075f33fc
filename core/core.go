package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/asaskevich/EventBus"

	"algomirror/archive"
	"algomirror/chain"
	"algomirror/config"
	"algomirror/dispatch"
	"algomirror/execute"
	"algomirror/feed"
	"algomirror/logger"
	"algomirror/models"
	"algomirror/positions"
	"algomirror/stream"
)

// Core owns every runtime component and wires them together: the
// connection pool feeds the dispatcher, the dispatcher feeds the chain
// engine, position tracker and price file, and the failover controller
// supervises the pool. Callers hold a Core instance instead of reaching
// for shared globals.
type Core struct {
	cfg *config.Config
	bus EventBus.Bus

	pool       *stream.Pool
	controller *stream.Controller
	dispatcher *dispatch.Dispatcher
	chains     *chain.Engine
	executor   *execute.Executor
	broker     execute.Broker
	tracker    *positions.Tracker
	hub        *feed.Hub
	priceFile  *archive.PriceFile
	audit      *archive.AuditWriter

	cancel  context.CancelFunc
	runMu   sync.Mutex
	running bool
	log     *logger.Log
}

// New builds a fully wired core from the configuration.
func New(cfg *config.Config) (*Core, error) {
	log := logger.GetLogger()
	bus := EventBus.New()

	accounts := cfg.ActiveAccounts()
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no active accounts configured")
	}

	pool := stream.NewPool(accounts, cfg.Channels.TickBuffer, stream.ConnOptions{
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		WriteTimeout:     cfg.Stream.WriteTimeout,
		SubscribesPerSec: cfg.Stream.SubscribesPerSec,
		SubscribeBurst:   cfg.Stream.SubscribeBurst,
	})

	controller := stream.NewController(pool, stream.FailoverConfig{
		HeartbeatTimeout: cfg.Stream.HeartbeatTimeout,
		GracePeriod:      cfg.Stream.GracePeriod,
		CheckInterval:    cfg.Stream.CheckInterval,
		PromoteTimeout:   cfg.Stream.PromoteTimeout,
	})

	dispatcher := dispatch.NewDispatcher(pool.Ticks(), cfg.Channels.HandlerBuffer)
	chains := chain.NewEngine(cfg.Chain, pool, bus)
	executor := execute.NewExecutor(cfg.Executor, chains)
	broker := execute.NewRESTBroker(accounts[0], cfg.Algomirror.Name, cfg.Executor.BreakerMaxReq, cfg.Executor.BreakerReset)
	tracker := positions.NewTracker(pool, bus)

	c := &Core{
		cfg:        cfg,
		bus:        bus,
		pool:       pool,
		controller: controller,
		dispatcher: dispatcher,
		chains:     chains,
		executor:   executor,
		broker:     broker,
		tracker:    tracker,
		log:        log,
	}

	if cfg.Feed.Enabled {
		c.hub = feed.NewHub(cfg.Feed, bus)
	}
	if cfg.Archive.SharedFile != "" {
		c.priceFile = archive.NewPriceFile(cfg.Archive.SharedFile, cfg.Archive.FileInterval, pool)
	}
	if cfg.Archive.S3.Enabled {
		audit, err := archive.NewAuditWriter(cfg.Archive, cfg.Algomirror.Version)
		if err != nil {
			return nil, fmt.Errorf("audit writer: %w", err)
		}
		c.audit = audit
		controller.OnEvent(audit.Record)
	}

	if err := c.registerHandlers(); err != nil {
		return nil, err
	}

	controller.RegisterResubscriber(chains)
	controller.RegisterResubscriber(tracker)

	if err := bus.Subscribe(positions.TopicRiskExit, c.onRiskExit); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", positions.TopicRiskExit, err)
	}

	return c, nil
}

func (c *Core) registerHandlers() error {
	regs := []struct {
		mode models.Mode
		name string
		fn   dispatch.HandlerFunc
	}{
		{models.ModeLTP, "chain_spot", c.chains.HandleLTP},
		{models.ModeDepth, "chain_depth", c.chains.HandleDepth},
		{models.ModeLTP, "positions_ltp", c.tracker.HandleTick},
		{models.ModeQuote, "positions_quote", c.tracker.HandleTick},
	}
	for _, r := range regs {
		if err := c.dispatcher.Register(r.mode, r.name, r.fn); err != nil {
			return fmt.Errorf("register %s: %w", r.name, err)
		}
	}
	if c.priceFile != nil {
		for _, mode := range models.Modes {
			name := "price_file_" + string(mode)
			if err := c.dispatcher.Register(mode, name, c.priceFile.HandleTick); err != nil {
				return fmt.Errorf("register %s: %w", name, err)
			}
		}
	}
	return nil
}

// onRiskExit prices and places the flattening order for a triggered
// position. Failures are logged; the position stays tracked so the
// operator can act on it.
func (c *Core) onRiskExit(signal positions.ExitSignal) {
	log := c.log.WithComponent("core").WithFields(logger.Fields{
		"symbol":  signal.Symbol,
		"trigger": signal.Trigger,
		"side":    string(signal.Side),
	})

	intent, err := c.executor.Price(signal.Symbol, signal.Side, signal.Quantity)
	if err != nil {
		log.WithError(err).Error("risk exit pricing failed")
		return
	}

	result, err := c.broker.PlaceOrder(context.Background(), intent)
	if err != nil {
		log.WithError(err).Error("risk exit order failed")
		return
	}
	log.WithFields(logger.Fields{"order_id": result.OrderID}).Info("risk exit order placed")
}

// Start brings every component up: archive writers and the feed first so
// no early event is lost, then the dispatcher, the primary connection,
// the failover controller, and finally the configured option chains.
func (c *Core) Start(parent context.Context) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return fmt.Errorf("core already running")
	}
	c.running = true
	c.runMu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel

	log := c.log.WithComponent("core").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting core")

	if c.audit != nil {
		if err := c.audit.Start(ctx); err != nil {
			return err
		}
	}
	if c.priceFile != nil {
		if err := c.priceFile.Start(ctx); err != nil {
			return err
		}
	}
	if c.hub != nil {
		if err := c.hub.Start(ctx); err != nil {
			return err
		}
	}
	if err := c.dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := c.pool.Connect(ctx); err != nil {
		return fmt.Errorf("primary connect: %w", err)
	}
	if err := c.controller.Start(ctx); err != nil {
		return err
	}

	for _, m := range c.cfg.Chain.Monitor {
		chainCtx, chainCancel := context.WithTimeout(ctx, c.cfg.Chain.StartTimeout)
		err := c.chains.StartMonitoring(chainCtx, m.Underlying, m.Expiry)
		chainCancel()
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"underlying": m.Underlying,
			}).Error("chain monitoring failed to start")
		}
	}

	log.Info("core started")
	return nil
}

// Stop shuts components down in reverse dependency order. The shared
// context is cancelled first so worker loops unblock.
func (c *Core) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	c.runMu.Unlock()

	log := c.log.WithComponent("core")
	log.Info("stopping core")

	if c.cancel != nil {
		c.cancel()
	}

	c.controller.Stop()
	c.dispatcher.Stop()
	if c.hub != nil {
		c.hub.Stop()
	}
	if c.priceFile != nil {
		c.priceFile.Stop()
	}
	if c.audit != nil {
		c.audit.Stop()
	}
	c.pool.Close()

	log.Info("core stopped")
}

// Fatal surfaces the failover controller's terminal failure signal.
func (c *Core) Fatal() <-chan struct{} { return c.controller.Fatal() }

// Pool returns the connection pool.
func (c *Core) Pool() *stream.Pool { return c.pool }

// Controller returns the failover controller.
func (c *Core) Controller() *stream.Controller { return c.controller }

// Chains returns the option chain engine.
func (c *Core) Chains() *chain.Engine { return c.chains }

// Executor returns the order pricing component.
func (c *Core) Executor() *execute.Executor { return c.executor }

// Tracker returns the position tracker.
func (c *Core) Tracker() *positions.Tracker { return c.tracker }

// Bus returns the internal event bus.
func (c *Core) Bus() EventBus.Bus { return c.bus }

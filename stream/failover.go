package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"algomirror/logger"
	"algomirror/models"
)

// FailoverState is the controller's supervision state.
type FailoverState int32

const (
	PrimaryActive FailoverState = iota
	Degraded
	FailingOver
	BackupActive
	Failed
)

func (s FailoverState) String() string {
	switch s {
	case PrimaryActive:
		return "PrimaryActive"
	case Degraded:
		return "Degraded"
	case FailingOver:
		return "FailingOver"
	case BackupActive:
		return "BackupActive"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("FailoverState(%d)", int32(s))
	}
}

// FailoverConfig bounds the controller's timers.
type FailoverConfig struct {
	HeartbeatTimeout time.Duration
	GracePeriod      time.Duration
	CheckInterval    time.Duration
	PromoteTimeout   time.Duration
}

// Resubscriber is notified after every successful promotion so handlers
// can re-establish their subscriptions. Implementations must tolerate
// receiving the same instrument twice.
type Resubscriber interface {
	Resubscribe(ctx context.Context) error
}

// Controller supervises the active connection's health and drives the pool
// through failover. It returns to PrimaryActive only via an explicit
// manual Reset, never automatically.
type Controller struct {
	pool *Pool
	cfg  FailoverConfig

	mu            sync.Mutex
	state         FailoverState
	backupIndex   int
	degradedSince time.Time
	inFlight      bool

	eventsMu sync.RWMutex
	events   []models.FailoverEvent
	sinks    []func(models.FailoverEvent)

	resubs []Resubscriber

	fatal     chan struct{}
	fatalOnce sync.Once

	ctx     context.Context
	wg      *sync.WaitGroup
	runMu   sync.RWMutex
	running bool
	log     *logger.Log
}

// NewController creates a failover controller over the pool.
func NewController(pool *Pool, cfg FailoverConfig) *Controller {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 15 * time.Second
	}
	if cfg.PromoteTimeout <= 0 {
		cfg.PromoteTimeout = 30 * time.Second
	}
	return &Controller{
		pool:  pool,
		cfg:   cfg,
		state: PrimaryActive,
		fatal: make(chan struct{}),
		wg:    &sync.WaitGroup{},
		log:   logger.GetLogger(),
	}
}

// RegisterResubscriber adds a handler to be notified after promotions.
func (c *Controller) RegisterResubscriber(r Resubscriber) {
	c.resubs = append(c.resubs, r)
}

// OnEvent registers a sink receiving every FailoverEvent as it is
// recorded. Sinks must not block.
func (c *Controller) OnEvent(fn func(models.FailoverEvent)) {
	c.sinks = append(c.sinks, fn)
}

// Start launches the health monitor.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return fmt.Errorf("failover controller already running")
	}
	c.running = true
	c.ctx = ctx
	c.runMu.Unlock()

	log := c.log.WithComponent("failover").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"heartbeat_timeout": c.cfg.HeartbeatTimeout.String(),
		"grace_period":      c.cfg.GracePeriod.String(),
	}).Info("starting failover controller")

	c.wg.Add(1)
	go c.monitor()

	log.Info("failover controller started")
	return nil
}

// Stop terminates the health monitor and waits for it to exit.
func (c *Controller) Stop() {
	c.runMu.Lock()
	c.running = false
	c.runMu.Unlock()

	c.log.WithComponent("failover").Info("stopping failover controller")
	c.wg.Wait()
	c.log.WithComponent("failover").Info("failover controller stopped")
}

// State returns the current supervision state.
func (c *Controller) State() FailoverState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BackupIndex reports how many promotions have happened since the last
// reset; 0 means the primary is serving.
func (c *Controller) BackupIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backupIndex
}

// Fatal is closed when backups are exhausted and no further automatic
// recovery is possible.
func (c *Controller) Fatal() <-chan struct{} { return c.fatal }

// Events returns a copy of the append-only failover audit trail.
func (c *Controller) Events() []models.FailoverEvent {
	c.eventsMu.RLock()
	defer c.eventsMu.RUnlock()
	out := make([]models.FailoverEvent, len(c.events))
	copy(out, c.events)
	return out
}

// NotifyError feeds the controller a hard transport error, bypassing the
// degradation grace period. Concurrent signals while a failover is already
// in flight are coalesced into the single in-flight transition.
func (c *Controller) NotifyError(err error) {
	c.log.WithComponent("failover").WithError(err).Warn("transport error signaled")
	c.failover(models.ReasonSocketError)
}

// Reset manually returns the controller to PrimaryActive by reconnecting
// the primary account and restoring the backup order.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return fmt.Errorf("failover in flight, cannot reset")
	}
	c.inFlight = true
	from := c.activeAccountID()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	conn, err := c.pool.Reset(ctx)

	event := models.FailoverEvent{
		ID:          uuid.New().String(),
		FromAccount: from,
		Reason:      models.ReasonManual,
		Success:     err == nil,
		Timestamp:   time.Now().UTC(),
	}
	if err != nil {
		event.Error = err.Error()
		c.record(event)
		return fmt.Errorf("manual reset failed: %w", err)
	}
	event.ToAccount = conn.Account().ID
	c.record(event)

	c.mu.Lock()
	c.state = PrimaryActive
	c.backupIndex = 0
	c.degradedSince = time.Time{}
	c.mu.Unlock()

	c.resubscribeAll(ctx)
	c.log.WithComponent("failover").WithFields(logger.Fields{"account": conn.Account().ID}).Info("manual reset to primary complete")
	return nil
}

func (c *Controller) monitor() {
	defer c.wg.Done()

	log := c.log.WithComponent("failover").WithFields(logger.Fields{"worker": "monitor"})
	log.Info("starting health monitor")

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			log.Info("monitor stopped due to context cancellation")
			return
		case <-ticker.C:
			c.checkHealth()
		}
	}
}

func (c *Controller) checkHealth() {
	conn := c.pool.Active()
	if conn == nil {
		return
	}

	// Drain any transport error first; a hard error bypasses the grace
	// period.
	select {
	case err := <-conn.Errors():
		if err != nil {
			c.NotifyError(err)
			return
		}
	default:
	}

	age := time.Since(conn.LastHeartbeat())
	if age <= c.cfg.HeartbeatTimeout {
		return
	}

	c.mu.Lock()
	switch c.state {
	case PrimaryActive, BackupActive:
		c.state = Degraded
		c.degradedSince = time.Now()
		c.mu.Unlock()
		c.log.WithComponent("failover").WithFields(logger.Fields{
			"heartbeat_age": age.String(),
			"account":       conn.Account().ID,
		}).Warn("heartbeat timeout, connection degraded")
		return
	case Degraded:
		expired := time.Since(c.degradedSince) >= c.cfg.GracePeriod
		c.mu.Unlock()
		if expired {
			c.failover(models.ReasonHeartbeatTimeout)
		}
		return
	default:
		c.mu.Unlock()
	}
}

// failover performs at most one promotion at a time. Concurrent callers
// observe the in-flight transition and return without starting a second
// promote.
func (c *Controller) failover(reason models.FailoverReason) {
	c.mu.Lock()
	if c.inFlight || c.state == FailingOver || c.state == Failed {
		c.mu.Unlock()
		return
	}
	c.inFlight = true
	c.state = FailingOver
	from := c.activeAccountID()
	c.mu.Unlock()

	log := c.log.WithComponent("failover").WithFields(logger.Fields{
		"from":   from,
		"reason": string(reason),
	})
	log.Warn("starting failover")

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PromoteTimeout)
	defer cancel()

	conn, attempted, err := c.pool.Promote(ctx)
	logger.IncrementFailover()

	event := models.FailoverEvent{
		ID:          uuid.New().String(),
		FromAccount: from,
		ToAccount:   attempted.ID,
		Reason:      reason,
		Success:     err == nil,
		Timestamp:   time.Now().UTC(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	c.record(event)

	c.mu.Lock()
	c.inFlight = false
	if err != nil {
		if errors.Is(err, ErrNoBackups) {
			c.state = Failed
			c.mu.Unlock()
			log.WithError(err).Error("backup accounts exhausted, failover abandoned")
			c.fatalOnce.Do(func() { close(c.fatal) })
			return
		}
		c.state = Degraded
		c.degradedSince = time.Now()
		c.mu.Unlock()
		log.WithError(err).Error("promotion failed, will retry from degraded state")
		return
	}
	c.state = BackupActive
	c.backupIndex++
	n := c.backupIndex
	c.mu.Unlock()

	log.WithFields(logger.Fields{
		"to":           conn.Account().ID,
		"backup_index": n,
	}).Info("failover complete")

	c.resubscribeAll(ctx)
}

func (c *Controller) resubscribeAll(ctx context.Context) {
	for _, r := range c.resubs {
		if err := r.Resubscribe(ctx); err != nil {
			c.log.WithComponent("failover").WithError(err).Warn("handler resubscription failed")
		}
	}
}

func (c *Controller) record(event models.FailoverEvent) {
	c.eventsMu.Lock()
	c.events = append(c.events, event)
	c.eventsMu.Unlock()

	for _, sink := range c.sinks {
		sink(event)
	}

	c.log.LogMetric("failover", "failover_event", 1, "counter", logger.Fields{
		"from":    event.FromAccount,
		"to":      event.ToAccount,
		"reason":  string(event.Reason),
		"success": fmt.Sprintf("%t", event.Success),
	})
}

// activeAccountID must be called with c.mu held or from a context where
// staleness is acceptable.
func (c *Controller) activeAccountID() string {
	if conn := c.pool.Active(); conn != nil {
		return conn.Account().ID
	}
	return ""
}

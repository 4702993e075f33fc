package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"algomirror/logger"
	"algomirror/models"
)

// Pool owns the active connection plus the ordered backup account list.
// The active reference is the single point of truth for which account is
// live and is swapped atomically, so readers never observe a torn value.
type Pool struct {
	opts       ConnOptions
	tickBuffer int

	ticks  chan models.Tick
	active atomic.Pointer[Conn]

	mu       sync.Mutex // serializes Connect/Promote/Reset
	accounts []models.Account
	backups  []models.Account

	subsMu sync.RWMutex
	subs   map[models.Subscription]struct{}

	log *logger.Log
}

// NewPool creates a pool over the given accounts. The slice must already be
// in priority order, primary first.
func NewPool(accounts []models.Account, tickBuffer int, opts ConnOptions) *Pool {
	p := &Pool{
		opts:       opts,
		tickBuffer: tickBuffer,
		ticks:      make(chan models.Tick, tickBuffer),
		accounts:   accounts,
		subs:       make(map[models.Subscription]struct{}),
		log:        logger.GetLogger(),
	}
	p.log.WithComponent("pool").WithFields(logger.Fields{
		"accounts":    len(accounts),
		"tick_buffer": tickBuffer,
	}).Info("connection pool initialized")
	return p
}

// Ticks returns the shared tick channel fed by whichever connection is
// active.
func (p *Pool) Ticks() <-chan models.Tick { return p.ticks }

// Active returns the current active connection, or nil before Connect.
func (p *Pool) Active() *Conn { return p.active.Load() }

// Connect opens the primary account and resets the backup list.
func (p *Pool) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.accounts) == 0 {
		return fmt.Errorf("pool has no accounts")
	}

	conn, err := p.openWithSubs(ctx, p.accounts[0])
	if err != nil {
		return err
	}

	p.swap(conn)
	p.backups = append([]models.Account(nil), p.accounts[1:]...)
	return nil
}

// Promote consumes the next backup account, opens a connection to it,
// reapplies the full current subscription set, and only then swaps it in
// and closes the predecessor. The attempted account is returned in either
// outcome so callers can audit failures. Fails with ErrNoBackups when the
// list is exhausted; a failed backup stays consumed.
func (p *Pool) Promote(ctx context.Context) (*Conn, models.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.backups) == 0 {
		return nil, models.Account{}, ErrNoBackups
	}

	next := p.backups[0]
	p.backups = p.backups[1:]

	log := p.log.WithComponent("pool").WithFields(logger.Fields{
		"account":   next.ID,
		"remaining": len(p.backups),
	})
	log.Info("promoting backup account")

	conn, err := p.openWithSubs(ctx, next)
	if err != nil {
		log.WithError(err).Error("backup promotion failed")
		return nil, next, err
	}

	p.swap(conn)
	log.Info("backup account promoted")
	return conn, next, nil
}

// Reset reconnects the primary account and restores the original backup
// order. Used only by the manual failover reset path.
func (p *Pool) Reset(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.accounts) == 0 {
		return nil, fmt.Errorf("pool has no accounts")
	}

	conn, err := p.openWithSubs(ctx, p.accounts[0])
	if err != nil {
		return nil, err
	}

	p.swap(conn)
	p.backups = append([]models.Account(nil), p.accounts[1:]...)
	p.log.WithComponent("pool").WithFields(logger.Fields{"account": p.accounts[0].ID}).Info("pool reset to primary")
	return conn, nil
}

// openWithSubs opens a connection and applies the full desired
// subscription set before it is considered usable.
func (p *Pool) openWithSubs(ctx context.Context, account models.Account) (*Conn, error) {
	conn, err := Open(ctx, account, p.ticks, p.opts)
	if err != nil {
		return nil, err
	}

	subs := p.Subscriptions()
	if len(subs) > 0 {
		if err := conn.Subscribe(ctx, subs...); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// swap atomically replaces the active connection; the predecessor is
// closed only after its successor is in place.
func (p *Pool) swap(conn *Conn) {
	old := p.active.Swap(conn)
	if old != nil {
		old.Close()
	}
}

// Subscribe records the subscriptions in the pool's desired set and
// forwards them to the active connection. The desired set is what gets
// reapplied on promotion.
func (p *Pool) Subscribe(ctx context.Context, subs ...models.Subscription) error {
	p.subsMu.Lock()
	for _, s := range subs {
		p.subs[s] = struct{}{}
	}
	p.subsMu.Unlock()

	conn := p.active.Load()
	if conn == nil {
		return nil
	}
	return conn.Subscribe(ctx, subs...)
}

// Unsubscribe removes the subscriptions from the desired set and forwards
// the removal to the active connection.
func (p *Pool) Unsubscribe(ctx context.Context, subs ...models.Subscription) error {
	p.subsMu.Lock()
	for _, s := range subs {
		delete(p.subs, s)
	}
	p.subsMu.Unlock()

	conn := p.active.Load()
	if conn == nil {
		return nil
	}
	return conn.Unsubscribe(ctx, subs...)
}

// Subscriptions returns a copy of the desired subscription set.
func (p *Pool) Subscriptions() []models.Subscription {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()
	out := make([]models.Subscription, 0, len(p.subs))
	for s := range p.subs {
		out = append(out, s)
	}
	return out
}

// BackupsRemaining reports how many backup accounts are still available.
func (p *Pool) BackupsRemaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backups)
}

// Close shuts down the active connection and the shared tick channel.
func (p *Pool) Close() {
	if conn := p.active.Load(); conn != nil {
		conn.Close()
	}
	close(p.ticks)
	p.log.WithComponent("pool").Info("connection pool closed")
}

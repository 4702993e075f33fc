package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"algomirror/logger"
	"algomirror/models"
)

// ConnState is the lifecycle state of a broker connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateActive
	StateDegraded
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateActive:
		return "Active"
	case StateDegraded:
		return "Degraded"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// ConnOptions bound connection setup and write behaviour.
type ConnOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SubscribesPerSec int
	SubscribeBurst   int
}

func (o *ConnOptions) withDefaults() ConnOptions {
	out := *o
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 5 * time.Second
	}
	if out.SubscribesPerSec <= 0 {
		out.SubscribesPerSec = 10
	}
	if out.SubscribeBurst <= 0 {
		out.SubscribeBurst = 5
	}
	return out
}

type authRequest struct {
	Action string `json:"action"`
	APIKey string `json:"api_key"`
}

type subscribeRequest struct {
	Action      string              `json:"action"`
	Mode        models.Mode         `json:"mode"`
	Instruments []models.Instrument `json:"instruments"`
}

// Conn is one streaming session to one account. It owns the socket
// lifecycle, heartbeat tracking and the subscription set, and forwards
// every decoded tick to the provided channel.
type Conn struct {
	account models.Account
	opts    ConnOptions
	ws      *websocket.Conn
	ticks   chan<- models.Tick
	errs    chan error
	done    chan struct{}

	writeMu sync.Mutex
	limiter *rate.Limiter
	readWG  sync.WaitGroup

	mu            sync.RWMutex
	state         ConnState
	lastHeartbeat time.Time
	subs          map[models.Subscription]struct{}
	retries       int

	closeOnce sync.Once
	log       *logger.Log
}

// Open dials the account's websocket endpoint and waits for the transport
// handshake plus an initial heartbeat. The returned connection is Active.
// Exceeding opts.HandshakeTimeout after the dial fails with
// ErrHandshakeTimeout; dial failures are wrapped in a ConnectError.
func Open(ctx context.Context, account models.Account, ticks chan<- models.Tick, opts ConnOptions) (*Conn, error) {
	opts = (&opts).withDefaults()
	log := logger.GetLogger()

	c := &Conn{
		account: account,
		opts:    opts,
		ticks:   ticks,
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(opts.SubscribesPerSec), opts.SubscribeBurst),
		state:   StateConnecting,
		subs:    make(map[models.Subscription]struct{}),
		log:     log,
	}

	clog := log.WithComponent("conn").WithFields(logger.Fields{
		"account": account.ID,
		"ws_url":  account.WSURL,
	})

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, account.WSURL, nil)
	if err != nil {
		clog.WithError(err).Warn("websocket dial failed")
		return nil, &ConnectError{Account: account.ID, Err: err}
	}
	c.ws = ws

	// Any inbound frame counts as a heartbeat, control pings included.
	ready := make(chan struct{})
	var readyOnce sync.Once
	signalReady := func() { readyOnce.Do(func() { close(ready) }) }

	ws.SetPingHandler(func(data string) error {
		c.markHeartbeat()
		signalReady()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	if err := c.writeJSON(authRequest{Action: "auth", APIKey: account.APIKey()}); err != nil {
		ws.Close()
		clog.WithError(err).Warn("auth frame write failed")
		return nil, &ConnectError{Account: account.ID, Err: err}
	}

	c.readWG.Add(1)
	go c.readLoop(signalReady)

	select {
	case <-ready:
	case <-time.After(opts.HandshakeTimeout):
		c.Close()
		clog.Warn("no heartbeat within handshake timeout")
		return nil, fmt.Errorf("account %s: %w", account.ID, ErrHandshakeTimeout)
	case <-ctx.Done():
		c.Close()
		return nil, &ConnectError{Account: account.ID, Err: ctx.Err()}
	}

	c.setState(StateActive)
	clog.Info("connection active")
	return c, nil
}

// Account returns the owning account.
func (c *Conn) Account() models.Account { return c.account }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// LastHeartbeat returns the time of the most recent inbound frame.
func (c *Conn) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

func (c *Conn) markHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// Errors returns the connection's transport error channel. At most one
// error is buffered; later errors are dropped.
func (c *Conn) Errors() <-chan error { return c.errs }

// Subscriptions returns a copy of the active subscription set.
func (c *Conn) Subscriptions() []models.Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Subscription, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	return out
}

// Subscribe requests delivery for the given subscriptions. Already
// subscribed instrument/mode pairs are skipped, so re-subscribing is a
// no-op rather than an error.
func (c *Conn) Subscribe(ctx context.Context, subs ...models.Subscription) error {
	return c.sendSubscription(ctx, "subscribe", subs)
}

// Unsubscribe stops delivery for the given subscriptions. Unknown pairs
// are skipped.
func (c *Conn) Unsubscribe(ctx context.Context, subs ...models.Subscription) error {
	return c.sendSubscription(ctx, "unsubscribe", subs)
}

func (c *Conn) sendSubscription(ctx context.Context, action string, subs []models.Subscription) error {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	byMode := make(map[models.Mode][]models.Subscription)
	for _, s := range subs {
		_, have := c.subs[s]
		if have == (action == "subscribe") {
			continue
		}
		byMode[s.Mode] = append(byMode[s.Mode], s)
	}
	c.mu.Unlock()

	for mode, batch := range byMode {
		if err := c.limiter.Wait(ctx); err != nil {
			return &SubscriptionError{Mode: mode, Err: err}
		}
		instruments := make([]models.Instrument, len(batch))
		for i, s := range batch {
			instruments[i] = s.Instrument
		}
		req := subscribeRequest{Action: action, Mode: mode, Instruments: instruments}
		if err := c.writeJSON(req); err != nil {
			return &SubscriptionError{Mode: mode, Err: err}
		}

		// The set mutates only after the frame is on the wire, so a
		// failed write leaves the pair eligible for retry.
		c.mu.Lock()
		for _, s := range batch {
			if action == "subscribe" {
				c.subs[s] = struct{}{}
			} else {
				delete(c.subs, s)
			}
		}
		c.mu.Unlock()

		c.log.WithComponent("conn").WithFields(logger.Fields{
			"account":     c.account.ID,
			"action":      action,
			"mode":        string(mode),
			"instruments": len(instruments),
		}).Debug("subscription request sent")
	}
	return nil
}

func (c *Conn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteJSON(v)
}

// Close tears the connection down. It is safe to call from any state and
// is idempotent. The read loop is joined before Close returns, so no tick
// can reach the shared channel afterwards.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		close(c.done)
		if c.ws != nil {
			c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			c.ws.Close()
		}
		c.readWG.Wait()
		c.setState(StateClosed)
		c.log.WithComponent("conn").WithFields(logger.Fields{"account": c.account.ID}).Info("connection closed")
	})
}

func (c *Conn) readLoop(signalReady func()) {
	defer c.readWG.Done()

	log := c.log.WithComponent("conn").WithFields(logger.Fields{
		"account": c.account.ID,
		"worker":  "read_loop",
	})

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.ws.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.setState(StateDegraded)
			select {
			case c.errs <- err:
			default:
			}
			log.WithError(err).Warn("read failed, connection degraded")
			return
		}

		c.markHeartbeat()
		signalReady()

		var tick models.Tick
		if err := json.Unmarshal(data, &tick); err != nil {
			log.WithError(err).Debug("discarding undecodable frame")
			continue
		}
		if tick.Symbol == "" || !tick.Mode.Valid() {
			// Heartbeat or ack frame, already counted above.
			continue
		}
		tick.ReceivedAt = receivedAt

		select {
		case c.ticks <- tick:
			logger.IncrementTickRead(len(data))
		case <-c.done:
			return
		default:
			log.Warn("tick channel full, dropping tick")
		}
	}
}

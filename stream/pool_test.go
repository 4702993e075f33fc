package stream

import (
	"context"
	"errors"
	"sort"
	"testing"

	"algomirror/models"
)

func testSubs() []models.Subscription {
	return []models.Subscription{
		{Instrument: models.Instrument{Symbol: "NIFTY", Exchange: "NSE"}, Mode: models.ModeLTP},
		{Instrument: models.Instrument{Symbol: "NIFTY25SEP24500CE", Exchange: "NFO"}, Mode: models.ModeDepth},
		{Instrument: models.Instrument{Symbol: "NIFTY25SEP24500PE", Exchange: "NFO"}, Mode: models.ModeDepth},
	}
}

func sortedSubs(subs []models.Subscription) []models.Subscription {
	out := append([]models.Subscription(nil), subs...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Mode < out[j].Mode
	})
	return out
}

func TestPoolConnectUsesPrimary(t *testing.T) {
	primary := newWSServer(t)
	backup := newWSServer(t)

	p := NewPool([]models.Account{
		primary.account(t, "primary"),
		backup.account(t, "backup-1"),
	}, 64, testOpts())
	defer p.Close()

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := p.Active().Account().ID; got != "primary" {
		t.Errorf("active = %q, want primary", got)
	}
	if got := p.BackupsRemaining(); got != 1 {
		t.Errorf("backups = %d, want 1", got)
	}
}

func TestPromotePreservesSubscriptionSet(t *testing.T) {
	primary := newWSServer(t)
	backup := newWSServer(t)

	p := NewPool([]models.Account{
		primary.account(t, "primary"),
		backup.account(t, "backup-1"),
	}, 64, testOpts())
	defer p.Close()

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := p.Subscribe(context.Background(), testSubs()...); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	before := sortedSubs(p.Active().Subscriptions())

	conn, account, err := p.Promote(context.Background())
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if account.ID != "backup-1" {
		t.Errorf("promoted account = %q", account.ID)
	}
	if p.Active() != conn {
		t.Errorf("active connection not swapped")
	}

	after := sortedSubs(conn.Subscriptions())
	if len(before) != len(after) {
		t.Fatalf("subscription sets differ: %d vs %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("subscription mismatch at %d: %v vs %v", i, before[i], after[i])
		}
	}

	// The backup endpoint actually received the subscribe frames.
	backup.waitFrames(t, "subscribe", 1)
}

func TestPromoteExhaustsBackups(t *testing.T) {
	primary := newWSServer(t)

	p := NewPool([]models.Account{primary.account(t, "primary")}, 64, testOpts())
	defer p.Close()

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, _, err := p.Promote(context.Background())
	if !errors.Is(err, ErrNoBackups) {
		t.Fatalf("err = %v, want ErrNoBackups", err)
	}
}

func TestFailedBackupStaysConsumed(t *testing.T) {
	primary := newWSServer(t)
	good := newWSServer(t)

	t.Setenv("TEST_KEY_BAD", "k")
	bad := models.Account{
		ID:        "bad",
		WSURL:     "ws://127.0.0.1:1",
		APIKeyEnv: "TEST_KEY_BAD",
		Active:    true,
	}

	p := NewPool([]models.Account{
		primary.account(t, "primary"),
		bad,
		good.account(t, "backup-2"),
	}, 64, testOpts())
	defer p.Close()

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, attempted, err := p.Promote(context.Background())
	if err == nil {
		t.Fatalf("promote to dead endpoint should fail")
	}
	if attempted.ID != "bad" {
		t.Errorf("attempted = %q, want bad", attempted.ID)
	}
	// The failed backup was consumed; the primary stays active.
	if got := p.Active().Account().ID; got != "primary" {
		t.Errorf("active = %q, want primary", got)
	}
	if got := p.BackupsRemaining(); got != 1 {
		t.Errorf("backups = %d, want 1", got)
	}

	conn, attempted, err := p.Promote(context.Background())
	if err != nil {
		t.Fatalf("second promote: %v", err)
	}
	if attempted.ID != "backup-2" || conn.Account().ID != "backup-2" {
		t.Errorf("promoted = %q, want backup-2", attempted.ID)
	}
}

func TestResetRestoresPrimaryAndBackups(t *testing.T) {
	primary := newWSServer(t)
	backup := newWSServer(t)

	p := NewPool([]models.Account{
		primary.account(t, "primary"),
		backup.account(t, "backup-1"),
	}, 64, testOpts())
	defer p.Close()

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, _, err := p.Promote(context.Background()); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if got := p.BackupsRemaining(); got != 0 {
		t.Fatalf("backups = %d, want 0", got)
	}

	conn, err := p.Reset(context.Background())
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if conn.Account().ID != "primary" {
		t.Errorf("reset active = %q, want primary", conn.Account().ID)
	}
	if got := p.BackupsRemaining(); got != 1 {
		t.Errorf("backups after reset = %d, want 1", got)
	}
}

func TestCloseSafeDuringTickBurst(t *testing.T) {
	srv := newWSServer(t)

	p := NewPool([]models.Account{srv.account(t, "primary")}, 4, testOpts())
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	srv.mu.Lock()
	server := srv.conns[len(srv.conns)-1]
	srv.mu.Unlock()

	// Flood ticks until the client side goes away. Close must join the
	// read loop before the shared channel closes, so no send can land on
	// a closed channel mid-burst.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 0; ; i++ {
			tick := models.Tick{Mode: models.ModeLTP, Symbol: "NIFTY", LTP: float64(i)}
			if err := server.WriteJSON(tick); err != nil {
				return
			}
		}
	}()

	<-p.Ticks()
	p.Close()

	for range p.Ticks() {
	}

	server.Close()
	<-writerDone
}

func TestUnsubscribeShrinksDesiredSet(t *testing.T) {
	primary := newWSServer(t)

	p := NewPool([]models.Account{primary.account(t, "primary")}, 64, testOpts())
	defer p.Close()

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	subs := testSubs()
	if err := p.Subscribe(context.Background(), subs...); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := p.Unsubscribe(context.Background(), subs[0]); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if got := len(p.Subscriptions()); got != 2 {
		t.Errorf("desired set = %d, want 2", got)
	}
}

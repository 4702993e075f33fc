package core

import (
	"testing"
	"time"

	"algomirror/config"
	"algomirror/models"
	"algomirror/positions"
)

func testCoreConfig(t *testing.T) *config.Config {
	t.Setenv("CORE_TEST_KEY", "test-key")
	return &config.Config{
		Algomirror: config.AlgomirrorConfig{Name: "algomirror-test", Version: "0.0.0"},
		Channels:   config.ChannelsConfig{TickBuffer: 64, HandlerBuffer: 16},
		Accounts: []models.Account{{
			ID:        "primary",
			HostURL:   "http://127.0.0.1:1",
			WSURL:     "ws://127.0.0.1:1",
			APIKeyEnv: "CORE_TEST_KEY",
			Active:    true,
		}},
		Stream: config.StreamConfig{
			HandshakeTimeout: time.Second,
			HeartbeatTimeout: time.Second,
			GracePeriod:      time.Second,
			CheckInterval:    100 * time.Millisecond,
			PromoteTimeout:   time.Second,
			WriteTimeout:     time.Second,
			SubscribesPerSec: 100,
			SubscribeBurst:   10,
		},
		Chain: config.ChainConfig{
			WindowSteps:  20,
			Staleness:    time.Second,
			Exchange:     "NFO",
			Steps:        map[string]float64{"NIFTY": 50},
			StartTimeout: time.Second,
		},
		Executor: config.ExecutorConfig{
			MaxQuoteAge:   time.Second,
			BreakerMaxReq: 1,
			BreakerReset:  time.Second,
		},
	}
}

func TestNewRequiresActiveAccount(t *testing.T) {
	cfg := testCoreConfig(t)
	cfg.Accounts[0].Active = false
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error with no active accounts")
	}
}

func TestNewWiresDispatchHandlers(t *testing.T) {
	c, err := New(testCoreConfig(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	byName := make(map[string]models.Mode)
	for _, s := range c.dispatcher.Stats() {
		byName[s.Name] = s.Mode
	}

	want := map[string]models.Mode{
		"chain_spot":      models.ModeLTP,
		"chain_depth":     models.ModeDepth,
		"positions_ltp":   models.ModeLTP,
		"positions_quote": models.ModeQuote,
	}
	for name, mode := range want {
		if got, ok := byName[name]; !ok || got != mode {
			t.Errorf("handler %s: got mode %q ok=%v, want %q", name, got, ok, mode)
		}
	}
	if _, ok := byName["price_file_ltp"]; ok {
		t.Errorf("price file handler registered without shared_file config")
	}
}

func TestNewRegistersPriceFileHandlers(t *testing.T) {
	cfg := testCoreConfig(t)
	cfg.Archive.SharedFile = t.TempDir() + "/prices.json"
	cfg.Archive.FileInterval = time.Second

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	seen := make(map[string]bool)
	for _, s := range c.dispatcher.Stats() {
		seen[s.Name] = true
	}
	for _, mode := range models.Modes {
		name := "price_file_" + string(mode)
		if !seen[name] {
			t.Errorf("missing handler %s", name)
		}
	}
}

func TestFatalSurfacesControllerChannel(t *testing.T) {
	c, err := New(testCoreConfig(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.Fatal() == nil {
		t.Fatalf("Fatal channel is nil")
	}
	select {
	case <-c.Fatal():
		t.Fatalf("Fatal channel closed before any failure")
	default:
	}
}

func TestRiskExitRoutesThroughExecutor(t *testing.T) {
	c, err := New(testCoreConfig(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// No market data is tracked, so pricing fails and no order is sent.
	// The handler must swallow the failure rather than panic.
	c.onRiskExit(positions.ExitSignal{
		Symbol:   "NIFTY25SEP24500CE",
		Side:     models.ActionSell,
		Quantity: 75,
		Trigger:  "stop_loss",
	})
}

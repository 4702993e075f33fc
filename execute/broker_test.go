package execute

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"algomirror/models"
)

func testAccount(t *testing.T, hostURL string) models.Account {
	t.Helper()
	t.Setenv("TEST_BROKER_KEY", "secret-key")
	return models.Account{
		ID:        "acct-1",
		HostURL:   hostURL,
		APIKeyEnv: "TEST_BROKER_KEY",
	}
}

func TestPlaceOrderSuccess(t *testing.T) {
	var gotBody placeOrderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/placeorder" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(models.OrderResult{Status: "success", OrderID: "240901000012345"})
	}))
	defer srv.Close()

	b := NewRESTBroker(testAccount(t, srv.URL), "algomirror", 1, time.Second)
	result, err := b.PlaceOrder(context.Background(), models.OrderIntent{
		Symbol:    "NIFTY25SEP24500CE",
		Exchange:  "NFO",
		Action:    models.ActionBuy,
		Quantity:  75,
		OrderType: "LIMIT",
		Price:     99.90,
		Product:   "MIS",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if result.OrderID != "240901000012345" {
		t.Errorf("order id = %q", result.OrderID)
	}
	if gotBody.APIKey != "secret-key" {
		t.Errorf("api key not forwarded")
	}
	if gotBody.OrderType != "LIMIT" || gotBody.Price != 99.90 {
		t.Errorf("intent fields wrong: %+v", gotBody.OrderIntent)
	}
}

func TestPlaceOrderVenueRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.OrderResult{Status: "error", Message: "insufficient margin"})
	}))
	defer srv.Close()

	b := NewRESTBroker(testAccount(t, srv.URL), "algomirror", 1, time.Second)
	if _, err := b.PlaceOrder(context.Background(), models.OrderIntent{Symbol: "X"}); err == nil {
		t.Fatalf("expected rejection error")
	}
}

func TestPlaceOrderBreakerOpensAfterFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := NewRESTBroker(testAccount(t, srv.URL), "algomirror", 1, time.Minute)
	for i := 0; i < 5; i++ {
		if _, err := b.PlaceOrder(context.Background(), models.OrderIntent{Symbol: "X"}); err == nil {
			t.Fatalf("attempt %d should fail", i)
		}
	}
	// Breaker trips after 3 consecutive failures; later calls short-circuit.
	if n := atomic.LoadInt32(&hits); n != 3 {
		t.Errorf("server hits = %d, want 3", n)
	}
}

package execute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"algomirror/logger"
	"algomirror/models"
)

// Broker places priced order intents with the trading venue.
type Broker interface {
	PlaceOrder(ctx context.Context, intent models.OrderIntent) (models.OrderResult, error)
}

// RESTBroker submits orders over the broker's HTTP API. Calls pass
// through a circuit breaker so a dead endpoint fails fast instead of
// stacking up blocked requests.
type RESTBroker struct {
	hostURL  string
	account  models.Account
	strategy string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	log      *logger.Log
}

// NewRESTBroker creates a broker client for one account. maxRequests and
// resetTimeout configure the breaker's half-open probing.
func NewRESTBroker(account models.Account, strategy string, maxRequests uint32, resetTimeout time.Duration) *RESTBroker {
	settings := gobreaker.Settings{
		Name:        "broker-" + account.ID,
		MaxRequests: maxRequests,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.GetLogger().WithComponent("broker").WithFields(logger.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}
	return &RESTBroker{
		hostURL:  account.HostURL,
		account:  account,
		strategy: strategy,
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker:  gobreaker.NewCircuitBreaker(settings),
		log:      logger.GetLogger(),
	}
}

type placeOrderRequest struct {
	APIKey   string `json:"apikey"`
	Strategy string `json:"strategy"`
	models.OrderIntent
}

// PlaceOrder submits the intent and returns the venue's response. A
// non-success status in the response body is surfaced as an error with
// the venue's message.
func (b *RESTBroker) PlaceOrder(ctx context.Context, intent models.OrderIntent) (models.OrderResult, error) {
	log := b.log.WithComponent("broker").WithFields(logger.Fields{
		"account": b.account.ID,
		"symbol":  intent.Symbol,
		"action":  string(intent.Action),
	})

	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.placeOrder(ctx, intent)
	})
	if err != nil {
		log.WithError(err).Error("order placement failed")
		return models.OrderResult{}, err
	}

	result := res.(models.OrderResult)
	log.WithFields(logger.Fields{"order_id": result.OrderID}).Info("order placed")
	return result, nil
}

func (b *RESTBroker) placeOrder(ctx context.Context, intent models.OrderIntent) (models.OrderResult, error) {
	payload := placeOrderRequest{
		APIKey:      b.account.APIKey(),
		Strategy:    b.strategy,
		OrderIntent: intent,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return models.OrderResult{}, fmt.Errorf("encode order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.hostURL+"/api/v1/placeorder", bytes.NewReader(body))
	if err != nil {
		return models.OrderResult{}, fmt.Errorf("build order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return models.OrderResult{}, fmt.Errorf("submit order: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.OrderResult{}, fmt.Errorf("read order response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.OrderResult{}, fmt.Errorf("order rejected: http %d: %s", resp.StatusCode, string(data))
	}

	var result models.OrderResult
	if err := json.Unmarshal(data, &result); err != nil {
		return models.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	if result.Status != "success" {
		return models.OrderResult{}, fmt.Errorf("order rejected: %s", result.Message)
	}
	return result, nil
}

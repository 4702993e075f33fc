package models

// Action is the trade direction of an order.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// OrderIntent is the execution request handed to the order-placement
// collaborator. Price is always set; market orders are never used.
type OrderIntent struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	Action    Action  `json:"action"`
	Quantity  int64   `json:"quantity"`
	OrderType string  `json:"pricetype"`
	Price     float64 `json:"price"`
	Product   string  `json:"product"`
}

// OrderResult is the collaborator's response to a placed order.
type OrderResult struct {
	OrderID string `json:"orderid"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Position is an open position read from the excluded persistence
// collaborator. EntryPrice and Quantity drive P&L computation.
type Position struct {
	Symbol     string  `json:"symbol"`
	Exchange   string  `json:"exchange"`
	Side       Action  `json:"side"`
	Quantity   int64   `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
}

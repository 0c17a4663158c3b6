package domain

import "time"

// Event types carried on the outbox. OrderCreated is emitted only once an
// order is paid (or payment was bypassed); staff never see pending orders.
const (
	EventOrderCreated       = "OrderCreated"
	EventPaymentConfirmed   = "PaymentConfirmed"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventOrderArchived      = "OrderArchived"
)

type OrderCreated struct {
	OrderID string     `json:"order_id"`
	UserID  string     `json:"user_id"`
	Items   []LineItem `json:"items"`
	Amount  int64      `json:"amount"`
	Channel Channel    `json:"channel"`
	Status  Status     `json:"status"`
}

type PaymentConfirmed struct {
	OrderID      string `json:"order_id"`
	PointsEarned int64  `json:"points_earned"`
}

type OrderStatusChanged struct {
	OrderID       string    `json:"order_id"`
	Status        Status    `json:"status"`
	StatusAt      time.Time `json:"status_at"`
	PrepTimeMin   int       `json:"prep_time_min,omitempty"`
	DeliveryAgent string    `json:"delivery_agent,omitempty"`
}

type OrderArchived struct {
	OrderID string `json:"order_id"`
}

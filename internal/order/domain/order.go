package domain

import (
	"time"

	"github.com/restro77/settlement-service/internal/loyalty"
)

type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusPreparing      Status = "preparing"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
)

// FulfillmentStatus reports whether s is a state staff may move a paid order
// through. pending_payment and paid themselves are not fulfillment targets.
func FulfillmentStatus(s Status) bool {
	switch s {
	case StatusPreparing, StatusOutForDelivery, StatusDelivered:
		return true
	}
	return false
}

type Channel string

const (
	ChannelDelivery Channel = "Delivery"
	ChannelDineIn   Channel = "Dine-in"
	ChannelTakeaway Channel = "Takeaway"
)

type LineItem struct {
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Variant   string `json:"variant,omitempty"`
}

type Order struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Items          []LineItem `json:"items"`
	Amount         int64      `json:"amount"` // items + delivery fee − points discount
	Address        string     `json:"address"`
	Channel        Channel    `json:"channel"`
	Paid           bool       `json:"paid"`
	PointsRedeemed int64      `json:"points_redeemed"`
	PointsEarned   int64      `json:"points_earned"`
	Status         Status     `json:"status"`
	PrepTimeMin    int        `json:"prep_time_min,omitempty"`
	DeliveryAgent  string     `json:"delivery_agent,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StatusAt       time.Time  `json:"status_at"`
}

func NewOrder(id, userID string, items []LineItem, amount int64, address string, ch Channel, redeemed int64) Order {
	now := time.Now().UTC()
	return Order{
		ID:             id,
		UserID:         userID,
		Items:          items,
		Amount:         amount,
		Address:        address,
		Channel:        ch,
		PointsRedeemed: redeemed,
		PointsEarned:   loyalty.Earn(amount),
		Status:         StatusPendingPayment,
		CreatedAt:      now,
		StatusAt:       now,
	}
}

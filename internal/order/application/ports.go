package application

import (
	"context"
	"time"

	"github.com/restro77/settlement-service/internal/gateway"
	"github.com/restro77/settlement-service/internal/order/domain"
)

// Event is an outbox record written in the same transaction as the order
// mutation it describes.
type Event struct {
	Type    string
	Payload []byte
}

type OrderRepository interface {
	// SaveWithOutbox persists a new order together with zero or more outbox
	// events in one transaction.
	SaveWithOutbox(ctx context.Context, o domain.Order, events []Event, traceparent string) error
	Get(ctx context.Context, id string) (domain.Order, error)

	// MarkPaid flips the order to paid only if it is still pending, writing
	// events in the same transaction. Returns true for the caller that won
	// the transition; false if the order was already paid.
	MarkPaid(ctx context.Context, id string, events []Event, traceparent string) (bool, error)

	// DeletePending removes the order only if payment was never confirmed.
	// Returns true if a row was deleted.
	DeletePending(ctx context.Context, id string) (bool, error)

	UpdateStatusWithOutbox(ctx context.Context, id string, status domain.Status, statusAt time.Time, prepTimeMin int, agent string, events []Event, traceparent string) error

	// Archive moves the order to the archival namespace in one transaction,
	// preserving its identity, and writes events alongside.
	Archive(ctx context.Context, id string, events []Event, traceparent string) error
	ArchivedExists(ctx context.Context, id string) (bool, error)

	ListByUser(ctx context.Context, userID string) ([]domain.Order, error)
	ListPaid(ctx context.Context) ([]domain.Order, error)
	ListArchivedByUser(ctx context.Context, userID string) ([]domain.Order, error)
}

type PointsLedger interface {
	// Redeem atomically decrements the user's balance, failing with
	// loyalty.ErrInsufficientPoints instead of ever going negative.
	Redeem(ctx context.Context, userID string, points int64) (int64, error)
	Credit(ctx context.Context, userID string, points int64) error
}

type PaymentGateway interface {
	CreateIntent(ctx context.Context, amount int64, currency, receipt string) (gateway.Intent, error)
	VerifySignature(orderRef, paymentRef, provided string) bool
}

type CartService interface {
	Clear(ctx context.Context, userID string) error
}

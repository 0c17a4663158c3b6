package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/restro77/settlement-service/internal/gateway"
	"github.com/restro77/settlement-service/internal/loyalty"
	"github.com/restro77/settlement-service/internal/order/domain"
)

type Service struct {
	log      *slog.Logger
	repo     OrderRepository
	ledger   PointsLedger
	gw       PaymentGateway
	cart     CartService
	currency string
}

func NewService(log *slog.Logger, repo OrderRepository, ledger PointsLedger, gw PaymentGateway, cart CartService, currency string) *Service {
	return &Service{log: log, repo: repo, ledger: ledger, gw: gw, cart: cart, currency: currency}
}

type PlaceInput struct {
	UserID         string
	Items          []domain.LineItem
	Amount         int64
	Address        string
	Channel        domain.Channel
	PointsToRedeem int64
	// BypassPayment is a capability, not a request flag: the caller boundary
	// must have authorized it before it reaches the service.
	BypassPayment bool
}

type PlaceResult struct {
	Order        domain.Order
	Intent       *gateway.Intent // nil on the bypass path
	PointsEarned int64
}

// Place creates an order and either registers a payment intent with the
// gateway or, on the bypass path, settles it immediately. Every failure after
// the first side effect triggers a compensating rollback so the caller can
// treat the whole operation as atomic (the cart, cleared last, excepted).
func (s *Service) Place(ctx context.Context, in PlaceInput, traceparent string) (PlaceResult, error) {
	ch := in.Channel
	if ch == "" {
		ch = domain.ChannelDelivery
	}

	var redeemed int64
	if in.PointsToRedeem > 0 {
		if _, err := s.ledger.Redeem(ctx, in.UserID, in.PointsToRedeem); err != nil {
			if errors.Is(err, loyalty.ErrInsufficientPoints) {
				return PlaceResult{}, ErrInsufficientPoints
			}
			return PlaceResult{}, fmt.Errorf("redeem points: %w", err)
		}
		redeemed = in.PointsToRedeem
	}

	o := domain.NewOrder(uuid.NewString(), in.UserID, in.Items, in.Amount, in.Address, ch, redeemed)

	if in.BypassPayment {
		return s.placeBypassed(ctx, o, traceparent)
	}

	if err := s.repo.SaveWithOutbox(ctx, o, nil, traceparent); err != nil {
		s.refundRedeemed(ctx, o)
		return PlaceResult{}, fmt.Errorf("save order: %w", err)
	}

	if err := s.cart.Clear(ctx, in.UserID); err != nil {
		s.log.Warn("cart clear failed", "user_id", in.UserID, "err", err)
	}

	intent, err := s.gw.CreateIntent(ctx, o.Amount, s.currency, o.ID)
	if err != nil {
		s.rollbackPending(ctx, o)
		return PlaceResult{}, fmt.Errorf("%w: %v", ErrPaymentInitFailed, err)
	}

	return PlaceResult{Order: o, Intent: &intent, PointsEarned: o.PointsEarned}, nil
}

func (s *Service) placeBypassed(ctx context.Context, o domain.Order, traceparent string) (PlaceResult, error) {
	o.Paid = true
	o.Status = domain.StatusPaid

	events, err := settledEvents(o)
	if err != nil {
		s.refundRedeemed(ctx, o)
		return PlaceResult{}, err
	}
	if err := s.repo.SaveWithOutbox(ctx, o, events, traceparent); err != nil {
		s.refundRedeemed(ctx, o)
		return PlaceResult{}, fmt.Errorf("save order: %w", err)
	}

	if o.PointsEarned > 0 {
		if err := s.ledger.Credit(ctx, o.UserID, o.PointsEarned); err != nil {
			s.log.Error("credit earned points failed", "order_id", o.ID, "err", err)
		}
	}
	if err := s.cart.Clear(ctx, o.UserID); err != nil {
		s.log.Warn("cart clear failed", "user_id", o.UserID, "err", err)
	}

	return PlaceResult{Order: o, PointsEarned: o.PointsEarned}, nil
}

type ConfirmResult struct {
	PointsEarned int64
}

// ConfirmPayment settles an order after the gateway callback. Repeated valid
// confirmations are no-ops; only the first credits points and makes the order
// visible to staff. An invalid signature rolls back the order only while it
// is still pending.
func (s *Service) ConfirmPayment(ctx context.Context, orderID, gatewayOrderRef, paymentRef, signature, traceparent string) (ConfirmResult, error) {
	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return ConfirmResult{}, err
	}

	if !s.gw.VerifySignature(gatewayOrderRef, paymentRef, signature) {
		deleted, derr := s.repo.DeletePending(ctx, orderID)
		if derr != nil {
			return ConfirmResult{}, fmt.Errorf("rollback order: %w", derr)
		}
		if deleted {
			s.refundRedeemed(ctx, o)
		}
		return ConfirmResult{}, ErrSignatureMismatch
	}

	events, err := settledEvents(o)
	if err != nil {
		return ConfirmResult{}, err
	}
	won, err := s.repo.MarkPaid(ctx, orderID, events, traceparent)
	if err != nil {
		return ConfirmResult{}, err
	}
	if won && o.PointsEarned > 0 {
		if err := s.ledger.Credit(ctx, o.UserID, o.PointsEarned); err != nil {
			s.log.Error("credit earned points failed", "order_id", o.ID, "err", err)
		}
	}

	return ConfirmResult{PointsEarned: o.PointsEarned}, nil
}

func (s *Service) UpdateStatus(ctx context.Context, orderID string, status domain.Status, prepTimeMin int, agent string, traceparent string) error {
	if !domain.FulfillmentStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatusTransition, status)
	}

	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			archived, aerr := s.repo.ArchivedExists(ctx, orderID)
			if aerr == nil && archived {
				return fmt.Errorf("%w: order is archived", ErrInvalidStatusTransition)
			}
		}
		return err
	}
	if !o.Paid {
		return fmt.Errorf("%w: payment not confirmed", ErrInvalidStatusTransition)
	}

	statusAt := time.Now().UTC()
	payload, err := json.Marshal(domain.OrderStatusChanged{
		OrderID:       orderID,
		Status:        status,
		StatusAt:      statusAt,
		PrepTimeMin:   prepTimeMin,
		DeliveryAgent: agent,
	})
	if err != nil {
		return err
	}
	events := []Event{{Type: domain.EventOrderStatusChanged, Payload: payload}}

	return s.repo.UpdateStatusWithOutbox(ctx, orderID, status, statusAt, prepTimeMin, agent, events, traceparent)
}

// Archive moves a settled order out of all live views. It is a move, not a
// delete: the record survives under the archival namespace for audit.
func (s *Service) Archive(ctx context.Context, orderID, traceparent string) error {
	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if !o.Paid {
		return fmt.Errorf("%w: payment not confirmed", ErrInvalidStatusTransition)
	}

	payload, err := json.Marshal(domain.OrderArchived{OrderID: orderID})
	if err != nil {
		return err
	}
	events := []Event{{Type: domain.EventOrderArchived, Payload: payload}}

	return s.repo.Archive(ctx, orderID, events, traceparent)
}

func (s *Service) UserOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	return s.repo.ListByUser(ctx, userID)
}

func (s *Service) UserArchivedOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	return s.repo.ListArchivedByUser(ctx, userID)
}

func (s *Service) StaffOrders(ctx context.Context) ([]domain.Order, error) {
	return s.repo.ListPaid(ctx)
}

// PaymentStatus reports whether payment for the order has been confirmed.
func (s *Service) PaymentStatus(ctx context.Context, orderID string) (bool, int64, error) {
	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return false, 0, err
	}
	return o.Paid, o.PointsEarned, nil
}

// rollbackPending undoes a freshly created order after intent creation
// failed: the record is deleted and any redeemed points go back to the user.
func (s *Service) rollbackPending(ctx context.Context, o domain.Order) {
	deleted, err := s.repo.DeletePending(ctx, o.ID)
	if err != nil {
		s.log.Error("rollback delete failed", "order_id", o.ID, "err", err)
		return
	}
	if deleted {
		s.refundRedeemed(ctx, o)
	}
}

func (s *Service) refundRedeemed(ctx context.Context, o domain.Order) {
	if o.PointsRedeemed <= 0 {
		return
	}
	if err := s.ledger.Credit(ctx, o.UserID, o.PointsRedeemed); err != nil {
		s.log.Error("refund redeemed points failed", "order_id", o.ID, "user_id", o.UserID, "err", err)
	}
}

// settledEvents are the outbox records that make a paid order visible to
// staff: the payment confirmation plus the order itself.
func settledEvents(o domain.Order) ([]Event, error) {
	confirmed, err := json.Marshal(domain.PaymentConfirmed{OrderID: o.ID, PointsEarned: o.PointsEarned})
	if err != nil {
		return nil, err
	}
	created, err := json.Marshal(domain.OrderCreated{
		OrderID: o.ID,
		UserID:  o.UserID,
		Items:   o.Items,
		Amount:  o.Amount,
		Channel: o.Channel,
		Status:  domain.StatusPaid,
	})
	if err != nil {
		return nil, err
	}
	return []Event{
		{Type: domain.EventPaymentConfirmed, Payload: confirmed},
		{Type: domain.EventOrderCreated, Payload: created},
	}, nil
}

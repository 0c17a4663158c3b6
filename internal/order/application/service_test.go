package application_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restro77/settlement-service/internal/gateway"
	"github.com/restro77/settlement-service/internal/loyalty"
	"github.com/restro77/settlement-service/internal/order/application"
	"github.com/restro77/settlement-service/internal/order/domain"
)

const testSecret = "test-secret"

type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]int64
}

func newFakeLedger(balances map[string]int64) *fakeLedger {
	return &fakeLedger{balances: balances}
}

func (l *fakeLedger) Redeem(_ context.Context, userID string, points int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[userID] < points {
		return 0, loyalty.ErrInsufficientPoints
	}
	l.balances[userID] -= points
	return l.balances[userID], nil
}

func (l *fakeLedger) Credit(_ context.Context, userID string, points int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += points
	return nil
}

func (l *fakeLedger) balance(userID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

type loggedEvent struct {
	orderID string
	typ     string
}

type fakeRepo struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	archived map[string]domain.Order
	events   []loggedEvent
	saveErr  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		orders:   make(map[string]domain.Order),
		archived: make(map[string]domain.Order),
	}
}

func (r *fakeRepo) SaveWithOutbox(_ context.Context, o domain.Order, events []application.Event, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.orders[o.ID] = o
	r.logEvents(o.ID, events)
	return nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return domain.Order{}, application.ErrOrderNotFound
	}
	return o, nil
}

func (r *fakeRepo) MarkPaid(_ context.Context, id string, events []application.Event, _ string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return false, application.ErrOrderNotFound
	}
	if o.Paid {
		return false, nil
	}
	o.Paid = true
	o.Status = domain.StatusPaid
	o.StatusAt = time.Now().UTC()
	r.orders[id] = o
	r.logEvents(id, events)
	return true, nil
}

func (r *fakeRepo) DeletePending(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.Paid {
		return false, nil
	}
	delete(r.orders, id)
	return true, nil
}

func (r *fakeRepo) UpdateStatusWithOutbox(_ context.Context, id string, status domain.Status, statusAt time.Time, prepTimeMin int, agent string, events []application.Event, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || !o.Paid {
		return application.ErrOrderNotFound
	}
	o.Status = status
	o.StatusAt = statusAt
	if prepTimeMin > 0 {
		o.PrepTimeMin = prepTimeMin
	}
	if agent != "" {
		o.DeliveryAgent = agent
	}
	r.orders[id] = o
	r.logEvents(id, events)
	return nil
}

func (r *fakeRepo) Archive(_ context.Context, id string, events []application.Event, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || !o.Paid {
		return application.ErrOrderNotFound
	}
	r.archived[id] = o
	delete(r.orders, id)
	r.logEvents(id, events)
	return nil
}

func (r *fakeRepo) ArchivedExists(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.archived[id]
	return ok, nil
}

func (r *fakeRepo) ListByUser(_ context.Context, userID string) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, o := range r.orders {
		if o.UserID == userID && o.Paid {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListPaid(_ context.Context) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, o := range r.orders {
		if o.Paid {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListArchivedByUser(_ context.Context, userID string) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, o := range r.archived {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *fakeRepo) logEvents(orderID string, events []application.Event) {
	for _, e := range events {
		r.events = append(r.events, loggedEvent{orderID: orderID, typ: e.Type})
	}
}

func (r *fakeRepo) eventCount(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.typ == typ {
			n++
		}
	}
	return n
}

type fakeGateway struct {
	mu        sync.Mutex
	createErr error
	created   int
}

func (g *fakeGateway) CreateIntent(_ context.Context, amount int64, currency, receipt string) (gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return gateway.Intent{}, g.createErr
	}
	g.created++
	return gateway.Intent{ID: "gw_order_1", Amount: amount, Currency: currency, KeyID: "key_id"}, nil
}

func (g *fakeGateway) VerifySignature(orderRef, paymentRef, provided string) bool {
	return gateway.VerifySignature(orderRef, paymentRef, provided, testSecret)
}

type fakeCart struct {
	mu      sync.Mutex
	cleared []string
}

func (c *fakeCart) Clear(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared = append(c.cleared, userID)
	return nil
}

func sign(orderRef, paymentRef string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(orderRef + "|" + paymentRef))
	return hex.EncodeToString(mac.Sum(nil))
}

type fixture struct {
	svc    *application.Service
	repo   *fakeRepo
	ledger *fakeLedger
	gw     *fakeGateway
	cart   *fakeCart
}

func newFixture(balances map[string]int64) *fixture {
	repo := newFakeRepo()
	ledger := newFakeLedger(balances)
	gw := &fakeGateway{}
	cart := &fakeCart{}
	log := slog.New(slog.DiscardHandler)
	return &fixture{
		svc:    application.NewService(log, repo, ledger, gw, cart, "INR"),
		repo:   repo,
		ledger: ledger,
		gw:     gw,
		cart:   cart,
	}
}

func items() []domain.LineItem {
	return []domain.LineItem{{Name: "Paneer Tikka", UnitPrice: 250, Quantity: 2}}
}

func TestPlace_CreatesPendingOrderWithIntent(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 0})

	res, err := f.svc.Place(context.Background(), application.PlaceInput{
		UserID: "u1",
		Items:  items(),
		Amount: 500,
	}, "")
	require.NoError(t, err)

	assert.Equal(t, int64(10), res.PointsEarned, "one point per 50 currency units")
	require.NotNil(t, res.Intent)
	assert.Equal(t, "gw_order_1", res.Intent.ID)

	o, err := f.repo.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.False(t, o.Paid)
	assert.Equal(t, domain.StatusPendingPayment, o.Status)
	assert.Equal(t, int64(10), o.PointsEarned)
	assert.Equal(t, int64(0), f.ledger.balance("u1"), "earned points are not credited before confirmation")
	assert.Equal(t, []string{"u1"}, f.cart.cleared)
	assert.Zero(t, len(f.repo.events), "pending orders emit nothing staff-visible")
}

func TestPlace_InsufficientPointsHasNoSideEffects(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 30})

	_, err := f.svc.Place(context.Background(), application.PlaceInput{
		UserID:         "u1",
		Items:          items(),
		Amount:         500,
		PointsToRedeem: 100,
	}, "")
	require.ErrorIs(t, err, application.ErrInsufficientPoints)

	assert.Equal(t, int64(30), f.ledger.balance("u1"))
	assert.Empty(t, f.repo.orders)
	assert.Empty(t, f.cart.cleared)
}

func TestPlace_GatewayFailureRollsBackOrderAndPoints(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 50})
	f.gw.createErr = errors.New("provider unreachable")

	_, err := f.svc.Place(context.Background(), application.PlaceInput{
		UserID:         "u1",
		Items:          items(),
		Amount:         300,
		PointsToRedeem: 50,
	}, "")
	require.ErrorIs(t, err, application.ErrPaymentInitFailed)

	assert.Empty(t, f.repo.orders, "the just-created order is deleted")
	assert.Equal(t, int64(50), f.ledger.balance("u1"), "redeemed points are refunded")
}

func TestPlace_BypassSettlesImmediately(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 0})

	res, err := f.svc.Place(context.Background(), application.PlaceInput{
		UserID:        "u1",
		Items:         items(),
		Amount:        500,
		BypassPayment: true,
	}, "")
	require.NoError(t, err)

	assert.Nil(t, res.Intent)
	assert.True(t, res.Order.Paid)
	assert.Equal(t, int64(10), f.ledger.balance("u1"), "earned points credited on the bypass path")
	assert.Equal(t, 0, f.gw.created, "bypass never touches the gateway")
	assert.Equal(t, 1, f.repo.eventCount(domain.EventOrderCreated))
	assert.Equal(t, 1, f.repo.eventCount(domain.EventPaymentConfirmed))
}

func TestConfirmPayment_IsIdempotent(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 0})

	res, err := f.svc.Place(context.Background(), application.PlaceInput{
		UserID: "u1", Items: items(), Amount: 500,
	}, "")
	require.NoError(t, err)

	sig := sign("gw_order_1", "pay_1")
	for i := 0; i < 2; i++ {
		cres, err := f.svc.ConfirmPayment(context.Background(), res.Order.ID, "gw_order_1", "pay_1", sig, "")
		require.NoError(t, err, "replayed confirmation must still succeed")
		assert.Equal(t, int64(10), cres.PointsEarned)
	}

	assert.Equal(t, int64(10), f.ledger.balance("u1"), "points credited exactly once")
	o, err := f.repo.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.True(t, o.Paid)
	assert.Equal(t, 1, f.repo.eventCount(domain.EventOrderCreated), "staff see the order exactly once")
	assert.Equal(t, 1, f.repo.eventCount(domain.EventPaymentConfirmed))
}

func TestConfirmPayment_BadSignatureRollsBackPendingOrder(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 50})

	res, err := f.svc.Place(context.Background(), application.PlaceInput{
		UserID: "u1", Items: items(), Amount: 300, PointsToRedeem: 50,
	}, "")
	require.NoError(t, err)
	require.Equal(t, int64(0), f.ledger.balance("u1"))

	_, err = f.svc.ConfirmPayment(context.Background(), res.Order.ID, "gw_order_1", "pay_1", "bogus", "")
	require.ErrorIs(t, err, application.ErrSignatureMismatch)

	_, err = f.repo.Get(context.Background(), res.Order.ID)
	assert.ErrorIs(t, err, application.ErrOrderNotFound, "pending order is removed")
	assert.Equal(t, int64(50), f.ledger.balance("u1"), "balance restored to its pre-order value")
}

func TestConfirmPayment_BadReplayAfterPaidIsNonDestructive(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 0})

	res, err := f.svc.Place(context.Background(), application.PlaceInput{
		UserID: "u1", Items: items(), Amount: 500,
	}, "")
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(context.Background(), res.Order.ID, "gw_order_1", "pay_1", sign("gw_order_1", "pay_1"), "")
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(context.Background(), res.Order.ID, "gw_order_1", "pay_1", "bogus", "")
	require.ErrorIs(t, err, application.ErrSignatureMismatch)

	o, err := f.repo.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.True(t, o.Paid, "a bad replay never destroys a settled order")
	assert.Equal(t, int64(10), f.ledger.balance("u1"))
}

func TestConfirmPayment_UnknownOrder(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 0})
	_, err := f.svc.ConfirmPayment(context.Background(), "missing", "gw", "pay", "sig", "")
	assert.ErrorIs(t, err, application.ErrOrderNotFound)
}

func TestPlace_ConcurrentRedemptionAllowsAtMostOne(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 50})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Place(context.Background(), application.PlaceInput{
				UserID: "u1", Items: items(), Amount: 200, PointsToRedeem: 50,
			}, "")
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if errors.Is(err, application.ErrInsufficientPoints) {
			failures++
		} else {
			require.NoError(t, err)
		}
	}
	assert.GreaterOrEqual(t, failures, 1, "both redemptions passing would overdraw the balance")
	assert.GreaterOrEqual(t, f.ledger.balance("u1"), int64(0))
}

func TestUpdateStatus_RejectsPendingOrder(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 0})

	res, err := f.svc.Place(context.Background(), application.PlaceInput{
		UserID: "u1", Items: items(), Amount: 500,
	}, "")
	require.NoError(t, err)

	err = f.svc.UpdateStatus(context.Background(), res.Order.ID, domain.StatusPreparing, 0, "", "")
	assert.ErrorIs(t, err, application.ErrInvalidStatusTransition)
}

func TestUpdateStatus_RejectsNonFulfillmentTarget(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 0})
	err := f.svc.UpdateStatus(context.Background(), "any", domain.StatusPaid, 0, "", "")
	assert.ErrorIs(t, err, application.ErrInvalidStatusTransition)
}

func TestUpdateStatus_PaidOrderAdvances(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 0})

	res, err := f.svc.Place(context.Background(), application.PlaceInput{
		UserID: "u1", Items: items(), Amount: 500, BypassPayment: true,
	}, "")
	require.NoError(t, err)

	err = f.svc.UpdateStatus(context.Background(), res.Order.ID, domain.StatusPreparing, 25, "ravi", "")
	require.NoError(t, err)

	o, err := f.repo.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPreparing, o.Status)
	assert.Equal(t, 25, o.PrepTimeMin)
	assert.Equal(t, "ravi", o.DeliveryAgent)
	assert.False(t, o.StatusAt.IsZero())
	assert.Equal(t, 1, f.repo.eventCount(domain.EventOrderStatusChanged))
}

func TestArchive_MovesPaidOrderOutOfLiveViews(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 0})

	res, err := f.svc.Place(context.Background(), application.PlaceInput{
		UserID: "u1", Items: items(), Amount: 500, BypassPayment: true,
	}, "")
	require.NoError(t, err)

	require.NoError(t, f.svc.Archive(context.Background(), res.Order.ID, ""))

	_, err = f.repo.Get(context.Background(), res.Order.ID)
	assert.ErrorIs(t, err, application.ErrOrderNotFound)

	archived, err := f.svc.UserArchivedOrders(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, res.Order.ID, archived[0].ID, "identity survives the move")
	assert.Equal(t, 1, f.repo.eventCount(domain.EventOrderArchived))

	err = f.svc.UpdateStatus(context.Background(), res.Order.ID, domain.StatusPreparing, 0, "", "")
	assert.ErrorIs(t, err, application.ErrInvalidStatusTransition, "archived orders take no further transitions")
}

func TestArchive_RejectsPendingOrder(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 0})

	res, err := f.svc.Place(context.Background(), application.PlaceInput{
		UserID: "u1", Items: items(), Amount: 500,
	}, "")
	require.NoError(t, err)

	err = f.svc.Archive(context.Background(), res.Order.ID, "")
	assert.ErrorIs(t, err, application.ErrInvalidStatusTransition)
}

func TestPaymentStatus(t *testing.T) {
	f := newFixture(map[string]int64{"u1": 0})

	res, err := f.svc.Place(context.Background(), application.PlaceInput{
		UserID: "u1", Items: items(), Amount: 500,
	}, "")
	require.NoError(t, err)

	paid, earned, err := f.svc.PaymentStatus(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.False(t, paid)
	assert.Equal(t, int64(10), earned)
}

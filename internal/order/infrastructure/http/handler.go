package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/restro77/settlement-service/internal/deliveryfee"
	dfpg "github.com/restro77/settlement-service/internal/deliveryfee/postgres"
	"github.com/restro77/settlement-service/internal/gateway"
	lpg "github.com/restro77/settlement-service/internal/loyalty/postgres"
	"github.com/restro77/settlement-service/internal/order/application"
	"github.com/restro77/settlement-service/internal/order/domain"
)

// ReferencePoints is the read-only delivery catalog the fee endpoints use.
type ReferencePoints interface {
	Get(ctx context.Context, id string) (deliveryfee.ReferencePoint, error)
	List(ctx context.Context) ([]deliveryfee.ReferencePoint, error)
}

// PointsBalance reads a user's current loyalty balance.
type PointsBalance interface {
	Balance(ctx context.Context, userID string) (int64, error)
}

type Handler struct {
	log      *slog.Logger
	service  *application.Service
	points   ReferencePoints
	balance  PointsBalance
	staffKey string
	tracer   trace.Tracer
}

func NewHandler(log *slog.Logger, service *application.Service, points ReferencePoints, balance PointsBalance, staffKey string) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		points:   points,
		balance:  balance,
		staffKey: staffKey,
		tracer:   otel.Tracer("settlement-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/orders", h.placeOrder)
	r.Post("/orders/{orderID}/confirm", h.confirmPayment)
	r.Get("/orders/{orderID}/payment", h.paymentStatus)
	r.Get("/orders", h.userOrders)
	r.Get("/orders/archived", h.userArchivedOrders)

	r.Group(func(r chi.Router) {
		r.Use(h.requireStaff)
		r.Get("/staff/orders", h.staffOrders)
		r.Post("/orders/{orderID}/status", h.updateStatus)
		r.Post("/orders/{orderID}/archive", h.archiveOrder)
	})

	r.Get("/delivery/points", h.deliveryPoints)
	r.Get("/delivery/fee", h.deliveryFee)
	r.Get("/loyalty/balance", h.loyaltyBalance)

	return r
}

type placeOrderReq struct {
	Items          []domain.LineItem `json:"items"`
	Amount         int64             `json:"amount"`
	Address        string            `json:"address"`
	Channel        domain.Channel    `json:"channel"`
	PointsToRedeem int64             `json:"points_to_redeem"`
	BypassPayment  bool              `json:"bypass_payment"`
}

type placeOrderResp struct {
	Success      bool            `json:"success"`
	OrderID      string          `json:"order_id"`
	Intent       *gateway.Intent `json:"intent,omitempty"`
	Paid         bool            `json:"paid"`
	PointsEarned int64           `json:"points_earned"`
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PlaceOrder")
	defer span.End()

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "", "missing X-User-ID header")
		return
	}

	var req placeOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid JSON body")
		return
	}
	if len(req.Items) == 0 || req.Amount < 0 || req.PointsToRedeem < 0 {
		writeError(w, http.StatusBadRequest, "", "invalid order payload")
		return
	}

	// The bypass is a staff capability, never a plain request flag.
	if req.BypassPayment && !h.isStaff(r) {
		writeError(w, http.StatusForbidden, "", "payment bypass not authorized")
		return
	}

	in := application.PlaceInput{
		UserID:         userID,
		Items:          req.Items,
		Amount:         req.Amount,
		Address:        req.Address,
		Channel:        req.Channel,
		PointsToRedeem: req.PointsToRedeem,
		BypassPayment:  req.BypassPayment,
	}

	res, err := h.service.Place(ctx, in, traceparentFrom(ctx, r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, placeOrderResp{
		Success:      true,
		OrderID:      res.Order.ID,
		Intent:       res.Intent,
		Paid:         res.Order.Paid,
		PointsEarned: res.PointsEarned,
	})
}

type confirmPaymentReq struct {
	GatewayOrderID   string `json:"gateway_order_id"`
	GatewayPaymentID string `json:"gateway_payment_id"`
	Signature        string `json:"signature"`
}

func (h *Handler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ConfirmPayment")
	defer span.End()

	var req confirmPaymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid JSON body")
		return
	}

	orderID := chi.URLParam(r, "orderID")
	res, err := h.service.ConfirmPayment(ctx, orderID, req.GatewayOrderID, req.GatewayPaymentID, req.Signature, traceparentFrom(ctx, r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"points_earned": res.PointsEarned,
	})
}

func (h *Handler) paymentStatus(w http.ResponseWriter, r *http.Request) {
	paid, earned, err := h.service.PaymentStatus(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       paid,
		"paid":          paid,
		"points_earned": earned,
	})
}

type updateStatusReq struct {
	Status        domain.Status `json:"status"`
	PrepTimeMin   int           `json:"prep_time_min"`
	DeliveryAgent string        `json:"delivery_agent"`
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "UpdateStatus")
	defer span.End()

	var req updateStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid JSON body")
		return
	}

	err := h.service.UpdateStatus(ctx, chi.URLParam(r, "orderID"), req.Status, req.PrepTimeMin, req.DeliveryAgent, traceparentFrom(ctx, r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) archiveOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ArchiveOrder")
	defer span.End()

	err := h.service.Archive(ctx, chi.URLParam(r, "orderID"), traceparentFrom(ctx, r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) userOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "", "missing X-User-ID header")
		return
	}
	orders, err := h.service.UserOrders(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "orders": orders})
}

func (h *Handler) userArchivedOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "", "missing X-User-ID header")
		return
	}
	orders, err := h.service.UserArchivedOrders(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "orders": orders})
}

func (h *Handler) staffOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.StaffOrders(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "orders": orders})
}

func (h *Handler) deliveryPoints(w http.ResponseWriter, r *http.Request) {
	points, err := h.points.List(r.Context())
	if err != nil {
		h.log.Error("list delivery points", "err", err)
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "points": points})
}

func (h *Handler) deliveryFee(w http.ResponseWriter, r *http.Request) {
	distance, err := strconv.ParseFloat(r.URL.Query().Get("distance"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid distance")
		return
	}

	var ref *deliveryfee.ReferencePoint
	if pointID := r.URL.Query().Get("point"); pointID != "" {
		p, err := h.points.Get(r.Context(), pointID)
		if err != nil {
			if errors.Is(err, dfpg.ErrPointNotFound) {
				writeError(w, http.StatusNotFound, "", "delivery point not found")
				return
			}
			h.log.Error("get delivery point", "err", err)
			writeError(w, http.StatusInternalServerError, "", "internal error")
			return
		}
		ref = &p
	}

	fee, err := deliveryfee.Compute(distance, ref)
	if err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "fee": fee})
}

func (h *Handler) loyaltyBalance(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "", "missing X-User-ID header")
		return
	}
	balance, err := h.balance.Balance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, lpg.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "", "user not found")
			return
		}
		h.log.Error("read loyalty balance", "err", err)
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "points": balance})
}

func (h *Handler) requireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.isStaff(r) {
			writeError(w, http.StatusForbidden, "", "staff key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) isStaff(r *http.Request) bool {
	return h.staffKey != "" && r.Header.Get("X-API-Key") == h.staffKey
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	kind := application.Kind(err)
	switch kind {
	case "InsufficientPoints", "SignatureMismatch":
		writeError(w, http.StatusBadRequest, kind, err.Error())
	case "PaymentInitializationFailed":
		writeError(w, http.StatusBadGateway, kind, err.Error())
	case "OrderNotFound":
		writeError(w, http.StatusNotFound, kind, err.Error())
	case "InvalidStatusTransition":
		writeError(w, http.StatusConflict, kind, err.Error())
	default:
		h.log.Error("settlement request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "", "internal error")
	}
}

func traceparentFrom(ctx context.Context, r *http.Request) string {
	if tp := r.Header.Get(propagationHeader); tp != "" {
		return tp
	}
	carrier := propagationMapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier[propagationHeader]
}

const propagationHeader = "traceparent"

type propagationMapCarrier map[string]string

func (c propagationMapCarrier) Get(key string) string { return c[key] }
func (c propagationMapCarrier) Set(key, val string)   { c[key] = val }
func (c propagationMapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	body := map[string]any{"success": false, "message": msg}
	if kind != "" {
		body["kind"] = kind
	}
	writeJSON(w, status, body)
}

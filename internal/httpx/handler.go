package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wakala/fulfillment/internal/inventory"
	"github.com/wakala/fulfillment/internal/ledger"
	"github.com/wakala/fulfillment/internal/order"
	"github.com/wakala/fulfillment/internal/payment"
	"github.com/wakala/fulfillment/internal/payment/breaker"
	"github.com/wakala/fulfillment/internal/saga"
	"github.com/wakala/fulfillment/internal/saga/sagalog"
	"github.com/wakala/fulfillment/internal/webhook"
)

const maxWebhookBody = 1 << 20

// Handler handles incoming HTTP requests for the order domain: order
// creation, lifecycle operations and payment provider webhooks.
type Handler struct {
	coordinator *saga.Coordinator
	store       ledger.Store
	sagaLogRepo sagalog.Repository
	secrets     webhook.Secrets
	dispatcher  *webhook.Dispatcher
	breakers    *breaker.Registry // nil-safe: health reports no gateways if nil
}

// NewHandler initializes the handler with its required collaborators.
func NewHandler(
	c *saga.Coordinator,
	store ledger.Store,
	sagaRepo sagalog.Repository,
	secrets webhook.Secrets,
	d *webhook.Dispatcher,
	breakers *breaker.Registry,
) *Handler {
	return &Handler{
		coordinator: c,
		store:       store,
		sagaLogRepo: sagaRepo,
		secrets:     secrets,
		dispatcher:  d,
		breakers:    breakers,
	}
}

// CreateOrder validates the request and drives the fulfillment saga to its
// first stable state before answering.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	// Use comma-ok idiom to safely extract typed context values.
	idempKey, _ := r.Context().Value(ContextKeyIdempotencyKey).(string)
	requestID, _ := r.Context().Value(ContextKeyRequestID).(string)
	if idempKey == "" {
		// Without a client key every retry is a new order; fall back to
		// the request ID so at least proxy retries stay safe.
		idempKey = requestID
	}
	if idempKey == "" {
		idempKey = uuid.NewString()
	}

	items := make([]order.LineItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = order.LineItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPriceCents: it.UnitPriceCents}
	}

	createReq := order.CreateRequest{
		RequestID:        idempKey,
		TenantID:         tenantFrom(r.Context()),
		CustomerID:       req.CustomerID,
		Currency:         req.Currency,
		Items:            items,
		TaxCents:         req.TaxCents,
		DeliveryFeeCents: req.DeliveryFeeCents,
		DiscountCents:    req.DiscountCents,
		PaymentMethod:    req.PaymentMethod,
		TotalCents:       req.TotalCents,
	}

	slog.InfoContext(r.Context(), "creating order",
		"request_id", requestID, "customer_id", req.CustomerID, "total_cents", req.TotalCents)

	o, err := h.coordinator.StartSaga(r.Context(), createReq)
	if err != nil {
		h.writeSagaError(w, o, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapOrderToResponse(o, false))
}

// GetOrderByID retrieves a single order, including its transition history.
func (h *Handler) GetOrderByID(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, mapOrderToResponse(o, true))
}

// GetSagaStatus returns the latest saga log row for an order.
func (h *Handler) GetSagaStatus(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadOrder(w, r)
	if !ok {
		return
	}
	entry, err := h.sagaLogRepo.Latest(r.Context(), o.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "saga_not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, mapSagaEntry(entry))
}

// CancelOrder aborts or unwinds an order depending on how far it got.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	o, err := h.coordinator.Cancel(r.Context(), orderID, "customer")
	if err != nil {
		h.writeSagaError(w, o, err)
		return
	}
	writeJSON(w, http.StatusOK, mapOrderToResponse(o, false))
}

// StartFulfillment marks a confirmed order as being picked and packed.
func (h *Handler) StartFulfillment(w http.ResponseWriter, r *http.Request) {
	o, err := h.coordinator.StartFulfillment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeSagaError(w, o, err)
		return
	}
	writeJSON(w, http.StatusOK, mapOrderToResponse(o, false))
}

// CompleteFulfillment closes out a delivered order.
func (h *Handler) CompleteFulfillment(w http.ResponseWriter, r *http.Request) {
	o, err := h.coordinator.CompleteFulfillment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeSagaError(w, o, err)
		return
	}
	writeJSON(w, http.StatusOK, mapOrderToResponse(o, false))
}

// PaymentWebhook authenticates, normalizes and queues a provider callback.
// The provider gets its answer before the saga is touched.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	gatewayName := chi.URLParam(r, "gateway")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable_body", "")
		return
	}

	tenantID := r.Header.Get(HeaderXTenantId)
	signature := r.Header.Get(HeaderXSignature)
	if err := webhook.Authenticate(h.secrets, tenantID, gatewayName, signature, body); err != nil {
		slog.WarnContext(r.Context(), "webhook rejected", "gateway", gatewayName, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid_signature", "")
		return
	}

	del, err := webhook.Parse(gatewayName, tenantID, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	fresh, err := h.dispatcher.Enqueue(r.Context(), del)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue_failed", "")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "duplicate": !fresh})
}

// Health reports liveness plus the current state of each gateway breaker.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "time": time.Now().UTC()}
	if h.breakers != nil {
		resp["gateways"] = h.breakers.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) loadOrder(w http.ResponseWriter, r *http.Request) (*order.Order, bool) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "order_id_required", "")
		return nil, false
	}
	o, err := h.store.GetOrder(r.Context(), orderID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order_not_found", "")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "")
		return nil, false
	}
	if tenant := tenantFrom(r.Context()); tenant != "" && o.TenantID != tenant {
		// A tenant never learns whether another tenant's order exists.
		writeError(w, http.StatusNotFound, "order_not_found", "")
		return nil, false
	}
	return o, true
}

// writeSagaError maps the coordinator's typed errors onto HTTP statuses
// with stable machine-readable codes. The order, when present, rides along
// so the caller can see the compensated state.
func (h *Handler) writeSagaError(w http.ResponseWriter, o *order.Order, err error) {
	orderID := ""
	if o != nil {
		orderID = o.ID
	}
	status, code := http.StatusInternalServerError, "internal_error"

	var verr *order.ValidationError
	var stock *inventory.InsufficientStockError
	var declined *payment.DeclinedError
	var noGW *payment.NoAvailableGatewayError
	var illegal *order.IllegalTransitionError
	var compErr *saga.CompensationError

	switch {
	case errors.As(err, &verr):
		status, code = http.StatusBadRequest, verr.Code()
	case errors.As(err, &stock):
		status, code = http.StatusConflict, stock.Code()
	case errors.As(err, &declined):
		status, code = http.StatusPaymentRequired, declined.Code()
	case errors.As(err, &noGW):
		status, code = http.StatusServiceUnavailable, noGW.Code()
	case errors.As(err, &illegal):
		status, code = http.StatusConflict, "illegal_transition"
	case errors.As(err, &compErr):
		status, code = http.StatusInternalServerError, "compensation_failed"
	case errors.Is(err, saga.ErrSagaInProgress):
		status, code = http.StatusConflict, "saga_in_progress"
	case errors.Is(err, saga.ErrOrderTerminal):
		status, code = http.StatusConflict, "order_terminal"
	case errors.Is(err, ledger.ErrNotFound):
		status, code = http.StatusNotFound, "order_not_found"
	}

	writeJSON(w, status, ErrorResponse{Error: code, Message: err.Error(), OrderID: orderID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}

package httpx

import (
	"net/http"
	"strings"

	"github.com/ariefcatur/go-storefront-checkout/internal/checkout"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type OrdersHandler struct {
	Service     *checkout.Service
	StatusCache StatusStore
	Log         zerolog.Logger
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Get("/orders/number/{orderNumber}", h.getByNumber)
	r.Get("/orders/user/{userId}", h.listByUser)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(r, "id")
	if !ok {
		badRequest(w, "invalid order id")
		return
	}
	o, err := h.Service.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeOK(w, http.StatusOK, "", toOrderResponse(o))
}

func (h *OrdersHandler) getByNumber(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimSpace(chi.URLParam(r, "orderNumber"))
	if number == "" {
		badRequest(w, "missing order number")
		return
	}
	o, err := h.Service.GetOrderByNumber(r.Context(), number)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeOK(w, http.StatusOK, "", toOrderResponse(o))
}

func (h *OrdersHandler) listByUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := int64Param(r, "userId")
	if !ok {
		badRequest(w, "invalid user id")
		return
	}
	list, err := h.Service.ListUserOrders(r.Context(), userID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeOK(w, http.StatusOK, "", toOrderList(list))
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(r, "id")
	if !ok {
		badRequest(w, "invalid order id")
		return
	}
	ctx := r.Context()

	// 1) coba cache
	if h.StatusCache != nil {
		st, err := h.StatusCache.Get(ctx, id)
		if err != nil {
			h.Log.Warn().Err(err).Int64("order_id", id).Msg("status cache read failed")
		}
		if st != nil {
			w.Header().Set("X-Cache", "HIT")
			writeOK(w, http.StatusOK, "", st)
			return
		}
	}

	// 2) fallback DB
	o, err := h.Service.GetOrder(ctx, id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	cacheStatus(ctx, h.StatusCache, h.Log, o)
	w.Header().Set("X-Cache", "MISS")
	writeOK(w, http.StatusOK, "", statusOf(o))
}

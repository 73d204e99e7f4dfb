package httpx

import (
	"fmt"
	"net/http"

	"github.com/ariefcatur/go-storefront-checkout/internal/checkout"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// AdminHandler serves /admin/*. Authorization happens in the router.
type AdminHandler struct {
	Service     *checkout.Service
	StatusCache StatusStore
	Log         zerolog.Logger
}

func (h *AdminHandler) Register(r chi.Router) {
	r.Get("/admin/orders", h.listOrders)
	r.Patch("/admin/orders/{id}/status", h.updateStatus)
	r.Post("/admin/orders/{id}/cancel", h.cancelOrder)
}

func (h *AdminHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.Service.ListOrders(r.Context())
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeOK(w, http.StatusOK, "", toOrderList(list))
}

func (h *AdminHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(r, "id")
	if !ok {
		badRequest(w, "invalid order id")
		return
	}
	status, err := orders.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	o, err := h.Service.UpdateStatus(r.Context(), id, status)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	cacheStatus(r.Context(), h.StatusCache, h.Log, o)
	writeOK(w, http.StatusOK, fmt.Sprintf("order status updated to %s", o.Status), toOrderResponse(o))
}

func (h *AdminHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(r, "id")
	if !ok {
		badRequest(w, "invalid order id")
		return
	}
	o, err := h.Service.CancelOrder(r.Context(), id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	cacheStatus(r.Context(), h.StatusCache, h.Log, o)
	writeOK(w, http.StatusOK, "order cancelled", toOrderResponse(o))
}

package httpx

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/projector"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type orderItemResponse struct {
	ID          int64           `json:"id"`
	ProductID   int64           `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type orderResponse struct {
	ID               int64                `json:"id"`
	OrderNumber      string               `json:"orderNumber"`
	UserID           int64                `json:"userId"`
	TotalAmount      decimal.Decimal      `json:"totalAmount"`
	ShippingAddress  string               `json:"shippingAddress"`
	PaymentMethod    string               `json:"paymentMethod"`
	Status           orders.Status        `json:"status"`
	PaymentStatus    orders.PaymentStatus `json:"paymentStatus"`
	PaymentReference string               `json:"paymentReference,omitempty"`
	Version          int                  `json:"version"`
	CreatedAt        time.Time            `json:"createdAt"`
	UpdatedAt        time.Time            `json:"updatedAt"`
	Items            []orderItemResponse  `json:"items"`
}

func toOrderResponse(o *orders.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemResponse{
			ID:          it.ID,
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			Price:       it.Price,
			Subtotal:    it.Subtotal(),
		})
	}
	return orderResponse{
		ID:               o.ID,
		OrderNumber:      o.OrderNumber,
		UserID:           o.UserID,
		TotalAmount:      o.TotalAmount,
		ShippingAddress:  o.ShippingAddress,
		PaymentMethod:    o.PaymentMethod,
		Status:           o.Status,
		PaymentStatus:    o.PaymentStatus,
		PaymentReference: o.Reference(),
		Version:          o.Version,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
		Items:            items,
	}
}

func toOrderList(list []orders.Order) []orderResponse {
	out := make([]orderResponse, 0, len(list))
	for i := range list {
		out = append(out, toOrderResponse(&list[i]))
	}
	return out
}

func int64Param(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func referenceParam(r *http.Request) string {
	q := r.URL.Query()
	if ref := strings.TrimSpace(q.Get("reference")); ref != "" {
		return ref
	}
	// gateway kadang kirim trxref saja
	return strings.TrimSpace(q.Get("trxref"))
}

// cacheStatus pushes the committed order state into the status cache.
// The projector does the same from events; whichever is newer wins.
func cacheStatus(ctx context.Context, cache StatusStore, log zerolog.Logger, o *orders.Order) {
	if cache == nil || o == nil {
		return
	}
	if _, err := cache.Set(ctx, statusOf(o)); err != nil {
		log.Warn().Err(err).Int64("order_id", o.ID).Msg("status cache write failed")
	}
}

func statusOf(o *orders.Order) redisx.OrderStatus {
	return projector.StatusFromOrderState(orders.StatePayload(o))
}

package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/checkout"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type CheckoutHandler struct {
	Service     *checkout.Service
	Idempotency IdempotencyStore
	StatusCache StatusStore
	FrontendURL string
	Log         zerolog.Logger
}

type CreateOrderReq struct {
	UserID          int64  `json:"userId"`
	ShippingAddress string `json:"shippingAddress"`
	PaymentMethod   string `json:"paymentMethod"`
}

type PaymentIntentReq struct {
	OrderID     int64           `json:"orderId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Email       string          `json:"email"`
	CallbackURL string          `json:"callbackUrl"`
}

type PaymentIntentResp struct {
	ClientSecret     string          `json:"clientSecret"`
	PaymentIntentID  string          `json:"paymentIntentId"`
	Status           string          `json:"status"`
	AuthorizationURL string          `json:"authorizationUrl"`
	AccessCode       string          `json:"accessCode"`
	Reference        string          `json:"reference"`
	OrderID          int64           `json:"orderId,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.Post("/checkout", h.createOrder)
	r.Post("/checkout/payment-intent", h.paymentIntent)
	r.Post("/checkout/verify-payment", h.verifyPayment)
	r.Get("/checkout/paystack/callback", h.paystackCallback)
	r.Post("/checkout/confirm-payment/{orderId}", h.confirmPayment)
}

func (h *CheckoutHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	ctx := r.Context()

	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	claimed := false
	if idemKey != "" && h.Idempotency != nil {
		existingID, ok, err := h.Idempotency.Claim(ctx, req.UserID, idemKey)
		switch {
		case errors.Is(err, redisx.ErrRequestInFlight):
			writeError(w, h.Log, err)
			return
		case err != nil:
			// Redis cuma jalur cepat; lanjut tanpa idempotency
			h.Log.Warn().Err(err).Str("idempotency_key", idemKey).Msg("idempotency unavailable")
		case !ok:
			o, err := h.Service.GetOrder(ctx, existingID)
			if err != nil {
				writeError(w, h.Log, err)
				return
			}
			writeOK(w, http.StatusOK, "order already created", toOrderResponse(o))
			return
		default:
			claimed = true
		}
	}

	o, err := h.Service.CreateOrder(ctx, checkout.CreateOrderInput{
		UserID:          req.UserID,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
	})
	if err != nil {
		if claimed {
			h.releaseKey(req.UserID, idemKey)
		}
		writeError(w, h.Log, err)
		return
	}
	if claimed {
		if err := h.Idempotency.Complete(ctx, req.UserID, idemKey, o.ID); err != nil {
			h.Log.Warn().Err(err).Str("idempotency_key", idemKey).Int64("order_id", o.ID).Msg("idempotency complete failed")
		}
	}
	cacheStatus(ctx, h.StatusCache, h.Log, o)
	writeOK(w, http.StatusCreated, "order created", toOrderResponse(o))
}

// releaseKey runs detached from the request so a cancelled client still
// frees the key.
func (h *CheckoutHandler) releaseKey(userID int64, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Idempotency.Release(ctx, userID, key); err != nil {
		h.Log.Warn().Err(err).Str("idempotency_key", key).Msg("idempotency release failed")
	}
}

func (h *CheckoutHandler) paymentIntent(w http.ResponseWriter, r *http.Request) {
	var req PaymentIntentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	pi, err := h.Service.InitializePayment(r.Context(), checkout.PaymentIntentInput{
		OrderID:     req.OrderID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Email:       req.Email,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeOK(w, http.StatusOK, "payment initialized", PaymentIntentResp{
		ClientSecret:     pi.AccessCode,
		PaymentIntentID:  pi.Reference,
		Status:           "initialized",
		AuthorizationURL: pi.AuthorizationURL,
		AccessCode:       pi.AccessCode,
		Reference:        pi.Reference,
		OrderID:          pi.OrderID,
		Amount:           pi.Amount,
		Currency:         pi.Currency,
	})
}

func (h *CheckoutHandler) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ref := referenceParam(r)
	ok, err := h.Service.VerifyPayment(r.Context(), ref)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	msg := "payment not successful"
	if ok {
		msg = "payment verified"
	}
	writeOK(w, http.StatusOK, msg, map[string]any{"reference": ref, "verified": ok})
}

// paystackCallback is where the gateway sends the payer back. It never
// touches an order; confirm-payment does that.
func (h *CheckoutHandler) paystackCallback(w http.ResponseWriter, r *http.Request) {
	ref := referenceParam(r)
	ok, err := h.Service.VerifyPayment(r.Context(), ref)
	if err != nil {
		h.Log.Warn().Err(err).Str("reference", ref).Msg("callback verification failed")
	}
	page := "/payment-failed"
	if err == nil && ok {
		page = "/payment-success"
	}
	target := strings.TrimRight(h.FrontendURL, "/") + page + "?reference=" + url.QueryEscape(ref)
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *CheckoutHandler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(r, "orderId")
	if !ok {
		badRequest(w, "invalid order id")
		return
	}
	o, err := h.Service.ConfirmPayment(r.Context(), id, referenceParam(r))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	cacheStatus(r.Context(), h.StatusCache, h.Log, o)
	if o.PaymentStatus == orders.PaymentFailed {
		writeJSON(w, http.StatusPaymentRequired, apiResponse{Message: "payment failed", Data: toOrderResponse(o), Kind: "PaymentDeclined"})
		return
	}
	writeOK(w, http.StatusOK, "payment status updated", toOrderResponse(o))
}

package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/payment"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/rs/zerolog"
)

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

type errorKind struct {
	target error
	kind   string
	status int
}

// urutan penting: yang lebih spesifik duluan
var errorKinds = []errorKind{
	{orders.ErrValidation, "ValidationError", http.StatusBadRequest},
	{orders.ErrOrderNotFound, "NotFound", http.StatusNotFound},
	{orders.ErrCartNotFound, "NotFound", http.StatusNotFound},
	{orders.ErrProductNotFound, "NotFound", http.StatusNotFound},
	{orders.ErrEmptyCart, "EmptyCart", http.StatusUnprocessableEntity},
	{orders.ErrInsufficientStock, "InsufficientStock", http.StatusConflict},
	{orders.ErrInvalidStateTransition, "InvalidStateTransition", http.StatusConflict},
	{orders.ErrConcurrentUpdate, "ConcurrentUpdate", http.StatusConflict},
	{redisx.ErrRequestInFlight, "DuplicateRequest", http.StatusConflict},
	{payment.ErrPaymentVerificationUndetermined, "PaymentVerificationUndetermined", http.StatusServiceUnavailable},
	{payment.ErrPaymentServiceUnavailable, "PaymentServiceUnavailable", http.StatusServiceUnavailable},
	{payment.ErrGatewayRejected, "PaymentRejected", http.StatusBadGateway},
}

func classify(err error) (kind string, status int, ok bool) {
	for _, k := range errorKinds {
		if errors.Is(err, k.target) {
			return k.kind, k.status, true
		}
	}
	return "InternalError", http.StatusInternalServerError, false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, code int, message string, data any) {
	writeJSON(w, code, apiResponse{Success: true, Message: message, Data: data})
}

// writeError maps err onto the response. Unknown errors get a generic
// message; the cause only goes to the log.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	kind, status, known := classify(err)
	msg := err.Error()
	if !known {
		log.Error().Err(err).Msg("unhandled error")
		msg = "internal server error"
	}

	resp := apiResponse{Success: false, Message: msg, Kind: kind}
	var stockErr *orders.InsufficientStockError
	if errors.As(err, &stockErr) {
		resp.Data = map[string]any{
			"productId": stockErr.ProductID,
			"requested": stockErr.Requested,
			"available": stockErr.Available,
		}
	}
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: msg, Kind: "ValidationError"})
}

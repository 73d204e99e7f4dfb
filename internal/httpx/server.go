package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/auth"
	"github.com/ariefcatur/go-storefront-checkout/internal/checkout"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// IdempotencyStore guards POST /checkout against client retries.
type IdempotencyStore interface {
	Claim(ctx context.Context, userID int64, key string) (orderID int64, claimed bool, err error)
	Complete(ctx context.Context, userID int64, key string, orderID int64) error
	Release(ctx context.Context, userID int64, key string) error
}

// StatusStore is the read-through cache behind GET /orders/{id}/status.
type StatusStore interface {
	Get(ctx context.Context, orderID int64) (*redisx.OrderStatus, error)
	Set(ctx context.Context, st redisx.OrderStatus) (bool, error)
}

// Deps wires the router. Idempotency, StatusCache, Admin, Metrics and
// Gatherer are optional.
type Deps struct {
	Checkout    *checkout.Service
	Idempotency IdempotencyStore
	StatusCache StatusStore
	Admin       *auth.Verifier
	Metrics     *metrics.ServerMetrics
	Gatherer    prometheus.Gatherer
	Log         zerolog.Logger

	FrontendURL    string
	RequestTimeout time.Duration
}

func NewRouter(d Deps) *chi.Mux {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 15 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(d.Log), instrument(d.Metrics))
	r.Use(middleware.Timeout(d.RequestTimeout))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(d.Gatherer))
	}

	ch := &CheckoutHandler{Service: d.Checkout, Idempotency: d.Idempotency, StatusCache: d.StatusCache, FrontendURL: d.FrontendURL, Log: d.Log}
	ch.Register(r)
	oh := &OrdersHandler{Service: d.Checkout, StatusCache: d.StatusCache, Log: d.Log}
	oh.Register(r)
	ah := &AdminHandler{Service: d.Checkout, StatusCache: d.StatusCache, Log: d.Log}
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRole(d.Admin, auth.RoleAdmin))
		ah.Register(r)
	})
	return r
}

package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/auth"
	"github.com/ariefcatur/go-storefront-checkout/internal/checkout"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders/mocks"
	"github.com/ariefcatur/go-storefront-checkout/internal/payment"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type stubGateway struct {
	verifyOK  bool
	verifyErr error
	initErr   error
}

func (g *stubGateway) Initialize(ctx context.Context, req payment.InitializeRequest) (*payment.Session, error) {
	if g.initErr != nil {
		return nil, g.initErr
	}
	return &payment.Session{AuthorizationURL: "https://checkout.example/abc", AccessCode: "abc", Reference: "ORDER-1"}, nil
}

// Verify reports the seeded 25.00 order total on success.
func (g *stubGateway) Verify(ctx context.Context, reference string) (payment.Verification, error) {
	if g.verifyErr != nil {
		return payment.Verification{Reference: reference}, g.verifyErr
	}
	return payment.Verification{Reference: reference, Paid: g.verifyOK, Amount: 2500, Currency: "NGN"}, nil
}

type memIdempotency struct {
	mu       sync.Mutex
	entries  map[string]int64 // "{userId}:{key}", 0 = pending
	claimErr error
}

func newMemIdempotency() *memIdempotency { return &memIdempotency{entries: map[string]int64{}} }

func idemEntry(userID int64, key string) string { return fmt.Sprintf("%d:%s", userID, key) }

func (m *memIdempotency) Claim(ctx context.Context, userID int64, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return 0, false, m.claimErr
	}
	k := idemEntry(userID, key)
	id, ok := m.entries[k]
	if !ok {
		m.entries[k] = 0
		return 0, true, nil
	}
	if id == 0 {
		return 0, false, redisx.ErrRequestInFlight
	}
	return id, false, nil
}

func (m *memIdempotency) Complete(ctx context.Context, userID int64, key string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[idemEntry(userID, key)] = orderID
	return nil
}

func (m *memIdempotency) Release(ctx context.Context, userID int64, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, idemEntry(userID, key))
	return nil
}

type memStatus struct {
	mu   sync.Mutex
	byID map[int64]redisx.OrderStatus
	sets int
}

func newMemStatus() *memStatus { return &memStatus{byID: map[int64]redisx.OrderStatus{}} }

func (m *memStatus) Get(ctx context.Context, id int64) (*redisx.OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *memStatus) Set(ctx context.Context, st redisx.OrderStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if cur, ok := m.byID[st.OrderID]; ok && cur.Version > st.Version {
		return false, nil
	}
	m.byID[st.OrderID] = st
	return true, nil
}

type testEnv struct {
	h      http.Handler
	ledger *mocks.MockLedger
	gw     *stubGateway
	idem   *memIdempotency
	cache  *memStatus
	reg    *prometheus.Registry
}

const adminSecret = "admin-secret"

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	ledger := mocks.NewMockLedger()
	gw := &stubGateway{verifyOK: true}
	svc := checkout.NewService(ledger, gw, checkout.WithClock(func() time.Time { return fixedNow }))
	reg := prometheus.NewRegistry()
	env := &testEnv{ledger: ledger, gw: gw, idem: newMemIdempotency(), cache: newMemStatus(), reg: reg}
	env.h = NewRouter(Deps{
		Checkout:    svc,
		Idempotency: env.idem,
		StatusCache: env.cache,
		Admin:       auth.NewVerifier(adminSecret),
		Metrics:     metrics.NewServerMetrics(reg, "api"),
		Gatherer:    reg,
		Log:         zerolog.Nop(),
		FrontendURL: "https://shop.example/",
	})
	return env
}

func (e *testEnv) seedCart(userID int64, stock int) {
	e.ledger.SeedProduct(orders.Product{ID: 1, Name: "Kopi", Price: decimal.RequireFromString("5.00"), Stock: stock})
	e.ledger.SeedCart(userID, orders.CartLine{ID: 1, ProductID: 1, Quantity: 2, Price: decimal.RequireFromString("5.00")})
}

func (e *testEnv) seedOrder() *orders.Order {
	return e.ledger.SeedOrder(&orders.Order{
		OrderNumber:   "ORD-1-AAAAAAAA",
		UserID:        7,
		TotalAmount:   decimal.RequireFromString("25.00"),
		Status:        orders.StatusPending,
		PaymentStatus: orders.PaymentPending,
		CreatedAt:     fixedNow,
		UpdatedAt:     fixedNow,
	})
}

func (e *testEnv) do(method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func decodeOrder(t *testing.T, rec *httptest.ResponseRecorder) orderResponse {
	t.Helper()
	var o orderResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &o))
	return o
}

func checkoutBody(userID int64) map[string]any {
	return map[string]any{"userId": userID, "shippingAddress": "Jl. Sudirman 1", "paymentMethod": "card"}
}

func adminToken(t *testing.T, role string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		UserID: "1",
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(adminSecret))
	require.NoError(t, err)
	return "Bearer " + tok
}

func TestCheckout_CreatesOrder(t *testing.T) {
	env := newEnv(t)
	env.seedCart(7, 5)

	rec := env.do(http.MethodPost, "/checkout", checkoutBody(7), "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	o := decodeOrder(t, rec)
	assert.True(t, decimal.RequireFromString("10.00").Equal(o.TotalAmount))
	assert.Equal(t, orders.StatusPending, o.Status)
	require.Len(t, o.Items, 1)
	assert.Equal(t, "Kopi", o.Items[0].ProductName)

	assert.Equal(t, o.ID, env.idem.entries[idemEntry(7, "k-1")])
	st, _ := env.cache.Get(context.Background(), o.ID)
	require.NotNil(t, st)
	assert.Equal(t, "PENDING", st.Status)
}

func TestCheckout_IdempotentReplay(t *testing.T) {
	env := newEnv(t)
	env.seedCart(7, 5)

	first := env.do(http.MethodPost, "/checkout", checkoutBody(7), "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, first.Code)

	// keranjang sudah kosong; replay tetap dapat order yang sama
	second := env.do(http.MethodPost, "/checkout", checkoutBody(7), "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	assert.Equal(t, decodeOrder(t, first).ID, decodeOrder(t, second).ID)
	assert.Equal(t, 1, env.ledger.OrderCount())
}

func TestCheckout_SameKeyOtherUserGetsOwnOrder(t *testing.T) {
	env := newEnv(t)
	env.seedCart(7, 10)
	env.ledger.SeedCart(8, orders.CartLine{ID: 2, ProductID: 1, Quantity: 1, Price: decimal.RequireFromString("5.00")})

	first := env.do(http.MethodPost, "/checkout", checkoutBody(7), "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	second := env.do(http.MethodPost, "/checkout", checkoutBody(8), "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, second.Code, second.Body.String())

	a, b := decodeOrder(t, first), decodeOrder(t, second)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, int64(8), b.UserID)
	assert.Equal(t, 2, env.ledger.OrderCount())
	assert.Equal(t, a.ID, env.idem.entries[idemEntry(7, "k-1")])
	assert.Equal(t, b.ID, env.idem.entries[idemEntry(8, "k-1")])
}

func TestCheckout_InFlightKeyIsRejected(t *testing.T) {
	env := newEnv(t)
	env.seedCart(7, 5)
	env.idem.entries[idemEntry(7, "k-1")] = 0

	rec := env.do(http.MethodPost, "/checkout", checkoutBody(7), "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DuplicateRequest", decode(t, rec).Kind)
	assert.Equal(t, 0, env.ledger.OrderCount())
}

func TestCheckout_FailureReleasesKey(t *testing.T) {
	env := newEnv(t)
	env.seedCart(7, 1)

	rec := env.do(http.MethodPost, "/checkout", checkoutBody(7), "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	assert.False(t, body.Success)
	assert.Equal(t, "InsufficientStock", body.Kind)
	assert.JSONEq(t, `{"productId":1,"requested":2,"available":1}`, string(body.Data))

	_, held := env.idem.entries[idemEntry(7, "k-1")]
	assert.False(t, held)
}

func TestCheckout_IdempotencyStoreDownStillCreates(t *testing.T) {
	env := newEnv(t)
	env.seedCart(7, 5)
	env.idem.claimErr = assert.AnError

	rec := env.do(http.MethodPost, "/checkout", checkoutBody(7), "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCheckout_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*testEnv)
		body   any
		status int
		kind   string
	}{
		{name: "no cart", setup: func(*testEnv) {}, body: checkoutBody(7), status: http.StatusNotFound, kind: "NotFound"},
		{name: "empty cart", setup: func(e *testEnv) { e.ledger.SeedCart(7) }, body: checkoutBody(7), status: http.StatusUnprocessableEntity, kind: "EmptyCart"},
		{name: "missing address", setup: func(*testEnv) {}, body: map[string]any{"userId": 7, "paymentMethod": "card"}, status: http.StatusBadRequest, kind: "ValidationError"},
		{name: "bad json", setup: func(*testEnv) {}, body: "nope", status: http.StatusBadRequest, kind: "ValidationError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			tt.setup(env)
			rec := env.do(http.MethodPost, "/checkout", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, decode(t, rec).Kind)
		})
	}
}

func TestPaymentIntent(t *testing.T) {
	env := newEnv(t)
	o := env.seedOrder()

	rec := env.do(http.MethodPost, "/checkout/payment-intent", map[string]any{"orderId": o.ID, "email": "a@b.c"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pi PaymentIntentResp
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &pi))
	assert.Equal(t, "abc", pi.ClientSecret)
	assert.Equal(t, "ORDER-1", pi.PaymentIntentID)
	assert.Equal(t, "initialized", pi.Status)
	assert.Equal(t, "https://checkout.example/abc", pi.AuthorizationURL)
	assert.True(t, decimal.RequireFromString("25.00").Equal(pi.Amount))

	env.gw.initErr = payment.ErrPaymentServiceUnavailable
	rec = env.do(http.MethodPost, "/checkout/payment-intent", map[string]any{"orderId": o.ID})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "PaymentServiceUnavailable", decode(t, rec).Kind)
}

func TestVerifyPayment(t *testing.T) {
	env := newEnv(t)

	rec := env.do(http.MethodPost, "/checkout/verify-payment?reference=ORDER-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reference":"ORDER-1","verified":true}`, string(decode(t, rec).Data))

	rec = env.do(http.MethodPost, "/checkout/verify-payment", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaystackCallback_Redirects(t *testing.T) {
	env := newEnv(t)

	rec := env.do(http.MethodGet, "/checkout/paystack/callback?reference=ORDER-1", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://shop.example/payment-success?reference=ORDER-1", rec.Header().Get("Location"))

	env.gw.verifyOK = false
	rec = env.do(http.MethodGet, "/checkout/paystack/callback?trxref=ORDER-2", nil)
	assert.Equal(t, "https://shop.example/payment-failed?reference=ORDER-2", rec.Header().Get("Location"))

	env.gw.verifyErr = payment.ErrPaymentVerificationUndetermined
	rec = env.do(http.MethodGet, "/checkout/paystack/callback?reference=ORDER-3", nil)
	assert.Equal(t, "https://shop.example/payment-failed?reference=ORDER-3", rec.Header().Get("Location"))
}

func TestConfirmPayment(t *testing.T) {
	env := newEnv(t)
	o := env.seedOrder()

	rec := env.do(http.MethodPost, "/checkout/confirm-payment/1?reference=ORDER-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeOrder(t, rec)
	assert.Equal(t, orders.StatusConfirmed, got.Status)
	assert.Equal(t, orders.PaymentCompleted, got.PaymentStatus)
	assert.Equal(t, "ORDER-1", got.PaymentReference)

	st, _ := env.cache.Get(context.Background(), o.ID)
	require.NotNil(t, st)
	assert.Equal(t, "COMPLETED", st.PaymentStatus)
	assert.Equal(t, got.Version, st.Version)
}

func TestConfirmPayment_DeclinedIsNotSuccess(t *testing.T) {
	env := newEnv(t)
	o := env.seedOrder()
	env.gw.verifyOK = false

	rec := env.do(http.MethodPost, "/checkout/confirm-payment/1?reference=ORDER-1", nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decode(t, rec)
	assert.False(t, body.Success)
	assert.Equal(t, "payment failed", body.Message)
	assert.Equal(t, "PaymentDeclined", body.Kind)

	var got orderResponse
	require.NoError(t, json.Unmarshal(body.Data, &got))
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, orders.PaymentFailed, got.PaymentStatus)
	assert.Equal(t, orders.StatusPending, got.Status)

	st, _ := env.cache.Get(context.Background(), o.ID)
	require.NotNil(t, st)
	assert.Equal(t, "FAILED", st.PaymentStatus)
}

func TestConfirmPayment_Undetermined(t *testing.T) {
	env := newEnv(t)
	env.seedOrder()
	env.gw.verifyErr = payment.ErrPaymentVerificationUndetermined

	rec := env.do(http.MethodPost, "/checkout/confirm-payment/1?reference=ORDER-1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "PaymentVerificationUndetermined", decode(t, rec).Kind)

	stored, _ := env.ledger.Order(1)
	assert.Equal(t, orders.PaymentPending, stored.PaymentStatus)
}

func TestOrderLookups(t *testing.T) {
	env := newEnv(t)
	o := env.seedOrder()

	rec := env.do(http.MethodGet, "/orders/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, o.OrderNumber, decodeOrder(t, rec).OrderNumber)

	rec = env.do(http.MethodGet, "/orders/number/"+o.OrderNumber, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, o.ID, decodeOrder(t, rec).ID)

	rec = env.do(http.MethodGet, "/orders/user/7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []orderResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &list))
	assert.Len(t, list, 1)

	rec = env.do(http.MethodGet, "/orders/99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NotFound", decode(t, rec).Kind)

	rec = env.do(http.MethodGet, "/orders/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrderStatus_CacheThenFallback(t *testing.T) {
	env := newEnv(t)
	o := env.seedOrder()

	rec := env.do(http.MethodGet, "/orders/1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, 1, env.cache.sets)

	env.cache.byID[o.ID] = redisx.OrderStatus{OrderID: o.ID, Status: "CONFIRMED", PaymentStatus: "COMPLETED", Version: 2}
	rec = env.do(http.MethodGet, "/orders/1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	var st redisx.OrderStatus
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &st))
	assert.Equal(t, "CONFIRMED", st.Status)
}

func TestAdmin_RequiresAdminRole(t *testing.T) {
	env := newEnv(t)
	env.seedOrder()

	rec := env.do(http.MethodGet, "/admin/orders", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/admin/orders", nil, "Authorization", adminToken(t, "CUSTOMER"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/admin/orders", nil, "Authorization", adminToken(t, "ADMIN"))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []orderResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &list))
	assert.Len(t, list, 1)
}

func TestAdmin_UpdateStatusAndCancel(t *testing.T) {
	env := newEnv(t)
	env.seedOrder()
	tok := adminToken(t, "ADMIN")

	rec := env.do(http.MethodPatch, "/admin/orders/1/status?status=shipped", nil, "Authorization", tok)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "InvalidStateTransition", decode(t, rec).Kind)

	rec = env.do(http.MethodPatch, "/admin/orders/1/status?status=bogus", nil, "Authorization", tok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPatch, "/admin/orders/1/status?status=confirmed", nil, "Authorization", tok)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, orders.StatusConfirmed, decodeOrder(t, rec).Status)

	rec = env.do(http.MethodPost, "/admin/orders/1/cancel", nil, "Authorization", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orders.StatusCancelled, decodeOrder(t, rec).Status)

	st, _ := env.cache.Get(context.Background(), 1)
	require.NotNil(t, st)
	assert.Equal(t, "CANCELLED", st.Status)
}

func TestMetricsAndHealth(t *testing.T) {
	env := newEnv(t)
	env.seedOrder()

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil).Code)
	env.do(http.MethodGet, "/orders/1", nil)

	rec := env.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `handler="GET /orders/{id}"`), rec.Body.String())
}

func TestRequestLogger_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	h := requestLogger(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, buf.String(), "panic recovered")
	assert.Contains(t, rec.Body.String(), "InternalError")
}

package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/payment"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Gateway is the part of payment.Client the orchestrator needs.
type Gateway interface {
	Initialize(ctx context.Context, req payment.InitializeRequest) (*payment.Session, error)
	Verify(ctx context.Context, reference string) (payment.Verification, error)
}

// Service turns carts into orders and reconciles payment results onto them.
type Service struct {
	ledger   orders.Ledger
	gateway  Gateway
	log      zerolog.Logger
	now      func() time.Time
	producer string
	currency string

	maxUpdateAttempts int
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option         { return func(s *Service) { s.log = l } }
func WithClock(now func() time.Time) Option      { return func(s *Service) { s.now = now } }
func WithProducerName(name string) Option        { return func(s *Service) { s.producer = name } }
func WithDefaultCurrency(currency string) Option { return func(s *Service) { s.currency = currency } }

func NewService(ledger orders.Ledger, gateway Gateway, opts ...Option) *Service {
	s := &Service{
		ledger:            ledger,
		gateway:           gateway,
		log:               zerolog.Nop(),
		now:               func() time.Time { return time.Now().UTC() },
		producer:          "checkout-api",
		currency:          "NGN",
		maxUpdateAttempts: 3,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type CreateOrderInput struct {
	UserID          int64
	ShippingAddress string
	PaymentMethod   string
}

func (in CreateOrderInput) validate() error {
	var problems []string
	if in.UserID <= 0 {
		problems = append(problems, "user id is required")
	}
	if strings.TrimSpace(in.ShippingAddress) == "" {
		problems = append(problems, "shipping address is required")
	}
	if strings.TrimSpace(in.PaymentMethod) == "" {
		problems = append(problems, "payment method is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", orders.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// CreateOrder converts the user's cart into a PENDING order. Reading the
// cart, checking and reserving stock, saving the order and clearing the cart
// commit together or not at all. Failures are never retried here.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*orders.Order, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.now()

	var created *orders.Order
	err := s.ledger.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		lines, err := tx.CartLines(ctx, in.UserID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return orders.ErrEmptyCart
		}

		// same product may sit on several lines
		required := make(map[int64]int, len(lines))
		ids := make([]int64, 0, len(lines))
		for _, l := range lines {
			if l.Quantity <= 0 {
				return fmt.Errorf("%w: cart line %d has quantity %d", orders.ErrValidation, l.ID, l.Quantity)
			}
			if _, seen := required[l.ProductID]; !seen {
				ids = append(ids, l.ProductID)
			}
			required[l.ProductID] += l.Quantity
		}

		products, err := tx.LockProducts(ctx, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			p, ok := products[id]
			if !ok {
				return fmt.Errorf("%w: %d", orders.ErrProductNotFound, id)
			}
			if p.Stock < required[id] {
				return &orders.InsufficientStockError{ProductID: id, Requested: required[id], Available: p.Stock}
			}
		}

		o := &orders.Order{
			OrderNumber:     orders.NewOrderNumber(now),
			UserID:          in.UserID,
			ShippingAddress: strings.TrimSpace(in.ShippingAddress),
			PaymentMethod:   strings.TrimSpace(in.PaymentMethod),
			Status:          orders.StatusPending,
			PaymentStatus:   orders.PaymentPending,
			CreatedAt:       now,
			UpdatedAt:       now,
			Items:           make([]orders.OrderItem, 0, len(lines)),
		}
		for _, l := range lines {
			o.Items = append(o.Items, orders.OrderItem{
				ProductID:   l.ProductID,
				ProductName: products[l.ProductID].Name,
				Quantity:    l.Quantity,
				Price:       l.Price, // harga dari cart, bukan harga katalog terkini
			})
		}
		o.TotalAmount = orders.SumItems(o.Items)

		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}
		for _, id := range ids {
			if err := tx.ReserveStock(ctx, id, required[id]); err != nil {
				return err
			}
		}
		if err := tx.ClearCart(ctx, in.UserID); err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, orders.TopicOrderCreated, orders.EventOrderCreated, o.ID, orders.CreatedPayload(o)); err != nil {
			return err
		}
		created = o
		return nil
	})
	if err != nil {
		s.logFailure(err, "create order", in.UserID, 0)
		return nil, err
	}

	s.log.Info().
		Int64("order_id", created.ID).
		Str("order_number", created.OrderNumber).
		Int64("user_id", created.UserID).
		Str("total", created.TotalAmount.StringFixed(2)).
		Int("items", len(created.Items)).
		Msg("order created")
	return created, nil
}

// ConfirmPayment verifies reference with the gateway and records the
// outcome. An undetermined verification leaves the order untouched.
// Confirming an already paid order with the same reference is a no-op.
// An order bound to a reference accepts no other, and a successful
// transaction must be for exactly the order total.
func (s *Service) ConfirmPayment(ctx context.Context, orderID int64, reference string) (*orders.Order, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: payment reference is required", orders.ErrValidation)
	}
	o, err := s.ledger.FindOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus == orders.PaymentCompleted && o.Reference() == reference {
		return o, nil
	}
	if cur := o.Reference(); cur != "" && cur != reference {
		return nil, fmt.Errorf("%w: order %d is bound to payment reference %s", orders.ErrInvalidStateTransition, o.ID, cur)
	}

	v, err := s.gateway.Verify(ctx, reference)
	if err != nil {
		if !errors.Is(err, payment.ErrPaymentVerificationUndetermined) {
			err = fmt.Errorf("%w: %w", payment.ErrPaymentVerificationUndetermined, err)
		}
		s.log.Warn().Err(err).Int64("order_id", orderID).Str("reference", reference).Msg("payment confirmation deferred")
		return nil, err
	}

	target, topic, event := orders.PaymentFailed, orders.TopicPaymentFailed, orders.EventPaymentFailed
	if v.Paid {
		if err := matchPayment(o, reference, v); err != nil {
			s.log.Error().Err(err).Int64("order_id", orderID).Str("reference", reference).Int64("paid_amount", v.Amount).Msg("verified payment does not match order")
			return nil, err
		}
		target, topic, event = orders.PaymentCompleted, orders.TopicPaymentCompleted, orders.EventPaymentCompleted
	}
	updated, err := s.mutate(ctx, o, topic, event, func(o *orders.Order, now time.Time) (bool, error) {
		return o.ApplyPayment(target, reference, now)
	})
	if err != nil {
		s.logFailure(err, "confirm payment", 0, orderID)
		return nil, err
	}
	if updated.Status == orders.StatusCancelled && updated.PaymentStatus == orders.PaymentCompleted {
		s.log.Warn().Int64("order_id", updated.ID).Str("reference", reference).Msg("payment completed on a cancelled order, refund required")
	}
	s.log.Info().
		Int64("order_id", updated.ID).
		Str("reference", reference).
		Str("status", string(updated.Status)).
		Str("payment_status", string(updated.PaymentStatus)).
		Msg("payment reconciled")
	return updated, nil
}

// matchPayment refuses a successful transaction that was made for another
// reference or for a different amount than the order total.
func matchPayment(o *orders.Order, reference string, v payment.Verification) error {
	if v.Reference != "" && v.Reference != reference {
		return fmt.Errorf("%w: gateway verified %s, not %s", orders.ErrInvalidStateTransition, v.Reference, reference)
	}
	if want := payment.MinorUnits(o.TotalAmount); v.Amount != want {
		return fmt.Errorf("%w: paid amount %d does not match order %d total %d", orders.ErrInvalidStateTransition, v.Amount, o.ID, want)
	}
	return nil
}

// CancelOrder cancels an order that has not shipped. Stock is not returned.
func (s *Service) CancelOrder(ctx context.Context, orderID int64) (*orders.Order, error) {
	o, err := s.ledger.FindOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	updated, err := s.mutate(ctx, o, orders.TopicOrderCancelled, orders.EventOrderCancelled, func(o *orders.Order, now time.Time) (bool, error) {
		return o.Cancel(now)
	})
	if err != nil {
		s.logFailure(err, "cancel order", 0, orderID)
		return nil, err
	}
	s.log.Info().Int64("order_id", updated.ID).Msg("order cancelled")
	return updated, nil
}

// UpdateStatus moves an order along its fulfilment lifecycle (admin).
func (s *Service) UpdateStatus(ctx context.Context, orderID int64, status orders.Status) (*orders.Order, error) {
	if status == orders.StatusCancelled {
		return s.CancelOrder(ctx, orderID)
	}
	o, err := s.ledger.FindOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	updated, err := s.mutate(ctx, o, orders.TopicOrderStatusChange, orders.EventOrderStatusChanged, func(o *orders.Order, now time.Time) (bool, error) {
		return o.TransitionTo(status, now)
	})
	if err != nil {
		s.logFailure(err, "update status", 0, orderID)
		return nil, err
	}
	return updated, nil
}

// mutate applies fn and persists the result with a version check. When
// another writer got there first the order is reloaded and fn re-evaluated
// against the committed state.
func (s *Service) mutate(ctx context.Context, o *orders.Order, topic, eventType string, fn func(o *orders.Order, now time.Time) (bool, error)) (*orders.Order, error) {
	for attempt := 1; ; attempt++ {
		changed, err := fn(o, s.now())
		if err != nil {
			return nil, err
		}
		if !changed {
			return o, nil
		}

		err = s.ledger.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return err
			}
			if topic == "" {
				return nil
			}
			return s.enqueue(ctx, tx, topic, eventType, o.ID, orders.StatePayload(o))
		})
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, orders.ErrConcurrentUpdate) || attempt >= s.maxUpdateAttempts {
			return nil, err
		}
		s.log.Debug().Int64("order_id", o.ID).Int("attempt", attempt).Msg("order changed underneath, reloading")
		if o, err = s.ledger.FindOrder(ctx, o.ID); err != nil {
			return nil, err
		}
	}
}

func (s *Service) enqueue(ctx context.Context, tx orders.Tx, topic, eventType string, orderID int64, payload any) error {
	ev, err := orders.NewEnvelope(eventType, s.producer, orderID, payload, s.now())
	if err != nil {
		return err
	}
	return tx.Enqueue(ctx, topic, ev)
}

type PaymentIntentInput struct {
	OrderID     int64           // optional; amount is taken from the order
	Amount      decimal.Decimal // used when OrderID is zero
	Currency    string
	Email       string
	CallbackURL string
}

type PaymentIntent struct {
	payment.Session
	OrderID  int64           `json:"orderId,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// InitializePayment opens a gateway payment session. With an order id the
// amount is the order total and the reference is recorded on the order.
func (s *Service) InitializePayment(ctx context.Context, in PaymentIntentInput) (*PaymentIntent, error) {
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.currency
	}

	var o *orders.Order
	amount := in.Amount
	if in.OrderID > 0 {
		var err error
		if o, err = s.ledger.FindOrder(ctx, in.OrderID); err != nil {
			return nil, err
		}
		if o.PaymentStatus == orders.PaymentCompleted {
			return nil, fmt.Errorf("%w: order %d is already paid", orders.ErrInvalidStateTransition, o.ID)
		}
		if o.Status == orders.StatusCancelled {
			return nil, fmt.Errorf("%w: order %d is cancelled", orders.ErrInvalidStateTransition, o.ID)
		}
		amount = o.TotalAmount
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", orders.ErrValidation)
	}

	session, err := s.gateway.Initialize(ctx, payment.InitializeRequest{
		Amount:      amount,
		Currency:    currency,
		Email:       strings.TrimSpace(in.Email),
		CallbackURL: strings.TrimSpace(in.CallbackURL),
	})
	if err != nil {
		return nil, err
	}

	if o != nil {
		if _, err := s.mutate(ctx, o, "", "", func(o *orders.Order, now time.Time) (bool, error) {
			return o.AttachReference(session.Reference, now)
		}); err != nil {
			// session is usable; the reference is recorded again on confirm
			s.log.Warn().Err(err).Int64("order_id", o.ID).Str("reference", session.Reference).Msg("could not record payment reference")
		}
	}
	return &PaymentIntent{Session: *session, OrderID: in.OrderID, Amount: amount, Currency: currency}, nil
}

// VerifyPayment is the raw gateway check, without touching any order.
func (s *Service) VerifyPayment(ctx context.Context, reference string) (bool, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return false, fmt.Errorf("%w: payment reference is required", orders.ErrValidation)
	}
	v, err := s.gateway.Verify(ctx, reference)
	return v.Paid, err
}

func (s *Service) GetOrder(ctx context.Context, id int64) (*orders.Order, error) {
	return s.ledger.FindOrder(ctx, id)
}

func (s *Service) GetOrderByNumber(ctx context.Context, number string) (*orders.Order, error) {
	return s.ledger.FindOrderByNumber(ctx, strings.TrimSpace(number))
}

func (s *Service) ListUserOrders(ctx context.Context, userID int64) ([]orders.Order, error) {
	return s.ledger.ListOrdersByUser(ctx, userID)
}

func (s *Service) ListOrders(ctx context.Context) ([]orders.Order, error) {
	return s.ledger.ListOrders(ctx)
}

func (s *Service) logFailure(err error, op string, userID, orderID int64) {
	ev := s.log.Error()
	if isBusinessError(err) {
		ev = s.log.Warn()
	}
	if userID != 0 {
		ev = ev.Int64("user_id", userID)
	}
	if orderID != 0 {
		ev = ev.Int64("order_id", orderID)
	}
	ev.Err(err).Str("op", op).Msg("checkout operation failed")
}

func isBusinessError(err error) bool {
	for _, target := range []error{
		orders.ErrValidation, orders.ErrOrderNotFound, orders.ErrCartNotFound, orders.ErrEmptyCart,
		orders.ErrProductNotFound, orders.ErrInsufficientStock, orders.ErrInvalidStateTransition,
		orders.ErrConcurrentUpdate,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID    int64
	Name  string
	Price decimal.Decimal
	Stock int
}

// CartLine is a line of a user's cart. Price is the unit price captured when
// the product was added, not the live catalog price.
type CartLine struct {
	ID        int64
	ProductID int64
	Quantity  int
	Price     decimal.Decimal
}

func (l CartLine) Subtotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Order struct {
	ID               int64
	OrderNumber      string
	UserID           int64
	TotalAmount      decimal.Decimal // fixed at creation
	ShippingAddress  string
	PaymentMethod    string
	Status           Status        // lihat status.go
	PaymentStatus    PaymentStatus // lihat status.go
	PaymentReference *string
	Version          int
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Items            []OrderItem
}

// OrderItem is an immutable snapshot of a cart line at order time.
type OrderItem struct {
	ID          int64
	OrderID     int64
	ProductID   int64
	ProductName string
	Quantity    int
	Price       decimal.Decimal
}

func (it OrderItem) Subtotal() decimal.Decimal {
	return it.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

// Reference returns the recorded gateway reference or "".
func (o *Order) Reference() string {
	if o.PaymentReference == nil {
		return ""
	}
	return *o.PaymentReference
}

// Clone returns a deep copy, items included.
func (o *Order) Clone() *Order {
	c := *o
	if o.PaymentReference != nil {
		ref := *o.PaymentReference
		c.PaymentReference = &ref
	}
	if o.Items != nil {
		c.Items = make([]OrderItem, len(o.Items))
		copy(c.Items, o.Items)
	}
	return &c
}

// SumItems is Σ(price × quantity) over items.
func SumItems(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	return total
}

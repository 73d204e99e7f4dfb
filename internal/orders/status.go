package orders

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// Forward lifecycle. CANCELLED is handled by the cancel guard, not this table.
var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusConfirmed: true},
	StatusConfirmed:  {StatusProcessing: true},
	StatusProcessing: {StatusShipped: true},
	StatusShipped:    {StatusDelivered: true},
	StatusDelivered:  {},
	StatusCancelled:  {},
}

// FAILED -> COMPLETED is allowed: a later successful verification re-opens
// confirmation. COMPLETED is terminal.
var validPaymentNext = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentPending:   {PaymentCompleted: true, PaymentFailed: true},
	PaymentFailed:    {PaymentCompleted: true},
	PaymentCompleted: {},
}

func CanTransition(from, to Status) bool {
	if to == StatusCancelled {
		return CanCancel(from)
	}
	return validNext[from][to]
}

// CanCancel reports whether an order in status s may be cancelled.
// Cancelling an already cancelled order is allowed and changes nothing.
func CanCancel(s Status) bool {
	switch s {
	case StatusShipped, StatusDelivered:
		return false
	}
	_, known := validNext[s]
	return known
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	return validPaymentNext[from][to]
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := validNext[st]; !ok {
		return "", fmt.Errorf("%w: unknown order status %q", ErrValidation, s)
	}
	return st, nil
}

// TransitionTo moves the order one step along its lifecycle. Setting the
// current status again is a no-op; it reports whether anything changed.
func (o *Order) TransitionTo(target Status, now time.Time) (bool, error) {
	if o.Status == target {
		return false, nil
	}
	if target == StatusCancelled {
		return o.Cancel(now)
	}
	if !CanTransition(o.Status, target) {
		return false, fmt.Errorf("%w: cannot move order %d from %s to %s", ErrInvalidStateTransition, o.ID, o.Status, target)
	}
	o.Status = target
	o.UpdatedAt = now
	return true, nil
}

// Cancel sets CANCELLED and leaves the payment status alone. Shipped and
// delivered orders cannot be cancelled.
func (o *Order) Cancel(now time.Time) (bool, error) {
	if !CanCancel(o.Status) {
		return false, fmt.Errorf("%w: cannot cancel order %d in status %s", ErrInvalidStateTransition, o.ID, o.Status)
	}
	if o.Status == StatusCancelled {
		return false, nil
	}
	o.Status = StatusCancelled
	o.UpdatedAt = now
	return true, nil
}

// AttachReference records the gateway reference of a freshly initialized
// payment. Paid orders keep the reference they were paid with.
func (o *Order) AttachReference(reference string, now time.Time) (bool, error) {
	if o.PaymentStatus == PaymentCompleted {
		return false, fmt.Errorf("%w: order %d is already paid", ErrInvalidStateTransition, o.ID)
	}
	if o.Reference() == reference {
		return false, nil
	}
	ref := reference
	o.PaymentReference = &ref
	o.UpdatedAt = now
	return true, nil
}

// ApplyPayment records a definitive payment outcome. COMPLETED also forces
// the order status to CONFIRMED in the same step, except on a cancelled
// order which stays cancelled. An order bound to a reference only accepts
// outcomes for that reference. It reports whether the order changed.
func (o *Order) ApplyPayment(ps PaymentStatus, reference string, now time.Time) (bool, error) {
	if cur := o.Reference(); cur != "" && cur != reference {
		return false, fmt.Errorf("%w: order %d is bound to payment reference %s", ErrInvalidStateTransition, o.ID, cur)
	}
	if o.PaymentStatus == ps {
		return false, nil
	}
	if !CanTransitionPayment(o.PaymentStatus, ps) {
		return false, fmt.Errorf("%w: cannot move payment of order %d from %s to %s", ErrInvalidStateTransition, o.ID, o.PaymentStatus, ps)
	}
	o.PaymentStatus = ps
	if reference != "" {
		ref := reference
		o.PaymentReference = &ref
	}
	if ps == PaymentCompleted && o.Status != StatusCancelled {
		o.Status = StatusConfirmed
	}
	o.UpdatedAt = now
	return true, nil
}

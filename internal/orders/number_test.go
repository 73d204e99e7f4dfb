package orders

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestNewOrderNumber(t *testing.T) {
	now := time.UnixMilli(1767225600123)
	n := NewOrderNumber(now)

	assert.Regexp(t, `^ORD-1767225600123-[0-9A-F]{8}$`, n)
	assert.NotEqual(t, n, NewOrderNumber(now), "suffix must differ between calls")
}

func TestNewEnvelope(t *testing.T) {
	ref := "ORDER-9"
	o := &Order{
		ID: 42, OrderNumber: "ORD-1-ABCDEF12", Status: StatusConfirmed, PaymentStatus: PaymentCompleted,
		PaymentReference: &ref, Version: 3, UpdatedAt: t0,
	}

	ev, err := NewEnvelope(EventPaymentCompleted, "checkout-api", o.ID, StatePayload(o), t0)
	require.NoError(t, err)
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, 1, ev.EventVersion)
	assert.Equal(t, "42", ev.CorrelationID)

	var p OrderStatePayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, int64(42), p.OrderID)
	assert.Equal(t, StatusConfirmed, p.Status)
	assert.Equal(t, "ORDER-9", p.PaymentReference)
	assert.Equal(t, 3, p.Version)
}

func TestPartitionKey(t *testing.T) {
	assert.Equal(t, []byte(fmt.Sprint(42)), PartitionKey(42))
}

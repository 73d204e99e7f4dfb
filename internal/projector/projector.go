package projector

import (
	"context"
	"fmt"

	kafkax "github.com/ariefcatur/go-storefront-checkout/internal/kafka"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
)

type Cache interface {
	Set(ctx context.Context, st redisx.OrderStatus) (bool, error)
}

type Deduper interface {
	MarkOnce(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

type Observer interface {
	ObserveEvent(eventType, result string)
}

type nopObserver struct{}

func (nopObserver) ObserveEvent(string, string) {}

// Service keeps the Redis order-status read model in step with order events.
type Service struct {
	Cache Cache
	Dedup Deduper
	Log   zerolog.Logger
	Obs   Observer
}

// HandleOrderEvent: dipasang sebagai handler consumer.
func (s *Service) HandleOrderEvent(ctx context.Context, m kafkago.Message) error {
	obs := s.Obs
	if obs == nil {
		obs = nopObserver{}
	}

	// 1) decode envelope
	var env orders.Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		// pesan rusak tidak akan pernah sukses; commit saja
		s.Log.Error().Err(err).Str("topic", m.Topic).Int64("offset", m.Offset).Msg("undecodable event dropped")
		obs.ObserveEvent("unknown", "invalid")
		return nil
	}

	st, ok, err := statusFrom(env)
	if err != nil {
		s.Log.Error().Err(err).Str("event_id", env.EventID).Str("event_type", env.EventType).Msg("undecodable payload dropped")
		obs.ObserveEvent(env.EventType, "invalid")
		return nil
	}
	if !ok {
		obs.ObserveEvent(env.EventType, "ignored")
		return nil
	}

	// 2) dedup via Redis (pakai event_id)
	first, err := s.Dedup.MarkOnce(ctx, env.EventID)
	if err != nil {
		return err
	}
	if !first {
		obs.ObserveEvent(env.EventType, "duplicate")
		return nil
	}

	// 3) update read model
	written, err := s.Cache.Set(ctx, st)
	if err != nil {
		_ = s.Dedup.Forget(ctx, env.EventID)
		obs.ObserveEvent(env.EventType, "error")
		return fmt.Errorf("project %s: %w", env.EventID, err)
	}
	result := "applied"
	if !written {
		result = "stale"
	}
	obs.ObserveEvent(env.EventType, result)
	s.Log.Debug().
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Int64("order_id", st.OrderID).
		Int("version", st.Version).
		Str("result", result).
		Msg("order status projected")
	return nil
}

// statusFrom maps an envelope to the cached status. ok is false for event
// types the projector does not track.
func statusFrom(env orders.Envelope) (redisx.OrderStatus, bool, error) {
	switch env.EventType {
	case orders.EventOrderCreated:
		p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
		if err != nil {
			return redisx.OrderStatus{}, false, err
		}
		return redisx.OrderStatus{
			OrderID:       p.OrderID,
			OrderNumber:   p.OrderNumber,
			Status:        string(orders.StatusPending),
			PaymentStatus: string(orders.PaymentPending),
			Version:       1,
			UpdatedAt:     env.OccurredAt,
		}, true, nil

	case orders.EventPaymentCompleted, orders.EventPaymentFailed, orders.EventOrderCancelled, orders.EventOrderStatusChanged:
		p, err := kafkax.UnwrapPayload[orders.OrderStatePayload](env.Payload)
		if err != nil {
			return redisx.OrderStatus{}, false, err
		}
		return StatusFromOrderState(p), true, nil
	}
	return redisx.OrderStatus{}, false, nil
}

func StatusFromOrderState(p orders.OrderStatePayload) redisx.OrderStatus {
	return redisx.OrderStatus{
		OrderID:       p.OrderID,
		OrderNumber:   p.OrderNumber,
		Status:        string(p.Status),
		PaymentStatus: string(p.PaymentStatus),
		Version:       p.Version,
		UpdatedAt:     p.UpdatedAt,
	}
}

package orders

import "strconv"

const (
	TopicOrderCreated      = "order.created"
	TopicPaymentCompleted  = "order.payment.completed"
	TopicPaymentFailed     = "order.payment.failed"
	TopicOrderCancelled    = "order.cancelled"
	TopicOrderStatusChange = "order.status.changed"
)

// AllTopics is what the status projector subscribes to.
var AllTopics = []string{
	TopicOrderCreated,
	TopicPaymentCompleted,
	TopicPaymentFailed,
	TopicOrderCancelled,
	TopicOrderStatusChange,
}

// Partition key = order id, supaya semua event 1 order maintain urutan.
func PartitionKey(orderID int64) []byte { return []byte(strconv.FormatInt(orderID, 10)) }

package payment

import "strconv"

const (
	TopicPaymentSettled = "payment.settled"
)

// Partition key = order_id so all events for one order keep their order.
func PartitionKey(orderID int64) []byte { return []byte(strconv.FormatInt(orderID, 10)) }

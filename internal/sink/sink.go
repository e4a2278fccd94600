// Package sink defines where published readings go. A [Sink] is a
// strategy injected into the polling loop: the loop prepares it once,
// publishes each forwarded reading, and tears it down on exit.
package sink

import (
	"context"

	"github.com/nugget/ohmpub/internal/sensor"
)

// QoS is a delivery guarantee level. Sinks without a notion of delivery
// guarantees ignore it.
type QoS byte

const (
	// AtMostOnce is the default for data readings.
	AtMostOnce QoS = 0
	// AtLeastOnce is used for discovery configs.
	AtLeastOnce QoS = 1
)

// Message is one unit of delivery. Reading is set for data messages and
// nil for control messages such as discovery configs, which only
// message-oriented sinks understand.
type Message struct {
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool
	Reading *sensor.Reading
}

// Sink delivers messages.
type Sink interface {
	// Prepare readies the sink before the first poll. A failure here
	// is fatal.
	Prepare(ctx context.Context) error
	// Publish delivers one message. Failures are transient: the caller
	// logs them and keeps polling.
	Publish(ctx context.Context, msg Message) error
	// Teardown releases resources after the last poll.
	Teardown(ctx context.Context) error
}

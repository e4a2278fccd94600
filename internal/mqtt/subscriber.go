package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// statusBuffer is how many status messages may queue up between two
// polling iterations.
const statusBuffer = 16

// receive handles one inbound publish. Only the status topic is of
// interest; everything else is logged and ignored. Accepted payloads are
// copied and queued for the polling loop without blocking the Paho
// callback goroutine.
func (t *Transport) receive(topic string, payload []byte) {
	if topic != t.opts.StatusTopic {
		t.logger.Debug("mqtt message on unexpected topic ignored",
			"topic", topic, "payload_size", len(payload))
		return
	}
	if !t.limiter.allow() {
		return
	}

	msg := append([]byte(nil), payload...)
	select {
	case t.status <- msg:
		t.logger.Debug("mqtt status message received",
			"topic", topic, "payload", string(truncate(msg, 64)))
	default:
		t.logger.Warn("mqtt status message dropped, queue full",
			"topic", topic, "queued", len(t.status))
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	for n > 0 && !utf8.RuneStart(b[n]) {
		n--
	}
	return b[:n]
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval. A limit of zero or less disables limiting.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop until ctx is cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

// reset zeroes the window and reports drops from the one just ended.
func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	dropped := r.dropped.Swap(0)
	if dropped > 0 {
		r.logger.Warn("mqtt messages dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

// allow counts a message and reports whether it is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if r.limit <= 0 || n <= r.limit {
		return true
	}
	r.dropped.Add(1)
	return false
}

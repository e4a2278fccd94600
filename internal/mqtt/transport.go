package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/ohmpub/internal/config"
	"github.com/nugget/ohmpub/internal/sink"
)

// Availability payloads.
const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// initialConnectTimeout bounds how long Prepare waits for the first
// connection before leaving autopaho to retry in the background.
const initialConnectTimeout = 30 * time.Second

// connection is the subset of [autopaho.ConnectionManager] the transport
// uses.
type connection interface {
	AwaitConnection(ctx context.Context) error
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
	Disconnect(ctx context.Context) error
}

type dialFunc func(ctx context.Context, cfg autopaho.ClientConfig) (connection, error)

func dialAutopaho(ctx context.Context, cfg autopaho.ClientConfig) (connection, error) {
	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return cm, nil
}

// Options configures a [Transport].
type Options struct {
	Config   config.MQTTConfig
	ClientID string
	// StatusTopic is subscribed on every (re-)connect. Empty disables
	// the subscription.
	StatusTopic string
	// AvailabilityTopic receives retained online/offline messages and
	// the will. Empty disables availability.
	AvailabilityTopic string
	Logger            *slog.Logger
}

// Transport is a [sink.Sink] that publishes to an MQTT broker.
type Transport struct {
	opts    Options
	broker  *url.URL
	logger  *slog.Logger
	limiter *messageRateLimiter
	status  chan []byte
	dial    dialFunc

	mu     sync.Mutex
	conn   connection
	cancel context.CancelFunc

	connected     atomic.Bool
	everConnected atomic.Bool
}

var _ sink.Sink = (*Transport)(nil)

// New validates the broker settings and returns an unconnected
// transport. Call [Transport.Prepare] to connect.
func New(opts Options) (*Transport, error) {
	broker, err := opts.Config.BrokerURL()
	if err != nil {
		return nil, err
	}
	if opts.ClientID == "" {
		return nil, errors.New("mqtt client id must be supplied")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")

	return &Transport{
		opts:    opts,
		broker:  broker,
		logger:  logger,
		limiter: newMessageRateLimiter(int64(opts.Config.InboundRateLimit), time.Minute, logger),
		status:  make(chan []byte, statusBuffer),
		dial:    dialAutopaho,
	}, nil
}

// Status delivers raw payloads received on the status topic. The channel
// is never closed.
func (t *Transport) Status() <-chan []byte {
	return t.status
}

// Connected reports whether the broker connection is currently up.
func (t *Transport) Connected() bool {
	return t.connected.Load()
}

// Prepare starts the connection manager and waits a bounded time for the
// first connection. A broker that is not reachable yet is not an error:
// autopaho keeps retrying and [Transport.Publish] waits for it.
func (t *Transport) Prepare(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	// The connection outlives ctx so Teardown can still say goodbye
	// after a cancellation.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn, err := t.dial(connCtx, t.clientConfig(connCtx))
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	t.conn = conn
	t.cancel = cancel
	go t.limiter.start(connCtx)

	waitCtx, waitCancel := context.WithTimeout(ctx, initialConnectTimeout)
	defer waitCancel()
	if err := conn.AwaitConnection(waitCtx); err != nil {
		t.logger.Warn("mqtt initial connection timed out, will retry in background",
			"broker", t.broker.Redacted(), "error", err)
	}
	return nil
}

// EnsureConnected blocks until the broker connection is up or ctx ends.
// Nothing is buffered while waiting.
func (t *Transport) EnsureConnected(ctx context.Context) error {
	conn := t.connection()
	if conn == nil {
		return errors.New("mqtt transport not prepared")
	}
	if err := conn.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("await mqtt connection: %w", err)
	}
	return nil
}

// Publish waits for the connection and sends msg. Errors are logged at
// debug level and returned; the caller decides whether to continue.
func (t *Transport) Publish(ctx context.Context, msg sink.Message) error {
	if err := t.EnsureConnected(ctx); err != nil {
		return err
	}
	resp, err := t.connection().Publish(ctx, &paho.Publish{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		QoS:     byte(msg.QoS),
		Retain:  msg.Retain,
	})
	if err == nil && resp != nil && resp.ReasonCode >= 0x80 {
		err = fmt.Errorf("broker rejected publish with reason code %#x", resp.ReasonCode)
	}
	if err != nil {
		t.logger.Debug("mqtt publish failed",
			"topic", msg.Topic, "qos", msg.QoS, "error", err)
		return fmt.Errorf("mqtt publish %s: %w", msg.Topic, err)
	}
	t.logger.Log(ctx, config.LevelTrace, "mqtt published",
		"topic", msg.Topic, "qos", msg.QoS, "bytes", len(msg.Payload))
	return nil
}

// Teardown publishes "offline" to the availability topic when connected,
// then disconnects. ctx bounds both steps.
func (t *Transport) Teardown(ctx context.Context) error {
	t.mu.Lock()
	conn, cancel := t.conn, t.cancel
	t.conn, t.cancel = nil, nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	defer cancel()

	if t.connected.Load() {
		t.publishAvailability(ctx, conn, availabilityOffline)
	}
	t.connected.Store(false)
	if err := conn.Disconnect(ctx); err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	t.logger.Info("mqtt disconnected", "broker", t.broker.Redacted())
	return nil
}

func (t *Transport) connection() connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// clientConfig builds the autopaho configuration. Reconnection reuses it
// unchanged.
func (t *Transport) clientConfig(ctx context.Context) autopaho.ClientConfig {
	cfg := t.opts.Config
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{t.broker},
		KeepAlive:       uint16(cfg.KeepAliveSec),
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			t.onConnectionUp(ctx, cm)
		},
		OnConnectError: func(err error) {
			t.connected.Store(false)
			t.logger.Warn("mqtt connection error", "broker", t.broker.Redacted(), "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: t.opts.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					t.receive(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				t.connected.Store(false)
				t.logger.Warn("mqtt connection lost", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				t.connected.Store(false)
				t.logger.Warn("mqtt server disconnected", "reason_code", d.ReasonCode)
			},
		},
	}

	if t.opts.AvailabilityTopic != "" {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   t.opts.AvailabilityTopic,
			Payload: []byte(availabilityOffline),
			QoS:     1,
			Retain:  true,
		}
	}

	if config.UsesTLS(t.broker) {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !cfg.VerifyCert(), //nolint:gosec // opt-in for self-signed brokers
		}
	}

	return pahoCfg
}

// onConnectionUp runs on every successful (re-)connect.
func (t *Transport) onConnectionUp(ctx context.Context, conn connection) {
	t.connected.Store(true)
	if t.everConnected.Swap(true) {
		t.logger.Info("mqtt reconnected to broker", "broker", t.broker.Redacted())
	} else {
		t.logger.Info("mqtt connected to broker", "broker", t.broker.Redacted())
	}

	if t.opts.StatusTopic != "" {
		if _, err := conn.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{
				{Topic: t.opts.StatusTopic, QoS: 1},
			},
		}); err != nil {
			t.logger.Warn("mqtt subscribe failed", "topic", t.opts.StatusTopic, "error", err)
		} else {
			t.logger.Debug("mqtt subscribed", "topic", t.opts.StatusTopic)
		}
	}

	t.publishAvailability(ctx, conn, availabilityOnline)
}

func (t *Transport) publishAvailability(ctx context.Context, conn connection, status string) {
	if t.opts.AvailabilityTopic == "" {
		return
	}
	if _, err := conn.Publish(ctx, &paho.Publish{
		Topic:   t.opts.AvailabilityTopic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		t.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		t.logger.Info("mqtt availability published", "status", status)
	}
}

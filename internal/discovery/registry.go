// Package discovery tracks which sensors have been announced to a Home
// Assistant style auto-discovery consumer.
//
// A sensor is Unregistered until its first published reading, at which
// point a discovery config message is emitted and the sensor becomes
// Registered. When the consumer announces it came online it has
// forgotten every previous announcement, so the registry is cleared in
// full and every sensor is announced again on its next data point.
//
// The registry is owned by the polling loop. Status messages that arrive
// on transport callback goroutines must be handed to the loop (see
// [Registry.HandleStatus]) rather than applied directly.
package discovery

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/ohmpub/internal/sensor"
	"github.com/nugget/ohmpub/internal/topic"
)

// Well-known payloads on the status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ConsumerState is the last known state of the discovery consumer.
type ConsumerState int

const (
	ConsumerUnknown ConsumerState = iota
	ConsumerOnline
	ConsumerOffline
)

func (s ConsumerState) String() string {
	switch s {
	case ConsumerOnline:
		return "online"
	case ConsumerOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Action tells the polling loop how to react to a status message.
type Action int

const (
	// ActionNone requires nothing from the caller.
	ActionNone Action = iota
	// ActionReset means the registry was cleared.
	ActionReset
	// ActionQuit asks the polling loop to stop gracefully.
	ActionQuit
)

// Options configures a [Registry].
type Options struct {
	Enabled bool
	// Prefix is the discovery topic prefix, usually "homeassistant".
	Prefix  string
	Machine string
	// ExpireAfter is announced to the consumer as the time after which
	// a silent sensor is shown as unavailable. See [ExpireAfter].
	ExpireAfter time.Duration
	// AvailabilityTopic, when set, is referenced by every config.
	AvailabilityTopic string
	QuitWithConsumer  bool
	Logger            *slog.Logger
}

// Message is a discovery config ready to publish.
type Message struct {
	Topic    string
	Payload  []byte
	UniqueID string
}

// Registry is the discovery state machine.
type Registry struct {
	opts     Options
	device   DeviceInfo
	logger   *slog.Logger
	consumer ConsumerState
	epoch    int

	// announced maps a sensor's unique id to when its config was sent.
	announced map[string]time.Time
}

// ExpireAfter returns the expiry hint for discovery configs: the minimum
// publish interval plus four poll intervals, so a sensor is only shown
// as unavailable after several missed cycles.
func ExpireAfter(minInterval, pollInterval time.Duration) time.Duration {
	return minInterval + 4*pollInterval
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.Prefix == "" {
		opts.Prefix = "homeassistant"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opts:      opts,
		device:    NewDeviceInfo(opts.Machine),
		logger:    logger,
		announced: make(map[string]time.Time),
	}
}

// Enabled reports whether discovery messages are emitted at all.
func (r *Registry) Enabled() bool {
	return r.opts.Enabled
}

// StatusTopic is the topic carrying the consumer's online/offline
// status.
func (r *Registry) StatusTopic() string {
	return r.opts.Prefix + "/status"
}

// ConfigTopic returns the discovery topic for one sensor.
func (r *Registry) ConfigTopic(kind sensor.Kind, rawID string) string {
	return r.opts.Prefix + "/sensor/" + topic.NodeID(r.opts.Machine) + "/" + topic.ObjectID(kind, rawID) + "/config"
}

// Consumer returns the last known consumer state.
func (r *Registry) Consumer() ConsumerState {
	return r.consumer
}

// Epoch counts how many times the consumer has come online.
func (r *Registry) Epoch() int {
	return r.epoch
}

// Registered reports whether uniqueID was announced in the current
// epoch.
func (r *Registry) Registered(uniqueID string) bool {
	_, ok := r.announced[uniqueID]
	return ok
}

// Len returns the number of registered sensors.
func (r *Registry) Len() int {
	return len(r.announced)
}

// Pending returns the discovery message that must be published before
// rd, or false when discovery is disabled or the sensor is already
// registered.
func (r *Registry) Pending(rd sensor.Reading) (Message, bool, error) {
	if !r.opts.Enabled {
		return Message{}, false, nil
	}
	uid := topic.UniqueID(r.opts.Machine, rd.Kind, rd.ID)
	if r.Registered(uid) {
		return Message{}, false, nil
	}

	payload, err := json.Marshal(r.Config(rd))
	if err != nil {
		return Message{}, false, fmt.Errorf("marshal discovery config for %s: %w", rd.ID, err)
	}
	return Message{
		Topic:    r.ConfigTopic(rd.Kind, rd.ID),
		Payload:  payload,
		UniqueID: uid,
	}, true, nil
}

// Config builds the discovery config for rd.
func (r *Registry) Config(rd sensor.Reading) SensorConfig {
	meta := rd.Kind.Meta()
	return SensorConfig{
		Device:                    r.device,
		Name:                      displayName(rd),
		StateTopic:                topic.Topic(r.opts.Machine, rd.Kind, rd.ID),
		DeviceClass:               nullable(meta.DeviceClass),
		ExpireAfter:               int(r.opts.ExpireAfter / time.Second),
		UniqueID:                  topic.UniqueID(r.opts.Machine, rd.Kind, rd.ID),
		ObjectID:                  topic.ObjectID(rd.Kind, rd.ID),
		SuggestedDisplayPrecision: meta.Precision,
		StateClass:                "measurement",
		UnitOfMeasurement:         nullable(meta.Unit),
		ValueTemplate:             "{{ value_json.value }}",
		AvailabilityTopic:         r.opts.AvailabilityTopic,
	}
}

// MarkRegistered records that the config for uniqueID was delivered.
func (r *Registry) MarkRegistered(uniqueID string, at time.Time) {
	r.announced[uniqueID] = at.UTC()
}

// HandleStatus applies a message received on the status topic.
func (r *Registry) HandleStatus(payload []byte) Action {
	switch status := strings.TrimSpace(string(payload)); status {
	case StatusOnline:
		forgotten := len(r.announced)
		// Replace rather than prune: stale entries would suppress
		// announcements the consumer needs.
		r.announced = make(map[string]time.Time)
		r.consumer = ConsumerOnline
		r.epoch++
		r.logger.Info("discovery consumer online, re-announcing sensors",
			"forgotten", forgotten, "epoch", r.epoch)
		return ActionReset
	case StatusOffline:
		r.consumer = ConsumerOffline
		if r.opts.QuitWithConsumer {
			r.logger.Info("discovery consumer offline, stopping")
			return ActionQuit
		}
		r.logger.Info("discovery consumer offline")
		return ActionNone
	default:
		r.logger.Warn("unexpected discovery status payload",
			"topic", r.StatusTopic(), "payload", truncate(status, 64))
		return ActionNone
	}
}

func displayName(rd sensor.Reading) string {
	name := strings.TrimSpace(rd.Name)
	if name == "" {
		return string(rd.Kind)
	}
	if strings.Contains(strings.ToLower(name), rd.Kind.Lower()) {
		return name
	}
	return name + " " + string(rd.Kind)
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

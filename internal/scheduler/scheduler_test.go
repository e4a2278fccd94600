package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"

	"github.com/nugget/ohmpub/internal/discovery"
	"github.com/nugget/ohmpub/internal/filter"
	"github.com/nugget/ohmpub/internal/sensor"
	"github.com/nugget/ohmpub/internal/sink"
)

const testInterval = 5 * time.Second

// scriptedSource returns one batch per call, repeating the last batch
// once the script runs out.
type scriptedSource struct {
	mu      sync.Mutex
	batches [][]sensor.RawReading
	calls   int
	err     error
}

func (s *scriptedSource) Enumerate(context.Context) ([]sensor.RawReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	i := min(s.calls, len(s.batches)) - 1
	return s.batches[i], nil
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func temperature(v float64) []sensor.RawReading {
	return []sensor.RawReading{{
		ID:    "cpu/0/temperature",
		Kind:  sensor.Temperature,
		Name:  "CPU Package",
		Value: sensor.Float(v),
	}}
}

// recordingSink keeps every message it is asked to publish.
type recordingSink struct {
	mu         sync.Mutex
	prepareErr error
	publishErr error
	prepared   bool
	tornDown   bool
	messages   []sink.Message
	// onPublish, when set, sees every message before it is recorded.
	onPublish func(sink.Message)
}

func (r *recordingSink) Prepare(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepared = true
	return r.prepareErr
}

func (r *recordingSink) Publish(_ context.Context, msg sink.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.onPublish != nil {
		r.onPublish(msg)
	}
	if r.publishErr != nil {
		return r.publishErr
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingSink) Teardown(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tornDown = true
	return nil
}

// split separates discovery messages from data readings.
func (r *recordingSink) split() (discoveries []sink.Message, values []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.Reading == nil {
			discoveries = append(discoveries, m)
			continue
		}
		values = append(values, m.Reading.Value)
	}
	return discoveries, values
}

type harness struct {
	clock    *clock.Mock
	source   *scriptedSource
	sink     *recordingSink
	registry *discovery.Registry
	status   chan []byte
	sched    *Scheduler
}

func newHarness(t *testing.T, continuous, quitWithConsumer bool, batches ...[]sensor.RawReading) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	pipeline, err := filter.New(filter.Options{
		Machine:    "desk",
		Kinds:      sensor.DefaultKinds,
		Thresholds: map[sensor.Kind]float64{sensor.Temperature: 1.0},
		Now:        mock.Now,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("filter.New() error = %v", err)
	}
	registry := discovery.New(discovery.Options{
		Enabled:          true,
		Prefix:           "homeassistant",
		Machine:          "desk",
		ExpireAfter:      discovery.ExpireAfter(0, testInterval),
		QuitWithConsumer: quitWithConsumer,
		Logger:           logger,
	})

	h := &harness{
		clock:    mock,
		source:   &scriptedSource{batches: batches},
		sink:     &recordingSink{},
		registry: registry,
		status:   make(chan []byte, 4),
	}
	h.sched, err = New(Options{
		Machine:    "desk",
		Source:     h.source,
		Pipeline:   pipeline,
		Registry:   registry,
		Sink:       h.sink,
		Status:     h.status,
		Continuous: continuous,
		Interval:   testInterval,
		Clock:      mock,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

// start runs the scheduler in the background and returns a function
// that cancels it and waits for Run's result.
func (h *harness) start(t *testing.T) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancellation")
			return nil
		}
	}
}

// advanceUntil moves the mock clock one interval at a time until cond
// holds.
func (h *harness) advanceUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		h.clock.Add(testInterval)
		time.Sleep(time.Millisecond)
	}
}

func TestRun_SingleIteration(t *testing.T) {
	h := newHarness(t, false, false, temperature(45.0))

	if err := h.sched.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !h.sink.prepared || !h.sink.tornDown {
		t.Errorf("prepared = %v, tornDown = %v", h.sink.prepared, h.sink.tornDown)
	}
	if h.sched.State() != Stopped {
		t.Errorf("State() = %v, want stopped", h.sched.State())
	}
	if len(h.sink.messages) != 2 {
		t.Fatalf("got %d messages, want discovery + data", len(h.sink.messages))
	}

	disc, data := h.sink.messages[0], h.sink.messages[1]
	if disc.Topic != "homeassistant/sensor/desk/cpu_0_temperature/config" || disc.QoS != sink.AtLeastOnce {
		t.Errorf("discovery message = %s qos %d", disc.Topic, disc.QoS)
	}
	if data.Topic != "desk/ohmp/cpu/0/temperature" || data.QoS != sink.AtMostOnce {
		t.Errorf("data message = %s qos %d", data.Topic, data.QoS)
	}

	var got map[string]any
	if err := json.Unmarshal(data.Payload, &got); err != nil {
		t.Fatalf("data payload: %v", err)
	}
	want := map[string]any{
		"id":         "cpu/0/temperature",
		"sensorType": "Temperature",
		"name":       "CPU Package",
		"machine":    "desk",
		"moment":     "2024-05-01T12:00:00Z",
		"value":      45.0,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("data payload mismatch (-want +got):\n%s", diff)
	}

	if c := h.sched.Stats(); c.Published != 1 || c.Discovery != 1 {
		t.Errorf("Stats() = %+v", c)
	}
	if got := h.sched.Totals(); got != h.sched.Stats() {
		t.Errorf("Totals() = %+v, want same as Stats() on the first day", got)
	}
	if h.source.Calls() != 1 {
		t.Errorf("source called %d times, want 1", h.source.Calls())
	}
}

func TestRun_DebounceEndToEnd(t *testing.T) {
	h := newHarness(t, true, false, temperature(45.0), temperature(45.4), temperature(47.0))
	stop := h.start(t)

	h.advanceUntil(t, func() bool {
		_, values := h.sink.split()
		return len(values) == 2
	})
	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	discoveries, values := h.sink.split()
	if diff := cmp.Diff([]float64{45.0, 47.0}, values); diff != "" {
		t.Errorf("published values mismatch (-want +got):\n%s", diff)
	}
	if len(discoveries) != 1 {
		t.Errorf("got %d discovery messages, want 1", len(discoveries))
	}
	if n := h.source.Calls(); n < 3 {
		t.Errorf("source called %d times, want at least 3", n)
	}
	if c := h.sched.Stats(); c.Suppressed < 1 {
		t.Errorf("Stats().Suppressed = %d, want at least 1", c.Suppressed)
	}
	if !h.sink.tornDown {
		t.Error("sink not torn down after cancellation")
	}
}

func TestRun_OnlineReannounces(t *testing.T) {
	h := newHarness(t, true, false, temperature(45.0), temperature(47.0))
	stop := h.start(t)

	h.advanceUntil(t, func() bool {
		_, values := h.sink.split()
		return len(values) == 1
	})
	h.status <- []byte("online")
	h.advanceUntil(t, func() bool {
		_, values := h.sink.split()
		return len(values) == 2
	})
	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	discoveries, _ := h.sink.split()
	if len(discoveries) != 2 {
		t.Errorf("got %d discovery messages, want 2 (one per epoch)", len(discoveries))
	}
	if h.registry.Epoch() != 1 {
		t.Errorf("Epoch() = %d, want 1", h.registry.Epoch())
	}
	if h.registry.Consumer() != discovery.ConsumerOnline {
		t.Errorf("Consumer() = %v, want online", h.registry.Consumer())
	}
}

func TestRun_QuitWithConsumer(t *testing.T) {
	h := newHarness(t, true, true, temperature(45.0))
	h.status <- []byte("offline")

	done := make(chan error, 1)
	go func() { done <- h.sched.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop with the discovery consumer")
	}

	if h.source.Calls() != 1 {
		t.Errorf("source called %d times, want 1", h.source.Calls())
	}
	// The iteration in progress still completes.
	if _, values := h.sink.split(); len(values) != 1 {
		t.Errorf("got %d readings, want 1", len(values))
	}
}

func TestRun_OfflineWithoutQuitKeepsPolling(t *testing.T) {
	h := newHarness(t, true, false, temperature(45.0), temperature(50.0))
	h.status <- []byte("offline")
	stop := h.start(t)

	h.advanceUntil(t, func() bool { return h.source.Calls() >= 2 })
	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.registry.Consumer() != discovery.ConsumerOffline {
		t.Errorf("Consumer() = %v, want offline", h.registry.Consumer())
	}
}

func TestRun_SourceError(t *testing.T) {
	h := newHarness(t, false, false, temperature(45.0))
	h.source.err = errors.New("sensor bus unavailable")

	err := h.sched.Run(context.Background())
	if !errors.Is(err, h.source.err) {
		t.Fatalf("Run() error = %v, want source error", err)
	}
	if !h.sink.tornDown {
		t.Error("sink not torn down after source failure")
	}
}

func TestRun_PrepareError(t *testing.T) {
	h := newHarness(t, false, false, temperature(45.0))
	h.sink.prepareErr = errors.New("directory missing")

	if err := h.sched.Run(context.Background()); err == nil {
		t.Fatal("Run() should return the prepare error")
	}
	if h.source.Calls() != 0 {
		t.Error("source sampled after failed prepare")
	}
	if h.sink.tornDown {
		t.Error("teardown called after failed prepare")
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, true, false, temperature(45.0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.sched.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v, want nil on cancellation", err)
	}
	if len(h.sink.messages) != 0 {
		t.Errorf("published %d messages after cancellation", len(h.sink.messages))
	}
}

func TestRun_PublishFailuresAreNotFatal(t *testing.T) {
	h := newHarness(t, false, false, temperature(45.0))
	h.sink.publishErr = errors.New("connection reset")

	if err := h.sched.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if c := h.sched.Stats(); c.Failed != 2 || c.Published != 0 {
		t.Errorf("Stats() = %+v, want 2 failures", c)
	}
	if h.registry.Len() != 0 {
		t.Error("sensor registered although discovery publish failed")
	}
}

func TestRun_ExcludedKindNotPublished(t *testing.T) {
	batch := append(temperature(45.0), sensor.RawReading{
		ID: "/lpc/0/fan/0", Kind: sensor.Fan, Name: "Fan #1", Value: sensor.Float(1200),
	})
	h := newHarness(t, false, false, batch)

	if err := h.sched.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, m := range h.sink.messages {
		if m.Reading != nil && m.Reading.Kind == sensor.Fan {
			t.Errorf("fan reading published: %s", m.Topic)
		}
	}
	if c := h.sched.Stats(); c.Suppressed != 1 {
		t.Errorf("Stats().Suppressed = %d, want 1", c.Suppressed)
	}
}

func TestNew_Errors(t *testing.T) {
	h := newHarness(t, false, false, temperature(1))
	valid := h.sched.opts

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"no source", func(o *Options) { o.Source = nil }},
		{"no pipeline", func(o *Options) { o.Pipeline = nil }},
		{"no registry", func(o *Options) { o.Registry = nil }},
		{"no sink", func(o *Options) { o.Sink = nil }},
		{"zero interval", func(o *Options) { o.Continuous = true; o.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			if _, err := New(opts); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		Idle:      "idle",
		Sampling:  "sampling",
		Waiting:   "waiting",
		Stopped:   "stopped",
		State(42): "State(42)",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(st), got, want)
		}
	}
}

func TestRun_CancelDuringDiscoveryStopsDataPublish(t *testing.T) {
	h := newHarness(t, true, false, temperature(45.0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sink.onPublish = func(msg sink.Message) {
		if msg.Reading == nil {
			cancel()
		}
	}

	if err := h.sched.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	discoveries, values := h.sink.split()
	if len(discoveries) != 1 {
		t.Errorf("got %d discovery messages, want 1", len(discoveries))
	}
	if len(values) != 0 {
		t.Errorf("data published after cancellation: %v", values)
	}
	if h.sched.State() != Stopped {
		t.Errorf("State() = %v, want stopped", h.sched.State())
	}
}

func TestRun_NonFiniteReadingNotAnnounced(t *testing.T) {
	h := newHarness(t, false, false, temperature(math.NaN()))

	if err := h.sched.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	discoveries, values := h.sink.split()
	if len(discoveries) != 0 || len(values) != 0 {
		t.Errorf("got %d discovery and %d data messages for a NaN reading, want none", len(discoveries), len(values))
	}
	if got, want := h.sched.Totals(), (Counters{Suppressed: 1}); got != want {
		t.Errorf("Totals() = %+v, want %+v", got, want)
	}
	if h.registry.Len() != 0 {
		t.Errorf("registry has %d sensors, want 0", h.registry.Len())
	}
}

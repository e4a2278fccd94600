// Package scheduler runs the polling loop: sample every sensor, filter,
// announce new sensors to the discovery consumer, publish, and wait.
//
// Everything stateful (the filter pipeline, the discovery registry) is
// touched only from the goroutine running [Scheduler.Run]. Status
// messages from the transport arrive on a channel and are applied
// between readings and while waiting.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nugget/ohmpub/internal/config"
	"github.com/nugget/ohmpub/internal/discovery"
	"github.com/nugget/ohmpub/internal/filter"
	"github.com/nugget/ohmpub/internal/sensor"
	"github.com/nugget/ohmpub/internal/sink"
	"github.com/nugget/ohmpub/internal/topic"
)

// teardownTimeout bounds sink teardown after the loop exits, including
// after cancellation.
const teardownTimeout = 5 * time.Second

// State is the scheduler lifecycle state.
type State int32

const (
	Idle State = iota
	Sampling
	Waiting
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sampling:
		return "sampling"
	case Waiting:
		return "waiting"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures a [Scheduler].
type Options struct {
	Machine  string
	Source   sensor.Source
	Pipeline *filter.Pipeline
	Registry *discovery.Registry
	Sink     sink.Sink
	// Status carries payloads from the discovery status topic. Nil when
	// the sink has no inbound channel.
	Status <-chan []byte
	// Continuous repeats iterations every Interval until stopped.
	Continuous bool
	Interval   time.Duration
	// Clock drives the inter-poll wait. Defaults to the wall clock.
	Clock  clock.Clock
	Logger *slog.Logger
}

// Scheduler is the polling loop.
type Scheduler struct {
	opts   Options
	clock  clock.Clock
	logger *slog.Logger
	stats  *DailyStats
	state  atomic.Int32

	quit bool
}

// New checks opts and returns a scheduler in the Idle state.
func New(opts Options) (*Scheduler, error) {
	switch {
	case opts.Source == nil:
		return nil, errors.New("scheduler requires a sensor source")
	case opts.Pipeline == nil:
		return nil, errors.New("scheduler requires a filter pipeline")
	case opts.Registry == nil:
		return nil, errors.New("scheduler requires a discovery registry")
	case opts.Sink == nil:
		return nil, errors.New("scheduler requires a sink")
	case opts.Continuous && opts.Interval <= 0:
		return nil, fmt.Errorf("invalid polling interval %s", opts.Interval)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		opts:   opts,
		clock:  clk,
		logger: logger,
		stats:  NewDailyStats(clk, nil),
	}, nil
}

// State returns the current lifecycle state. Safe to call from any
// goroutine.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Stats returns today's publish counters.
func (s *Scheduler) Stats() Counters {
	return s.stats.Snapshot()
}

// Totals returns the publish counters since the scheduler was created.
func (s *Scheduler) Totals() Counters {
	return s.stats.Total()
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
}

// Run prepares the sink, polls until done, and tears the sink down.
// Cancellation of ctx is a normal stop and returns nil. Source failures
// and sink preparation failures are returned.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.setState(Stopped)

	if err := s.opts.Sink.Prepare(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("prepare sink: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if err := s.opts.Sink.Teardown(tctx); err != nil {
			s.logger.Warn("sink teardown failed", "error", err)
		}
	}()

	s.logger.Info("polling started",
		"machine", s.opts.Machine,
		"continuous", s.opts.Continuous,
		"interval", s.opts.Interval.String(),
		"discovery", s.opts.Registry.Enabled(),
	)

	for {
		if ctx.Err() != nil {
			s.logger.Info("polling cancelled")
			return nil
		}
		if err := s.iterate(ctx); err != nil {
			return err
		}
		if !s.opts.Continuous {
			return nil
		}
		if s.quit {
			s.logger.Info("polling stopped with discovery consumer")
			return nil
		}
		if !s.wait(ctx) {
			if s.quit {
				s.logger.Info("polling stopped with discovery consumer")
			} else {
				s.logger.Info("polling cancelled")
			}
			return nil
		}
	}
}

// iterate samples every sensor once and routes each reading through
// the pipeline. Once ctx is cancelled no further publishes start.
func (s *Scheduler) iterate(ctx context.Context) error {
	s.setState(Sampling)
	started := s.clock.Now()

	raws, err := s.opts.Source.Enumerate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("enumerate sensors: %w", err)
	}

	published := 0
	for _, raw := range raws {
		if ctx.Err() != nil {
			return nil
		}
		s.drainStatus()

		rd, verdict := s.opts.Pipeline.Evaluate(raw)
		if verdict != filter.Publish {
			if verdict != filter.Ignored {
				s.stats.record(statSuppressed)
			}
			continue
		}
		if s.publish(ctx, rd) {
			published++
		}
	}

	c := s.stats.Snapshot()
	s.logger.Debug("poll complete",
		"sensors", len(raws),
		"published", published,
		"elapsed", s.clock.Since(started).String(),
		"today_published", c.Published,
		"today_suppressed", c.Suppressed,
		"today_failed", c.Failed,
		"today_discovery", c.Discovery,
		"registered", s.opts.Registry.Len(),
	)
	return nil
}

// publish announces rd if its sensor is unregistered, then publishes
// the reading. Delivery failures are logged and counted, never
// returned. A reading that cannot be encoded is not announced, and
// cancellation during the announcement skips the data publish.
func (s *Scheduler) publish(ctx context.Context, rd sensor.Reading) bool {
	payload, err := json.Marshal(rd)
	if err != nil {
		s.stats.record(statFailed)
		s.logger.Warn("reading not encoded", "id", rd.ID, "error", err)
		return false
	}

	msg, pending, err := s.opts.Registry.Pending(rd)
	if err != nil {
		s.logger.Warn("discovery config not built", "id", rd.ID, "error", err)
	}
	if pending {
		if err := s.opts.Sink.Publish(ctx, sink.Message{
			Topic:   msg.Topic,
			Payload: msg.Payload,
			QoS:     sink.AtLeastOnce,
		}); err != nil {
			s.stats.record(statFailed)
			s.logger.Debug("discovery publish failed", "id", rd.ID, "topic", msg.Topic, "error", err)
		} else {
			s.opts.Registry.MarkRegistered(msg.UniqueID, s.clock.Now())
			s.stats.record(statDiscovery)
			s.logger.Debug("discovery published", "id", rd.ID, "unique_id", msg.UniqueID)
		}
	}

	if ctx.Err() != nil {
		return false
	}
	dest := topic.Topic(s.opts.Machine, rd.Kind, rd.ID)
	if err := s.opts.Sink.Publish(ctx, sink.Message{
		Topic:   dest,
		Payload: payload,
		QoS:     sink.AtMostOnce,
		Reading: &rd,
	}); err != nil {
		s.stats.record(statFailed)
		s.logger.Debug("reading publish failed", "id", rd.ID, "topic", dest, "error", err)
		return false
	}
	s.stats.record(statPublished)
	s.logger.Log(ctx, config.LevelTrace, "reading published",
		"id", rd.ID, "topic", dest, "value", rd.Value)
	return true
}

// wait sleeps for the poll interval while applying status messages. It
// returns false when the loop should stop.
func (s *Scheduler) wait(ctx context.Context) bool {
	s.setState(Waiting)
	timer := s.clock.Timer(s.opts.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case payload := <-s.opts.Status:
			s.handleStatus(payload)
			if s.quit {
				return false
			}
		}
	}
}

func (s *Scheduler) drainStatus() {
	for {
		select {
		case payload := <-s.opts.Status:
			s.handleStatus(payload)
		default:
			return
		}
	}
}

func (s *Scheduler) handleStatus(payload []byte) {
	if s.opts.Registry.HandleStatus(payload) == discovery.ActionQuit {
		s.quit = true
	}
}

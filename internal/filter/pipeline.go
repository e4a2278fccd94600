// Package filter decides which raw sensor readings are worth sending.
//
// Every reading passes a fixed sequence of gates. Kind and id-pattern
// exclusions are sticky: once a sensor fails either, its id is cached in
// the ignore set and never evaluated again, because neither input can
// change while the process runs. Missing values and small value changes
// are not sticky; those sensors are re-evaluated on every poll.
package filter

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"time"

	"github.com/nugget/ohmpub/internal/sensor"
)

// Verdict is the outcome of evaluating one raw reading.
type Verdict int

const (
	// Publish means the reading passed every gate.
	Publish Verdict = iota
	// Ignored means the id is already in the ignore set.
	Ignored
	// KindExcluded means the kind is not of interest. Sticky.
	KindExcluded
	// PatternExcluded means no id pattern matched. Sticky.
	PatternExcluded
	// NoValue means the source reported no usable value on this poll:
	// missing, NaN or infinite.
	NoValue
	// Debounced means the change since the last publish is within the
	// kind's threshold.
	Debounced
	// TooSoon means the last publish is younger than the minimum
	// publish interval.
	TooSoon
)

var verdictNames = [...]string{"publish", "ignored", "kind_excluded", "pattern_excluded", "no_value", "debounced", "too_soon"}

func (v Verdict) String() string {
	if int(v) < len(verdictNames) {
		return verdictNames[v]
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// CompiledFilter is a set of precompiled id patterns. It is built once
// at startup and never modified.
type CompiledFilter struct {
	patterns []*regexp.Regexp
}

// CompileFilter compiles the given regular expressions. An invalid
// pattern is a configuration error.
func CompileFilter(patterns []string) (*CompiledFilter, error) {
	f := &CompiledFilter{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile sensor pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Empty reports whether the filter has no patterns.
func (f *CompiledFilter) Empty() bool {
	return f == nil || len(f.patterns) == 0
}

// Match reports whether any pattern matches id. An empty filter matches
// everything.
func (f *CompiledFilter) Match(id string) bool {
	if f.Empty() {
		return true
	}
	for _, re := range f.patterns {
		if re.MatchString(id) {
			return true
		}
	}
	return false
}

// Options configures a [Pipeline].
type Options struct {
	// Machine is stamped on every published reading.
	Machine string
	// Kinds are the kinds of interest. Must not be empty.
	Kinds []sensor.Kind
	// Patterns restrict which raw ids pass. Empty passes everything.
	Patterns []string
	// Thresholds are per-kind debounce limits. A kind without an entry
	// is never debounced.
	Thresholds map[sensor.Kind]float64
	// Multipliers scale raw values per kind. Missing kinds use 1.0.
	Multipliers map[sensor.Kind]float64
	// MinInterval is the minimum time between publishes of one sensor.
	// Zero disables the limit.
	MinInterval time.Duration
	// Now returns the current time. Defaults to [time.Now].
	Now func() time.Time
	// Logger receives per-reading decisions at debug level.
	Logger *slog.Logger
}

// Pipeline holds the per-sensor state needed to debounce readings. It is
// owned by a single polling loop and is not safe for concurrent use.
type Pipeline struct {
	machine     string
	kinds       map[sensor.Kind]struct{}
	filter      *CompiledFilter
	thresholds  map[sensor.Kind]float64
	multipliers map[sensor.Kind]float64
	minInterval time.Duration
	now         func() time.Time
	logger      *slog.Logger

	ignored map[string]struct{}
	last    map[string]sensor.Reading
}

// New builds a pipeline from opts, compiling its id patterns.
func New(opts Options) (*Pipeline, error) {
	if len(opts.Kinds) == 0 {
		return nil, fmt.Errorf("at least one sensor kind must be configured")
	}
	f, err := CompileFilter(opts.Patterns)
	if err != nil {
		return nil, err
	}
	for k, v := range opts.Thresholds {
		if v < 0 || math.IsNaN(v) {
			return nil, fmt.Errorf("invalid threshold %v for %s", v, k)
		}
	}

	p := &Pipeline{
		machine:     opts.Machine,
		kinds:       make(map[sensor.Kind]struct{}, len(opts.Kinds)),
		filter:      f,
		thresholds:  opts.Thresholds,
		multipliers: opts.Multipliers,
		minInterval: opts.MinInterval,
		now:         opts.Now,
		logger:      opts.Logger,
		ignored:     make(map[string]struct{}),
		last:        make(map[string]sensor.Reading),
	}
	for _, k := range opts.Kinds {
		p.kinds[k] = struct{}{}
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// Process returns the reading to publish and true, or a zero reading and
// false when raw is suppressed.
func (p *Pipeline) Process(raw sensor.RawReading) (sensor.Reading, bool) {
	r, v := p.Evaluate(raw)
	return r, v == Publish
}

// Evaluate runs raw through every gate and reports why it was
// suppressed, or [Publish] with the reading to send.
func (p *Pipeline) Evaluate(raw sensor.RawReading) (sensor.Reading, Verdict) {
	if _, ok := p.ignored[raw.ID]; ok {
		return sensor.Reading{}, Ignored
	}

	if _, ok := p.kinds[raw.Kind]; !ok {
		p.ignore(raw, KindExcluded)
		return sensor.Reading{}, KindExcluded
	}

	if !p.filter.Match(raw.ID) {
		p.ignore(raw, PatternExcluded)
		return sensor.Reading{}, PatternExcluded
	}

	if raw.Value == nil || !finite(*raw.Value) {
		p.logger.Debug("sensor has no value", "id", raw.ID, "kind", raw.Kind)
		return sensor.Reading{}, NoValue
	}

	value := *raw.Value * p.multiplier(raw.Kind)
	if !finite(value) {
		p.logger.Debug("scaled sensor value out of range",
			"id", raw.ID, "raw", *raw.Value, "multiplier", p.multiplier(raw.Kind))
		return sensor.Reading{}, NoValue
	}
	now := p.now().UTC()

	if prior, ok := p.last[raw.ID]; ok {
		if threshold, ok := p.thresholds[raw.Kind]; ok {
			if delta := math.Abs(value - prior.Value); delta <= threshold {
				p.logger.Debug("sensor reading debounced",
					"id", raw.ID, "value", value, "last", prior.Value, "threshold", threshold)
				return sensor.Reading{}, Debounced
			}
		}
		if p.minInterval > 0 && now.Sub(prior.Moment) < p.minInterval {
			p.logger.Debug("sensor reading too soon",
				"id", raw.ID, "since_last", now.Sub(prior.Moment).String())
			return sensor.Reading{}, TooSoon
		}
	}

	r := sensor.Reading{
		ID:      raw.ID,
		Kind:    raw.Kind,
		Name:    raw.Name,
		Machine: p.machine,
		Moment:  now,
		Value:   value,
	}
	p.last[raw.ID] = r
	return r, Publish
}

// Last returns the most recently published reading for id.
func (p *Pipeline) Last(id string) (sensor.Reading, bool) {
	r, ok := p.last[id]
	return r, ok
}

// Ignoring reports whether id is permanently excluded.
func (p *Pipeline) Ignoring(id string) bool {
	_, ok := p.ignored[id]
	return ok
}

func (p *Pipeline) ignore(raw sensor.RawReading, why Verdict) {
	p.ignored[raw.ID] = struct{}{}
	p.logger.Debug("sensor ignored", "id", raw.ID, "kind", raw.Kind, "reason", why.String())
}

func (p *Pipeline) multiplier(k sensor.Kind) float64 {
	if m, ok := p.multipliers[k]; ok {
		return m
	}
	return 1.0
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

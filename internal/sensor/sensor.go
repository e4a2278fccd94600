// Package sensor defines the readings that flow through the publishing
// pipeline: raw samples produced by a [Source] on every poll and the
// scaled, filtered [Reading] that is actually delivered to a sink.
package sensor

import (
	"context"
	"encoding/json"
	"time"
)

// RawReading is a single sample as reported by a [Source]. Value is nil
// when the hardware did not report a value on this poll (missing
// permission, sensor asleep, etc).
type RawReading struct {
	ID    string
	Kind  Kind
	Name  string
	Value *float64
}

// Float returns a pointer to v. Handy for building raw readings.
func Float(v float64) *float64 {
	return &v
}

// Source enumerates the machine's sensors. Enumerate is called once per
// poll and must tolerate repeated calls without leaking resources.
type Source interface {
	Enumerate(ctx context.Context) ([]RawReading, error)
}

// SourceFunc adapts a plain function to the [Source] interface.
type SourceFunc func(ctx context.Context) ([]RawReading, error)

// Enumerate calls f.
func (f SourceFunc) Enumerate(ctx context.Context) ([]RawReading, error) {
	return f(ctx)
}

// Reading is a filtered, scaled sample ready for delivery. It is only
// ever built from a raw reading that carried a value.
type Reading struct {
	ID      string
	Kind    Kind
	Name    string
	Machine string
	Moment  time.Time
	Value   float64
}

// payload is the JSON wire shape of a published reading.
type payload struct {
	ID         string    `json:"id"`
	SensorType Kind      `json:"sensorType"`
	Name       string    `json:"name"`
	Machine    string    `json:"machine"`
	Moment     time.Time `json:"moment"`
	Value      float64   `json:"value"`
}

// MarshalJSON renders the reading in its wire format. Moment is always
// emitted in UTC.
func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(payload{
		ID:         r.ID,
		SensorType: r.Kind,
		Name:       r.Name,
		Machine:    r.Machine,
		Moment:     r.Moment.UTC(),
		Value:      r.Value,
	})
}

// UnmarshalJSON parses the wire format produced by MarshalJSON.
func (r *Reading) UnmarshalJSON(data []byte) error {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Reading{
		ID:      p.ID,
		Kind:    p.SensorType,
		Name:    p.Name,
		Machine: p.Machine,
		Moment:  p.Moment,
		Value:   p.Value,
	}
	return nil
}

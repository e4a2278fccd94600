package sink

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nugget/ohmpub/internal/sensor"
)

// Console prints readings in a human-readable block.
type Console struct {
	w   io.Writer
	loc *time.Location
}

// NewConsole creates a console sink writing to w. Times are shown in loc,
// or [time.Local] when loc is nil.
func NewConsole(w io.Writer, loc *time.Location) *Console {
	if loc == nil {
		loc = time.Local
	}
	return &Console{w: w, loc: loc}
}

// Prepare does nothing.
func (c *Console) Prepare(context.Context) error { return nil }

// Teardown does nothing.
func (c *Console) Teardown(context.Context) error { return nil }

// Publish renders one reading. Control messages are skipped.
func (c *Console) Publish(_ context.Context, msg Message) error {
	if msg.Reading == nil {
		return nil
	}
	_, err := io.WriteString(c.w, c.render(msg.Topic, *msg.Reading))
	return err
}

func (c *Console) render(topic string, r sensor.Reading) string {
	return fmt.Sprintf("%s: %s: %s\n  %s\n  %s\n    Value: %s\n\n",
		r.Moment.In(c.loc).Format(time.TimeOnly),
		r.Kind, r.Name,
		r.ID,
		topic,
		strconv.FormatFloat(r.Value, 'g', -1, 64),
	)
}

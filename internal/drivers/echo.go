package drivers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dohr-michael/oxide/internal/buffer"
	"github.com/dohr-michael/oxide/internal/tasks"
)

// ErrUnknownDriver is returned by New for unregistered driver names.
var ErrUnknownDriver = errors.New("unknown driver")

// New returns the driver registered under name.
func New(name string) (tasks.Driver, error) {
	switch name {
	case "", "echo":
		return Echo{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
}

// Echo turns every split payload into a one-position page. Split n of a
// source goes to output buffer n modulo the number of buffers, counted
// from the end for negative sequence ids.
type Echo struct{}

func (Echo) Run(ctx context.Context, dc *tasks.DriverContext) error {
	outputs := dc.OutputBuffers()
	spilling := false

	for {
		s, ok, err := dc.NextSplit(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if len(outputs) > 0 {
			n := int64(len(outputs))
			target := outputs[(s.Split.SequenceID%n+n)%n]
			if err := dc.Enqueue(target, buffer.NewPage(1, payloadBytes(s.Split.Payload))); err != nil {
				return fmt.Errorf("split %s/%d: %w", s.PlanNodeID, s.Split.SequenceID, err)
			}
		}
		dc.SplitDone(s)

		if advised := dc.SpillAdvised(); advised != spilling {
			spilling = advised
			slog.Debug("spill advisory changed", "task_id", dc.TaskID(), "advised", advised)
		}
	}
}

// payloadBytes unwraps JSON strings; any other payload is kept verbatim.
func payloadBytes(raw json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return append([]byte(nil), raw...)
}

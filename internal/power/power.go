// Package power puts node into low power state between sender cycles.
package power

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/lorawatch/log2"
)

type Manager interface {
	// EnterLowPower returns after d elapsed or ctx is done.
	EnterLowPower(ctx context.Context, d time.Duration) error
}

type Func func(ctx context.Context, d time.Duration) error

func (f Func) EnterLowPower(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// Chunk bounds single uninterruptible sleep, ctx is checked between chunks.
const Chunk = time.Second

// Sleep is Manager for hosted node. Time spent in system suspend counts
// towards d where platform supports it.
type Sleep struct {
	Log *log2.Log
}

func (s Sleep) EnterLowPower(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	s.Log.Debugf("power sleep=%v", d)
	deadline := boottime() + d
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		left := deadline - boottime()
		if left <= 0 {
			return nil
		}
		if left > Chunk {
			left = Chunk
		}
		if err := sleepChunk(left); err != nil {
			return errors.Annotate(err, "power sleep")
		}
	}
}

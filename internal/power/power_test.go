package power

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/temoto/lorawatch/log2"
)

func TestSleep(t *testing.T) {
	t.Parallel()
	s := Sleep{Log: log2.NewTest(t, log2.LDebug)}
	ctx := context.Background()

	tbegin := time.Now()
	assert.NoError(t, s.EnterLowPower(ctx, 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(tbegin), 25*time.Millisecond)

	assert.NoError(t, s.EnterLowPower(ctx, 0))
}

func TestSleepCancel(t *testing.T) {
	t.Parallel()
	s := Sleep{Log: log2.NewTest(t, log2.LDebug)}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	tbegin := time.Now()
	err := s.EnterLowPower(ctx, time.Hour)
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Less(t, time.Since(tbegin), 3*Chunk)
}

func TestFunc(t *testing.T) {
	t.Parallel()
	var got time.Duration
	var m Manager = Func(func(_ context.Context, d time.Duration) error { got = d; return nil })
	assert.NoError(t, m.EnterLowPower(context.Background(), 15*time.Second))
	assert.Equal(t, 15*time.Second, got)
}

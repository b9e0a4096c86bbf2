package atomic_clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApi(t *testing.T) {
	t.Parallel()
	c := Now()
	tim := time.Now()
	const delta = 100 * time.Millisecond

	assert.InDelta(t, tim.UnixNano(), c.UnixNano(), float64(delta))

	c.SetTime(tim)
	assert.Equal(t, tim.UnixNano(), c.UnixNano())
	assert.True(t, tim.Equal(c.Time()))

	c.SetNow()
	assert.True(t, Since(c) < delta)

	var zero Clock
	assert.True(t, zero.IsZero())
	assert.True(t, zero.Time().IsZero())
}

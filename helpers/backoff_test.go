package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: 100 * time.Millisecond, Max: 1 * time.Second, K: 2}
	assert.Equal(t, time.Duration(0), b.DelayAfter(true))
	assert.Equal(t, 100*time.Millisecond, b.DelayAfter(false))
	assert.Equal(t, 200*time.Millisecond, b.DelayAfter(false))
	assert.Equal(t, 400*time.Millisecond, b.DelayAfter(false))
	assert.Equal(t, 800*time.Millisecond, b.DelayAfter(false))
	assert.Equal(t, 1*time.Second, b.DelayAfter(false))
	assert.Equal(t, 1*time.Second, b.DelayAfter(false))
	assert.Equal(t, time.Duration(0), b.DelayAfter(true))
	assert.Equal(t, 100*time.Millisecond, b.DelayAfter(false))
}

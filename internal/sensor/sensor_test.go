package sensor

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/lorawatch/internal/state"
	"github.com/temoto/lorawatch/log2"
)

func TestParse(t *testing.T) {
	t.Parallel()
	cases := []struct {
		input     string
		temp, hum float64
		expectErr string
	}{
		{"23.45 60.1\n", 23.45, 60.1, ""},
		{"-5,40", -5, 40, ""},
		{"\t21\t55 ", 21, 55, ""},
		{"21", 0, 0, "sensor text='21' not valid"},
		{"x 1", 0, 0, "sensor temperature='x' not valid"},
		{"1 y", 0, 0, "sensor humidity='y' not valid"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.input, func(t *testing.T) {
			tm, h, err := Parse([]byte(c.input))
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Equal(t, c.expectErr, err.Error())
				assert.True(t, errors.IsNotValid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.temp, tm)
			assert.Equal(t, c.hum, h)
		})
	}
}

func TestFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "dht")
	require.NoError(t, os.WriteFile(path, []byte("19.5 48.25\n"), 0o644))
	tm, h, err := (&File{Path: path}).Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 19.5, tm)
	assert.Equal(t, 48.25, h)

	_, _, err = (&File{Path: path + "-missing"}).Read(context.Background())
	assert.Error(t, err)
}

func TestSampler(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := state.NewStore()
	static := &Static{Temperature: 22.5, Humidity: 51}
	s := &Sampler{Log: log2.NewTest(t, log2.LDebug), Reader: static, Store: st, Interval: time.Second}

	s.Sample(ctx)
	snap := st.Snapshot()
	assert.True(t, snap.Health.LocalSensor)
	assert.Equal(t, 22.5, snap.Local.Temperature)
	assert.True(t, snap.Local.Valid)

	static.Err = errors.New("timeout")
	for i := 1; i < MaxErrors; i++ {
		s.Sample(ctx)
		assert.True(t, st.Snapshot().Health.LocalSensor, "healthy until MaxErrors")
	}
	static.Err, static.Temperature = nil, math.NaN()
	s.Sample(ctx)
	snap = st.Snapshot()
	assert.False(t, snap.Health.LocalSensor)
	assert.Equal(t, 22.5, snap.Local.Temperature, "failed read keeps previous reading")
	assert.False(t, snap.Local.Valid, "reading invalid after MaxErrors")
	s.Sample(ctx)
	assert.False(t, st.Snapshot().Local.Valid)

	static.Temperature = 23
	s.Sample(ctx)
	snap = st.Snapshot()
	assert.True(t, snap.Health.LocalSensor)
	assert.Equal(t, 23.0, snap.Local.Temperature)
	assert.True(t, snap.Local.Valid)
}

func TestSamplerRun(t *testing.T) {
	t.Parallel()
	st := state.NewStore()
	ch, cancelSub := st.Subscribe()
	defer cancelSub()
	s := &Sampler{Log: log2.NewTest(t, log2.LDebug), Reader: &Static{Temperature: 1, Humidity: 2}, Store: st, Interval: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no sample")
	}
	cancel()
	assert.Equal(t, context.Canceled, <-done)
}

// Package sensor reads local temperature/humidity and feeds the state store.
package sensor

import (
	"bytes"
	"context"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/lorawatch/internal/state"
	"github.com/temoto/lorawatch/log2"
)

// MaxErrors consecutive failed reads mark local sensor unhealthy.
const MaxErrors = 3

type Reader interface {
	Read(ctx context.Context) (temperature, humidity float64, err error)
}

// Static returns configured values, Err when set.
type Static struct {
	Temperature float64
	Humidity    float64
	Err         error
}

func (s *Static) Read(context.Context) (float64, float64, error) {
	return s.Temperature, s.Humidity, s.Err
}

// File reads "temperature humidity" text, e.g. exported by hwmon helper script.
// Separator is whitespace or comma.
type File struct {
	Path string
}

func (f *File) Read(context.Context) (float64, float64, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return 0, 0, errors.Annotatef(err, "sensor read path=%s", f.Path)
	}
	return Parse(b)
}

func Parse(b []byte) (float64, float64, error) {
	fields := strings.FieldsFunc(string(bytes.TrimSpace(b)), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields) != 2 {
		return 0, 0, errors.NotValidf("sensor text='%s'", b)
	}
	t, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, errors.NotValidf("sensor temperature='%s'", fields[0])
	}
	h, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, errors.NotValidf("sensor humidity='%s'", fields[1])
	}
	return t, h, nil
}

// Sampler periodically reads sensor into store local reading.
// Failed read keeps previous reading, after MaxErrors in a row
// the reading is marked invalid so radio frames carry sensor error.
type Sampler struct {
	Log      *log2.Log
	Reader   Reader
	Store    *state.Store
	Interval time.Duration

	errorCount int
	last       state.Reading
}

func (s *Sampler) Run(ctx context.Context) error {
	tmr := time.NewTicker(s.Interval)
	defer tmr.Stop()
	for {
		s.Sample(ctx)
		select {
		case <-tmr.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sample performs one read. Not safe for concurrent use.
func (s *Sampler) Sample(ctx context.Context) {
	t, h, err := s.Reader.Read(ctx)
	if err == nil && (math.IsNaN(t) || math.IsNaN(h)) {
		err = errors.NotValidf("sensor value NaN")
	}
	if err != nil {
		s.errorCount++
		s.Log.Errorf("sensor read fail count=%d err=%v", s.errorCount, err)
		if s.errorCount == MaxErrors {
			s.Store.SetHealthFlag(state.FlagLocalSensor, false)
			r := s.last
			r.Valid = false
			r.UpdatedAt = time.Time{}
			s.Store.UpdateLocalReading(r)
		}
		return
	}
	if s.errorCount > 0 {
		s.Log.Infof("sensor recovered after errors=%d", s.errorCount)
	}
	s.errorCount = 0
	s.Store.SetHealthFlag(state.FlagLocalSensor, true)
	s.last = state.Reading{Temperature: t, Humidity: h, Valid: true}
	s.Store.UpdateLocalReading(s.last)
	s.Log.Debugf("sensor local temperature=%.2f humidity=%.2f", t, h)
}

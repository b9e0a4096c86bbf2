// Support sub-commands in lorawatch application.
// It's simple but fine so far.
package subcmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/lorawatch/internal/link"
	"github.com/temoto/lorawatch/internal/power"
	"github.com/temoto/lorawatch/internal/radio"
	"github.com/temoto/lorawatch/internal/sensor"
	"github.com/temoto/lorawatch/internal/state"
	"github.com/temoto/lorawatch/log2"
)

type Mod struct {
	Name  string
	Usage string
	Main  func(context.Context, *state.Config) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown command='%s'", command)
}

func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}

// OpenModem opens serial device from config and switches modem to test mode.
func OpenModem(ctx context.Context, g *state.Global) (*radio.Modem, error) {
	cfg := g.Config.Radio
	if cfg.Device == "" {
		return nil, errors.NotValidf("radio.device empty")
	}
	port, err := radio.OpenSerial(cfg.Device, cfg.BaudRate())
	if err != nil {
		return nil, err
	}
	mlog := g.Log.Clone(log2.LInfo)
	if cfg.LogDebug {
		mlog.SetLevel(log2.LDebug)
	}
	m := radio.NewModem(port, mlog)
	if err := m.Init(ctx, cfg.RF()); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// ProbeLoop keeps radio health flag current, re-inits modem after failed probe.
// Probe runs through receiver so it never cuts into frame handling.
func ProbeLoop(g *state.Global, m *radio.Modem, rcv *link.Receiver) func(context.Context) error {
	probe := func(ctx context.Context) error {
		// any command ends continuous receive, so re-arm after probe
		err := m.Probe(ctx)
		if err == nil {
			err = m.Receive(ctx)
		}
		if err == nil {
			g.Store.SetHealthFlag(state.FlagRadio, true)
			return nil
		}
		g.Log.Error(err)
		g.Store.SetHealthFlag(state.FlagRadio, false)
		if err = m.Init(ctx, g.Config.Radio.RF()); err != nil {
			return errors.Annotate(err, "modem re-init")
		}
		return errors.Annotate(m.Receive(ctx), "modem re-arm")
	}
	return func(ctx context.Context) error {
		tmr := time.NewTicker(g.Config.Radio.ProbeInterval())
		defer tmr.Stop()
		for {
			select {
			case <-tmr.C:
			case <-ctx.Done():
				return ctx.Err()
			}
			// recent traffic proves modem alive, probe would only steal airtime
			if time.Since(m.LastActivity()) < g.Config.Radio.ProbeInterval() {
				continue
			}
			if err := rcv.Exclusive(ctx, probe); err != nil {
				g.Log.Error(err)
			}
		}
	}
}

// Sampler returns local sensor task: file reader when sensor.path is set, static otherwise.
func Sampler(g *state.Global) *sensor.Sampler {
	cfg := g.Config.Sensor
	var reader sensor.Reader
	if cfg.Path != "" {
		reader = &sensor.File{Path: cfg.Path}
	} else {
		reader = &sensor.Static{Temperature: cfg.Temperature, Humidity: cfg.Humidity}
	}
	return &sensor.Sampler{
		Log:      g.Log.Clone(log2.LInfo),
		Reader:   reader,
		Store:    g.Store,
		Interval: cfg.SampleInterval(),
	}
}

func PowerManager(g *state.Global) power.Manager {
	return power.Sleep{Log: g.Log}
}

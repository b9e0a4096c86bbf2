// Package sender is the remote node: sample, transmit with ACK, sleep.
package sender

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/lorawatch/cmd/lorawatch/subcmd"
	"github.com/temoto/lorawatch/internal/link"
	"github.com/temoto/lorawatch/internal/state"
)

var Mod = subcmd.Mod{Name: "sender", Usage: "sample sensor, transmit to gateway", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if err := g.Init(config); err != nil {
		return err
	}
	if config.Node.Id == 0 {
		return errors.NotValidf("sender requires node.id")
	}

	modem, err := subcmd.OpenModem(ctx, g)
	if err != nil {
		return errors.Annotate(err, "sender radio")
	}
	defer modem.Close()

	clock := &link.SystemClock{Log: g.Log, Apply: config.Sender.SetSystemClock}
	s, err := link.NewSender(g, modem, subcmd.PowerManager(g), clock)
	if err != nil {
		return err
	}

	sampler := subcmd.Sampler(g)
	// first frame carries real reading
	sampler.Sample(ctx)
	g.Go(ctx, "sensor", sampler.Run)
	g.Go(ctx, "sender", func(ctx context.Context) error {
		return s.Run(ctx, config.Sender.TimeSync)
	})

	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Infof("sender node=%d running interval=%v", config.Node.Id, s.Interval)
	<-g.Alive.StopChan()
	g.Alive.Wait()
	g.Log.Infof("sender stop modem=%+v", modem.Stat())
	return nil
}

// Package gateway is the receiving node: radio receiver, local sensor, MQTT publisher.
package gateway

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/lorawatch/cmd/lorawatch/subcmd"
	"github.com/temoto/lorawatch/internal/link"
	"github.com/temoto/lorawatch/internal/state"
	"github.com/temoto/lorawatch/internal/tele"
)

var Mod = subcmd.Mod{Name: "gateway", Usage: "receive radio frames, publish readings to MQTT", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if err := g.Init(config); err != nil {
		return err
	}
	tele.SetLibraryLog(g.Log, config.Tele.LogDebug)

	modem, err := subcmd.OpenModem(ctx, g)
	if err != nil {
		return errors.Annotate(err, "gateway radio")
	}
	defer modem.Close()
	g.Store.SetHealthFlag(state.FlagRadio, true)

	publisher := tele.New()
	if err = publisher.Init(ctx, g); err != nil {
		return errors.Annotate(err, "gateway tele")
	}
	defer publisher.Close()

	clock := &link.SystemClock{Log: g.Log}
	receiver := link.NewReceiver(g, modem, clock)

	g.Go(ctx, "sensor", subcmd.Sampler(g).Run)
	g.Go(ctx, "receiver", receiver.Run)
	g.Go(ctx, "radio-probe", subcmd.ProbeLoop(g, modem, receiver))
	g.Go(ctx, "tele", publisher.Run)

	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Infof("gateway node=%d running, sources=%d", config.Node.Id, len(config.Tele.Sources))
	<-g.Alive.StopChan()
	g.Alive.Wait()
	snap := g.Store.Snapshot()
	g.Log.Infof("gateway stop peers=%d errors=%d tele=%+v modem=%+v", len(snap.Remote), snap.Errors, publisher.Stat(), modem.Stat())
	return nil
}

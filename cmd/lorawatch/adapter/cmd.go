// Package adapter runs MQTT consumer with history database and HTTP API.
package adapter

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/lorawatch/cmd/lorawatch/subcmd"
	"github.com/temoto/lorawatch/internal/adapter"
	"github.com/temoto/lorawatch/internal/state"
	"github.com/temoto/lorawatch/internal/tele"
)

var Mod = subcmd.Mod{Name: "adapter", Usage: "verify and store MQTT readings, serve API", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if err := g.Init(config); err != nil {
		return err
	}
	tele.SetLibraryLog(g.Log, config.Node.LogDebug)

	a, err := adapter.New(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()
	broker := config.Adapter.MqttBroker
	if broker == "" {
		broker = config.Tele.MqttBroker
	}
	if err = a.Connect(broker, config.Tele.NetworkTimeout()); err != nil {
		return errors.Annotate(err, "adapter")
	}
	g.Go(ctx, "http", func(ctx context.Context) error {
		return a.Serve(ctx, config.Adapter.ListenAddr())
	})

	subcmd.SdNotify(daemon.SdNotifyReady)
	<-g.Alive.StopChan()
	g.Alive.Wait()
	return nil
}

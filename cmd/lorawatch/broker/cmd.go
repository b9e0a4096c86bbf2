// Package broker runs standalone MQTT broker for small deployments without mosquitto.
package broker

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/lorawatch/cmd/lorawatch/subcmd"
	"github.com/temoto/lorawatch/internal/state"
	"github.com/temoto/lorawatch/log2"
	"github.com/temoto/lorawatch/tele/mqtt"
)

var Mod = subcmd.Mod{Name: "broker", Usage: "run MQTT broker", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if err := g.Init(config); err != nil {
		return err
	}
	listen := config.Broker.Listen
	if len(listen) == 0 {
		listen = []string{state.DefaultBrokerListen}
	}

	blog := g.Log.Clone(log2.LInfo)
	if config.Node.LogDebug {
		blog.SetLevel(log2.LDebug)
	}
	b := mqtt.NewBroker(mqtt.Options{
		Log:  blog,
		Auth: mqtt.AuthPassword(config.Broker.Username, config.Broker.Password),
		OnClose: func(clientID string, clean bool, e error) {
			blog.Debugf("broker client=%s gone clean=%t err=%v", clientID, clean, e)
		},
	})
	if err := b.Listen(ctx, mqtt.ListenURLs(listen, config.Broker.NetworkTimeout())); err != nil {
		_ = b.Close()
		return errors.Annotate(err, "broker")
	}
	g.Log.Infof("broker listen=%v", b.Addrs())

	subcmd.SdNotify(daemon.SdNotifyReady)
	<-g.Alive.StopChan()
	stat := b.Stat()
	g.Log.Infof("broker stop clients=%d received=%d delivered=%d", stat.Clients, stat.Received, stat.Delivered)
	return b.Close()
}

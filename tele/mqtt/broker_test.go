package mqtt_test

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/lorawatch/helpers"
	"github.com/temoto/lorawatch/log2"
	"github.com/temoto/lorawatch/tele/mqtt"
)

const testDefaultTimeout = 1000 * time.Millisecond

type tenv struct {
	t    testing.TB
	ctx  context.Context
	log  *log2.Log
	opt  mqtt.Options
	b    *mqtt.Broker
	addr string
	rand *rand.Rand
}

func TestBroker(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		setup func(*tenv)
		check func(*tenv)
	}{
		{name: "invalid-credentials", check: func(env *tenv) {
			conn := connDial(env)
			pktConnect := packet.NewConnect()
			pktConnect.ClientID = "cli"
			pktConnect.Username = "unknown"
			require.NoError(env.t, conn.Send(pktConnect, false))
			pktConnack := connReceive(env, conn).(*packet.Connack)
			assert.False(env.t, pktConnack.SessionPresent)
			assert.Equal(env.t, packet.NotAuthorized, pktConnack.ReturnCode)
		}},
		{name: "empty-clientid", check: func(env *tenv) {
			conn := connDial(env)
			pktConnect := packet.NewConnect()
			pktConnect.Username = "testuser"
			pktConnect.Password = "testsecret"
			require.NoError(env.t, conn.Send(pktConnect, false))
			pktConnack := connReceive(env, conn).(*packet.Connack)
			assert.Equal(env.t, packet.IdentifierRejected, pktConnack.ReturnCode)
		}},
		{name: "accepted-clean", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connPing(env, conn)
		}},
		{name: "route-qos0", check: func(env *tenv) {
			sub := connDial(env)
			connConnect(env, sub, "", nil)
			connSubscribe(env, sub, []packet.Subscription{{Topic: "sensors/+", QOS: packet.QOSAtMostOnce}})

			pub := connDial(env)
			connConnect(env, pub, "", nil)
			msgout := packet.Message{Topic: "sensors/garden", QOS: packet.QOSAtMostOnce, Payload: []byte(`{"source":"garden"}`)}
			connPublish(env, pub, msgout)

			pktPublish := connReceive(env, sub).(*packet.Publish)
			assert.Equal(env.t, msgout.Topic, pktPublish.Message.Topic)
			assert.Equal(env.t, msgout.Payload, pktPublish.Message.Payload)
		}},
		{name: "route-qos1", check: func(env *tenv) {
			sub := connDial(env)
			connConnect(env, sub, "", nil)
			connSubscribe(env, sub, []packet.Subscription{{Topic: "#", QOS: packet.QOSAtLeastOnce}})

			pub := connDial(env)
			connConnect(env, pub, "", nil)
			msgout := packet.Message{Topic: "sensors/attic", QOS: packet.QOSAtLeastOnce, Payload: []byte("21.5")}
			done := make(chan struct{})
			go func() {
				defer close(done)
				connPublish(env, pub, msgout)
			}()

			pktPublish := connReceive(env, sub).(*packet.Publish)
			assert.Equal(env.t, msgout.Payload, pktPublish.Message.Payload)
			require.Equal(env.t, packet.QOSAtLeastOnce, pktPublish.Message.QOS)
			connPuback(env, sub, pktPublish.ID)
			<-done
			assert.Equal(env.t, uint32(1), env.b.Stat().Delivered)
		}},
		{name: "no-subscribers-acked", check: func(env *tenv) {
			pub := connDial(env)
			connConnect(env, pub, "", nil)
			connPublish(env, pub, packet.Message{Topic: "nobody", QOS: packet.QOSAtLeastOnce, Payload: []byte("x")})
		}},
		{name: "retained", check: func(env *tenv) {
			pub := connDial(env)
			connConnect(env, pub, "", nil)
			connPublish(env, pub, packet.Message{Topic: "handshake/response/garden", Retain: true, Payload: []byte(`{"seq":5}`)})
			require.Eventually(env.t, func() bool { return len(env.b.Retained()) == 1 }, testDefaultTimeout, 10*time.Millisecond)

			sub := connDial(env)
			connConnect(env, sub, "", nil)
			connSubscribe(env, sub, []packet.Subscription{{Topic: "handshake/response/+", QOS: packet.QOSAtMostOnce}})
			pktPublish := connReceive(env, sub).(*packet.Publish)
			assert.Equal(env.t, "handshake/response/garden", pktPublish.Message.Topic)
			assert.Equal(env.t, []byte(`{"seq":5}`), pktPublish.Message.Payload)

			// empty payload clears retained
			connPublish(env, pub, packet.Message{Topic: "handshake/response/garden", Retain: true})
			pktPublish = connReceive(env, sub).(*packet.Publish)
			assert.Empty(env.t, pktPublish.Message.Payload)
			assert.Len(env.t, env.b.Retained(), 0)
		}},
		{name: "unsubscribe", check: func(env *tenv) {
			sub := connDial(env)
			connConnect(env, sub, "", nil)
			connSubscribe(env, sub, []packet.Subscription{{Topic: "a/#", QOS: packet.QOSAtMostOnce}})
			pktUnsub := packet.NewUnsubscribe()
			pktUnsub.ID = 7
			pktUnsub.Topics = []string{"a/#"}
			require.NoError(env.t, sub.Send(pktUnsub, false))
			pktUnsuback := connReceive(env, sub).(*packet.Unsuback)
			assert.Equal(env.t, packet.ID(7), pktUnsuback.ID)

			require.Equal(env.t, mqtt.ErrNoSubscribers, env.b.Publish(env.ctx, &packet.Message{Topic: "a/b", Payload: []byte("x")}))
		}},
		{name: "will", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "#", QOS: packet.QOSAtMostOnce}})

			connTrigger := connDial(env)
			will := &packet.Message{Topic: "status/garden", Payload: []byte("offline")}
			connConnect(env, connTrigger, "", will)
			require.NoError(env.t, connTrigger.Close())

			pktPublish := connReceive(env, conn).(*packet.Publish)
			assert.Equal(env.t, will.Topic, pktPublish.Message.Topic)
			assert.Equal(env.t, will.Payload, pktPublish.Message.Payload)
		}},
		{name: "disconnect-clean", check: func(env *tenv) {
			connTrigger := connDial(env)
			will := &packet.Message{Topic: "status/garden", Payload: []byte("offline"), Retain: true}
			connConnect(env, connTrigger, "", will)
			connDisconnect(env, connTrigger)
			require.NoError(env.t, connTrigger.Close())
			require.Eventually(env.t, func() bool { return env.b.Stat().Clients == 0 }, testDefaultTimeout, 10*time.Millisecond)
			require.Len(env.t, env.b.Retained(), 0)
		}},
		{name: "custom-onpublish-reject", setup: func(env *tenv) {
			env.opt.OnPublish = func(ctx context.Context, msg *packet.Message, ack *future.Future) error {
				ack.Cancel(fmt.Errorf("rejected"))
				return nil
			}
			testBrokerDefaultSetup(env)
		}, check: func(env *tenv) {
			pub := connDial(env)
			connConnect(env, pub, "", nil)
			pktPublish := packet.NewPublish()
			pktPublish.ID = 1
			pktPublish.Message = packet.Message{Topic: "x", QOS: packet.QOSAtLeastOnce, Payload: []byte("x")}
			require.NoError(env.t, pub.Send(pktPublish, false))
			_, err := pub.Receive()
			require.Error(env.t, err)
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := &tenv{
				t:    t,
				ctx:  context.Background(),
				log:  log2.NewTest(t, log2.LDebug),
				rand: helpers.RandUnix(),
			}
			if os.Getenv("lorawatch_test_log_stderr") == "1" {
				env.log = log2.NewStderr(log2.LDebug)
			}
			env.log.SetFlags(log2.LTestFlags)
			if c.setup == nil {
				c.setup = testBrokerDefaultSetup
			}
			c.setup(env)
			defer func() {
				assert.NoError(t, env.b.Close())
			}()
			c.check(env)
		})
	}
}

func TestBrokerCloseListen(t *testing.T) {
	t.Parallel()

	b := mqtt.NewBroker(mqtt.Options{Log: log2.NewTest(t, log2.LDebug)})
	require.NoError(t, b.Close())
	err := b.Listen(context.Background(), mqtt.ListenURLs([]string{"tcp://localhost:"}, time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Listen after Close")
}

func TestBrokerListenInvalid(t *testing.T) {
	t.Parallel()

	b := mqtt.NewBroker(mqtt.Options{Log: log2.NewTest(t, log2.LDebug)})
	defer b.Close()
	err := b.Listen(context.Background(), mqtt.ListenURLs([]string{"udp://localhost:1"}, time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func testBrokerDefaultSetup(env *tenv) {
	env.opt.Log = env.log
	env.opt.Auth = mqtt.AuthPassword("testuser", "testsecret")
	env.b = mqtt.NewBroker(env.opt)
	lopts := []*mqtt.ListenOptions{{URL: "tcp://localhost:", NetworkTimeout: testDefaultTimeout}}
	require.NoError(env.t, env.b.Listen(env.ctx, lopts))
	addrs := env.b.Addrs()
	require.Len(env.t, addrs, 1)
	env.addr = addrs[0]
}

func connDial(env *tenv) transport.Conn {
	addr := "tcp://" + env.addr
	c, err := transport.Dial(addr)
	require.NoError(env.t, err)
	c.SetReadTimeout(testDefaultTimeout)
	return c
}

func connConnect(env *tenv, c transport.Conn, id string, will *packet.Message) {
	if id == "" {
		id = fmt.Sprintf("cli%d", env.rand.Int31())
	}
	pktConnect := packet.NewConnect()
	pktConnect.CleanSession = true
	pktConnect.ClientID = id
	pktConnect.Username = "testuser"
	pktConnect.Password = "testsecret"
	pktConnect.Will = will
	require.NoError(env.t, c.Send(pktConnect, false))
	pktConnack := connReceive(env, c).(*packet.Connack)
	assert.False(env.t, pktConnack.SessionPresent)
	assert.Equal(env.t, packet.ConnectionAccepted, pktConnack.ReturnCode)
}

func connPublish(env *tenv, c transport.Conn, msg packet.Message) {
	pktPublish := packet.NewPublish()
	pktPublish.ID = packet.ID(env.rand.Uint32()%(1<<16-1) + 1)
	pktPublish.Message = msg
	require.NoError(env.t, c.Send(pktPublish, false))
	if msg.QOS == packet.QOSAtLeastOnce {
		pktPuback := connReceive(env, c).(*packet.Puback)
		assert.Equal(env.t, pktPublish.ID, pktPuback.ID)
	}
}

func connPing(env *tenv, c transport.Conn) {
	require.NoError(env.t, c.Send(packet.NewPingreq(), false))
	_ = connReceive(env, c).(*packet.Pingresp)
}

func connReceive(env *tenv, c transport.Conn) packet.Generic {
	pkt, err := c.Receive()
	if pkt == nil {
		env.log.Infof("testClient recv pkt=nil err=%v", err)
	} else {
		env.log.Infof("testClient recv pkt=%s err=%v", mqtt.PacketString(pkt), err)
	}
	require.NoError(env.t, err)
	return pkt
}

func connSubscribe(env *tenv, c transport.Conn, subs []packet.Subscription) {
	pktSubscribe := packet.NewSubscribe()
	pktSubscribe.ID = packet.ID(env.rand.Uint32()%(1<<16-1) + 1)
	pktSubscribe.Subscriptions = subs
	require.NoError(env.t, c.Send(pktSubscribe, false))
	pktSuback := connReceive(env, c).(*packet.Suback)
	expect := make([]packet.QOS, 0, len(subs))
	for _, sub := range subs {
		expect = append(expect, sub.QOS)
	}
	assert.Equal(env.t, expect, pktSuback.ReturnCodes)
}

func connPuback(env *tenv, c transport.Conn, id packet.ID) {
	pkt := packet.NewPuback()
	pkt.ID = id
	require.NoError(env.t, c.Send(pkt, false))
}

func connDisconnect(env *tenv, c transport.Conn) {
	require.NoError(env.t, c.Send(packet.NewDisconnect(), false))
}

package tele

import (
	"context"
	"net/url"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/lorawatch/internal/state"
	"github.com/temoto/lorawatch/log2"
)

type transportMqtt struct {
	log       *log2.Log
	config    state.TeleConfig
	ev        Events
	m         mqtt.Client
	mopt      *mqtt.ClientOptions
	connected uint32
}

// ClientID returns configured id or random "lorawatch-<uuid>".
func ClientID(configured string) string {
	if configured != "" {
		return configured
	}
	return "lorawatch-" + uuid.NewString()
}

// SetLibraryLog routes paho internal messages, process wide.
func SetLibraryLog(log *log2.Log, debug bool) {
	mqtt.ERROR = log.Printer(log2.LError)
	mqtt.CRITICAL = log.Printer(log2.LError)
	mqtt.WARN = log.Printer(log2.LInfo)
	if debug {
		mqtt.DEBUG = log.Printer(log2.LDebug)
	}
}

func (self *transportMqtt) Init(ctx context.Context, log *log2.Log, config state.TeleConfig, ev Events) error {
	self.log = log
	self.config = config
	self.ev = ev
	if _, err := url.ParseRequestURI(config.MqttBroker); err != nil {
		return errors.Annotatef(err, "tele mqtt_broker=%s", config.MqttBroker)
	}
	networkTimeout := config.NetworkTimeout()
	self.mopt = mqtt.NewClientOptions().
		AddBroker(config.MqttBroker).
		SetClientID(ClientID(config.ClientId)).
		SetCleanSession(true).
		SetKeepAlive(config.Keepalive()).
		SetPingTimeout(networkTimeout).
		SetConnectTimeout(networkTimeout).
		SetWriteTimeout(networkTimeout).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(config.HandshakeRetry()).
		SetMaxReconnectInterval(4 * config.HandshakeRetry()).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler)
	if config.MqttUsername != "" {
		self.mopt.SetUsername(config.MqttUsername).SetPassword(config.MqttPassword)
	}
	self.m = mqtt.NewClient(self.mopt)
	// with connect retry token completes only on success or Disconnect
	_ = self.m.Connect()
	return nil
}

func (self *transportMqtt) Close() {
	atomic.StoreUint32(&self.connected, 0)
	if self.m != nil {
		self.m.Disconnect(uint(self.config.NetworkTimeout().Milliseconds()))
	}
}

func (self *transportMqtt) Connected() bool { return atomic.LoadUint32(&self.connected) == 1 }

func (self *transportMqtt) Publish(topic string, payload []byte) error {
	if !self.Connected() {
		return errors.Annotatef(ErrLink, "publish topic=%s", topic)
	}
	token := self.m.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(self.config.NetworkTimeout()) {
		return errors.Timeoutf("publish topic=%s", topic)
	}
	return errors.Annotatef(token.Error(), "publish topic=%s", topic)
}

func (self *transportMqtt) messageHandler(c mqtt.Client, msg mqtt.Message) {
	self.log.Debugf("mqtt message topic=%s payload=%s", msg.Topic(), msg.Payload())
	if self.ev.OnMessage != nil {
		self.ev.OnMessage(msg.Topic(), msg.Payload())
	}
}

func (self *transportMqtt) connectLostHandler(c mqtt.Client, err error) {
	atomic.StoreUint32(&self.connected, 0)
	self.log.Infof("mqtt disconnect err=%v", err)
	if self.ev.OnLost != nil {
		self.ev.OnLost(err)
	}
}

func (self *transportMqtt) onConnectHandler(c mqtt.Client) {
	topic := handshakeResponsePrefix + "+"
	token := c.Subscribe(topic, 1, self.messageHandler)
	if !token.WaitTimeout(self.config.NetworkTimeout()) || token.Error() != nil {
		self.log.Errorf("mqtt subscribe topic=%s err=%v", topic, token.Error())
		// handshake responses are required, link stays down until subscribed
		time.AfterFunc(self.config.HandshakeRetry(), func() {
			if c.IsConnected() {
				self.onConnectHandler(c)
			}
		})
		return
	}
	atomic.StoreUint32(&self.connected, 1)
	self.log.Infof("mqtt connect broker=%s", self.config.MqttBroker)
	if self.ev.OnConnect != nil {
		self.ev.OnConnect()
	}
}

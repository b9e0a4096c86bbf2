// Package adapter is the consumer side of MQTT leg: answers handshakes,
// verifies signed telemetry, rejects replays, stores history and feeds live clients.
package adapter

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/temoto/lorawatch/internal/auth"
	"github.com/temoto/lorawatch/internal/state"
	"github.com/temoto/lorawatch/internal/tele"
	"github.com/temoto/lorawatch/log2"
)

var (
	ErrReplay         = errors.New("replayed sequence")
	ErrSourceMismatch = errors.New("source does not match topic")
)

type Outcome uint8

const (
	OutcomeIgnored Outcome = iota
	OutcomeHandshake
	OutcomeAccepted
	OutcomeInvalid
	OutcomeAuthError
	OutcomeReplay
	OutcomeStoreError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeHandshake:
		return "handshake"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeAuthError:
		return "auth_error"
	case OutcomeReplay:
		return "replay"
	case OutcomeStoreError:
		return "store_error"
	}
	return "outcome?"
}

// PublishFunc sends handshake response, QoS 1.
type PublishFunc func(topic string, payload []byte) error

type Adapter struct {
	Log     *log2.Log
	DB      *DB
	Hub     *Hub
	Publish PublishFunc
	Now     func() time.Time

	secret []byte
	topics []string
	// topic to source name, from tele sources
	topicSource map[string]string
	// last accepted sequence per source
	last *xsync.MapOf[string, uint32]

	clientId string
	m        mqtt.Client
}

// New opens database and restores replay table from it.
func New(ctx context.Context, g *state.Global) (*Adapter, error) {
	cfg := g.Config
	a := &Adapter{
		Log:      g.Log.Clone(log2.LInfo),
		Hub:      NewHub(g.Log),
		Now:      time.Now,
		secret:   []byte(cfg.Secret),
		last:     xsync.NewMapOf[string, uint32](),
		clientId: cfg.Adapter.ClientId,
	}
	if cfg.Node.LogDebug {
		a.Log.SetLevel(log2.LDebug)
	}
	a.topicSource = make(map[string]string, len(cfg.Tele.Sources))
	for _, src := range cfg.Tele.Sources {
		a.topicSource[src.Topic] = src.Name
	}
	a.topics = cfg.Adapter.Topics
	if len(a.topics) == 0 {
		for _, src := range cfg.Tele.Sources {
			a.topics = append(a.topics, src.Topic)
		}
	}
	if len(a.topics) == 0 {
		return nil, errors.NotValidf("adapter without topics")
	}

	path := cfg.Adapter.DBPath
	if path == "" {
		return nil, errors.NotValidf("adapter.db_path empty")
	}
	var err error
	if a.DB, err = OpenDB(path); err != nil {
		return nil, errors.Annotate(err, "adapter")
	}
	sources, err := a.DB.Sources(ctx)
	if err != nil {
		a.DB.Close()
		return nil, errors.Annotate(err, "adapter")
	}
	for _, s := range sources {
		a.last.Store(s.Name, s.LastSeq)
	}
	a.Log.Infof("adapter db=%s sources=%d topics=%s", path, len(sources), strings.Join(a.topics, ","))
	return a, nil
}

func (a *Adapter) Topics() []string { return append([]string(nil), a.topics...) }

// Connect subscribes with paho to broker, reconnects on its own.
func (a *Adapter) Connect(broker string, networkTimeout time.Duration) error {
	if _, err := url.ParseRequestURI(broker); err != nil {
		return errors.Annotatef(err, "adapter mqtt_broker=%s", broker)
	}
	filters := map[string]byte{state.DefaultTopicHandshakeReq: 1}
	for _, t := range a.topics {
		filters[t] = 1
	}
	onMessage := func(c mqtt.Client, msg mqtt.Message) {
		outcome := a.HandleMessage(context.Background(), msg.Topic(), msg.Payload())
		a.Log.Debugf("adapter topic=%s outcome=%s", msg.Topic(), outcome)
	}
	mopt := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(tele.ClientID(a.clientId)).
		SetCleanSession(true).
		SetConnectTimeout(networkTimeout).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			token := c.SubscribeMultiple(filters, onMessage)
			if !token.WaitTimeout(networkTimeout) || token.Error() != nil {
				a.Log.Errorf("adapter subscribe err=%v", token.Error())
				return
			}
			a.Log.Infof("adapter mqtt connected broker=%s", broker)
		}).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			a.Log.Errorf("adapter mqtt connection lost err=%v", err)
		})
	a.m = mqtt.NewClient(mopt)
	a.Publish = func(topic string, payload []byte) error {
		token := a.m.Publish(topic, 1, false, payload)
		if !token.WaitTimeout(networkTimeout) {
			return errors.Timeoutf("publish topic=%s", topic)
		}
		return token.Error()
	}
	_ = a.m.Connect()
	return nil
}

func (a *Adapter) Close() {
	if a.m != nil {
		a.m.Disconnect(1000)
	}
	a.Hub.Close()
	if err := a.DB.Close(); err != nil {
		a.Log.Error(errors.Annotate(err, "adapter db close"))
	}
}

// HandleMessage dispatches by topic.
func (a *Adapter) HandleMessage(ctx context.Context, topic string, payload []byte) Outcome {
	if topic == state.DefaultTopicHandshakeReq {
		return a.handleHandshake(payload)
	}
	return a.handleTelemetry(ctx, topic, payload)
}

// NextSeq is what source must use next: last accepted + 1, or 1 for unknown source.
func (a *Adapter) NextSeq(source string) uint32 {
	if last, ok := a.last.Load(source); ok {
		return last + 1
	}
	return 1
}

func (a *Adapter) handleHandshake(payload []byte) Outcome {
	source, err := tele.ParseHandshakeRequest(payload)
	if err != nil {
		a.Log.Errorf("adapter handshake payload=%q err=%v", payload, err)
		return OutcomeInvalid
	}
	seq := a.NextSeq(source)
	topic := tele.HandshakeResponseTopic(source)
	if a.Publish == nil {
		a.Log.Errorf("code error adapter Publish not set")
		return OutcomeIgnored
	}
	// paho handler must not block on its own publish token
	go func() {
		if err := a.Publish(topic, tele.HandshakeResponse(seq)); err != nil {
			a.Log.Errorf("adapter handshake response source=%s err=%v", source, err)
		}
	}()
	a.Log.Infof("adapter handshake source=%s seq=%d", source, seq)
	return OutcomeHandshake
}

func (a *Adapter) handleTelemetry(ctx context.Context, topic string, payload []byte) Outcome {
	tm, err := tele.VerifyPayload(a.secret, payload)
	switch {
	case err == nil:
	case errors.Cause(err) == auth.ErrAuthentication:
		a.Log.Securityf("adapter topic=%s err=%v", topic, err)
		return OutcomeAuthError
	default:
		a.Log.Errorf("adapter topic=%s payload=%q err=%v", topic, payload, err)
		return OutcomeInvalid
	}

	if expect, ok := a.topicSource[topic]; ok && expect != tm.Source {
		a.Log.Securityf("adapter topic=%s source=%s expected=%s err=%v", topic, tm.Source, expect, ErrSourceMismatch)
		return OutcomeInvalid
	}

	r := readingFrom(tm, a.Now().UTC())
	err = a.accept(tm.Source, tm.Seq, func() error { return a.DB.Insert(ctx, &r) })
	switch {
	case err == nil:
	case errors.Cause(err) == ErrReplay:
		a.Log.Securityf("adapter source=%s seq=%d err=%v", tm.Source, tm.Seq, err)
		return OutcomeReplay
	default:
		a.Log.Error(err)
		return OutcomeStoreError
	}
	if b, err := json.Marshal(r); err == nil {
		a.Hub.Broadcast(b)
	}
	a.Log.Debugf("adapter accepted source=%s seq=%d", tm.Source, tm.Seq)
	return OutcomeAccepted
}

// accept rejects seq <= last, otherwise runs commit and advances last
// sequence only when commit succeeded. Per source, check and commit are atomic.
func (a *Adapter) accept(source string, seq uint32, commit func() error) error {
	var err error
	a.last.Compute(source, func(last uint32, loaded bool) (uint32, bool) {
		if loaded && seq <= last {
			err = errors.Annotatef(ErrReplay, "last=%d", last)
			return last, false
		}
		if err = commit(); err != nil {
			// unknown source stays unknown
			return last, !loaded
		}
		return seq, false
	})
	return err
}

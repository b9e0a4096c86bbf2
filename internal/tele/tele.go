// Package tele publishes sensor readings to MQTT: per-source handshake,
// then signed JSON with monotonic sequence, delivered through persistent queue.
package tele

import (
	"bytes"
	"context"
	"math"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/lorawatch/helpers"
	"github.com/temoto/lorawatch/internal/state"
	"github.com/temoto/lorawatch/log2"
	"github.com/temoto/spq"
)

const (
	handshakeRequestTopic   = state.DefaultTopicHandshakeReq
	handshakeResponsePrefix = state.DefaultTopicHandshakeRes
)

var ErrLink = errors.New("mqtt link down")

// denote value type in persistent queue bytes form
const (
	// unsigned reading, sequence and hmac are assigned at send time
	qReading byte = 2
)

// Publisher contract:
// - Init fails only with invalid config, network issues ignored
// - nothing is published for a source before its handshake completes
// - readings are queued on disk, worker delivers them at least once
// - link loss resets every handshake, new sequences come from the other side
type Publisher struct { //nolint:maligned
	config    state.TeleConfig
	log       *log2.Log
	store     *state.Store
	secret    []byte
	transport Transporter
	q         *spq.Queue
	alive     *alive.Alive
	backoff   helpers.Backoff
	// wake cuts queue retry delay short after handshake
	wake chan struct{}

	mu   sync.Mutex
	last map[string]lastPublish
	stat Stat
}

type lastPublish struct {
	temperature float64
	humidity    float64
	at          time.Time
}

type Stat struct {
	Queued     uint32
	Sent       uint32
	Failed     uint32
	Handshakes uint32
}

func New() *Publisher { return &Publisher{} }

// NewWithTransporter is for tests and alternative links.
func NewWithTransporter(trans Transporter) *Publisher {
	return &Publisher{transport: trans}
}

func (self *Publisher) Init(ctx context.Context, g *state.Global) error {
	self.config = g.Config.Tele
	self.log = g.Log.Clone(log2.LInfo)
	if self.config.LogDebug {
		self.log.SetLevel(log2.LDebug)
	}
	self.store = g.Store
	self.secret = []byte(g.Config.Secret)
	self.alive = alive.NewAlive()
	self.last = make(map[string]lastPublish)
	self.wake = make(chan struct{}, 1)
	self.backoff = helpers.Backoff{Min: 100 * time.Millisecond, Max: self.config.HandshakeRetry(), K: 2}
	if !self.config.Enable {
		self.log.Infof("tele disabled")
		return nil
	}
	if len(self.config.Sources) == 0 {
		return errors.NotValidf("tele enabled without source")
	}

	if self.config.PersistPath == "" {
		return errors.NotValidf("tele.persist_path empty")
	}
	var err error
	self.q, err = spq.Open(self.config.PersistPath)
	if err != nil {
		return errors.Annotate(err, "tele queue")
	}

	// test code sets .transport
	if self.transport == nil {
		self.transport = &transportMqtt{}
	}
	ev := Events{
		OnConnect: self.onConnect,
		OnLost:    self.onLost,
		OnMessage: self.onMessage,
	}
	if err := self.transport.Init(ctx, self.log, self.config, ev); err != nil {
		self.q.Close()
		return errors.Annotate(err, "tele transport")
	}

	self.alive.Add(1)
	go self.qworker()
	return nil
}

func (self *Publisher) Enabled() bool { return self.config.Enable }

func (self *Publisher) Stat() Stat {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.stat
}

// Close stops queue worker and transport. Queued messages stay on disk.
func (self *Publisher) Close() {
	if self.alive == nil || !self.config.Enable {
		return
	}
	self.alive.Stop()
	if self.q != nil {
		self.q.Close()
	}
	self.alive.Wait()
	self.transport.Close()
}

// Run drives handshake retries and publish cadence until ctx is done.
func (self *Publisher) Run(ctx context.Context) error {
	if !self.config.Enable {
		<-ctx.Done()
		return ctx.Err()
	}
	changed, unsubscribe := self.store.Subscribe()
	defer unsubscribe()

	handshakeTick := time.NewTicker(self.config.HandshakeRetry())
	defer handshakeTick.Stop()
	interval := self.config.PublishInterval()
	onChange := self.config.Policy() == state.PublishPolicyOnChange
	if onChange && self.config.MaxSilence() < interval {
		interval = self.config.MaxSilence()
	}
	publishTick := time.NewTicker(interval)
	defer publishTick.Stop()

	for {
		select {
		case <-handshakeTick.C:
			self.requestHandshakes()

		case <-publishTick.C:
			self.PublishAll(time.Now(), !onChange)

		case <-changed:
			if onChange {
				self.PublishAll(time.Now(), false)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (self *Publisher) onConnect() {
	self.store.SetHealthFlag(state.FlagNetwork, true)
	self.requestHandshakes()
}

func (self *Publisher) onLost(err error) {
	self.log.Error(errors.Annotate(ErrLink, err.Error()))
	self.store.SetHealthFlag(state.FlagNetwork, false)
	self.store.ResetHandshakes()
}

func (self *Publisher) onMessage(topic string, payload []byte) {
	if len(topic) <= len(handshakeResponsePrefix) || topic[:len(handshakeResponsePrefix)] != handshakeResponsePrefix {
		self.log.Debugf("tele unexpected topic=%s", topic)
		return
	}
	source := topic[len(handshakeResponsePrefix):]
	if _, ok := self.sourceConfig(source); !ok {
		self.log.Debugf("tele handshake response for foreign source=%s", source)
		return
	}
	seq, err := ParseHandshakeResponse(payload)
	if err != nil {
		self.log.Errorf("tele handshake source=%s payload=%q err=%v", source, payload, err)
		return
	}
	self.store.RecordHandshake(source, seq)
	self.backoff.Reset()
	helpers.Notify(self.wake)
	self.mu.Lock()
	self.stat.Handshakes++
	self.mu.Unlock()
	self.log.Infof("tele handshake source=%s seq=%d", source, seq)
}

func (self *Publisher) requestHandshakes() {
	if !self.transport.Connected() {
		return
	}
	for _, src := range self.config.Sources {
		if self.store.IsHandshakeComplete(src.Name) {
			continue
		}
		self.log.Debugf("tele handshake request source=%s", src.Name)
		if err := self.transport.Publish(handshakeRequestTopic, HandshakeRequest(src.Name)); err != nil {
			self.log.Errorf("tele handshake request source=%s err=%v", src.Name, err)
		}
	}
}

func (self *Publisher) sourceConfig(name string) (state.SourceConfig, bool) {
	for _, src := range self.config.Sources {
		if src.Name == name {
			return src, true
		}
	}
	return state.SourceConfig{}, false
}

// PublishAll queues reading of every source.
// force=false publishes only meaningful change or after max silence.
func (self *Publisher) PublishAll(now time.Time, force bool) {
	snap := self.store.Snapshot()
	for _, src := range self.config.Sources {
		tm, ok := telemetryFrom(src, &snap)
		if !ok {
			continue
		}
		if !force && !self.due(src.Name, tm, now) {
			continue
		}
		if err := self.Publish(src.Name, tm, now); err != nil && errors.Cause(err) != state.ErrHandshakeIncomplete {
			self.log.Error(err)
		}
	}
}

func (self *Publisher) due(source string, tm *Telemetry, now time.Time) bool {
	self.mu.Lock()
	last, ok := self.last[source]
	self.mu.Unlock()
	if !ok {
		return true
	}
	threshold := self.config.Threshold()
	return math.Abs(tm.Temperature-last.temperature) >= threshold ||
		math.Abs(tm.Humidity-last.humidity) >= threshold ||
		now.Sub(last.at) >= self.config.MaxSilence()
}

// Publish queues tm. Sequence and hmac are assigned by queue worker
// when the item is sent, so they always belong to the current handshake.
// Returns ErrHandshakeIncomplete cause before handshake.
func (self *Publisher) Publish(source string, tm *Telemetry, now time.Time) error {
	src, ok := self.sourceConfig(source)
	if !ok {
		return errors.NotFoundf("tele source=%s", source)
	}
	if !self.store.IsHandshakeComplete(source) {
		return errors.Annotatef(state.ErrHandshakeIncomplete, "source=%s", source)
	}
	tm.Source = source
	tm.Seq = 0
	if err := self.qpush(src.Topic, tm.Canonical()); err != nil {
		return errors.Annotatef(err, "CRITICAL tele queue source=%s", source)
	}
	self.mu.Lock()
	self.last[source] = lastPublish{temperature: tm.Temperature, humidity: tm.Humidity, at: now}
	self.stat.Queued++
	self.mu.Unlock()
	self.log.Debugf("tele queued source=%s", source)
	return nil
}

// telemetryFrom picks reading for source, ok=false when nothing valid yet.
func telemetryFrom(src state.SourceConfig, snap *state.SystemState) (*Telemetry, bool) {
	if src.PeerId == 0 {
		if !snap.Local.Valid {
			return nil, false
		}
		status := snap.Health.Radio
		return &Telemetry{
			Temperature: snap.Local.Temperature,
			Humidity:    snap.Local.Humidity,
			LoraStatus:  &status,
		}, true
	}
	r, ok := snap.Remote[uint8(src.PeerId)]
	if !ok || !r.Valid {
		return nil, false
	}
	tm := &Telemetry{Temperature: r.Temperature, Humidity: r.Humidity}
	if r.HasSignal {
		rssi, snr := r.Signal.RSSI, r.Signal.SNR
		tm.RSSI, tm.SNR = &rssi, &snr
	}
	received, lost, status := r.Seq.PacketsReceived, r.Seq.PacketsLost, snap.Health.Radio
	tm.PacketsReceived, tm.PacketsLost, tm.LoraStatus = &received, &lost, &status
	return tm, true
}

func (self *Publisher) qpush(topic string, payload []byte) error {
	b := make([]byte, 0, 1+len(topic)+1+len(payload))
	b = append(b, qReading)
	b = append(b, topic...)
	b = append(b, 0)
	b = append(b, payload...)
	return self.q.Push(b)
}

func (self *Publisher) qworker() {
	defer self.alive.Done()
	for {
		box, err := self.q.Peek()
		switch err {
		case nil:
			b := box.Bytes()
			del, err := self.qhandle(b)
			switch errors.Cause(err) {
			case nil:
			case ErrLink, state.ErrHandshakeIncomplete:
				self.log.Debugf("tele qhandle deferred: %v", err)
			default:
				self.log.Errorf("tele qhandle err=%v", err)
			}
			if del {
				err = self.q.Delete(box)
			} else {
				err = self.q.DeletePush(box)
			}
			if err != nil {
				self.log.Errorf("tele queue del=%t err=%v", del, err)
			}
			if !del {
				select {
				case <-time.After(self.backoff.DelayAfter(false)):
				case <-self.wake:
				case <-self.alive.StopChan():
				}
			}

		case spq.ErrClosed:
			if self.alive.IsRunning() {
				self.log.Errorf("CRITICAL tele spq closed unexpectedly")
			}
			return

		default:
			self.log.Errorf("CRITICAL tele spq err=%v", err)
			select {
			case <-time.After(self.config.HandshakeRetry()):
			case <-self.alive.StopChan():
				return
			}
		}
	}
}

// qhandle returns true when item is done with, delivered or undeliverable.
func (self *Publisher) qhandle(b []byte) (bool, error) {
	if len(b) == 0 {
		return true, errors.NotValidf("empty queue item")
	}
	switch b[0] {
	case qReading:
		i := bytes.IndexByte(b[1:], 0)
		if i < 0 {
			return true, errors.NotValidf("queue item without topic")
		}
		topic := string(b[1 : 1+i])
		tm, err := ParseCanonical(b[2+i:])
		if err != nil {
			return true, errors.Annotate(err, "queue item")
		}
		// wait for link and handshake before taking a sequence
		if !self.transport.Connected() {
			return false, ErrLink
		}
		seq, err := self.store.NextSequence(tm.Source)
		if err != nil {
			return false, err
		}
		tm.Seq = seq
		payload := SignPayload(self.secret, tm.Canonical())
		if err := self.transport.Publish(topic, payload); err != nil {
			self.mu.Lock()
			self.stat.Failed++
			self.mu.Unlock()
			return false, err
		}
		self.backoff.Reset()
		self.mu.Lock()
		self.stat.Sent++
		self.mu.Unlock()
		self.log.Debugf("tele sent topic=%s payload=%s", topic, payload)
		return true, nil

	default:
		return true, errors.Errorf("unknown kind=%d", b[0])
	}
}

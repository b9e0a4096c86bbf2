// Package mqtt is small MQTT 3.1.1 broker for lorawatch deployments and tests.
// QoS 0 and 1, retained messages, will, wildcard subscriptions.
// Part of public API for external usage.
package mqtt

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/lorawatch/helpers"
	"github.com/temoto/lorawatch/log2"
)

const defaultReadLimit = 1 << 20

var (
	ErrSameClient    = fmt.Errorf("clientid overtake")
	ErrClosing       = fmt.Errorf("broker is closing")
	ErrNoSubscribers = fmt.Errorf("no subscribers")
)

type Options struct {
	Log *log2.Log
	// Auth nil accepts every client.
	Auth AuthFunc
	// OnPublish nil routes client messages to subscribers.
	OnPublish MessageFunc
	OnClose   CloseFunc
}

type AuthFunc = func(ctx context.Context, opt *ListenOptions, pkt *packet.Connect) (bool, error)
type CloseFunc = func(clientID string, clean bool, e error)

// MessageFunc must Complete or Cancel ack for QoS 1 message to be acknowledged.
type MessageFunc = func(context.Context, *packet.Message, *future.Future) error

type Stat struct {
	Clients   int32
	Received  uint32
	Delivered uint32
}

type subscription struct {
	pattern string
	client  string
	qos     packet.QOS
}

type Broker struct { //nolint:maligned
	sync.RWMutex

	alive    *alive.Alive
	sessions struct {
		sync.RWMutex
		m map[string]*session
	}
	ctx       context.Context
	listens   map[string]*transport.NetServer
	log       *log2.Log
	nextid    uint32 // atomic packet.ID
	auth      AuthFunc
	onClose   CloseFunc
	onPublish MessageFunc
	retain    *topic.Tree // *packet.Message
	subs      *topic.Tree // *subscription
	stat      Stat
}

func NewBroker(opt Options) *Broker {
	b := &Broker{
		alive:   alive.NewAlive(),
		log:     opt.Log,
		auth:    opt.Auth,
		onClose: opt.OnClose,
		retain:  topic.NewStandardTree(),
		subs:    topic.NewStandardTree(),
	}
	b.sessions.m = make(map[string]*session)
	b.onPublish = opt.OnPublish
	if b.onPublish == nil {
		b.onPublish = b.route
	}
	return b
}

// AuthPassword accepts clients with given credentials. Empty username accepts all.
func AuthPassword(username, password string) AuthFunc {
	return func(_ context.Context, _ *ListenOptions, pkt *packet.Connect) (bool, error) {
		if username == "" {
			return true, nil
		}
		return pkt.Username == username && pkt.Password == password, nil
	}
}

func (b *Broker) Addrs() []string {
	b.RLock()
	defer b.RUnlock()
	addrs := make([]string, 0, len(b.listens))
	for _, l := range b.listens {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

func (b *Broker) Stat() Stat {
	return Stat{
		Clients:   atomic.LoadInt32(&b.stat.Clients),
		Received:  atomic.LoadUint32(&b.stat.Received),
		Delivered: atomic.LoadUint32(&b.stat.Delivered),
	}
}

func (b *Broker) Close() error {
	b.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(b, func() {
		for key, ns := range b.listens {
			if err := ns.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(b.listens, key)
		}
	})
	helpers.WithLock(b.sessions.RLocker(), func() {
		for _, s := range b.sessions.m {
			switch err := s.die(nil); err {
			case nil, ErrClosing, io.EOF:
			default:
				errs = append(errs, err)
			}
		}
	})
	b.alive.Wait()
	return helpers.FoldErrors(errs)
}

func (b *Broker) Listen(ctx context.Context, lopts []*ListenOptions) error {
	b.Lock()
	defer b.Unlock()

	b.ctx = ctx
	if b.listens == nil {
		b.listens = make(map[string]*transport.NetServer, len(lopts))
	}

	errs := make([]error, 0)
	for _, opt := range lopts {
		b.log.Debugf("mqtt listen url=%s timeout=%v", opt.URL, opt.NetworkTimeout)
		if opt.AckTimeout == 0 {
			opt.AckTimeout = 2 * opt.NetworkTimeout
		}
		if opt.ReadLimit == 0 {
			opt.ReadLimit = defaultReadLimit
		}
		if !b.alive.Add(1) {
			errs = append(errs, errors.Errorf("Listen after Close"))
			break
		}
		ns, err := listen(opt)
		if err != nil {
			b.alive.Done()
			errs = append(errs, errors.Annotatef(err, "mqtt listen url=%s", opt.URL))
			continue
		}
		b.listens[opt.URL] = ns
		go b.acceptLoop(ns, opt)
	}
	return helpers.FoldErrors(errs)
}

func (b *Broker) NextID() packet.ID {
	for {
		if id := packet.ID(atomic.AddUint32(&b.nextid, 1) % (1 << 16)); id != 0 {
			return id
		}
	}
}

// Publish delivers msg to every matching subscriber, QoS is subscription QoS.
// Returns after QoS 1 deliveries are acknowledged or failed.
func (b *Broker) Publish(ctx context.Context, msg *packet.Message) error {
	b.log.Debugf("mqtt publish %s", MessageString(msg))
	id := b.NextID()

	if msg.Retain {
		if len(msg.Payload) != 0 {
			b.retain.Set(msg.Topic, msg.Copy())
		} else {
			b.retain.Empty(msg.Topic)
		}
	}

	subs := make([]*subscription, 0, 8)
	uniq := make(map[string]struct{})
	for _, x := range b.subs.Match(msg.Topic) {
		xsub := x.(*subscription)
		if _, ok := uniq[xsub.client]; !ok {
			uniq[xsub.client] = struct{}{}
			subs = append(subs, xsub)
		}
	}
	if len(subs) == 0 {
		return ErrNoSubscribers
	}

	errch := make(chan error, len(subs))
	wg := sync.WaitGroup{}
	helpers.WithLock(b.sessions.RLocker(), func() {
		for _, sub := range subs {
			s, ok := b.sessions.m[sub.client]
			if !ok {
				continue
			}
			wg.Add(1)
			smsg := msg.Copy()
			smsg.QOS = sub.qos
			smsg.Retain = false
			go func() {
				defer wg.Done()
				if err := s.Publish(ctx, id, smsg); err != nil {
					errch <- err
				} else {
					atomic.AddUint32(&b.stat.Delivered, 1)
				}
			}()
		}
	})
	wg.Wait()
	close(errch)
	return helpers.FoldErrChan(errch)
}

func (b *Broker) Retained() []*packet.Message {
	xs := b.retain.All()
	if len(xs) == 0 {
		return nil
	}
	ms := make([]*packet.Message, len(xs))
	for i, x := range xs {
		ms[i] = x.(*packet.Message)
	}
	return ms
}

// route is default OnPublish: forward to subscribers and acknowledge publisher.
func (b *Broker) route(ctx context.Context, msg *packet.Message, ack *future.Future) error {
	err := b.Publish(ctx, msg)
	if err == ErrNoSubscribers {
		err = nil
	}
	if err != nil {
		b.log.Errorf("mqtt route topic=%s err=%v", msg.Topic, err)
	}
	// publisher is acknowledged even if some subscriber failed, like any broker
	ack.Complete(nil)
	return nil
}

func listen(opt *ListenOptions) (*transport.NetServer, error) {
	u, err := url.ParseRequestURI(opt.URL)
	if err != nil {
		return nil, errors.Annotate(err, "parse url")
	}

	switch u.Scheme {
	case "tls":
		ns, err := transport.CreateSecureNetServer(u.Host, opt.TLS)
		return ns, errors.Annotate(err, "CreateSecureNetServer")

	case "tcp", "unix":
		l, err := net.Listen(u.Scheme, u.Host)
		if err != nil {
			return nil, errors.Annotatef(err, "net.Listen network=%s address=%s", u.Scheme, u.Host)
		}
		return transport.NewNetServer(l), nil
	}
	return nil, errors.NotSupportedf("listen url=%s", opt.URL)
}

func (b *Broker) acceptLoop(ns *transport.NetServer, opt *ListenOptions) {
	defer b.alive.Done()
	for {
		conn, err := ns.Accept()
		if !b.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			b.log.Error(errors.Annotatef(err, "mqtt accept listen=%s", opt.URL))
			b.alive.Stop()
			return
		}
		if !b.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go b.processConn(conn, opt)
	}
}

func (b *Broker) onAccept(ctx context.Context, conn transport.Conn, opt *ListenOptions) (*session, error) {
	var err error
	addr := addrString(conn.RemoteAddr())
	defer errors.DeferredAnnotatef(&err, "addr=%s", addr)

	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Trace(err)
	}
	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		err = broker.ErrUnexpectedPacket
		return nil, errors.Trace(err)
	}

	connack := packet.NewConnack()
	connack.SessionPresent = false
	if pktConnect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		_ = conn.Send(connack, false)
		err = errors.Annotate(broker.ErrNotAuthorized, "empty clientid")
		return nil, errors.Trace(err)
	}

	if b.auth != nil {
		if ok, err = b.auth(ctx, opt, pktConnect); err != nil {
			return nil, errors.Trace(err)
		}
		if !ok {
			connack.ReturnCode = packet.NotAuthorized
			_ = conn.Send(connack, false)
			err = broker.ErrNotAuthorized
			return nil, errors.Trace(err)
		}
	}
	b.log.Debugf("mqtt CONNECT addr=%s client=%s username=%s keepalive=%d will=%t",
		addr, pktConnect.ClientID, pktConnect.Username, pktConnect.KeepAlive, pktConnect.Will != nil)

	connack.ReturnCode = packet.ConnectionAccepted
	keepalive := time.Duration(pktConnect.KeepAlive) * time.Second
	if keepalive == 0 || keepalive > opt.NetworkTimeout {
		keepalive = opt.NetworkTimeout
	}
	conn.SetReadTimeout(keepalive + keepalive/2)
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Trace(err)
	}
	return newSession(ctx, conn, opt, b.log, pktConnect), nil
}

func (b *Broker) processConn(conn transport.Conn, opt *ListenOptions) {
	defer b.alive.Done()

	conn.SetMaxWriteDelay(0)
	conn.SetReadLimit(opt.ReadLimit)
	conn.SetReadTimeout(opt.NetworkTimeout)
	s, err := b.onAccept(b.ctx, conn, opt)
	if err != nil {
		b.log.Infof("mqtt onAccept err=%v", err)
		_ = conn.Close()
		return
	}

	helpers.WithLock(&b.sessions, func() {
		if ex, ok := b.sessions.m[s.id]; ok {
			b.log.Infof("mqtt client overtake id=%s ex=%s new=%s", s.id, addrString(ex.RemoteAddr()), addrString(s.RemoteAddr()))
			_ = ex.die(ErrSameClient)
		}
		b.sessions.m[s.id] = s
	})
	atomic.AddInt32(&b.stat.Clients, 1)
	defer atomic.AddInt32(&b.stat.Clients, -1)

	wg := sync.WaitGroup{}
	for {
		var pkt packet.Generic
		pkt, err = s.Receive()
		if !s.alive.IsRunning() || !b.alive.IsRunning() {
			_ = s.die(ErrClosing)
			break
		}
		if err != nil {
			break
		}
		wg.Add(1)
		go b.processPacket(s, pkt, &wg)
	}
	wg.Wait()

	_ = s.acks.Await(s.opt.NetworkTimeout)
	s.acks.Clear()
	s.alive.WaitTasks()

	closeErr := s.die(ErrClosing)
	will, clean := s.getWill()
	helpers.WithLock(&b.sessions, func() {
		if ex := b.sessions.m[s.id]; s == ex {
			b.log.Debugf("mqtt id=%s gone clean=%t", s.id, clean)
			delete(b.sessions.m, s.id)
		}
		b.unsubscribeAll(s.id)
	})
	if !clean && will != nil {
		_ = b.Publish(b.ctx, will)
	}
	if b.onClose != nil {
		b.onClose(s.id, clean, closeErr)
	}
}

func (b *Broker) processPacket(s *session, pkt packet.Generic, finally interface{ Done() }) {
	defer finally.Done()
	err := helpers.WithLockError(b.sessions.RLocker(), func() error {
		if ex := b.sessions.m[s.id]; s != ex {
			b.log.Errorf("mqtt ignore packet from detached id=%s pkt=%s", s.id, PacketString(pkt))
			return ErrSameClient
		}
		return nil
	})
	if err != nil {
		_ = s.die(err)
		return
	}

typeSwitch:
	switch pt := pkt.(type) {
	case *packet.Pingreq:
		err = s.Send(packet.NewPingresp())

	case *packet.Publish:
		atomic.AddUint32(&b.stat.Received, 1)
		ack := future.New()
		if err = b.onPublish(s.ctx, &pt.Message, ack); err != nil {
			b.log.Errorf("mqtt onPublish %s err=%v", MessageString(&pt.Message), err)
			break typeSwitch
		}
		switch pt.Message.QOS {
		case packet.QOSAtMostOnce:
		case packet.QOSAtLeastOnce:
			switch ack.Wait(s.opt.AckTimeout) {
			case nil:
				puback := packet.NewPuback()
				puback.ID = pt.ID
				err = s.Send(puback)
			case future.ErrCanceled:
				err = fmt.Errorf("publish rejected client=%s id=%d topic=%s", s.id, pt.ID, pt.Message.Topic)
			case future.ErrTimeout:
				b.log.Errorf("mqtt publish not acknowledged client=%s id=%d", s.id, pt.ID)
			}
		default:
			err = fmt.Errorf("qos %d is not supported", pt.Message.QOS)
		}

	case *packet.Puback:
		err = s.FulfillAck(pt.ID)

	case *packet.Subscribe:
		err = b.onSubscribe(s, pt)

	case *packet.Unsubscribe:
		helpers.WithLock(&b.sessions, func() {
			for _, t := range pt.Topics {
				b.unsubscribe(s.id, t)
			}
		})
		unsuback := packet.NewUnsuback()
		unsuback.ID = pt.ID
		err = s.Send(unsuback)

	case *packet.Pubrec, *packet.Pubrel, *packet.Pubcomp:
		err = fmt.Errorf("qos2 not supported")

	case *packet.Disconnect:
		s.onDisconnect()
		_ = s.die(nil)
		return

	default:
		err = fmt.Errorf("code error packet is not handled pkt=%s", PacketString(pkt))
	}
	if err != nil {
		_ = s.die(err)
	}
}

func (b *Broker) onSubscribe(s *session, pkt *packet.Subscribe) error {
	// empty SUBSCRIBE is protocol violation [MQTT-3.8.3-3]
	if len(pkt.Subscriptions) == 0 {
		return fmt.Errorf("subscribe request with empty sub list")
	}
	suback := packet.NewSuback()
	suback.ID = pkt.ID
	suback.ReturnCodes = make([]packet.QOS, 0, len(pkt.Subscriptions))
	retained := make([]*packet.Message, 0)
	for _, sub := range pkt.Subscriptions {
		qos := sub.QOS
		if qos > packet.QOSAtLeastOnce {
			qos = packet.QOSAtLeastOnce
		}
		b.subs.Add(sub.Topic, &subscription{pattern: sub.Topic, client: s.id, qos: qos})
		suback.ReturnCodes = append(suback.ReturnCodes, qos)
		for _, v := range b.retain.Search(sub.Topic) {
			m := v.(*packet.Message).Copy()
			m.QOS = qos
			retained = append(retained, m)
		}
	}
	if err := s.Send(suback); err != nil {
		return errors.Annotate(err, "onSubscribe")
	}
	// retained after SUBACK, so client is ready to match them
	for _, m := range retained {
		m := m
		id := b.NextID()
		go func() { _ = s.Publish(b.ctx, id, m) }()
	}
	return nil
}

// caller must hold sessions lock
func (b *Broker) unsubscribe(client, pattern string) {
	for _, value := range b.subs.All() {
		if sub := value.(*subscription); sub.client == client && sub.pattern == pattern {
			b.subs.Remove(sub.pattern, value)
		}
	}
}

// caller must hold sessions lock
func (b *Broker) unsubscribeAll(client string) {
	for _, value := range b.subs.All() {
		if sub := value.(*subscription); sub.client == client {
			b.subs.Remove(sub.pattern, value)
		}
	}
}

// ListenURLs is convenience for uniform listen options.
func ListenURLs(urls []string, networkTimeout time.Duration) []*ListenOptions {
	lopts := make([]*ListenOptions, 0, len(urls))
	for _, u := range urls {
		lopts = append(lopts, &ListenOptions{URL: strings.TrimSpace(u), NetworkTimeout: networkTimeout})
	}
	return lopts
}

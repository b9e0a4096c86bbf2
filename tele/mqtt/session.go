package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/lorawatch/helpers"
	"github.com/temoto/lorawatch/log2"
)

type ListenOptions struct {
	URL string // tcp://host:port tls://host:port unix://path
	TLS *tls.Config

	AckTimeout     time.Duration
	NetworkTimeout time.Duration // receive timeout when client keepalive is not shorter
	ReadLimit      int64
}

// session is broker side of one client connection.
type session struct {
	alive    *alive.Alive
	acks     *future.Store
	conn     transport.Conn
	connmu   sync.RWMutex
	disco    uint32
	ctx      context.Context
	err      helpers.AtomicError
	id       string
	opt      *ListenOptions
	log      *log2.Log
	username string
	will     *packet.Message
	willmu   sync.Mutex
}

func newSession(ctx context.Context, conn transport.Conn, opt *ListenOptions, log *log2.Log, pkt *packet.Connect) *session {
	s := &session{
		alive:    alive.NewAlive(),
		acks:     future.NewStore(),
		conn:     conn,
		ctx:      ctx,
		id:       pkt.ClientID,
		opt:      opt,
		log:      log,
		username: pkt.Username,
	}
	if pkt.Will != nil {
		s.will = pkt.Will.Copy()
	}
	return s
}

func (s *session) expectAck(id packet.ID) *future.Future {
	f := future.New()
	if !s.alive.Add(1) {
		f.Cancel(ErrClosing)
		return f
	}
	go func() {
		defer s.alive.Done()
		if err := f.Wait(s.opt.AckTimeout); err == future.ErrTimeout {
			f.Cancel(err)
		}
		s.acks.Delete(id)
	}()

	if ex := s.acks.Get(id); ex != nil {
		err := errors.Errorf("code error ack id=%d already pending client=%s", id, s.id)
		s.log.Error(err)
		ex.Cancel(err)
		f.Cancel(err)
		return f
	}
	s.acks.Put(id, f)
	return f
}

// Publish sends message and waits PUBACK for QoS 1.
// Missing PUBACK is fatal for session, client is expected to reconnect.
func (s *session) Publish(ctx context.Context, id packet.ID, msg *packet.Message) error {
	if !s.alive.Add(1) {
		return ErrClosing
	}
	defer s.alive.Done()

	pub := packet.NewPublish()
	pub.ID = id
	pub.Message = *msg
	switch msg.QOS {
	case packet.QOSAtMostOnce:
		pub.ID = 0
		return s.Send(pub)

	case packet.QOSAtLeastOnce:
		if pub.ID == 0 {
			return errors.Errorf("code error qos1 publish requires packet id %s", MessageString(msg))
		}
		f := s.expectAck(pub.ID)
		if err := s.Send(pub); err != nil {
			f.Cancel(err)
		}
		err := f.Wait(s.opt.AckTimeout)
		switch err {
		case nil:
			return nil
		case future.ErrCanceled:
			if err, _ = f.Result().(error); err == nil {
				err = errors.Errorf("code error ack canceled with nil")
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return s.die(errors.Annotatef(err, "expect puback id=%d", pub.ID))

	default:
		return errors.NotSupportedf("qos=%d", msg.QOS)
	}
}

func (s *session) Receive() (packet.Generic, error) {
	conn := s.getConn()
	if conn == nil {
		return nil, ErrClosing
	}
	pkt, err := conn.Receive()
	s.log.Debugf("mqtt recv addr=%s id=%s pkt=%s err=%v", addrString(conn.RemoteAddr()), s.id, PacketString(pkt), err)
	switch err {
	case nil:
		return pkt, nil
	case io.EOF:
		_ = s.die(err)
		return nil, err
	default:
		if !s.alive.IsRunning() && isClosedConn(err) {
			return nil, ErrClosing
		}
		_ = s.die(err)
		return nil, err
	}
}

func (s *session) Send(pkt packet.Generic) error {
	conn := s.getConn()
	if conn == nil {
		return ErrClosing
	}
	s.log.Debugf("mqtt send id=%s pkt=%s", s.id, PacketString(pkt))
	if err := conn.Send(pkt, false); err != nil {
		if !s.alive.IsRunning() && isClosedConn(err) {
			return ErrClosing
		}
		return s.die(errors.Annotatef(err, "client=%s", s.id))
	}
	return nil
}

// FulfillAck completes pending Publish on PUBACK.
func (s *session) FulfillAck(id packet.ID) error {
	f := s.acks.Get(id)
	if f == nil {
		return fmt.Errorf("unexpected puback id=%d", id)
	}
	if !f.Complete(nil) {
		return future.ErrCanceled
	}
	return nil
}

func (s *session) RemoteAddr() net.Addr {
	if conn := s.getConn(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

// die stores first error, closes connection. Returns first error.
func (s *session) die(e error) error {
	if first, found := s.err.StoreOnce(e); found {
		return first
	}
	s.log.Debugf("mqtt die id=%s e=%v", s.id, e)
	s.alive.Stop()
	helpers.WithLock(&s.connmu, func() {
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
	})
	return e
}

func (s *session) getConn() transport.Conn {
	s.connmu.RLock()
	c := s.conn
	s.connmu.RUnlock()
	return c
}

func (s *session) getWill() (m *packet.Message, clean bool) {
	s.willmu.Lock()
	if s.will != nil {
		m = s.will.Copy()
	}
	s.willmu.Unlock()
	return m, atomic.LoadUint32(&s.disco) == 1
}

// DISCONNECT discards will [MQTT-3.14.4-3]
func (s *session) onDisconnect() {
	atomic.StoreUint32(&s.disco, 1)
	s.willmu.Lock()
	s.will = nil
	s.willmu.Unlock()
}

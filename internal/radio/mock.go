package radio

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
)

// Mock is in-memory Radio. Pair two mocks to connect them over the air.
type Mock struct {
	// Sent receives every transmitted payload, test may read it.
	Sent chan string

	mu       sync.Mutex
	lines    chan string
	peer     *Mock
	armed    bool
	half     bool
	failTx   bool
	signal   *Signal
	tamper   func(payload string) (string, bool)
	txCount  int
	rxArmCnt int
}

func NewMock() *Mock {
	return &Mock{
		Sent:  make(chan string, 64),
		lines: make(chan string, 64),
	}
}

// Pair cross-wires a and b: payload transmitted by one appears as receive line on the other.
func Pair(a, b *Mock) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

// SetHalfDuplex makes this mock deaf after own Transmit until Receive, like real modem.
func (self *Mock) SetHalfDuplex(v bool) { self.mu.Lock(); self.half = v; self.mu.Unlock() }

// SetFailTx makes Transmit wait its timeout and fail.
func (self *Mock) SetFailTx(v bool) { self.mu.Lock(); self.failTx = v; self.mu.Unlock() }

// SetSignal makes peer deliveries to this mock preceded by signal report line.
func (self *Mock) SetSignal(s *Signal) { self.mu.Lock(); self.signal = s; self.mu.Unlock() }

// SetTamper is applied to payloads delivered to this mock, ok=false drops payload.
func (self *Mock) SetTamper(f func(string) (string, bool)) {
	self.mu.Lock()
	self.tamper = f
	self.mu.Unlock()
}

func (self *Mock) Lines() <-chan string { return self.lines }

// Inject delivers raw modem line.
func (self *Mock) Inject(line string) {
	select {
	case self.lines <- line:
	default:
		panic("code error radio.Mock lines buffer full")
	}
}

func (self *Mock) Transmit(ctx context.Context, payloadHex string, timeout time.Duration) error {
	self.mu.Lock()
	fail, peer := self.failTx, self.peer
	self.txCount++
	if self.half {
		self.armed = false
	}
	self.mu.Unlock()

	if fail {
		tmr := time.NewTimer(timeout)
		defer tmr.Stop()
		select {
		case <-tmr.C:
			return errors.Annotatef(ErrTxTimeout, "payload=%s", payloadHex)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case self.Sent <- payloadHex:
	default:
	}
	if peer != nil {
		peer.deliver(payloadHex)
	}
	return nil
}

func (self *Mock) Receive(ctx context.Context) error {
	self.mu.Lock()
	self.armed = true
	self.rxArmCnt++
	self.mu.Unlock()
	return nil
}

// Counts returns number of Transmit and Receive calls.
func (self *Mock) Counts() (tx, rx int) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.txCount, self.rxArmCnt
}

func (self *Mock) deliver(payload string) {
	self.mu.Lock()
	listening := self.armed || !self.half
	signal, tamper := self.signal, self.tamper
	self.mu.Unlock()
	if !listening {
		return
	}
	if tamper != nil {
		var ok bool
		if payload, ok = tamper(payload); !ok {
			return
		}
	}
	if signal != nil {
		s := *signal
		s.Length = len(payload) / 2
		self.Inject(SignalLine(s))
	}
	self.Inject(RxLine(payload))
}

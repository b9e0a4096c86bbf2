package radio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/lorawatch/helpers/atomic_clock"
	"github.com/temoto/lorawatch/log2"
	"go.bug.st/serial"
)

const modName string = "radio"

const (
	DefaultCommandTimeout = time.Second
	linesBuffer           = 32
)

var ErrClosed = errors.New("modem closed")

type ModemStat struct {
	Lines   uint32
	Dropped uint32
	Tx      uint32
	TxError uint32
}

type expectation struct {
	match func(string) bool
	ch    chan string
}

// Modem drives LoRa-E5 style AT command modem in test (point to point) mode.
// One reader goroutine splits input into lines. A line matching pending
// command expectation completes that command, other lines go to Lines().
type Modem struct {
	Log            *log2.Log
	CommandTimeout time.Duration

	rw    io.ReadWriteCloser
	alive *alive.Alive
	lines chan string
	cmdlk sync.Mutex
	mu    sync.Mutex
	exp   *expectation
	last  atomic_clock.Clock
	stat  ModemStat
}

// OpenSerial opens device 8N1 at baud rate.
func OpenSerial(device string, baud int) (serial.Port, error) {
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "%s open device=%s baud=%d", modName, device, baud)
	}
	return port, nil
}

// NewModem starts reading rw. Call Init before radio operations.
func NewModem(rw io.ReadWriteCloser, log *log2.Log) *Modem {
	self := &Modem{
		Log:            log,
		CommandTimeout: DefaultCommandTimeout,
		rw:             rw,
		alive:          alive.NewAlive(),
		lines:          make(chan string, linesBuffer),
	}
	self.alive.Add(1)
	go self.readLoop()
	return self
}

func (self *Modem) Close() error {
	self.alive.Stop()
	err := self.rw.Close()
	self.alive.Wait()
	return errors.Annotatef(err, "%s close", modName)
}

func (self *Modem) Lines() <-chan string { return self.lines }

// LastActivity is time of the last line read from modem, zero if none yet.
func (self *Modem) LastActivity() time.Time { return self.last.Time() }

func (self *Modem) Stat() ModemStat {
	return ModemStat{
		Lines:   atomic.LoadUint32(&self.stat.Lines),
		Dropped: atomic.LoadUint32(&self.stat.Dropped),
		Tx:      atomic.LoadUint32(&self.stat.Tx),
		TxError: atomic.LoadUint32(&self.stat.TxError),
	}
}

// Init switches modem to test mode and applies RF settings,
// e.g. rfcfg="868,SF7,125,12,15,14" freq,SF,bandwidth,tx preamble,rx preamble,power.
func (self *Modem) Init(ctx context.Context, rfcfg string) error {
	if _, err := self.Command(ctx, "AT+MODE=TEST", anyOf("MODE", "OK"), 0); err != nil {
		return errors.Annotate(err, "modem detect")
	}
	if _, err := self.Command(ctx, "AT+TEST=RFCFG,"+rfcfg, anyOf("RFCFG"), 0); err != nil {
		return errors.Annotatef(err, "modem rfcfg=%s", rfcfg)
	}
	self.Log.Infof("%s init rfcfg=%s", modName, rfcfg)
	return nil
}

// Probe checks modem responds at all.
func (self *Modem) Probe(ctx context.Context) error {
	_, err := self.Command(ctx, "AT", anyOf("OK"), 0)
	return errors.Annotate(err, "modem probe")
}

func (self *Modem) Transmit(ctx context.Context, payloadHex string, timeout time.Duration) error {
	atomic.AddUint32(&self.stat.Tx, 1)
	cmd := fmt.Sprintf("AT+TEST=TXLRPKT,%q", payloadHex)
	if _, err := self.Command(ctx, cmd, anyOf(TxDoneMark), timeout); err != nil {
		atomic.AddUint32(&self.stat.TxError, 1)
		if errors.IsTimeout(err) {
			return errors.Annotatef(ErrTxTimeout, "payload=%s", payloadHex)
		}
		return err
	}
	return nil
}

func (self *Modem) Receive(ctx context.Context) error {
	_, err := self.Command(ctx, "AT+TEST=RXLRPKT", anyOf("RXLRPKT"), 0)
	return errors.Annotate(err, "modem receive")
}

// Command writes one AT command and waits for response line accepted by match.
// match=nil only writes. timeout=0 means CommandTimeout.
func (self *Modem) Command(ctx context.Context, cmd string, match func(string) bool, timeout time.Duration) (string, error) {
	if timeout == 0 {
		timeout = self.CommandTimeout
	}
	self.cmdlk.Lock()
	defer self.cmdlk.Unlock()
	if !self.alive.IsRunning() {
		return "", ErrClosed
	}

	var exp *expectation
	if match != nil {
		exp = &expectation{match: match, ch: make(chan string, 1)}
		self.mu.Lock()
		self.exp = exp
		self.mu.Unlock()
		defer func() {
			self.mu.Lock()
			self.exp = nil
			self.mu.Unlock()
		}()
	}

	self.Log.Debugf("%s send %s", modName, cmd)
	if _, err := io.WriteString(self.rw, cmd+"\r\n"); err != nil {
		return "", errors.Annotatef(err, "%s write cmd=%s", modName, cmd)
	}
	if exp == nil {
		return "", nil
	}

	tmr := time.NewTimer(timeout)
	defer tmr.Stop()
	select {
	case line := <-exp.ch:
		if strings.Contains(line, "ERROR") {
			return line, errors.Errorf("%s cmd=%s response=%s", modName, cmd, line)
		}
		return line, nil
	case <-tmr.C:
		return "", errors.Timeoutf("%s cmd=%s response timeout=%s", modName, cmd, timeout)
	case <-self.alive.StopChan():
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (self *Modem) readLoop() {
	defer self.alive.Done()
	scanner := bufio.NewScanner(self.rw)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		self.last.SetNow()
		atomic.AddUint32(&self.stat.Lines, 1)
		self.Log.Debugf("%s recv %s", modName, line)
		if self.complete(line) {
			continue
		}
		select {
		case self.lines <- line:
		default:
			atomic.AddUint32(&self.stat.Dropped, 1)
			self.Log.Errorf("%s lines buffer full, dropped=%s", modName, line)
		}
	}
	if err := scanner.Err(); err != nil && self.alive.IsRunning() {
		self.Log.Error(errors.Annotatef(err, "%s read", modName))
	}
	self.alive.Stop()
}

func (self *Modem) complete(line string) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	// error replies always complete pending command
	if self.exp != nil && (self.exp.match(line) || strings.Contains(line, "ERROR")) {
		self.exp.ch <- line
		self.exp = nil
		return true
	}
	return false
}

func anyOf(subs ...string) func(string) bool {
	return func(line string) bool {
		for _, s := range subs {
			if strings.Contains(line, s) {
				return true
			}
		}
		return false
	}
}

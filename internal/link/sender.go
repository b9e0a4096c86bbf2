package link

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/looplab/fsm"
	"github.com/temoto/lorawatch/internal/auth"
	"github.com/temoto/lorawatch/internal/frame"
	"github.com/temoto/lorawatch/internal/power"
	"github.com/temoto/lorawatch/internal/radio"
	"github.com/temoto/lorawatch/internal/state"
	"github.com/temoto/lorawatch/internal/state/persist"
	"github.com/temoto/lorawatch/log2"
)

type CycleResult struct {
	Frame frame.Frame
	Acked bool
}

// Sender is remote node session: one DATA frame per cycle, then sleep.
// No retry within cycle, next cycle carries fresher reading.
type Sender struct {
	Log      *log2.Log
	Radio    radio.Radio
	Power    power.Manager
	Store    *state.Store
	Clock    Clock
	Id       uint8
	Secret   []byte
	Interval time.Duration

	TxTimeout  time.Duration
	AckTimeout time.Duration
	// AckStrict requires ACK payload to equal tag, default is substring match.
	AckStrict bool

	mu      sync.Mutex
	fsm     *fsm.FSM
	counter seqCounter
	persist *persist.Persist
	nonce   uint8
}

type seqCounter struct{ next uint8 }

func (c *seqCounter) MarshalBinary() ([]byte, error) { return []byte{c.next}, nil }
func (c *seqCounter) UnmarshalBinary(b []byte) error {
	if len(b) != 1 {
		return errors.NotValidf("sequence counter length=%d", len(b))
	}
	c.next = b[0]
	return nil
}

// NewSender takes settings from g.Config. Sequence counter continues from
// persisted value when sender.persist_dir is configured.
func NewSender(g *state.Global, r radio.Radio, pm power.Manager, clock Clock) (*Sender, error) {
	cfg := g.Config
	log := g.Log.Clone(log2.LInfo)
	if cfg.Radio.LogDebug || cfg.Node.LogDebug {
		log.SetLevel(log2.LDebug)
	}
	s := &Sender{
		Log:        log,
		Radio:      r,
		Power:      pm,
		Store:      g.Store,
		Clock:      clock,
		Id:         uint8(cfg.Node.Id),
		Secret:     []byte(cfg.Secret),
		Interval:   cfg.Sender.Interval(),
		TxTimeout:  cfg.Radio.TxTimeout(),
		AckTimeout: cfg.Radio.AckTimeout(),
		AckStrict:  cfg.Radio.AckStrict,
	}
	s.persist = persist.New("sender-seq", &s.counter, cfg.Sender.PersistDir, log)
	if err := s.persist.Load(); err != nil {
		return nil, errors.Annotate(err, "sender")
	}
	if s.persist.Enabled() {
		s.Log.Infof("sender sequence continues from=%d", s.counter.next)
	}
	return s, nil
}

func (s *Sender) machine() *fsm.FSM {
	if s.fsm == nil {
		s.fsm = newSenderFSM(s.Log)
	}
	return s.fsm
}

// State is current session state name.
func (s *Sender) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine().Current()
}

// Run does optional time sync, then cycles until ctx is done.
func (s *Sender) Run(ctx context.Context, timeSync bool) error {
	if timeSync {
		if _, err := s.RequestTime(ctx); err != nil {
			s.Log.Errorf("sender time sync err=%v", err)
		}
	}
	for ctx.Err() == nil {
		if _, err := s.Cycle(ctx); err != nil && ctx.Err() == nil {
			s.Log.Errorf("sender cycle err=%v", err)
		}
	}
	return ctx.Err()
}

// Cycle transmits current local reading and waits for ACK.
// Always ends with power manager low power interval, success or not.
func (s *Sender) Cycle(ctx context.Context) (CycleResult, error) {
	result, err := s.send(ctx)
	if perr := s.Power.EnterLowPower(ctx, s.Interval); perr != nil && ctx.Err() == nil {
		s.Log.Errorf("sender low power err=%v", perr)
	}
	return result, err
}

func (s *Sender) send(ctx context.Context) (CycleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.machine()
	defer step(m, "idle")

	step(m, "build")
	local := s.Store.Snapshot().Local
	seq := s.nextSeq()
	data := frame.NewData(s.Id, seq, local.Temperature, local.Humidity, local.Valid)
	f := auth.SignFrame(s.Secret, data)
	result := CycleResult{Frame: f}
	tagHex := f.Tag.String()

	step(m, "transmit")
	if err := s.transmit(ctx, f.Encode()); err != nil {
		step(m, "fail")
		return result, err
	}
	step(m, "sent")

	_, err := awaitPayload(ctx, s.Radio, s.AckTimeout, func(payload string) bool {
		return s.matchAck(payload, tagHex)
	})
	if err != nil {
		step(m, "timeout")
		if errors.IsTimeout(err) {
			s.Log.Infof("sender seq=%d ack timeout, packet may be lost", seq)
			return result, errors.Annotatef(ErrAckTimeout, "seq=%d", seq)
		}
		return result, err
	}
	step(m, "ack")
	s.Store.SetHealthFlag(state.FlagRadio, true)
	s.Log.Debugf("sender seq=%d acked", seq)
	result.Acked = true
	return result, nil
}

// transmit sends frame, then re-arms receive for reply.
func (s *Sender) transmit(ctx context.Context, payload string) error {
	radio.Drain(s.Radio)
	if err := s.Radio.Transmit(ctx, payload, s.TxTimeout); err != nil {
		s.Store.SetHealthFlag(state.FlagRadio, false)
		return errors.Annotatef(ErrTransmit, "radio: %v", err)
	}
	if err := s.Radio.Receive(ctx); err != nil {
		s.Store.SetHealthFlag(state.FlagRadio, false)
		return errors.Annotatef(ErrTransmit, "rearm receive: %v", err)
	}
	return nil
}

func (s *Sender) matchAck(payload, tagHex string) bool {
	if s.AckStrict {
		return strings.EqualFold(payload, tagHex)
	}
	return strings.Contains(strings.ToUpper(payload), tagHex)
}

func (s *Sender) nextSeq() uint8 {
	seq := s.counter.next
	s.counter.next++
	if err := s.persist.Store(); err != nil {
		s.Log.Error(err)
	}
	return seq
}

// RequestTime asks gateway for current time and sets Clock.
// Accepted reply is authenticated TIME_RESPONSE addressed to this node.
func (s *Sender) RequestTime(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.machine()
	defer step(m, "idle")

	step(m, "build")
	s.nonce++
	f := auth.SignFrame(s.Secret, frame.TimeRequest{Src: s.Id, Nonce: s.nonce})

	step(m, "transmit")
	if err := s.transmit(ctx, f.Encode()); err != nil {
		step(m, "fail")
		return time.Time{}, err
	}
	step(m, "sent")

	var got frame.TimeResponse
	_, err := awaitPayload(ctx, s.Radio, s.AckTimeout, func(payload string) bool {
		resp, err := frame.Decode(frame.Unwrap(payload))
		if err != nil {
			return false
		}
		tr, ok := resp.Msg.(frame.TimeResponse)
		if !ok || tr.Dst != s.Id {
			return false
		}
		if err := auth.VerifyFrame(s.Secret, resp); err != nil {
			s.Log.Securityf("sender time response err=%v", err)
			return false
		}
		got = tr
		return true
	})
	if err != nil {
		step(m, "timeout")
		if errors.IsTimeout(err) {
			return time.Time{}, errors.Annotate(ErrAckTimeout, "time response")
		}
		return time.Time{}, err
	}
	step(m, "ack")

	t := time.Unix(int64(got.Unix), 0)
	if err := s.Clock.Set(t); err != nil {
		return t, errors.Annotate(err, "sender time sync")
	}
	s.Store.SetHealthFlag(state.FlagTimeSynced, true)
	s.Log.Infof("sender time synced to %s", t.UTC().Format(time.RFC3339))
	return t, nil
}

package link

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/temoto/lorawatch/internal/auth"
	"github.com/temoto/lorawatch/internal/frame"
	"github.com/temoto/lorawatch/internal/radio"
	"github.com/temoto/lorawatch/internal/seqtrack"
	"github.com/temoto/lorawatch/internal/state"
	"github.com/temoto/lorawatch/log2"
)

type Outcome uint8

const (
	OutcomeIgnored Outcome = iota
	OutcomeSignal
	OutcomeDecodeError
	OutcomeAuthError
	OutcomeNotAllowed
	OutcomeAck
	OutcomeTimeResponse
	OutcomeTxError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeSignal:
		return "signal"
	case OutcomeDecodeError:
		return "decode_error"
	case OutcomeAuthError:
		return "auth_error"
	case OutcomeNotAllowed:
		return "not_allowed"
	case OutcomeAck:
		return "ack"
	case OutcomeTimeResponse:
		return "time_response"
	case OutcomeTxError:
		return "tx_error"
	}
	return "outcome?"
}

// Receiver is gateway session: validate every received frame, store DATA
// and echo its tag as ACK, answer TIME_REQUEST. Invalid frames are dropped
// without reply.
type Receiver struct {
	Log       *log2.Log
	Radio     radio.Radio
	Store     *state.Store
	Clock     Clock
	Secret    []byte
	TxTimeout time.Duration
	// Allowed nil accepts any authenticated peer.
	Allowed func(peer uint8) bool

	mu      sync.Mutex
	fsm     *fsm.FSM
	pending *state.Signal
}

func NewReceiver(g *state.Global, r radio.Radio, clock Clock) *Receiver {
	cfg := g.Config
	log := g.Log.Clone(log2.LInfo)
	if cfg.Radio.LogDebug || cfg.Node.LogDebug {
		log.SetLevel(log2.LDebug)
	}
	return &Receiver{
		Log:       log,
		Radio:     r,
		Store:     g.Store,
		Clock:     clock,
		Secret:    []byte(cfg.Secret),
		TxTimeout: cfg.Radio.TxTimeout(),
		Allowed:   cfg.Receiver.Allowed,
	}
}

func (r *Receiver) machine() *fsm.FSM {
	if r.fsm == nil {
		r.fsm = newReceiverFSM(r.Log)
	}
	return r.fsm
}

func (r *Receiver) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.machine().Current()
}

// Run arms receive and handles lines until ctx is done.
func (r *Receiver) Run(ctx context.Context) error {
	r.rearm(ctx)
	for {
		select {
		case line := <-r.Radio.Lines():
			r.HandleLine(ctx, line)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HandleLine processes one modem line through the whole session.
func (r *Receiver) HandleLine(ctx context.Context, line string) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sig, ok := radio.ParseSignal(line); ok {
		r.pending = &state.Signal{RSSI: sig.RSSI, SNR: sig.SNR}
		return OutcomeSignal
	}
	payload, ok := radio.RxPayload(line)
	if !ok {
		return OutcomeIgnored
	}
	signal := r.pending
	r.pending = nil

	m := r.machine()
	step(m, "assemble")
	defer step(m, "listen")

	f, err := frame.Decode(frame.Unwrap(payload))
	if err != nil {
		r.Log.Debugf("receiver drop payload=%s err=%v", payload, err)
		return OutcomeDecodeError
	}
	step(m, "decode")

	if err := auth.VerifyFrame(r.Secret, f); err != nil {
		r.Log.Securityf("receiver peer=%d type=%s err=%v", f.Msg.Source(), f.Msg.Type(), err)
		return OutcomeAuthError
	}
	step(m, "authenticate")

	peer := f.Msg.Source()
	if r.Allowed != nil && !r.Allowed(peer) {
		r.Log.Securityf("receiver peer=%d not allowed", peer)
		return OutcomeNotAllowed
	}
	step(m, "dispatch")

	switch msg := f.Msg.(type) {
	case frame.Data:
		r.applyData(msg, signal)
		if err := r.Radio.Transmit(ctx, f.Tag.String(), r.TxTimeout); err != nil {
			r.Log.Errorf("receiver ack peer=%d err=%v", peer, err)
			r.rearm(ctx)
			return OutcomeTxError
		}
		step(m, "ack")
		r.rearm(ctx)
		return OutcomeAck

	case frame.TimeRequest:
		resp := frame.TimeResponse{Dst: msg.Src, Unix: uint32(r.Clock.Now().Unix())}
		rf := auth.SignFrame(r.Secret, resp)
		if err := r.Radio.Transmit(ctx, rf.Encode(), r.TxTimeout); err != nil {
			r.Log.Errorf("receiver time response peer=%d err=%v", peer, err)
			r.rearm(ctx)
			return OutcomeTxError
		}
		step(m, "respond")
		r.Log.Debugf("receiver time response peer=%d unix=%d", peer, resp.Unix)
		r.rearm(ctx)
		return OutcomeTimeResponse

	case frame.TimeResponse:
		// addressed to a sender, not for gateway
		return OutcomeIgnored
	}
	return OutcomeIgnored
}

// Exclusive runs f while no line is being handled, so modem commands
// from f do not interleave with ack or time response.
func (r *Receiver) Exclusive(ctx context.Context, f func(context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return f(ctx)
}

func (r *Receiver) applyData(msg frame.Data, signal *state.Signal) {
	t, tok := frame.Float(msg.Temperature)
	h, hok := frame.Float(msg.Humidity)
	result := r.Store.UpdateRemoteReading(msg.Src, state.RemoteUpdate{
		Reading: state.Reading{Temperature: t, Humidity: h, Valid: tok && hok},
		Signal:  signal,
		HasSeq:  msg.HasSeq,
		Seq:     msg.Seq,
	})
	r.Store.SetHealthFlag(state.FlagRadio, true)
	switch result.Kind {
	case seqtrack.KindLoss:
		r.Log.Infof("receiver peer=%d seq=%d lost=%d", msg.Src, msg.Seq, result.Lost)
	case seqtrack.KindReset:
		r.Log.Infof("receiver peer=%d seq=%d counter reset", msg.Src, msg.Seq)
	case seqtrack.KindDuplicate:
		r.Log.Debugf("receiver peer=%d seq=%d duplicate", msg.Src, msg.Seq)
	}
	if !(tok && hok) {
		r.Log.Infof("receiver peer=%d sensor error", msg.Src)
	}
	r.Log.Debugf("receiver peer=%d seq=%d temperature=%.2f humidity=%.2f", msg.Src, msg.Seq, t, h)
}

func (r *Receiver) rearm(ctx context.Context) {
	if err := r.Radio.Receive(ctx); err != nil {
		r.Log.Errorf("receiver rearm err=%v", err)
		r.Store.SetHealthFlag(state.FlagRadio, false)
	}
}

// Package link runs sender and receiver sessions over half-duplex radio.
package link

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/looplab/fsm"
	"github.com/temoto/lorawatch/internal/radio"
	"github.com/temoto/lorawatch/log2"
)

var (
	ErrTransmit   = errors.New("transmit")
	ErrAckTimeout = errors.Timeoutf("ack")
)

// Sender states.
const (
	StateIdle         = "idle"
	StateBuildPacket  = "build_packet"
	StateTransmitting = "transmitting"
	StateAwaitAck     = "await_ack"
	StateAckConfirmed = "ack_confirmed"
	StateAckTimeout   = "ack_timeout"
)

// Receiver states.
const (
	StateListen        = "listen"
	StateLineAssembled = "line_assembled"
	StateDecoded       = "decoded"
	StateAuthenticated = "authenticated"
	StateDispatched    = "dispatched"
	StateAckSent       = "ack_sent"
	StateResponseSent  = "response_sent"
)

func newSenderFSM(log *log2.Log) *fsm.FSM {
	return fsm.NewFSM(StateIdle,
		fsm.Events{
			{Name: "build", Src: []string{StateIdle}, Dst: StateBuildPacket},
			{Name: "transmit", Src: []string{StateBuildPacket}, Dst: StateTransmitting},
			{Name: "sent", Src: []string{StateTransmitting}, Dst: StateAwaitAck},
			{Name: "fail", Src: []string{StateTransmitting}, Dst: StateAckTimeout},
			{Name: "ack", Src: []string{StateAwaitAck}, Dst: StateAckConfirmed},
			{Name: "timeout", Src: []string{StateAwaitAck}, Dst: StateAckTimeout},
			{Name: "idle", Src: []string{StateBuildPacket, StateTransmitting, StateAwaitAck, StateAckConfirmed, StateAckTimeout}, Dst: StateIdle},
		},
		fsm.Callbacks{"enter_state": traceState(log, "sender")},
	)
}

func newReceiverFSM(log *log2.Log) *fsm.FSM {
	return fsm.NewFSM(StateListen,
		fsm.Events{
			{Name: "assemble", Src: []string{StateListen}, Dst: StateLineAssembled},
			{Name: "decode", Src: []string{StateLineAssembled}, Dst: StateDecoded},
			{Name: "authenticate", Src: []string{StateDecoded}, Dst: StateAuthenticated},
			{Name: "dispatch", Src: []string{StateAuthenticated}, Dst: StateDispatched},
			{Name: "ack", Src: []string{StateDispatched}, Dst: StateAckSent},
			{Name: "respond", Src: []string{StateDispatched}, Dst: StateResponseSent},
			{Name: "listen", Src: []string{StateLineAssembled, StateDecoded, StateAuthenticated, StateDispatched, StateAckSent, StateResponseSent}, Dst: StateListen},
		},
		fsm.Callbacks{"enter_state": traceState(log, "receiver")},
	)
}

func traceState(log *log2.Log, name string) fsm.Callback {
	return func(_ context.Context, e *fsm.Event) {
		log.Debugf("%s %s: %s -> %s", name, e.Event, e.Src, e.Dst)
	}
}

// step panics on invalid transition, only code error can cause it.
// Transitions are not cancellable, session must always return to its rest state.
func step(m *fsm.FSM, event string) {
	if err := m.Event(context.Background(), event); err != nil {
		panic(fmt.Sprintf("code error link state=%s event=%s err=%v", m.Current(), event, err))
	}
}

// awaitPayload waits for received payload accepted by match.
// Lines without payload and rejected payloads are skipped.
func awaitPayload(ctx context.Context, r radio.Radio, timeout time.Duration, match func(payload string) bool) (string, error) {
	tmr := time.NewTimer(timeout)
	defer tmr.Stop()
	for {
		select {
		case line := <-r.Lines():
			if payload, ok := radio.RxPayload(line); ok && match(payload) {
				return payload, nil
			}
		case <-tmr.C:
			return "", errors.Timeoutf("await timeout=%v", timeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Clock is wall time source, Set adjusts it from TIME_RESPONSE.
type Clock interface {
	Now() time.Time
	Set(time.Time) error
}

// SystemClock changes host time only when Apply is true, otherwise logs offset.
type SystemClock struct {
	Log   *log2.Log
	Apply bool
}

func (c *SystemClock) Now() time.Time { return time.Now() }

func (c *SystemClock) Set(t time.Time) error {
	offset := time.Until(t)
	if !c.Apply {
		c.Log.Infof("clock offset=%v not applied", offset)
		return nil
	}
	if err := setSystemTime(t); err != nil {
		return errors.Annotate(err, "clock set")
	}
	c.Log.Infof("clock set offset=%v", offset)
	return nil
}

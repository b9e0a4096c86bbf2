package state

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/lorawatch/helpers"
	"github.com/temoto/lorawatch/internal/seqtrack"
)

var ErrHandshakeIncomplete = errors.New("handshake incomplete")

type Reading struct {
	Temperature float64
	Humidity    float64
	Valid       bool
	UpdatedAt   time.Time
}

type Signal struct {
	RSSI int
	SNR  float64
}

type RemoteReading struct {
	Reading
	Signal    Signal
	HasSignal bool
	Seq       seqtrack.PeerState
}

// RemoteUpdate is one authenticated DATA frame from a peer.
type RemoteUpdate struct {
	Reading
	Signal *Signal
	// HasSeq=false for legacy frames, counted as received but never as lost.
	HasSeq bool
	Seq    uint8
}

type Flag uint8

const (
	FlagRadio Flag = iota
	FlagLocalSensor
	FlagNetwork
	FlagTimeSynced
)

func (f Flag) String() string {
	switch f {
	case FlagRadio:
		return "radio"
	case FlagLocalSensor:
		return "local_sensor"
	case FlagNetwork:
		return "network"
	case FlagTimeSynced:
		return "time_synced"
	}
	return "flag?"
}

type Health struct {
	Radio       bool
	LocalSensor bool
	Network     bool
	TimeSynced  bool
}

type Handshake struct {
	NextSequence uint32
	Complete     bool
}

// SystemState is a full copy, safe to read and modify by the receiver of Snapshot.
type SystemState struct {
	Local      Reading
	Remote     map[uint8]RemoteReading
	Health     Health
	Handshakes map[string]Handshake
	Errors     uint32
}

// Store owns SystemState. Every operation takes the single lock,
// mutates or copies, releases. No operation calls another or does I/O under lock.
type Store struct {
	mu         sync.Mutex
	s          SystemState
	subs       map[int]chan struct{}
	nextSubKey int
}

func NewStore() *Store {
	return &Store{
		s: SystemState{
			Remote:     make(map[uint8]RemoteReading),
			Handshakes: make(map[string]Handshake),
		},
		subs: make(map[int]chan struct{}),
	}
}

func (st *Store) UpdateLocalReading(r Reading) {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	var notify []chan struct{}
	helpers.WithLock(&st.mu, func() {
		st.s.Local = r
		notify = st.subscribersLocked()
	})
	notifyAll(notify)
}

// UpdateRemoteReading applies reading and sequence observation atomically.
func (st *Store) UpdateRemoteReading(peer uint8, u RemoteUpdate) seqtrack.Result {
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now()
	}
	var result seqtrack.Result
	var notify []chan struct{}
	helpers.WithLock(&st.mu, func() {
		rr := st.s.Remote[peer]
		rr.Reading = u.Reading
		if u.Signal != nil {
			rr.Signal, rr.HasSignal = *u.Signal, true
		}
		if u.HasSeq {
			result = rr.Seq.Observe(u.Seq)
		} else {
			result = rr.Seq.Count()
		}
		st.s.Remote[peer] = rr
		notify = st.subscribersLocked()
	})
	notifyAll(notify)
	return result
}

func (st *Store) SetHealthFlag(f Flag, v bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch f {
	case FlagRadio:
		st.s.Health.Radio = v
	case FlagLocalSensor:
		st.s.Health.LocalSensor = v
	case FlagNetwork:
		st.s.Health.Network = v
	case FlagTimeSynced:
		st.s.Health.TimeSynced = v
	default:
		panic("code error unknown health flag")
	}
}

// CountError is meant for log2.SetErrorFunc.
func (st *Store) CountError(error) {
	st.mu.Lock()
	st.s.Errors++
	st.mu.Unlock()
}

func (st *Store) Snapshot() SystemState {
	st.mu.Lock()
	defer st.mu.Unlock()
	c := st.s
	c.Remote = make(map[uint8]RemoteReading, len(st.s.Remote))
	for k, v := range st.s.Remote {
		c.Remote[k] = v
	}
	c.Handshakes = make(map[string]Handshake, len(st.s.Handshakes))
	for k, v := range st.s.Handshakes {
		c.Handshakes[k] = v
	}
	return c
}

func (st *Store) RecordHandshake(source string, start uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.Handshakes[source] = Handshake{NextSequence: start, Complete: true}
}

// NextSequence returns sequence for the next publish and advances it.
func (st *Store) NextSequence(source string) (uint32, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	h, ok := st.s.Handshakes[source]
	if !ok || !h.Complete {
		return 0, errors.Annotatef(ErrHandshakeIncomplete, "source=%s", source)
	}
	seq := h.NextSequence
	h.NextSequence++
	st.s.Handshakes[source] = h
	return seq, nil
}

func (st *Store) IsHandshakeComplete(source string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s.Handshakes[source].Complete
}

// ResetHandshakes marks every source incomplete, after broker link loss.
func (st *Store) ResetHandshakes() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for k := range st.s.Handshakes {
		st.s.Handshakes[k] = Handshake{}
	}
}

// Subscribe returns channel signalled after reading updates.
// Signals coalesce, receiver should take Snapshot.
func (st *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	st.mu.Lock()
	key := st.nextSubKey
	st.nextSubKey++
	st.subs[key] = ch
	st.mu.Unlock()
	return ch, func() {
		st.mu.Lock()
		delete(st.subs, key)
		st.mu.Unlock()
	}
}

func (st *Store) subscribersLocked() []chan struct{} {
	if len(st.subs) == 0 {
		return nil
	}
	list := make([]chan struct{}, 0, len(st.subs))
	for _, ch := range st.subs {
		list = append(list, ch)
	}
	return list
}

func notifyAll(list []chan struct{}) {
	for _, ch := range list {
		helpers.Notify(ch)
	}
}

// Package seqtrack detects duplicates, loss and restarts in 8-bit per-peer sequences.
package seqtrack

import (
	"fmt"
	"sync"
)

// ResetThreshold separates a burst of lost packets from a restarted peer.
// A forward gap of this size or larger is counted as restart, not loss.
const ResetThreshold = 100

type Kind uint8

const (
	KindFirst Kind = iota
	KindNext
	KindDuplicate
	KindLoss
	KindReset
	// KindUntracked is a packet without sequence number.
	KindUntracked
)

func (k Kind) String() string {
	switch k {
	case KindFirst:
		return "first"
	case KindNext:
		return "next"
	case KindDuplicate:
		return "duplicate"
	case KindLoss:
		return "loss"
	case KindReset:
		return "reset"
	case KindUntracked:
		return "untracked"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type Result struct {
	Kind Kind
	Lost uint32 // only for KindLoss
}

// PeerState is value type, owner provides locking.
type PeerState struct {
	Known           bool
	LastSequence    uint8
	PacketsReceived uint32
	PacketsLost     uint32
}

func (p *PeerState) Observe(seq uint8) Result {
	if !p.Known {
		p.Known, p.LastSequence = true, seq
		p.PacketsReceived++
		return Result{Kind: KindFirst}
	}
	p.PacketsReceived++
	if seq == p.LastSequence {
		return Result{Kind: KindDuplicate}
	}
	expected := p.LastSequence + 1 // wraps
	gap := uint32(seq - expected)  // mod 256
	p.LastSequence = seq
	switch {
	case gap == 0:
		return Result{Kind: KindNext}
	case gap < ResetThreshold:
		p.PacketsLost += gap
		return Result{Kind: KindLoss, Lost: gap}
	default:
		return Result{Kind: KindReset}
	}
}

// Count registers packet without sequence number, last sequence is kept.
func (p *PeerState) Count() Result {
	p.PacketsReceived++
	return Result{Kind: KindUntracked}
}

// Tracker is concurrent map of PeerState.
type Tracker struct {
	mu    sync.Mutex
	peers map[uint8]PeerState
}

func NewTracker() *Tracker {
	return &Tracker{peers: make(map[uint8]PeerState)}
}

func (t *Tracker) Observe(peer, seq uint8) Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.peers[peer]
	r := p.Observe(seq)
	t.peers[peer] = p
	return r
}

func (t *Tracker) Get(peer uint8) (PeerState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[peer]
	return p, ok
}

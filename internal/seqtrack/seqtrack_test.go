package seqtrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObserve(t *testing.T) {
	t.Parallel()

	type Case struct {
		name         string
		last         uint8
		seq          uint8
		expectKind   Kind
		expectLost   uint32
		expectLastSq uint8
	}
	cases := []Case{
		{"next", 250, 251, KindNext, 0, 251},
		{"wrap-loss", 250, 0, KindLoss, 5, 0},
		{"reset", 250, 10, KindReset, 0, 10},
		{"duplicate", 250, 250, KindDuplicate, 0, 250},
		{"wrap-next", 255, 0, KindNext, 0, 0},
		{"gap-99-loss", 0, 100, KindLoss, 99, 100},
		{"gap-100-reset", 0, 101, KindReset, 0, 101},
		{"backwards-reset", 100, 99, KindReset, 0, 99},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			p := PeerState{Known: true, LastSequence: c.last, PacketsReceived: 10, PacketsLost: 3}
			r := p.Observe(c.seq)
			assert.Equal(t, c.expectKind, r.Kind)
			assert.Equal(t, c.expectLost, r.Lost)
			assert.Equal(t, c.expectLastSq, p.LastSequence)
			assert.Equal(t, uint32(11), p.PacketsReceived)
			assert.Equal(t, 3+c.expectLost, p.PacketsLost)
		})
	}
}

func TestFirstAndDuplicates(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	_, ok := tr.Get(1)
	assert.False(t, ok)

	assert.Equal(t, Result{Kind: KindFirst}, tr.Observe(1, 42))
	p, ok := tr.Get(1)
	assert.True(t, ok)
	assert.Equal(t, PeerState{Known: true, LastSequence: 42, PacketsReceived: 1}, p)

	for i := 0; i < 5; i++ {
		assert.Equal(t, KindDuplicate, tr.Observe(1, 42).Kind)
	}
	p, _ = tr.Get(1)
	assert.Equal(t, uint32(6), p.PacketsReceived)
	assert.Equal(t, uint32(0), p.PacketsLost)

	// peers are independent
	assert.Equal(t, KindFirst, tr.Observe(2, 43).Kind)
	assert.Equal(t, KindNext, tr.Observe(1, 43).Kind)
}

func TestCountUntracked(t *testing.T) {
	t.Parallel()
	p := PeerState{}
	assert.Equal(t, KindUntracked, p.Count().Kind)
	assert.False(t, p.Known)
	assert.Equal(t, KindFirst, p.Observe(7).Kind)
	assert.Equal(t, KindUntracked, p.Count().Kind)
	assert.Equal(t, KindNext, p.Observe(8).Kind)
	assert.Equal(t, uint32(4), p.PacketsReceived)
}

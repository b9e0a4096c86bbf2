package helpers

import (
	"sync/atomic"
	"time"
)

// Limited exponential backoff for retry delays, e.g. re-opening serial port.
// First delay is always 0.
// Failure() multiplies next delay by K, Reset() returns it to Min.
type Backoff struct {
	next int64 // atomic align

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// Use scenario:
//
//	for {
//	  err := op()
//	  time.Sleep(backoff.DelayAfter(err==nil))
//	}
func (b *Backoff) DelayAfter(success bool) time.Duration {
	if success {
		b.Reset()
		return 0
	}
	atomic.CompareAndSwapInt64(&b.next, 0, int64(b.Min))
	d := b.limit(time.Duration(atomic.LoadInt64(&b.next)))
	b.Failure()
	return d
}

// Failure increases next delay.
func (b *Backoff) Failure() {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		next = b.Min
	}
	next = time.Duration(float32(next) * b.K)
	atomic.StoreInt64(&b.next, int64(b.limit(next)))
}

func (b *Backoff) Reset() {
	atomic.StoreInt64(&b.next, 0)
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}

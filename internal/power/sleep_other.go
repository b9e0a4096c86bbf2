//go:build !linux

package power

import "time"

var start = time.Now()

func boottime() time.Duration { return time.Since(start) }

func sleepChunk(d time.Duration) error {
	time.Sleep(d)
	return nil
}

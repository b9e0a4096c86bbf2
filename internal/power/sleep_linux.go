//go:build linux

package power

import (
	"time"

	"golang.org/x/sys/unix"
)

func boottime() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts); err != nil {
		return time.Duration(time.Now().UnixNano())
	}
	return time.Duration(ts.Nano())
}

func sleepChunk(d time.Duration) error {
	req := unix.NsecToTimespec(d.Nanoseconds())
	for {
		var rem unix.Timespec
		err := unix.ClockNanosleep(unix.CLOCK_BOOTTIME, 0, &req, &rem)
		if err == unix.EINTR {
			req = rem
			continue
		}
		return err
	}
}
